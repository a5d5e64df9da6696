// Package restore constructs the image-restoration network used to undo
// lens aberrations.
//
// The architecture is fixed: the demonstration workflow hard-codes the
// channel and block counts rather than sourcing them from configuration.
// Inference runs through ONNX Runtime when built with cgo; without cgo the
// package degrades to a stub that reports ErrCGORequired.
package restore

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/lenslab/lenslab/device"
)

// ErrWeights indicates a pretrained weights snapshot that is missing or
// incompatible with the fixed architecture. Weights are never partially
// applied.
var ErrWeights = errors.New("restore: cannot load pretrained weights")

// Arch describes the restoration network topology.
type Arch struct {
	InChannels  int
	OutChannels int
	// Width is the base channel count of the first encoder stage.
	Width int
	// EncBlocks is the block count per encoder stage.
	EncBlocks []int
	// MiddleBlocks is the block count of the bottleneck stage.
	MiddleBlocks int
	// DecBlocks is the block count per decoder stage.
	DecBlocks []int
}

// DefaultArch returns the architecture the demonstration uses. These are
// deliberate literals, not configuration.
func DefaultArch() Arch {
	return Arch{
		InChannels:   3,
		OutChannels:  3,
		Width:        32,
		EncBlocks:    []int{1, 1, 1, 28},
		MiddleBlocks: 1,
		DecBlocks:    []int{1, 1, 1, 1},
	}
}

// String renders the topology for diagnostics.
func (a Arch) String() string {
	return fmt.Sprintf("in=%d out=%d width=%d enc=%v mid=%d dec=%v",
		a.InChannels, a.OutChannels, a.Width, a.EncBlocks, a.MiddleBlocks, a.DecBlocks)
}

// Restorer is the minimal capability set the workflow uses: construct,
// optionally load weights, and run. The pipeline is written against this
// interface so it can be exercised with a stub implementation.
type Restorer interface {
	// Arch returns the network topology.
	Arch() Arch
	// Device returns the placement the network was constructed for.
	Device() device.Device
	// LoadWeights applies a pretrained snapshot. A missing file or an
	// architecture mismatch returns ErrWeights; nothing is applied in
	// that case.
	LoadWeights(path string) error
	// Restore maps a degraded image to a restored one at the network's
	// working resolution.
	Restore(ctx context.Context, img image.Image) (image.Image, error)
	// Close releases runtime resources.
	Close() error
}

// checkCompat validates the IO tensor shapes declared by a weights snapshot
// against the fixed architecture. Dynamic dimensions (-1) are accepted for
// batch and spatial axes; the channel axis must match exactly.
func checkCompat(a Arch, inputDims, outputDims []int64) error {
	check := func(kind string, dims []int64, channels int) error {
		// Expect NCHW: [batch, channels, height, width].
		if len(dims) != 4 {
			return fmt.Errorf("%w: %s tensor has rank %d, want 4 (NCHW)", ErrWeights, kind, len(dims))
		}
		if dims[1] != int64(channels) && dims[1] != -1 {
			return fmt.Errorf("%w: %s channels = %d, architecture wants %d",
				ErrWeights, kind, dims[1], channels)
		}
		return nil
	}
	if err := check("input", inputDims, a.InChannels); err != nil {
		return err
	}
	return check("output", outputDims, a.OutChannels)
}
