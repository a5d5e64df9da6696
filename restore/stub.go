//go:build !cgo
// +build !cgo

// This is a stub file for non-CGO builds where ONNX Runtime is not available.
package restore

import (
	"context"
	"errors"
	"image"

	"github.com/lenslab/lenslab/device"
)

// ErrCGORequired is returned when inference is attempted without CGO support.
var ErrCGORequired = errors.New("restore: onnx inference requires CGO support; rebuild with CGO_ENABLED=1")

// Net is the restoration network handle for non-CGO builds. Construction and
// diagnostics work; weight loading and inference report ErrCGORequired.
type Net struct {
	arch   Arch
	dev    device.Device
	width  int
	height int
}

// New constructs a network handle.
func New(arch Arch, dev device.Device, width, height int) *Net {
	return &Net{arch: arch, dev: dev, width: width, height: height}
}

// Arch returns the network topology.
func (n *Net) Arch() Arch { return n.arch }

// Device returns the placement the network was constructed for.
func (n *Net) Device() device.Device { return n.dev }

// Pretrained always reports false in non-CGO builds.
func (n *Net) Pretrained() bool { return false }

// LoadWeights returns an error indicating CGO is required.
func (n *Net) LoadWeights(path string) error {
	return ErrCGORequired
}

// Restore returns an error indicating CGO is required.
func (n *Net) Restore(ctx context.Context, img image.Image) (image.Image, error) {
	return nil, ErrCGORequired
}

// Close releases nothing in non-CGO builds.
func (n *Net) Close() error { return nil }

var _ Restorer = (*Net)(nil)
