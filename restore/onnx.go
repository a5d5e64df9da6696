//go:build cgo
// +build cgo

package restore

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/lenslab/lenslab/device"
	"github.com/lenslab/lenslab/platform"
)

// SharedLibraryEnv points at the onnxruntime shared library (.so/.dll/.dylib).
// When unset, the library is looked up under the platform data directory.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Net is an ONNX-backed restoration network.
type Net struct {
	arch   Arch
	dev    device.Device
	width  int
	height int

	weightsPath string
	inputName   string
	outputName  string
}

// New constructs a network with the given architecture for the given device
// at the working resolution. Without LoadWeights the network is randomly
// initialized on the runtime side and cannot run inference here; the
// demonstration workflow only needs construction and diagnostics in that case.
func New(arch Arch, dev device.Device, width, height int) *Net {
	return &Net{arch: arch, dev: dev, width: width, height: height}
}

// Arch returns the network topology.
func (n *Net) Arch() Arch { return n.arch }

// Device returns the placement the network was constructed for.
func (n *Net) Device() device.Device { return n.dev }

// Pretrained reports whether weights have been applied.
func (n *Net) Pretrained() bool { return n.weightsPath != "" }

// LoadWeights validates and applies a pretrained snapshot. The snapshot's
// declared IO tensors must match the fixed architecture; on any failure the
// network keeps its previous state.
func (n *Net) LoadWeights(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWeights, path, err)
	}

	configureSharedLibrary()
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("restore: initialize onnxruntime: %w", err)
	}
	defer ort.DestroyEnvironment()

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWeights, path, err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return fmt.Errorf("%w: %s: expected single input and output, got %d/%d",
			ErrWeights, path, len(inputs), len(outputs))
	}
	if err := checkCompat(n.arch, inputs[0].Dimensions, outputs[0].Dimensions); err != nil {
		return fmt.Errorf("%v: %s", err, path)
	}

	n.weightsPath = path
	n.inputName = inputs[0].Name
	n.outputName = outputs[0].Name
	return nil
}

// Restore runs the network on img at the working resolution.
func (n *Net) Restore(ctx context.Context, img image.Image) (image.Image, error) {
	if n.weightsPath == "" {
		return nil, fmt.Errorf("restore: no weights loaded, inference unavailable")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configureSharedLibrary()
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("restore: initialize onnxruntime: %w", err)
	}
	defer ort.DestroyEnvironment()

	inShape := ort.NewShape(1, int64(n.arch.InChannels), int64(n.height), int64(n.width))
	inTensor, err := ort.NewTensor(inShape, imageToNCHW(img, n.width, n.height))
	if err != nil {
		return nil, fmt.Errorf("restore: build input tensor: %w", err)
	}
	defer inTensor.Destroy()

	outShape := ort.NewShape(1, int64(n.arch.OutChannels), int64(n.height), int64(n.width))
	outTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, fmt.Errorf("restore: build output tensor: %w", err)
	}
	defer outTensor.Destroy()

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("restore: session options: %w", err)
	}
	defer opts.Destroy()

	// Accelerator placement is best effort; CPU execution remains valid.
	if n.dev.Accelerated() {
		if cudaOpts, err := ort.NewCUDAProviderOptions(); err == nil {
			if err := cudaOpts.Update(map[string]string{"device_id": "0"}); err == nil {
				_ = opts.AppendExecutionProviderCUDA(cudaOpts)
			}
			cudaOpts.Destroy()
		}
	}

	session, err := ort.NewAdvancedSession(
		n.weightsPath,
		[]string{n.inputName},
		[]string{n.outputName},
		[]ort.Value{inTensor},
		[]ort.Value{outTensor},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("restore: create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("restore: run: %w", err)
	}

	return nchwToImage(outTensor.GetData(), n.width, n.height), nil
}

// Close releases runtime resources. Sessions are per-call, so nothing is held.
func (n *Net) Close() error { return nil }

func configureSharedLibrary() {
	if p := os.Getenv(SharedLibraryEnv); p != "" {
		ort.SetSharedLibraryPath(p)
		return
	}
	local := filepath.Join(platform.GetDataDir(), "onnxruntime"+platform.SharedLibExtension())
	if _, err := os.Stat(local); err == nil {
		ort.SetSharedLibraryPath(local)
	}
}

var _ Restorer = (*Net)(nil)
