// Package device detects the compute accelerators available to a run.
//
// Detection is best effort and never fails: an accelerator-less machine is a
// valid configuration and simply selects CPU placement.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Kind identifies where tensor work is placed.
type Kind string

const (
	// KindCPU places all work on the host CPU.
	KindCPU Kind = "cpu"
	// KindCUDA places work on NVIDIA accelerators via the CUDA execution
	// provider.
	KindCUDA Kind = "cuda"
)

// ForceCPUEnv disables accelerator probing when set to a non-empty value.
const ForceCPUEnv = "LENSLAB_FORCE_CPU"

// Device is the handle used for all subsequent tensor placement.
type Device struct {
	Kind  Kind
	Count int // number of visible accelerators; 0 for CPU
	CPUs  int // logical CPU count, always populated
}

// String renders the handle for diagnostics, e.g. "cuda:2" or "cpu".
func (d Device) String() string {
	if d.Kind == KindCPU {
		return string(KindCPU)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Count)
}

// Accelerated reports whether any accelerator was selected.
func (d Device) Accelerated() bool {
	return d.Kind != KindCPU && d.Count > 0
}

// Selector probes the runtime for accelerators. The probe roots are
// injectable so tests can run against a fabricated sysfs tree.
type Selector struct {
	// NVIDIAProcRoot is the per-GPU directory the NVIDIA driver exposes,
	// normally /proc/driver/nvidia/gpus.
	NVIDIAProcRoot string
	// DRMRoot is the DRM class directory, normally /sys/class/drm.
	DRMRoot string

	Log *logrus.Logger
}

// DefaultSelector probes the standard Linux driver locations.
func DefaultSelector(log *logrus.Logger) *Selector {
	return &Selector{
		NVIDIAProcRoot: "/proc/driver/nvidia/gpus",
		DRMRoot:        "/sys/class/drm",
		Log:            log,
	}
}

// Detect returns the device handle for this run. CPU fallback is not an
// error; there is no failure mode here.
func (s *Selector) Detect() Device {
	dev := Device{Kind: KindCPU, CPUs: runtime.NumCPU()}

	if os.Getenv(ForceCPUEnv) != "" {
		s.logf("accelerator probing disabled by %s", ForceCPUEnv)
		return dev
	}

	if n := s.countNVIDIA(); n > 0 {
		dev.Kind = KindCUDA
		dev.Count = n
	}

	if dev.Accelerated() {
		s.logf("selected %s (%d accelerator(s), %d CPUs)", dev, dev.Count, dev.CPUs)
	} else {
		s.logf("no accelerators visible, selected cpu (%d CPUs)", dev.CPUs)
	}
	return dev
}

// countNVIDIA counts GPUs registered by the NVIDIA kernel driver. Each GPU
// appears as a subdirectory of the proc root; render-only DRM nodes are used
// as a secondary signal when the proc tree lists no devices.
func (s *Selector) countNVIDIA() int {
	count := 0
	if entries, err := os.ReadDir(s.NVIDIAProcRoot); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				count++
			}
		}
	}
	if count > 0 {
		return count
	}
	return s.countNVIDIADRM()
}

// countNVIDIADRM counts DRM cards whose vendor id is NVIDIA (0x10de).
func (s *Selector) countNVIDIADRM() int {
	cards, err := filepath.Glob(filepath.Join(s.DRMRoot, "card[0-9]*"))
	if err != nil {
		return 0
	}
	count := 0
	for _, card := range cards {
		raw, err := os.ReadFile(filepath.Join(card, "device", "vendor"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(raw)) == "0x10de" {
			count++
		}
	}
	return count
}

func (s *Selector) logf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Infof(format, args...)
	}
}
