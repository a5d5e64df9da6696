// Package lens builds parametric lens models from lens specification files.
//
// A specification describes the optical prescription (surface list) together
// with the declared focal length, f-number, and sensor geometry. The model
// exposes the read-only properties the workflow prints and a single mutation:
// changing the sensor resolution. Optical simulation itself happens in the
// external runtime behind the network boundary and is out of scope here.
package lens

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrSpec indicates an absent or structurally invalid lens specification.
var ErrSpec = errors.New("lens: invalid lens specification")

// Model is the minimal capability set the workflow uses. The pipeline is
// written against this interface so it can run against a stub without any
// optics runtime.
type Model interface {
	// Name returns the human-readable lens description.
	Name() string
	// FocalLength returns the effective focal length in millimeters.
	FocalLength() float64
	// FNumber returns the working f-number.
	FNumber() float64
	// FOV returns the diagonal field of view in degrees.
	FOV() float64
	// SensorSize returns the physical sensor dimensions in millimeters.
	SensorSize() (w, h float64)
	// SensorResolution returns the sensor resolution in pixels.
	SensorResolution() (w, h int)
	// SetSensorResolution changes the sensor resolution. The pixel pitch
	// fixed at load time is preserved, so the physical dimensions scale
	// with the new resolution.
	SetSensorResolution(w, h int) error
}

// Surface is one optical surface in the prescription.
type Surface struct {
	Type         string  `json:"type"`
	Radius       float64 `json:"roc"` // radius of curvature; 0 means flat
	Thickness    float64 `json:"d"`   // distance to the next surface, mm
	Material     string  `json:"mat"` // material after the surface
	SemiAperture float64 `json:"r"`   // semi-aperture, mm
}

// SensorSpec is the imaging plane geometry declared by the specification.
type SensorSpec struct {
	Width      float64 `json:"width"`  // mm
	Height     float64 `json:"height"` // mm
	Resolution [2]int  `json:"resolution"`
}

// Spec maps the lens specification JSON to the subset we need.
type Spec struct {
	Info        string     `json:"info"`
	FocalLength float64    `json:"foclen"` // mm
	FNumber     float64    `json:"fnum"`
	Sensor      SensorSpec `json:"sensor"`
	Surfaces    []Surface  `json:"surfaces"`
}

// GeoModel is a file-backed lens model.
type GeoModel struct {
	spec Spec

	// pixel pitch in mm, fixed when the model is constructed
	pitchX float64
	pitchY float64

	resW int
	resH int
}

// Load reads a lens specification file and constructs a model from it.
func Load(path string) (*GeoModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpec, path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpec, path, err)
	}
	if err := validate(spec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpec, path, err)
	}
	return newModel(spec), nil
}

// New constructs a model from an in-memory specification.
func New(spec Spec) (*GeoModel, error) {
	if err := validate(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpec, err)
	}
	return newModel(spec), nil
}

func newModel(spec Spec) *GeoModel {
	return &GeoModel{
		spec:   spec,
		pitchX: spec.Sensor.Width / float64(spec.Sensor.Resolution[0]),
		pitchY: spec.Sensor.Height / float64(spec.Sensor.Resolution[1]),
		resW:   spec.Sensor.Resolution[0],
		resH:   spec.Sensor.Resolution[1],
	}
}

func validate(spec Spec) error {
	if spec.FocalLength <= 0 {
		return fmt.Errorf("foclen must be positive, got %g", spec.FocalLength)
	}
	if spec.FNumber <= 0 {
		return fmt.Errorf("fnum must be positive, got %g", spec.FNumber)
	}
	if spec.Sensor.Width <= 0 || spec.Sensor.Height <= 0 {
		return fmt.Errorf("sensor size must be positive, got %gx%g mm",
			spec.Sensor.Width, spec.Sensor.Height)
	}
	if spec.Sensor.Resolution[0] <= 0 || spec.Sensor.Resolution[1] <= 0 {
		return fmt.Errorf("sensor resolution must be positive, got %v", spec.Sensor.Resolution)
	}
	if len(spec.Surfaces) == 0 {
		return errors.New("prescription has no surfaces")
	}
	for i, s := range spec.Surfaces {
		if s.SemiAperture <= 0 {
			return fmt.Errorf("surface %d: semi-aperture must be positive, got %g", i, s.SemiAperture)
		}
		if s.Thickness < 0 {
			return fmt.Errorf("surface %d: thickness must be non-negative, got %g", i, s.Thickness)
		}
	}
	return nil
}

// Name returns the info string from the specification.
func (m *GeoModel) Name() string { return m.spec.Info }

// FocalLength returns the effective focal length in millimeters.
func (m *GeoModel) FocalLength() float64 { return m.spec.FocalLength }

// FNumber returns the working f-number.
func (m *GeoModel) FNumber() float64 { return m.spec.FNumber }

// SensorSize returns the current physical sensor dimensions in millimeters.
func (m *GeoModel) SensorSize() (w, h float64) {
	return m.pitchX * float64(m.resW), m.pitchY * float64(m.resH)
}

// SensorResolution returns the current sensor resolution in pixels.
func (m *GeoModel) SensorResolution() (w, h int) { return m.resW, m.resH }

// FOV returns the diagonal field of view in degrees for the current sensor.
func (m *GeoModel) FOV() float64 {
	w, h := m.SensorSize()
	diag := math.Hypot(w, h)
	return 2 * math.Atan2(diag/2, m.spec.FocalLength) * 180 / math.Pi
}

// Surfaces returns the number of surfaces in the prescription.
func (m *GeoModel) Surfaces() int { return len(m.spec.Surfaces) }

// SetSensorResolution changes the sensor resolution in place. The pixel
// pitch stays fixed, so sensor dimensions and FOV scale with the change.
func (m *GeoModel) SetSensorResolution(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: resolution must be positive, got %dx%d", ErrSpec, w, h)
	}
	m.resW = w
	m.resH = h
	return nil
}

var _ Model = (*GeoModel)(nil)
