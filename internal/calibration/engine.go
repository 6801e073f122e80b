package calibration

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Sensor type names.
const (
	Fluorometer = "fluorometer"
	PAR         = "par"
)

// Coefficient names used in the calibration file.
const (
	CoefScaleFactor         = "scale_factor"
	CoefDarkCounts          = "dark_counts"
	CoefMultiplier          = "multiplier"
	CoefCalibrationConstant = "calibration_constant"
	CoefOffset              = "offset"
)

// FluorometerValue applies the fluorometer transform:
// scale_factor * (raw - dark_counts).
func FluorometerValue(raw, scaleFactor, darkCounts float64) float64 {
	return scaleFactor * (raw - darkCounts)
}

// PARValue applies the PAR sensor transform:
// multiplier * (109 * 10^(raw - offset)) / calibration_constant.
func PARValue(raw, multiplier, calibrationConstant, offset float64) float64 {
	return multiplier * (109 * math.Pow(10, raw-offset)) / calibrationConstant
}

// Transform turns a raw reading into a calibrated value. The coefficients
// passed in are guaranteed to contain every name in SensorType.Required.
type Transform func(raw float64, c Coefficients) float64

// SensorType describes one calibratable instrument.
type SensorType struct {
	// Name is the key used in the calibration file and on the command line.
	Name string
	// Prefix is the sentence tag, e.g. "FLUO" for "$FLUO,...".
	Prefix string
	// Required lists the coefficients Transform reads.
	Required  []string
	Transform Transform
}

// Registry maps sensor names to their transform. Adding a sensor type is a
// Register call; nothing in the listener needs to change.
type Registry struct {
	mu    sync.RWMutex
	types map[string]SensorType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]SensorType)}
}

// DefaultRegistry returns a registry holding the fluorometer and PAR sensors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(SensorType{
		Name:     Fluorometer,
		Prefix:   "FLUO",
		Required: []string{CoefScaleFactor, CoefDarkCounts},
		Transform: func(raw float64, c Coefficients) float64 {
			return FluorometerValue(raw, c[CoefScaleFactor], c[CoefDarkCounts])
		},
	})
	r.MustRegister(SensorType{
		Name:     PAR,
		Prefix:   "PAR",
		Required: []string{CoefMultiplier, CoefCalibrationConstant, CoefOffset},
		Transform: func(raw float64, c Coefficients) float64 {
			return PARValue(raw, c[CoefMultiplier], c[CoefCalibrationConstant], c[CoefOffset])
		},
	})
	return r
}

// Register adds a sensor type. Names and prefixes must be non-empty and the
// name must not already be registered.
func (r *Registry) Register(t SensorType) error {
	if t.Name == "" || t.Prefix == "" {
		return fmt.Errorf("sensor type needs a name and prefix, got %q/%q", t.Name, t.Prefix)
	}
	if t.Transform == nil {
		return fmt.Errorf("sensor type %q has no transform", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("sensor type %q already registered", t.Name)
	}
	t.Required = append([]string(nil), t.Required...)
	r.types[t.Name] = t
	return nil
}

// MustRegister is Register for static setup; it panics on error.
func (r *Registry) MustRegister(t SensorType) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Lookup returns the sensor type registered under name.
func (r *Registry) Lookup(name string) (SensorType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return SensorType{}, fmt.Errorf("%w: %q", ErrUnknownSensorType, name)
	}
	return t, nil
}

// Names returns the registered sensor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that coeffs holds every coefficient the sensor needs.
func (r *Registry) Validate(name string, coeffs Coefficients) error {
	t, err := r.Lookup(name)
	if err != nil {
		return err
	}
	return t.check(coeffs)
}

func (t SensorType) check(coeffs Coefficients) error {
	if coeffs == nil {
		return fmt.Errorf("%w: no calibration entry for %q", ErrMissingCoefficient, t.Name)
	}
	for _, name := range t.Required {
		if _, ok := coeffs[name]; !ok {
			return fmt.Errorf("%w: %s.%s", ErrMissingCoefficient, t.Name, name)
		}
	}
	return nil
}

// Apply calibrates raw for the named sensor using that sensor's entry in set.
func (r *Registry) Apply(name string, raw float64, set Set) (float64, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}
	coeffs := set[name]
	if err := t.check(coeffs); err != nil {
		return 0, err
	}
	return t.Transform(raw, coeffs), nil
}
