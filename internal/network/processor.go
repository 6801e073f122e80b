package network

import (
	"github.com/banshee-data/sensor.bridge/internal/calibration"
	"github.com/banshee-data/sensor.bridge/internal/nmea"
	"github.com/banshee-data/sensor.bridge/internal/timeutil"
)

// Processor turns a reading into the sentence to broadcast.
type Processor interface {
	Process(r Reading) (nmea.Sentence, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(r Reading) (nmea.Sentence, error)

func (f ProcessorFunc) Process(r Reading) (nmea.Sentence, error) { return f(r) }

// CalibrationProcessor reloads the calibration file for every reading, so
// edits made while a listener runs apply to the next packet.
type CalibrationProcessor struct {
	store    *calibration.Store
	registry *calibration.Registry
	clock    timeutil.Clock
}

// NewCalibrationProcessor returns a processor over store and registry. A nil
// clock uses the wall clock.
func NewCalibrationProcessor(store *calibration.Store, registry *calibration.Registry, clock timeutil.Clock) *CalibrationProcessor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &CalibrationProcessor{store: store, registry: registry, clock: clock}
}

// Process loads the current coefficients, applies the sensor's transform and
// encodes the result stamped with the current time.
func (p *CalibrationProcessor) Process(r Reading) (nmea.Sentence, error) {
	set, err := p.store.Load()
	if err != nil {
		return nmea.Sentence{}, err
	}
	calibrated, err := p.registry.Apply(r.Sensor, r.Raw, set)
	if err != nil {
		return nmea.Sentence{}, err
	}
	return nmea.EncodeFor(p.registry, r.Sensor, r.Raw, calibrated, p.clock.Now())
}
