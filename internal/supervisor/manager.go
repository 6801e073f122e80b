package supervisor

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Manager holds one Supervisor per configured sensor type.
type Manager struct {
	supervisors map[string]*Supervisor
	names       []string
}

// NewManager returns a manager over sups. Sensor names must be unique.
func NewManager(sups ...*Supervisor) (*Manager, error) {
	m := &Manager{supervisors: make(map[string]*Supervisor, len(sups))}
	for _, s := range sups {
		if _, dup := m.supervisors[s.Sensor()]; dup {
			return nil, fmt.Errorf("duplicate supervisor for sensor %q", s.Sensor())
		}
		m.supervisors[s.Sensor()] = s
		m.names = append(m.names, s.Sensor())
	}
	sort.Strings(m.names)
	return m, nil
}

// Names returns the managed sensor types, sorted.
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

// Supervisor returns the supervisor for sensor.
func (m *Manager) Supervisor(sensor string) (*Supervisor, error) {
	s, ok := m.supervisors[sensor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSensor, sensor)
	}
	return s, nil
}

// Start starts the listener for sensor.
func (m *Manager) Start(sensor string) error {
	s, err := m.Supervisor(sensor)
	if err != nil {
		return err
	}
	return s.Start()
}

// Stop stops the listener for sensor.
func (m *Manager) Stop(sensor string) error {
	s, err := m.Supervisor(sensor)
	if err != nil {
		return err
	}
	return s.Stop()
}

// StartAll starts every stopped listener. Listeners already running are left
// alone; bind failures are collected.
func (m *Manager) StartAll() error {
	var errs []error
	for _, name := range m.names {
		if err := m.supervisors[name].Start(); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every running listener concurrently and waits for all of
// them.
func (m *Manager) StopAll() error {
	var g errgroup.Group
	for _, name := range m.names {
		s := m.supervisors[name]
		g.Go(func() error {
			if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Status returns the status of every supervisor, sorted by sensor name.
func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.supervisors[name].Status())
	}
	return out
}
