// Package supervisor owns the start/stop lifecycle of one listener per sensor
// type.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sensor.bridge/internal/monitoring"
	"github.com/banshee-data/sensor.bridge/internal/network"
	"github.com/banshee-data/sensor.bridge/internal/timeutil"
)

var (
	ErrAlreadyRunning = errors.New("listener already running")
	ErrNotRunning     = errors.New("listener not running")
	ErrUnknownSensor  = errors.New("unknown sensor")
)

// DefaultStopTimeout bounds the first wait in Stop.
const DefaultStopTimeout = 5 * time.Second

// State is the lifecycle state of a listener.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// MarshalText renders the state as "running" or "stopped" in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config contains configuration options for a Supervisor.
type Config struct {
	// Listener is the template for every run. Its Sensor names the supervisor.
	Listener    network.ListenerConfig
	StopTimeout time.Duration
	Clock       timeutil.Clock
	Logf        func(format string, v ...interface{})
	// OnStateChange is called after every transition, outside any lock.
	OnStateChange func(sensor string, running bool)
}

// run is one Start..Stop cycle.
type run struct {
	id       string
	started  time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	listener *network.Listener
	err      error // written before done is closed
}

// Supervisor starts and stops the listener for one sensor type. Each run gets
// its own context, socket and goroutine; nothing is shared between runs or
// between supervisors.
type Supervisor struct {
	sensor        string
	template      network.ListenerConfig
	stopTimeout   time.Duration
	clock         timeutil.Clock
	logf          func(format string, v ...interface{})
	onStateChange func(sensor string, running bool)

	// opMu serialises Start and Stop; mu guards the fields below and is never
	// held while waiting on a run.
	opMu    sync.Mutex
	mu      sync.Mutex
	current *run
	lastErr error
}

// New creates a stopped Supervisor.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		sensor:        cfg.Listener.Sensor,
		template:      cfg.Listener,
		stopTimeout:   cfg.StopTimeout,
		clock:         cfg.Clock,
		logf:          cfg.Logf,
		onStateChange: cfg.OnStateChange,
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.logf == nil {
		s.logf = monitoring.Prefixed(s.sensor)
	}
	// Stats outlive a single run so the API can report the last interval.
	if s.template.Stats == nil {
		s.template.Stats = monitoring.NewPacketStats()
	}
	return s
}

// Sensor returns the sensor type this supervisor controls.
func (s *Supervisor) Sensor() string {
	return s.sensor
}

// Start binds the receive socket and launches the listener goroutine. It
// returns once the socket is bound; a bind failure is returned and the state
// stays Stopped.
func (s *Supervisor) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == Running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.sensor)
	}

	r := &run{
		id:      uuid.NewString(),
		started: s.clock.Now(),
		done:    make(chan struct{}),
	}
	cfg := s.template
	if cfg.Logf == nil {
		cfg.Logf = monitoring.Prefixed(fmt.Sprintf("%s %s", s.sensor, r.id[:8]))
	}
	r.listener = network.NewListener(cfg)
	if err := r.listener.Bind(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() {
		defer close(r.done)
		if err := r.listener.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logf("listener exited: %v", err)
			r.err = err
		}
	}()

	s.mu.Lock()
	s.current = r
	s.lastErr = nil
	s.mu.Unlock()

	s.logf("started run %s on %s", r.id, r.listener.LocalAddr())
	s.notify(true)
	return nil
}

// Stop cancels the running listener and waits for its goroutine to exit. If
// it has not exited within the stop timeout, Stop signals again and waits
// without a further bound, so the socket is always closed on return.
func (s *Supervisor) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, s.sensor)
	}

	r.cancel()
	select {
	case <-r.done:
	case <-s.clock.After(s.stopTimeout):
		s.logf("run %s did not stop within %s, signalling again and waiting", r.id, s.stopTimeout)
		r.cancel()
		<-r.done
	}

	s.mu.Lock()
	s.current = nil
	s.lastErr = r.err
	s.mu.Unlock()

	s.logf("stopped run %s", r.id)
	s.notify(false)
	return nil
}

func (s *Supervisor) notify(running bool) {
	if s.onStateChange != nil {
		s.onStateChange(s.sensor, running)
	}
}

// State returns Running between a successful Start and the matching Stop.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return Running
	}
	return Stopped
}

// RunID returns the current run's ID, or "" when stopped.
func (s *Supervisor) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.id
}

// Status describes one supervisor for the control API.
type Status struct {
	Sensor        string                    `json:"sensor"`
	State         State                     `json:"state"`
	RunID         string                    `json:"run_id,omitempty"`
	ListenAddr    string                    `json:"listen_addr"`
	BroadcastPort int                       `json:"broadcast_port"`
	StartedAt     *time.Time                `json:"started_at,omitempty"`
	LastError     string                    `json:"last_error,omitempty"`
	Stats         *monitoring.StatsSnapshot `json:"stats,omitempty"`
}

// Status returns a point-in-time view of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Sensor:        s.sensor,
		State:         Stopped,
		ListenAddr:    s.template.Address,
		BroadcastPort: s.template.BroadcastPort,
		Stats:         s.template.Stats.LatestSnapshot(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if r := s.current; r != nil {
		started := r.started
		st.State = Running
		st.RunID = r.id
		st.StartedAt = &started
		if addr := r.listener.LocalAddr(); addr != nil {
			st.ListenAddr = addr.String()
		}
	}
	return st
}

// Listener returns the current run's listener, or nil when stopped.
func (s *Supervisor) Listener() *network.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.listener
}
