package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sensor.bridge/internal/calibration"
	"github.com/banshee-data/sensor.bridge/internal/monitoring"
)

// ErrBind is returned when the receive socket cannot be resolved or bound.
var ErrBind = errors.New("bind failed")

// Discard reasons reported to the Recorder.
const (
	ReasonParse       = "parse"
	ReasonCalibration = "calibration_unavailable"
	ReasonTransform   = "transform"
)

// receiveBufferSize bounds a single datagram; longer payloads are truncated.
const receiveBufferSize = 1024

// Notifier carries the per-packet hooks. Nil hooks are skipped. Hooks run on
// the listener goroutine and must not block indefinitely.
type Notifier struct {
	OnReceived  func()
	OnBroadcast func()
}

func (n Notifier) received() {
	if n.OnReceived != nil {
		n.OnReceived()
	}
}

func (n Notifier) broadcast() {
	if n.OnBroadcast != nil {
		n.OnBroadcast()
	}
}

// Recorder receives per-packet counters, typically backed by prometheus.
type Recorder interface {
	Received(sensor string)
	Discarded(sensor, reason string)
	Broadcast(sensor string, calibrated float64)
	SendError(sensor string)
}

// noopRecorder is used when no Recorder is configured.
type noopRecorder struct{}

func (noopRecorder) Received(string)           {}
func (noopRecorder) Discarded(string, string)  {}
func (noopRecorder) Broadcast(string, float64) {}
func (noopRecorder) SendError(string)          {}

// ListenerConfig contains configuration options for a Listener.
type ListenerConfig struct {
	Sensor  string
	Address string // host:port to bind
	// FieldIndex is the 0-based field holding the raw value. Callers
	// normally pass DefaultFieldIndex.
	FieldIndex    int
	PollInterval  time.Duration // read deadline, default 1s
	StatsInterval time.Duration // default 1m
	BroadcastPort int

	Processor     Processor
	Sender        Sender
	Notifier      Notifier
	Stats         *monitoring.PacketStats
	Recorder      Recorder
	SocketFactory UDPSocketFactory
	Logf          func(format string, v ...interface{})
}

// Listener receives raw records for one sensor type, calibrates them and
// hands the encoded sentence to its Sender.
type Listener struct {
	sensor        string
	address       string
	fieldIndex    int
	pollInterval  time.Duration
	statsInterval time.Duration
	broadcastPort int

	processor Processor
	sender    Sender
	notifier  Notifier
	stats     *monitoring.PacketStats
	recorder  Recorder
	factory   UDPSocketFactory
	logf      func(format string, v ...interface{})

	mu   sync.Mutex
	sock UDPSocket

	calibrationDown atomic.Bool
}

// NewListener creates a listener with the provided configuration.
func NewListener(config ListenerConfig) *Listener {
	l := &Listener{
		sensor:        config.Sensor,
		address:       config.Address,
		fieldIndex:    config.FieldIndex,
		pollInterval:  config.PollInterval,
		statsInterval: config.StatsInterval,
		broadcastPort: config.BroadcastPort,
		processor:     config.Processor,
		sender:        config.Sender,
		notifier:      config.Notifier,
		stats:         config.Stats,
		recorder:      config.Recorder,
		factory:       config.SocketFactory,
		logf:          config.Logf,
	}
	if l.pollInterval <= 0 {
		l.pollInterval = time.Second
	}
	if l.statsInterval <= 0 {
		l.statsInterval = time.Minute
	}
	if l.stats == nil {
		l.stats = monitoring.NewPacketStats()
	}
	if l.recorder == nil {
		l.recorder = noopRecorder{}
	}
	if l.factory == nil {
		l.factory = NewRealUDPSocketFactory()
	}
	if l.logf == nil {
		l.logf = monitoring.Prefixed(config.Sensor)
	}
	return l
}

// Sensor returns the sensor type this listener serves.
func (l *Listener) Sensor() string {
	return l.sensor
}

// Stats returns the listener's packet statistics.
func (l *Listener) Stats() *monitoring.PacketStats {
	return l.stats
}

// Bind resolves and binds the receive socket. Failures wrap ErrBind.
func (l *Listener) Bind() error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %w", ErrBind, l.address, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock != nil {
		return fmt.Errorf("%w: listener for %s already bound", ErrBind, l.sensor)
	}

	sock, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %w", ErrBind, l.address, err)
	}
	l.sock = sock
	return nil
}

// LocalAddr returns the bound address, or nil before Bind.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock == nil {
		return nil
	}
	return l.sock.LocalAddr()
}

// Run binds the socket and serves until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Bind(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve receives datagrams on the bound socket until ctx is cancelled. The
// socket is closed before Serve returns. Cancellation is noticed within one
// poll interval.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	sock := l.sock
	l.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("listener for %s is not bound", l.sensor)
	}
	defer l.Close()

	l.logf("UDP listener started on %s, broadcasting to port %d", sock.LocalAddr(), l.broadcastPort)

	statsCtx, stopStats := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.logStatsEvery(statsCtx)
	}()
	defer wg.Wait()
	defer stopStats()

	buffer := make([]byte, receiveBufferSize)
	for {
		select {
		case <-ctx.Done():
			l.logf("UDP listener stopping")
			return ctx.Err()
		default:
		}

		if err := sock.SetReadDeadline(time.Now().Add(l.pollInterval)); err != nil {
			l.logf("Warning: failed to set read deadline: %v", err)
		}

		n, addr, err := sock.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("receive socket closed: %w", err)
			}
			l.logf("UDP read error: %v", err)
			continue
		}

		if err := l.HandlePacket(buffer[:n]); err != nil && !calibration.IsStoreError(err) {
			l.logf("Discarded packet from %v: %v", addr, err)
		}
	}
}

func (l *Listener) logStatsEvery(ctx context.Context) {
	ticker := time.NewTicker(l.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats(l.logf)
		}
	}
}

// HandlePacket runs one datagram through parse, calibration, encoding and
// broadcast. It returns the reason a packet was not broadcast; callers only
// log it. Calibration store failures are returned but not logged per packet.
func (l *Listener) HandlePacket(payload []byte) error {
	l.stats.AddReceived()
	l.recorder.Received(l.sensor)

	raw, err := ParseReading(payload, l.fieldIndex)
	if err != nil {
		l.discard(ReasonParse)
		return err
	}

	l.notifier.received()

	sentence, err := l.processor.Process(Reading{Sensor: l.sensor, Raw: raw})
	if err != nil {
		if calibration.IsStoreError(err) {
			if l.calibrationDown.CompareAndSwap(false, true) {
				l.logf("Calibration unavailable, not broadcasting until it loads: %v", err)
			}
			l.discard(ReasonCalibration)
			return err
		}
		l.discard(ReasonTransform)
		return fmt.Errorf("calibrate %.2f: %w", raw, err)
	}
	if l.calibrationDown.CompareAndSwap(true, false) {
		l.logf("Calibration loaded, broadcasting resumed")
	}

	if err := l.sender.Send(sentence.String(), l.broadcastPort); err != nil {
		l.stats.AddSendError()
		l.recorder.SendError(l.sensor)
		return err
	}

	l.stats.AddBroadcast(sentence.Calibrated)
	l.recorder.Broadcast(l.sensor, sentence.Calibrated)
	l.notifier.broadcast()
	return nil
}

func (l *Listener) discard(reason string) {
	l.stats.AddDiscarded()
	l.recorder.Discarded(l.sensor, reason)
}

// Close closes the receive socket. It is safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock == nil {
		return nil
	}
	err := l.sock.Close()
	l.sock = nil
	return err
}
