package monitoring

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// StatsSnapshot represents the statistics of one logging interval.
type StatsSnapshot struct {
	Received       int64     `json:"received"`
	Discarded      int64     `json:"discarded"`
	Broadcast      int64     `json:"broadcast"`
	SendErrors     int64     `json:"send_errors"`
	PacketsPerSec  float64   `json:"packets_per_sec"`
	CalibratedMean float64   `json:"calibrated_mean"`
	CalibratedStd  float64   `json:"calibrated_std"`
	Timestamp      time.Time `json:"timestamp"`
}

// PacketStats tracks per-listener packet statistics with thread-safe operations.
type PacketStats struct {
	mu             sync.Mutex
	received       int64
	discarded      int64
	broadcast      int64
	sendErrors     int64
	calibrated     []float64
	lastReset      time.Time
	latestSnapshot *StatsSnapshot
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

// AddReceived counts a datagram read from the socket.
func (ps *PacketStats) AddReceived() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.received++
}

// AddDiscarded counts a datagram dropped before broadcast.
func (ps *PacketStats) AddDiscarded() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.discarded++
}

// AddBroadcast counts a sentence sent and records its calibrated value.
func (ps *PacketStats) AddBroadcast(calibrated float64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.broadcast++
	ps.calibrated = append(ps.calibrated, calibrated)
}

// AddSendError counts a failed broadcast.
func (ps *PacketStats) AddSendError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.sendErrors++
}

// Snapshot computes the statistics since the last reset and resets counters.
func (ps *PacketStats) Snapshot() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration := now.Sub(ps.lastReset)

	snap := StatsSnapshot{
		Received:   ps.received,
		Discarded:  ps.discarded,
		Broadcast:  ps.broadcast,
		SendErrors: ps.sendErrors,
		Timestamp:  now,
	}
	if duration > 0 {
		snap.PacketsPerSec = float64(ps.received) / duration.Seconds()
	}
	switch {
	case len(ps.calibrated) == 1:
		snap.CalibratedMean = ps.calibrated[0]
	case len(ps.calibrated) > 1:
		snap.CalibratedMean, snap.CalibratedStd = stat.MeanStdDev(ps.calibrated, nil)
	}

	ps.received = 0
	ps.discarded = 0
	ps.broadcast = 0
	ps.sendErrors = 0
	ps.calibrated = ps.calibrated[:0]
	ps.lastReset = now

	stored := snap
	ps.latestSnapshot = &stored
	return snap
}

// LogStats logs the interval statistics, staying quiet when nothing arrived.
func (ps *PacketStats) LogStats(logf func(format string, v ...interface{})) {
	snap := ps.Snapshot()
	if snap.Received == 0 && snap.SendErrors == 0 {
		return
	}

	msg := fmt.Sprintf("stats: %.2f packets/sec, %d broadcast, %d discarded",
		snap.PacketsPerSec, snap.Broadcast, snap.Discarded)
	if snap.Broadcast > 0 {
		msg += fmt.Sprintf(", calibrated mean %.3f sd %.3f", snap.CalibratedMean, snap.CalibratedStd)
	}
	if snap.SendErrors > 0 {
		msg += fmt.Sprintf(", \033[93m%d send errors\033[0m", snap.SendErrors)
	}
	logf("%s", msg)
}

// LatestSnapshot returns the most recent interval snapshot, or nil before the
// first interval has been taken.
func (ps *PacketStats) LatestSnapshot() *StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.latestSnapshot == nil {
		return nil
	}
	snapshot := *ps.latestSnapshot
	return &snapshot
}
