package main

import (
	"fmt"
	"sort"

	"github.com/banshee-data/sensor.bridge/internal/calibration"
	"github.com/banshee-data/sensor.bridge/internal/config"
	"github.com/banshee-data/sensor.bridge/internal/metrics"
	"github.com/banshee-data/sensor.bridge/internal/network"
	"github.com/banshee-data/sensor.bridge/internal/supervisor"
)

// bridge holds everything main wires together.
type bridge struct {
	store        *calibration.Store
	registry     *calibration.Registry
	endpoints    map[string]config.Endpoint
	manager      *supervisor.Manager
	broadcasters []*network.Broadcaster
}

// deps lets tests substitute the socket layer.
type deps struct {
	store    *calibration.Store
	registry *calibration.Registry
	metrics  *metrics.Collector
	factory  network.UDPSocketFactory
}

// listenerConfig builds the per-sensor listener template shared by live runs
// and PCAP replay.
func listenerConfig(cfg *config.BridgeConfig, ep config.Endpoint, d deps, sender network.Sender) network.ListenerConfig {
	lc := network.ListenerConfig{
		Sensor:        ep.Sensor,
		Address:       ep.ListenAddr(),
		FieldIndex:    cfg.GetFieldIndex(),
		PollInterval:  cfg.GetPollInterval(),
		StatsInterval: cfg.GetStatsInterval(),
		BroadcastPort: ep.BroadcastPort,
		Processor:     network.NewCalibrationProcessor(d.store, d.registry, nil),
		Sender:        sender,
		SocketFactory: d.factory,
	}
	if d.metrics != nil {
		lc.Recorder = d.metrics
	}
	return lc
}

// newBridge resolves the endpoints and creates one stopped supervisor per
// sensor type. Sensors without a registered calibration formula are rejected.
func newBridge(cfg *config.BridgeConfig, d deps) (*bridge, error) {
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		if _, err := d.registry.Lookup(name); err != nil {
			return nil, fmt.Errorf("sensor %q: %w", name, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	b := &bridge{store: d.store, registry: d.registry, endpoints: endpoints}
	var sups []*supervisor.Supervisor
	for _, name := range names {
		ep := endpoints[name]
		bc := network.NewBroadcaster(network.BroadcasterConfig{
			Address:       ep.BroadcastAddr,
			SocketFactory: d.factory,
		})
		b.broadcasters = append(b.broadcasters, bc)

		sc := supervisor.Config{
			Listener:    listenerConfig(cfg, ep, d, bc),
			StopTimeout: cfg.GetStopTimeout(),
		}
		if d.metrics != nil {
			sc.OnStateChange = d.metrics.SetRunning
		}
		sups = append(sups, supervisor.New(sc))
	}

	b.manager, err = supervisor.NewManager(sups...)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// close stops every listener and releases the broadcast sockets.
func (b *bridge) close() error {
	err := b.manager.StopAll()
	for _, bc := range b.broadcasters {
		bc.Close()
	}
	return err
}
