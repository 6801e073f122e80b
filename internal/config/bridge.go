package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Default receive and broadcast ports per sensor type.
const (
	FluorometerListenPort    = 16008
	FluorometerBroadcastPort = 16009
	PARListenPort            = 16010
	PARBroadcastPort         = 16011
)

const (
	DefaultListenHost      = "0.0.0.0"
	DefaultBroadcastAddr   = "255.255.255.255"
	DefaultCalibrationFile = "calibration.json"
	DefaultFieldIndex      = 6
)

// BridgeConfig is the optional JSON configuration for the bridge. Every field
// is a pointer so omitted values fall back to the defaults returned by the
// Get* accessors; partial configs are safe.
type BridgeConfig struct {
	CalibrationFile *string `json:"calibration_file,omitempty"`
	PollInterval    *string `json:"poll_interval,omitempty"` // duration string like "1s"
	StopTimeout     *string `json:"stop_timeout,omitempty"`  // duration string like "5s"
	StatsInterval   *string `json:"stats_interval,omitempty"`
	FieldIndex      *int    `json:"field_index,omitempty"`

	Sensors map[string]*EndpointConfig `json:"sensors,omitempty"`
}

// EndpointConfig overrides the network endpoints of one sensor type.
type EndpointConfig struct {
	ListenHost    *string `json:"listen_host,omitempty"`
	ListenPort    *int    `json:"listen_port,omitempty"`
	BroadcastAddr *string `json:"broadcast_addr,omitempty"`
	BroadcastPort *int    `json:"broadcast_port,omitempty"`
}

// Endpoint is the resolved receive/broadcast pair for one sensor type.
type Endpoint struct {
	Sensor        string `json:"sensor"`
	ListenHost    string `json:"listen_host"`
	ListenPort    int    `json:"listen_port"`
	BroadcastAddr string `json:"broadcast_addr"`
	BroadcastPort int    `json:"broadcast_port"`
}

// ListenAddr returns the host:port the sensor's listener binds.
func (e Endpoint) ListenAddr() string {
	return net.JoinHostPort(e.ListenHost, fmt.Sprint(e.ListenPort))
}

// DefaultEndpoints returns the built-in endpoints for the fluorometer and PAR
// sensors.
func DefaultEndpoints() map[string]Endpoint {
	return map[string]Endpoint{
		"fluorometer": {
			Sensor:        "fluorometer",
			ListenHost:    DefaultListenHost,
			ListenPort:    FluorometerListenPort,
			BroadcastAddr: DefaultBroadcastAddr,
			BroadcastPort: FluorometerBroadcastPort,
		},
		"par": {
			Sensor:        "par",
			ListenHost:    DefaultListenHost,
			ListenPort:    PARListenPort,
			BroadcastAddr: DefaultBroadcastAddr,
			BroadcastPort: PARBroadcastPort,
		},
	}
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// LoadBridgeConfig loads a BridgeConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &BridgeConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *BridgeConfig) Validate() error {
	for name, d := range map[string]*string{
		"poll_interval":  c.PollInterval,
		"stop_timeout":   c.StopTimeout,
		"stats_interval": c.StatsInterval,
	} {
		if d == nil || *d == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *d)
		}
	}

	if c.FieldIndex != nil && *c.FieldIndex < 0 {
		return fmt.Errorf("field_index must be non-negative, got %d", *c.FieldIndex)
	}

	for sensor, ep := range c.Sensors {
		if ep == nil {
			continue
		}
		if ep.ListenPort != nil && (*ep.ListenPort < 0 || *ep.ListenPort > 65535) {
			return fmt.Errorf("sensors.%s.listen_port out of range: %d", sensor, *ep.ListenPort)
		}
		if ep.BroadcastPort != nil && (*ep.BroadcastPort <= 0 || *ep.BroadcastPort > 65535) {
			return fmt.Errorf("sensors.%s.broadcast_port out of range: %d", sensor, *ep.BroadcastPort)
		}
		if ep.BroadcastAddr != nil && net.ParseIP(*ep.BroadcastAddr) == nil {
			return fmt.Errorf("sensors.%s.broadcast_addr is not an IP address: %q", sensor, *ep.BroadcastAddr)
		}
	}

	return nil
}

// GetCalibrationFile returns the calibration file path or the default.
func (c *BridgeConfig) GetCalibrationFile() string {
	if c.CalibrationFile == nil || *c.CalibrationFile == "" {
		return DefaultCalibrationFile
	}
	return *c.CalibrationFile
}

// GetPollInterval returns the receive poll interval, bounding how long a stop
// request waits for the loop to notice cancellation.
func (c *BridgeConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, time.Second)
}

// GetStopTimeout returns how long Stop waits before re-signalling.
func (c *BridgeConfig) GetStopTimeout() time.Duration {
	return parseDurationOr(c.StopTimeout, 5*time.Second)
}

// GetStatsInterval returns how often per-listener stats are logged.
func (c *BridgeConfig) GetStatsInterval() time.Duration {
	return parseDurationOr(c.StatsInterval, time.Minute)
}

// GetFieldIndex returns the 0-based index of the raw reading in a datagram.
func (c *BridgeConfig) GetFieldIndex() int {
	if c.FieldIndex == nil {
		return DefaultFieldIndex
	}
	return *c.FieldIndex
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Endpoints resolves the endpoint of every known sensor: the built-in
// defaults overlaid with any per-sensor overrides. A sensor that only appears
// in the config must set both ports.
func (c *BridgeConfig) Endpoints() (map[string]Endpoint, error) {
	out := DefaultEndpoints()

	names := make([]string, 0, len(c.Sensors))
	for name := range c.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		override := c.Sensors[name]
		ep, known := out[name]
		if !known {
			if override == nil || override.ListenPort == nil || override.BroadcastPort == nil {
				return nil, fmt.Errorf("sensor %q has no default endpoint; listen_port and broadcast_port are required", name)
			}
			ep = Endpoint{Sensor: name, ListenHost: DefaultListenHost, BroadcastAddr: DefaultBroadcastAddr}
		}
		if override != nil {
			if override.ListenHost != nil {
				ep.ListenHost = *override.ListenHost
			}
			if override.ListenPort != nil {
				ep.ListenPort = *override.ListenPort
			}
			if override.BroadcastAddr != nil {
				ep.BroadcastAddr = *override.BroadcastAddr
			}
			if override.BroadcastPort != nil {
				ep.BroadcastPort = *override.BroadcastPort
			}
		}
		out[name] = ep
	}
	return out, nil
}
