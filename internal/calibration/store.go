// Package calibration loads per-sensor calibration coefficients and turns raw
// instrument readings into calibrated values.
package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/banshee-data/sensor.bridge/internal/fsutil"
)

// Coefficients maps a coefficient name (e.g. "scale_factor") to its value.
type Coefficients map[string]float64

// Set maps a sensor type name to its coefficients. It mirrors the calibration
// file layout:
//
//	{"fluorometer": {"scale_factor": 0.5, "dark_counts": 40}}
type Set map[string]Coefficients

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for sensor, coeffs := range s {
		c := make(Coefficients, len(coeffs))
		for k, v := range coeffs {
			c[k] = v
		}
		out[sensor] = c
	}
	return out
}

// Sensors returns the sensor names present in the set, sorted.
func (s Set) Sensors() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// maxFileSize bounds how much of a calibration file is read.
const maxFileSize = 1 * 1024 * 1024

// Store reads and writes a calibration file. Load has no caching: every call
// re-reads the file, so edits are picked up on the next packet. Save writes
// to a sibling temporary file and renames it over the destination, so readers
// see either the old or the new file and never a partial write.
type Store struct {
	path string
	fs   fsutil.FileSystem
	mu   sync.Mutex // serialises Save/Set; Load needs no lock
}

// NewStore returns a Store for the file at path. A nil filesystem uses the
// real one.
func NewStore(path string, filesystem fsutil.FileSystem) *Store {
	if filesystem == nil {
		filesystem = fsutil.OSFileSystem{}
	}
	return &Store{path: path, fs: filesystem}
}

// Path returns the calibration file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads and parses the calibration file.
func (s *Store) Load() (Set, error) {
	info, err := s.fs.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrUnreadable, s.path, info.Size(), maxFileSize)
	}

	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return Parse(data)
}

// Parse decodes a calibration document. Every coefficient must be a JSON
// number; null, strings and nested objects are rejected.
func Parse(data []byte) (Set, error) {
	var raw map[string]map[string]*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: document is not an object", ErrMalformedData)
	}

	set := make(Set, len(raw))
	for sensor, coeffs := range raw {
		if coeffs == nil {
			return nil, fmt.Errorf("%w: sensor %q has no coefficient object", ErrMalformedData, sensor)
		}
		c := make(Coefficients, len(coeffs))
		for name, v := range coeffs {
			if v == nil {
				return nil, fmt.Errorf("%w: %s.%s is not a number", ErrMalformedData, sensor, name)
			}
			c[name] = *v
		}
		set[sensor] = c
	}
	return set, nil
}

// Save persists the whole set, replacing the file atomically.
func (s *Store) Save(set Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(set)
}

func (s *Store) save(set Set) error {
	data, err := json.MarshalIndent(set, "", "    ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := s.fs.WriteFile(tmp, data, 0644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	return nil
}

// Get returns the coefficients for one sensor from a fresh load.
func (s *Store) Get(sensor string) (Coefficients, error) {
	set, err := s.Load()
	if err != nil {
		return nil, err
	}
	coeffs, ok := set[sensor]
	if !ok {
		return nil, fmt.Errorf("%w: no entry for %q", ErrMissingCoefficient, sensor)
	}
	return coeffs, nil
}

// Set replaces one sensor's coefficients and saves the whole file. A missing
// file is treated as an empty set so a first Set creates it.
func (s *Store) Set(sensor string, coeffs Coefficients) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.Load()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		set = Set{}
	}
	c := make(Coefficients, len(coeffs))
	for k, v := range coeffs {
		c[k] = v
	}
	set[sensor] = c
	return s.save(set)
}
