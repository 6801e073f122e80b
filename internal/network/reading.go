package network

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultFieldIndex is the 0-based position of the raw value in an
// instrument record.
const DefaultFieldIndex = 6

var (
	ErrShortRecord = errors.New("record has too few fields")
	ErrBadNumber   = errors.New("raw field is not a number")
)

// Reading is one raw value received for a sensor type.
type Reading struct {
	Sensor string
	Raw    float64
}

// ParseReading extracts the raw value at fieldIndex from a comma-separated
// ASCII record.
func ParseReading(payload []byte, fieldIndex int) (float64, error) {
	fields := strings.Split(strings.TrimSpace(string(payload)), ",")
	if fieldIndex < 0 || fieldIndex >= len(fields) {
		return 0, fmt.Errorf("%w: got %d, need %d", ErrShortRecord, len(fields), fieldIndex+1)
	}
	field := strings.TrimSpace(fields[fieldIndex])
	raw, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadNumber, field)
	}
	return raw, nil
}
