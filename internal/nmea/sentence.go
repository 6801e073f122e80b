// Package nmea encodes calibrated readings as checksummed NMEA-style
// sentences of the form "$FLUO,10.00,5.00,20240101000000*0C".
package nmea

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/sensor.bridge/internal/calibration"
)

// TimestampLayout is the sentence timestamp format (UTC, second resolution).
const TimestampLayout = "20060102150405"

var (
	ErrNoChecksum  = errors.New("sentence has no checksum")
	ErrBadChecksum = errors.New("sentence checksum mismatch")
)

// Sentence is one encoded reading. Build it with Encode or EncodeFor.
type Sentence struct {
	Prefix     string
	Raw        float64
	Calibrated float64
	Timestamp  time.Time
	body       string
	checksum   byte
}

// Encode builds a sentence for an explicit prefix. The timestamp is converted
// to UTC and truncated to whole seconds.
func Encode(prefix string, raw, calibrated float64, ts time.Time) Sentence {
	ts = ts.UTC().Truncate(time.Second)
	body := fmt.Sprintf("$%s,%.2f,%.2f,%s", prefix, raw, calibrated, FormatTimestamp(ts))
	return Sentence{
		Prefix:     prefix,
		Raw:        raw,
		Calibrated: calibrated,
		Timestamp:  ts,
		body:       body,
		checksum:   Checksum(body),
	}
}

// EncodeFor looks up the sentence prefix for sensor in reg and encodes the
// reading. Unregistered sensors fail with calibration.ErrUnknownSensorType.
func EncodeFor(reg *calibration.Registry, sensor string, raw, calibrated float64, ts time.Time) (Sentence, error) {
	st, err := reg.Lookup(sensor)
	if err != nil {
		return Sentence{}, err
	}
	return Encode(st.Prefix, raw, calibrated, ts), nil
}

// FormatTimestamp renders t in UTC as YYYYMMDDHHMMSS.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Checksum XORs every byte of body after a leading '$'.
func Checksum(body string) byte {
	body = strings.TrimPrefix(body, "$")
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// Body returns the sentence without the checksum suffix.
func (s Sentence) Body() string {
	return s.body
}

// Checksum returns the sentence checksum byte.
func (s Sentence) Checksum() byte {
	return s.checksum
}

// String returns the wire form "<body>*HH".
func (s Sentence) String() string {
	return s.body + "*" + fmt.Sprintf("%02X", s.checksum)
}

// Bytes returns the ASCII wire payload.
func (s Sentence) Bytes() []byte {
	return []byte(s.String())
}

// Verify recomputes the checksum of a "$...*HH" line and compares it with
// the trailing hex digits.
func Verify(line string) error {
	line = strings.TrimRight(line, "\r\n")
	star := strings.LastIndexByte(line, '*')
	if !strings.HasPrefix(line, "$") || star < 0 || star+3 != len(line) {
		return fmt.Errorf("%w: %q", ErrNoChecksum, line)
	}
	want, err := strconv.ParseUint(line[star+1:], 16, 8)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrNoChecksum, line)
	}
	if got := Checksum(line[:star]); got != byte(want) {
		return fmt.Errorf("%w: computed %02X, sentence has %02X", ErrBadChecksum, got, want)
	}
	return nil
}
