// Package feed replays raw instrument records into the bridge's receive
// ports, from a serial device or a fixtures file, and watches the broadcast
// side for checksummed sentences.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/banshee-data/sensor.bridge/internal/monitoring"
	"github.com/banshee-data/sensor.bridge/internal/network"
	"github.com/banshee-data/sensor.bridge/internal/nmea"
)

// maxRecordLen bounds one buffered record; longer input is sent in pieces.
const maxRecordLen = 4096

// Config contains configuration options for a Feeder.
type Config struct {
	Target string        // host:port of the bridge listener
	Delay  time.Duration // pause between records
	Logf   func(format string, v ...interface{})
}

// Feeder sends one UDP datagram per record.
type Feeder struct {
	conn  net.Conn
	delay time.Duration
	logf  func(format string, v ...interface{})
	sent  int
}

// NewFeeder dials the target. Close releases the socket.
func NewFeeder(cfg Config) (*Feeder, error) {
	conn, err := net.Dial("udp", cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Target, err)
	}
	logf := cfg.Logf
	if logf == nil {
		logf = monitoring.Prefixed("feed")
	}
	return &Feeder{conn: conn, delay: cfg.Delay, logf: logf}, nil
}

// Sent returns the number of records sent so far.
func (f *Feeder) Sent() int {
	return f.sent
}

// Send writes one record. Surrounding whitespace is trimmed; blank records
// are skipped.
func (f *Feeder) Send(record string) error {
	record = strings.TrimSpace(record)
	if record == "" {
		return nil
	}
	if _, err := f.conn.Write([]byte(record)); err != nil {
		return fmt.Errorf("failed to send record: %w", err)
	}
	f.sent++
	return nil
}

// FeedLines sends every newline-terminated record read from r until EOF or
// ctx is cancelled. A final unterminated record is sent at EOF. Reads that
// return no data, as a serial port does on read timeout, are retried.
func (f *Feeder) FeedLines(ctx context.Context, r io.Reader) error {
	var pending []byte
	buf := make([]byte, 512)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		pending = append(pending, buf[:n]...)

		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			if err := f.sendAndWait(ctx, string(pending[:i])); err != nil {
				return err
			}
			pending = pending[i+1:]
		}
		if len(pending) > maxRecordLen {
			f.logf("record longer than %d bytes, sending as is", maxRecordLen)
			if err := f.sendAndWait(ctx, string(pending)); err != nil {
				return err
			}
			pending = nil
		}

		if errors.Is(readErr, io.EOF) {
			if len(pending) > 0 {
				return f.Send(string(pending))
			}
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read records: %w", readErr)
		}
	}
}

func (f *Feeder) sendAndWait(ctx context.Context, record string) error {
	if strings.TrimSpace(record) == "" {
		return nil
	}
	if err := f.Send(record); err != nil {
		return err
	}
	if f.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delay):
		return nil
	}
}

// Close closes the sending socket.
func (f *Feeder) Close() error {
	return f.conn.Close()
}

// Watch binds addr and reports every datagram received to handle along with
// the result of nmea.Verify, until ctx is cancelled.
func Watch(ctx context.Context, addr string, factory network.UDPSocketFactory, handle func(sentence string, err error)) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %w", network.ErrBind, err)
	}
	if factory == nil {
		factory = network.NewRealUDPSocketFactory()
	}
	sock, err := factory.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("%w: %w", network.ErrBind, err)
	}
	defer sock.Close()

	buf := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("watch read failed: %w", err)
		}
		line := string(buf[:n])
		handle(line, nmea.Verify(line))
	}
}
