package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// DefaultBroadcastAddr is the limited broadcast address.
const DefaultBroadcastAddr = "255.255.255.255"

// ErrSend wraps socket-level failures while broadcasting a sentence.
var ErrSend = errors.New("broadcast send failed")

// Sender delivers an encoded sentence to a destination port.
type Sender interface {
	Send(sentence string, port int) error
}

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// Address is the destination IP, DefaultBroadcastAddr when empty.
	Address       string
	SocketFactory UDPSocketFactory
}

// Broadcaster sends sentences as UDP datagrams from a single lazily opened
// socket with SO_BROADCAST set. A failed write drops the socket so the next
// Send opens a fresh one.
type Broadcaster struct {
	mu      sync.Mutex
	address string
	factory UDPSocketFactory
	sock    UDPSocket
}

// NewBroadcaster creates a Broadcaster. No socket is opened until the first
// Send.
func NewBroadcaster(config BroadcasterConfig) *Broadcaster {
	address := config.Address
	if address == "" {
		address = DefaultBroadcastAddr
	}
	factory := config.SocketFactory
	if factory == nil {
		factory = NewRealUDPSocketFactory()
	}
	return &Broadcaster{address: address, factory: factory}
}

// Address returns the destination IP.
func (b *Broadcaster) Address() string {
	return b.address
}

// Send writes sentence to <Address>:port.
func (b *Broadcaster) Send(sentence string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: invalid destination port %d", ErrSend, port)
	}
	ip := net.ParseIP(b.address)
	if ip == nil {
		return fmt.Errorf("%w: invalid destination address %q", ErrSend, b.address)
	}
	dst := &net.UDPAddr{IP: ip, Port: port}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sock == nil {
		sock, err := b.factory.ListenBroadcast("udp4")
		if err != nil {
			return fmt.Errorf("%w: open socket: %w", ErrSend, err)
		}
		b.sock = sock
	}

	if _, err := b.sock.WriteToUDP([]byte(sentence), dst); err != nil {
		b.sock.Close()
		b.sock = nil
		return fmt.Errorf("%w: to %s: %w", ErrSend, dst, err)
	}
	return nil
}

// Close releases the sending socket. The Broadcaster may be used again
// afterwards.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sock == nil {
		return nil
	}
	err := b.sock.Close()
	b.sock = nil
	return err
}
