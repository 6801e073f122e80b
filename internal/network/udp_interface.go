package network

import (
	"context"
	"net"
	"sync"
	"time"
)

// UDPSocket defines an interface for UDP socket operations.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// WriteToUDP sends a datagram to addr.
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates receive and broadcast sockets.
type UDPSocketFactory interface {
	// ListenUDP binds a receiving socket to laddr.
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)

	// ListenBroadcast opens an unbound sending socket with SO_BROADCAST set.
	ListenBroadcast(network string) (UDPSocket, error)
}

// RealUDPSocket wraps *net.UDPConn to implement UDPSocket.
type RealUDPSocket struct {
	conn *net.UDPConn
}

// NewRealUDPSocket wraps an existing *net.UDPConn.
func NewRealUDPSocket(conn *net.UDPConn) *RealUDPSocket {
	return &RealUDPSocket{conn: conn}
}

func (r *RealUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	return r.conn.ReadFromUDP(b)
}

func (r *RealUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	return r.conn.WriteToUDP(b, addr)
}

func (r *RealUDPSocket) SetReadDeadline(t time.Time) error {
	return r.conn.SetReadDeadline(t)
}

func (r *RealUDPSocket) Close() error {
	return r.conn.Close()
}

func (r *RealUDPSocket) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// RealUDPSocketFactory implements UDPSocketFactory on the host network stack.
type RealUDPSocketFactory struct{}

// NewRealUDPSocketFactory creates a new RealUDPSocketFactory.
func NewRealUDPSocketFactory() *RealUDPSocketFactory {
	return &RealUDPSocketFactory{}
}

// ListenUDP creates a new bound UDP socket.
func (f *RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return NewRealUDPSocket(conn), nil
}

// ListenBroadcast opens an ephemeral-port socket permitted to send to
// broadcast addresses.
func (f *RealUDPSocketFactory) ListenBroadcast(network string) (UDPSocket, error) {
	lc := net.ListenConfig{Control: setBroadcast}
	pc, err := lc.ListenPacket(context.Background(), network, ":0")
	if err != nil {
		return nil, err
	}
	return NewRealUDPSocket(pc.(*net.UDPConn)), nil
}

// MockUDPSocket implements UDPSocket for testing. It is safe for use from the
// listener goroutine and the test goroutine at the same time.
type MockUDPSocket struct {
	mu sync.Mutex

	packets   []MockUDPPacket
	readIndex int
	closed    bool
	deadline  time.Time
	written   []MockUDPPacket

	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// ReadError is returned once on the next ReadFromUDP call if set.
	ReadError error
	// WriteError is returned by every WriteToUDP call while set.
	WriteError error
}

// MockUDPPacket represents a packet for mock testing.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a new MockUDPSocket with the given payloads
// queued for reading.
func NewMockUDPSocket(payloads ...string) *MockUDPSocket {
	m := &MockUDPSocket{
		LocalAddress: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 16008},
	}
	for _, p := range payloads {
		m.Push([]byte(p))
	}
	return m
}

// Push queues a datagram for the next ReadFromUDP.
func (m *MockUDPSocket) Push(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, MockUDPPacket{
		Data: append([]byte(nil), data...),
		Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000},
	})
}

// ReadFromUDP returns the next queued packet, or a timeout once the queue is
// drained.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if m.readIndex >= len(m.packets) {
		m.mu.Unlock()
		// A real socket blocks until the deadline.
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	pkt := m.packets[m.readIndex]
	m.readIndex++
	m.mu.Unlock()

	n := copy(b, pkt.Data)
	return n, pkt.Addr, nil
}

// WriteToUDP records the datagram.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	m.written = append(m.written, MockUDPPacket{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// Closed reports whether Close was called since the socket was last opened.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Pending returns the number of queued packets not yet read.
func (m *MockUDPSocket) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets) - m.readIndex
}

// Written returns a copy of every datagram sent through the socket.
func (m *MockUDPSocket) Written() []MockUDPPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockUDPPacket(nil), m.written...)
}

func (m *MockUDPSocket) reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	mu sync.Mutex

	// Socket is returned from ListenUDP, reopened if a previous run closed it.
	Socket *MockUDPSocket
	// BroadcastSocket is returned from ListenBroadcast.
	BroadcastSocket *MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// BroadcastError is returned by ListenBroadcast if set.
	BroadcastError error

	listenCalls    []MockListenCall
	broadcastCalls int
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

// NewMockUDPSocketFactory creates a new MockUDPSocketFactory.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{
		Socket:          socket,
		BroadcastSocket: NewMockUDPSocket(),
	}
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listenCalls = append(f.listenCalls, MockListenCall{Network: network, Addr: laddr})
	if f.Error != nil {
		return nil, f.Error
	}
	f.Socket.reopen()
	return f.Socket, nil
}

// ListenBroadcast returns the configured broadcast mock socket.
func (f *MockUDPSocketFactory) ListenBroadcast(network string) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcastCalls++
	if f.BroadcastError != nil {
		return nil, f.BroadcastError
	}
	f.BroadcastSocket.reopen()
	return f.BroadcastSocket, nil
}

// ListenCalls returns every recorded ListenUDP call.
func (f *MockUDPSocketFactory) ListenCalls() []MockListenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MockListenCall(nil), f.listenCalls...)
}

// BroadcastCalls returns the number of ListenBroadcast calls.
func (f *MockUDPSocketFactory) BroadcastCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcastCalls
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
