package network

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_ReusesSocket(t *testing.T) {
	factory := NewMockUDPSocketFactory(NewMockUDPSocket())
	b := NewBroadcaster(BroadcasterConfig{SocketFactory: factory})

	require.NoError(t, b.Send("$PAR,1.00,2.00,20240101000000*00", 16011))
	require.NoError(t, b.Send("$PAR,3.00,4.00,20240101000000*00", 16011))

	assert.Equal(t, 1, factory.BroadcastCalls())
	written := factory.BroadcastSocket.Written()
	require.Len(t, written, 2)
	assert.Equal(t, "255.255.255.255:16011", written[0].Addr.String())
	assert.Equal(t, "$PAR,3.00,4.00,20240101000000*00", string(written[1].Data))

	require.NoError(t, b.Close())
	assert.True(t, factory.BroadcastSocket.Closed())
	require.NoError(t, b.Close())
}

func TestBroadcaster_Errors(t *testing.T) {
	t.Run("open failure", func(t *testing.T) {
		factory := NewMockUDPSocketFactory(NewMockUDPSocket())
		factory.BroadcastError = errors.New("permission denied")
		err := NewBroadcaster(BroadcasterConfig{SocketFactory: factory}).Send("x", 16009)
		assert.ErrorIs(t, err, ErrSend)
	})

	t.Run("write failure reopens", func(t *testing.T) {
		factory := NewMockUDPSocketFactory(NewMockUDPSocket())
		factory.BroadcastSocket.WriteError = errors.New("network unreachable")
		b := NewBroadcaster(BroadcasterConfig{SocketFactory: factory})

		assert.ErrorIs(t, b.Send("x", 16009), ErrSend)

		factory.BroadcastSocket.WriteError = nil
		assert.NoError(t, b.Send("x", 16009))
		assert.Equal(t, 2, factory.BroadcastCalls())
	})

	t.Run("bad port", func(t *testing.T) {
		factory := NewMockUDPSocketFactory(NewMockUDPSocket())
		b := NewBroadcaster(BroadcasterConfig{SocketFactory: factory})
		assert.ErrorIs(t, b.Send("x", 0), ErrSend)
		assert.ErrorIs(t, b.Send("x", 70000), ErrSend)
		assert.Zero(t, factory.BroadcastCalls())
	})

	t.Run("bad address", func(t *testing.T) {
		b := NewBroadcaster(BroadcasterConfig{Address: "not-an-ip", SocketFactory: NewMockUDPSocketFactory(nil)})
		assert.ErrorIs(t, b.Send("x", 16009), ErrSend)
	})
}

func TestBroadcaster_RealSocket(t *testing.T) {
	rx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer rx.Close()

	b := NewBroadcaster(BroadcasterConfig{Address: "127.0.0.1"})
	defer b.Close()

	port := rx.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, b.Send("$FLUO,10.00,5.00,20240101000000*0C", port))

	buf := make([]byte, 128)
	require.NoError(t, rx.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := rx.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "$FLUO,10.00,5.00,20240101000000*0C", string(buf[:n]))
}
