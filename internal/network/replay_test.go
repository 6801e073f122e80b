package network

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensor.bridge/internal/calibration"
)

type capturedFrame struct {
	dstPort uint16
	payload string
}

// buildCapture writes an Ethernet/IPv4/UDP pcap holding frames in order.
func buildCapture(t *testing.T, frames []capturedFrame) []byte {
	t.Helper()

	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, f := range frames {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 168, 1, 20),
			DstIP:    net.IPv4(192, 168, 1, 10),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(f.dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(f.payload)))

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Second),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return out.Bytes()
}

func TestReplayPCAP_FiltersByPort(t *testing.T) {
	capture := buildCapture(t, []capturedFrame{
		{dstPort: 16008, payload: "0,1,2,3,4,5,10"},
		{dstPort: 16010, payload: "0,1,2,3,4,5,0"},
		{dstPort: 16008, payload: "garbage"},
		{dstPort: 16008, payload: "0,1,2,3,4,5,20"},
	})

	f := newListenerFixture(t, calibration.Fluorometer)
	stats, err := ReplayPCAP(context.Background(), bytes.NewReader(capture), 16008, f.listener)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Packets)
	assert.Equal(t, 3, stats.Matched)
	assert.Equal(t, 1, stats.Discarded)

	sent := f.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "$FLUO,10.00,5.00,")
	assert.Contains(t, sent[1], "$FLUO,20.00,10.00,")
}

func TestReplayPCAPFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "par.pcap")
	capture := buildCapture(t, []capturedFrame{{dstPort: 16010, payload: "0,1,2,3,4,5,0"}})
	require.NoError(t, os.WriteFile(path, capture, 0644))

	f := newListenerFixture(t, calibration.PAR)
	stats, err := ReplayPCAPFile(context.Background(), path, 16010, f.listener)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Matched)
	require.Len(t, f.sent(), 1)

	_, err = ReplayPCAPFile(context.Background(), filepath.Join(t.TempDir(), "missing.pcap"), 16010, f.listener)
	assert.Error(t, err)
}

func TestReplayPCAP_Errors(t *testing.T) {
	f := newListenerFixture(t, calibration.PAR)

	_, err := ReplayPCAP(context.Background(), bytes.NewReader([]byte("not a capture file")), 16010, f.listener)
	assert.Error(t, err)

	_, err = ReplayPCAP(context.Background(), bytes.NewReader(nil), 16010, f.listener)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	capture := buildCapture(t, []capturedFrame{{dstPort: 16010, payload: "0,1,2,3,4,5,0"}})
	stats, err := ReplayPCAP(ctx, bytes.NewReader(capture), 16010, f.listener)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Packets)
}
