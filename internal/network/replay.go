package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/sensor.bridge/internal/monitoring"
)

// PacketHandler consumes one UDP payload. *Listener implements it.
type PacketHandler interface {
	HandlePacket(payload []byte) error
}

// ReplayStats summarises one capture replay.
type ReplayStats struct {
	Packets   int // frames read from the capture
	Matched   int // UDP payloads sent to the handler
	Discarded int // payloads the handler rejected
	Elapsed   time.Duration
}

// packetSource is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// pcapngMagic is the section header block type that opens a pcapng file.
const pcapngMagic = 0x0A0D0D0A

func openCapture(r io.Reader) (packetSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// ReplayPCAPFile replays the UDP payloads addressed to udpPort in a pcap or
// pcapng file through handler.
func ReplayPCAPFile(ctx context.Context, path string, udpPort int, handler PacketHandler) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, udpPort, handler)
}

// ReplayPCAP decodes every frame in a capture and passes UDP payloads whose
// destination port is udpPort to handler, in capture order.
func ReplayPCAP(ctx context.Context, r io.Reader, udpPort int, handler PacketHandler) (stats ReplayStats, err error) {
	src, err := openCapture(r)
	if err != nil {
		return stats, fmt.Errorf("failed to open capture: %w", err)
	}

	start := time.Now()
	defer func() { stats.Elapsed = time.Since(start) }()

	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("PCAP replay stopping due to context cancellation (processed %d packets)", stats.Packets)
			return stats, err
		}

		data, _, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		packet := gopacket.NewPacket(data, src.LinkType(), gopacket.Default)
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || int(udp.DstPort) != udpPort || len(udp.Payload) == 0 {
			continue
		}

		stats.Matched++
		if err := handler.HandlePacket(udp.Payload); err != nil {
			stats.Discarded++
		}
	}

	monitoring.Logf("PCAP replay complete: %d packets read, %d on port %d, %d discarded",
		stats.Packets, stats.Matched, udpPort, stats.Discarded)
	return stats, nil
}
