// Package capture supplies the packet stream the engine consumes: pcap and
// pcapng trace replay, live capture, and an in-memory source for tests.
package capture

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/energizer-project/photonmeter/internal/photon"
)

// Source yields UDP payloads in non-decreasing timestamp order. Next
// returns io.EOF when a finite source is exhausted.
type Source interface {
	Next(ctx context.Context) (photon.Packet, error)
	Close() error
}

// Filter returns the BPF expression selecting the game traffic. Port 0
// selects all UDP.
func Filter(port int) string {
	if port == 0 {
		return "udp"
	}
	return fmt.Sprintf("udp port %d", port)
}

// extractor turns link-layer frames into photon packets.
type extractor struct {
	linkType layers.LinkType
	port     uint16
	last     time.Time
}

// extract decodes one frame. Frames without a UDP layer, or whose ports do
// not match, are skipped. Timestamps that go backwards are clamped to the
// previous one so downstream TTLs never see time reverse.
func (e *extractor) extract(data []byte, ci gopacket.CaptureInfo) (photon.Packet, bool) {
	pkt := gopacket.NewPacket(data, e.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return photon.Packet{}, false
	}
	udp := udpLayer.(*layers.UDP)
	if e.port != 0 && uint16(udp.SrcPort) != e.port && uint16(udp.DstPort) != e.port {
		return photon.Packet{}, false
	}

	var src, dst netip.Addr
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		return photon.Packet{}, false
	}

	ts := ci.Timestamp
	if ts.Before(e.last) {
		ts = e.last
	}
	e.last = ts

	payload := make([]byte, len(udp.Payload))
	copy(payload, udp.Payload)
	return photon.Packet{
		Timestamp: ts,
		Src:       netip.AddrPortFrom(src, uint16(udp.SrcPort)),
		Dst:       netip.AddrPortFrom(dst, uint16(udp.DstPort)),
		Payload:   payload,
	}, true
}

// SliceSource replays a fixed packet list.
type SliceSource struct {
	packets []photon.Packet
	next    int
}

// NewSliceSource creates a source over packets.
func NewSliceSource(packets ...photon.Packet) *SliceSource {
	return &SliceSource{packets: packets}
}

func (s *SliceSource) Next(ctx context.Context) (photon.Packet, error) {
	if err := ctx.Err(); err != nil {
		return photon.Packet{}, err
	}
	if s.next >= len(s.packets) {
		return photon.Packet{}, io.EOF
	}
	p := s.packets[s.next]
	s.next++
	return p, nil
}

func (s *SliceSource) Close() error {
	return nil
}
