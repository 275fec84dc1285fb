package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"

	"github.com/energizer-project/photonmeter/internal/photon"
	"github.com/energizer-project/photonmeter/internal/util"
)

// readTimeout bounds each blocking read so cancellation is noticed.
const readTimeout = 250 * time.Millisecond

// LiveSource captures from a network interface through libpcap.
type LiveSource struct {
	handle *pcap.Handle
	ex     extractor
	logger zerolog.Logger
}

// LiveOptions configures OpenLive.
type LiveOptions struct {
	Interface   string
	Port        int
	Snaplen     int
	Promiscuous bool
	// Filter overrides the BPF expression derived from Port.
	Filter string
}

// OpenLive opens iface and installs the BPF filter.
func OpenLive(opts LiveOptions) (*LiveSource, error) {
	if opts.Interface == "" {
		return nil, errors.New("capture: interface is required for live capture")
	}
	if opts.Snaplen <= 0 {
		opts.Snaplen = 65535
	}
	handle, err := pcap.OpenLive(opts.Interface, int32(opts.Snaplen), opts.Promiscuous, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", opts.Interface, err)
	}

	filter := opts.Filter
	if filter == "" {
		filter = Filter(opts.Port)
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set BPF filter %q: %w", filter, err)
	}

	s := &LiveSource{
		handle: handle,
		ex:     extractor{linkType: handle.LinkType(), port: uint16(opts.Port)},
		logger: util.ComponentLogger("capture"),
	}
	s.logger.Info().
		Str("interface", opts.Interface).
		Str("filter", filter).
		Str("link_type", handle.LinkType().String()).
		Msg("live capture started")
	return s, nil
}

// Next blocks until a matching packet arrives or ctx is cancelled.
func (s *LiveSource) Next(ctx context.Context) (photon.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return photon.Packet{}, err
		}
		data, ci, err := s.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			return photon.Packet{}, fmt.Errorf("failed to read packet: %w", err)
		}
		if pkt, ok := s.ex.extract(data, ci); ok {
			return pkt, nil
		}
	}
}

func (s *LiveSource) Close() error {
	if stats, err := s.handle.Stats(); err == nil {
		s.logger.Info().
			Int("received", stats.PacketsReceived).
			Int("dropped", stats.PacketsDropped).
			Int("if_dropped", stats.PacketsIfDropped).
			Msg("live capture stopped")
	}
	s.handle.Close()
	return nil
}

// Interfaces lists the capture devices libpcap can open.
func Interfaces() ([]string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	return names, nil
}
