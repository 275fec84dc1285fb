package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/energizer-project/photonmeter/internal/photon"
	"github.com/energizer-project/photonmeter/internal/util"
)

var (
	// pcapng section header block type, identical in either byte order.
	ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}
	// zstd frame magic, little-endian 0xFD2FB528.
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// FileSource replays a pcap or pcapng trace.
type FileSource struct {
	path   string
	file   *os.File
	zr     *zstd.Decoder
	reader packetReader
	ex     extractor
	logger zerolog.Logger

	read    uint64
	skipped uint64
}

// OpenFile opens a trace. The format is detected from the first block and
// zstd-compressed traces are decompressed on the fly. A port of 0 accepts
// every UDP datagram.
func OpenFile(path string, port int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture header %s: %w", path, err)
	}

	var zr *zstd.Decoder
	if bytes.Equal(head, zstdMagic) {
		if zr, err = zstd.NewReader(br); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open compressed capture %s: %w", path, err)
		}
		br = bufio.NewReader(zr)
		if head, err = br.Peek(4); err != nil {
			zr.Close()
			f.Close()
			return nil, fmt.Errorf("failed to read capture header %s: %w", path, err)
		}
	}

	var r packetReader
	if bytes.Equal(head, ngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		if zr != nil {
			zr.Close()
		}
		f.Close()
		return nil, fmt.Errorf("failed to parse capture file %s: %w", path, err)
	}

	s := &FileSource{
		path:   path,
		file:   f,
		zr:     zr,
		reader: r,
		ex:     extractor{linkType: r.LinkType(), port: uint16(port)},
		logger: util.ComponentLogger("capture"),
	}
	s.logger.Info().
		Str("path", path).
		Str("link_type", r.LinkType().String()).
		Int("port", port).
		Bool("compressed", zr != nil).
		Msg("replaying capture file")
	return s, nil
}

// Next returns the next matching packet, or io.EOF at the end of the trace.
// A truncated final record also ends the trace.
func (s *FileSource) Next(ctx context.Context) (photon.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return photon.Packet{}, err
		}
		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Info().
					Uint64("read", s.read).
					Uint64("skipped", s.skipped).
					Msg("capture file exhausted")
				return photon.Packet{}, io.EOF
			}
			return photon.Packet{}, fmt.Errorf("failed to read packet: %w", err)
		}
		s.read++
		if pkt, ok := s.ex.extract(data, ci); ok {
			return pkt, nil
		}
		s.skipped++
	}
}

func (s *FileSource) Close() error {
	if s.zr != nil {
		s.zr.Close()
	}
	return s.file.Close()
}
