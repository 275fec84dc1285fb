package photon

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/energizer-project/photonmeter/internal/util"
)

// Packet and command layout.
const (
	PacketHeaderSize  = 12
	CommandHeaderSize = 12

	unreliableSeqBytes = 4
	reliableHeaderSize = 2
)

// Header flags.
const (
	// FlagEncrypted marks a packet whose commands are encrypted.
	FlagEncrypted byte = 0x01
	// FlagCRC marks a packet carrying a CRC trailer, which is not supported.
	FlagCRC byte = 0xCC
)

// Command types.
const (
	CommandDisconnect byte = 4
	CommandReliable   byte = 6
	CommandUnreliable byte = 7
	CommandFragment   byte = 8
)

// Framing failures. A failure stops the packet; messages framed before it
// are still returned.
var (
	ErrHeaderTooShort = errors.New("photon: packet shorter than header")
	ErrEncrypted      = errors.New("photon: encrypted packet")
	ErrCRCUnsupported = errors.New("photon: crc packets not supported")
	ErrCommandLength  = errors.New("photon: bad command length")
)

// Framer splits a UDP payload into protocol messages. It holds no per-packet
// state, so framing the same payload twice yields the same result.
type Framer struct {
	sink   UnknownSink
	logger zerolog.Logger
}

// NewFramer creates a framer reporting unframeable payloads to sink.
// A nil sink discards them.
func NewFramer(sink UnknownSink) *Framer {
	if sink == nil {
		sink = NopSink{}
	}
	return &Framer{
		sink:   sink,
		logger: util.ComponentLogger("framer"),
	}
}

// Frame returns every message in payload, in command order.
func (f *Framer) Frame(payload []byte) ([]Message, error) {
	if len(payload) < PacketHeaderSize {
		f.sink.Unknown("short packet header", payload)
		return nil, ErrHeaderTooShort
	}

	flags := payload[2]
	count := int(payload[3])
	if flags == FlagCRC {
		f.sink.Unknown("crc packet", payload)
		return nil, ErrCRCUnsupported
	}
	if flags&FlagEncrypted != 0 {
		f.sink.Unknown("encrypted packet", payload)
		return nil, ErrEncrypted
	}

	var msgs []Message
	off := PacketHeaderSize
	for i := 0; i < count; i++ {
		if off+CommandHeaderSize > len(payload) {
			f.sink.Unknown("truncated command header", payload[off:])
			return msgs, fmt.Errorf("%w: command %d header at offset %d", ErrCommandLength, i, off)
		}
		cmdType := payload[off]
		channel := payload[off+1]
		length := int(int32(binary.BigEndian.Uint32(payload[off+4:])))
		seq := binary.BigEndian.Uint32(payload[off+8:])
		bodyLen := length - CommandHeaderSize
		if bodyLen < 0 || off+length > len(payload) {
			f.sink.Unknown("bad command length", payload[off:])
			return msgs, fmt.Errorf("%w: command %d declares %d bytes at offset %d", ErrCommandLength, i, length, off)
		}
		body := payload[off+CommandHeaderSize : off+length]
		off += length

		switch cmdType {
		case CommandReliable:
			if m, ok := f.message(body, channel, seq); ok {
				msgs = append(msgs, m)
			}
		case CommandUnreliable:
			if len(body) < unreliableSeqBytes {
				f.sink.Unknown("short unreliable command", body)
				continue
			}
			if m, ok := f.message(body[unreliableSeqBytes:], channel, seq); ok {
				msgs = append(msgs, m)
			}
		case CommandFragment, CommandDisconnect:
		default:
			f.logger.Trace().Uint8("command", cmdType).Int("bytes", len(body)).Msg("Skipping command")
		}
	}
	return msgs, nil
}

// message reads a reliable-send body: a reserved byte, the message type
// and the payload, whose first byte is the event or operation code.
func (f *Framer) message(body []byte, channel byte, seq uint32) (Message, bool) {
	if len(body) < reliableHeaderSize+1 {
		f.sink.Unknown("short message", body)
		return Message{}, false
	}
	typ := MessageType(body[1])
	switch typ {
	case MessageRequest, MessageResponse, MessageEvent:
	default:
		f.sink.Unknown(fmt.Sprintf("unsupported message type %d", byte(typ)), body)
		return Message{}, false
	}
	payload := body[reliableHeaderSize:]
	return Message{
		Type:     typ,
		Code:     payload[0],
		Channel:  channel,
		Sequence: seq,
		Payload:  payload,
	}, true
}
