package photon

import (
	"github.com/energizer-project/photonmeter/internal/protocol"
)

// reservedSignature is the byte Photon writes ahead of the message type.
const reservedSignature = 0xF3

// PacketBuilder assembles Photon packets for fixtures and synthetic replay.
type PacketBuilder struct {
	peer     uint16
	flags    byte
	seq      uint32
	commands [][]byte
}

// NewPacketBuilder creates an empty packet builder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Flags sets the packet header flags.
func (b *PacketBuilder) Flags(flags byte) *PacketBuilder {
	b.flags = flags
	return b
}

// Command appends a raw command of the given type.
func (b *PacketBuilder) Command(cmdType byte, body []byte) *PacketBuilder {
	b.seq++
	cmd := protocol.NewBuilder().
		Uint8(cmdType).
		Uint8(0).
		Uint8(0).
		Uint8(0).
		Uint32(uint32(CommandHeaderSize + len(body))).
		Uint32(b.seq).
		Raw(body).
		Build()
	b.commands = append(b.commands, cmd)
	return b
}

// Reliable appends a reliable-send command carrying one message. payload
// starts at the code byte.
func (b *PacketBuilder) Reliable(t MessageType, payload []byte) *PacketBuilder {
	body := append([]byte{reservedSignature, byte(t)}, payload...)
	return b.Command(CommandReliable, body)
}

// Unreliable appends a send-unreliable command carrying one message.
func (b *PacketBuilder) Unreliable(t MessageType, payload []byte) *PacketBuilder {
	body := append([]byte{0, 0, 0, 0, reservedSignature, byte(t)}, payload...)
	return b.Command(CommandUnreliable, body)
}

// Event appends a reliable event built from code and params.
func (b *PacketBuilder) Event(code byte, params protocol.Parameters) *PacketBuilder {
	return b.Reliable(MessageEvent, protocol.EncodeEvent(code, params))
}

// Request appends a reliable operation request.
func (b *PacketBuilder) Request(code byte, params protocol.Parameters) *PacketBuilder {
	return b.Reliable(MessageRequest, protocol.EncodeOperationRequest(code, params))
}

// Response appends a reliable operation response with no debug message.
func (b *PacketBuilder) Response(code byte, params protocol.Parameters) *PacketBuilder {
	return b.Reliable(MessageResponse, protocol.EncodeOperationResponse(code, 0, nil, params))
}

// Build returns the packet bytes.
func (b *PacketBuilder) Build() []byte {
	w := protocol.NewBuilder().
		Uint16(b.peer).
		Uint8(b.flags).
		Uint8(byte(len(b.commands))).
		Uint32(0).
		Uint32(0)
	for _, c := range b.commands {
		w.Raw(c)
	}
	return w.Build()
}
