// Package photon unwraps the outer Photon packet framing of a UDP payload
// into the Protocol16 messages it carries.
package photon

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/energizer-project/photonmeter/internal/protocol"
)

// Packet is one captured UDP payload with its capture time and endpoints.
// Packets are treated as immutable once produced by a capture source.
type Packet struct {
	Timestamp time.Time
	Src       netip.AddrPort
	Dst       netip.AddrPort
	Payload   []byte
}

// MessageType is the message-type byte of a reliable-send body.
type MessageType byte

const (
	MessageRequest  MessageType = 2
	MessageResponse MessageType = 3
	MessageEvent    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	case MessageEvent:
		return "event"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Message is one protocol message extracted from a packet. Payload starts
// at the code byte, so it can be handed to the protocol decoders as-is.
type Message struct {
	Type     MessageType
	Code     byte
	Channel  byte
	Sequence uint32
	Payload  []byte
}

// EventCode returns the event code for event messages.
func (m Message) EventCode() (byte, bool) {
	if m.Type != MessageEvent {
		return 0, false
	}
	return m.Code, true
}

// Decoded is a message with its parameter table decoded. Exactly one of
// Event, Request and Response is set.
type Decoded struct {
	Message
	Event    *protocol.Event
	Request  *protocol.OperationRequest
	Response *protocol.OperationResponse
}

// Params returns the parameter table of whichever shape was decoded.
func (d *Decoded) Params() protocol.Parameters {
	switch {
	case d.Event != nil:
		return d.Event.Params
	case d.Request != nil:
		return d.Request.Params
	case d.Response != nil:
		return d.Response.Params
	}
	return nil
}

// Decode decodes the parameter table of m according to its type.
func Decode(m Message) (*Decoded, error) {
	d := &Decoded{Message: m}
	var err error
	switch m.Type {
	case MessageEvent:
		d.Event, err = protocol.DecodeEvent(m.Payload)
	case MessageRequest:
		d.Request, err = protocol.DecodeOperationRequest(m.Payload)
	case MessageResponse:
		d.Response, err = protocol.DecodeOperationResponse(m.Payload)
	default:
		return nil, fmt.Errorf("photon: cannot decode %s message", m.Type)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UnknownSink receives payloads that could not be framed or decoded.
type UnknownSink interface {
	Unknown(reason string, data []byte)
}

// SinkFunc adapts a function to UnknownSink.
type SinkFunc func(reason string, data []byte)

func (f SinkFunc) Unknown(reason string, data []byte) {
	f(reason, data)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Unknown(string, []byte) {}
