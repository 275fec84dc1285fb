package protocol

// Event is an event message: a code byte followed by a parameter table.
type Event struct {
	Code   byte
	Params Parameters
}

// SubType returns the effective event code: the dedicated sub-type parameter
// when present, otherwise the raw code byte.
func (e *Event) SubType(key byte) int {
	if n, ok := e.Params.Int64(key); ok {
		return int(n)
	}
	return int(e.Code)
}

// OperationRequest is a client-to-server operation: code byte plus parameters.
type OperationRequest struct {
	Code   byte
	Params Parameters
}

// OpCode returns the effective operation code.
func (o *OperationRequest) OpCode(key byte) int {
	if n, ok := o.Params.Int64(key); ok {
		return int(n)
	}
	return int(o.Code)
}

// OperationResponse is the server reply to an operation request.
type OperationResponse struct {
	Code         byte
	ReturnCode   int16
	DebugMessage string
	Params       Parameters
	// Legacy is set when the debug message was encoded as a bare string
	// without a type tag.
	Legacy bool
}

// OpCode returns the effective operation code.
func (o *OperationResponse) OpCode(key byte) int {
	if n, ok := o.Params.Int64(key); ok {
		return int(n)
	}
	return int(o.Code)
}

// DecodeEvent decodes an event body starting at its code byte.
func DecodeEvent(buf []byte) (*Event, error) {
	r := &reader{buf: buf}
	code, err := r.u8("event code")
	if err != nil {
		return nil, err
	}
	params, err := r.parameters()
	if err != nil {
		return nil, err
	}
	return &Event{Code: code, Params: params}, nil
}

// DecodeOperationRequest decodes a request body starting at its code byte.
func DecodeOperationRequest(buf []byte) (*OperationRequest, error) {
	r := &reader{buf: buf}
	code, err := r.u8("operation code")
	if err != nil {
		return nil, err
	}
	params, err := r.parameters()
	if err != nil {
		return nil, err
	}
	return &OperationRequest{Code: code, Params: params}, nil
}

// legacyDebugOffset is where the untagged debug string starts in the legacy
// response layout: code byte plus the 16-bit return code.
const legacyDebugOffset = 3

// DecodeOperationResponse decodes a response body starting at its code byte.
//
// Two layouts are seen on the wire. The current one tags the debug message
// with a type byte (null when absent). Older servers write a bare
// length-prefixed string instead. The tagged layout is tried first and the
// legacy one is retried from offset 3 if it fails.
func DecodeOperationResponse(buf []byte) (*OperationResponse, error) {
	resp, err := decodeTaggedResponse(buf)
	if err == nil {
		return resp, nil
	}
	legacy, legacyErr := decodeLegacyResponse(buf)
	if legacyErr != nil {
		return nil, err
	}
	return legacy, nil
}

func decodeResponseHeader(r *reader) (byte, int16, error) {
	code, err := r.u8("operation code")
	if err != nil {
		return 0, 0, err
	}
	rc, err := r.u16("return code")
	if err != nil {
		return 0, 0, err
	}
	return code, int16(rc), nil
}

func decodeTaggedResponse(buf []byte) (*OperationResponse, error) {
	r := &reader{buf: buf}
	code, rc, err := decodeResponseHeader(r)
	if err != nil {
		return nil, err
	}
	dbg, err := r.typed()
	if err != nil {
		return nil, err
	}
	resp := &OperationResponse{Code: code, ReturnCode: rc}
	if s, ok := dbg.(String); ok {
		resp.DebugMessage = string(s)
	}
	if resp.Params, err = r.parameters(); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeLegacyResponse(buf []byte) (*OperationResponse, error) {
	r := &reader{buf: buf}
	code, rc, err := decodeResponseHeader(r)
	if err != nil {
		return nil, err
	}
	r.off = legacyDebugOffset
	msg, err := r.str("legacy debug message")
	if err != nil {
		return nil, err
	}
	params, err := r.parameters()
	if err != nil {
		return nil, err
	}
	return &OperationResponse{Code: code, ReturnCode: rc, DebugMessage: msg, Params: params, Legacy: true}, nil
}
