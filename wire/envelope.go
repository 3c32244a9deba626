package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of Header on the wire.
const HeaderSize = 16

// CallHeaderSize is the fixed size of CallHeader on the wire.
const CallHeaderSize = 16

// MaxMessageSize bounds total envelope size (spec §5 limits).
const MaxMessageSize = 32 << 20 // 32 MiB

// Header is the 16-byte little-endian envelope prefix present on every
// on-the-wire message (spec §6).
type Header struct {
	Size      uint32 // total bytes following this field
	MsgId     MessageId
	MsgType   MessageType
	RequestId uint32 // 0 for fire-and-forget
}

// CallHeader follows Header when MsgId == FunctionCall (spec §6).
type CallHeader struct {
	PoaIdx      uint16
	InterfaceIx uint8
	FunctionIdx uint8
	ObjectId    uint64
}

// EncodeHeader writes h into buf[0:HeaderSize]. buf must be at least
// HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], h.Size)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.MsgId))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.MsgType))
	binary.LittleEndian.PutUint32(buf[12:16], h.RequestId)
}

// DecodeHeader parses a Header from buf[0:HeaderSize].
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	h := Header{
		Size:      binary.LittleEndian.Uint32(buf[0:4]),
		MsgId:     MessageId(binary.LittleEndian.Uint32(buf[4:8])),
		MsgType:   MessageType(binary.LittleEndian.Uint32(buf[8:12])),
		RequestId: binary.LittleEndian.Uint32(buf[12:16]),
	}
	return h, nil
}

// EncodeCallHeader writes ch into buf[0:CallHeaderSize].
func EncodeCallHeader(buf []byte, ch CallHeader) {
	_ = buf[CallHeaderSize-1]
	binary.LittleEndian.PutUint16(buf[0:2], ch.PoaIdx)
	buf[2] = ch.InterfaceIx
	buf[3] = ch.FunctionIdx
	binary.LittleEndian.PutUint32(buf[4:8], 0) // _pad
	binary.LittleEndian.PutUint64(buf[8:16], ch.ObjectId)
}

// DecodeCallHeader parses a CallHeader from buf[0:CallHeaderSize].
func DecodeCallHeader(buf []byte) (CallHeader, error) {
	if len(buf) < CallHeaderSize {
		return CallHeader{}, fmt.Errorf("wire: short call header (%d bytes)", len(buf))
	}
	ch := CallHeader{
		PoaIdx:      binary.LittleEndian.Uint16(buf[0:2]),
		InterfaceIx: buf[2],
		FunctionIdx: buf[3],
		ObjectId:    binary.LittleEndian.Uint64(buf[8:16]),
	}
	return ch, nil
}

// EncodeEnvelope serialises a Header (and, for FunctionCall, a CallHeader)
// followed by the opaque argument payload into a single contiguous buffer.
// The returned slice length equals header.Size + 4, satisfying the
// round-trip invariant of spec §8 property 4.
func EncodeEnvelope(h Header, ch *CallHeader, payload []byte) ([]byte, error) {
	bodyLen := len(payload)
	if ch != nil {
		bodyLen += CallHeaderSize
	}
	// Size counts everything after the 4-byte size field itself.
	h.Size = uint32(HeaderSize - 4 + bodyLen)
	total := 4 + int(h.Size)
	if total > MaxMessageSize {
		return nil, fmt.Errorf("wire: envelope of %d bytes exceeds maximum message size", total)
	}
	buf := make([]byte, total)
	EncodeHeader(buf, h)
	off := HeaderSize
	if ch != nil {
		EncodeCallHeader(buf[off:], *ch)
		off += CallHeaderSize
	}
	copy(buf[off:], payload)
	return buf, nil
}

// DecodeEnvelope parses a full on-the-wire message (Header, optional
// CallHeader, and opaque payload) from buf. buf must contain exactly one
// message (len(buf) == header.Size + 4).
func DecodeEnvelope(buf []byte) (Header, *CallHeader, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, nil, err
	}
	if uint32(len(buf)) != h.Size+4 {
		return Header{}, nil, nil, fmt.Errorf("wire: envelope length mismatch: buf=%d header.size+4=%d", len(buf), h.Size+4)
	}
	off := HeaderSize
	var ch *CallHeader
	if h.MsgId == FunctionCall {
		c, err := DecodeCallHeader(buf[off:])
		if err != nil {
			return Header{}, nil, nil, err
		}
		ch = &c
		off += CallHeaderSize
	}
	return h, ch, buf[off:], nil
}
