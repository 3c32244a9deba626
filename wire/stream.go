package wire

import (
	"encoding/binary"
	"fmt"
)

// StreamInitHeaderSize is the fixed-size prefix of a StreamInitialization
// payload; the argument payload for the streaming method follows it.
const StreamInitHeaderSize = 24

// StreamInit is the payload of a StreamInitialization message (spec
// §4.9: "the client sends StreamInit{stream_id, poa_idx, interface_idx,
// object_id, func_idx} plus the normal argument payload"). There is no
// CallHeader on a StreamInitialization envelope (DecodeEnvelope only
// attaches one to FunctionCall), so StreamInit carries the same
// addressing fields itself.
type StreamInit struct {
	StreamId    uint64
	PoaIdx      uint16
	InterfaceIx uint8
	FunctionIdx uint8
	ObjectId    uint64
}

// EncodeStreamInit renders init followed by argPayload into one buffer
// suitable as an envelope's payload.
func EncodeStreamInit(init StreamInit, argPayload []byte) []byte {
	buf := make([]byte, StreamInitHeaderSize+len(argPayload))
	binary.LittleEndian.PutUint64(buf[0:8], init.StreamId)
	binary.LittleEndian.PutUint16(buf[8:10], init.PoaIdx)
	buf[10] = init.InterfaceIx
	buf[11] = init.FunctionIdx
	binary.LittleEndian.PutUint32(buf[12:16], 0) // _pad
	binary.LittleEndian.PutUint64(buf[16:24], init.ObjectId)
	copy(buf[StreamInitHeaderSize:], argPayload)
	return buf
}

// DecodeStreamInit parses a StreamInit header from the front of buf,
// returning the remaining bytes as the streaming method's argument
// payload.
func DecodeStreamInit(buf []byte) (StreamInit, []byte, error) {
	if len(buf) < StreamInitHeaderSize {
		return StreamInit{}, nil, fmt.Errorf("wire: stream init payload shorter than header (%d bytes)", len(buf))
	}
	init := StreamInit{
		StreamId:    binary.LittleEndian.Uint64(buf[0:8]),
		PoaIdx:      binary.LittleEndian.Uint16(buf[8:10]),
		InterfaceIx: buf[10],
		FunctionIdx: buf[11],
		ObjectId:    binary.LittleEndian.Uint64(buf[16:24]),
	}
	return init, buf[StreamInitHeaderSize:], nil
}

// StreamChunkHeaderSize is the fixed-size prefix of a StreamChunk
// payload; the chunk's opaque data follows it.
const StreamChunkHeaderSize = 16

// StreamChunk is one unit of a stream's payload (spec §4.9: "each yield
// becomes a StreamChunk{stream_id, sequence, data[], window_size}").
type StreamChunk struct {
	StreamId uint64
	Sequence uint64
	Data     []byte
}

// EncodeStreamChunk renders c into one buffer suitable as an envelope's
// payload.
func EncodeStreamChunk(c StreamChunk) []byte {
	buf := make([]byte, StreamChunkHeaderSize+len(c.Data))
	binary.LittleEndian.PutUint64(buf[0:8], c.StreamId)
	binary.LittleEndian.PutUint64(buf[8:16], c.Sequence)
	copy(buf[StreamChunkHeaderSize:], c.Data)
	return buf
}

// DecodeStreamChunk parses a StreamChunk payload produced by
// EncodeStreamChunk.
func DecodeStreamChunk(buf []byte) (StreamChunk, error) {
	if len(buf) < StreamChunkHeaderSize {
		return StreamChunk{}, fmt.Errorf("wire: stream chunk payload shorter than header (%d bytes)", len(buf))
	}
	c := StreamChunk{
		StreamId: binary.LittleEndian.Uint64(buf[0:8]),
		Sequence: binary.LittleEndian.Uint64(buf[8:16]),
	}
	if len(buf) > StreamChunkHeaderSize {
		c.Data = buf[StreamChunkHeaderSize:]
	}
	return c, nil
}

// StreamCompleteSize is the fixed size of a StreamComplete payload.
const StreamCompleteSize = 16

// StreamComplete marks the normal end of a stream (spec §4.9).
type StreamComplete struct {
	StreamId      uint64
	FinalSequence uint64
}

func EncodeStreamComplete(c StreamComplete) []byte {
	buf := make([]byte, StreamCompleteSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.StreamId)
	binary.LittleEndian.PutUint64(buf[8:16], c.FinalSequence)
	return buf
}

func DecodeStreamComplete(buf []byte) (StreamComplete, error) {
	if len(buf) < StreamCompleteSize {
		return StreamComplete{}, fmt.Errorf("wire: stream complete payload shorter than %d bytes", StreamCompleteSize)
	}
	return StreamComplete{
		StreamId:      binary.LittleEndian.Uint64(buf[0:8]),
		FinalSequence: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// StreamErrorHeaderSize is the fixed-size prefix of a StreamError
// payload; the opaque error_data follows it.
const StreamErrorHeaderSize = 12

// StreamError aborts a stream with an application-chosen error code and
// opaque data (spec §4.9).
type StreamError struct {
	StreamId  uint64
	ErrorCode uint32
	ErrorData []byte
}

func EncodeStreamError(e StreamError) []byte {
	buf := make([]byte, StreamErrorHeaderSize+len(e.ErrorData))
	binary.LittleEndian.PutUint64(buf[0:8], e.StreamId)
	binary.LittleEndian.PutUint32(buf[8:12], e.ErrorCode)
	copy(buf[StreamErrorHeaderSize:], e.ErrorData)
	return buf
}

func DecodeStreamError(buf []byte) (StreamError, error) {
	if len(buf) < StreamErrorHeaderSize {
		return StreamError{}, fmt.Errorf("wire: stream error payload shorter than header (%d bytes)", len(buf))
	}
	e := StreamError{
		StreamId:  binary.LittleEndian.Uint64(buf[0:8]),
		ErrorCode: binary.LittleEndian.Uint32(buf[8:12]),
	}
	if len(buf) > StreamErrorHeaderSize {
		e.ErrorData = buf[StreamErrorHeaderSize:]
	}
	return e, nil
}

// StreamCancelSize is the fixed size of a StreamCancel payload.
const StreamCancelSize = 8

// StreamCancel aborts a stream from either side (spec §4.9).
type StreamCancel struct {
	StreamId uint64
}

func EncodeStreamCancel(c StreamCancel) []byte {
	buf := make([]byte, StreamCancelSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.StreamId)
	return buf
}

func DecodeStreamCancel(buf []byte) (StreamCancel, error) {
	if len(buf) < StreamCancelSize {
		return StreamCancel{}, fmt.Errorf("wire: stream cancel payload shorter than %d bytes", StreamCancelSize)
	}
	return StreamCancel{StreamId: binary.LittleEndian.Uint64(buf[0:8])}, nil
}

// StreamAckSize is the fixed size of a StreamAck payload.
const StreamAckSize = 20

// StreamAck is the consumer's incremental credit top-up (spec §4.9
// EXPANSION, supplemented from original_source's stream_reader.hpp
// ack_threshold behavior): it both acknowledges chunks up to
// UpToSequence and advertises WindowSize additional credit the producer
// may now use.
type StreamAck struct {
	StreamId     uint64
	UpToSequence uint64
	WindowSize   uint32
}

func EncodeStreamAck(a StreamAck) []byte {
	buf := make([]byte, StreamAckSize)
	binary.LittleEndian.PutUint64(buf[0:8], a.StreamId)
	binary.LittleEndian.PutUint64(buf[8:16], a.UpToSequence)
	binary.LittleEndian.PutUint32(buf[16:20], a.WindowSize)
	return buf
}

func DecodeStreamAck(buf []byte) (StreamAck, error) {
	if len(buf) < StreamAckSize {
		return StreamAck{}, fmt.Errorf("wire: stream ack payload shorter than %d bytes", StreamAckSize)
	}
	return StreamAck{
		StreamId:     binary.LittleEndian.Uint64(buf[0:8]),
		UpToSequence: binary.LittleEndian.Uint64(buf[8:16]),
		WindowSize:   binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}
