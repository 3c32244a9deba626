// Package wire implements the on-the-wire envelope: the 16-byte Header,
// the 16-byte CallHeader, the MessageId enumeration, and endpoint URL
// parsing. Encoding follows spec.md §6 exactly; the binary layout style
// (explicit little-endian encode/decode helpers operating on a fixed byte
// window) is grounded on the teacher's protocol/frame_codec.go.
//
// License: Apache-2.0
package wire

// MessageId enumerates the msg_id field of Header.
type MessageId int32

const (
	FunctionCall MessageId = iota
	BlockResponse
	Success
	AddReference
	ReleaseObject
	StreamInitialization
	StreamChunk
	StreamComplete
	StreamError
	StreamCancel
	StreamAck
	Error_PoaNotExist
	Error_ObjectNotExist
	Error_UnknownFunctionIdx
	Error_UnknownMessageId
	Error_BadAccess
	Error_BadInput
	Error_CommFailure
	Error_Timeout
)

func (m MessageId) String() string {
	switch m {
	case FunctionCall:
		return "FunctionCall"
	case BlockResponse:
		return "BlockResponse"
	case Success:
		return "Success"
	case AddReference:
		return "AddReference"
	case ReleaseObject:
		return "ReleaseObject"
	case StreamInitialization:
		return "StreamInitialization"
	case StreamChunk:
		return "StreamChunk"
	case StreamComplete:
		return "StreamComplete"
	case StreamError:
		return "StreamError"
	case StreamCancel:
		return "StreamCancel"
	case StreamAck:
		return "StreamAck"
	case Error_PoaNotExist:
		return "Error_PoaNotExist"
	case Error_ObjectNotExist:
		return "Error_ObjectNotExist"
	case Error_UnknownFunctionIdx:
		return "Error_UnknownFunctionIdx"
	case Error_UnknownMessageId:
		return "Error_UnknownMessageId"
	case Error_BadAccess:
		return "Error_BadAccess"
	case Error_BadInput:
		return "Error_BadInput"
	case Error_CommFailure:
		return "Error_CommFailure"
	case Error_Timeout:
		return "Error_Timeout"
	default:
		return "Unknown"
	}
}

// IsError reports whether m is one of the Error_* message ids.
func (m MessageId) IsError() bool {
	return m >= Error_PoaNotExist && m <= Error_Timeout
}

// MessageType distinguishes a Request from an Answer in Header.MsgType.
type MessageType int32

const (
	Request MessageType = 0
	Answer  MessageType = 1
)
