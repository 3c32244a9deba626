// Package nprpcerr defines the sentinel error kinds surfaced by the nprpc
// runtime to callers, and the typed application-exception envelope.
//
// License: Apache-2.0
package nprpcerr

import "errors"

// Caller-visible failure kinds (spec §7).
var (
	// ErrCommFailure indicates the transport is broken after the single
	// permitted reconnect attempt.
	ErrCommFailure = errors.New("nprpc: communication failure")

	// ErrTimeout indicates a deadline expired waiting for a reply.
	ErrTimeout = errors.New("nprpc: timeout")

	// ErrObjectNotExist indicates the POA or slot addressed by an
	// ObjectId is missing, or the slot's generation is stale.
	ErrObjectNotExist = errors.New("nprpc: object does not exist")

	// ErrBadAccess indicates the servant refused the session via
	// validate_session.
	ErrBadAccess = errors.New("nprpc: bad access")

	// ErrBadInput indicates the decoder rejected a message, or servant
	// dispatch threw.
	ErrBadInput = errors.New("nprpc: bad input")

	// ErrUnknownFunctionIdx is a programming error: the function index in
	// a CallHeader has no corresponding servant method.
	ErrUnknownFunctionIdx = errors.New("nprpc: unknown function index")

	// ErrUnknownMessageId is a programming error: msg_id is not one of
	// the MessageId enumeration values.
	ErrUnknownMessageId = errors.New("nprpc: unknown message id")

	// ErrNoBufferSpace indicates a session-level limit was exceeded
	// (pending requests, queued writes, or reference list size).
	ErrNoBufferSpace = errors.New("nprpc: no buffer space")

	// ErrPoaNotExist indicates the poa_idx in a CallHeader has no
	// registered POA.
	ErrPoaNotExist = errors.New("nprpc: poa does not exist")
)

// Exception carries a typed application exception decoded from an
// Error_* reply whose payload parses as a wire.EncodeException encoding
// (a class-id discriminator followed by data); dispatch sends such
// replies as Error_BadInput. A BlockResponse reply is never decoded as
// an exception. The core treats the payload as opaque bytes; only the
// class id and raw bytes are inspected here.
type Exception struct {
	ClassId string
	Data    []byte
}

func (e *Exception) Error() string {
	return "nprpc: exception " + e.ClassId
}

// AsException reports whether err is (or wraps) an *Exception.
func AsException(err error) (*Exception, bool) {
	var ex *Exception
	if errors.As(err, &ex) {
		return ex, true
	}
	return nil, false
}
