// Package streaming implements spec.md §4.9: chunked server-to-client
// byte streams with window-credit backpressure. A stream is identified
// by a 64-bit id chosen by the client; StreamInit hands it to the
// server's stream manager, which registers a Writer and drives it from
// a servant's DispatchStream method, yielding StreamChunk frames until
// StreamComplete or StreamError. The client-side Reader accumulates
// chunks pushed to it and periodically acknowledges them, replenishing
// the producer's credit.
//
// Window-credit bookkeeping is grounded on other_examples' jangala-dev
// shmring.Ring: an edge-coalesced, size-1 "readiness" channel wakes a
// blocked producer/consumer on a zero/non-zero transition, with the
// waiter always re-checking state after waking rather than trusting the
// wakeup payload itself. That pattern is adapted here from ring-buffer
// byte credit to per-stream chunk-count credit.
//
// License: Apache-2.0
package streaming

// DefaultWindowSize is the consumer's initial credit (spec §4.9:
// "window_size = 16 initially").
const DefaultWindowSize uint32 = 16

// Stream-local error codes carried in StreamError.ErrorCode. These are
// this implementation's own vocabulary (spec §4.9 leaves error_code
// application-defined); a generated streaming stub is free to define
// its own range above these.
const (
	// StreamErrorCodeNotStreaming means the resolved servant does not
	// implement StreamingServant.
	StreamErrorCodeNotStreaming uint32 = iota + 1
	// StreamErrorCodeBadAccess means the servant's ValidateSession
	// refused the stream.
	StreamErrorCodeBadAccess
	// StreamErrorCodeNotFound means the (poa_idx, object_id) in
	// StreamInit named no live servant.
	StreamErrorCodeNotFound
	// StreamErrorCodeInternal means DispatchStream returned an error or
	// panicked.
	StreamErrorCodeInternal
)
