package fscp

import "errors"

// Error taxonomy, per the protocol's error handling policy: transient I/O
// is retried implicitly and never surfaced; malformed datagrams and
// authentication failures are dropped (and charged against the rate
// limiter / peer fault counter); policy rejections are dropped with an
// optional log. Inbound-message errors are never returned to a caller;
// callers see handler-visible timeouts, fatal startup errors, and the
// errors of operations they submitted themselves.
var (
	// ErrMalformedMessage covers a short header, a bad version, an
	// unknown message type, or a body that is the wrong length.
	ErrMalformedMessage = errors.New("fscp: malformed message")

	// ErrUnknownSession means a DATA/KEEP_ALIVE/CONTACT/CONTACT_REQUEST
	// envelope named a session_number this peer does not know about.
	ErrUnknownSession = errors.New("fscp: unknown session")

	// ErrReplay means the sequence_number was not strictly greater than
	// the highest one previously accepted for the session.
	ErrReplay = errors.New("fscp: replayed sequence number")

	// ErrAuthFailed covers a bad signature or an AEAD tag mismatch.
	ErrAuthFailed = errors.New("fscp: authentication failed")

	// ErrNoPresentation means a SESSION_REQUEST/SESSION arrived from an
	// endpoint with no accepted presentation record.
	ErrNoPresentation = errors.New("fscp: no presentation record for peer")

	// ErrPresentationRejected means the validation callback refused a
	// new or replacement certificate.
	ErrPresentationRejected = errors.New("fscp: presentation rejected")

	// ErrNegotiationFailed means no common cipher suite or curve exists
	// between the two capability lists. Peer.BuildEnvelope also returns it
	// when the local session's sequence numbers are exhausted.
	ErrNegotiationFailed = errors.New("fscp: no common cipher suite or curve")

	// ErrPolicyRejected means a hello-accept or session-accept callback
	// returned false.
	ErrPolicyRejected = errors.New("fscp: rejected by policy")

	// ErrTimeout is returned to completion handlers of async operations
	// whose deadline elapsed before completion.
	ErrTimeout = errors.New("fscp: operation timed out")

	// ErrCancelled names an explicitly cancelled async operation. No code
	// path in this package returns it; operations still pending at Close
	// receive ErrAborted.
	ErrCancelled = errors.New("fscp: operation cancelled")

	// ErrAborted is returned for any operation still pending at Close.
	ErrAborted = errors.New("fscp: server closed")

	// ErrClosed is returned by any operation submitted after Close.
	ErrClosed = errors.New("fscp: server is closed")

	// ErrBufferTooLarge is returned at the send API when a payload would
	// not fit a pooled buffer once header, envelope and AEAD tag are
	// accounted for, and by the encoders when a body exceeds
	// MaxPayloadLength.
	ErrBufferTooLarge = errors.New("fscp: payload exceeds maximum datagram size")

	// ErrNoPeer means an operation named an endpoint with no peer state.
	ErrNoPeer = errors.New("fscp: no such peer")
)
