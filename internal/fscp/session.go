package fscp

import (
	"crypto/cipher"
	"time"

	"go.uber.org/atomic"
)

// DefaultMaxSessionAge and DefaultMaxSequenceNumber bound how long, and
// how far into its sequence space, a session may run before a rekey.
const (
	DefaultMaxSessionAge     = 60 * time.Second
	DefaultMaxSequenceNumber = 1 << 31
	DefaultRekeyGracePeriod  = 30 * time.Second // NewPeer caps it at the peer's inactivity timeout
)

// Session is one directional keyed context: session number, derived keys,
// cipher suite/curve, creation time, and a monotonic sequence counter.
// Sessions are never mutated in place once constructed (besides the
// sequence counter) — a rekey always replaces the whole Session value.
type Session struct {
	Number      uint32
	Keys        DerivedKeys
	CipherSuite CipherSuiteID
	Curve       CurveID
	CreatedAt   time.Time

	aead cipher.AEAD

	// highestSeq is, for an outbound session, the last sequence number
	// issued; for an inbound session, the highest one accepted so far
	// (replay defense). 0 means "none yet" — valid sequence numbers
	// start at 1, so a first received/sent value of 0 would never pass
	// the strict-greater-than check; NextSequenceNumber starts at 1.
	highestSeq atomic.Uint64
}

// NewSession builds a Session and its AEAD cipher for the given keys and
// suite.
func NewSession(number uint32, keys DerivedKeys, suite CipherSuiteID, curve CurveID, now time.Time) (*Session, error) {
	aead, err := newAEAD(suite, keys)
	if err != nil {
		return nil, err
	}
	return &Session{
		Number:      number,
		Keys:        keys,
		CipherSuite: suite,
		Curve:       curve,
		CreatedAt:   now,
		aead:        aead,
	}, nil
}

// IsOld reports whether the session has been active longer than maxAge.
func (s *Session) IsOld(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.CreatedAt) >= maxAge
}

// NeedsRekey reports whether the session should be superseded, either
// because it is old or because its sequence number is approaching
// exhaustion (preemptive rekey).
func (s *Session) NeedsRekey(now time.Time, maxAge time.Duration, maxSeq uint32) bool {
	if s.IsOld(now, maxAge) {
		return true
	}
	return uint32(s.highestSeq.Load()) >= maxSeq
}

// NextSequenceNumber atomically issues the next outbound sequence number
// for this session. Sequence numbers start at 1 and strictly increase;
// ok is false once the 32-bit space would wrap, at which point the caller
// must rekey before sending again.
func (s *Session) NextSequenceNumber() (seq uint32, ok bool) {
	next := s.highestSeq.Add(1)
	if next > 0xFFFFFFFF {
		s.highestSeq.Sub(1)
		return 0, false
	}
	return uint32(next), true
}

// SequenceInWindow reports whether seq would currently be accepted,
// without committing it. Checking this before spending an AEAD
// decryption on a datagram means a replayed-old packet is rejected for
// the cost of one atomic load instead of a full decrypt.
func (s *Session) SequenceInWindow(seq uint32) bool {
	return uint64(seq) > s.highestSeq.Load()
}

// AcceptSequenceNumber enforces the strict-monotonic replay window: a
// sequence number is accepted only if it is strictly greater than the
// highest one previously accepted for this session. Call only after the
// datagram has already been authenticated.
func (s *Session) AcceptSequenceNumber(seq uint32) bool {
	for {
		cur := s.highestSeq.Load()
		if uint64(seq) <= cur {
			return false
		}
		if s.highestSeq.CompareAndSwap(cur, uint64(seq)) {
			return true
		}
	}
}

// IV computes the per-datagram IV for a sequence number.
func (s *Session) IV(seq uint32) [16]byte {
	return sequenceIV(s.Keys.BaseIV, seq)
}

// Seal encrypts and authenticates payload under this session's key for
// the given sequence number. additionalData is normally the envelope's
// cleartext prefix (session number ‖ sequence number ‖ channel).
func (s *Session) Seal(seq uint32, payload, additionalData []byte) []byte {
	iv := s.IV(seq)
	nonce := iv[:s.aead.NonceSize()]
	return s.aead.Seal(nil, nonce, payload, additionalData)
}

// Open decrypts and authenticates a sealed payload for the given sequence
// number, verifying the AEAD tag.
func (s *Session) Open(seq uint32, sealed, additionalData []byte) ([]byte, error) {
	iv := s.IV(seq)
	nonce := iv[:s.aead.NonceSize()]
	pt, err := s.aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

// SessionPair holds the two directional sessions that together make one
// peer's bidirectional channel, plus the prior remote session retained
// for a grace period after a rekey to absorb in-flight reordered
// datagrams.
type SessionPair struct {
	Local  *Session // encrypts our outbound traffic
	Remote *Session // decrypts their inbound traffic

	oldRemote       *Session
	oldRemoteExpiry time.Time
}

// HasLocal / HasRemote report whether each directional session exists.
func (p *SessionPair) HasLocal() bool  { return p.Local != nil }
func (p *SessionPair) HasRemote() bool { return p.Remote != nil }

// InstallLocal installs a new local (outbound) session.
func (p *SessionPair) InstallLocal(s *Session) {
	p.Local = s
}

// InstallRemote installs a new remote (inbound) session, retaining the
// previous one for graceDuration to tolerate reordering across the rekey
// boundary.
func (p *SessionPair) InstallRemote(s *Session, now time.Time, graceDuration time.Duration) {
	if p.Remote != nil {
		p.oldRemote = p.Remote
		p.oldRemoteExpiry = now.Add(graceDuration)
	}
	p.Remote = s
}

// ResolveRemote finds the remote session matching a received
// session_number: the current one, or the retained prior one if still
// within its grace period. A session_number older than both, or newer
// than the current one without having gone through SESSION, is unknown.
func (p *SessionPair) ResolveRemote(sessionNumber uint32, now time.Time) *Session {
	if p.Remote != nil && p.Remote.Number == sessionNumber {
		return p.Remote
	}
	if p.oldRemote != nil && p.oldRemote.Number == sessionNumber && now.Before(p.oldRemoteExpiry) {
		return p.oldRemote
	}
	return nil
}

// ExpireOldRemote drops the retained prior remote session once its grace
// period has elapsed. Called periodically from the strand housekeeping
// tick.
func (p *SessionPair) ExpireOldRemote(now time.Time) {
	if p.oldRemote != nil && !now.Before(p.oldRemoteExpiry) {
		p.oldRemote = nil
	}
}
