package fscp

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Phase is a peer's position in the connection state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHelloWait
	PhasePresentWait
	PhaseSessionReqWait
	PhaseEstablished
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseHelloWait:
		return "HELLO_WAIT"
	case PhasePresentWait:
		return "PRESENT_WAIT"
	case PhaseSessionReqWait:
		return "SESSION_REQ_WAIT"
	case PhaseEstablished:
		return "ESTABLISHED"
	case PhaseClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
}

type pendingHello struct {
	nonce    uint32
	start    time.Time
	deadline time.Time
	complete func(rtt time.Duration, err error)
}

type pendingSessionRequest struct {
	sessionNumber uint32
	suites        []CipherSuiteID
	curves        []CurveID
	ephemeral     map[CurveID]*ecdh.PrivateKey
	complete      func(err error)
}

// PeerConfig supplies the tunables a Peer is built with; zero values take
// the documented defaults.
type PeerConfig struct {
	Identity *Identity
	Store    *PresentationStore

	CipherSuites []CipherSuiteID
	Curves       []CurveID

	HelloTimeout      time.Duration
	SessionTimeout    time.Duration
	MaxSessionAge     time.Duration
	MaxSequenceNumber uint32
	RekeyGrace        time.Duration
	InactivityTimeout time.Duration
	MaxFaults         int

	// AutoIntroduce sends our own PRESENTATION as soon as a HELLO_RESPONSE
	// is received, without waiting for an explicit introduce_to call.
	AutoIntroduce bool
}

// Peer holds all per-endpoint protocol state. It is mutated only from the
// owning Server's strand and carries no locking of its own.
type Peer struct {
	Endpoint Endpoint
	Phase    Phase

	identity *Identity
	store    *PresentationStore

	localCipherSuites []CipherSuiteID
	localCurves       []CurveID

	sessions SessionPair

	localSessionNumber      uint32
	remoteSessionNumber     uint32
	haveRemoteSessionNumber bool

	pendingHello          *pendingHello
	pendingSessionRequest *pendingSessionRequest

	faultCount int
	maxFaults  int

	lastInbound  time.Time
	lastOutbound time.Time

	helloDeadline      time.Time
	sessionReqDeadline time.Time

	helloTimeout      time.Duration
	sessionTimeout    time.Duration
	maxSessionAge     time.Duration
	maxSequenceNumber uint32
	rekeyGrace        time.Duration
	inactivityTimeout time.Duration

	autoIntroduce bool
}

// NewPeer builds a Peer for endpoint in PhaseIdle.
func NewPeer(ep Endpoint, cfg PeerConfig) *Peer {
	suites := cfg.CipherSuites
	if len(suites) == 0 {
		suites = DefaultCipherSuites()
	}
	curves := cfg.Curves
	if len(curves) == 0 {
		curves = DefaultCurves()
	}
	helloTimeout := cfg.HelloTimeout
	if helloTimeout <= 0 {
		helloTimeout = 3 * time.Second
	}
	sessionTimeout := cfg.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = 3 * time.Second
	}
	maxAge := cfg.MaxSessionAge
	if maxAge <= 0 {
		maxAge = DefaultMaxSessionAge
	}
	maxSeq := cfg.MaxSequenceNumber
	if maxSeq == 0 {
		maxSeq = DefaultMaxSequenceNumber
	}
	grace := cfg.RekeyGrace
	if grace <= 0 {
		grace = DefaultRekeyGracePeriod
	}
	inactivity := cfg.InactivityTimeout
	if inactivity <= 0 {
		inactivity = 60 * time.Second
	}
	if grace > inactivity {
		grace = inactivity
	}
	maxFaults := cfg.MaxFaults
	if maxFaults <= 0 {
		maxFaults = 5
	}
	return &Peer{
		Endpoint:          ep,
		Phase:             PhaseIdle,
		identity:          cfg.Identity,
		store:             cfg.Store,
		localCipherSuites: suites,
		localCurves:       curves,
		helloTimeout:      helloTimeout,
		sessionTimeout:    sessionTimeout,
		maxSessionAge:     maxAge,
		maxSequenceNumber: maxSeq,
		rekeyGrace:        grace,
		inactivityTimeout: inactivity,
		maxFaults:         maxFaults,
		autoIntroduce:     cfg.AutoIntroduce,
	}
}

// helloNonce is the process-wide HELLO correlator: a monotonic counter
// seeded once from the CSPRNG, so concurrent greets across all peers
// never share a nonce and a restarted process does not resume at a
// predictable value.
var helloNonce struct {
	once sync.Once
	ctr  atomic.Uint32
	err  error
}

func nextHelloNonce() (uint32, error) {
	helloNonce.once.Do(func() {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			helloNonce.err = err
			return
		}
		helloNonce.ctr.Store(binary.BigEndian.Uint32(b[:]))
	})
	if helloNonce.err != nil {
		return 0, helloNonce.err
	}
	return helloNonce.ctr.Add(1), nil
}

// Greet originates a HELLO_REQUEST, moving to PhaseHelloWait. complete, if
// non-nil, is invoked once with the measured round-trip time, or with
// ErrTimeout if CheckHelloTimeout fires first.
func (p *Peer) Greet(now time.Time, complete func(rtt time.Duration, err error)) ([]byte, error) {
	if p.Phase != PhaseIdle {
		return nil, fmt.Errorf("fscp: greet invalid in phase %s", p.Phase)
	}
	nonce, err := nextHelloNonce()
	if err != nil {
		return nil, err
	}
	p.pendingHello = &pendingHello{
		nonce:    nonce,
		start:    now,
		deadline: now.Add(p.helloTimeout),
		complete: complete,
	}
	p.Phase = PhaseHelloWait
	return EncodeMessage(MessageHelloRequest, EncodeHelloBody(nonce))
}

// HandleHelloRequest answers an inbound HELLO_REQUEST if accept is true.
// This never mutates phase or any security state — the nonce is echoed,
// never reinterpreted as a challenge.
func (p *Peer) HandleHelloRequest(body []byte, accept bool) ([]byte, error) {
	if !accept {
		return nil, nil
	}
	nonce, err := DecodeHelloBody(body)
	if err != nil {
		return nil, err
	}
	return EncodeMessage(MessageHelloResponse, EncodeHelloBody(nonce))
}

// HandleHelloResponse matches an inbound HELLO_RESPONSE against the
// pending correlation entry. A response with no matching pending nonce is
// ignored silently.
func (p *Peer) HandleHelloResponse(body []byte, now time.Time) (rtt time.Duration, matched bool) {
	nonce, err := DecodeHelloBody(body)
	if err != nil || p.pendingHello == nil || p.pendingHello.nonce != nonce {
		return 0, false
	}
	rtt = now.Sub(p.pendingHello.start)
	complete := p.pendingHello.complete
	p.pendingHello = nil
	if p.Phase == PhaseHelloWait {
		p.Phase = PhasePresentWait
	}
	if complete != nil {
		complete(rtt, nil)
	}
	return rtt, true
}

// CheckHelloTimeout reports and resolves an expired pending HELLO,
// returning to PhaseIdle and invoking its completion handler with
// ErrTimeout.
func (p *Peer) CheckHelloTimeout(now time.Time) bool {
	if p.Phase != PhaseHelloWait || p.pendingHello == nil {
		return false
	}
	if now.Before(p.pendingHello.deadline) {
		return false
	}
	complete := p.pendingHello.complete
	p.pendingHello = nil
	p.Phase = PhaseIdle
	if complete != nil {
		complete(0, ErrTimeout)
	}
	return true
}

// BuildPresentation encodes our own PRESENTATION message.
func (p *Peer) BuildPresentation() ([]byte, error) {
	var encDER []byte
	if p.identity.EncCert != nil {
		encDER = p.identity.EncCert.Raw
	}
	body, err := EncodePresentationBody(p.identity.SigCert.Raw, encDER)
	if err != nil {
		return nil, err
	}
	return EncodeMessage(MessagePresentation, body)
}

// AutoIntroduce reports whether this peer should send its own
// PRESENTATION as soon as a HELLO_RESPONSE arrives.
func (p *Peer) AutoIntroduce() bool {
	return p.autoIntroduce
}

// HandlePresentation applies an inbound PRESENTATION message, validating
// and storing it via the shared PresentationStore. On first acceptance
// while waiting in PhasePresentWait, it advances to PhaseSessionReqWait
// per the state diagram (the caller is then expected to send our own
// PRESENTATION followed by a SESSION_REQUEST).
func (p *Peer) HandlePresentation(sigCertDER, encCertDER []byte, validate ValidationFunc) (stored bool, isNew bool, err error) {
	sigCert, err := x509.ParseCertificate(sigCertDER)
	if err != nil {
		return false, false, ErrMalformedMessage
	}
	var encCert *x509.Certificate
	if len(encCertDER) > 0 {
		encCert, err = x509.ParseCertificate(encCertDER)
		if err != nil {
			return false, false, ErrMalformedMessage
		}
	}
	candidate := PresentationRecord{SigCert: sigCert, EncCert: encCert}
	stored, isNew, err = p.store.Offer(p.Endpoint, candidate, validate)
	if err != nil {
		return false, false, err
	}
	if stored && p.Phase == PhasePresentWait {
		p.Phase = PhaseSessionReqWait
	}
	return stored, isNew, nil
}

// BeginSessionRequest originates a SESSION_REQUEST, generating one
// ephemeral ECDHE keypair per offered curve so the responder can complete
// ECDHE immediately. It may be called from any live phase — the
// usual PRESENT_WAIT/rekey paths, but also straight from IDLE when the
// peer's presentation was seeded administratively. It does require the
// peer's presentation record, since the SESSION reply must be verified
// against it. complete, if non-nil, is invoked once the matching SESSION
// arrives or the request times out.
func (p *Peer) BeginSessionRequest(now time.Time, complete func(err error)) ([]byte, error) {
	if p.Phase == PhaseClosing {
		return nil, fmt.Errorf("fscp: session request invalid in phase %s", p.Phase)
	}
	if _, ok := p.store.Get(p.Endpoint); !ok {
		return nil, ErrNoPresentation
	}
	p.localSessionNumber++
	ephemeral := make(map[CurveID]*ecdh.PrivateKey, len(p.localCurves))
	pubKeys := make([][]byte, len(p.localCurves))
	for i, c := range p.localCurves {
		key, err := GenerateEphemeralKey(c)
		if err != nil {
			p.localSessionNumber--
			return nil, err
		}
		ephemeral[c] = key
		pubKeys[i] = key.PublicKey().Bytes()
	}
	fields := SessionRequestFields{
		SessionNumber: p.localSessionNumber,
		CipherSuites:  p.localCipherSuites,
		Curves:        p.localCurves,
		PublicKeys:    pubKeys,
	}
	unsigned, err := EncodeSessionRequestUnsigned(fields)
	if err != nil {
		return nil, err
	}
	sig, err := signPayload(p.identity.SigKey, unsigned)
	if err != nil {
		return nil, err
	}
	body, err := EncodeSessionRequestBody(fields, sig)
	if err != nil {
		return nil, err
	}
	p.pendingSessionRequest = &pendingSessionRequest{
		sessionNumber: fields.SessionNumber,
		suites:        fields.CipherSuites,
		curves:        fields.Curves,
		ephemeral:     ephemeral,
		complete:      complete,
	}
	p.Phase = PhaseSessionReqWait
	p.sessionReqDeadline = now.Add(p.sessionTimeout)
	return EncodeMessage(MessageSessionRequest, body)
}

// CheckSessionRequestTimeout resolves an expired pending SESSION_REQUEST.
// If a session was already established before this rekey attempt, the
// peer falls back to PhaseEstablished rather than PhaseIdle — the prior
// session pair is untouched and remains usable.
func (p *Peer) CheckSessionRequestTimeout(now time.Time) bool {
	if p.Phase != PhaseSessionReqWait || p.pendingSessionRequest == nil {
		return false
	}
	if now.Before(p.sessionReqDeadline) {
		return false
	}
	complete := p.pendingSessionRequest.complete
	p.pendingSessionRequest = nil
	if p.sessions.HasLocal() && p.sessions.HasRemote() {
		p.Phase = PhaseEstablished
	} else {
		p.Phase = PhaseIdle
	}
	if complete != nil {
		complete(ErrTimeout)
	}
	return true
}

// HandleSessionRequest answers an inbound SESSION_REQUEST: validates the
// signature against the peer's presentation record, negotiates a cipher
// suite and curve, completes ECDHE against the matching offered public
// key, and installs the resulting session pair. Either side may
// originate a SESSION_REQUEST at any time (rekey), so this does not
// require any particular starting phase.
func (p *Peer) HandleSessionRequest(body []byte, acceptDefault bool, acceptCallback func(Endpoint, SessionRequestFields, bool) bool, now time.Time) ([]byte, error) {
	rec, ok := p.store.Get(p.Endpoint)
	if !ok {
		return nil, ErrNoPresentation
	}
	fields, unsigned, sig, err := DecodeSessionRequestBody(body)
	if err != nil {
		return nil, err
	}
	if p.haveRemoteSessionNumber && fields.SessionNumber <= p.remoteSessionNumber {
		return nil, ErrReplay
	}
	if err := verifySignature(rec.SigCert, unsigned, sig); err != nil {
		return nil, err
	}
	accept := acceptDefault
	if acceptCallback != nil {
		accept = acceptCallback(p.Endpoint, fields, acceptDefault)
	}
	if !accept {
		return nil, ErrPolicyRejected
	}
	suite, ok := NegotiateCipherSuite(p.localCipherSuites, fields.CipherSuites)
	if !ok {
		return nil, ErrNegotiationFailed
	}
	curve, ok := NegotiateCurve(p.localCurves, fields.Curves)
	if !ok {
		return nil, ErrNegotiationFailed
	}

	var peerPubRaw []byte
	for i, c := range fields.Curves {
		if c == curve {
			peerPubRaw = fields.PublicKeys[i]
			break
		}
	}
	if peerPubRaw == nil {
		return nil, ErrMalformedMessage
	}
	peerPub, err := ParsePeerPublicKey(curve, peerPubRaw)
	if err != nil {
		return nil, ErrMalformedMessage
	}

	ephemeral, err := GenerateEphemeralKey(curve)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := ephemeral.ECDH(peerPub)
	if err != nil {
		return nil, ErrAuthFailed
	}

	newSessionNumber := p.localSessionNumber + 1
	if newSessionNumber <= fields.SessionNumber {
		newSessionNumber = fields.SessionNumber + 1
	}
	p.localSessionNumber = newSessionNumber

	sf := SessionFields{
		CipherSuite:   suite,
		Curve:         curve,
		SessionNumber: newSessionNumber,
		PublicKey:     ephemeral.PublicKey().Bytes(),
	}
	unsignedResp, err := EncodeSessionUnsigned(sf)
	if err != nil {
		return nil, err
	}
	respSig, err := signPayload(p.identity.SigKey, unsignedResp)
	if err != nil {
		return nil, err
	}
	respBody, err := EncodeSessionBody(sf, respSig)
	if err != nil {
		return nil, err
	}
	msg, err := EncodeMessage(MessageSession, respBody)
	if err != nil {
		return nil, err
	}

	initiatorToResponder, responderToInitiator, err := DeriveSessionKeys(sharedSecret, fields.SessionNumber, newSessionNumber)
	if err != nil {
		return nil, err
	}
	localSession, err := NewSession(newSessionNumber, responderToInitiator, suite, curve, now)
	if err != nil {
		return nil, err
	}
	remoteSession, err := NewSession(fields.SessionNumber, initiatorToResponder, suite, curve, now)
	if err != nil {
		return nil, err
	}
	p.sessions.InstallLocal(localSession)
	p.sessions.InstallRemote(remoteSession, now, p.rekeyGrace)
	p.remoteSessionNumber = fields.SessionNumber
	p.haveRemoteSessionNumber = true
	p.lastInbound = now
	p.lastOutbound = now
	p.Phase = PhaseEstablished
	return msg, nil
}

// HandleSession completes a SESSION_REQUEST this peer originated: it
// verifies the responder's signature, checks the chosen suite/curve was
// among those offered, completes ECDHE with the matching ephemeral key,
// and installs the resulting session pair.
func (p *Peer) HandleSession(body []byte, now time.Time) error {
	if p.Phase != PhaseSessionReqWait || p.pendingSessionRequest == nil {
		return ErrUnknownSession
	}
	rec, ok := p.store.Get(p.Endpoint)
	if !ok {
		return ErrNoPresentation
	}
	sf, unsigned, sig, err := DecodeSessionBody(body)
	if err != nil {
		return err
	}
	if err := verifySignature(rec.SigCert, unsigned, sig); err != nil {
		return err
	}

	pending := p.pendingSessionRequest
	if !containsCipherSuite(pending.suites, sf.CipherSuite) || !containsCurve(pending.curves, sf.Curve) {
		return ErrNegotiationFailed
	}
	if p.haveRemoteSessionNumber && sf.SessionNumber <= p.remoteSessionNumber {
		return ErrReplay
	}
	ephemeral, ok := pending.ephemeral[sf.Curve]
	if !ok {
		return ErrMalformedMessage
	}
	peerPub, err := ParsePeerPublicKey(sf.Curve, sf.PublicKey)
	if err != nil {
		return ErrMalformedMessage
	}
	sharedSecret, err := ephemeral.ECDH(peerPub)
	if err != nil {
		return ErrAuthFailed
	}

	initiatorToResponder, responderToInitiator, err := DeriveSessionKeys(sharedSecret, pending.sessionNumber, sf.SessionNumber)
	if err != nil {
		return err
	}
	localSession, err := NewSession(pending.sessionNumber, initiatorToResponder, sf.CipherSuite, sf.Curve, now)
	if err != nil {
		return err
	}
	remoteSession, err := NewSession(sf.SessionNumber, responderToInitiator, sf.CipherSuite, sf.Curve, now)
	if err != nil {
		return err
	}
	p.sessions.InstallLocal(localSession)
	p.sessions.InstallRemote(remoteSession, now, p.rekeyGrace)
	p.remoteSessionNumber = sf.SessionNumber
	p.haveRemoteSessionNumber = true
	p.pendingSessionRequest = nil
	p.lastInbound = now
	p.lastOutbound = now
	p.Phase = PhaseEstablished
	if pending.complete != nil {
		pending.complete(nil)
	}
	return nil
}

// BuildEnvelope seals payload under the local (outbound) session and
// wraps it in the wire envelope for the given channel. ErrNegotiationFailed
// signals sequence-number exhaustion — the caller should rekey and retry.
func (p *Peer) BuildEnvelope(channel ChannelNumber, payload []byte, now time.Time) ([]byte, error) {
	if !p.sessions.HasLocal() {
		return nil, ErrUnknownSession
	}
	seq, ok := p.sessions.Local.NextSequenceNumber()
	if !ok {
		return nil, ErrNegotiationFailed
	}
	ad := make([]byte, EnvelopeHeaderLength)
	binary.BigEndian.PutUint32(ad[0:4], p.sessions.Local.Number)
	binary.BigEndian.PutUint32(ad[4:8], seq)
	ad[8] = byte(channel)
	sealed := p.sessions.Local.Seal(seq, payload, ad)
	body := EncodeEnvelope(p.sessions.Local.Number, seq, channel, sealed)
	p.lastOutbound = now
	return EncodeMessage(messageTypeForChannel(channel), body)
}

func messageTypeForChannel(c ChannelNumber) MessageType {
	switch c {
	case ChannelKeepAlive:
		return MessageKeepAlive
	case ChannelContactRequest:
		return MessageContactRequest
	case ChannelContact:
		return MessageContact
	default:
		return MessageData
	}
}

// OpenEnvelope decodes and authenticates an inbound DATA/KEEP_ALIVE/
// CONTACT/CONTACT_REQUEST envelope against the matching remote session,
// enforcing strict-monotonic replay defense. Authentication failures
// register against the peer's fault counter; N consecutive failures
// force a return to PhaseIdle.
func (p *Peer) OpenEnvelope(body []byte, now time.Time) (ChannelNumber, []byte, error) {
	sessionNumber, seq, channel, sealed, err := DecodeEnvelope(body)
	if err != nil {
		return 0, nil, err
	}
	session := p.sessions.ResolveRemote(sessionNumber, now)
	if session == nil {
		p.registerFault()
		return 0, nil, ErrUnknownSession
	}
	if !session.SequenceInWindow(seq) {
		return 0, nil, ErrReplay
	}
	ad := make([]byte, EnvelopeHeaderLength)
	binary.BigEndian.PutUint32(ad[0:4], sessionNumber)
	binary.BigEndian.PutUint32(ad[4:8], seq)
	ad[8] = byte(channel)
	payload, err := session.Open(seq, sealed, ad)
	if err != nil {
		p.registerFault()
		return 0, nil, ErrAuthFailed
	}
	session.AcceptSequenceNumber(seq)
	p.faultCount = 0
	p.lastInbound = now
	return channel, payload, nil
}

// registerFault increments the consecutive-failure counter, forcing a
// re-handshake (return to PhaseIdle, dropping all session state) once it
// reaches maxFaults.
func (p *Peer) registerFault() (forcedRehandshake bool) {
	p.faultCount++
	if p.faultCount >= p.maxFaults {
		p.faultCount = 0
		p.Phase = PhaseIdle
		p.sessions = SessionPair{}
		p.haveRemoteSessionNumber = false
		return true
	}
	return false
}

// NeedsRekey reports whether the established local session should be
// superseded by a new SESSION_REQUEST.
func (p *Peer) NeedsRekey(now time.Time) bool {
	if p.Phase != PhaseEstablished || !p.sessions.HasLocal() {
		return false
	}
	return p.sessions.Local.NeedsRekey(now, p.maxSessionAge, p.maxSequenceNumber)
}

// NeedsKeepAlive reports whether it is time to send a KEEP_ALIVE: one
// every third of the inactivity timeout.
func (p *Peer) NeedsKeepAlive(now time.Time) bool {
	if p.Phase != PhaseEstablished {
		return false
	}
	return now.Sub(p.lastOutbound) >= p.inactivityTimeout/3
}

// IsInactive reports whether the peer has gone a full inactivity timeout
// without any inbound traffic and should be removed.
func (p *Peer) IsInactive(now time.Time) bool {
	if p.lastInbound.IsZero() {
		return false
	}
	return now.Sub(p.lastInbound) >= p.inactivityTimeout
}

// ExpireOldSessions drops the retained prior remote session once its
// grace period has elapsed. Called from the server's housekeeping tick.
func (p *Peer) ExpireOldSessions(now time.Time) {
	p.sessions.ExpireOldRemote(now)
}

// Close transitions the peer to PhaseClosing, failing any pending
// operations with ErrAborted.
func (p *Peer) Close() {
	p.Phase = PhaseClosing
	if p.pendingHello != nil {
		if p.pendingHello.complete != nil {
			p.pendingHello.complete(0, ErrAborted)
		}
		p.pendingHello = nil
	}
	if p.pendingSessionRequest != nil {
		if p.pendingSessionRequest.complete != nil {
			p.pendingSessionRequest.complete(ErrAborted)
		}
		p.pendingSessionRequest = nil
	}
}

// Snapshot is a point-in-time, read-only view of a Peer's state, safe to
// hand outside the strand (e.g. to the admin HTTP surface) since it
// copies out every field it reports.
type Snapshot struct {
	Endpoint            Endpoint
	Phase               Phase
	LastInbound         time.Time
	LastOutbound        time.Time
	LocalSessionNumber  uint32
	RemoteSessionNumber uint32
	HasLocalSession     bool
	HasRemoteSession    bool
}

// Snapshot copies out a point-in-time view of the peer's state.
func (p *Peer) Snapshot() Snapshot {
	s := Snapshot{
		Endpoint:         p.Endpoint,
		Phase:            p.Phase,
		LastInbound:      p.lastInbound,
		LastOutbound:     p.lastOutbound,
		HasLocalSession:  p.sessions.HasLocal(),
		HasRemoteSession: p.sessions.HasRemote(),
	}
	if p.sessions.Local != nil {
		s.LocalSessionNumber = p.sessions.Local.Number
	}
	if p.sessions.Remote != nil {
		s.RemoteSessionNumber = p.sessions.Remote.Number
	}
	return s
}
