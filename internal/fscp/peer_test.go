package fscp

import (
	"bytes"
	"testing"
	"time"
)

// peerRig wires two Peers back-to-back in memory, delivering datagrams by
// hand so the state machine can be driven deterministically, without a
// socket, strand, or real clock.
type peerRig struct {
	t *testing.T

	a, b           *Peer
	idA, idB       *Identity
	storeA, storeB *PresentationStore

	now time.Time
}

func newPeerRig(t *testing.T, mutate func(a, b *PeerConfig)) *peerRig {
	t.Helper()
	r := &peerRig{
		t:      t,
		idA:    newTestIdentity(t, "node-a"),
		idB:    newTestIdentity(t, "node-b"),
		storeA: NewPresentationStore(),
		storeB: NewPresentationStore(),
		now:    time.Unix(1700000000, 0),
	}
	epA := testEndpoint(t, "192.0.2.1", 12000)
	epB := testEndpoint(t, "192.0.2.2", 12000)
	cfgA := PeerConfig{Identity: r.idA, Store: r.storeA}
	cfgB := PeerConfig{Identity: r.idB, Store: r.storeB}
	if mutate != nil {
		mutate(&cfgA, &cfgB)
	}
	r.a = NewPeer(epB, cfgA) // A's state about B
	r.b = NewPeer(epA, cfgB) // B's state about A
	return r
}

// body strips the fixed header off a just-built datagram, failing the test
// if the type is not the expected one.
func (r *peerRig) body(msg []byte, want MessageType) []byte {
	r.t.Helper()
	typ, body, err := DecodeMessage(msg)
	if err != nil {
		r.t.Fatalf("DecodeMessage: %v", err)
	}
	if typ != want {
		r.t.Fatalf("message type = %s, want %s", typ, want)
	}
	return body
}

// seed installs each node's certificate in the other's presentation
// store: both sides already know who they are talking to before any
// key agreement starts.
func (r *peerRig) seed() {
	r.storeA.Seed(r.a.Endpoint, PresentationRecord{SigCert: r.idB.SigCert})
	r.storeB.Seed(r.b.Endpoint, PresentationRecord{SigCert: r.idA.SigCert})
}

// handshake runs one full SESSION_REQUEST/SESSION round originated by A.
func (r *peerRig) handshake() {
	r.t.Helper()
	req, err := r.a.BeginSessionRequest(r.now, nil)
	if err != nil {
		r.t.Fatalf("BeginSessionRequest: %v", err)
	}
	resp, err := r.b.HandleSessionRequest(r.body(req, MessageSessionRequest), true, nil, r.now)
	if err != nil {
		r.t.Fatalf("HandleSessionRequest: %v", err)
	}
	if err := r.a.HandleSession(r.body(resp, MessageSession), r.now); err != nil {
		r.t.Fatalf("HandleSession: %v", err)
	}
}

// sendData seals payload on from's local session and opens it on to's
// matching remote session, returning the decrypted payload.
func (r *peerRig) sendData(from, to *Peer, payload []byte) ([]byte, error) {
	r.t.Helper()
	msg, err := from.BuildEnvelope(ChannelData, payload, r.now)
	if err != nil {
		r.t.Fatalf("BuildEnvelope: %v", err)
	}
	channel, got, err := to.OpenEnvelope(r.body(msg, MessageData), r.now)
	if err != nil {
		return nil, err
	}
	if channel != ChannelData {
		r.t.Fatalf("channel = %d, want %d", channel, ChannelData)
	}
	return got, nil
}

func TestGreetTimeoutReportsErrorAndReturnsToIdle(t *testing.T) {
	r := newPeerRig(t, func(a, _ *PeerConfig) {
		a.HelloTimeout = 100 * time.Millisecond
	})

	var gotErr error
	calls := 0
	if _, err := r.a.Greet(r.now, func(_ time.Duration, err error) {
		calls++
		gotErr = err
	}); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if r.a.Phase != PhaseHelloWait {
		t.Fatalf("phase after greet = %s, want HELLO_WAIT", r.a.Phase)
	}

	if r.a.CheckHelloTimeout(r.now.Add(50 * time.Millisecond)) {
		t.Fatalf("hello must not time out before its deadline")
	}
	if !r.a.CheckHelloTimeout(r.now.Add(100 * time.Millisecond)) {
		t.Fatalf("hello must time out at its deadline")
	}
	if calls != 1 || gotErr != ErrTimeout {
		t.Fatalf("completion = (%d calls, %v), want (1, ErrTimeout)", calls, gotErr)
	}
	if r.a.Phase != PhaseIdle {
		t.Fatalf("phase after timeout = %s, want IDLE", r.a.Phase)
	}
}

func TestGreetRoundTripMeasuresRTT(t *testing.T) {
	r := newPeerRig(t, nil)

	var gotRTT time.Duration
	req, err := r.a.Greet(r.now, func(rtt time.Duration, err error) {
		if err != nil {
			t.Fatalf("greet completion error: %v", err)
		}
		gotRTT = rtt
	})
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}

	resp, err := r.b.HandleHelloRequest(r.body(req, MessageHelloRequest), true)
	if err != nil {
		t.Fatalf("HandleHelloRequest: %v", err)
	}
	rtt, matched := r.a.HandleHelloResponse(r.body(resp, MessageHelloResponse), r.now.Add(40*time.Millisecond))
	if !matched {
		t.Fatalf("expected the echoed nonce to match the pending entry")
	}
	if rtt != 40*time.Millisecond || gotRTT != rtt {
		t.Fatalf("rtt = %v (callback %v), want 40ms", rtt, gotRTT)
	}
	if r.a.Phase != PhasePresentWait {
		t.Fatalf("phase after hello response = %s, want PRESENT_WAIT", r.a.Phase)
	}
	// HELLO is unauthenticated and must not have touched security state.
	if _, ok := r.storeA.Get(r.a.Endpoint); ok {
		t.Fatalf("HELLO must not create a presentation record")
	}
	if r.a.sessions.HasLocal() || r.a.sessions.HasRemote() {
		t.Fatalf("HELLO must not create session state")
	}
}

func TestHelloNoncesAreMonotonicAcrossPeers(t *testing.T) {
	r1 := newPeerRig(t, nil)
	r2 := newPeerRig(t, nil)

	req1, err := r1.a.Greet(r1.now, nil)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	req2, err := r2.a.Greet(r2.now, nil)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	n1, err := DecodeHelloBody(r1.body(req1, MessageHelloRequest))
	if err != nil {
		t.Fatalf("DecodeHelloBody: %v", err)
	}
	n2, err := DecodeHelloBody(r2.body(req2, MessageHelloRequest))
	if err != nil {
		t.Fatalf("DecodeHelloBody: %v", err)
	}
	// The counter is process-wide: successive greets, even from distinct
	// peers, draw successive nonces.
	if n2 != n1+1 {
		t.Fatalf("nonces = (%d, %d), want the second to follow the first", n1, n2)
	}
}

func TestHelloResponseWithUnknownNonceIgnored(t *testing.T) {
	r := newPeerRig(t, nil)
	req, err := r.a.Greet(r.now, nil)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	nonce, err := DecodeHelloBody(r.body(req, MessageHelloRequest))
	if err != nil {
		t.Fatalf("DecodeHelloBody: %v", err)
	}
	if _, matched := r.a.HandleHelloResponse(EncodeHelloBody(nonce+1), r.now); matched {
		t.Fatalf("a response with no pending entry must be ignored")
	}
	if r.a.Phase != PhaseHelloWait {
		t.Fatalf("a spoofed nonce must not advance the state machine")
	}
}

func TestHelloRequestDeclinedProducesNoReply(t *testing.T) {
	r := newPeerRig(t, nil)
	msg, err := r.b.HandleHelloRequest(EncodeHelloBody(42), false)
	if err != nil || msg != nil {
		t.Fatalf("declined hello = (%v, %v), want (nil, nil)", msg, err)
	}
	if r.b.Phase != PhaseIdle {
		t.Fatalf("a declined hello must not change phase")
	}
}

func TestHandshakeWithSeededPresentations(t *testing.T) {
	r := newPeerRig(t, nil)
	r.seed()
	r.handshake()

	for name, p := range map[string]*Peer{"a": r.a, "b": r.b} {
		if p.Phase != PhaseEstablished {
			t.Fatalf("%s: phase = %s, want ESTABLISHED", name, p.Phase)
		}
		if !p.sessions.HasLocal() || !p.sessions.HasRemote() {
			t.Fatalf("%s: expected both directional sessions to be installed", name)
		}
	}
	// The two directions must resolve against each other: A's local session
	// is B's remote session, and vice versa.
	if r.a.sessions.Local.Number != r.b.sessions.Remote.Number {
		t.Fatalf("a.local=%d b.remote=%d, want equal", r.a.sessions.Local.Number, r.b.sessions.Remote.Number)
	}
	if r.b.sessions.Local.Number != r.a.sessions.Remote.Number {
		t.Fatalf("b.local=%d a.remote=%d, want equal", r.b.sessions.Local.Number, r.a.sessions.Remote.Number)
	}

	got, err := r.sendData(r.a, r.b, []byte("hello"))
	if err != nil {
		t.Fatalf("a->b data: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("a->b payload = %q, want %q", got, "hello")
	}
	got, err = r.sendData(r.b, r.a, []byte("olleh"))
	if err != nil {
		t.Fatalf("b->a data: %v", err)
	}
	if !bytes.Equal(got, []byte("olleh")) {
		t.Fatalf("b->a payload = %q, want %q", got, "olleh")
	}
}

func TestHandshakeViaPresentationExchange(t *testing.T) {
	r := newPeerRig(t, nil)

	// A greets B, B answers, A moves to PRESENT_WAIT.
	req, err := r.a.Greet(r.now, nil)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	resp, err := r.b.HandleHelloRequest(r.body(req, MessageHelloRequest), true)
	if err != nil {
		t.Fatalf("HandleHelloRequest: %v", err)
	}
	r.a.HandleHelloResponse(r.body(resp, MessageHelloResponse), r.now)

	// A introduces itself; B stores the record and introduces back.
	presA, err := r.a.BuildPresentation()
	if err != nil {
		t.Fatalf("BuildPresentation: %v", err)
	}
	sigDER, encDER, err := DecodePresentationBody(r.body(presA, MessagePresentation))
	if err != nil {
		t.Fatalf("DecodePresentationBody: %v", err)
	}
	stored, isNew, err := r.b.HandlePresentation(sigDER, encDER, nil)
	if err != nil || !stored || !isNew {
		t.Fatalf("b.HandlePresentation = (%v, %v, %v), want (true, true, nil)", stored, isNew, err)
	}

	presB, err := r.b.BuildPresentation()
	if err != nil {
		t.Fatalf("BuildPresentation: %v", err)
	}
	sigDER, encDER, err = DecodePresentationBody(r.body(presB, MessagePresentation))
	if err != nil {
		t.Fatalf("DecodePresentationBody: %v", err)
	}
	if _, _, err := r.a.HandlePresentation(sigDER, encDER, nil); err != nil {
		t.Fatalf("a.HandlePresentation: %v", err)
	}
	if r.a.Phase != PhaseSessionReqWait {
		t.Fatalf("phase after receiving the peer's presentation = %s, want SESSION_REQ_WAIT", r.a.Phase)
	}

	r.handshake()
	if r.a.Phase != PhaseEstablished || r.b.Phase != PhaseEstablished {
		t.Fatalf("phases = (%s, %s), want both ESTABLISHED", r.a.Phase, r.b.Phase)
	}
}

func TestReplayedDataDroppedSilently(t *testing.T) {
	r := newPeerRig(t, nil)
	r.seed()
	r.handshake()

	msg, err := r.a.BuildEnvelope(ChannelData, []byte("once"), r.now)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if _, _, err := r.b.OpenEnvelope(r.body(msg, MessageData), r.now); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Re-injecting the captured datagram must be dropped, and must not
	// count as an authentication fault or disturb the session.
	if _, _, err := r.b.OpenEnvelope(r.body(msg, MessageData), r.now); err != ErrReplay {
		t.Fatalf("second delivery error = %v, want ErrReplay", err)
	}
	if r.b.Phase != PhaseEstablished {
		t.Fatalf("a replay must not change phase, got %s", r.b.Phase)
	}
	if r.b.faultCount != 0 {
		t.Fatalf("a replay must not register an authentication fault")
	}

	// The session keeps working afterwards.
	if _, err := r.sendData(r.a, r.b, []byte("again")); err != nil {
		t.Fatalf("post-replay data: %v", err)
	}
}

func TestRekeyInstallsStrictlyGreaterSessions(t *testing.T) {
	r := newPeerRig(t, func(a, _ *PeerConfig) {
		a.MaxSessionAge = 500 * time.Millisecond
	})
	r.seed()
	r.handshake()

	firstLocalA := r.a.sessions.Local.Number
	firstLocalB := r.b.sessions.Local.Number

	if r.a.NeedsRekey(r.now.Add(400 * time.Millisecond)) {
		t.Fatalf("a young session must not need a rekey")
	}
	later := r.now.Add(600 * time.Millisecond)
	if !r.a.NeedsRekey(later) {
		t.Fatalf("a session past max_session_age must need a rekey")
	}

	// An in-flight datagram sealed under the old session, delivered after
	// the rekey, must still open within the grace window.
	inFlight, err := r.a.BuildEnvelope(ChannelData, []byte("crossed the rekey"), r.now)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}

	r.now = later
	r.handshake()

	if got := r.a.sessions.Local.Number; got <= firstLocalA {
		t.Fatalf("a.local session number after rekey = %d, want > %d", got, firstLocalA)
	}
	if got := r.b.sessions.Local.Number; got <= firstLocalB {
		t.Fatalf("b.local session number after rekey = %d, want > %d", got, firstLocalB)
	}

	if _, err := r.sendData(r.a, r.b, []byte("fresh session")); err != nil {
		t.Fatalf("post-rekey data: %v", err)
	}
	if _, got, err := r.b.OpenEnvelope(r.body(inFlight, MessageData), r.now); err != nil || !bytes.Equal(got, []byte("crossed the rekey")) {
		t.Fatalf("in-flight pre-rekey datagram = (%q, %v), want it to open via the grace window", got, err)
	}

	// Once the grace window has elapsed the retired session is gone: the
	// same pre-rekey datagram no longer resolves at all.
	expired := r.now.Add(DefaultRekeyGracePeriod)
	r.b.ExpireOldSessions(expired)
	if _, _, err := r.b.OpenEnvelope(r.body(inFlight, MessageData), expired); err != ErrUnknownSession {
		t.Fatalf("post-grace delivery error = %v, want ErrUnknownSession", err)
	}
}

func TestTamperedSessionRequestRejectedWithoutStateChange(t *testing.T) {
	r := newPeerRig(t, func(a, _ *PeerConfig) {
		a.SessionTimeout = 200 * time.Millisecond
	})
	r.seed()

	var gotErr error
	req, err := r.a.BeginSessionRequest(r.now, func(err error) { gotErr = err })
	if err != nil {
		t.Fatalf("BeginSessionRequest: %v", err)
	}
	// Flip one byte of the trailing signature in transit.
	req[len(req)-1] ^= 0xFF

	if _, err := r.b.HandleSessionRequest(r.body(req, MessageSessionRequest), true, nil, r.now); err != ErrAuthFailed {
		t.Fatalf("tampered request error = %v, want ErrAuthFailed", err)
	}
	if r.b.sessions.HasLocal() || r.b.sessions.HasRemote() {
		t.Fatalf("a tampered request must not install session state")
	}
	if r.b.Phase != PhaseIdle {
		t.Fatalf("a tampered request must not change phase, got %s", r.b.Phase)
	}

	// A never hears back and its handler times out.
	if !r.a.CheckSessionRequestTimeout(r.now.Add(200 * time.Millisecond)) {
		t.Fatalf("expected the pending session request to time out")
	}
	if gotErr != ErrTimeout {
		t.Fatalf("completion error = %v, want ErrTimeout", gotErr)
	}
}

func TestCapabilityMismatchRejectsSessionRequest(t *testing.T) {
	r := newPeerRig(t, func(a, b *PeerConfig) {
		a.CipherSuites = []CipherSuiteID{SuiteECDHERsaAes256GcmSha384}
		b.CipherSuites = []CipherSuiteID{SuiteECDHEEcdsaAes256GcmSha384}
	})
	r.seed()

	req, err := r.a.BeginSessionRequest(r.now, nil)
	if err != nil {
		t.Fatalf("BeginSessionRequest: %v", err)
	}
	if _, err := r.b.HandleSessionRequest(r.body(req, MessageSessionRequest), true, nil, r.now); err != ErrNegotiationFailed {
		t.Fatalf("disjoint suites error = %v, want ErrNegotiationFailed", err)
	}
	if r.b.sessions.HasRemote() {
		t.Fatalf("a failed negotiation must not install session state")
	}
}

func TestCurveMismatchRejectsSessionRequest(t *testing.T) {
	r := newPeerRig(t, func(a, b *PeerConfig) {
		a.Curves = []CurveID{CurveSecp256r1}
		b.Curves = []CurveID{CurveSecp384r1}
	})
	r.seed()

	req, err := r.a.BeginSessionRequest(r.now, nil)
	if err != nil {
		t.Fatalf("BeginSessionRequest: %v", err)
	}
	if _, err := r.b.HandleSessionRequest(r.body(req, MessageSessionRequest), true, nil, r.now); err != ErrNegotiationFailed {
		t.Fatalf("disjoint curves error = %v, want ErrNegotiationFailed", err)
	}
}

func TestSessionRequestPolicyCallbackOverridesDefault(t *testing.T) {
	r := newPeerRig(t, nil)
	r.seed()

	req, err := r.a.BeginSessionRequest(r.now, nil)
	if err != nil {
		t.Fatalf("BeginSessionRequest: %v", err)
	}
	reject := func(_ Endpoint, _ SessionRequestFields, defaultAccept bool) bool {
		if !defaultAccept {
			t.Fatalf("expected the configured default to be passed through")
		}
		return false
	}
	if _, err := r.b.HandleSessionRequest(r.body(req, MessageSessionRequest), true, reject, r.now); err != ErrPolicyRejected {
		t.Fatalf("rejected request error = %v, want ErrPolicyRejected", err)
	}
}

func TestBeginSessionRequestRequiresPresentation(t *testing.T) {
	r := newPeerRig(t, nil)
	if _, err := r.a.BeginSessionRequest(r.now, nil); err != ErrNoPresentation {
		t.Fatalf("error = %v, want ErrNoPresentation", err)
	}
}

func TestSessionRequestFromUnknownPeerDropped(t *testing.T) {
	r := newPeerRig(t, nil)
	// Only A knows B; B has no record for A.
	r.storeA.Seed(r.a.Endpoint, PresentationRecord{SigCert: r.idB.SigCert})

	req, err := r.a.BeginSessionRequest(r.now, nil)
	if err != nil {
		t.Fatalf("BeginSessionRequest: %v", err)
	}
	if _, err := r.b.HandleSessionRequest(r.body(req, MessageSessionRequest), true, nil, r.now); err != ErrNoPresentation {
		t.Fatalf("error = %v, want ErrNoPresentation", err)
	}
}

func TestReplayedSessionRequestRejected(t *testing.T) {
	r := newPeerRig(t, nil)
	r.seed()

	req, err := r.a.BeginSessionRequest(r.now, nil)
	if err != nil {
		t.Fatalf("BeginSessionRequest: %v", err)
	}
	body := r.body(req, MessageSessionRequest)
	resp, err := r.b.HandleSessionRequest(body, true, nil, r.now)
	if err != nil {
		t.Fatalf("HandleSessionRequest: %v", err)
	}
	if err := r.a.HandleSession(r.body(resp, MessageSession), r.now); err != nil {
		t.Fatalf("HandleSession: %v", err)
	}

	// Re-injecting the captured SESSION_REQUEST must not roll the session
	// back: its session number is no longer strictly greater.
	if _, err := r.b.HandleSessionRequest(body, true, nil, r.now); err != ErrReplay {
		t.Fatalf("replayed session request error = %v, want ErrReplay", err)
	}
}

func TestConsecutiveAuthFailuresForceRehandshake(t *testing.T) {
	r := newPeerRig(t, func(_, b *PeerConfig) {
		b.MaxFaults = 3
	})
	r.seed()
	r.handshake()

	tampered := func() []byte {
		r.t.Helper()
		msg, err := r.a.BuildEnvelope(ChannelData, []byte("payload"), r.now)
		if err != nil {
			t.Fatalf("BuildEnvelope: %v", err)
		}
		body := r.body(msg, MessageData)
		out := append([]byte(nil), body...)
		out[len(out)-1] ^= 0xFF
		return out
	}

	for i := 0; i < 2; i++ {
		if _, _, err := r.b.OpenEnvelope(tampered(), r.now); err != ErrAuthFailed {
			t.Fatalf("fault %d error = %v, want ErrAuthFailed", i+1, err)
		}
		if r.b.Phase != PhaseEstablished {
			t.Fatalf("phase after %d faults = %s, want ESTABLISHED", i+1, r.b.Phase)
		}
	}
	if _, _, err := r.b.OpenEnvelope(tampered(), r.now); err != ErrAuthFailed {
		t.Fatalf("third fault error = %v, want ErrAuthFailed", err)
	}
	if r.b.Phase != PhaseIdle {
		t.Fatalf("phase after max faults = %s, want IDLE (forced rehandshake)", r.b.Phase)
	}
	if r.b.sessions.HasLocal() || r.b.sessions.HasRemote() {
		t.Fatalf("forced rehandshake must drop all session state")
	}
}

func TestSuccessfulOpenResetsFaultCounter(t *testing.T) {
	r := newPeerRig(t, func(_, b *PeerConfig) {
		b.MaxFaults = 3
	})
	r.seed()
	r.handshake()

	msg, err := r.a.BuildEnvelope(ChannelData, []byte("good"), r.now)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	body := append([]byte(nil), r.body(msg, MessageData)...)
	bad := append([]byte(nil), body...)
	bad[len(bad)-1] ^= 0xFF

	// Two faults, then a good datagram, then two more faults: the reset in
	// between means the threshold of three consecutive is never reached.
	r.b.OpenEnvelope(bad, r.now)
	r.b.OpenEnvelope(bad, r.now)
	if _, _, err := r.b.OpenEnvelope(body, r.now); err != nil {
		t.Fatalf("good datagram after faults: %v", err)
	}
	bad2, err := r.a.BuildEnvelope(ChannelData, []byte("bad"), r.now)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	bad2body := append([]byte(nil), r.body(bad2, MessageData)...)
	bad2body[len(bad2body)-1] ^= 0xFF
	r.b.OpenEnvelope(bad2body, r.now)
	r.b.OpenEnvelope(bad2body, r.now)
	if r.b.Phase != PhaseEstablished {
		t.Fatalf("non-consecutive faults must not force a rehandshake, got %s", r.b.Phase)
	}
}

func TestKeepAliveCadenceAndInactivity(t *testing.T) {
	r := newPeerRig(t, func(a, b *PeerConfig) {
		a.InactivityTimeout = 30 * time.Second
		b.InactivityTimeout = 30 * time.Second
	})
	r.seed()
	r.handshake()
	start := r.now

	// Nothing sent yet since the handshake; one third of the inactivity
	// timeout in, a keep-alive is due.
	if r.a.NeedsKeepAlive(start.Add(5 * time.Second)) {
		t.Fatalf("keep-alive must not be due before T/3")
	}
	if !r.a.NeedsKeepAlive(start.Add(10 * time.Second)) {
		t.Fatalf("keep-alive must be due at T/3")
	}

	ka, err := r.a.BuildEnvelope(ChannelKeepAlive, nil, start.Add(10*time.Second))
	if err != nil {
		t.Fatalf("BuildEnvelope(keep-alive): %v", err)
	}
	channel, _, err := r.b.OpenEnvelope(r.body(ka, MessageKeepAlive), start.Add(10*time.Second))
	if err != nil || channel != ChannelKeepAlive {
		t.Fatalf("keep-alive delivery = (%d, %v), want (%d, nil)", channel, err, ChannelKeepAlive)
	}

	// The keep-alive refreshed B's last-seen: B only goes inactive a full
	// timeout after it, not after the handshake.
	if r.b.IsInactive(start.Add(35 * time.Second)) {
		t.Fatalf("peer must not be inactive 25s after its last inbound datagram")
	}
	if !r.b.IsInactive(start.Add(41 * time.Second)) {
		t.Fatalf("peer must be inactive a full timeout after its last inbound datagram")
	}
}

func TestBuildEnvelopeWithoutSessionFails(t *testing.T) {
	r := newPeerRig(t, nil)
	if _, err := r.a.BuildEnvelope(ChannelData, []byte("x"), r.now); err != ErrUnknownSession {
		t.Fatalf("error = %v, want ErrUnknownSession", err)
	}
}

func TestOpenEnvelopeUnknownSessionNumberDropped(t *testing.T) {
	r := newPeerRig(t, nil)
	r.seed()
	r.handshake()

	msg, err := r.a.BuildEnvelope(ChannelData, []byte("x"), r.now)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	body := append([]byte(nil), r.body(msg, MessageData)...)
	body[3] ^= 0x7F // corrupt the session number
	if _, _, err := r.b.OpenEnvelope(body, r.now); err != ErrUnknownSession {
		t.Fatalf("error = %v, want ErrUnknownSession", err)
	}
}

func TestPeerCloseAbortsPendingOperations(t *testing.T) {
	r := newPeerRig(t, nil)

	var helloErr error
	if _, err := r.a.Greet(r.now, func(_ time.Duration, err error) { helloErr = err }); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	r.a.Close()
	if helloErr != ErrAborted {
		t.Fatalf("pending hello completion = %v, want ErrAborted", helloErr)
	}
	if r.a.Phase != PhaseClosing {
		t.Fatalf("phase after Close = %s, want CLOSING", r.a.Phase)
	}

	r2 := newPeerRig(t, nil)
	r2.seed()
	var sessErr error
	if _, err := r2.a.BeginSessionRequest(r2.now, func(err error) { sessErr = err }); err != nil {
		t.Fatalf("BeginSessionRequest: %v", err)
	}
	r2.a.Close()
	if sessErr != ErrAborted {
		t.Fatalf("pending session request completion = %v, want ErrAborted", sessErr)
	}
}

func TestSnapshotReflectsEstablishedState(t *testing.T) {
	r := newPeerRig(t, nil)
	r.seed()
	r.handshake()

	snap := r.a.Snapshot()
	if snap.Phase != PhaseEstablished {
		t.Fatalf("snapshot phase = %s, want ESTABLISHED", snap.Phase)
	}
	if snap.Endpoint != r.a.Endpoint {
		t.Fatalf("snapshot endpoint = %v, want %v", snap.Endpoint, r.a.Endpoint)
	}
	if !snap.HasLocalSession || !snap.HasRemoteSession {
		t.Fatalf("snapshot must report both sessions present")
	}
	if snap.LocalSessionNumber != r.a.sessions.Local.Number || snap.RemoteSessionNumber != r.a.sessions.Remote.Number {
		t.Fatalf("snapshot session numbers = (%d, %d), want (%d, %d)",
			snap.LocalSessionNumber, snap.RemoteSessionNumber,
			r.a.sessions.Local.Number, r.a.sessions.Remote.Number)
	}
}
