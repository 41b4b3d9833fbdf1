package fscp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// ServerConfig supplies everything a Server needs to open a listening
// socket and drive the peer state machine. Zero values take the
// documented protocol defaults.
type ServerConfig struct {
	ListenEndpoint Endpoint
	Identity       *Identity
	Handlers       Handlers

	CipherSuites []CipherSuiteID
	Curves       []CurveID

	RateLimit          float64
	BufferSize         int
	BufferPoolCapacity int

	NeverContact *NeverContactList

	AcceptHelloDefault          bool
	AcceptSessionRequestDefault bool
	AcceptContacts              bool
	AcceptContactRequests       bool

	HelloTimeout         time.Duration
	SessionTimeout       time.Duration
	MaxSessionAge        time.Duration
	MaxSequenceNumber    uint32
	RekeyGrace           time.Duration
	InactivityTimeout    time.Duration
	MaxFaults            int
	AutoIntroduce        bool
	HousekeepingInterval time.Duration
}

func (c ServerConfig) peerConfig() PeerConfig {
	return PeerConfig{
		Identity:          c.Identity,
		CipherSuites:      c.CipherSuites,
		Curves:            c.Curves,
		HelloTimeout:      c.HelloTimeout,
		SessionTimeout:    c.SessionTimeout,
		MaxSessionAge:     c.MaxSessionAge,
		MaxSequenceNumber: c.MaxSequenceNumber,
		RekeyGrace:        c.RekeyGrace,
		InactivityTimeout: c.InactivityTimeout,
		MaxFaults:         c.MaxFaults,
		AutoIntroduce:     c.AutoIntroduce,
	}
}

// Server owns one UDP socket and the single strand that serializes every
// protocol state mutation across every peer it knows about.
// All exported methods are safe to call from any goroutine; they
// either post a job to the strand (async) or additionally block on a
// result channel (sync wrappers) — never call a sync method from inside
// a Handlers callback, which already runs on the strand, or it deadlocks.
type Server struct {
	cfg    ServerConfig
	conn   *net.UDPConn
	strand *Strand
	pool   *BufferPool
	limits *RateLimiter
	log    *slog.Logger

	presentations *PresentationStore
	peers         map[Endpoint]*Peer

	// hashIndex maps a known signature certificate's hash to the endpoint
	// it was last presented from, answering inbound CONTACT_REQUEST.
	hashIndex map[CertHash]Endpoint
	// wanted holds certificate hashes this node wants an endpoint for, so
	// an inbound CONTACT naming one of them triggers a HELLO probe. Seeded
	// through WantContact.
	wanted map[CertHash]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer opens the listening UDP socket and builds server state; it
// does not start the strand or receive loop, see Run.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Identity == nil || !cfg.Identity.Valid() {
		return nil, fmt.Errorf("fscp: server requires a valid identity")
	}
	network := "udp4"
	if cfg.ListenEndpoint.Addr.Is6() && !cfg.ListenEndpoint.Addr.Is4In6() {
		network = "udp"
	}
	// An IPv6 address is bound on the generic "udp" network: Go then opens
	// an AF_INET6 socket with IPV6_V6ONLY cleared, so it also receives
	// IPv4-mapped traffic. A "udp6" listener would be IPv6-only.
	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(cfg.ListenEndpoint.AddrPort()))
	if err != nil {
		return nil, fmt.Errorf("fscp: listen: %w", err)
	}
	return &Server{
		cfg:           cfg,
		conn:          conn,
		strand:        NewStrand(256),
		pool:          NewBufferPool(cfg.BufferSize, cfg.BufferPoolCapacity),
		limits:        NewRateLimiter(cfg.RateLimit),
		log:           slog.Default().With("component", "fscp.server"),
		presentations: NewPresentationStore(),
		peers:         make(map[Endpoint]*Peer),
		hashIndex:     make(map[CertHash]Endpoint),
		wanted:        make(map[CertHash]struct{}),
		closed:        make(chan struct{}),
	}, nil
}

// LocalAddr returns the socket's bound local address.
func (s *Server) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Run starts the strand, the receive loop, and housekeeping, blocking
// until ctx is cancelled or Close is called.
func (s *Server) Run(ctx context.Context) {
	interval := s.cfg.HousekeepingInterval
	if interval <= 0 {
		interval = time.Second
	}
	go s.receiveLoop(ctx)
	s.strand.Run(ctx, interval, s.housekeeping)
}

// Close shuts down the receive loop and strand and releases the socket.
// Of its cleanup steps only the socket close can fail; that error is
// collected via multierr and returned.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = multierr.Append(err, s.conn.Close())
		s.strand.Post(func(now time.Time) {
			for _, p := range s.peers {
				p.Close()
			}
		})
		s.strand.Close()
	})
	return err
}

func (s *Server) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}
		buf := s.pool.Get()
		n, addrPort, err := s.conn.ReadFromUDPAddrPort(buf.Buf)
		if err != nil {
			buf.Release()
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		raw := buf.Buf[:n]
		source := NormalizeEndpoint(addrPort)
		if s.cfg.NeverContact.Forbidden(source) {
			buf.Release()
			continue
		}
		msgType, body, err := DecodeMessage(raw)
		if err != nil {
			// Malformed traffic is charged like any other unauthenticated
			// message, so a flood of garbage cannot bypass the throttle.
			s.limits.Allow(source, time.Now())
			buf.Release()
			continue
		}
		if requiresRateLimit(msgType) && !s.limits.Allow(source, time.Now()) {
			buf.Release()
			continue
		}
		bodyCopy := append([]byte(nil), body...)
		buf.Release()
		s.strand.Post(func(now time.Time) {
			s.dispatch(source, msgType, bodyCopy, now)
		})
	}
}

func requiresRateLimit(t MessageType) bool {
	switch t {
	case MessageHelloRequest, MessagePresentation, MessageSessionRequest:
		return true
	default:
		return false
	}
}

func (s *Server) housekeeping(now time.Time) {
	s.limits.GC(now)
	for ep, p := range s.peers {
		p.ExpireOldSessions(now)
		if p.CheckHelloTimeout(now) {
			s.log.Debug("hello timed out", "peer", ep.String())
			if p.Phase == PhaseIdle && !p.sessions.HasLocal() && !p.sessions.HasRemote() {
				delete(s.peers, ep)
				continue
			}
		}
		if p.CheckSessionRequestTimeout(now) {
			s.log.Debug("session request timed out", "peer", ep.String())
		}
		if p.NeedsRekey(now) {
			if msg, err := p.BeginSessionRequest(now, nil); err == nil {
				s.send(ep, msg)
			}
		}
		if p.NeedsKeepAlive(now) {
			s.sendEnvelope(ep, p, ChannelKeepAlive, nil, now)
		}
		if p.IsInactive(now) {
			s.cfg.Handlers.firePeerLost(ep, ErrTimeout)
			delete(s.peers, ep)
		}
	}
}

func (s *Server) peerFor(ep Endpoint) *Peer {
	p, ok := s.peers[ep]
	if !ok {
		pc := s.cfg.peerConfig()
		pc.Store = s.presentations
		p = NewPeer(ep, pc)
		s.peers[ep] = p
	}
	return p
}

func (s *Server) send(ep Endpoint, msg []byte) {
	if msg == nil {
		return
	}
	if _, err := s.conn.WriteToUDPAddrPort(msg, ep.AddrPort()); err != nil {
		s.log.Debug("send failed", "peer", ep.String(), "error", err)
	}
}

func (s *Server) sendEnvelope(ep Endpoint, p *Peer, channel ChannelNumber, payload []byte, now time.Time) {
	msg, err := p.BuildEnvelope(channel, payload, now)
	if err != nil {
		s.log.Debug("envelope build failed", "peer", ep.String(), "channel", channel, "error", err)
		return
	}
	s.send(ep, msg)
}

func (s *Server) dispatch(source Endpoint, msgType MessageType, body []byte, now time.Time) {
	switch msgType {
	case MessageHelloRequest:
		p := s.peerFor(source)
		msg, err := p.HandleHelloRequest(body, s.cfg.Handlers.acceptHello(source, s.cfg.AcceptHelloDefault))
		if err != nil {
			return
		}
		s.send(source, msg)

	case MessageHelloResponse:
		p, ok := s.peers[source]
		if !ok {
			return
		}
		if _, matched := p.HandleHelloResponse(body, now); matched && p.Phase == PhasePresentWait && p.AutoIntroduce() {
			if msg, err := p.BuildPresentation(); err == nil {
				s.send(source, msg)
			}
		}

	case MessagePresentation:
		p := s.peerFor(source)
		sigDER, encDER, err := DecodePresentationBody(body)
		if err != nil {
			return
		}
		stored, isNew, err := p.HandlePresentation(sigDER, encDER, s.cfg.Handlers.AcceptPresentation)
		if err != nil || !stored {
			return
		}
		if rec, ok := s.presentations.Get(source); ok {
			s.hashIndex[HashCert(rec.SigCert.Raw)] = source
		}
		switch {
		case p.Phase == PhaseSessionReqWait:
			if msg, err := p.BuildPresentation(); err == nil {
				s.send(source, msg)
			}
			if msg, err := p.BeginSessionRequest(now, nil); err == nil {
				s.send(source, msg)
			}
		case isNew:
			// First contact from an introducing peer: answer with our own
			// certificates so that side can verify our SESSION signature
			// once the key exchange starts.
			if msg, err := p.BuildPresentation(); err == nil {
				s.send(source, msg)
			}
		}

	case MessageSessionRequest:
		p := s.peerFor(source)
		msg, err := p.HandleSessionRequest(body, s.cfg.AcceptSessionRequestDefault, s.cfg.Handlers.AcceptSessionRequest, now)
		if err != nil {
			s.log.Debug("session request rejected", "peer", source.String(), "error", err)
			return
		}
		s.send(source, msg)
		s.cfg.Handlers.fireSessionEstablished(source)

	case MessageSession:
		p, ok := s.peers[source]
		if !ok {
			return
		}
		if err := p.HandleSession(body, now); err != nil {
			s.log.Debug("session handling failed", "peer", source.String(), "error", err)
			return
		}
		s.cfg.Handlers.fireSessionEstablished(source)

	case MessageData, MessageKeepAlive, MessageContactRequest, MessageContact:
		p, ok := s.peers[source]
		if !ok {
			return
		}
		channel, payload, err := p.OpenEnvelope(body, now)
		if err != nil {
			return
		}
		s.dispatchChannel(source, p, channel, payload, now)
	}
}

func (s *Server) dispatchChannel(source Endpoint, p *Peer, channel ChannelNumber, payload []byte, now time.Time) {
	switch channel {
	case ChannelData:
		s.cfg.Handlers.fireData(source, channel, payload)

	case ChannelKeepAlive:
		// last-seen already updated by OpenEnvelope.

	case ChannelContactRequest:
		if !s.cfg.AcceptContactRequests {
			return
		}
		hashes, err := DecodeContactRequestPayload(payload)
		if err != nil {
			return
		}
		var entries []ContactEntry
		for _, h := range hashes {
			if ep, known := s.hashIndex[h]; known && ep.Addr.Is4() {
				entries = append(entries, ContactEntry{Hash: h, Endpoint: ep})
			}
		}
		if len(entries) == 0 {
			return
		}
		s.sendEnvelope(source, p, ChannelContact, EncodeContactPayload(entries), now)

	case ChannelContact:
		if !s.cfg.AcceptContacts {
			return
		}
		entries, err := DecodeContactPayload(payload)
		if err != nil {
			return
		}
		advertised := make(map[uint32]Endpoint, len(entries))
		for i, e := range entries {
			advertised[uint32(i)] = e.Endpoint
			if _, wanted := s.wanted[e.Hash]; !wanted {
				continue
			}
			if s.cfg.NeverContact.Forbidden(e.Endpoint) {
				continue
			}
			if _, already := s.peers[e.Endpoint]; already {
				continue
			}
			target := s.peerFor(e.Endpoint)
			if msg, err := target.Greet(now, nil); err == nil {
				s.send(e.Endpoint, msg)
			}
		}
		s.cfg.Handlers.fireContact(source, advertised)
	}
}

// SetHandlers replaces the whole callback set. Like every other state
// mutation it goes through the strand, so it is safe to call while
// traffic is flowing; datagrams already queued behind it still see the
// old set.
func (s *Server) SetHandlers(h Handlers) {
	s.strand.Post(func(now time.Time) {
		s.cfg.Handlers = h
	})
}

// SetAcceptHelloDefault changes whether HELLO_REQUESTs are answered when
// no AcceptHello callback overrides the decision.
func (s *Server) SetAcceptHelloDefault(accept bool) {
	s.strand.Post(func(now time.Time) {
		s.cfg.AcceptHelloDefault = accept
	})
}

// SetAcceptSessionRequestDefault changes whether inbound SESSION_REQUESTs
// are honored when no AcceptSessionRequest callback overrides the
// decision.
func (s *Server) SetAcceptSessionRequestDefault(accept bool) {
	s.strand.Post(func(now time.Time) {
		s.cfg.AcceptSessionRequestDefault = accept
	})
}

// SetCapabilities replaces the advertised cipher-suite and curve
// capability lists. Peers created after the change negotiate with the
// new lists; peers that already exist keep the lists they were created
// with, including for later rekeys.
func (s *Server) SetCapabilities(suites []CipherSuiteID, curves []CurveID) {
	s.strand.Post(func(now time.Time) {
		s.cfg.CipherSuites = suites
		s.cfg.Curves = curves
	})
}

// WantContact marks hash as an identity this node wants an endpoint for;
// a subsequent inbound CONTACT naming it triggers an automatic HELLO.
func (s *Server) WantContact(hash CertHash) {
	s.strand.Post(func(now time.Time) {
		s.wanted[hash] = struct{}{}
	})
}

// GreetAsync sends a HELLO_REQUEST to endpoint; complete is invoked with
// the measured round-trip time, or ErrTimeout/ErrAborted.
func (s *Server) GreetAsync(endpoint Endpoint, complete func(rtt time.Duration, err error)) {
	s.strand.Post(func(now time.Time) {
		p := s.peerFor(endpoint)
		msg, err := p.Greet(now, complete)
		if err != nil {
			if complete != nil {
				complete(0, err)
			}
			return
		}
		s.send(endpoint, msg)
	})
}

// Greet is the synchronous wrapper around GreetAsync. Must not be called
// from within a Handlers callback.
func (s *Server) Greet(ctx context.Context, endpoint Endpoint) (time.Duration, error) {
	result := make(chan struct {
		rtt time.Duration
		err error
	}, 1)
	s.GreetAsync(endpoint, func(rtt time.Duration, err error) {
		result <- struct {
			rtt time.Duration
			err error
		}{rtt, err}
	})
	select {
	case r := <-result:
		return r.rtt, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// IntroduceTo sends our own PRESENTATION to endpoint, regardless of phase.
func (s *Server) IntroduceTo(endpoint Endpoint) {
	s.strand.Post(func(now time.Time) {
		p := s.peerFor(endpoint)
		if msg, err := p.BuildPresentation(); err == nil {
			s.send(endpoint, msg)
		}
	})
}

// RequestSessionAsync originates a SESSION_REQUEST to a peer whose
// presentation is already known.
func (s *Server) RequestSessionAsync(endpoint Endpoint, complete func(err error)) {
	s.strand.Post(func(now time.Time) {
		p := s.peerFor(endpoint)
		msg, err := p.BeginSessionRequest(now, complete)
		if err != nil {
			if complete != nil {
				complete(err)
			}
			return
		}
		s.send(endpoint, msg)
	})
}

// SendDataAsync encrypts and sends payload to endpoint on the given
// channel. complete receives the send error, if any (e.g. ErrUnknownSession
// when no session is established yet).
func (s *Server) SendDataAsync(endpoint Endpoint, channel ChannelNumber, payload []byte, complete func(err error)) {
	s.strand.Post(func(now time.Time) {
		p, ok := s.peers[endpoint]
		if !ok {
			if complete != nil {
				complete(ErrNoPeer)
			}
			return
		}
		msg, err := p.BuildEnvelope(channel, payload, now)
		if err == nil && len(msg) > s.pool.size {
			err = ErrBufferTooLarge
		}
		if err != nil {
			if complete != nil {
				complete(err)
			}
			return
		}
		s.send(endpoint, msg)
		if complete != nil {
			complete(nil)
		}
	})
}

// SendContactRequestAsync asks endpoint whether it knows an endpoint for
// each of hashes, gated by the local accept_contact_requests policy on
// the remote side, not this one.
func (s *Server) SendContactRequestAsync(endpoint Endpoint, hashes []CertHash, complete func(err error)) {
	s.SendDataAsync(endpoint, ChannelContactRequest, EncodeContactRequestPayload(hashes), complete)
}

// SendContactAsync answers a previously received CONTACT_REQUEST (or
// proactively advertises) endpoints for the given certificate hashes.
func (s *Server) SendContactAsync(endpoint Endpoint, entries []ContactEntry, complete func(err error)) {
	s.SendDataAsync(endpoint, ChannelContact, EncodeContactPayload(entries), complete)
}

// GetPresentation returns the cached presentation record for endpoint.
func (s *Server) GetPresentation(ctx context.Context, endpoint Endpoint) (PresentationRecord, bool, error) {
	type result struct {
		rec PresentationRecord
		ok  bool
	}
	out := make(chan result, 1)
	s.strand.Post(func(now time.Time) {
		rec, ok := s.presentations.Get(endpoint)
		out <- result{rec, ok}
	})
	select {
	case r := <-out:
		return r.rec, r.ok, nil
	case <-ctx.Done():
		return PresentationRecord{}, false, ctx.Err()
	}
}

// SetPresentation seeds a presentation record administratively, bypassing
// the validation callback.
func (s *Server) SetPresentation(endpoint Endpoint, record PresentationRecord) {
	s.strand.Post(func(now time.Time) {
		s.presentations.Seed(endpoint, record)
		s.hashIndex[HashCert(record.SigCert.Raw)] = endpoint
	})
}

// ClearPresentation removes any cached presentation record for endpoint.
func (s *Server) ClearPresentation(endpoint Endpoint) {
	s.strand.Post(func(now time.Time) {
		s.presentations.Clear(endpoint)
	})
}

// Peers returns a snapshot of every peer the server currently knows
// about, for the admin HTTP surface's GET /api/v1/peers.
func (s *Server) Peers(ctx context.Context) ([]Snapshot, error) {
	out := make(chan []Snapshot, 1)
	s.strand.Post(func(now time.Time) {
		snaps := make([]Snapshot, 0, len(s.peers))
		for _, p := range s.peers {
			snaps = append(snaps, p.Snapshot())
		}
		out <- snaps
	})
	select {
	case snaps := <-out:
		return snaps, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rekey forces a new SESSION_REQUEST toward an already-known peer,
// regardless of the current session's age, for the admin HTTP surface's
// POST .../rekey.
func (s *Server) Rekey(ctx context.Context, endpoint Endpoint) error {
	result := make(chan error, 1)
	s.strand.Post(func(now time.Time) {
		p, ok := s.peers[endpoint]
		if !ok {
			result <- ErrNoPeer
			return
		}
		msg, err := p.BeginSessionRequest(now, func(err error) { result <- err })
		if err != nil {
			result <- err
			return
		}
		s.send(endpoint, msg)
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
