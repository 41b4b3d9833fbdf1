package fscp

// Handlers collects the user-supplied callbacks a Server invokes as peers
// progress through the protocol. Every field is optional; a nil handler
// takes the default described in its comment. Callbacks run on the
// server's strand, so they must not block and must not call back into
// the Server synchronously — use the async methods instead.
type Handlers struct {
	// AcceptHello decides whether to answer a HELLO_REQUEST from source at
	// all, given the configured default. Defaults to returning that
	// configured default. Sources covered by a never_contact rule are
	// dropped by the receive loop and never reach this callback.
	AcceptHello func(source Endpoint, defaultAccept bool) bool

	// AcceptPresentation is consulted via PresentationStore.Offer for
	// every PRESENTATION message, new or replacing. Defaults to accepting
	// any new record and dropping any certificate change for an endpoint
	// that already has a record; re-presenting byte-identical
	// certificates is accepted.
	AcceptPresentation ValidationFunc

	// AcceptSessionRequest decides whether to honor an inbound
	// SESSION_REQUEST's offered capabilities, given the configured
	// default.
	AcceptSessionRequest func(peer Endpoint, requested SessionRequestFields, defaultAccept bool) bool

	// OnSessionEstablished fires once a session (initial or rekeyed)
	// becomes usable in both directions.
	OnSessionEstablished func(peer Endpoint)

	// OnData delivers a decrypted DATA payload on the given channel.
	OnData func(peer Endpoint, channel ChannelNumber, payload []byte)

	// OnContact delivers a CONTACT message's advertised endpoints,
	// keyed by their position in the received list.
	OnContact func(peer Endpoint, advertised map[uint32]Endpoint)

	// OnPeerLost fires, with cause ErrTimeout, when the housekeeping tick
	// removes a peer that has gone a full inactivity timeout without
	// inbound traffic. It does not fire when repeated authentication
	// failures return a peer to Idle, nor on Close.
	OnPeerLost func(peer Endpoint, cause error)
}

func (h Handlers) acceptHello(source Endpoint, defaultAccept bool) bool {
	if h.AcceptHello != nil {
		return h.AcceptHello(source, defaultAccept)
	}
	return defaultAccept
}

func (h Handlers) fireSessionEstablished(peer Endpoint) {
	if h.OnSessionEstablished != nil {
		h.OnSessionEstablished(peer)
	}
}

func (h Handlers) fireData(peer Endpoint, channel ChannelNumber, payload []byte) {
	if h.OnData != nil {
		h.OnData(peer, channel, payload)
	}
}

func (h Handlers) fireContact(peer Endpoint, advertised map[uint32]Endpoint) {
	if h.OnContact != nil {
		h.OnContact(peer, advertised)
	}
}

func (h Handlers) firePeerLost(peer Endpoint, cause error) {
	if h.OnPeerLost != nil {
		h.OnPeerLost(peer, cause)
	}
}
