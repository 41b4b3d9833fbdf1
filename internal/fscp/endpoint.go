// Package fscp implements the FreeLAN Secure Channel Protocol: a UDP
// peer-to-peer authenticated key-agreement and encrypted transport.
package fscp

import (
	"fmt"
	"net/netip"
)

// Endpoint identifies a peer on the wire: an (IP, port) pair. Endpoints are
// the identity key for peer state and presentation records. An IPv4
// endpoint and its IPv4-mapped-IPv6 form always normalize to the same
// Endpoint value, so the two are never treated as distinct peers.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// NormalizeEndpoint folds an IPv4-mapped IPv6 address down to its IPv4
// form before building the Endpoint, so that dual-stack sockets never
// split one peer's state across two map entries.
func NormalizeEndpoint(ap netip.AddrPort) Endpoint {
	addr := ap.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return Endpoint{Addr: addr, Port: ap.Port()}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// IsValid reports whether the endpoint carries a usable address.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid() && e.Port != 0
}

// AddrPort converts back to the netip representation used by net.UDPConn.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

// ParseEndpoint parses a "host:port" string (the shape used by the listen
// configuration key, presentation seed endpoints and the admin API's
// {endpoint} path segment) into a normalized Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("fscp: parse endpoint %q: %w", s, err)
	}
	return NormalizeEndpoint(ap), nil
}
