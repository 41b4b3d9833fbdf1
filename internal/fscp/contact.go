package fscp

import (
	"crypto/sha256"
	"encoding/binary"
	"net/netip"
)

// CertHash identifies a signature certificate by its SHA-256 digest, the
// unit CONTACT_REQUEST/CONTACT exchange certificates by.
type CertHash [sha256.Size]byte

// HashCert computes the CertHash of a DER-encoded certificate.
func HashCert(certDER []byte) CertHash {
	return sha256.Sum256(certDER)
}

// EncodeContactRequestPayload encodes the decrypted CONTACT_REQUEST
// payload: the certificate hashes the sender wants endpoints for.
func EncodeContactRequestPayload(hashes []CertHash) []byte {
	buf := make([]byte, 4+sha256.Size*len(hashes))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(hashes)))
	off := 4
	for _, h := range hashes {
		off += copy(buf[off:], h[:])
	}
	return buf
}

// DecodeContactRequestPayload is the inverse of
// EncodeContactRequestPayload.
func DecodeContactRequestPayload(payload []byte) ([]CertHash, error) {
	if len(payload) < 4 {
		return nil, ErrMalformedMessage
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	if uint64(len(payload)) != 4+uint64(sha256.Size)*uint64(count) {
		return nil, ErrMalformedMessage
	}
	out := make([]CertHash, count)
	off := 4
	for i := range out {
		copy(out[i][:], payload[off:off+sha256.Size])
		off += sha256.Size
	}
	return out, nil
}

// ContactEntry pairs a queried certificate hash with the endpoint known
// to be presenting it, for an identity the local node recognizes.
type ContactEntry struct {
	Hash     CertHash
	Endpoint Endpoint
}

// EncodeContactPayload encodes the decrypted CONTACT payload: the answers
// to a previously received CONTACT_REQUEST. The advertisement format only
// carries IPv4 endpoints; callers must filter IPv6-only entries first.
func EncodeContactPayload(entries []ContactEntry) []byte {
	buf := make([]byte, 4+len(entries)*(sha256.Size+4+2))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		off += copy(buf[off:], e.Hash[:])
		ip4 := e.Endpoint.Addr.As4()
		copy(buf[off:off+4], ip4[:])
		off += 4
		binary.BigEndian.PutUint16(buf[off:], e.Endpoint.Port)
		off += 2
	}
	return buf
}

// DecodeContactPayload is the inverse of EncodeContactPayload.
func DecodeContactPayload(payload []byte) ([]ContactEntry, error) {
	if len(payload) < 4 {
		return nil, ErrMalformedMessage
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	const entrySize = sha256.Size + 4 + 2
	if uint64(len(payload)) != 4+uint64(entrySize)*uint64(count) {
		return nil, ErrMalformedMessage
	}
	out := make([]ContactEntry, count)
	off := 4
	for i := range out {
		var e ContactEntry
		copy(e.Hash[:], payload[off:off+sha256.Size])
		off += sha256.Size
		var ip4 [4]byte
		copy(ip4[:], payload[off:off+4])
		off += 4
		e.Endpoint = Endpoint{Addr: netip.AddrFrom4(ip4), Port: binary.BigEndian.Uint16(payload[off:])}
		off += 2
		out[i] = e
	}
	return out, nil
}

// NeverContactList filters endpoints against a set of CIDR prefixes that
// must never be contacted or answered, per the configuration key of the
// same name.
type NeverContactList struct {
	prefixes []netip.Prefix
}

// NewNeverContactList builds a list from already-parsed prefixes.
func NewNeverContactList(prefixes []netip.Prefix) *NeverContactList {
	return &NeverContactList{prefixes: prefixes}
}

// MergeNeverContactLists combines two lists (e.g. one from the
// configuration file and one from the administrative directory store)
// into a single list forbidding the union of their prefixes.
func MergeNeverContactLists(lists ...*NeverContactList) *NeverContactList {
	var merged []netip.Prefix
	for _, l := range lists {
		if l == nil {
			continue
		}
		merged = append(merged, l.prefixes...)
	}
	return &NeverContactList{prefixes: merged}
}

// Forbidden reports whether ep's address falls within any configured
// never-contact prefix.
func (l *NeverContactList) Forbidden(ep Endpoint) bool {
	if l == nil {
		return false
	}
	for _, p := range l.prefixes {
		if p.Contains(ep.Addr) {
			return true
		}
	}
	return false
}
