package fscp

import (
	"bytes"
	"crypto/x509"
)

// PresentationRecord is a peer's cached signature (and optional distinct
// encryption) certificate, populated on receipt of a PRESENTATION message
// or seeded administratively.
type PresentationRecord struct {
	SigCert *x509.Certificate
	EncCert *x509.Certificate
}

// subjectIssuerMatch reports whether the signature and encryption
// certificates (when both present) share subject and issuer.
func (r PresentationRecord) subjectIssuerMatch() bool {
	if r.EncCert == nil {
		return true
	}
	return bytes.Equal(r.SigCert.RawSubject, r.EncCert.RawSubject) &&
		bytes.Equal(r.SigCert.RawIssuer, r.EncCert.RawIssuer)
}

func certEqual(a, b *x509.Certificate) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Raw, b.Raw)
}

// sameCerts reports whether two records carry byte-identical certificates.
func (r PresentationRecord) sameCerts(o PresentationRecord) bool {
	return certEqual(r.SigCert, o.SigCert) && certEqual(r.EncCert, o.EncCert)
}

// ValidationFunc is the user-supplied presentation validation callback.
// It is consulted both for brand-new presentation records and for
// replacements of an existing one; existing is nil for a new record.
type ValidationFunc func(endpoint Endpoint, candidate PresentationRecord, existing *PresentationRecord) bool

// PresentationStore holds one PresentationRecord per endpoint. It is
// mutated only from the server's strand, so it carries no internal
// locking of its own.
type PresentationStore struct {
	records map[Endpoint]PresentationRecord
}

// NewPresentationStore builds an empty store.
func NewPresentationStore() *PresentationStore {
	return &PresentationStore{records: make(map[Endpoint]PresentationRecord)}
}

// Get returns the record for an endpoint, if any.
func (s *PresentationStore) Get(ep Endpoint) (PresentationRecord, bool) {
	r, ok := s.records[ep]
	return r, ok
}

// Seed installs a record administratively (e.g. from configuration),
// bypassing the validation callback — used for the "presentation seeds"
// configuration key.
func (s *PresentationStore) Seed(ep Endpoint, record PresentationRecord) {
	s.records[ep] = record
}

// Clear removes any record for the endpoint.
func (s *PresentationStore) Clear(ep Endpoint) {
	delete(s.records, ep)
}

// Offer applies an inbound PRESENTATION message. It validates that the
// signature and encryption certs match in subject/issuer, runs the
// user-supplied validate callback, and only then stores or replaces the
// record. Returns (stored, isNew, error) — stored is false and error is
// nil when the callback simply declined a replacement (a silent drop).
func (s *PresentationStore) Offer(ep Endpoint, candidate PresentationRecord, validate ValidationFunc) (stored bool, isNew bool, err error) {
	if !candidate.subjectIssuerMatch() {
		return false, false, ErrPresentationRejected
	}

	existing, had := s.records[ep]
	var existingPtr *PresentationRecord
	if had {
		existingPtr = &existing
	}

	if validate != nil {
		if !validate(ep, candidate, existingPtr) {
			if !had {
				return false, false, ErrPresentationRejected
			}
			// An existing record stays in place; this is the documented
			// silent-drop case for a refused replacement.
			return false, false, nil
		}
	} else if had && !existing.sameCerts(candidate) {
		// A certificate change needs an explicit callback to approve it;
		// with none configured the existing record wins. Re-presenting the
		// same certificates is not a change and falls through to the store.
		return false, false, nil
	}

	s.records[ep] = candidate
	return true, !had, nil
}
