package directory

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/freelan-developers/go-fscp/internal/fscp"
)

func newTestCert(t *testing.T, commonName string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "directory.db")
	store, err := Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPresentationSeedRoundTrip(t *testing.T) {
	store := openTestStore(t)
	sigCert := newTestCert(t, "peer-a")

	if err := store.AddPresentationSeed("192.0.2.10:12000", sigCert, nil); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	seeds, err := store.LoadPresentationSeeds()
	if err != nil {
		t.Fatalf("load seeds: %v", err)
	}
	if len(seeds) != 1 {
		t.Fatalf("expected 1 seed, got %d", len(seeds))
	}
	for ep, rec := range seeds {
		if ep.String() != "192.0.2.10:12000" {
			t.Fatalf("unexpected endpoint: %s", ep)
		}
		if rec.SigCert.Subject.CommonName != "peer-a" {
			t.Fatalf("unexpected subject: %s", rec.SigCert.Subject.CommonName)
		}
		if rec.EncCert != nil {
			t.Fatal("expected no encryption certificate")
		}
	}
}

func TestPresentationSeedUpsert(t *testing.T) {
	store := openTestStore(t)
	first := newTestCert(t, "peer-v1")
	second := newTestCert(t, "peer-v2")

	if err := store.AddPresentationSeed("192.0.2.20:12000", first, nil); err != nil {
		t.Fatalf("add seed: %v", err)
	}
	if err := store.AddPresentationSeed("192.0.2.20:12000", second, nil); err != nil {
		t.Fatalf("replace seed: %v", err)
	}

	seeds, err := store.LoadPresentationSeeds()
	if err != nil {
		t.Fatalf("load seeds: %v", err)
	}
	if len(seeds) != 1 {
		t.Fatalf("expected a single row after upsert, got %d", len(seeds))
	}
	for _, rec := range seeds {
		if rec.SigCert.Subject.CommonName != "peer-v2" {
			t.Fatalf("expected replaced cert, got %s", rec.SigCert.Subject.CommonName)
		}
	}
}

func TestNeverContactRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if err := store.AddNeverContact("10.0.0.0/8"); err != nil {
		t.Fatalf("add never_contact: %v", err)
	}
	if err := store.AddNeverContact("10.0.0.0/8"); err != nil {
		t.Fatalf("add duplicate never_contact: %v", err)
	}

	ncl, err := store.LoadNeverContact()
	if err != nil {
		t.Fatalf("load never_contact: %v", err)
	}

	// One distinct CIDR regardless of the duplicate insert.
	blockedEndpoint, err := fscp.ParseEndpoint("10.1.2.3:5000")
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}
	if !ncl.Forbidden(blockedEndpoint) {
		t.Fatal("expected 10.1.2.3 to be forbidden")
	}
	allowedEndpoint, err := fscp.ParseEndpoint("192.0.2.3:5000")
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}
	if ncl.Forbidden(allowedEndpoint) {
		t.Fatal("expected 192.0.2.3 to be allowed")
	}
}
