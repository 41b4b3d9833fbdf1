// Package config decodes the daemon's configuration file into a typed
// structure.
package config

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/freelan-developers/go-fscp/internal/fscp"
)

// IdentityConfig names the files backing an Identity: a signature
// certificate/key pair, an optional distinct encryption pair, and an
// optional PSK passphrase file (hashed via PBKDF2-HMAC-SHA256).
type IdentityConfig struct {
	SignatureCertificate  string `mapstructure:"signature_certificate"`
	SignaturePrivateKey   string `mapstructure:"signature_private_key"`
	EncryptionCertificate string `mapstructure:"encryption_certificate"`
	EncryptionPrivateKey  string `mapstructure:"encryption_private_key"`

	PSKPassphraseFile string `mapstructure:"psk_passphrase_file"`
	PSKSalt           string `mapstructure:"psk_salt"`
	PSKIterations     int    `mapstructure:"psk_iterations"`
}

// PresentationSeed pre-populates a peer's presentation record
// administratively.
type PresentationSeed struct {
	Endpoint              string `mapstructure:"endpoint"`
	SignatureCertificate  string `mapstructure:"signature_certificate"`
	EncryptionCertificate string `mapstructure:"encryption_certificate"`
}

// DirectoryConfig selects the administrative directory store's backend.
type DirectoryConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// AdminConfig configures the loopback-bound administrative HTTP surface.
type AdminConfig struct {
	Listen string `mapstructure:"listen"`
}

// Config is the full decoded shape of the daemon's configuration file.
type Config struct {
	Listen                              string   `mapstructure:"listen"`
	HelloTimeout                        string   `mapstructure:"hello_timeout"`
	AcceptContactRequests               bool     `mapstructure:"accept_contact_requests"`
	AcceptContacts                      bool     `mapstructure:"accept_contacts"`
	MaxUnauthenticatedMessagesPerSecond float64  `mapstructure:"max_unauthenticated_messages_per_second"`
	CipherSuiteCapability               []string `mapstructure:"cipher_suite_capability"`
	EllipticCurveCapability             []string `mapstructure:"elliptic_curve_capability"`
	NeverContact                        []string `mapstructure:"never_contact"`

	Identity          IdentityConfig     `mapstructure:"identity"`
	PresentationSeeds []PresentationSeed `mapstructure:"presentation_seeds"`
	Directory         DirectoryConfig    `mapstructure:"directory"`
	Admin             AdminConfig        `mapstructure:"admin"`
}

// Decode converts a viper-produced generic map into a Config.
func Decode(raw map[string]interface{}) (*Config, error) {
	var cfg Config
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return nil, fmt.Errorf("fscp: decode configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the decoded configuration for the combinations the
// server cannot start without.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("fscp: 'listen' is required")
	}
	if _, err := c.ListenEndpoint(); err != nil {
		return err
	}
	if c.Directory.Type != "" && c.Directory.Type != "sqlite" && c.Directory.Type != "postgres" {
		return fmt.Errorf("fscp: unsupported directory type %q (must be 'sqlite' or 'postgres')", c.Directory.Type)
	}
	return nil
}

// ListenEndpoint parses the "listen" key into an fscp.Endpoint.
func (c *Config) ListenEndpoint() (fscp.Endpoint, error) {
	return fscp.ParseEndpoint(c.Listen)
}

// HelloTimeoutDuration parses the "hello_timeout" key, defaulting to 3s.
func (c *Config) HelloTimeoutDuration() (time.Duration, error) {
	if c.HelloTimeout == "" {
		return 3 * time.Second, nil
	}
	return time.ParseDuration(c.HelloTimeout)
}

// CipherSuites resolves the configured capability names into wire tags,
// falling back to fscp.DefaultCipherSuites when unset.
func (c *Config) CipherSuites() ([]fscp.CipherSuiteID, error) {
	if len(c.CipherSuiteCapability) == 0 {
		return fscp.DefaultCipherSuites(), nil
	}
	out := make([]fscp.CipherSuiteID, len(c.CipherSuiteCapability))
	for i, name := range c.CipherSuiteCapability {
		id, err := fscp.ParseCipherSuiteID(name)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// Curves resolves the configured curve capability names into wire tags,
// falling back to fscp.DefaultCurves when unset.
func (c *Config) Curves() ([]fscp.CurveID, error) {
	if len(c.EllipticCurveCapability) == 0 {
		return fscp.DefaultCurves(), nil
	}
	out := make([]fscp.CurveID, len(c.EllipticCurveCapability))
	for i, name := range c.EllipticCurveCapability {
		id, err := fscp.ParseCurveID(name)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// NeverContactList parses the "never_contact" CIDR list.
func (c *Config) NeverContactList() (*fscp.NeverContactList, error) {
	prefixes := make([]netip.Prefix, 0, len(c.NeverContact))
	for _, cidr := range c.NeverContact {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("fscp: parse never_contact entry %q: %w", cidr, err)
		}
		prefixes = append(prefixes, p)
	}
	return fscp.NewNeverContactList(prefixes), nil
}

// LoadIdentity reads the signature (and optional encryption) certificate
// and private key files, plus an optional PSK passphrase file, building
// the Identity the server authenticates with.
func (c *IdentityConfig) LoadIdentity() (*fscp.Identity, error) {
	id := &fscp.Identity{}

	if c.SignatureCertificate != "" {
		cert, err := loadCertificate(c.SignatureCertificate)
		if err != nil {
			return nil, fmt.Errorf("fscp: signature certificate: %w", err)
		}
		key, err := loadPrivateKey(c.SignaturePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("fscp: signature private key: %w", err)
		}
		id.SigCert, id.SigKey = cert, key
	}

	if c.EncryptionCertificate != "" {
		cert, err := loadCertificate(c.EncryptionCertificate)
		if err != nil {
			return nil, fmt.Errorf("fscp: encryption certificate: %w", err)
		}
		key, err := loadPrivateKey(c.EncryptionPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("fscp: encryption private key: %w", err)
		}
		id.EncCert, id.EncKey = cert, key
	}

	if c.PSKPassphraseFile != "" {
		raw, err := os.ReadFile(c.PSKPassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("fscp: read psk passphrase file: %w", err)
		}
		salt := c.PSKSalt
		if salt == "" {
			salt = "freelan"
		}
		iterations := c.PSKIterations
		if iterations <= 0 {
			iterations = 2000
		}
		psk, err := fscp.DerivePSK(strings.TrimSpace(string(raw)), salt, iterations)
		if err != nil {
			return nil, fmt.Errorf("fscp: derive psk: %w", err)
		}
		id.PSK = psk
	}

	if !id.Valid() {
		return nil, fmt.Errorf("fscp: identity requires a certificate+key pair or a psk")
	}
	return id, nil
}

// loadCertificate reads and parses a PEM-encoded X.509 certificate.
func loadCertificate(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("unable to decode PEM certificate %q", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

// loadPrivateKey reads a PEM-encoded private key and tries PKCS8, EC,
// and PKCS1 in turn.
func loadPrivateKey(path string) (crypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	der := raw
	if block != nil {
		der = block.Bytes
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key %q does not implement crypto.Signer", path)
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unable to parse private key %q", path)
}

// LoadPresentationSeeds parses the presentation_seeds configuration key
// into ready-to-install presentation records, keyed by endpoint.
func (c *Config) LoadPresentationSeeds() (map[fscp.Endpoint]fscp.PresentationRecord, error) {
	out := make(map[fscp.Endpoint]fscp.PresentationRecord, len(c.PresentationSeeds))
	for _, seed := range c.PresentationSeeds {
		ep, err := fscp.ParseEndpoint(seed.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("fscp: presentation seed endpoint: %w", err)
		}
		sigCert, err := loadCertificate(seed.SignatureCertificate)
		if err != nil {
			return nil, fmt.Errorf("fscp: presentation seed signature certificate: %w", err)
		}
		rec := fscp.PresentationRecord{SigCert: sigCert}
		if seed.EncryptionCertificate != "" {
			encCert, err := loadCertificate(seed.EncryptionCertificate)
			if err != nil {
				return nil, fmt.Errorf("fscp: presentation seed encryption certificate: %w", err)
			}
			rec.EncCert = encCert
		}
		out[ep] = rec
	}
	return out, nil
}

// ParseFloatSeconds converts a "1.5" style decimal string to a rate; an
// empty string yields 0.
func ParseFloatSeconds(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
