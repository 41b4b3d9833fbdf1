package fscp

import (
	"fmt"
	"strings"
)

// CipherSuiteID is a wire tag naming a certificate-signature algorithm,
// AEAD, and hash combination for a session.
type CipherSuiteID byte

// Cipher suite wire tags. 0x01/0x02 are the default GCM suites; 0x03/0x04
// are encrypt-then-MAC suites carried for interoperability with
// constrained peers — never offered by default, only when explicitly
// configured.
const (
	SuiteECDHERsaAes256GcmSha384       CipherSuiteID = 0x01
	SuiteECDHEEcdsaAes256GcmSha384     CipherSuiteID = 0x02
	SuiteECDHERsaAes256CbcHmacSha384   CipherSuiteID = 0x03
	SuiteECDHEEcdsaAes256CbcHmacSha384 CipherSuiteID = 0x04
)

func (id CipherSuiteID) String() string {
	switch id {
	case SuiteECDHERsaAes256GcmSha384:
		return "ECDHE-RSA-AES256-GCM-SHA384"
	case SuiteECDHEEcdsaAes256GcmSha384:
		return "ECDHE-ECDSA-AES256-GCM-SHA384"
	case SuiteECDHERsaAes256CbcHmacSha384:
		return "ECDHE-RSA-AES256-CBC-HMAC-SHA384"
	case SuiteECDHEEcdsaAes256CbcHmacSha384:
		return "ECDHE-ECDSA-AES256-CBC-HMAC-SHA384"
	default:
		return fmt.Sprintf("UNKNOWN_SUITE(0x%02x)", byte(id))
	}
}

// IsGCM reports whether the suite uses AES-GCM (vs. CBC+HMAC).
func (id CipherSuiteID) IsGCM() bool {
	return id == SuiteECDHERsaAes256GcmSha384 || id == SuiteECDHEEcdsaAes256GcmSha384
}

// DefaultCipherSuites is the default capability list, in preference order.
func DefaultCipherSuites() []CipherSuiteID {
	return []CipherSuiteID{SuiteECDHERsaAes256GcmSha384, SuiteECDHEEcdsaAes256GcmSha384}
}

// ParseCipherSuiteID parses the configuration-file name of a cipher suite
// (case-insensitive, e.g. "ecdhe-rsa-aes256-gcm-sha384") into its wire tag.
func ParseCipherSuiteID(name string) (CipherSuiteID, error) {
	switch strings.ToLower(name) {
	case "ecdhe-rsa-aes256-gcm-sha384":
		return SuiteECDHERsaAes256GcmSha384, nil
	case "ecdhe-ecdsa-aes256-gcm-sha384":
		return SuiteECDHEEcdsaAes256GcmSha384, nil
	case "ecdhe-rsa-aes256-cbc-hmac-sha384":
		return SuiteECDHERsaAes256CbcHmacSha384, nil
	case "ecdhe-ecdsa-aes256-cbc-hmac-sha384":
		return SuiteECDHEEcdsaAes256CbcHmacSha384, nil
	default:
		return 0, fmt.Errorf("fscp: unsupported cipher suite %q", name)
	}
}

// CurveID is a wire tag naming an ECDHE curve.
type CurveID byte

// Curve wire tags.
const (
	CurveSecp256r1 CurveID = 0x01
	CurveSecp384r1 CurveID = 0x02
	CurveSecp521r1 CurveID = 0x03
)

func (id CurveID) String() string {
	switch id {
	case CurveSecp256r1:
		return "secp256r1"
	case CurveSecp384r1:
		return "secp384r1"
	case CurveSecp521r1:
		return "secp521r1"
	default:
		return fmt.Sprintf("UNKNOWN_CURVE(0x%02x)", byte(id))
	}
}

// DefaultCurves is the default capability list, in preference order.
func DefaultCurves() []CurveID {
	return []CurveID{CurveSecp256r1, CurveSecp384r1, CurveSecp521r1}
}

// ParseCurveID parses the configuration-file name of a curve
// (case-insensitive, e.g. "secp256r1") into its wire tag.
func ParseCurveID(name string) (CurveID, error) {
	switch strings.ToLower(name) {
	case "secp256r1":
		return CurveSecp256r1, nil
	case "secp384r1":
		return CurveSecp384r1, nil
	case "secp521r1":
		return CurveSecp521r1, nil
	default:
		return 0, fmt.Errorf("fscp: unsupported curve %q", name)
	}
}

// NegotiateCipherSuite picks the first entry of local that also appears in
// remote — local preference order wins ties.
func NegotiateCipherSuite(local, remote []CipherSuiteID) (CipherSuiteID, bool) {
	for _, l := range local {
		for _, r := range remote {
			if l == r {
				return l, true
			}
		}
	}
	return 0, false
}

// NegotiateCurve picks the first entry of local that also appears in
// remote, same rule as NegotiateCipherSuite.
func NegotiateCurve(local, remote []CurveID) (CurveID, bool) {
	for _, l := range local {
		for _, r := range remote {
			if l == r {
				return l, true
			}
		}
	}
	return 0, false
}

// Contains reports whether id is present in list; used to verify that a
// received SESSION's chosen suite/curve was actually among those offered.
func containsCipherSuite(list []CipherSuiteID, id CipherSuiteID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func containsCurve(list []CurveID, id CurveID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
