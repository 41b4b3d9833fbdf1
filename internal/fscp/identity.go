package fscp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// Identity is the local node's long-term credentials: a signature
// certificate/key pair, an optional distinct encryption certificate/key
// (carried in the data model, but never used for anything the signature
// pair doesn't already cover), and an optional pre-shared key.
type Identity struct {
	SigCert *x509.Certificate
	SigKey  crypto.Signer

	EncCert *x509.Certificate
	EncKey  crypto.Signer

	PSK []byte
}

// Valid reports whether the identity has at least one usable credential:
// a certificate+key pair, or a PSK.
func (id Identity) Valid() bool {
	hasCert := id.SigCert != nil && id.SigKey != nil
	return hasCert || len(id.PSK) > 0
}

// KeyType classifies a signer for cipher-suite selection (ECDHE-RSA vs.
// ECDHE-ECDSA).
type KeyType int

const (
	KeyTypeUnknown KeyType = iota
	KeyTypeRSA
	KeyTypeECDSA
)

// SignerKeyType classifies a crypto.Signer's underlying algorithm.
func SignerKeyType(key crypto.Signer) (KeyType, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return KeyTypeRSA, nil
	case *ecdsa.PublicKey:
		return KeyTypeECDSA, nil
	default:
		return KeyTypeUnknown, fmt.Errorf("fscp: unsupported signer key type %T", key.Public())
	}
}

// PreferredCipherSuiteFor returns the cipher-suite family matching a key
// type, used to order a local capability list by the identity's own key.
func PreferredCipherSuiteFor(kt KeyType) (gcm, cbc CipherSuiteID) {
	if kt == KeyTypeECDSA {
		return SuiteECDHEEcdsaAes256GcmSha384, SuiteECDHEEcdsaAes256CbcHmacSha384
	}
	return SuiteECDHERsaAes256GcmSha384, SuiteECDHERsaAes256CbcHmacSha384
}
