package fscp

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// curve resolves a wire CurveID to the standard library's ECDHE curve.
func curve(id CurveID) (ecdh.Curve, error) {
	switch id {
	case CurveSecp256r1:
		return ecdh.P256(), nil
	case CurveSecp384r1:
		return ecdh.P384(), nil
	case CurveSecp521r1:
		return ecdh.P521(), nil
	default:
		return nil, fmt.Errorf("fscp: unsupported curve tag 0x%02x", byte(id))
	}
}

// GenerateEphemeralKey creates a fresh ECDHE keypair on the given curve,
// used once per SESSION_REQUEST/SESSION rekey attempt.
func GenerateEphemeralKey(id CurveID) (*ecdh.PrivateKey, error) {
	c, err := curve(id)
	if err != nil {
		return nil, err
	}
	return c.GenerateKey(rand.Reader)
}

// ParsePeerPublicKey decodes a peer's ephemeral ECDHE public key as
// carried in a SESSION message.
func ParsePeerPublicKey(id CurveID, raw []byte) (*ecdh.PublicKey, error) {
	c, err := curve(id)
	if err != nil {
		return nil, err
	}
	return c.NewPublicKey(raw)
}

// labelInitiatorToResponder / labelResponderToInitiator name the two
// HKDF-Expand outputs drawn from the single ECDHE shared secret, one per
// direction. Each direction's key material is derived independently under
// the same HKDF-Extract PRK, so no key is ever reused across directions.
var (
	labelInitiatorToResponder = []byte("fscp session initiator->responder")
	labelResponderToInitiator = []byte("fscp session responder->initiator")
)

// DerivedKeys is the 96-byte secret split into signature key, encryption
// key, base IV, and 16 reserved (unused) bytes.
type DerivedKeys struct {
	SigKey [32]byte
	EncKey [32]byte
	BaseIV [16]byte
}

// deriveDirectionalKeys expands the HKDF PRK for one direction and splits
// the 96-byte output. The trailing 16 bytes are reserved and discarded.
func deriveDirectionalKeys(prk []byte, label []byte) (DerivedKeys, error) {
	var out DerivedKeys
	r := hkdf.Expand(sha256.New, prk, label)
	buf := make([]byte, 96)
	if _, err := io.ReadFull(r, buf); err != nil {
		return out, fmt.Errorf("fscp: hkdf expand: %w", err)
	}
	copy(out.SigKey[:], buf[0:32])
	copy(out.EncKey[:], buf[32:64])
	copy(out.BaseIV[:], buf[64:80])
	return out, nil
}

// DeriveSessionKeys runs HKDF-Extract-SHA256 over the ECDHE shared secret
// with salt = initiatorSN ‖ responderSN (big-endian), then
// expands two independent 96-byte outputs: one for the
// initiator-to-responder direction, one for responder-to-initiator.
func DeriveSessionKeys(sharedSecret []byte, initiatorSessionNumber, responderSessionNumber uint32) (initiatorToResponder, responderToInitiator DerivedKeys, err error) {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint32(salt[0:4], initiatorSessionNumber)
	binary.BigEndian.PutUint32(salt[4:8], responderSessionNumber)

	prk := hkdf.Extract(sha256.New, sharedSecret, salt)

	initiatorToResponder, err = deriveDirectionalKeys(prk, labelInitiatorToResponder)
	if err != nil {
		return initiatorToResponder, responderToInitiator, err
	}
	responderToInitiator, err = deriveDirectionalKeys(prk, labelResponderToInitiator)
	if err != nil {
		return initiatorToResponder, responderToInitiator, err
	}
	return initiatorToResponder, responderToInitiator, nil
}

// DefaultPSKSalt and DefaultPSKIterations are the defaults for
// pre-shared-key derivation.
const (
	DefaultPSKSalt       = "freelan"
	DefaultPSKIterations = 2000
)

// DerivePSK derives a 32-byte pre-shared key from a passphrase via
// PBKDF2-HMAC-SHA256.
func DerivePSK(passphrase string, salt string, iterations int) ([]byte, error) {
	if salt == "" {
		salt = DefaultPSKSalt
	}
	if iterations <= 0 {
		iterations = DefaultPSKIterations
	}
	return pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, 32, sha256.New), nil
}

// signPayload signs payload with the identity's signature key, hashing
// with SHA-384 regardless of the underlying key algorithm (RSA or ECDSA),
// matching the SHA384 hash named in both default cipher suites.
func signPayload(signer crypto.Signer, payload []byte) ([]byte, error) {
	digest := sha512.Sum384(payload)
	return signer.Sign(rand.Reader, digest[:], crypto.SHA384)
}

// verifySignature checks payload's signature against cert's public key.
func verifySignature(cert *x509.Certificate, payload, signature []byte) error {
	digest := sha512.Sum384(payload)
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA384, digest[:], signature); err != nil {
			return ErrAuthFailed
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return ErrAuthFailed
		}
		return nil
	default:
		return fmt.Errorf("fscp: unsupported certificate public key type %T", pub)
	}
}

// sequenceIV XORs the big-endian sequence number into the last 4 bytes of
// the 16-byte base IV.
func sequenceIV(base [16]byte, seq uint32) [16]byte {
	iv := base
	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], seq)
	for i := 0; i < 4; i++ {
		iv[12+i] ^= tail[i]
	}
	return iv
}

// newAEAD builds the AEAD cipher for a cipher suite and its derived keys,
// used both to seal outbound envelopes and open inbound ones. The GCM
// suites only need enc_key; the CBC+HMAC suites use sig_key as the
// encrypt-then-MAC integrity key, which is why the session secret split
// carries a separate sig_key at all.
func newAEAD(suite CipherSuiteID, keys DerivedKeys) (cipher.AEAD, error) {
	block, err := aes.NewCipher(keys.EncKey[:])
	if err != nil {
		return nil, err
	}
	if suite.IsGCM() {
		// NonceSize must cover the full 16-byte IV: sequenceIV only XORs the
		// sequence number into the last 4 bytes, so a 12-byte GCM nonce
		// (cipher.NewGCM's default) would silently drop the XORed tail and
		// reuse the same nonce across every sequence number under one
		// session's key.
		return cipher.NewGCMWithNonceSize(block, 16)
	}
	return newCBCHMAC(block, keys.SigKey[:]), nil
}

// cbcHmacAEAD implements cipher.AEAD as an encrypt-then-MAC combination
// of AES-CBC with PKCS#7 padding and HMAC-SHA384. The nonce doubles as
// the CBC IV; additional data is folded into the MAC.
type cbcHmacAEAD struct {
	block  cipher.Block
	macKey []byte
}

func newCBCHMAC(block cipher.Block, key []byte) cipher.AEAD {
	return &cbcHmacAEAD{block: block, macKey: key}
}

func (c *cbcHmacAEAD) NonceSize() int { return c.block.BlockSize() }
func (c *cbcHmacAEAD) Overhead() int {
	return 48 /* HMAC-SHA384 */ + c.block.BlockSize() /* worst-case padding */
}

func (c *cbcHmacAEAD) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	if len(nonce) != c.NonceSize() {
		panic("fscp: bad CBC-HMAC nonce size")
	}
	padded := pkcs7Pad(plaintext, c.block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, nonce).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha512.New384, c.macKey)
	mac.Write(additionalData)
	mac.Write(nonce)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	out := append(dst, ciphertext...)
	out = append(out, tag...)
	return out
}

func (c *cbcHmacAEAD) Open(dst, nonce, sealed, additionalData []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, fmt.Errorf("fscp: bad CBC-HMAC nonce size")
	}
	const tagSize = 48
	if len(sealed) < tagSize {
		return nil, ErrAuthFailed
	}
	ciphertext := sealed[:len(sealed)-tagSize]
	gotTag := sealed[len(sealed)-tagSize:]

	mac := hmac.New(sha512.New384, c.macKey)
	mac.Write(additionalData)
	mac.Write(nonce)
	mac.Write(ciphertext)
	wantTag := mac.Sum(nil)
	if subtle.ConstantTimeCompare(gotTag, wantTag) != 1 {
		return nil, ErrAuthFailed
	}
	if len(ciphertext)%c.block.BlockSize() != 0 || len(ciphertext) == 0 {
		return nil, ErrAuthFailed
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, nonce).CryptBlocks(padded, ciphertext)
	plaintext, err := pkcs7Unpad(padded, c.block.BlockSize())
	if err != nil {
		return nil, ErrAuthFailed
	}
	return append(dst, plaintext...), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("fscp: bad padding")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("fscp: bad padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("fscp: bad padding")
		}
	}
	return data[:len(data)-padLen], nil
}
