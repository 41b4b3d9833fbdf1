package fscp

import (
	"encoding/binary"
	"fmt"
)

// ProtocolVersion is the only wire version this implementation speaks.
const ProtocolVersion = 3

// HeaderLength is the fixed size, in bytes, of every FSCP datagram header.
const HeaderLength = 4

// MessageType identifies the kind of payload that follows the header.
type MessageType byte

// Message type codes, per the wire protocol.
const (
	MessageHelloRequest   MessageType = 0x00
	MessageHelloResponse  MessageType = 0x01
	MessagePresentation   MessageType = 0x02
	MessageSessionRequest MessageType = 0x03
	MessageSession        MessageType = 0x04
	MessageData           MessageType = 0x05
	MessageContactRequest MessageType = 0x06
	MessageContact        MessageType = 0x07
	MessageKeepAlive      MessageType = 0x08
)

func (t MessageType) String() string {
	switch t {
	case MessageHelloRequest:
		return "HELLO_REQUEST"
	case MessageHelloResponse:
		return "HELLO_RESPONSE"
	case MessagePresentation:
		return "PRESENTATION"
	case MessageSessionRequest:
		return "SESSION_REQUEST"
	case MessageSession:
		return "SESSION"
	case MessageData:
		return "DATA"
	case MessageContactRequest:
		return "CONTACT_REQUEST"
	case MessageContact:
		return "CONTACT"
	case MessageKeepAlive:
		return "KEEP_ALIVE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// ChannelNumber tags an authenticated DATA-envelope payload by purpose.
type ChannelNumber byte

// Channel numbers carried inside the authenticated envelope.
const (
	ChannelData           ChannelNumber = 0
	ChannelKeepAlive      ChannelNumber = 1
	ChannelContactRequest ChannelNumber = 2
	ChannelContact        ChannelNumber = 3
)

// MaxPayloadLength is the largest body the 16-bit length field can name.
const MaxPayloadLength = 0xFFFF

// EncodeMessage prepends the fixed header to a payload already encoded by
// one of the per-message-kind encoders below.
func EncodeMessage(t MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLength {
		return nil, ErrBufferTooLarge
	}
	buf := make([]byte, HeaderLength+len(payload))
	buf[0] = ProtocolVersion
	buf[1] = byte(t)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[HeaderLength:], payload)
	return buf, nil
}

// DecodeMessage validates the header and splits a raw datagram into its
// type and body. Any malformed datagram (short header, bad version,
// unknown type, length mismatch) is reported as ErrMalformedMessage so
// the caller can drop it and charge the source against the rate limiter.
func DecodeMessage(buf []byte) (MessageType, []byte, error) {
	if len(buf) < HeaderLength {
		return 0, nil, ErrMalformedMessage
	}
	if buf[0] != ProtocolVersion {
		return 0, nil, ErrMalformedMessage
	}
	t := MessageType(buf[1])
	if t > MessageKeepAlive {
		return 0, nil, ErrMalformedMessage
	}
	length := binary.BigEndian.Uint16(buf[2:4])
	body := buf[HeaderLength:]
	if int(length) != len(body) {
		return 0, nil, ErrMalformedMessage
	}
	return t, body, nil
}

// EncodeHelloBody encodes a HELLO_REQUEST/HELLO_RESPONSE body: a single
// 32-bit correlation nonce.
func EncodeHelloBody(nonce uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, nonce)
	return buf
}

// DecodeHelloBody reads the correlation nonce from a HELLO body.
func DecodeHelloBody(body []byte) (uint32, error) {
	if len(body) != 4 {
		return 0, ErrMalformedMessage
	}
	return binary.BigEndian.Uint32(body), nil
}

// EncodePresentationBody encodes the PRESENTATION body: the signature
// certificate and an optional (possibly empty) encryption certificate,
// each DER-encoded and length-prefixed.
func EncodePresentationBody(sigCertDER, encCertDER []byte) ([]byte, error) {
	if len(sigCertDER) > MaxPayloadLength || len(encCertDER) > MaxPayloadLength {
		return nil, ErrBufferTooLarge
	}
	buf := make([]byte, 2+len(sigCertDER)+2+len(encCertDER))
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(sigCertDER)))
	off += 2
	off += copy(buf[off:], sigCertDER)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(encCertDER)))
	off += 2
	copy(buf[off:], encCertDER)
	return buf, nil
}

// DecodePresentationBody is the inverse of EncodePresentationBody.
// encCertDER is nil when the encryption certificate field was empty.
func DecodePresentationBody(body []byte) (sigCertDER, encCertDER []byte, err error) {
	if len(body) < 2 {
		return nil, nil, ErrMalformedMessage
	}
	sigLen := int(binary.BigEndian.Uint16(body[0:2]))
	off := 2
	if len(body) < off+sigLen+2 {
		return nil, nil, ErrMalformedMessage
	}
	sigCertDER = body[off : off+sigLen]
	off += sigLen
	encLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) != off+encLen {
		return nil, nil, ErrMalformedMessage
	}
	if encLen > 0 {
		encCertDER = body[off : off+encLen]
	}
	return sigCertDER, encCertDER, nil
}

// SessionRequestFields are the signed fields of a SESSION_REQUEST
// message. The requester offers its capability lists along with one
// ephemeral ECDHE public key per offered curve, so the responder can
// pick a curve and immediately complete ECDHE without an extra round
// trip.
type SessionRequestFields struct {
	SessionNumber uint32
	CipherSuites  []CipherSuiteID
	Curves        []CurveID
	// PublicKeys holds one ephemeral ECDHE public key per entry of
	// Curves, in the same order, each length-prefixed on the wire.
	PublicKeys [][]byte
}

// EncodeSessionRequestUnsigned encodes the portion of a SESSION_REQUEST
// body that gets signed: session_number, the offered cipher suites, the
// offered curves, and one ephemeral public key per offered curve.
func EncodeSessionRequestUnsigned(f SessionRequestFields) ([]byte, error) {
	if len(f.CipherSuites) > 0xFF || len(f.Curves) > 0xFF {
		return nil, ErrMalformedMessage
	}
	if len(f.PublicKeys) != len(f.Curves) {
		return nil, ErrMalformedMessage
	}
	size := 4 + 1 + len(f.CipherSuites) + 1
	for _, pk := range f.PublicKeys {
		if len(pk) > MaxPayloadLength {
			return nil, ErrBufferTooLarge
		}
		size += 1 + 2 + len(pk)
	}
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], f.SessionNumber)
	off += 4
	buf[off] = byte(len(f.CipherSuites))
	off++
	for _, cs := range f.CipherSuites {
		buf[off] = byte(cs)
		off++
	}
	buf[off] = byte(len(f.Curves))
	off++
	for i, ec := range f.Curves {
		buf[off] = byte(ec)
		off++
		binary.BigEndian.PutUint16(buf[off:], uint16(len(f.PublicKeys[i])))
		off += 2
		off += copy(buf[off:], f.PublicKeys[i])
	}
	return buf, nil
}

// EncodeSessionRequestBody appends the requester's signature over the
// unsigned fields to build the full message body.
func EncodeSessionRequestBody(f SessionRequestFields, signature []byte) ([]byte, error) {
	unsigned, err := EncodeSessionRequestUnsigned(f)
	if err != nil {
		return nil, err
	}
	return append(unsigned, signature...), nil
}

// DecodeSessionRequestBody splits a SESSION_REQUEST body into its fields,
// the exact unsigned byte range (for signature verification) and the
// trailing signature.
func DecodeSessionRequestBody(body []byte) (f SessionRequestFields, unsigned, signature []byte, err error) {
	if len(body) < 4+1 {
		return f, nil, nil, ErrMalformedMessage
	}
	off := 0
	f.SessionNumber = binary.BigEndian.Uint32(body[off:])
	off += 4
	nCS := int(body[off])
	off++
	if len(body) < off+nCS+1 {
		return f, nil, nil, ErrMalformedMessage
	}
	for i := 0; i < nCS; i++ {
		f.CipherSuites = append(f.CipherSuites, CipherSuiteID(body[off+i]))
	}
	off += nCS
	if len(body) < off+1 {
		return f, nil, nil, ErrMalformedMessage
	}
	nEC := int(body[off])
	off++
	for i := 0; i < nEC; i++ {
		if len(body) < off+1 {
			return f, nil, nil, ErrMalformedMessage
		}
		f.Curves = append(f.Curves, CurveID(body[off]))
		off++
		if len(body) < off+2 {
			return f, nil, nil, ErrMalformedMessage
		}
		pkLen := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		if len(body) < off+pkLen {
			return f, nil, nil, ErrMalformedMessage
		}
		f.PublicKeys = append(f.PublicKeys, body[off:off+pkLen])
		off += pkLen
	}
	unsigned = body[:off]
	signature = body[off:]
	if len(signature) == 0 {
		return f, nil, nil, ErrMalformedMessage
	}
	return f, unsigned, signature, nil
}

// SessionFields are the signed fields of a SESSION reply message.
type SessionFields struct {
	CipherSuite   CipherSuiteID
	Curve         CurveID
	SessionNumber uint32
	PublicKey     []byte
}

// EncodeSessionUnsigned encodes the signed portion of a SESSION body.
func EncodeSessionUnsigned(f SessionFields) ([]byte, error) {
	if len(f.PublicKey) > MaxPayloadLength {
		return nil, ErrBufferTooLarge
	}
	buf := make([]byte, 1+1+4+2+len(f.PublicKey))
	off := 0
	buf[off] = byte(f.CipherSuite)
	off++
	buf[off] = byte(f.Curve)
	off++
	binary.BigEndian.PutUint32(buf[off:], f.SessionNumber)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(f.PublicKey)))
	off += 2
	copy(buf[off:], f.PublicKey)
	return buf, nil
}

// EncodeSessionBody appends the responder's signature to build the full
// SESSION message body.
func EncodeSessionBody(f SessionFields, signature []byte) ([]byte, error) {
	unsigned, err := EncodeSessionUnsigned(f)
	if err != nil {
		return nil, err
	}
	return append(unsigned, signature...), nil
}

// DecodeSessionBody splits a SESSION body into fields, the unsigned byte
// range and the trailing signature.
func DecodeSessionBody(body []byte) (f SessionFields, unsigned, signature []byte, err error) {
	if len(body) < 1+1+4+2 {
		return f, nil, nil, ErrMalformedMessage
	}
	off := 0
	f.CipherSuite = CipherSuiteID(body[off])
	off++
	f.Curve = CurveID(body[off])
	off++
	f.SessionNumber = binary.BigEndian.Uint32(body[off:])
	off += 4
	pkLen := int(binary.BigEndian.Uint16(body[off:]))
	off += 2
	if len(body) < off+pkLen {
		return f, nil, nil, ErrMalformedMessage
	}
	f.PublicKey = body[off : off+pkLen]
	off += pkLen
	unsigned = body[:off]
	signature = body[off:]
	if len(signature) == 0 {
		return f, nil, nil, ErrMalformedMessage
	}
	return f, unsigned, signature, nil
}

// EnvelopeHeaderLength is the size of the cleartext prefix in front of the
// ciphertext in a DATA/KEEP_ALIVE/CONTACT/CONTACT_REQUEST envelope.
const EnvelopeHeaderLength = 4 + 4 + 1

// EncodeEnvelope builds the cleartext prefix (session number, sequence
// number, channel) that precedes the AEAD-sealed payload. The caller
// appends the sealed ciphertext (which already carries its own auth tag,
// per the standard library's cipher.AEAD convention).
func EncodeEnvelope(sessionNumber, sequenceNumber uint32, channel ChannelNumber, sealed []byte) []byte {
	buf := make([]byte, EnvelopeHeaderLength+len(sealed))
	binary.BigEndian.PutUint32(buf[0:4], sessionNumber)
	binary.BigEndian.PutUint32(buf[4:8], sequenceNumber)
	buf[8] = byte(channel)
	copy(buf[EnvelopeHeaderLength:], sealed)
	return buf
}

// DecodeEnvelope splits a raw envelope body into its cleartext header
// fields and the still-sealed ciphertext.
func DecodeEnvelope(body []byte) (sessionNumber, sequenceNumber uint32, channel ChannelNumber, sealed []byte, err error) {
	if len(body) < EnvelopeHeaderLength {
		return 0, 0, 0, nil, ErrMalformedMessage
	}
	sessionNumber = binary.BigEndian.Uint32(body[0:4])
	sequenceNumber = binary.BigEndian.Uint32(body[4:8])
	channel = ChannelNumber(body[8])
	sealed = body[EnvelopeHeaderLength:]
	return sessionNumber, sequenceNumber, channel, sealed, nil
}
