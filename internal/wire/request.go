package wire

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// RequestVersion is the only portal request version this build understands.
// Any other version byte invalidates the whole payload; there is no partial
// handling of future versions.
const RequestVersion byte = 1

// MaxSignatureLen bounds the signature field. HMAC-SHA256 needs 32 bytes;
// the cap leaves room for larger MACs without letting a bad length prefix
// allocate arbitrary memory.
const MaxSignatureLen = 128

// PortalRequest is a backend-initiated, signed request asking the proxy to
// route a player through a portal handoff. Instances are treated as
// immutable once decoded.
type PortalRequest struct {
	PlayerID     uuid.UUID
	TargetServer string
	SourcePortal string // may be empty
	IssuedAt     int64  // unix milliseconds
	Nonce        string
	Signature    []byte
}

// AppendUnsigned appends the canonical unsigned encoding of req to dst: the
// full wire format minus the trailing signature. Signer and verifier both
// derive the signed bytes from this, so it must stay deterministic and
// stable across versions.
func AppendUnsigned(dst []byte, req *PortalRequest) []byte {
	dst = append(dst, RequestVersion)
	dst = appendUint64(dst, uint64(req.IssuedAt))
	dst = appendUint64(dst, msb(req.PlayerID))
	dst = appendUint64(dst, lsb(req.PlayerID))
	dst = appendString(dst, req.TargetServer)
	dst = appendString(dst, req.SourcePortal)
	dst = appendString(dst, req.Nonce)
	return dst
}

// EncodeRequest serializes req, signature included.
func EncodeRequest(req *PortalRequest) []byte {
	out := AppendUnsigned(nil, req)
	out = appendVarInt(out, len(req.Signature))
	return append(out, req.Signature...)
}

// DecodeRequest parses a portal request payload. A wrong version byte, a
// length prefix outside its cap, or a blank target/nonce all reject the
// payload with an error; no partially-decoded request is ever returned.
func DecodeRequest(payload []byte) (*PortalRequest, error) {
	if len(payload) == 0 {
		return nil, ErrShortPayload
	}

	r := &reader{buf: payload}
	version, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if version != RequestVersion {
		return nil, ErrBadVersion
	}

	issuedAt, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	hi, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	lo, err := r.readUint64()
	if err != nil {
		return nil, err
	}

	target, err := r.readString()
	if err != nil {
		return nil, err
	}
	sourcePortal, err := r.readString()
	if err != nil {
		return nil, err
	}
	nonce, err := r.readString()
	if err != nil {
		return nil, err
	}

	sigLen, err := r.readVarInt()
	if err != nil {
		return nil, err
	}
	if sigLen < 0 || sigLen > MaxSignatureLen {
		return nil, ErrLengthOutOfRange
	}
	sig, err := r.readBytes(sigLen)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(target) == "" || strings.TrimSpace(nonce) == "" {
		return nil, ErrBlankField
	}

	signature := make([]byte, sigLen)
	copy(signature, sig)

	return &PortalRequest{
		PlayerID:     uuidFromHalves(hi, lo),
		TargetServer: target,
		SourcePortal: sourcePortal,
		IssuedAt:     int64(issuedAt),
		Nonce:        nonce,
		Signature:    signature,
	}, nil
}

// NewNonce returns a fresh caller-generated nonce: 18 random bytes,
// base64url without padding.
func NewNonce() string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails if the OS entropy source is broken.
		panic("wire: reading random bytes: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
