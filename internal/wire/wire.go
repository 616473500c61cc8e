// Package wire implements the two binary formats exchanged with backend
// servers: the login-time portal handoff reply and the signed portal request.
// Both formats are version-tagged and use variable-length integer prefixes
// for strings and byte blobs. Malformed input is reported through the error
// values below rather than panics so that a bad payload is an ordinary
// control-flow branch for callers.
package wire

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrShortPayload indicates the payload ended before a field could be read.
	ErrShortPayload = errors.New("wire: unexpected end of payload")
	// ErrVarIntTooBig indicates a length prefix exceeded the 5 group cap.
	ErrVarIntTooBig = errors.New("wire: varint too big")
	// ErrLengthOutOfRange indicates a negative or over-cap length prefix.
	ErrLengthOutOfRange = errors.New("wire: length out of range")
	// ErrBadVersion indicates an unsupported version byte.
	ErrBadVersion = errors.New("wire: unsupported payload version")
	// ErrBlankField indicates a required string field decoded to empty.
	ErrBlankField = errors.New("wire: required field is blank")
)

// maxVarIntGroups caps length prefixes; anything longer is corrupt.
const maxVarIntGroups = 5

// reader is a bounds-checked cursor over a payload. Every read reports
// ErrShortPayload instead of slicing past the end.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrShortPayload
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUint64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, ErrShortPayload
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrLengthOutOfRange
	}
	if r.pos+n > len(r.buf) {
		return nil, ErrShortPayload
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// readVarInt decodes a 7-bits-per-group integer, low groups first, with the
// high bit of each byte as the continuation flag.
func (r *reader) readVarInt() (int, error) {
	var result uint32
	for group := 0; ; group++ {
		if group == maxVarIntGroups {
			return 0, ErrVarIntTooBig
		}
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7F) << (7 * group)
		if b&0x80 == 0 {
			break
		}
	}
	return int(int32(result)), nil
}

// readString decodes a varint-prefixed UTF-8 string.
func (r *reader) readString() (string, error) {
	length, err := r.readVarInt()
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", ErrLengthOutOfRange
	}
	b, err := r.readBytes(length)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func appendVarInt(dst []byte, v int) []byte {
	u := uint32(v)
	for u&^0x7F != 0 {
		dst = append(dst, byte(u&0x7F|0x80))
		u >>= 7
	}
	return append(dst, byte(u))
}

func appendString(dst []byte, s string) []byte {
	dst = appendVarInt(dst, len(s))
	return append(dst, s...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}
