package wire

import (
	"strings"

	"github.com/google/uuid"
)

// HandoffResponse is the reply sent to a destination server during the login
// handshake when the arriving player is completing a portal transit. The
// destination uses the portal name to place the player at the right arrival
// point.
type HandoffResponse struct {
	PlayerID   uuid.UUID
	PortalName string
}

// EncodeHandoffResponse serializes the handshake reply. A nil response
// encodes as a single false flag byte, meaning "no portal transit pending".
func EncodeHandoffResponse(resp *HandoffResponse) []byte {
	if resp == nil {
		return []byte{0}
	}
	out := make([]byte, 0, 2+len(resp.PortalName)+16)
	out = append(out, 1)
	out = appendString(out, resp.PortalName)
	id := resp.PlayerID
	out = appendUint64(out, msb(id))
	out = appendUint64(out, lsb(id))
	return out
}

// DecodeHandoffResponse parses a handshake reply. A false flag decodes to
// (nil, nil). A present payload with a blank portal name is invalid.
func DecodeHandoffResponse(payload []byte) (*HandoffResponse, error) {
	r := &reader{buf: payload}
	flag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if flag == 0 {
		return nil, nil
	}

	portalName, err := r.readString()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(portalName) == "" {
		return nil, ErrBlankField
	}
	hi, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	lo, err := r.readUint64()
	if err != nil {
		return nil, err
	}

	return &HandoffResponse{
		PlayerID:   uuidFromHalves(hi, lo),
		PortalName: portalName,
	}, nil
}

func msb(id uuid.UUID) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}

func lsb(id uuid.UUID) uint64 {
	var v uint64
	for i := 8; i < 16; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}

func uuidFromHalves(hi, lo uint64) uuid.UUID {
	var id uuid.UUID
	for i := 7; i >= 0; i-- {
		id[i] = byte(hi)
		hi >>= 8
	}
	for i := 15; i >= 8; i-- {
		id[i] = byte(lo)
		lo >>= 8
	}
	return id
}
