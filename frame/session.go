package frame

import "encoding/binary"

// Identifier is the opaque 8-byte session identifier a client attaches
// to INIT_START. The core never interprets it beyond carrying it to the
// session-opened callback; helpers below let callers treat it as either
// a numeric value or a short string, matching the data model's
// "string/number supplied at creation (opaque to the core)".
type Identifier [8]byte

// IdentifierFromString packs s (truncated to 8 bytes) into an Identifier.
func IdentifierFromString(s string) Identifier {
	var id Identifier
	copy(id[:], s)
	return id
}

// IdentifierFromUint64 packs n into an Identifier, little-endian.
func IdentifierFromUint64(n uint64) Identifier {
	var id Identifier
	binary.LittleEndian.PutUint64(id[:], n)
	return id
}

// String trims trailing NUL bytes, so string-valued identifiers round-trip.
func (id Identifier) String() string {
	i := len(id)
	for i > 0 && id[i-1] == 0 {
		i--
	}
	return string(id[:i])
}

// InitStart is the SESSION/INIT_START body: the client's tentative
// session id (its 16-bit nonce in the low half) and its opaque
// identifier.
type InitStart struct {
	ClientSessionID  uint32
	SessionIdentifier Identifier
}

func (b InitStart) Encode() []byte {
	buf := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(buf[0:4], b.ClientSessionID)
	copy(buf[4:12], b.SessionIdentifier[:])
	return buf
}

func DecodeInitStart(body []byte) (InitStart, error) {
	if err := requireLen(body, 12); err != nil {
		return InitStart{}, err
	}
	var b InitStart
	b.ClientSessionID = binary.LittleEndian.Uint32(body[0:4])
	copy(b.SessionIdentifier[:], body[4:12])
	return b, nil
}

// InitReply is the SESSION/INIT_REPLY body: the server echoes the
// client's nonce and supplies the complete 32-bit session id
// (client nonce in the low half, server nonce in the high half).
type InitReply struct {
	ClientSessionID   uint32
	CompleteSessionID uint32
}

func (b InitReply) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], b.ClientSessionID)
	binary.LittleEndian.PutUint32(buf[4:8], b.CompleteSessionID)
	return buf
}

func DecodeInitReply(body []byte) (InitReply, error) {
	if err := requireLen(body, 8); err != nil {
		return InitReply{}, err
	}
	return InitReply{
		ClientSessionID:   binary.LittleEndian.Uint32(body[0:4]),
		CompleteSessionID: binary.LittleEndian.Uint32(body[4:8]),
	}, nil
}

// CloseStart is the SESSION/CLOSE_START body.
type CloseStart struct {
	ReplyExpected bool
}

func (b CloseStart) Encode() []byte {
	return []byte{boolByte(b.ReplyExpected)}
}

func DecodeCloseStart(body []byte) (CloseStart, error) {
	if err := requireLen(body, 1); err != nil {
		return CloseStart{}, err
	}
	return CloseStart{ReplyExpected: body[0] != 0}, nil
}
