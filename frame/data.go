package frame

import "encoding/binary"

// SingleBlock is the SINGLEBLOCK_DATA body: a complete standalone
// payload plus an outgoing id and, if the header's BlockerCorrelated
// flag is set, the blocker id the receiver must release.
type SingleBlock struct {
	OutgoingID uint64
	BlockerID  uint64
	Payload    []byte
}

func (b SingleBlock) Encode() []byte {
	buf := make([]byte, 8+8+4+len(b.Payload))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], b.OutgoingID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], b.BlockerID)
	off += 8
	off = putLenPrefixed(buf, off, b.Payload)
	return buf[:off]
}

func DecodeSingleBlock(body []byte) (SingleBlock, error) {
	if err := requireLen(body, 16); err != nil {
		return SingleBlock{}, err
	}
	var b SingleBlock
	b.OutgoingID = binary.LittleEndian.Uint64(body[0:8])
	b.BlockerID = binary.LittleEndian.Uint64(body[8:16])
	payload, _, err := readLenPrefixed(body, 16)
	if err != nil {
		return SingleBlock{}, err
	}
	b.Payload = payload
	return b, nil
}

// Stream is the STREAM_DATA/STATIC or STREAM_DATA/DYNAMIC body: a raw
// chunk, carried with an explicit length prefix so trailing padding
// bytes (added to reach the 8-byte alignment) are never mistaken for
// payload. STREAM_REPLY carries no body.
type Stream struct {
	Payload []byte
}

func (b Stream) Encode() []byte {
	buf := make([]byte, 4+len(b.Payload))
	putLenPrefixed(buf, 0, b.Payload)
	return buf
}

func DecodeStream(body []byte) (Stream, error) {
	payload, _, err := readLenPrefixed(body, 0)
	if err != nil {
		return Stream{}, err
	}
	return Stream{Payload: payload}, nil
}

// ErrorBody is the ERROR body: a short human-readable diagnostic.
type ErrorBody struct {
	Message string
}

func (b ErrorBody) Encode() []byte {
	buf := make([]byte, 4+len(b.Message))
	putLenPrefixed(buf, 0, []byte(b.Message))
	return buf
}

func DecodeErrorBody(body []byte) (ErrorBody, error) {
	payload, _, err := readLenPrefixed(body, 0)
	if err != nil {
		return ErrorBody{}, err
	}
	return ErrorBody{Message: string(payload)}, nil
}
