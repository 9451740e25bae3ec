package frame

import "encoding/binary"

// Multi-block init-reply status codes.
const (
	StatusOK   byte = 0
	StatusFail byte = 1
)

// MultiInit is the MULTIBLOCK_DATA/INIT body announcing a transfer.
type MultiInit struct {
	MultiblockID   uint64
	TotalSize      uint64
	AnswerExpected bool
}

func (b MultiInit) Encode() []byte {
	buf := make([]byte, 8+8+1)
	binary.LittleEndian.PutUint64(buf[0:8], b.MultiblockID)
	binary.LittleEndian.PutUint64(buf[8:16], b.TotalSize)
	buf[16] = boolByte(b.AnswerExpected)
	return buf
}

func DecodeMultiInit(body []byte) (MultiInit, error) {
	if err := requireLen(body, 17); err != nil {
		return MultiInit{}, err
	}
	return MultiInit{
		MultiblockID:   binary.LittleEndian.Uint64(body[0:8]),
		TotalSize:      binary.LittleEndian.Uint64(body[8:16]),
		AnswerExpected: body[16] != 0,
	}, nil
}

// MultiInitReply is the MULTIBLOCK_DATA/INIT_REPLY body.
type MultiInitReply struct {
	MultiblockID uint64
	Status       byte
}

func (b MultiInitReply) Encode() []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[0:8], b.MultiblockID)
	buf[8] = b.Status
	return buf
}

func DecodeMultiInitReply(body []byte) (MultiInitReply, error) {
	if err := requireLen(body, 9); err != nil {
		return MultiInitReply{}, err
	}
	return MultiInitReply{
		MultiblockID: binary.LittleEndian.Uint64(body[0:8]),
		Status:       body[8],
	}, nil
}

// MultiStatic is one MULTIBLOCK_DATA/STATIC part.
type MultiStatic struct {
	MultiblockID    uint64
	TotalPartNumber uint32
	PartID          uint32
	Payload         []byte
}

func (b MultiStatic) Encode() []byte {
	buf := make([]byte, 8+4+4+4+len(b.Payload))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], b.MultiblockID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], b.TotalPartNumber)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], b.PartID)
	off += 4
	off = putLenPrefixed(buf, off, b.Payload)
	return buf[:off]
}

func DecodeMultiStatic(body []byte) (MultiStatic, error) {
	if err := requireLen(body, 16); err != nil {
		return MultiStatic{}, err
	}
	var b MultiStatic
	b.MultiblockID = binary.LittleEndian.Uint64(body[0:8])
	b.TotalPartNumber = binary.LittleEndian.Uint32(body[8:12])
	b.PartID = binary.LittleEndian.Uint32(body[12:16])
	payload, _, err := readLenPrefixed(body, 16)
	if err != nil {
		return MultiStatic{}, err
	}
	b.Payload = payload
	return b, nil
}

// MultiFinish is the MULTIBLOCK_DATA/FINISH body. BlockerID is 0 when
// the header's BlockerCorrelated flag is unset.
type MultiFinish struct {
	MultiblockID uint64
	BlockerID    uint64
}

func (b MultiFinish) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], b.MultiblockID)
	binary.LittleEndian.PutUint64(buf[8:16], b.BlockerID)
	return buf
}

func DecodeMultiFinish(body []byte) (MultiFinish, error) {
	if err := requireLen(body, 16); err != nil {
		return MultiFinish{}, err
	}
	return MultiFinish{
		MultiblockID: binary.LittleEndian.Uint64(body[0:8]),
		BlockerID:    binary.LittleEndian.Uint64(body[8:16]),
	}, nil
}

// MultiAbortInit is the MULTIBLOCK_DATA/ABORT_INIT body.
type MultiAbortInit struct {
	MultiblockID uint64
}

func (b MultiAbortInit) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, b.MultiblockID)
	return buf
}

func DecodeMultiAbortInit(body []byte) (MultiAbortInit, error) {
	if err := requireLen(body, 8); err != nil {
		return MultiAbortInit{}, err
	}
	return MultiAbortInit{MultiblockID: binary.LittleEndian.Uint64(body[0:8])}, nil
}

// MultiAbortReply is the MULTIBLOCK_DATA/ABORT_REPLY body.
type MultiAbortReply struct {
	MultiblockID uint64
}

func (b MultiAbortReply) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, b.MultiblockID)
	return buf
}

func DecodeMultiAbortReply(body []byte) (MultiAbortReply, error) {
	if err := requireLen(body, 8); err != nil {
		return MultiAbortReply{}, err
	}
	return MultiAbortReply{MultiblockID: binary.LittleEndian.Uint64(body[0:8])}, nil
}
