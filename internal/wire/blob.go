package wire

import (
	"encoding/binary"
	"fmt"
)

// BlobMsgKind is the leading byte of every blob-transfer message
// (spec.md §4.5.3).
type BlobMsgKind uint8

const (
	BlobStart BlobMsgKind = 0x01
	BlobChunk BlobMsgKind = 0x02
	BlobEnd   BlobMsgKind = 0x03
	BlobApply BlobMsgKind = 0x04
)

// BlobType enumerates what a blob transfer carries.
type BlobType uint8

const (
	BlobCartROM BlobType = iota
	BlobCartSRAM
	BlobInitState
)

// BlobChunkSize is the chunk size used by Chunk messages.
const BlobChunkSize = 64 * 1024

// BlobStartMsg opens a blob transfer, declaring its total length and the
// CRC32 of the whole buffer up front so the receiver can verify
// incrementally or at the end.
type BlobStartMsg struct {
	Type   BlobType
	Length uint32
	CRC32  uint32
}

func (m BlobStartMsg) Encode() []byte {
	buf := make([]byte, 0, 11)
	buf = append(buf, uint8(BlobStart), uint8(m.Type), 0, 0)
	var tail [8]byte
	binary.LittleEndian.PutUint32(tail[0:4], m.Length)
	binary.LittleEndian.PutUint32(tail[4:8], m.CRC32)
	return append(buf, tail[:]...)
}

func DecodeBlobStartMsg(src []byte) (BlobStartMsg, error) {
	if len(src) < 12 || BlobMsgKind(src[0]) != BlobStart {
		return BlobStartMsg{}, fmt.Errorf("wire: malformed blob Start message")
	}
	return BlobStartMsg{
		Type:   BlobType(src[1]),
		Length: binary.LittleEndian.Uint32(src[4:8]),
		CRC32:  binary.LittleEndian.Uint32(src[8:12]),
	}, nil
}

// BlobChunkMsg carries up to BlobChunkSize bytes of the transfer starting
// at Offset, plus the running CRC32 over every byte received so far
// (including this chunk).
type BlobChunkMsg struct {
	Type        BlobType
	Offset      uint32
	CRC32SoFar  uint32
	Data        []byte
}

func (m BlobChunkMsg) Encode() []byte {
	buf := make([]byte, 0, 11+len(m.Data))
	buf = append(buf, uint8(BlobChunk), uint8(m.Type), 0, 0)
	var tail [8]byte
	binary.LittleEndian.PutUint32(tail[0:4], m.Offset)
	binary.LittleEndian.PutUint32(tail[4:8], m.CRC32SoFar)
	buf = append(buf, tail[:]...)
	return append(buf, m.Data...)
}

func DecodeBlobChunkMsg(src []byte) (BlobChunkMsg, error) {
	if len(src) < 12 || BlobMsgKind(src[0]) != BlobChunk {
		return BlobChunkMsg{}, fmt.Errorf("wire: malformed blob Chunk message")
	}
	data := make([]byte, len(src)-12)
	copy(data, src[12:])
	return BlobChunkMsg{
		Type:       BlobType(src[1]),
		Offset:     binary.LittleEndian.Uint32(src[4:8]),
		CRC32SoFar: binary.LittleEndian.Uint32(src[8:12]),
		Data:       data,
	}, nil
}

// BlobEndMsg closes a transfer with the sender's final CRC32 over the
// whole buffer; a mismatch on the receiving end is fatal to session
// startup (spec.md §4.5.4).
type BlobEndMsg struct {
	Type   BlobType
	Length uint32
	CRC32  uint32
}

func (m BlobEndMsg) Encode() []byte {
	buf := make([]byte, 0, 11)
	buf = append(buf, uint8(BlobEnd), uint8(m.Type), 0, 0)
	var tail [8]byte
	binary.LittleEndian.PutUint32(tail[0:4], m.Length)
	binary.LittleEndian.PutUint32(tail[4:8], m.CRC32)
	return append(buf, tail[:]...)
}

func DecodeBlobEndMsg(src []byte) (BlobEndMsg, error) {
	if len(src) < 12 || BlobMsgKind(src[0]) != BlobEnd {
		return BlobEndMsg{}, fmt.Errorf("wire: malformed blob End message")
	}
	return BlobEndMsg{
		Type:   BlobType(src[1]),
		Length: binary.LittleEndian.Uint32(src[4:8]),
		CRC32:  binary.LittleEndian.Uint32(src[8:12]),
	}, nil
}

// BlobApplyMsg tells the receiver to swap in the assembled buffer as its
// emulator state; the receiver echoes the same byte back as an ACK.
type BlobApplyMsg struct {
	ConsoleType uint8
}

func (m BlobApplyMsg) Encode() []byte {
	return []byte{uint8(BlobApply), m.ConsoleType}
}

func DecodeBlobApplyMsg(src []byte) (BlobApplyMsg, error) {
	if len(src) < 2 || BlobMsgKind(src[0]) != BlobApply {
		return BlobApplyMsg{}, fmt.Errorf("wire: malformed blob Apply message")
	}
	return BlobApplyMsg{ConsoleType: src[1]}, nil
}

// PeekBlobKind reads the leading kind byte of a blob message.
func PeekBlobKind(src []byte) (BlobMsgKind, error) {
	if len(src) < 1 {
		return 0, fmt.Errorf("wire: empty blob message")
	}
	return BlobMsgKind(src[0]), nil
}
