package wire

import (
	"encoding/binary"
	"fmt"
)

// InputFrameSize is the encoded size of one InputFrame record.
const InputFrameSize = 4 + 4 + 1 + 2 + 2

// InputReportHeaderSize is the encoded size of InputReport's fixed header,
// excluding the trailing InputFrame records.
const InputReportHeaderSize = 1 + 4 + 4 + 4 + 4

// InputFrame is one frame of recorded local-player input (spec.md §3.4).
type InputFrame struct {
	Frame    uint32
	KeyMask  uint32
	Touching bool
	TouchX   uint16
	TouchY   uint16
}

// InputReport is the packet Netplay broadcasts every local frame
// (spec.md §4.5.1). Its wire encoding intentionally mixes byte orders:
// every header field and each frame's sort key are network (big-endian)
// order, while the rest of each InputFrame is little-endian. This is
// preserved verbatim for cross-peer compatibility (spec.md §6.3, §9).
type InputReport struct {
	StallFrame        uint8
	Seq               uint32
	FrameIndex        uint32
	LastCompleteFrame uint32
	StateHash         uint32
	Frames            []InputFrame
}

// Encode appends the wire form of r to dst and returns the result.
func (r InputReport) Encode(dst []byte) []byte {
	var hdr [InputReportHeaderSize]byte
	hdr[0] = r.StallFrame
	binary.BigEndian.PutUint32(hdr[1:5], r.Seq)
	binary.BigEndian.PutUint32(hdr[5:9], r.FrameIndex)
	binary.BigEndian.PutUint32(hdr[9:13], r.LastCompleteFrame)
	binary.BigEndian.PutUint32(hdr[13:17], r.StateHash)
	dst = append(dst, hdr[:]...)

	var frame [InputFrameSize]byte
	for _, f := range r.Frames {
		binary.BigEndian.PutUint32(frame[0:4], f.Frame)
		binary.LittleEndian.PutUint32(frame[4:8], f.KeyMask)
		if f.Touching {
			frame[8] = 1
		} else {
			frame[8] = 0
		}
		binary.LittleEndian.PutUint16(frame[9:11], f.TouchX)
		binary.LittleEndian.PutUint16(frame[11:13], f.TouchY)
		dst = append(dst, frame[:]...)
	}
	return dst
}

// DecodeInputReport parses the wire form of an InputReport from src.
func DecodeInputReport(src []byte) (InputReport, error) {
	if len(src) < InputReportHeaderSize {
		return InputReport{}, fmt.Errorf("wire: input report too short: %d bytes", len(src))
	}

	r := InputReport{
		StallFrame:        src[0],
		Seq:               binary.BigEndian.Uint32(src[1:5]),
		FrameIndex:        binary.BigEndian.Uint32(src[5:9]),
		LastCompleteFrame: binary.BigEndian.Uint32(src[9:13]),
		StateHash:         binary.BigEndian.Uint32(src[13:17]),
	}

	rest := src[InputReportHeaderSize:]
	if len(rest)%InputFrameSize != 0 {
		return InputReport{}, fmt.Errorf("wire: input report frame table misaligned: %d bytes remain", len(rest))
	}

	count := len(rest) / InputFrameSize
	r.Frames = make([]InputFrame, count)
	for i := 0; i < count; i++ {
		chunk := rest[i*InputFrameSize : (i+1)*InputFrameSize]
		r.Frames[i] = InputFrame{
			Frame:    binary.BigEndian.Uint32(chunk[0:4]),
			KeyMask:  binary.LittleEndian.Uint32(chunk[4:8]),
			Touching: chunk[8] != 0,
			TouchX:   binary.LittleEndian.Uint16(chunk[9:11]),
			TouchY:   binary.LittleEndian.Uint16(chunk[11:13]),
		}
	}
	return r, nil
}
