package emucore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// InputEvent is one frame of recorded input, as applied through
// SetKeyMask/TouchScreen/ReleaseScreen before the frame that consumed it.
type InputEvent struct {
	Frame      uint32
	KeyMask    uint32
	TouchX     uint16
	TouchY     uint16
	TouchDown  bool
}

// Fake is a deterministic, pure-Go stand-in for the actual NDS core. It
// never renders or decodes anything: RunFrame just increments a counter
// and appends whatever input state was latched since the previous frame
// to its history, which is exactly what Netplay's tests need to assert
// that the right input reached the right frame (spec.md §8.1
// "Determinism").
type Fake struct {
	frame   uint32
	keyMask uint32
	touchX  uint16
	touchY  uint16
	touched bool

	History []InputEvent
}

// NewFake returns a Fake at frame 0 with all keys released.
func NewFake() *Fake {
	return &Fake{keyMask: KeyReleasedBit}
}

func (f *Fake) SetKeyMask(mask uint32) { f.keyMask = mask & KeyReleasedBit }

func (f *Fake) TouchScreen(x, y uint16) {
	f.touchX, f.touchY = x, y
	f.touched = true
}

func (f *Fake) ReleaseScreen() {
	f.touchX, f.touchY = 0, 0
	f.touched = false
}

func (f *Fake) NumFrames() uint32 { return f.frame }

func (f *Fake) RunFrame() {
	f.History = append(f.History, InputEvent{
		Frame:     f.frame,
		KeyMask:   f.keyMask,
		TouchX:    f.touchX,
		TouchY:    f.touchY,
		TouchDown: f.touched,
	})
	f.frame++
}

func (f *Fake) PC(cpu uint8) uint32 { return 0x02000000 + f.frame }

// fakeStateMagic tags a Fake savestate so LoadState can reject a buffer
// produced by something else.
const fakeStateMagic = 0x46414b45 // "FAKE"

// SaveState encodes the frame counter, latched input state and full
// history, in that order, so round-tripping reproduces identical
// behaviour on replay (spec.md §4.5.2 "Rollback and replay").
func (f *Fake) SaveState(w io.Writer) error {
	var hdr [21]byte
	binary.LittleEndian.PutUint32(hdr[0:4], fakeStateMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], f.frame)
	binary.LittleEndian.PutUint32(hdr[8:12], f.keyMask)
	binary.LittleEndian.PutUint16(hdr[12:14], f.touchX)
	binary.LittleEndian.PutUint16(hdr[14:16], f.touchY)
	if f.touched {
		hdr[16] = 1
	}
	binary.LittleEndian.PutUint32(hdr[17:21], uint32(len(f.History)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	for _, ev := range f.History {
		var rec [13]byte
		binary.LittleEndian.PutUint32(rec[0:4], ev.Frame)
		binary.LittleEndian.PutUint32(rec[4:8], ev.KeyMask)
		binary.LittleEndian.PutUint16(rec[8:10], ev.TouchX)
		binary.LittleEndian.PutUint16(rec[10:12], ev.TouchY)
		if ev.TouchDown {
			rec[12] = 1
		}
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

// LoadState replaces this Fake's entire state, including history, from a
// buffer previously produced by SaveState.
func (f *Fake) LoadState(r io.Reader) error {
	var hdr [21]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("emucore: read fake savestate header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fakeStateMagic {
		return fmt.Errorf("emucore: savestate is not a Fake savestate")
	}

	frame := binary.LittleEndian.Uint32(hdr[4:8])
	keyMask := binary.LittleEndian.Uint32(hdr[8:12])
	touchX := binary.LittleEndian.Uint16(hdr[12:14])
	touchY := binary.LittleEndian.Uint16(hdr[14:16])
	touched := hdr[16] == 1
	n := binary.LittleEndian.Uint32(hdr[17:21])

	history := make([]InputEvent, 0, n)
	for i := uint32(0); i < n; i++ {
		var rec [13]byte
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return fmt.Errorf("emucore: read fake savestate history entry %d: %w", i, err)
		}
		history = append(history, InputEvent{
			Frame:     binary.LittleEndian.Uint32(rec[0:4]),
			KeyMask:   binary.LittleEndian.Uint32(rec[4:8]),
			TouchX:    binary.LittleEndian.Uint16(rec[8:10]),
			TouchY:    binary.LittleEndian.Uint16(rec[10:12]),
			TouchDown: rec[12] == 1,
		})
	}

	f.frame = frame
	f.keyMask = keyMask
	f.touchX, f.touchY = touchX, touchY
	f.touched = touched
	f.History = history
	return nil
}

// Clone deep-copies a Fake, useful in tests that want to compare a
// post-rollback state against a known-good snapshot without the two
// sharing the same backing History slice.
func (f *Fake) Clone() *Fake {
	var buf bytes.Buffer
	_ = f.SaveState(&buf)
	clone := NewFake()
	_ = clone.LoadState(&buf)
	return clone
}
