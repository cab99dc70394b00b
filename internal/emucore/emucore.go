// Package emucore defines the narrow interface Netplay needs from the
// emulator it drives (spec.md §6.1, §9 "Deep coupling with emulator").
// Netplay never reaches into emulator internals directly; it holds a
// reference to a Core and calls only the methods declared below.
package emucore

import "io"

// KeyReleasedBit is the low 12 bits of the key mask; a 1 bit means the
// corresponding DS key is released, matching the hardware's active-low
// convention (spec.md §6.1).
const KeyReleasedBit = 0x0FFF

// Core is the emulator-side collaborator Netplay drives. Implementations
// must make SaveState/LoadState round-trip bit-identical: restoring a
// savestate and running the same input sequence again must reproduce the
// same subsequent savestates (spec.md §8.1 "Determinism").
type Core interface {
	// SetKeyMask applies the low 12 bits of mask as DS button state.
	SetKeyMask(mask uint32)

	// TouchScreen presses the touchscreen at (x, y).
	TouchScreen(x, y uint16)

	// ReleaseScreen lifts the touchscreen.
	ReleaseScreen()

	// NumFrames returns the emulator's monotonically increasing frame
	// counter.
	NumFrames() uint32

	// RunFrame advances the emulator by exactly one frame.
	RunFrame()

	// SaveState serialises the complete emulator state to w.
	SaveState(w io.Writer) error

	// LoadState replaces the complete emulator state from r, including
	// NumFrames.
	LoadState(r io.Reader) error

	// PC returns the current program counter of the given CPU, for
	// logging only (spec.md §6.1).
	PC(cpu uint8) uint32
}
