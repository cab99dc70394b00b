// Package netplay implements the lock-step input-delay engine described in
// spec.md §4.5: per-frame input recording, speculative execution while a
// remote player's input is still in flight, and rollback-and-replay once
// the missing input arrives. It drives an emucore.Core through a
// transport-agnostic Send/Recv surface so the same engine runs unmodified
// over LocalMP or LAN (spec.md §4.4.4: "the same send_packet/...").
package netplay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/melonDS-emu/melonDS-sub010/internal/bitset"
	"github.com/melonDS-emu/melonDS-sub010/internal/emucore"
	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// Transport is the send/recv surface Netplay needs, satisfied by both
// localmp.Instance and *lan.Session.
type Transport interface {
	Send(kind wire.FrameKind, aid uint16, body []byte, timestamp uint64) error
	RecvPacket(ctx context.Context, block bool) (body []byte, timestamp uint64, sender int, ok bool)
	ConnectedMask() bitset.Set
	MyInstance() int
}

// Settings mirrors wire.UpdateSettings, the host-configured session
// parameters (spec.md §3.4).
type Settings struct {
	Delay     uint8
	ChunkSize uint32
}

// Input is one frame's worth of locally produced input, independent of
// any wire encoding.
type Input struct {
	KeyMask  uint32
	Touching bool
	TouchX   uint16
	TouchY   uint16
}

func (in Input) toFrame(frame uint32) wire.InputFrame {
	return wire.InputFrame{
		Frame:    frame,
		KeyMask:  in.KeyMask,
		Touching: in.Touching,
		TouchX:   in.TouchX,
		TouchY:   in.TouchY,
	}
}

// neutralInput is released keys, no touch — the fallback spec.md §4.5.1
// step 2 and §4.5.2 step 3 both specify for an unresolvable frame.
var neutralInput = Input{KeyMask: emucore.KeyReleasedBit}

type pendingState struct {
	frame uint32
	state []byte
}

// Engine owns one local instance's view of the lock-step session: its
// recorded input history for every player, the clock used to timestamp
// outgoing reports, and the single rollback snapshot spec.md §4.5.2
// allows ("a single active pending state is enough").
type Engine struct {
	log       *zap.SugaredLogger
	core      emucore.Core
	transport Transport
	clock     func() uint64

	myID       uint8
	numPlayers uint8
	settings   Settings

	// mu guards history, peerLastComplete and pending — spec.md §5's "one
	// mutex for input-history maps (shared between the emulator thread
	// writing local inputs and the network thread writing remote inputs)".
	mu               sync.Mutex
	history          [wire.MaxPlayers]map[uint32]wire.InputFrame
	peerLastComplete [wire.MaxPlayers]uint32
	peerHeard        [wire.MaxPlayers]bool
	pending          *pendingState
	seq              uint32
}

// New constructs an Engine for myID in a session of numPlayers, driving
// core over transport. clock supplies the monotonic millisecond value
// stamped on outgoing InputReports; production callers pass a real clock,
// tests pass a deterministic counter.
func New(core emucore.Core, transport Transport, myID, numPlayers uint8, settings Settings, clock func() uint64, log *zap.SugaredLogger) *Engine {
	e := &Engine{
		log:        log.Named("netplay"),
		core:       core,
		transport:  transport,
		clock:      clock,
		myID:       myID,
		numPlayers: numPlayers,
		settings:   settings,
	}
	for i := range e.history {
		e.history[i] = make(map[uint32]wire.InputFrame)
	}
	return e
}

// recordLocked writes input_history[player][frame] iff no entry already
// exists there — spec.md §5's idempotent-merge invariant: "an input for a
// given (player, frame) tuple is immutable once written".
func (e *Engine) recordLocked(player uint8, f wire.InputFrame) bool {
	if _, exists := e.history[player][f.Frame]; exists {
		return false
	}
	e.history[player][f.Frame] = f
	return true
}

// ProcessInput implements spec.md §4.5.1 step 1: record the local input
// both immediately and at its delayed frame, broadcast an InputReport,
// trim history of frames every live peer has already completed, and take
// a rollback snapshot if any live remote player has no input for this frame
// yet.
func (e *Engine) ProcessInput(ctx context.Context, input Input) error {
	current := e.core.NumFrames()
	d := uint32(e.settings.Delay)

	e.mu.Lock()
	e.recordLocked(e.myID, input.toFrame(current))
	e.recordLocked(e.myID, input.toFrame(current+d))

	e.seq++
	report := wire.InputReport{
		Seq:               e.seq,
		FrameIndex:        current,
		LastCompleteFrame: e.ownLastCompleteLocked(current),
		Frames:            e.sortedLocalFramesLocked(),
	}

	if trimBound, ok := e.trimBoundLocked(); ok {
		for f := range e.history[e.myID] {
			if f <= trimBound {
				delete(e.history[e.myID], f)
			}
		}
	}

	missingRemote := current > d && e.pending == nil && !e.remoteInputsCompleteLocked(current)
	e.mu.Unlock()

	if err := e.transport.Send(wire.FrameData, uint16(e.myID), report.Encode(nil), e.clock()); err != nil {
		return fmt.Errorf("netplay: broadcast input report: %w", err)
	}

	if missingRemote {
		if err := e.snapshotPending(current); err != nil {
			return fmt.Errorf("netplay: snapshot for pending frame %d: %w", current, err)
		}
	}
	return nil
}

// ownLastCompleteLocked is this instance's own progress marker, shared
// with peers so they know when it is safe to trim their own history
// (spec.md §4.5.1 step 1: "last_complete_frame := min over live peers").
func (e *Engine) ownLastCompleteLocked(current uint32) uint32 {
	if current == 0 {
		return 0
	}
	return current - 1
}

func (e *Engine) sortedLocalFramesLocked() []wire.InputFrame {
	out := make([]wire.InputFrame, 0, len(e.history[e.myID]))
	for _, f := range e.history[e.myID] {
		out = append(out, f)
	}
	sortFrames(out)
	return out
}

func sortFrames(frames []wire.InputFrame) {
	for i := 1; i < len(frames); i++ {
		for j := i; j > 0 && frames[j-1].Frame > frames[j].Frame; j-- {
			frames[j-1], frames[j] = frames[j], frames[j-1]
		}
	}
}

// trimBoundLocked computes min_{p in live peers} p.last_complete_frame
// (spec.md §4.5.1 step 1). ok is false when no live peer has sent a
// report yet — trimming before any peer has confirmed progress would
// discard frame 0 the instant it is recorded.
func (e *Engine) trimBoundLocked() (bound uint32, ok bool) {
	live := e.transport.ConnectedMask().Without(uint(e.myID))
	bound = uint32(1<<32 - 1)
	live.Traverse(func(p int) {
		if p >= wire.MaxPlayers || !e.peerHeard[p] {
			return
		}
		ok = true
		if e.peerLastComplete[p] < bound {
			bound = e.peerLastComplete[p]
		}
	})
	return bound, ok
}

// remoteInputsCompleteLocked reports whether every live remote player has
// a recorded input for frame f.
func (e *Engine) remoteInputsCompleteLocked(f uint32) bool {
	complete := true
	e.transport.ConnectedMask().Without(uint(e.myID)).Traverse(func(p int) {
		if p >= wire.MaxPlayers {
			return
		}
		if _, ok := e.history[p][f]; !ok {
			complete = false
		}
	})
	return complete
}

// ApplyInput implements spec.md §4.5.1 step 2: look up remotePlayer's
// recorded input for the current frame, falling back to this instance's
// own recording for the same frame, and finally to neutral input.
func (e *Engine) ApplyInput(remotePlayer uint8, frame uint32) {
	e.mu.Lock()
	in, ok := e.inputForLocked(remotePlayer, frame)
	e.mu.Unlock()
	if !ok {
		in = neutralInput
	}
	e.drive(in)
}

func (e *Engine) inputForLocked(player uint8, frame uint32) (Input, bool) {
	if f, ok := e.history[player][frame]; ok {
		return Input{KeyMask: f.KeyMask, Touching: f.Touching, TouchX: f.TouchX, TouchY: f.TouchY}, true
	}
	if player != e.myID {
		if f, ok := e.history[e.myID][frame]; ok {
			return Input{KeyMask: f.KeyMask, Touching: f.Touching, TouchX: f.TouchX, TouchY: f.TouchY}, true
		}
	}
	return Input{}, false
}

func (e *Engine) drive(in Input) {
	e.core.SetKeyMask(in.KeyMask)
	if in.Touching {
		e.core.TouchScreen(in.TouchX, in.TouchY)
	} else {
		e.core.ReleaseScreen()
	}
}

// Process drains one inbound network event (spec.md §6.5's `process`,
// §4.5.1/§4.5.2). It must be called at least once per emulated frame.
// Non-data frames (cmd-channel events) are the caller's concern — this
// method only recognises FrameData InputReport traffic.
func (e *Engine) Process(ctx context.Context, block bool) error {
	body, _, sender, ok := e.transport.RecvPacket(ctx, block)
	if !ok {
		return nil
	}
	if sender < 0 || sender >= wire.MaxPlayers || uint8(sender) == e.myID {
		return nil
	}

	report, err := wire.DecodeInputReport(body)
	if err != nil {
		e.log.Debugw("dropping malformed input report", "sender", sender, "error", err)
		return nil
	}

	return e.ingestReport(ctx, uint8(sender), report)
}

func (e *Engine) ingestReport(ctx context.Context, sender uint8, report wire.InputReport) error {
	e.mu.Lock()
	changed := false
	for _, f := range report.Frames {
		if e.recordLocked(sender, f) {
			changed = true
		}
	}
	e.peerLastComplete[sender] = report.LastCompleteFrame
	e.peerHeard[sender] = true

	var pending *pendingState
	if changed && e.pending != nil {
		if _, ok := e.history[sender][e.pending.frame]; ok {
			pending = e.pending
		}
	}
	e.mu.Unlock()

	if pending == nil {
		return nil
	}
	return e.rollback(ctx, pending)
}

// snapshotPending saves the current emulator state as the rollback
// baseline for frame f (spec.md §4.5.1 step 1, §4.5.2 step 3).
func (e *Engine) snapshotPending(f uint32) error {
	var buf bytes.Buffer
	if err := e.core.SaveState(&buf); err != nil {
		return err
	}
	e.mu.Lock()
	e.pending = &pendingState{frame: f, state: buf.Bytes()}
	e.mu.Unlock()
	return nil
}

// errRollbackCanceled is returned if ctx is canceled mid-replay; the
// caller decides whether to abort the session.
var errRollbackCanceled = errors.New("netplay: rollback canceled")

// rollback implements spec.md §4.5.2: restore from the pending snapshot
// and replay forward to the frame the emulator had already reached,
// re-snapshotting at any newly discovered gap.
func (e *Engine) rollback(ctx context.Context, pending *pendingState) error {
	now := e.core.NumFrames()

	if err := e.core.LoadState(bytes.NewReader(pending.state)); err != nil {
		return fmt.Errorf("netplay: restore rollback snapshot: %w", err)
	}

	cur := pending
	for f := pending.frame; f < now; f++ {
		select {
		case <-ctx.Done():
			return errRollbackCanceled
		default:
		}

		e.mu.Lock()
		complete := e.remoteInputsCompleteLocked(f)
		e.mu.Unlock()

		if !complete {
			if err := e.snapshotAt(f, &cur); err != nil {
				return err
			}
			e.drive(neutralInput)
		} else {
			for p := uint8(0); p < e.numPlayers; p++ {
				e.ApplyInput(p, f)
			}
		}
		e.core.RunFrame()
	}

	e.mu.Lock()
	if cur == pending {
		e.pending = nil
	} else {
		e.pending = cur
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) snapshotAt(f uint32, cur **pendingState) error {
	var buf bytes.Buffer
	if err := e.core.SaveState(&buf); err != nil {
		return err
	}
	*cur = &pendingState{frame: f, state: buf.Bytes()}
	return nil
}

// PendingFrame reports the frame number of the active rollback snapshot,
// if any, for diagnostics and tests.
func (e *Engine) PendingFrame() (frame uint32, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return 0, false
	}
	return e.pending.frame, true
}

// InputAt returns the recorded input for (player, frame), for tests that
// want to assert on history contents directly.
func (e *Engine) InputAt(player uint8, frame uint32) (wire.InputFrame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.history[player][frame]
	return f, ok
}
