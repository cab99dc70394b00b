// Package localmp implements the in-process multiplayer transport shared
// by every emulator instance running in one process, reproducing the DS
// wifi command/reply/ack semantics described in spec.md §4.3.
//
// The source this is ported from shares one ring buffer per queue kind
// across every instance, with each instance keeping its own read cursor
// into that buffer. spec.md §9 sanctions the safer alternative it
// describes: one bounded queue per destination, with fan-out writing one
// copy per recipient. This port takes that alternative and builds it out
// of two dispatch.Dispatcher instances — one for broadcast frames
// (data/cmd/ack), one for host-bound replies — which eliminates the
// shared-cursor invariant entirely instead of merely hiding it behind a
// mutex.
package localmp

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/melonDS-emu/melonDS-sub010/internal/bitset"
	"github.com/melonDS-emu/melonDS-sub010/internal/dispatch"
	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// errFrameTooLarge is returned by Send when the payload exceeds
// wire.MaxFrameSize (spec.md §4.3.2 step 1).
var errFrameTooLarge = errors.New("localmp: frame exceeds max payload size")

// MaxInstances is the number of instances LocalMP can seat at once.
const MaxInstances = dispatch.MaxInstances

// QueueCapacity is the byte capacity of each of LocalMP's two queues
// (spec.md §4.3: "Packet queue (64 KiB)", "Reply queue (64 KiB)").
const QueueCapacity = 64 * 1024

// ReplyWindowTicks bounds how far a reply's timestamp may drift from the
// CMD frame it answers before it is considered stale (spec.md §4.3.1).
const ReplyWindowTicks = 32

// DefaultRecvTimeout is the bound on every blocking wait (spec.md §4.3.1).
const DefaultRecvTimeout = 25 * time.Millisecond

// semaCapacity bounds how many un-waited posts a counting semaphore can
// accumulate. The DS wifi hardware never has more in flight than one
// record per connected instance, so this is generous headroom, not a
// tuned value.
const semaCapacity = 1 << 20

// countingSema adapts golang.org/x/sync/semaphore's weighted semaphore
// into the plain counting semaphore spec.md §4.3 describes: Post
// increments an available count, Wait/TryWait decrements it, blocking
// only when empty.
type countingSema struct {
	w *semaphore.Weighted
}

func newCountingSema() *countingSema {
	w := semaphore.NewWeighted(semaCapacity)
	_ = w.Acquire(context.Background(), semaCapacity)
	return &countingSema{w: w}
}

func (c *countingSema) post() {
	c.w.Release(1)
}

func (c *countingSema) tryWait() bool {
	return c.w.TryAcquire(1)
}

func (c *countingSema) wait(ctx context.Context) bool {
	return c.w.Acquire(ctx, 1) == nil
}

// Transport is one process's LocalMP instance, shared by every registered
// emulator instance. The zero value is not usable; construct with New.
type Transport struct {
	packets *dispatch.Dispatcher
	replies *dispatch.Dispatcher

	// mu is spec.md §4.3.2/§5's "queue_lock": it guards every piece of
	// LocalMP's status record that Send/Recv read or mutate.
	mu             sync.Mutex
	connectedMask  bitset.Set
	mpHostInstance int
	mpReplyBitmask bitset.Set

	dataSem  [MaxInstances]*countingSema
	replySem [MaxInstances]*countingSema

	recvTimeout time.Duration
}

// New constructs an idle Transport with no instances registered, sized at
// the default QueueCapacity.
func New() *Transport {
	return NewWithQueueCapacity(QueueCapacity)
}

// NewWithQueueCapacity constructs an idle Transport whose packet and reply
// queues are sized at capacity bytes each, letting callers size LocalMP off
// a session's configured queue_size the way the teacher's agents size their
// ring buffers off a configured MemoryRequirements.
func NewWithQueueCapacity(capacity int) *Transport {
	t := &Transport{
		packets:     dispatch.NewWithCapacity(capacity),
		replies:     dispatch.NewWithCapacity(capacity),
		recvTimeout: DefaultRecvTimeout,
	}
	for i := range t.dataSem {
		t.dataSem[i] = newCountingSema()
		t.replySem[i] = newCountingSema()
	}
	return t
}

// SetRecvTimeout overrides the default 25ms bound on blocking waits.
func (t *Transport) SetRecvTimeout(d time.Duration) {
	t.recvTimeout = d
}

// Begin seats instance i, registering its inboxes in both queues.
func (t *Transport) Begin(i int) {
	t.mu.Lock()
	t.connectedMask.Insert(uint(i))
	t.mu.Unlock()

	t.packets.Register(i)
	t.replies.Register(i)
}

// End removes instance i from the session.
func (t *Transport) End(i int) {
	t.packets.Unregister(i)
	t.replies.Unregister(i)

	t.mu.Lock()
	t.connectedMask.Remove(uint(i))
	t.mu.Unlock()
}

// ConnectedMask returns the current set of seated instances.
func (t *Transport) ConnectedMask() bitset.Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectedMask
}

// Send implements spec.md §4.3.2's send algorithm for every frame kind.
func (t *Transport) Send(self int, kind wire.FrameKind, aid uint16, body []byte, timestamp uint64) error {
	if len(body) > wire.MaxFrameSize {
		return errFrameTooLarge
	}

	env := wire.Envelope{
		Magic:     wire.EnvelopeMagic,
		Sender:    uint32(self),
		Kind:      kind,
		Aid:       aid,
		Length:    uint32(len(body)),
		Timestamp: timestamp,
	}
	header := env.Encode(nil)

	t.mu.Lock()
	var recipients bitset.Set
	var hostID int
	switch kind {
	case wire.FrameReply:
		t.mpReplyBitmask.Insert(uint(self))
		recipients.Insert(uint(t.mpHostInstance))
		hostID = t.mpHostInstance
	default:
		if kind == wire.FrameCmd {
			t.mpHostInstance = self
			t.mpReplyBitmask = 0
		}
		recipients = t.connectedMask
	}
	t.mu.Unlock()

	if kind == wire.FrameReply {
		t.replies.Send(header, body, self, recipients)
		t.replySem[hostID].post()
		return nil
	}

	t.packets.Send(header, body, self, recipients)
	recipients.Without(uint(self)).Traverse(func(i int) {
		t.dataSem[i].post()
	})
	if kind == wire.FrameCmd {
		// A new command window invalidates any pending reply-collection
		// state: drain self's reply semaphore back to empty and drop any
		// replies still queued for self.
		for t.replySem[self].tryWait() {
		}
		for {
			if _, _, _, ok := t.replies.Recv(self); !ok {
				break
			}
		}
	}
	return nil
}

// RecvPacket implements spec.md §4.3.3's recv_packet_generic. block=false
// performs a single non-blocking poll; block=true waits up to the
// configured recv timeout. ok is false on timeout or corruption.
func (t *Transport) RecvPacket(ctx context.Context, self int, block bool) (body []byte, timestamp uint64, sender int, ok bool) {
	if !t.waitData(ctx, self, block) {
		return nil, 0, 0, false
	}

	header, body, _, ok := t.packets.Recv(self)
	if !ok {
		return nil, 0, 0, false
	}

	env, err := wire.DecodeEnvelope(header)
	if err != nil {
		return nil, 0, 0, false
	}

	return body, env.Timestamp, int(env.Sender), true
}

// RecvHostPacket implements spec.md §4.3.4: identical to RecvPacket, but
// refuses to block — reporting gone=true immediately — once the recorded
// CMD host has left connected_bitmask, so a client never hangs waiting
// for a host that disconnected between CMD and ACK.
func (t *Transport) RecvHostPacket(ctx context.Context, self int, block bool) (body []byte, timestamp uint64, gone bool, ok bool) {
	t.mu.Lock()
	hostConnected := t.connectedMask.Contains(uint(t.mpHostInstance))
	t.mu.Unlock()

	if !hostConnected {
		return nil, 0, true, false
	}

	body, timestamp, _, ok = t.RecvPacket(ctx, self, block)
	return body, timestamp, false, ok
}

// RecvReplies implements spec.md §4.3.1 point 4 and §4.3.1's recv_replies
// contract, including the documented-not-fixed early-return behaviour of
// §9: a client that disconnects between the CMD frame and this call has
// its expected aid bit treated as already satisfied, since it can never
// answer.
func (t *Transport) RecvReplies(ctx context.Context, self int, cmdTimestamp uint64, aidMask uint16) (collected uint16, packets map[uint8][]byte) {
	deadline := time.Now().Add(t.recvTimeout)
	packets = make(map[uint8][]byte)
	var collectedSet bitset.Set

	for {
		t.drainReplies(self, cmdTimestamp, aidMask, &collectedSet, packets)

		t.mu.Lock()
		live := t.connectedMask.Without(uint(self)).ToUint16()
		t.mu.Unlock()

		notLive := aidMask &^ live
		satisfied := collectedSet.ToUint16() | notLive
		if satisfied&aidMask == aidMask {
			return collectedSet.ToUint16(), packets
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return collectedSet.ToUint16(), packets
		}

		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		woke := t.replySem[self].wait(waitCtx)
		cancel()
		if !woke {
			return collectedSet.ToUint16(), packets
		}
	}
}

func (t *Transport) drainReplies(self int, cmdTimestamp uint64, aidMask uint16, collected *bitset.Set, packets map[uint8][]byte) {
	for {
		header, body, _, ok := t.replies.Recv(self)
		if !ok {
			return
		}

		env, err := wire.DecodeEnvelope(header)
		if err != nil || env.Kind != wire.FrameReply {
			continue
		}

		if !withinReplyWindow(env.Timestamp, cmdTimestamp) {
			continue
		}

		aid := env.Aid
		if aid == 0 || aid > 15 || !bitset.FromUint16(aidMask).Contains(uint(aid)) {
			continue
		}

		collected.Insert(uint(aid))
		buf := make([]byte, 1024)
		copy(buf, body)
		packets[uint8(aid)] = buf
	}
}

func withinReplyWindow(ts, cmdTS uint64) bool {
	diff := int64(ts) - int64(cmdTS)
	if diff < 0 {
		diff = -diff
	}
	return diff <= ReplyWindowTicks
}

func (t *Transport) waitData(ctx context.Context, i int, block bool) bool {
	if !block {
		return t.dataSem[i].tryWait()
	}
	waitCtx, cancel := context.WithTimeout(ctx, t.recvTimeout)
	defer cancel()
	return t.dataSem[i].wait(waitCtx)
}
