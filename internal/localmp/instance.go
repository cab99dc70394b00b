package localmp

import (
	"context"

	"github.com/melonDS-emu/melonDS-sub010/internal/bitset"
	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// Instance binds a Transport to one emulator instance id, giving it the
// same self-less send/recv surface LAN's per-connection Session exposes.
// Netplay is written against this shape so it can drive either transport
// without knowing which one it has (spec.md §4.5: "process_input /
// apply_input" never mention which transport carries the frames).
type Instance struct {
	t    *Transport
	self int
}

// Bind returns an Instance representing i's view of t. The caller must
// still call t.Begin(i)/t.End(i) to seat/unseat it.
func (t *Transport) Bind(i int) *Instance {
	return &Instance{t: t, self: i}
}

func (i *Instance) Send(kind wire.FrameKind, aid uint16, body []byte, timestamp uint64) error {
	return i.t.Send(i.self, kind, aid, body, timestamp)
}

func (i *Instance) RecvPacket(ctx context.Context, block bool) (body []byte, timestamp uint64, sender int, ok bool) {
	return i.t.RecvPacket(ctx, i.self, block)
}

func (i *Instance) RecvHostPacket(ctx context.Context, block bool) (body []byte, timestamp uint64, gone bool, ok bool) {
	return i.t.RecvHostPacket(ctx, i.self, block)
}

func (i *Instance) RecvReplies(ctx context.Context, cmdTimestamp uint64, aidMask uint16) (collected uint16, packets map[uint8][]byte) {
	return i.t.RecvReplies(ctx, i.self, cmdTimestamp, aidMask)
}

func (i *Instance) ConnectedMask() bitset.Set {
	return i.t.ConnectedMask()
}

func (i *Instance) MyInstance() int {
	return i.self
}
