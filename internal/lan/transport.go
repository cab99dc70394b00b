package lan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/melonDS-emu/melonDS-sub010/internal/bitset"
	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// mpStaleAfter drops an MP packet whose age — measured from the moment it
// was received, not from its emulator-local timestamp — exceeds this bound
// when the caller finally inspects it (spec §4.4.4, §8.3: 15ms kept, 17ms
// dropped).
const mpStaleAfter = 16 * time.Millisecond

// replyWindowTicks mirrors localmp.ReplyWindowTicks for the networked path.
const replyWindowTicks = 32

// defaultRecvTimeout mirrors localmp.DefaultRecvTimeout.
const defaultRecvTimeout = 25 * time.Millisecond

var errFrameTooLarge = errors.New("lan: frame exceeds max payload size")

// receivedFrame is the tagged record spec §9 recommends in place of
// punning the envelope's magic field with a receive-time marker: header,
// sender and local receive time are kept as distinct fields instead of
// reinterpreting wire bytes.
type receivedFrame struct {
	env        wire.Envelope
	body       []byte
	senderID   int
	receivedAt time.Time
}

// Transport implements the same send/recv MP surface as
// internal/localmp.Transport (spec §4.4.4: "the same send_packet/..."),
// carried over the peer mesh instead of process-shared memory.
type Transport struct {
	mu             sync.Mutex
	connectedMask  bitset.Set
	mpHostInstance int
	mpReplyBitmask bitset.Set

	packets chan receivedFrame
	replies chan receivedFrame

	recvTimeout time.Duration
}

func newTransport() *Transport {
	return &Transport{
		packets:     make(chan receivedFrame, 1024),
		replies:     make(chan receivedFrame, 1024),
		recvTimeout: defaultRecvTimeout,
	}
}

func (t *Transport) begin(i int) {
	t.mu.Lock()
	t.connectedMask.Insert(uint(i))
	t.mu.Unlock()
}

func (t *Transport) end(i int) {
	t.mu.Lock()
	t.connectedMask.Remove(uint(i))
	t.mu.Unlock()
}

func (t *Transport) clear() {
	t.mu.Lock()
	t.connectedMask = 0
	t.mu.Unlock()
}

func (t *Transport) hostInstance() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mpHostInstance
}

// ingest is called by dispatchPeer's mp-channel reader for every inbound
// frame. It stamps the local receive time rather than overwriting the
// envelope's magic field (spec §9's "tagged record" alternative).
func (t *Transport) ingest(senderID int, env wire.Envelope, body []byte) {
	t.mu.Lock()
	if env.Kind == wire.FrameCmd {
		t.mpHostInstance = senderID
		t.mpReplyBitmask = 0
	} else if env.Kind == wire.FrameReply {
		t.mpReplyBitmask.Insert(uint(senderID))
	}
	t.mu.Unlock()

	rf := receivedFrame{env: env, body: body, senderID: senderID, receivedAt: time.Now()}

	ch := t.packets
	if env.Kind == wire.FrameReply {
		ch = t.replies
	}
	select {
	case ch <- rf:
	default:
		// Channel full: spec §7's QueueOverflow policy for incoming data is
		// "evict oldest"; draining one slot and retrying approximates that
		// without blocking the network reader goroutine.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- rf:
		default:
		}
	}
}

// RecvPacket implements spec §4.3.3/§4.4.4's recv_packet_generic over the
// network: block=false polls once, block=true waits up to recv_timeout.
func (t *Transport) RecvPacket(ctx context.Context, block bool) (body []byte, timestamp uint64, sender int, ok bool) {
	return t.recvFrom(ctx, t.packets, block)
}

// RecvHostPacket refuses to block once the recorded CMD host has left
// connected_bitmask (spec §4.3.4).
func (t *Transport) RecvHostPacket(ctx context.Context, block bool) (body []byte, timestamp uint64, gone bool, ok bool) {
	t.mu.Lock()
	hostConnected := t.connectedMask.Contains(uint(t.mpHostInstance))
	t.mu.Unlock()

	if !hostConnected {
		return nil, 0, true, false
	}

	body, timestamp, _, ok = t.recvFrom(ctx, t.packets, block)
	return body, timestamp, false, ok
}

func (t *Transport) recvFrom(ctx context.Context, ch chan receivedFrame, block bool) (body []byte, timestamp uint64, sender int, ok bool) {
	deadline := time.Now().Add(t.recvTimeout)
	for {
		var rf receivedFrame
		if !block {
			select {
			case rf = <-ch:
			default:
				return nil, 0, 0, false
			}
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, 0, 0, false
			}
			select {
			case rf = <-ch:
			case <-time.After(remaining):
				return nil, 0, 0, false
			case <-ctx.Done():
				return nil, 0, 0, false
			}
		}

		if time.Since(rf.receivedAt) > mpStaleAfter {
			continue
		}
		return rf.body, rf.env.Timestamp, rf.senderID, true
	}
}

// RecvReplies implements spec §4.3.1 point 4 over the network, with the
// same documented-not-fixed early-return behaviour as localmp: a peer that
// disconnects between the CMD and this call has its aid bit treated as
// already satisfied.
func (t *Transport) RecvReplies(ctx context.Context, cmdTimestamp uint64, aidMask uint16) (collected uint16, packets map[uint8][]byte) {
	deadline := time.Now().Add(t.recvTimeout)
	packets = make(map[uint8][]byte)
	var collectedSet bitset.Set

	for {
		t.drainReplies(cmdTimestamp, aidMask, &collectedSet, packets)

		t.mu.Lock()
		live := t.connectedMask.ToUint16()
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

		select {
		case rf := <-t.replies:
			t.consumeReply(rf, cmdTimestamp, aidMask, &collectedSet, packets)
		case <-time.After(remaining):
			return collectedSet.ToUint16(), packets
		case <-ctx.Done():
			return collectedSet.ToUint16(), packets
		}
	}
}

func (t *Transport) drainReplies(cmdTimestamp uint64, aidMask uint16, collected *bitset.Set, packets map[uint8][]byte) {
	for {
		select {
		case rf := <-t.replies:
			t.consumeReply(rf, cmdTimestamp, aidMask, collected, packets)
		default:
			return
		}
	}
}

func (t *Transport) consumeReply(rf receivedFrame, cmdTimestamp uint64, aidMask uint16, collected *bitset.Set, packets map[uint8][]byte) {
	if rf.env.Kind != wire.FrameReply {
		return
	}
	if !withinReplyWindow(rf.env.Timestamp, cmdTimestamp) {
		return
	}
	aid := rf.env.Aid
	if aid == 0 || aid > 15 || !bitset.FromUint16(aidMask).Contains(uint(aid)) {
		return
	}
	collected.Insert(uint(aid))
	packets[uint8(aid)] = rf.body
}

func withinReplyWindow(ts, cmdTS uint64) bool {
	diff := int64(ts) - int64(cmdTS)
	if diff < 0 {
		diff = -diff
	}
	return diff <= replyWindowTicks
}

// Send broadcasts or targets a frame over the peer mesh, matching
// localmp.Instance's Send signature so Netplay can be written against
// either transport interchangeably (spec §4.4.4).
func (s *Session) Send(kind wire.FrameKind, aid uint16, body []byte, timestamp uint64) error {
	return s.sendFrame(kind, aid, body, timestamp)
}

// ConnectedMask reports which instance ids are currently reachable.
func (s *Session) ConnectedMask() bitset.Set {
	return s.connectedMask()
}

// MyInstance returns this session's own instance id.
func (s *Session) MyInstance() int {
	return int(s.myID)
}

// RecvPacket implements spec §4.3.3/§4.4.4's recv_packet_generic for this
// session's own instance.
func (s *Session) RecvPacket(ctx context.Context, block bool) (body []byte, timestamp uint64, sender int, ok bool) {
	return s.transport.RecvPacket(ctx, block)
}

// RecvHostPacket implements spec §4.3.4 for this session's own instance.
func (s *Session) RecvHostPacket(ctx context.Context, block bool) (body []byte, timestamp uint64, gone bool, ok bool) {
	return s.transport.RecvHostPacket(ctx, block)
}

// RecvReplies implements spec §4.3.1 point 4 for this session's own
// instance.
func (s *Session) RecvReplies(ctx context.Context, cmdTimestamp uint64, aidMask uint16) (collected uint16, packets map[uint8][]byte) {
	return s.transport.RecvReplies(ctx, cmdTimestamp, aidMask)
}

// sendFrame implements spec §4.3.2's send algorithm over the peer mesh:
// CMD/DATA/ACK broadcast to every connected peer, REPLY targets only the
// recorded host.
func (s *Session) sendFrame(kind wire.FrameKind, aid uint16, body []byte, timestamp uint64) error {
	if len(body) > wire.MaxFrameSize {
		return errFrameTooLarge
	}

	env := wire.Envelope{
		Magic:     wire.EnvelopeMagic,
		Sender:    uint32(s.myID),
		Kind:      kind,
		Aid:       aid,
		Length:    uint32(len(body)),
		Timestamp: timestamp,
	}
	framed := append(env.Encode(nil), body...)

	if kind == wire.FrameCmd {
		s.transport.mu.Lock()
		s.transport.mpHostInstance = int(s.myID)
		s.transport.mpReplyBitmask = 0
		s.transport.mu.Unlock()
	}

	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	if kind == wire.FrameReply {
		host, ok := s.peers[uint8(s.transport.hostInstance())]
		if !ok {
			return nil
		}
		return writeFramed(host.mp, framed)
	}

	for _, p := range s.peers {
		if err := writeFramed(p.mp, framed); err != nil {
			s.log.Warnw("mp send failed", "peer", p.id, "error", err)
		}
	}
	return nil
}
