package lan

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// blobAckTimeout is the host's fixed, non-cancellable ceiling for collecting
// Apply ACKs after distributing a blob (spec.md §4.5.3, §5: "the only
// non-cancellable operation is the blob ACK wait, which has a fixed 300s
// ceiling").
const blobAckTimeout = 300 * time.Second

// SendBlob implements the host side of spec.md §4.5.3: broadcast data to
// every connected peer as Start/Chunk.../End/Apply over the blob stream,
// then wait up to blobAckTimeout for every peer's Apply echo.
func (s *Session) SendBlob(ctx context.Context, typ wire.BlobType, data []byte) error {
	s.peersMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()

	if len(peers) == 0 {
		return nil
	}

	sum := crc32.ChecksumIEEE(data)
	start := wire.BlobStartMsg{Type: typ, Length: uint32(len(data)), CRC32: sum}
	for _, p := range peers {
		if err := writeFramed(p.blob, start.Encode()); err != nil {
			return fmt.Errorf("lan: send blob start to peer %d: %w", p.id, err)
		}
	}

	running := uint32(0)
	for offset := 0; offset < len(data); offset += wire.BlobChunkSize {
		end := offset + wire.BlobChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunkData := data[offset:end]
		running = crc32.Update(running, crc32.IEEETable, chunkData)

		chunk := wire.BlobChunkMsg{Type: typ, Offset: uint32(offset), CRC32SoFar: running, Data: chunkData}
		for _, p := range peers {
			if err := writeFramed(p.blob, chunk.Encode()); err != nil {
				return fmt.Errorf("lan: send blob chunk to peer %d: %w", p.id, err)
			}
		}
	}

	endMsg := wire.BlobEndMsg{Type: typ, Length: uint32(len(data)), CRC32: sum}
	for _, p := range peers {
		if err := writeFramed(p.blob, endMsg.Encode()); err != nil {
			return fmt.Errorf("lan: send blob end to peer %d: %w", p.id, err)
		}
	}

	apply := wire.BlobApplyMsg{ConsoleType: uint8(typ)}
	for _, p := range peers {
		if err := writeFramed(p.blob, apply.Encode()); err != nil {
			return fmt.Errorf("lan: send blob apply to peer %d: %w", p.id, err)
		}
	}

	return s.awaitBlobAcks(ctx, peers)
}

// awaitBlobAcks collects one Apply echo per peer, each bounded by
// blobAckTimeout independently so one slow peer does not starve the others.
func (s *Session) awaitBlobAcks(ctx context.Context, peers []*peer) error {
	type result struct {
		id  uint8
		err error
	}
	results := make(chan result, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			_ = p.blob.SetDeadline(time.Now().Add(blobAckTimeout))
			buf, err := readFramed(p.blob)
			_ = p.blob.SetDeadline(time.Time{})
			if err != nil {
				results <- result{p.id, fmt.Errorf("await apply ack from peer %d: %w", p.id, err)}
				return
			}
			kind, err := wire.PeekBlobKind(buf)
			if err != nil || kind != wire.BlobApply {
				results <- result{p.id, fmt.Errorf("peer %d: unexpected blob ack", p.id)}
				return
			}
			results <- result{p.id, nil}
		}()
	}

	for range peers {
		select {
		case r := <-results:
			if r.err != nil {
				return r.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// blobState is the explicit receive-side state machine spec.md's design
// notes call for ("{Idle, Receiving(type, buf, crc), Complete} ... never
// recurse"), driven here by ReceiveBlob's own loop rather than nested
// re-entry into the packet dispatcher.
type blobState int

const (
	blobIdle blobState = iota
	blobReceiving
	blobComplete
)

type blobReceiver struct {
	state   blobState
	typ     wire.BlobType
	buf     []byte
	running uint32
}

// ReceiveBlob implements the client side of spec.md §4.5.3: accumulate a
// Start/Chunk.../End transfer from the host, verify CRC32 both
// incrementally and at End, and on Apply echo the ACK back. A CRC32
// mismatch at any point is fatal to the transfer (spec.md §4.5.4: "Blob CRC
// mismatch" fails session startup without leaving Connecting).
func (s *Session) ReceiveBlob(ctx context.Context) (wire.BlobType, []byte, error) {
	s.peersMu.Lock()
	host, ok := s.peers[0]
	s.peersMu.Unlock()
	if !ok {
		return 0, nil, fmt.Errorf("lan: no host peer to receive blob from")
	}

	r := blobReceiver{state: blobIdle}
	for r.state != blobComplete {
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		default:
		}

		buf, err := readFramed(host.blob)
		if err != nil {
			return 0, nil, fmt.Errorf("lan: read blob message: %w", err)
		}

		ack, err := r.step(buf)
		if err != nil {
			return 0, nil, err
		}
		if ack != nil {
			if err := writeFramed(host.blob, ack); err != nil {
				return 0, nil, fmt.Errorf("lan: ack blob apply: %w", err)
			}
		}
	}

	return r.typ, r.buf, nil
}

// step applies one inbound blob message to the receiver's state machine.
// It returns a non-nil ack payload only when the message was an Apply that
// completed the transfer, leaving the actual write to the caller so this
// transition logic stays a pure function of (state, message).
func (r *blobReceiver) step(buf []byte) (ack []byte, err error) {
	kind, err := wire.PeekBlobKind(buf)
	if err != nil {
		return nil, nil
	}

	switch kind {
	case wire.BlobStart:
		msg, err := wire.DecodeBlobStartMsg(buf)
		if err != nil {
			return nil, fmt.Errorf("lan: malformed blob start: %w", err)
		}
		*r = blobReceiver{state: blobReceiving, typ: msg.Type, buf: make([]byte, 0, msg.Length)}
		return nil, nil

	case wire.BlobChunk:
		if r.state != blobReceiving {
			return nil, nil
		}
		msg, err := wire.DecodeBlobChunkMsg(buf)
		if err != nil {
			return nil, fmt.Errorf("lan: malformed blob chunk: %w", err)
		}
		r.buf = append(r.buf, msg.Data...)
		r.running = crc32.Update(r.running, crc32.IEEETable, msg.Data)
		if r.running != msg.CRC32SoFar {
			return nil, fmt.Errorf("lan: blob CRC32 mismatch at offset %d: sync failed", msg.Offset)
		}
		return nil, nil

	case wire.BlobEnd:
		if r.state != blobReceiving {
			return nil, nil
		}
		msg, err := wire.DecodeBlobEndMsg(buf)
		if err != nil {
			return nil, fmt.Errorf("lan: malformed blob end: %w", err)
		}
		if uint32(len(r.buf)) != msg.Length || r.running != msg.CRC32 {
			return nil, fmt.Errorf("lan: blob CRC32 mismatch: sync failed")
		}
		return nil, nil

	case wire.BlobApply:
		if r.state != blobReceiving {
			return nil, nil
		}
		applyMsg, err := wire.DecodeBlobApplyMsg(buf)
		if err != nil {
			return nil, fmt.Errorf("lan: malformed blob apply: %w", err)
		}
		r.state = blobComplete
		return wire.BlobApplyMsg{ConsoleType: applyMsg.ConsoleType}.Encode(), nil
	}
	return nil, nil
}
