// Package dispatch implements the process-wide packet multiplexer shared
// by every instance running in one process: sixteen independent inboxes
// behind a single mutex, with a deterministic oldest-first eviction policy
// when an inbox fills (spec.md §4.2).
package dispatch

import (
	"encoding/binary"
	"sync"

	"github.com/melonDS-emu/melonDS-sub010/internal/bitset"
	"github.com/melonDS-emu/melonDS-sub010/internal/ring"
)

// MaxInstances is the number of inboxes the dispatcher maintains.
const MaxInstances = 16

// InboxCapacity is the byte capacity of each per-instance inbox.
const InboxCapacity = 32 * 1024

// internalHeaderMagic opens every queued record.
const internalHeaderMagic uint32 = 0x4B504C4D

// internalHeaderSize is the size of the record header the dispatcher
// prepends to every enqueued frame, ahead of the caller-supplied header and
// body.
const internalHeaderSize = 16

// Dispatcher multiplexes packets between up to MaxInstances registered
// instances. The zero value is not usable; construct with New or
// NewWithCapacity.
type Dispatcher struct {
	mu           sync.Mutex
	instanceMask bitset.Set
	inboxes      [MaxInstances]*ring.Buffer
	capacity     int
}

// New constructs an empty Dispatcher with the default inbox capacity
// (spec.md §4.2: 32768 bytes per instance).
func New() *Dispatcher {
	return NewWithCapacity(InboxCapacity)
}

// NewWithCapacity constructs an empty Dispatcher with a caller-chosen
// per-instance inbox capacity. LocalMP uses this to size its packet and
// reply queues independently of the generic dispatcher default
// (spec.md §4.3: 64 KiB each).
func NewWithCapacity(capacity int) *Dispatcher {
	return &Dispatcher{capacity: capacity}
}

// Register allocates inbox i and marks it active.
func (d *Dispatcher) Register(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.instanceMask.Insert(uint(i))
	if d.inboxes[i] == nil {
		d.inboxes[i] = ring.NewBuffer(d.capacity)
	} else {
		d.inboxes[i].Clear()
	}
}

// Unregister marks inbox i inactive and drops its queued content.
func (d *Dispatcher) Unregister(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.instanceMask.Remove(uint(i))
	if d.inboxes[i] != nil {
		d.inboxes[i].Clear()
	}
}

// Clear resets every active inbox to empty.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.instanceMask.Traverse(func(i int) {
		d.inboxes[i].Clear()
	})
}

// Send frames header||body behind a 16-byte internal record header and
// enqueues one copy per recipient in (recvMask ∩ active instances) \
// {sender}. A recipient whose inbox cannot fit the record has its oldest
// queued records evicted — read the internal header, skip its payload —
// until there is room; this is the only eviction policy and it is always
// the oldest record that is lost.
func (d *Dispatcher) Send(header, body []byte, sender int, recvMask bitset.Set) {
	d.mu.Lock()
	defer d.mu.Unlock()

	record := encodeRecord(sender, header, body)

	targets := recvMask.Intersect(d.instanceMask).Without(uint(sender))
	targets.Traverse(func(i int) {
		d.enqueueLocked(i, record)
	})
}

func (d *Dispatcher) enqueueLocked(i int, record []byte) {
	inbox := d.inboxes[i]
	if inbox == nil || len(record) > inbox.Capacity() {
		// Larger than the inbox can ever hold: the caller's problem,
		// per spec.md §4.2 ("Total record size must be < 32768").
		return
	}

	for !inbox.CanFit(len(record)) {
		var hdr [internalHeaderSize]byte
		if !inbox.Read(hdr[:]) {
			inbox.Clear()
			break
		}
		headerLen := binary.LittleEndian.Uint32(hdr[8:12])
		bodyLen := binary.LittleEndian.Uint32(hdr[12:16])
		if !inbox.Skip(int(headerLen) + int(bodyLen)) {
			inbox.Clear()
			break
		}
	}

	inbox.Write(record)
}

// Recv pops one record for receiver, if any is queued. ok is false when
// the inbox is empty. A magic mismatch indicates inbox corruption; the
// whole inbox is discarded and Recv reports failure, matching LocalMP's
// resynchronise-on-corruption policy (spec.md §4.3.3, §7).
func (d *Dispatcher) Recv(receiver int) (header, body []byte, sender int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inbox := d.inboxes[receiver]
	if inbox == nil {
		return nil, nil, 0, false
	}

	var hdr [internalHeaderSize]byte
	if !inbox.Peek(hdr[:]) {
		return nil, nil, 0, false
	}

	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != internalHeaderMagic {
		inbox.Clear()
		return nil, nil, 0, false
	}

	senderID := int(binary.LittleEndian.Uint32(hdr[4:8]))
	headerLen := int(binary.LittleEndian.Uint32(hdr[8:12]))
	bodyLen := int(binary.LittleEndian.Uint32(hdr[12:16]))

	full := make([]byte, internalHeaderSize+headerLen+bodyLen)
	if !inbox.Read(full) {
		inbox.Clear()
		return nil, nil, 0, false
	}

	rest := full[internalHeaderSize:]
	return rest[:headerLen], rest[headerLen:], senderID, true
}

func encodeRecord(sender int, header, body []byte) []byte {
	record := make([]byte, 0, internalHeaderSize+len(header)+len(body))
	var hdr [internalHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], internalHeaderMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(sender))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(header)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(body)))
	record = append(record, hdr[:]...)
	record = append(record, header...)
	record = append(record, body...)
	return record
}
