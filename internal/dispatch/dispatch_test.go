package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melonDS-emu/melonDS-sub010/internal/bitset"
)

func allMask() bitset.Set {
	var s bitset.Set
	for i := uint(0); i < MaxInstances; i++ {
		s.Insert(i)
	}
	return s
}

func Test_SendIsFIFOPerReceiver(t *testing.T) {
	d := New()
	d.Register(0)
	d.Register(1)

	d.Send(nil, []byte("first"), 0, allMask())
	d.Send(nil, []byte("second"), 0, allMask())

	_, body, sender, ok := d.Recv(1)
	require.True(t, ok)
	assert.Equal(t, "first", string(body))
	assert.Equal(t, 0, sender)

	_, body, _, ok = d.Recv(1)
	require.True(t, ok)
	assert.Equal(t, "second", string(body))
}

func Test_SenderNeverReceivesOwnPacket(t *testing.T) {
	d := New()
	d.Register(0)
	d.Register(1)

	d.Send(nil, []byte("hello"), 0, allMask())

	_, _, _, ok := d.Recv(0)
	assert.False(t, ok)
}

func Test_RecvMaskFiltersRecipients(t *testing.T) {
	d := New()
	d.Register(0)
	d.Register(1)
	d.Register(2)

	only1 := bitset.FromUint16(0).Union(bitset.FromUint16(1 << 1))
	d.Send(nil, []byte("targeted"), 0, only1)

	_, _, _, ok := d.Recv(2)
	assert.False(t, ok)

	_, body, _, ok := d.Recv(1)
	require.True(t, ok)
	assert.Equal(t, "targeted", string(body))
}

func Test_UnregisterDropsInbox(t *testing.T) {
	d := New()
	d.Register(0)
	d.Register(1)
	d.Send(nil, []byte("x"), 0, allMask())
	d.Unregister(1)

	_, _, _, ok := d.Recv(1)
	assert.False(t, ok)
}

func Test_EvictsOldestWhenFull(t *testing.T) {
	d := New()
	d.Register(0)
	d.Register(1)

	payload := make([]byte, InboxCapacity-internalHeaderSize)
	d.Send(nil, payload, 0, allMask())

	// This second send cannot fit alongside the first; the first must be
	// evicted so the second is delivered.
	d.Send(nil, []byte("second"), 0, allMask())

	_, body, _, ok := d.Recv(1)
	require.True(t, ok)
	assert.Equal(t, "second", string(body))

	_, _, _, ok = d.Recv(1)
	assert.False(t, ok)
}

func Test_OversizedRecordIsDropped(t *testing.T) {
	d := New()
	d.Register(0)
	d.Register(1)

	d.Send(nil, make([]byte, InboxCapacity+1), 0, allMask())

	_, _, _, ok := d.Recv(1)
	assert.False(t, ok)
}

func Test_ClearResetsAllActiveInboxes(t *testing.T) {
	d := New()
	d.Register(0)
	d.Register(1)
	d.Send(nil, []byte("x"), 0, allMask())

	d.Clear()

	_, _, _, ok := d.Recv(1)
	assert.False(t, ok)
}

func Test_HeaderAndBodyRoundTripThroughRecord(t *testing.T) {
	d := New()
	d.Register(0)
	d.Register(1)

	d.Send([]byte("hdr"), []byte("body"), 0, allMask())

	header, body, sender, ok := d.Recv(1)
	require.True(t, ok)
	assert.Equal(t, "hdr", string(header))
	assert.Equal(t, "body", string(body))
	assert.Equal(t, 0, sender)
}
