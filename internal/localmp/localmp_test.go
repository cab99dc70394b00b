package localmp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

func Test_TwoInstanceLoopDeliversAndSelfFilters(t *testing.T) {
	tr := New()
	tr.Begin(0)
	tr.Begin(1)

	require.NoError(t, tr.Send(0, wire.FrameData, 0, []byte{0xDE, 0xAD, 0xBE, 0xEF}, 1000))

	body, ts, sender, ok := tr.RecvPacket(context.Background(), 1, true)
	require.True(t, ok)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, body)
	assert.Equal(t, uint64(1000), ts)
	assert.Equal(t, 0, sender)

	_, _, _, ok = tr.RecvPacket(context.Background(), 0, false)
	assert.False(t, ok, "sender must never receive its own packet")
}

func Test_CmdReplyAckCycle(t *testing.T) {
	tr := New()
	tr.Begin(0)
	tr.Begin(1)
	tr.Begin(2)

	require.NoError(t, tr.Send(0, wire.FrameCmd, 0, []byte("cmd"), 5000))
	require.NoError(t, tr.Send(1, wire.FrameReply, 1, []byte("reply-from-1"), 5003))
	require.NoError(t, tr.Send(2, wire.FrameReply, 2, []byte("reply-from-2"), 5018))
	// Late reply outside the 32-tick window around the CMD timestamp.
	require.NoError(t, tr.Send(1, wire.FrameReply, 1, []byte("late"), 5040))

	collected, packets := tr.RecvReplies(context.Background(), 0, 5000, 0b110)
	assert.Equal(t, uint16(0b110), collected)

	got1 := packets[1][:len("reply-from-1")]
	got2 := packets[2][:len("reply-from-2")]
	assert.Equal(t, "reply-from-1", string(got1))
	assert.Equal(t, "reply-from-2", string(got2))
}

func Test_RecvRepliesTimesOutOnMissingReply(t *testing.T) {
	tr := New()
	tr.SetRecvTimeout(10 * time.Millisecond)
	tr.Begin(0)
	tr.Begin(1)

	require.NoError(t, tr.Send(0, wire.FrameCmd, 0, []byte("cmd"), 100))

	start := time.Now()
	collected, _ := tr.RecvReplies(context.Background(), 0, 100, 0b10)
	assert.Equal(t, uint16(0), collected)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func Test_RecvRepliesTreatsDisconnectedClientAsSatisfied(t *testing.T) {
	tr := New()
	tr.SetRecvTimeout(20 * time.Millisecond)
	tr.Begin(0)
	tr.Begin(1)
	tr.Begin(2)

	require.NoError(t, tr.Send(0, wire.FrameCmd, 0, []byte("cmd"), 0))
	require.NoError(t, tr.Send(1, wire.FrameReply, 1, []byte("r1"), 0))
	tr.End(2) // instance 2 disconnects before answering

	start := time.Now()
	collected, _ := tr.RecvReplies(context.Background(), 0, 0, 0b110)
	assert.Equal(t, uint16(0b010), collected, "only the reply actually received is reported")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "disconnected peer's aid bit must not force a full timeout wait")
}

func Test_RecvHostPacketReturnsGoneWhenHostLeaves(t *testing.T) {
	tr := New()
	tr.SetRecvTimeout(10 * time.Millisecond)
	tr.Begin(0)
	tr.Begin(1)

	require.NoError(t, tr.Send(0, wire.FrameCmd, 0, nil, 0))
	tr.End(0)

	_, _, gone, ok := tr.RecvHostPacket(context.Background(), 1, true)
	assert.True(t, gone)
	assert.False(t, ok)
}

func Test_SendRejectsOversizedFrame(t *testing.T) {
	tr := New()
	tr.Begin(0)

	err := tr.Send(0, wire.FrameData, 0, make([]byte, wire.MaxFrameSize+1), 0)
	assert.Error(t, err)

	err = tr.Send(0, wire.FrameData, 0, make([]byte, wire.MaxFrameSize), 0)
	assert.NoError(t, err)
}

func Test_CmdResetsReplyWindow(t *testing.T) {
	tr := New()
	tr.Begin(0)
	tr.Begin(1)

	require.NoError(t, tr.Send(1, wire.FrameReply, 1, []byte("stale"), 0))
	require.NoError(t, tr.Send(0, wire.FrameCmd, 0, nil, 1000))

	tr.SetRecvTimeout(10 * time.Millisecond)
	collected, _ := tr.RecvReplies(context.Background(), 0, 1000, 0b10)
	assert.Equal(t, uint16(0), collected, "reply predating the new CMD window must not satisfy it")
}
