package emucore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_FakeRunFrameAdvancesAndRecordsInput(t *testing.T) {
	f := NewFake()

	f.SetKeyMask(0x0001)
	f.RunFrame()
	f.SetKeyMask(0x0002)
	f.TouchScreen(10, 20)
	f.RunFrame()
	f.ReleaseScreen()
	f.RunFrame()

	require.Equal(t, uint32(3), f.NumFrames())
	require.Len(t, f.History, 3)

	assert.Equal(t, InputEvent{Frame: 0, KeyMask: 0x0001}, f.History[0])
	assert.Equal(t, InputEvent{Frame: 1, KeyMask: 0x0002, TouchX: 10, TouchY: 20, TouchDown: true}, f.History[1])
	assert.Equal(t, InputEvent{Frame: 2, KeyMask: 0x0002}, f.History[2])
}

func Test_FakeSetKeyMaskMasksToReleasedBits(t *testing.T) {
	f := NewFake()
	f.SetKeyMask(0xFFFFFFFF)
	f.RunFrame()
	assert.Equal(t, uint32(KeyReleasedBit), f.History[0].KeyMask)
}

func Test_FakeSaveStateLoadStateRoundTrips(t *testing.T) {
	f := NewFake()
	f.SetKeyMask(0x0010)
	f.RunFrame()
	f.TouchScreen(5, 6)
	f.RunFrame()

	var buf bytes.Buffer
	require.NoError(t, f.SaveState(&buf))

	restored := NewFake()
	require.NoError(t, restored.LoadState(&buf))

	assert.Equal(t, f.NumFrames(), restored.NumFrames())
	assert.Equal(t, f.History, restored.History)
}

func Test_FakeLoadStateRejectsForeignBuffer(t *testing.T) {
	f := NewFake()
	err := f.LoadState(bytes.NewReader([]byte("not a savestate")))
	assert.Error(t, err)
}

func Test_FakeReplayingSameInputAfterLoadStateIsDeterministic(t *testing.T) {
	base := NewFake()
	base.SetKeyMask(0x0003)
	base.RunFrame()

	var snapshot bytes.Buffer
	require.NoError(t, base.SaveState(&snapshot))

	replayA := NewFake()
	require.NoError(t, replayA.LoadState(bytes.NewReader(snapshot.Bytes())))
	replayB := NewFake()
	require.NoError(t, replayB.LoadState(bytes.NewReader(snapshot.Bytes())))

	replayA.SetKeyMask(0x0007)
	replayA.RunFrame()
	replayB.SetKeyMask(0x0007)
	replayB.RunFrame()

	assert.Equal(t, replayA.History, replayB.History, "identical input after identical restore must produce identical history")
}

func Test_FakeCloneIsIndependentOfSource(t *testing.T) {
	f := NewFake()
	f.SetKeyMask(0x0001)
	f.RunFrame()

	clone := f.Clone()
	f.SetKeyMask(0x0002)
	f.RunFrame()

	assert.Len(t, clone.History, 1, "clone must not observe frames run on the source after cloning")
	assert.Len(t, f.History, 2)
}

var _ Core = (*Fake)(nil)
