package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_BufferWriteReadRoundTrip(t *testing.T) {
	b := NewBuffer(8)

	require.True(t, b.Write([]byte{1, 2, 3}))
	assert.Equal(t, 3, b.Len())

	out := make([]byte, 3)
	require.True(t, b.Read(out))
	assert.Equal(t, []byte{1, 2, 3}, out)
	assert.Equal(t, 0, b.Len())
}

func Test_BufferWrapAround(t *testing.T) {
	b := NewBuffer(4)

	require.True(t, b.Write([]byte{1, 2, 3}))
	out := make([]byte, 2)
	require.True(t, b.Read(out))
	assert.Equal(t, []byte{1, 2}, out)

	// tail wraps here: 1 byte queued (3), capacity 4, write 3 more bytes
	require.True(t, b.Write([]byte{4, 5, 6}))
	assert.Equal(t, 4, b.Len())

	out = make([]byte, 4)
	require.True(t, b.Read(out))
	assert.Equal(t, []byte{3, 4, 5, 6}, out)
}

func Test_BufferCanFitAtExactCapacity(t *testing.T) {
	b := NewBuffer(8)
	assert.True(t, b.CanFit(8))
	assert.False(t, b.CanFit(9))

	require.True(t, b.Write(make([]byte, 8)))
	assert.False(t, b.CanFit(1))
}

func Test_BufferWriteFailsWithoutPartialWrite(t *testing.T) {
	b := NewBuffer(4)
	require.True(t, b.Write([]byte{1, 2, 3}))

	assert.False(t, b.Write([]byte{4, 5}))
	assert.Equal(t, 3, b.Len())
}

func Test_BufferReadFailsWithoutConsuming(t *testing.T) {
	b := NewBuffer(4)
	require.True(t, b.Write([]byte{1, 2}))

	out := make([]byte, 3)
	assert.False(t, b.Read(out))
	assert.Equal(t, 2, b.Len())
}

func Test_BufferSkipDiscardsWithoutCopy(t *testing.T) {
	b := NewBuffer(8)
	require.True(t, b.Write([]byte{1, 2, 3, 4}))

	require.True(t, b.Skip(2))
	out := make([]byte, 2)
	require.True(t, b.Read(out))
	assert.Equal(t, []byte{3, 4}, out)
}

func Test_BufferPeekDoesNotConsume(t *testing.T) {
	b := NewBuffer(8)
	require.True(t, b.Write([]byte{1, 2, 3}))

	out := make([]byte, 3)
	require.True(t, b.Peek(out))
	assert.Equal(t, []byte{1, 2, 3}, out)
	assert.Equal(t, 3, b.Len())
}

func Test_BufferClear(t *testing.T) {
	b := NewBuffer(4)
	require.True(t, b.Write([]byte{1, 2}))
	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.True(t, b.CanFit(4))
}

func Test_FIFOWordStride(t *testing.T) {
	f := NewFIFO(4)
	require.True(t, f.Write([]uint32{10, 20, 30}))
	assert.Equal(t, 3, f.Len())

	require.True(t, f.Skip(1))
	out := make([]uint32, 2)
	require.True(t, f.Read(out))
	assert.Equal(t, []uint32{20, 30}, out)
}

func Test_FIFOCanFitAtExactCapacity(t *testing.T) {
	f := NewFIFO(3)
	assert.True(t, f.CanFit(3))
	assert.False(t, f.CanFit(4))
}
