package lan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

func Test_BlobRoundTripReconstructsBufferAndAcks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostCfg := Config{SessionName: "blob-test", MaxPlayers: 2, SessionPort: 19220, DiscoPort: 19221}
	host, err := StartHost(ctx, hostCfg, testLogger())
	require.NoError(t, err)
	defer host.EndSession()

	clientCfg := Config{SessionPort: 19220, ListenPort: 19222}
	client, err := StartClient(ctx, clientCfg, "receiver", "127.0.0.1:19220", testLogger())
	require.NoError(t, err)
	defer client.EndSession()

	require.Eventually(t, func() bool {
		return len(host.PlayerList()) == 2
	}, 3*time.Second, 50*time.Millisecond, "client must join before the blob transfer starts")

	payload := make([]byte, 3*wire.BlobChunkSize+1234)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	recvErr := make(chan error, 1)
	recvType := make(chan wire.BlobType, 1)
	recvBuf := make(chan []byte, 1)
	go func() {
		typ, buf, err := client.ReceiveBlob(ctx)
		recvErr <- err
		recvType <- typ
		recvBuf <- buf
	}()

	require.NoError(t, host.SendBlob(ctx, wire.BlobInitState, payload))

	require.NoError(t, <-recvErr)
	assert.Equal(t, wire.BlobInitState, <-recvType)
	assert.Equal(t, payload, <-recvBuf)
}

func Test_BlobReceiverStepRejectsCorruptChunk(t *testing.T) {
	r := &blobReceiver{}

	start := wire.BlobStartMsg{Type: wire.BlobInitState, Length: 4, CRC32: 0}
	_, err := r.step(start.Encode())
	require.NoError(t, err)

	chunk := wire.BlobChunkMsg{Type: wire.BlobInitState, Offset: 0, CRC32SoFar: 0xdeadbeef, Data: []byte{1, 2, 3, 4}}
	_, err = r.step(chunk.Encode())
	assert.ErrorContains(t, err, "CRC32 mismatch", "a tampered running CRC32 must fail the transfer, not be silently accepted")
}

func Test_BlobReceiverStepIgnoresChunkBeforeStart(t *testing.T) {
	r := &blobReceiver{}

	chunk := wire.BlobChunkMsg{Type: wire.BlobInitState, Offset: 0, CRC32SoFar: 0, Data: []byte{1, 2, 3, 4}}
	ack, err := r.step(chunk.Encode())
	require.NoError(t, err)
	assert.Nil(t, ack)
	assert.Equal(t, blobIdle, r.state, "a chunk received before Start must be ignored, not crash the state machine")
}

func Test_SendBlobWithNoPeersIsNoop(t *testing.T) {
	s := &Session{peers: make(map[uint8]*peer)}
	require.NoError(t, s.SendBlob(context.Background(), wire.BlobInitState, []byte("unused")))
}
