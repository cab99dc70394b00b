package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_EnvelopeRoundTrip(t *testing.T) {
	e := Envelope{
		Magic:     EnvelopeMagic,
		Sender:    3,
		Kind:      FrameReply,
		Aid:       7,
		Length:    42,
		Timestamp: 123456789,
	}

	buf := e.Encode(nil)
	require.Len(t, buf, EnvelopeSize)

	got, err := DecodeEnvelope(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func Test_EnvelopeRejectsBadMagic(t *testing.T) {
	e := Envelope{Magic: 0xdeadbeef, Sender: 0, Length: 0}
	buf := e.Encode(nil)

	_, err := DecodeEnvelope(buf)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func Test_EnvelopeMaxFrameSizeBoundary(t *testing.T) {
	ok := Envelope{Magic: EnvelopeMagic, Length: MaxFrameSize}
	_, err := DecodeEnvelope(ok.Encode(nil))
	assert.NoError(t, err)

	tooBig := Envelope{Magic: EnvelopeMagic, Length: MaxFrameSize + 1}
	_, err = DecodeEnvelope(tooBig.Encode(nil))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func Test_InputReportRoundTrip(t *testing.T) {
	r := InputReport{
		StallFrame:        1,
		Seq:               99,
		FrameIndex:        100,
		LastCompleteFrame: 96,
		StateHash:         0xCAFEBABE,
		Frames: []InputFrame{
			{Frame: 100, KeyMask: 0x1FE, Touching: false, TouchX: 0, TouchY: 0},
			{Frame: 101, KeyMask: 0x1FF, Touching: true, TouchX: 10, TouchY: 20},
		},
	}

	buf := r.Encode(nil)
	got, err := DecodeInputReport(buf)
	require.NoError(t, err)
	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("InputReport round trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_InputReportEmptyFrameTable(t *testing.T) {
	r := InputReport{StallFrame: 0, Seq: 1, FrameIndex: 2, LastCompleteFrame: 0, StateHash: 0}
	buf := r.Encode(nil)

	got, err := DecodeInputReport(buf)
	require.NoError(t, err)
	assert.Empty(t, got.Frames)
}

func Test_ClientInitRoundTrip(t *testing.T) {
	m := ClientInit{AssignedID: 2, MaxPlayers: 4}
	got, err := DecodeClientInit(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func Test_PlayerInfoRoundTrip(t *testing.T) {
	m := PlayerInfo{Player: Player{
		ID:                1,
		Status:            StatusClient,
		Name:              "player one",
		AddressV4:         [4]byte{192, 168, 1, 10},
		Port:              7064,
		LastCompleteFrame: 10,
		Ping:              25,
	}}

	got, err := DecodePlayerInfo(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func Test_PlayerListRoundTrip(t *testing.T) {
	var m PlayerList
	m.NumPlayers = 2
	m.Players[0] = Player{ID: 0, Status: StatusHost, Name: "host"}
	m.Players[1] = Player{ID: 1, Status: StatusClient, Name: "alpha"}

	got, err := DecodePlayerList(m.Encode())
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("PlayerList round trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_UpdateSettingsRoundTrip(t *testing.T) {
	m := UpdateSettings{Delay: 4, ChunkSize: BlobChunkSize}
	got, err := DecodeUpdateSettings(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func Test_StartGameRoundTrip(t *testing.T) {
	got, err := DecodeStartGame(StartGame{}.Encode())
	require.NoError(t, err)
	assert.Equal(t, StartGame{}, got)
}

func Test_ControlMessageRejectsWrongProtoVersion(t *testing.T) {
	m := ClientInit{AssignedID: 1, MaxPlayers: 2}.Encode()
	m[5] = 9 // corrupt proto_version field

	_, err := DecodeClientInit(m)
	assert.Error(t, err)
}

func Test_BlobRoundTrip(t *testing.T) {
	start := BlobStartMsg{Type: BlobInitState, Length: 1000, CRC32: 0x12345678}
	gotStart, err := DecodeBlobStartMsg(start.Encode())
	require.NoError(t, err)
	assert.Equal(t, start, gotStart)

	chunk := BlobChunkMsg{Type: BlobInitState, Offset: 64, CRC32SoFar: 0xaabbccdd, Data: []byte{1, 2, 3, 4}}
	gotChunk, err := DecodeBlobChunkMsg(chunk.Encode())
	require.NoError(t, err)
	assert.Equal(t, chunk, gotChunk)

	end := BlobEndMsg{Type: BlobInitState, Length: 1000, CRC32: 0x12345678}
	gotEnd, err := DecodeBlobEndMsg(end.Encode())
	require.NoError(t, err)
	assert.Equal(t, end, gotEnd)

	apply := BlobApplyMsg{ConsoleType: 1}
	gotApply, err := DecodeBlobApplyMsg(apply.Encode())
	require.NoError(t, err)
	assert.Equal(t, apply, gotApply)
}

func Test_BeaconRoundTrip(t *testing.T) {
	b := BeaconRecord{
		Version:     BeaconVersion,
		Tick:        42,
		SessionName: "alpha",
		NumPlayers:  1,
		MaxPlayers:  2,
		Status:      StatusHost,
	}

	got, err := DecodeBeaconRecord(b.Encode())
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func Test_BeaconRejectsBadMagic(t *testing.T) {
	buf := make([]byte, BeaconSize)
	_, err := DecodeBeaconRecord(buf)
	assert.Error(t, err)
}
