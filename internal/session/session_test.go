package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/melonDS-emu/melonDS-sub010/internal/emucore"
	"github.com/melonDS-emu/melonDS-sub010/internal/lan"
	"github.com/melonDS-emu/melonDS-sub010/internal/netplay"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func Test_LocalModeDrivesTwoInstancesThroughOneFrame(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Mode: ModeLocal, Settings: netplay.Settings{Delay: 0}}

	s, err := StartHost(ctx, cfg, nil, testLogger())
	require.NoError(t, err)
	defer s.EndSession()

	core0 := emucore.NewFake()
	core1 := emucore.NewFake()
	require.NoError(t, s.Begin(0, 2, core0))
	require.NoError(t, s.Begin(1, 2, core1))

	require.NoError(t, s.ProcessInput(ctx, 0, netplay.Input{KeyMask: 0x1}))
	require.NoError(t, s.ProcessInput(ctx, 1, netplay.Input{KeyMask: 0x2}))

	require.NoError(t, s.Process(ctx, 0, false))
	require.NoError(t, s.Process(ctx, 1, false))

	require.NoError(t, s.ApplyInput(0, 1, 0))
	core0.RunFrame()
	require.Len(t, core0.History, 1)
	assert.Equal(t, uint32(0x2), core0.History[0].KeyMask, "instance 0 must see instance 1's broadcast input")

	s.End(0)
	s.End(1)
}

func Test_BeginFailsWithoutTransport(t *testing.T) {
	s := &Session{engines: make(map[uint8]*netplay.Engine)}
	err := s.Begin(0, 1, emucore.NewFake())
	assert.Error(t, err)
}

func Test_LANGameStartSynchronisesSettingsAndInitialState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostCfg := Config{
		Mode:       ModeLAN,
		Name:       "sync-test",
		MaxPlayers: 2,
		Settings:   netplay.Settings{Delay: 3, ChunkSize: 4096},
		LAN:        lan.Config{SessionPort: 19230, DiscoPort: 19231},
	}
	host, err := StartHost(ctx, hostCfg, nil, testLogger())
	require.NoError(t, err)
	defer host.EndSession()

	clientCfg := Config{
		Mode: ModeLAN,
		Name: "joiner",
		LAN:  lan.Config{SessionPort: 19230, ListenPort: 19232},
	}
	client, err := StartClient(ctx, clientCfg, testLogger())
	require.NoError(t, err)
	defer client.EndSession()

	require.Eventually(t, func() bool {
		return len(host.PlayerList()) == 2
	}, 3*time.Second, 50*time.Millisecond, "client must join before StartGame")

	hostCore := emucore.NewFake()
	hostCore.SetKeyMask(0x77)

	clientDone := make(chan error, 1)
	go func() {
		if err := client.AwaitGameStart(ctx); err != nil {
			clientDone <- err
			return
		}
		clientCore := emucore.NewFake()
		clientDone <- client.ReceiveInitialState(ctx, clientCore)
	}()

	require.NoError(t, host.StartGame(ctx, hostCore))
	require.NoError(t, <-clientDone)

	assert.Equal(t, uint8(3), client.cfg.Settings.Delay, "client must learn the host's delay setting before StartGame")
}
