package lan

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
	"github.com/melonDS-emu/melonDS-sub010/internal/xerror"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func Test_DiscoveryObserveKeepsHigherTick(t *testing.T) {
	d := &discoveryService{entries: make(map[string]discoveryEntry)}

	d.observe("10.0.0.1", wire.BeaconRecord{Tick: 5, SessionName: "first"})
	d.observe("10.0.0.1", wire.BeaconRecord{Tick: 3, SessionName: "stale-duplicate"})

	got := d.snapshot()["10.0.0.1"]
	assert.Equal(t, uint32(5), got.Tick)
	assert.Equal(t, "first", got.SessionName)
}

func Test_DiscoveryEvictsAfterStaleWindow(t *testing.T) {
	d := &discoveryService{entries: make(map[string]discoveryEntry)}

	base := time.Unix(1_700_000_000, 0)
	d.entries["10.0.0.1"] = discoveryEntry{record: wire.BeaconRecord{Tick: 1}, seenAt: base}

	d.evictOnce(base.Add(4999 * time.Millisecond))
	assert.Len(t, d.snapshot(), 1, "an entry aged 4999ms is kept")

	d.evictOnce(base.Add(5001 * time.Millisecond))
	assert.Len(t, d.snapshot(), 0, "an entry aged 5001ms is evicted")
}

func Test_DiscoveryBroadcastIPUsesConfiguredSubnet(t *testing.T) {
	subnet := xerror.Unwrap(netip.ParsePrefix("192.168.1.0/24"))
	assert.True(t, net.IPv4(192, 168, 1, 255).Equal(discoveryBroadcastIP(subnet)))
}

func Test_DiscoveryBroadcastIPDefaultsToGlobalLimitedBroadcast(t *testing.T) {
	assert.True(t, net.IPv4bcast.Equal(discoveryBroadcastIP(netip.Prefix{})))
}

func Test_DiscoveryBeaconSeenByCollector(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostCfg := Config{SessionName: "alpha-disco", MaxPlayers: 2, SessionPort: 19200, DiscoPort: 19201}
	host, err := StartHost(ctx, hostCfg, testLogger())
	require.NoError(t, err)
	defer host.EndSession()

	disco, err := StartDiscovery(ctx, 19201, testLogger())
	require.NoError(t, err)
	defer disco.Close()

	require.Eventually(t, func() bool {
		for _, rec := range disco.List() {
			if rec.SessionName == "alpha-disco" && rec.MaxPlayers == 2 {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond, "client must observe the host's beacon")
}

func Test_HostClientHandshakeAssignsSlotsAndBroadcastsList(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostCfg := Config{SessionName: "mesh-test", MaxPlayers: 2, SessionPort: 19210, DiscoPort: 19211}
	host, err := StartHost(ctx, hostCfg, testLogger())
	require.NoError(t, err)
	defer host.EndSession()

	clientCfg := Config{SessionPort: 19210, ListenPort: 19212}
	client, err := StartClient(ctx, clientCfg, "challenger", "127.0.0.1:19210", testLogger())
	require.NoError(t, err)
	defer client.EndSession()

	assert.Equal(t, uint8(1), client.MyPlayerID())

	require.Eventually(t, func() bool {
		return len(host.PlayerList()) == 2
	}, 3*time.Second, 50*time.Millisecond, "host must register the joining client")

	require.Eventually(t, func() bool {
		return len(client.PlayerList()) == 2
	}, 3*time.Second, 50*time.Millisecond, "client must receive the broadcast player list")

	names := map[string]bool{}
	for _, p := range client.PlayerList() {
		names[p.Name] = true
	}
	assert.True(t, names["challenger"])
}

func Test_SendFrameRejectsOversizedPayload(t *testing.T) {
	s := &Session{transport: newTransport(), peers: make(map[uint8]*peer), log: testLogger()}
	err := s.sendFrame(wire.FrameData, 0, make([]byte, wire.MaxFrameSize+1), 0)
	assert.ErrorIs(t, err, errFrameTooLarge)
}
