// Package lan implements the peer-to-peer session transport described in
// spec.md §4.4: a reliable-datagram listener per peer (host first, then a
// full mesh once the player list stabilises), a discovery beacon, and the
// same send/recv MP semantics LocalMP exposes, carried over the network
// instead of shared memory.
package lan

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/melonDS-emu/melonDS-sub010/internal/bitset"
	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// SessionPort is the default reliable-transport port (spec §6.4).
const SessionPort = 7064

// DiscoveryPort is the UDP broadcast discovery port (spec §6.4).
const DiscoveryPort = 7063

// HandshakeWindow bounds the ClientInit/PlayerInfo/PlayerList exchange
// (spec §4.4.2).
const HandshakeWindow = 5 * time.Second

// Session owns every piece of LAN state for one multiplayer game: the
// player array, the peer mesh, the reliable transport and the discovery
// service. It replaces the source's process-wide statics (spec §9,
// "Global mutable state") with one object created by StartHost/StartClient
// and threaded through every call.
type Session struct {
	log *zap.SugaredLogger
	cfg Config

	// playersMu guards the player array and my_player_id, matching §5's
	// "one mutex guarding the player array".
	playersMu sync.Mutex
	players   [wire.MaxPlayers]wire.Player
	numPlayers int
	myID       uint8
	hostAddr   string

	peersMu sync.Mutex
	peers   map[uint8]*peer

	transport *Transport
	discovery *discoveryService

	// controlEvents carries CmdStartGame/CmdUpdateSettings notifications
	// from dispatchPeer's cmd-channel reader out to the session layer,
	// which owns the Netplay/emulator side of those transitions.
	controlEvents chan ControlEvent

	group  *errgroup.Group
	cancel context.CancelFunc
}

// ControlEvent is one non-PlayerList control message observed on the cmd
// channel, handed to the caller of NextControlEvent for dispatch.
type ControlEvent struct {
	Cmd  wire.CommandID
	Body []byte
}

// Config parameterises a Session, loaded from the application's YAML
// settings (see SPEC_FULL.md's ambient-stack section).
type Config struct {
	SessionName string
	MaxPlayers  uint8
	SessionPort int // port clients dial to reach the host
	ListenPort  int // port this session's own listener binds (defaults to SessionPort)
	DiscoPort   int

	// BroadcastSubnet, when valid, scopes the discovery beacon's limited
	// broadcast to this subnet's last address instead of the global
	// 255.255.255.255 (useful on hosts with more than one active LAN).
	BroadcastSubnet netip.Prefix
}

func (c Config) withDefaults() Config {
	if c.SessionPort == 0 {
		c.SessionPort = SessionPort
	}
	if c.ListenPort == 0 {
		c.ListenPort = c.SessionPort
	}
	if c.DiscoPort == 0 {
		c.DiscoPort = DiscoveryPort
	}
	if c.MaxPlayers == 0 {
		c.MaxPlayers = wire.MaxPlayers
	}
	return c
}

// StartHost creates a host session: self seated in slot 0 as Host, a
// listener accepting peer connections, and a discovery beacon broadcasting
// once per second (spec §4.4.5, §4.4.3).
func StartHost(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Session, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	s := &Session{
		log:           log.Named("lan"),
		cfg:           cfg,
		peers:         make(map[uint8]*peer),
		transport:     newTransport(),
		controlEvents: make(chan ControlEvent, 16),
		group:         group,
		cancel:        cancel,
		myID:          0,
	}
	s.players[0] = wire.Player{ID: 0, Status: wire.StatusHost, Name: truncateName(cfg.SessionName)}
	s.numPlayers = 1

	listener, err := newListener(cfg.ListenPort)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("lan: start host listener: %w", err)
	}

	group.Go(func() error { return s.acceptLoop(gctx, listener) })

	disco, err := startBeaconSender(gctx, cfg, s, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("lan: start discovery beacon: %w", err)
	}
	s.discovery = disco

	return s, nil
}

// StartClient connects to a host, completes the join handshake and opens a
// listener of its own so later peers can mesh directly (spec §4.4.1,
// §4.4.2).
func StartClient(ctx context.Context, cfg Config, name, hostAddr string, log *zap.SugaredLogger) (*Session, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	s := &Session{
		log:           log.Named("lan"),
		cfg:           cfg,
		peers:         make(map[uint8]*peer),
		transport:     newTransport(),
		controlEvents: make(chan ControlEvent, 16),
		group:         group,
		cancel:        cancel,
		hostAddr:      hostAddr,
	}

	hostPeer, init, err := dialHost(ctx, hostAddr, name, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("lan: join handshake: %w", err)
	}
	s.myID = init.AssignedID

	s.peersMu.Lock()
	s.peers[0] = hostPeer
	s.peersMu.Unlock()
	s.transport.begin(int(s.myID))
	s.transport.begin(0)

	listener, err := newListener(cfg.ListenPort)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("lan: start client listener: %w", err)
	}
	group.Go(func() error { return s.acceptLoop(gctx, listener) })
	group.Go(func() error { return s.dispatchPeer(gctx, hostPeer) })

	return s, nil
}

// EndSession disconnects every peer, stops the discovery beacon/listener
// goroutines and drains pending packets (spec §4.4.5).
func (s *Session) EndSession() error {
	s.cancel()

	s.peersMu.Lock()
	for id, p := range s.peers {
		_ = p.close()
		delete(s.peers, id)
	}
	s.peersMu.Unlock()

	s.transport.clear()
	if s.discovery != nil {
		s.discovery.stop()
	}
	return s.group.Wait()
}

// PlayerList returns a snapshot of the current player array.
func (s *Session) PlayerList() []wire.Player {
	s.playersMu.Lock()
	defer s.playersMu.Unlock()

	out := make([]wire.Player, 0, s.numPlayers)
	for i := 0; i < s.numPlayers; i++ {
		out = append(out, s.players[i])
	}
	return out
}

// DiscoveryList returns the beacons held by this session's discovery
// service. A host session's service only sends beacons and never fills its
// list, so the result is empty; a client session runs no discovery service
// and gets nil. Beacons from other hosts are collected only by a standalone
// Discovery (StartDiscovery).
func (s *Session) DiscoveryList() map[string]wire.BeaconRecord {
	if s.discovery == nil {
		return nil
	}
	return s.discovery.snapshot()
}

// MyPlayerID returns the instance id assigned to this session.
func (s *Session) MyPlayerID() uint8 { return s.myID }

// connectedMask reports which peer slots are currently live.
func (s *Session) connectedMask() bitset.Set {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	var m bitset.Set
	m.Insert(uint(s.myID))
	for id := range s.peers {
		m.Insert(uint(id))
	}
	return m
}

func truncateName(name string) string {
	if len(name) > wire.MaxPlayerNameLen {
		return name[:wire.MaxPlayerNameLen]
	}
	return name
}
