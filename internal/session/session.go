// Package session implements spec.md §6.5's unifying surface: the same
// start_host/start_client/process/process_input/apply_input entry points
// the emulator drives regardless of whether instances share one process
// (LocalMP) or are spread across the network (LAN), matching app.App's
// role in the teacher of owning and wiring its subsystems together behind
// one small lifecycle type.
package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/melonDS-emu/melonDS-sub010/internal/emucore"
	"github.com/melonDS-emu/melonDS-sub010/internal/lan"
	"github.com/melonDS-emu/melonDS-sub010/internal/localmp"
	"github.com/melonDS-emu/melonDS-sub010/internal/netplay"
	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// Mode selects which transport backs a Session.
type Mode int

const (
	// ModeLocal seats every instance in one process over LocalMP (split
	// emulation, test harnesses).
	ModeLocal Mode = iota
	// ModeLAN carries frames over the peer-to-peer mesh in internal/lan.
	ModeLAN
)

// Config parameterises a Session (see SPEC_FULL.md's ambient-stack
// section for the YAML shape this is loaded from).
type Config struct {
	Mode       Mode
	Name       string
	MaxPlayers uint8
	HostAddr   string // dial target for ModeLAN clients; empty when hosting
	LAN        lan.Config
	Settings   netplay.Settings

	// QueueSize overrides LocalMP's per-instance packet/reply queue
	// capacity (ModeLocal only). Zero keeps localmp.QueueCapacity.
	QueueSize datasize.ByteSize
}

// Clock supplies the monotonic millisecond value Netplay stamps on
// outgoing InputReports.
type Clock = func() uint64

// Session owns one multiplayer game's transport and per-instance Netplay
// engines, and is the only type the emulator-facing frontend needs to
// drive (spec.md §6.5).
type Session struct {
	log    *zap.SugaredLogger
	cfg    Config
	clock  Clock
	isHost bool

	localTransport *localmp.Transport
	lanSession     *lan.Session

	mu      sync.Mutex
	engines map[uint8]*netplay.Engine
}

// StartHost seats this process as the host: slot 0, LocalMP begun locally,
// or (ModeLAN) a listening session plus discovery beacon (spec.md §4.4.5).
func StartHost(ctx context.Context, cfg Config, clock Clock, log *zap.SugaredLogger) (*Session, error) {
	s := &Session{
		log:     log.Named("session"),
		cfg:     cfg,
		clock:   clock,
		isHost:  true,
		engines: make(map[uint8]*netplay.Engine),
	}

	switch cfg.Mode {
	case ModeLocal:
		if cfg.QueueSize > 0 {
			s.localTransport = localmp.NewWithQueueCapacity(int(cfg.QueueSize.Bytes()))
		} else {
			s.localTransport = localmp.New()
		}
	case ModeLAN:
		lanCfg := cfg.LAN
		lanCfg.SessionName = cfg.Name
		lanCfg.MaxPlayers = cfg.MaxPlayers
		lanSess, err := lan.StartHost(ctx, lanCfg, log)
		if err != nil {
			return nil, fmt.Errorf("session: start host: %w", err)
		}
		s.lanSession = lanSess
	default:
		return nil, fmt.Errorf("session: unknown mode %d", cfg.Mode)
	}
	return s, nil
}

// StartClient joins an existing session. ModeLocal has no notion of a
// remote host to join — it is only meaningful with ModeLAN.
func StartClient(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Session, error) {
	if cfg.Mode != ModeLAN {
		return nil, fmt.Errorf("session: StartClient requires ModeLAN")
	}
	lanCfg := cfg.LAN
	lanSess, err := lan.StartClient(ctx, lanCfg, cfg.Name, cfg.HostAddr, log)
	if err != nil {
		return nil, fmt.Errorf("session: join handshake: %w", err)
	}
	return &Session{
		log:        log.Named("session"),
		cfg:        cfg,
		lanSession: lanSess,
		engines:    make(map[uint8]*netplay.Engine),
	}, nil
}

// EndSession tears down the transport and every registered engine.
func (s *Session) EndSession() error {
	s.mu.Lock()
	s.engines = make(map[uint8]*netplay.Engine)
	s.mu.Unlock()

	if s.lanSession != nil {
		return s.lanSession.EndSession()
	}
	return nil
}

// PlayerList reports the current session roster. ModeLocal has no player
// metadata of its own; it reports only the registered instance ids.
func (s *Session) PlayerList() []wire.Player {
	if s.lanSession != nil {
		return s.lanSession.PlayerList()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Player, 0, len(s.engines))
	for id := range s.engines {
		out = append(out, wire.Player{ID: id, Status: wire.StatusClient})
	}
	return out
}

// DiscoveryList returns lan.Session.DiscoveryList's result (ModeLAN only;
// nil otherwise). A LAN session collects no beacons itself: a host's list
// stays empty and a client's is nil.
func (s *Session) DiscoveryList() map[string]wire.BeaconRecord {
	if s.lanSession == nil {
		return nil
	}
	return s.lanSession.DiscoveryList()
}

// Begin seats instance id in the session and constructs the Netplay
// engine that will drive core for it (spec.md §6.5's begin(inst)).
func (s *Session) Begin(id uint8, numPlayers uint8, core emucore.Core) error {
	tr, err := s.transportFor(id)
	if err != nil {
		return err
	}

	e := netplay.New(core, tr, id, numPlayers, s.cfg.Settings, s.clockOrDefault(), s.log)

	s.mu.Lock()
	s.engines[id] = e
	s.mu.Unlock()
	return nil
}

// End unseats instance id.
func (s *Session) End(id uint8) {
	if s.localTransport != nil {
		s.localTransport.End(int(id))
	}
	s.mu.Lock()
	delete(s.engines, id)
	s.mu.Unlock()
}

func (s *Session) transportFor(id uint8) (netplay.Transport, error) {
	switch {
	case s.localTransport != nil:
		s.localTransport.Begin(int(id))
		return s.localTransport.Bind(int(id)), nil
	case s.lanSession != nil:
		return s.lanSession, nil
	default:
		return nil, fmt.Errorf("session: no transport configured")
	}
}

func (s *Session) clockOrDefault() Clock {
	if s.clock != nil {
		return s.clock
	}
	return func() uint64 { return 0 }
}

func (s *Session) engine(id uint8) (*netplay.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[id]
	if !ok {
		return nil, fmt.Errorf("session: instance %d not begun", id)
	}
	return e, nil
}

// ProcessInput implements spec.md §6.5's process_input for instance id.
func (s *Session) ProcessInput(ctx context.Context, id uint8, input netplay.Input) error {
	e, err := s.engine(id)
	if err != nil {
		return err
	}
	return e.ProcessInput(ctx, input)
}

// ApplyInput implements spec.md §6.5's apply_input for instance id.
func (s *Session) ApplyInput(id uint8, remotePlayer uint8, frame uint32) error {
	e, err := s.engine(id)
	if err != nil {
		return err
	}
	e.ApplyInput(remotePlayer, frame)
	return nil
}

// Process drains one inbound network event for instance id (spec.md §6.5's
// process(instance_id)). Must be called at least once per emulated frame.
func (s *Session) Process(ctx context.Context, id uint8, block bool) error {
	e, err := s.engine(id)
	if err != nil {
		return err
	}
	return e.Process(ctx, block)
}

// StartGame is the host-only transition of spec.md §4.5.3: broadcast
// UpdateSettings, broadcast StartGame, then snapshot core and distribute the
// savestate over the blob protocol, returning once every peer has ACKed.
func (s *Session) StartGame(ctx context.Context, core emucore.Core) error {
	if !s.isHost {
		return fmt.Errorf("session: only the host may start the game")
	}
	if s.lanSession == nil {
		// ModeLocal has no peers to synchronise; nothing to distribute.
		return nil
	}

	settings := wire.UpdateSettings{Delay: s.cfg.Settings.Delay, ChunkSize: s.cfg.Settings.ChunkSize}
	if err := s.lanSession.BroadcastControl(settings.Encode()); err != nil {
		return fmt.Errorf("session: broadcast settings: %w", err)
	}

	// StartGame goes out before the blob transfer, not after: it is the
	// client's cue to switch into ReceiveBlob, which must already be
	// reading when the host's ACK wait (inside SendBlob) blocks on it.
	if err := s.lanSession.BroadcastControl(wire.StartGame{}.Encode()); err != nil {
		return fmt.Errorf("session: broadcast start-game: %w", err)
	}

	var buf bytes.Buffer
	if err := core.SaveState(&buf); err != nil {
		return fmt.Errorf("session: savestate for blob distribution: %w", err)
	}
	return s.lanSession.SendBlob(ctx, wire.BlobInitState, buf.Bytes())
}

// AwaitGameStart blocks (client-side) until the host's StartGame control
// message arrives, applying UpdateSettings as it is observed along the way.
func (s *Session) AwaitGameStart(ctx context.Context) error {
	if s.lanSession == nil {
		return nil
	}
	for {
		ev, ok := s.lanSession.NextControlEvent(ctx)
		if !ok {
			return ctx.Err()
		}
		switch ev.Cmd {
		case wire.CmdUpdateSettings:
			settings, err := wire.DecodeUpdateSettings(ev.Body)
			if err != nil {
				continue
			}
			s.cfg.Settings = netplay.Settings{Delay: settings.Delay, ChunkSize: settings.ChunkSize}
		case wire.CmdStartGame:
			return nil
		}
	}
}

// ReceiveInitialState is the client-side counterpart of StartGame: blocks
// until the host's blob transfer completes, then applies it to core.
func (s *Session) ReceiveInitialState(ctx context.Context, core emucore.Core) error {
	if s.lanSession == nil {
		return nil
	}
	typ, data, err := s.lanSession.ReceiveBlob(ctx)
	if err != nil {
		return fmt.Errorf("session: receive initial state: %w", err)
	}
	if typ != wire.BlobInitState {
		return fmt.Errorf("session: expected init_state blob, got type %d", typ)
	}
	return core.LoadState(bytes.NewReader(data))
}
