package lan

import (
	"context"
	"time"

	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// identifyWindow bounds the tiny one-byte handshake a mesh-dialing peer
// sends so the accepting side can attribute the connection to an id
// without re-running the full ClientInit/PlayerInfo exchange.
const identifyWindow = 5 * time.Second

// handleMeshPeer completes the accepting side of a peer-to-peer mesh
// connection opened by a lower-numbered peer once the player list
// stabilised (spec §4.4.1).
func (s *Session) handleMeshPeer(ctx context.Context, p *peer) error {
	_ = p.cmd.SetDeadline(time.Now().Add(identifyWindow))
	buf, err := readFramed(p.cmd)
	if err != nil || len(buf) != 1 {
		return p.close()
	}
	_ = p.cmd.SetDeadline(time.Time{})

	p.id = buf[0]

	s.peersMu.Lock()
	s.peers[p.id] = p
	s.peersMu.Unlock()

	s.transport.begin(int(p.id))

	return s.dispatchPeer(ctx, p)
}

// connectMesh dials every peer named in list whose id is greater than our
// own and not yet connected, completing the mesh once a fresh PlayerList
// arrives (spec §4.4.1: "every client opens direct connections to every
// other peer"). Peers with a higher id accept the resulting connection on
// their own listener instead, so each pair connects exactly once.
func (s *Session) connectMesh(ctx context.Context, list wire.PlayerList) {
	for i := 0; i < int(list.NumPlayers); i++ {
		player := list.Players[i]
		if player.ID <= s.myID {
			continue
		}

		s.peersMu.Lock()
		_, known := s.peers[player.ID]
		s.peersMu.Unlock()
		if known {
			continue
		}

		addr := formatPeerAddr(player.AddressV4, player.Port)
		p, err := dialPeer(ctx, addr, player.ID)
		if err != nil {
			s.log.Warnw("mesh dial failed", "peer", player.ID, "addr", addr, "error", err)
			continue
		}

		if err := writeFramed(p.cmd, []byte{s.myID}); err != nil {
			s.log.Warnw("mesh identify failed", "peer", player.ID, "error", err)
			_ = p.close()
			continue
		}

		s.peersMu.Lock()
		s.peers[player.ID] = p
		s.peersMu.Unlock()

		s.transport.begin(int(player.ID))
		s.group.Go(func() error { return s.dispatchPeer(ctx, p) })
	}
}

// dispatchPeer runs for the lifetime of one peer connection: one goroutine
// drains the mp channel into the transport, the caller's goroutine drains
// the cmd channel for control messages (spec §4.4.4: "events on the cmd
// channel are dispatched inline").
func (s *Session) dispatchPeer(ctx context.Context, p *peer) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readMPChannel(p)
	}()

	defer func() {
		<-done
		s.onPeerGone(p)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		buf, err := readFramed(p.cmd)
		if err != nil {
			return nil
		}

		cmd, err := wire.PeekCommand(buf)
		if err != nil {
			continue
		}

		if cmd == wire.CmdPlayerList {
			list, err := wire.DecodePlayerList(buf)
			if err != nil {
				continue
			}

			s.playersMu.Lock()
			s.numPlayers = int(list.NumPlayers)
			for i := 0; i < int(list.NumPlayers); i++ {
				s.players[i] = list.Players[i]
			}
			s.playersMu.Unlock()

			if !s.isHostSession() {
				s.connectMesh(ctx, list)
			}
			continue
		}

		if cmd == wire.CmdStartGame || cmd == wire.CmdUpdateSettings {
			select {
			case s.controlEvents <- ControlEvent{Cmd: cmd, Body: buf}:
			default:
				s.log.Warnw("control event dropped: receiver not draining", "cmd", cmd)
			}
		}
	}
}

func (s *Session) readMPChannel(p *peer) {
	for {
		buf, err := readFramed(p.mp)
		if err != nil {
			return
		}
		if len(buf) < wire.EnvelopeSize {
			continue
		}
		env, err := wire.DecodeEnvelope(buf[:wire.EnvelopeSize])
		if err != nil {
			continue
		}
		s.transport.ingest(int(p.id), env, buf[wire.EnvelopeSize:])
	}
}

func (s *Session) onPeerGone(p *peer) {
	s.peersMu.Lock()
	delete(s.peers, p.id)
	s.peersMu.Unlock()

	s.transport.end(int(p.id))

	if s.isHostSession() {
		s.playersMu.Lock()
		if int(p.id) < s.numPlayers {
			s.players[p.id].Status = wire.StatusDisconnected
		}
		s.playersMu.Unlock()
		s.broadcastPlayerList()
	}
}
