package lan

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
)

// maxFramedMessage bounds a single framed message on any peer stream. The
// largest is a blob Chunk (12-byte header plus up to BlobChunkSize bytes of
// data); the bound guards against a corrupt length prefix.
const maxFramedMessage = 12 + wire.BlobChunkSize

func writeFramed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFramedMessage {
		return nil, fmt.Errorf("lan: framed message too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// dialHost performs the client side of the join handshake (spec §4.4.2,
// steps 2–3): dial the host, receive ClientInit, answer with PlayerInfo.
func dialHost(ctx context.Context, hostAddr, name string, cfg Config) (*peer, wire.ClientInit, error) {
	p, err := dialPeer(ctx, hostAddr, 0)
	if err != nil {
		return nil, wire.ClientInit{}, err
	}

	_ = p.cmd.SetDeadline(time.Now().Add(HandshakeWindow))
	buf, err := readFramed(p.cmd)
	if err != nil {
		_ = p.close()
		return nil, wire.ClientInit{}, fmt.Errorf("read ClientInit: %w", err)
	}
	init, err := wire.DecodeClientInit(buf)
	if err != nil {
		_ = p.close()
		return nil, wire.ClientInit{}, fmt.Errorf("decode ClientInit: %w", err)
	}

	info := wire.PlayerInfo{Player: wire.Player{
		ID:     init.AssignedID,
		Status: wire.StatusClient,
		Name:   truncateName(name),
		Port:   uint16(cfg.ListenPort),
	}}
	if err := writeFramed(p.cmd, info.Encode()); err != nil {
		_ = p.close()
		return nil, wire.ClientInit{}, fmt.Errorf("send PlayerInfo: %w", err)
	}
	_ = p.cmd.SetDeadline(time.Time{})

	p.id = init.AssignedID
	return p, init, nil
}

// handleNewClient runs on the host for every accepted connection: assign a
// slot, exchange ClientInit/PlayerInfo, and on success register the peer
// and broadcast the updated player list (spec §4.4.2 steps 2–4).
func (s *Session) handleNewClient(ctx context.Context, p *peer) error {
	s.playersMu.Lock()
	if s.numPlayers >= int(s.cfg.MaxPlayers) {
		s.playersMu.Unlock()
		return p.close()
	}
	assigned := uint8(s.numPlayers)
	s.numPlayers++
	s.playersMu.Unlock()

	init := wire.ClientInit{AssignedID: assigned, MaxPlayers: s.cfg.MaxPlayers}
	_ = p.cmd.SetDeadline(time.Now().Add(HandshakeWindow))

	if err := writeFramed(p.cmd, init.Encode()); err != nil {
		s.rejectSlot(assigned)
		return p.close()
	}

	buf, err := readFramed(p.cmd)
	if err != nil {
		s.rejectSlot(assigned)
		return p.close()
	}
	info, err := wire.DecodePlayerInfo(buf)
	if err != nil || info.Player.ID != assigned {
		// PeerProtocolViolation (spec §7): id mismatch or malformed
		// PlayerInfo — disconnect the offender.
		s.rejectSlot(assigned)
		return p.close()
	}
	_ = p.cmd.SetDeadline(time.Time{})

	info.Player.ID = assigned
	info.Player.Status = wire.StatusClient
	info.Player.AddressV4 = remoteIPv4(p.addr)

	p.id = assigned

	s.playersMu.Lock()
	s.players[assigned] = info.Player
	s.playersMu.Unlock()

	s.peersMu.Lock()
	s.peers[assigned] = p
	s.peersMu.Unlock()

	s.transport.begin(int(assigned))
	s.broadcastPlayerList()

	return s.dispatchPeer(ctx, p)
}

func (s *Session) rejectSlot(id uint8) {
	s.playersMu.Lock()
	if int(id) == s.numPlayers-1 {
		s.numPlayers--
	}
	s.playersMu.Unlock()
}

func (s *Session) broadcastPlayerList() {
	s.playersMu.Lock()
	var list wire.PlayerList
	list.NumPlayers = uint8(s.numPlayers)
	for i := 0; i < s.numPlayers; i++ {
		list.Players[i] = s.players[i]
	}
	s.playersMu.Unlock()

	buf := list.Encode()

	s.peersMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()

	for _, p := range peers {
		if err := writeFramed(p.cmd, buf); err != nil {
			s.log.Warnw("player list broadcast failed", "peer", p.id, "error", err)
		}
	}
}

// BroadcastControl sends a pre-encoded control message (StartGame,
// UpdateSettings, ...) to every connected peer over the cmd channel.
func (s *Session) BroadcastControl(buf []byte) error {
	s.peersMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()

	for _, p := range peers {
		if err := writeFramed(p.cmd, buf); err != nil {
			return fmt.Errorf("lan: broadcast control to peer %d: %w", p.id, err)
		}
	}
	return nil
}

// NextControlEvent blocks until a non-PlayerList cmd-channel message
// arrives (StartGame, UpdateSettings), ctx is canceled, or EndSession runs.
func (s *Session) NextControlEvent(ctx context.Context) (ControlEvent, bool) {
	select {
	case ev, ok := <-s.controlEvents:
		return ev, ok
	case <-ctx.Done():
		return ControlEvent{}, false
	}
}

func remoteIPv4(addr string) [4]byte {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host).To4()
	var out [4]byte
	if ip != nil {
		copy(out[:], ip)
	}
	return out
}

func formatPeerAddr(addr [4]byte, port uint16) string {
	parts := make([]string, 4)
	for i, b := range addr {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, ".") + ":" + strconv.Itoa(int(port))
}
