package wire

import (
	"encoding/binary"
	"fmt"
)

// ControlMagic identifies every LAN control message ("LANP").
const ControlMagic uint32 = 0x504E414C

// ControlProtoVersion is the only protocol version this port speaks; a
// mismatch is a PeerProtocolViolation (spec.md §7).
const ControlProtoVersion uint32 = 1

// CommandID is the leading byte of every control message (spec.md §6.3:
// "leading byte is the command id").
type CommandID uint8

const (
	CmdClientInit CommandID = iota + 1
	CmdPlayerInfo
	CmdPlayerList
	CmdStartGame
	CmdUpdateSettings
)

// PlayerStatus enumerates the per-peer state machine (spec.md §3.2).
type PlayerStatus uint8

const (
	StatusNone PlayerStatus = iota
	StatusConnecting
	StatusClient
	StatusHost
	StatusDisconnected
)

// MaxPlayerNameLen is the printable-byte budget for Player.Name before the
// NUL terminator (spec.md §3.2).
const MaxPlayerNameLen = 31

// playerWireSize is the encoded size of one Player record.
const playerWireSize = 1 + 1 + (MaxPlayerNameLen + 1) + 4 + 2 + 4 + 4

// MaxPlayers is the hard ceiling on session occupancy (spec.md §3.3).
const MaxPlayers = 16

// Player is the per-peer session record (spec.md §3.2).
type Player struct {
	ID                uint8
	Status            PlayerStatus
	Name              string
	AddressV4         [4]byte
	Port              uint16
	LastCompleteFrame uint32
	Ping              uint32
}

func encodePlayer(dst []byte, p Player) []byte {
	var buf [playerWireSize]byte
	buf[0] = p.ID
	buf[1] = uint8(p.Status)

	var name [MaxPlayerNameLen + 1]byte
	n := copy(name[:MaxPlayerNameLen], p.Name)
	_ = n // remaining bytes stay zero, which is the NUL terminator
	copy(buf[2:2+len(name)], name[:])

	off := 2 + len(name)
	copy(buf[off:off+4], p.AddressV4[:])
	off += 4
	binary.LittleEndian.PutUint16(buf[off:off+2], p.Port)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:off+4], p.LastCompleteFrame)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], p.Ping)

	return append(dst, buf[:]...)
}

func decodePlayer(src []byte) (Player, error) {
	if len(src) < playerWireSize {
		return Player{}, fmt.Errorf("wire: player record too short: %d bytes", len(src))
	}

	p := Player{
		ID:     src[0],
		Status: PlayerStatus(src[1]),
	}

	nameEnd := 2
	for nameEnd < 2+MaxPlayerNameLen+1 && src[nameEnd] != 0 {
		nameEnd++
	}
	p.Name = string(src[2:nameEnd])

	off := 2 + MaxPlayerNameLen + 1
	copy(p.AddressV4[:], src[off:off+4])
	off += 4
	p.Port = binary.LittleEndian.Uint16(src[off : off+2])
	off += 2
	p.LastCompleteFrame = binary.LittleEndian.Uint32(src[off : off+4])
	off += 4
	p.Ping = binary.LittleEndian.Uint32(src[off : off+4])

	return p, nil
}

func controlHeader(dst []byte, cmd CommandID) []byte {
	var buf [9]byte
	buf[0] = uint8(cmd)
	binary.LittleEndian.PutUint32(buf[1:5], ControlMagic)
	binary.LittleEndian.PutUint32(buf[5:9], ControlProtoVersion)
	return append(dst, buf[:]...)
}

func decodeControlHeader(src []byte) (CommandID, error) {
	if len(src) < 9 {
		return 0, fmt.Errorf("wire: control header too short: %d bytes", len(src))
	}
	magic := binary.LittleEndian.Uint32(src[1:5])
	version := binary.LittleEndian.Uint32(src[5:9])
	if magic != ControlMagic {
		return 0, fmt.Errorf("wire: bad control magic %#x", magic)
	}
	if version != ControlProtoVersion {
		return 0, fmt.Errorf("wire: unsupported protocol version %d", version)
	}
	return CommandID(src[0]), nil
}

// ClientInit is the host's reply to a new connection (spec.md §4.4.2 step 2).
type ClientInit struct {
	AssignedID uint8
	MaxPlayers uint8
}

func (m ClientInit) Encode() []byte {
	buf := controlHeader(nil, CmdClientInit)
	return append(buf, m.AssignedID, m.MaxPlayers)
}

func DecodeClientInit(src []byte) (ClientInit, error) {
	cmd, err := decodeControlHeader(src)
	if err != nil {
		return ClientInit{}, err
	}
	if cmd != CmdClientInit {
		return ClientInit{}, fmt.Errorf("wire: expected ClientInit, got command %d", cmd)
	}
	if len(src) < 11 {
		return ClientInit{}, fmt.Errorf("wire: ClientInit too short: %d bytes", len(src))
	}
	return ClientInit{AssignedID: src[9], MaxPlayers: src[10]}, nil
}

// PlayerInfo is a client's self-description sent during the join handshake
// (spec.md §4.4.2 step 3).
type PlayerInfo struct {
	Player Player
}

func (m PlayerInfo) Encode() []byte {
	buf := controlHeader(nil, CmdPlayerInfo)
	return encodePlayer(buf, m.Player)
}

func DecodePlayerInfo(src []byte) (PlayerInfo, error) {
	cmd, err := decodeControlHeader(src)
	if err != nil {
		return PlayerInfo{}, err
	}
	if cmd != CmdPlayerInfo {
		return PlayerInfo{}, fmt.Errorf("wire: expected PlayerInfo, got command %d", cmd)
	}
	p, err := decodePlayer(src[9:])
	if err != nil {
		return PlayerInfo{}, err
	}
	return PlayerInfo{Player: p}, nil
}

// PlayerList is the host-authoritative snapshot broadcast after any seat
// change (spec.md §4.4.2 step 4, §3.3: "only the host may mutate the
// player list; clients apply a snapshot").
type PlayerList struct {
	NumPlayers uint8
	Players    [MaxPlayers]Player
}

func (m PlayerList) Encode() []byte {
	buf := controlHeader(nil, CmdPlayerList)
	buf = append(buf, m.NumPlayers)
	for _, p := range m.Players {
		buf = encodePlayer(buf, p)
	}
	return buf
}

func DecodePlayerList(src []byte) (PlayerList, error) {
	cmd, err := decodeControlHeader(src)
	if err != nil {
		return PlayerList{}, err
	}
	if cmd != CmdPlayerList {
		return PlayerList{}, fmt.Errorf("wire: expected PlayerList, got command %d", cmd)
	}

	rest := src[9:]
	if len(rest) < 1+MaxPlayers*playerWireSize {
		return PlayerList{}, fmt.Errorf("wire: PlayerList too short: %d bytes", len(rest))
	}

	out := PlayerList{NumPlayers: rest[0]}
	rest = rest[1:]
	for i := 0; i < MaxPlayers; i++ {
		p, err := decodePlayer(rest[i*playerWireSize : (i+1)*playerWireSize])
		if err != nil {
			return PlayerList{}, err
		}
		out.Players[i] = p
	}
	return out, nil
}

// UpdateSettings propagates host-configured session settings, notably the
// input delay (spec.md §3.4, §4.5.1).
type UpdateSettings struct {
	Delay     uint8
	ChunkSize uint32
}

func (m UpdateSettings) Encode() []byte {
	buf := controlHeader(nil, CmdUpdateSettings)
	buf = append(buf, m.Delay)
	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], m.ChunkSize)
	return append(buf, sz[:]...)
}

func DecodeUpdateSettings(src []byte) (UpdateSettings, error) {
	cmd, err := decodeControlHeader(src)
	if err != nil {
		return UpdateSettings{}, err
	}
	if cmd != CmdUpdateSettings {
		return UpdateSettings{}, fmt.Errorf("wire: expected UpdateSettings, got command %d", cmd)
	}
	if len(src) < 14 {
		return UpdateSettings{}, fmt.Errorf("wire: UpdateSettings too short: %d bytes", len(src))
	}
	return UpdateSettings{
		Delay:     src[9],
		ChunkSize: binary.LittleEndian.Uint32(src[10:14]),
	}, nil
}

// StartGame signals every client to assemble its blob transfer and begin
// frame advancement once applied (spec.md §4.5.3).
type StartGame struct{}

func (m StartGame) Encode() []byte {
	return controlHeader(nil, CmdStartGame)
}

func DecodeStartGame(src []byte) (StartGame, error) {
	cmd, err := decodeControlHeader(src)
	if err != nil {
		return StartGame{}, err
	}
	if cmd != CmdStartGame {
		return StartGame{}, fmt.Errorf("wire: expected StartGame, got command %d", cmd)
	}
	return StartGame{}, nil
}

// PeekCommand reads the leading command id of a control message without
// fully decoding it, so the LAN cmd-channel dispatcher can route to the
// right decoder.
func PeekCommand(src []byte) (CommandID, error) {
	if len(src) < 1 {
		return 0, fmt.Errorf("wire: empty control message")
	}
	return CommandID(src[0]), nil
}
