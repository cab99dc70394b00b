package lan

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/melonDS-emu/melonDS-sub010/internal/wire"
	"github.com/melonDS-emu/melonDS-sub010/internal/xnetip"
)

// beaconInterval is how often a host broadcasts its presence (spec §4.4.3).
const beaconInterval = 1 * time.Second

// discoveryStaleAfter evicts a discovery entry once this much time has
// passed without a newer tick from the same peer (spec §3.5, §8.3).
const discoveryStaleAfter = 5 * time.Second

// discoveryService is either a beacon sender (host) or a beacon collector
// (client); both share the same UDP broadcast socket setup.
type discoveryService struct {
	conn   *net.UDPConn
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]discoveryEntry
}

type discoveryEntry struct {
	record   wire.BeaconRecord
	seenAt   time.Time
}

// discoveryBroadcastIP computes the limited-broadcast address the beacon
// sender writes to: the last address of subnet if one is configured, or the
// global 255.255.255.255 otherwise.
func discoveryBroadcastIP(subnet netip.Prefix) net.IP {
	if !subnet.IsValid() {
		return net.IPv4bcast
	}
	last := xnetip.LastAddr(subnet)
	if v4 := last.As4(); last.Is4() {
		return net.IPv4(v4[0], v4[1], v4[2], v4[3])
	}
	return net.IPv4bcast
}

func newBroadcastSocket(port int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if sockErr != nil {
		_ = conn.Close()
		return nil, sockErr
	}

	return conn, nil
}

// startBeaconSender opens the discovery socket and broadcasts a beacon
// once per second describing the host's session (spec §4.4.3).
func startBeaconSender(ctx context.Context, cfg Config, s *Session, log *zap.SugaredLogger) (*discoveryService, error) {
	conn, err := newBroadcastSocket(0)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &discoveryService{conn: conn, cancel: cancel, entries: make(map[string]discoveryEntry)}

	broadcastAddr := &net.UDPAddr{IP: discoveryBroadcastIP(cfg.BroadcastSubnet), Port: cfg.DiscoPort}

	go func() {
		defer conn.Close()
		ticker := time.NewTicker(beaconInterval)
		defer ticker.Stop()

		var tick uint32
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick++
				s.playersMu.Lock()
				numPlayers := s.numPlayers
				s.playersMu.Unlock()

				rec := wire.BeaconRecord{
					Version:     wire.BeaconVersion,
					Tick:        tick,
					SessionName: cfg.SessionName,
					NumPlayers:  uint8(numPlayers),
					MaxPlayers:  cfg.MaxPlayers,
					Status:      wire.StatusHost,
				}
				buf := rec.Encode()
				if _, err := conn.WriteToUDP(buf, broadcastAddr); err != nil {
					log.Debugw("beacon send failed", "error", err)
				}
			}
		}
	}()

	return d, nil
}

// startBeaconCollector listens on the discovery port and accumulates
// beacons keyed by source address, evicting stale entries (spec §3.5,
// §8.1 scenario 4).
func startBeaconCollector(ctx context.Context, port int, log *zap.SugaredLogger) (*discoveryService, error) {
	conn, err := newBroadcastSocket(port)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &discoveryService{conn: conn, cancel: cancel, entries: make(map[string]discoveryEntry)}

	go func() {
		defer conn.Close()
		buf := make([]byte, wire.BeaconSize+64)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			rec, err := wire.DecodeBeaconRecord(buf[:n])
			if err != nil {
				log.Debugw("dropping malformed beacon", "error", err)
				continue
			}

			d.observe(addr.IP.String(), rec)
		}
	}()

	go d.evictLoop(ctx)

	return d, nil
}

func (d *discoveryService) observe(addr string, rec wire.BeaconRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.entries[addr]
	if ok && rec.Tick <= existing.record.Tick {
		return
	}
	d.entries[addr] = discoveryEntry{record: rec, seenAt: time.Now()}
}

func (d *discoveryService) evictOnce(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, e := range d.entries {
		if now.Sub(e.seenAt) > discoveryStaleAfter {
			delete(d.entries, addr)
		}
	}
}

func (d *discoveryService) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evictOnce(time.Now())
		}
	}
}

func (d *discoveryService) snapshot() map[string]wire.BeaconRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]wire.BeaconRecord, len(d.entries))
	for addr, e := range d.entries {
		out[addr] = e.record
	}
	return out
}

func (d *discoveryService) stop() {
	d.cancel()
}

// Discovery is a standalone beacon collector, usable without a running
// Session — spec §8.1 scenario 4 exercises discovery in isolation, before
// any client has joined a game.
type Discovery struct {
	svc *discoveryService
}

// StartDiscovery opens a collector on the given port (0 uses
// DiscoveryPort).
func StartDiscovery(ctx context.Context, port int, log *zap.SugaredLogger) (*Discovery, error) {
	if port == 0 {
		port = DiscoveryPort
	}
	svc, err := startBeaconCollector(ctx, port, log)
	if err != nil {
		return nil, err
	}
	return &Discovery{svc: svc}, nil
}

// List returns the current beacon set, keyed by source IPv4 address.
func (d *Discovery) List() map[string]wire.BeaconRecord {
	return d.svc.snapshot()
}

// Close stops the collector.
func (d *Discovery) Close() {
	d.svc.stop()
}
