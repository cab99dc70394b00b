package lan

import (
	"context"
	"fmt"
	"net"

	"github.com/cenkalti/backoff/v5"
	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
)

// Logical channel numbers of the three streams on every peer's smux
// session, matching spec §4.4.1's cmd/mp channels plus the blob channel from
// §4.5.3. They only name the channels: dialPeer opens the streams in cmd,
// mp, blob order, acceptPeer accepts them in that order, and smux assigns
// its own stream ids.
const (
	streamCmd  = 0
	streamMP   = 1
	streamBlob = 17
)

// peer is one established reliable-datagram connection: a kcp session
// carrying a smux multiplexer, with the three logical channels opened as
// independent streams.
type peer struct {
	id      uint8
	addr    string
	sess    *smux.Session
	cmd     *smux.Stream
	mp      *smux.Stream
	blob    *smux.Stream
	outbound bool // true if this end dialed, false if it accepted
}

func newListener(port int) (net.Listener, error) {
	return kcp.ListenWithOptions(fmt.Sprintf(":%d", port), nil, 0, 0)
}

// dialPeer opens a kcp connection to addr and opens the three logical
// streams as the smux client side, retrying with exponential backoff the
// way bird-adapter retries its gRPC stream.
func dialPeer(ctx context.Context, addr string, id uint8) (*peer, error) {
	var conn net.Conn
	op := func() (net.Conn, error) {
		return kcp.DialWithOptions(addr, nil, 0, 0)
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", addr, err)
	}
	conn = result

	sess, err := smux.Client(conn, smux.DefaultConfig())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smux client %s: %w", addr, err)
	}

	cmdStream, err := sess.OpenStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("open cmd stream to %s: %w", addr, err)
	}
	mpStream, err := sess.OpenStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("open mp stream to %s: %w", addr, err)
	}
	blobStream, err := sess.OpenStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("open blob stream to %s: %w", addr, err)
	}

	return &peer{id: id, addr: addr, sess: sess, cmd: cmdStream, mp: mpStream, blob: blobStream, outbound: true}, nil
}

// acceptPeer completes the accepting side of a connection: wrap it as a
// smux server and accept the three streams the dialer opened, in order.
func acceptPeer(conn net.Conn) (*peer, error) {
	sess, err := smux.Server(conn, smux.DefaultConfig())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smux server: %w", err)
	}

	cmdStream, err := sess.AcceptStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("accept cmd stream: %w", err)
	}
	mpStream, err := sess.AcceptStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("accept mp stream: %w", err)
	}
	blobStream, err := sess.AcceptStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("accept blob stream: %w", err)
	}

	return &peer{addr: conn.RemoteAddr().String(), sess: sess, cmd: cmdStream, mp: mpStream, blob: blobStream, outbound: false}, nil
}

func (p *peer) close() error {
	return p.sess.Close()
}

// acceptLoop runs on the session's listener for its whole lifetime,
// accepting both the initial host<-client connection and later mesh
// connections from lower-numbered peers.
func (s *Session) acceptLoop(ctx context.Context, l net.Listener) error {
	defer l.Close()

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("lan: accept: %w", err)
		}

		p, err := acceptPeer(conn)
		if err != nil {
			s.log.Warnw("peer handshake failed", "error", err)
			continue
		}

		if s.isHostSession() {
			s.group.Go(func() error { return s.handleNewClient(ctx, p) })
		} else {
			s.group.Go(func() error { return s.handleMeshPeer(ctx, p) })
		}
	}
}

func (s *Session) isHostSession() bool {
	return s.myID == 0 && s.hostAddr == ""
}
