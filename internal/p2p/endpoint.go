// Package p2p implements Gate's QUIC-based peer-to-peer session layer: a
// long-lived endpoint that dials and accepts ALPN-negotiated connections to
// other nodes and multiplexes bidirectional streams over them.
//
// Grounded on the teacher's internal/core/session.go connection lifecycle
// (dial/monitor/reconnect) and on original_source/crates/p2p/src/session.rs's
// P2PSession (connection table, accept loop, graceful shutdown), adapted
// from WebTransport-over-HTTP3 / iroh to bare quic-go connections, since
// spec.md §4.B calls for plain QUIC ALPN negotiation rather than either.
package p2p

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hellas-ai/gate/internal/identity"
)

// DefaultALPNs is the ALPN set every Gate endpoint offers, including the
// control-plane label (controlplane.ALPN) daemons dial relays with.
var DefaultALPNs = []string{"gate/1", "tlsforward/1", "gate-bootstrap/1"}

// Conn is a single authenticated peer connection.
type Conn struct {
	Peer   identity.NodeID
	quic   quic.Conn
}

// OpenStream opens a new bidirectional stream, ordered within itself,
// unordered relative to other streams on the same connection.
func (c *Conn) OpenStream(ctx context.Context) (quic.Stream, error) {
	return c.quic.OpenStreamSync(ctx)
}

// AcceptStream blocks for the next incoming bidirectional stream.
func (c *Conn) AcceptStream(ctx context.Context) (quic.Stream, error) {
	return c.quic.AcceptStream(ctx)
}

// Close closes the connection with a shutdown reason.
func (c *Conn) Close(reason string) error {
	return c.quic.CloseWithError(0, reason)
}

// Endpoint is a long-lived QUIC listener/dialer bound to one node identity.
// It caches at most one connection per peer and lets callers accept both
// inbound connections and, on each, inbound bidirectional streams.
type Endpoint struct {
	kp       identity.Keypair
	listener *quic.Listener
	quicConf *quic.Config

	mu    sync.Mutex
	conns map[identity.NodeID]*Conn

	incoming chan *Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// Bind starts listening on udpAddr (host:port; port 0 picks a random free
// port) using kp as this node's identity.
func Bind(kp identity.Keypair, udpAddr string) (*Endpoint, error) {
	tlsConf, err := tlsConfig(kp, DefaultALPNs)
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	}

	ln, err := quic.ListenAddr(udpAddr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("p2p: listen on %s: %w", udpAddr, err)
	}

	ep := &Endpoint{
		kp:       kp,
		listener: ln,
		quicConf: quicConf,
		conns:    make(map[identity.NodeID]*Conn),
		incoming: make(chan *Conn, 16),
		closed:   make(chan struct{}),
	}
	go ep.acceptLoop()
	return ep, nil
}

// LocalAddr returns the UDP address this endpoint is bound to.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.listener.Addr()
}

// ID returns this endpoint's own NodeID.
func (e *Endpoint) ID() identity.NodeID { return e.kp.ID }

func (e *Endpoint) acceptLoop() {
	for {
		qc, err := e.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			continue
		}
		conn, err := e.authenticate(qc)
		if err != nil {
			qc.CloseWithError(1, "authentication failed")
			continue
		}

		e.mu.Lock()
		e.conns[conn.Peer] = conn
		e.mu.Unlock()

		select {
		case e.incoming <- conn:
		case <-e.closed:
			return
		}
	}
}

func (e *Endpoint) authenticate(qc quic.Conn) (*Conn, error) {
	state := qc.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no peer certificate presented")
	}
	peer, err := peerNodeID(state.PeerCertificates[0])
	if err != nil {
		return nil, err
	}
	return &Conn{Peer: peer, quic: qc}, nil
}

// Accept blocks for the next inbound connection (post-handshake,
// authenticated).
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-e.incoming:
		return c, nil
	case <-e.closed:
		return nil, fmt.Errorf("p2p: endpoint closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial connects to addr, reusing a cached connection for (peer) if one is
// already open; a cached connection that has closed (e.g. after its idle
// timeout) is dropped and a fresh one dialled. alpn selects the
// sub-protocol negotiated for a newly dialled connection (e.g.
// "tlsforward/1").
func (e *Endpoint) Dial(ctx context.Context, addr identity.Address, alpn string) (*Conn, error) {
	e.mu.Lock()
	if c, ok := e.conns[addr.ID]; ok {
		select {
		case <-c.quic.Context().Done():
			delete(e.conns, addr.ID)
		default:
			e.mu.Unlock()
			return c, nil
		}
	}
	e.mu.Unlock()

	hint, err := firstDirectHint(addr)
	if err != nil {
		return nil, err
	}

	tlsConf, err := tlsConfig(e.kp, []string{alpn})
	if err != nil {
		return nil, err
	}

	qc, err := quic.DialAddr(ctx, hint, tlsConf, e.quicConf)
	if err != nil {
		return nil, fmt.Errorf("p2p: dial %s: %w", hint, err)
	}

	state := qc.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		qc.CloseWithError(1, "no peer certificate")
		return nil, fmt.Errorf("p2p: peer presented no certificate")
	}
	peer, err := peerNodeID(state.PeerCertificates[0])
	if err != nil {
		qc.CloseWithError(1, "bad peer certificate")
		return nil, err
	}
	if peer != addr.ID {
		qc.CloseWithError(1, "peer identity mismatch")
		return nil, fmt.Errorf("p2p: dialled %s but peer identified as %s", addr.ID, peer)
	}

	conn := &Conn{Peer: peer, quic: qc}
	e.mu.Lock()
	e.conns[addr.ID] = conn
	e.mu.Unlock()
	return conn, nil
}

func firstDirectHint(addr identity.Address) (string, error) {
	for _, h := range addr.Hints {
		if h.IsDirect() {
			return h.Direct, nil
		}
	}
	return "", fmt.Errorf("p2p: address %s has no direct hint to dial", addr.ID)
}

// Forget drops a cached connection, e.g. after the caller observes it has
// gone idle beyond the keep-alive window.
func (e *Endpoint) Forget(id identity.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, id)
}

// Shutdown drains accepts, closes all cached connections with
// reason="shutdown", and waits up to grace for the listener to close.
func (e *Endpoint) Shutdown(grace time.Duration) error {
	e.closeOnce.Do(func() { close(e.closed) })

	e.mu.Lock()
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[identity.NodeID]*Conn)
	e.mu.Unlock()

	for _, c := range conns {
		_ = c.Close("shutdown")
	}

	done := make(chan error, 1)
	go func() { done <- e.listener.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		return fmt.Errorf("p2p: shutdown grace period exceeded")
	}
}
