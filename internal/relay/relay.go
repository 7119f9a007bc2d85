// Package relay implements the public-facing TLS forwarding server (spec.md
// §4.F): it accepts raw TCP connections on the public listener, peeks the
// SNI out of the first ClientHello bytes, looks the hostname up in the
// domain registry, and forwards the connection byte-for-byte to the owning
// peer over a P2P stream. The relay never possesses or uses a certificate
// for the forwarded session — TLS terminates at the daemon.
//
// Grounded on the teacher's cmd/aether-gateway/main.go handleStream (paired
// copy goroutines joined over an error channel), generalized here to join
// over golang.org/x/sync/errgroup, and on original_source/crates/relay/src/
// sni.rs's peek-then-dispatch flow.
package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hellas-ai/gate/internal/identity"
	"github.com/hellas-ai/gate/internal/p2p"
	"github.com/hellas-ai/gate/internal/registry"
	"github.com/hellas-ai/gate/internal/sni"
)

// ForwardALPN is the sub-protocol negotiated for streams carrying forwarded
// public TLS bytes between relay and daemon.
const ForwardALPN = "tlsforward/1"

// FailureKind tags why a connection ended up in the Failed state.
type FailureKind string

const (
	FailureNoSNI         FailureKind = "NoSni"
	FailureUnknownDomain FailureKind = "UnknownDomain"
	FailurePeerDial      FailureKind = "PeerDialFailed"
	FailureCopy          FailureKind = "Copy"
)

// ConnState is the per-connection state machine of spec.md §4.F:
// Peeking → Dispatching → Proxying → Closed, with Failed reachable from any
// non-terminal state.
type ConnState string

const (
	StatePeeking     ConnState = "Peeking"
	StateDispatching ConnState = "Dispatching"
	StateProxying    ConnState = "Proxying"
	StateClosed      ConnState = "Closed"
	StateFailed      ConnState = "Failed"
)

// Config holds the relay server's tunable defaults, all from spec.md §4.F.
type Config struct {
	ConnectTimeout       time.Duration
	IdleTimeout          time.Duration
	MaxConcurrentInbound int
	// AcceptRatePerSecond bounds the rate of new forwarding sessions the
	// relay will admit, smoothing bursts independently of the hard
	// concurrency cap below.
	AcceptRatePerSecond float64
}

// DefaultConfig returns spec.md §4.F's stated defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		IdleTimeout:          30 * time.Second,
		MaxConcurrentInbound: 1000,
		AcceptRatePerSecond:  500,
	}
}

// Stats is a snapshot of the relay's load-shedding and failure counters.
type Stats struct {
	ActiveConnections int64
	SheddedCount      int64
	UnknownDomainCount int64
	PeerDialFailedCount int64
}

// Server accepts public TLS connections and forwards them to the peer that
// owns the requested domain.
type Server struct {
	registry *registry.Registry
	endpoint *p2p.Endpoint
	cfg      Config

	sem     chan struct{}
	limiter *rate.Limiter

	active       atomic.Int64
	shedded      atomic.Int64
	unknownCount atomic.Int64
	dialFailed   atomic.Int64

	Logger *log.Logger
}

// New constructs a relay Server. reg is the domain registry to consult for
// every inbound ClientHello's SNI; ep is the P2P endpoint used to reach
// registered peers.
func New(reg *registry.Registry, ep *p2p.Endpoint, cfg Config) *Server {
	return &Server{
		registry: reg,
		endpoint: ep,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrentInbound),
		limiter:  rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSecond), cfg.MaxConcurrentInbound),
	}
}

// Stats returns a snapshot of the relay's counters.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveConnections:   s.active.Load(),
		SheddedCount:        s.shedded.Load(),
		UnknownDomainCount:  s.unknownCount.Load(),
		PeerDialFailedCount: s.dialFailed.Load(),
	}
}

// Serve accepts connections from ln until ctx is cancelled or Accept
// returns a non-temporary error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

// handleConn drives one public connection through Peeking → Dispatching →
// Proxying → Closed, shedding load before doing any work if the relay is
// already at capacity.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		s.shedded.Add(1)
		return
	}
	if !s.limiter.Allow() {
		s.shedded.Add(1)
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	state, failure := s.drive(ctx, conn)
	if state == StateFailed {
		s.logf("relay: %s: %s", conn.RemoteAddr(), failure)
	}
}

// drive runs one connection through Peeking → Dispatching → Proxying →
// Closed, returning StateFailed plus the reason if it never reaches
// Proxying or the forward itself errors.
func (s *Server) drive(ctx context.Context, conn net.Conn) (ConnState, FailureKind) {
	peeker := sni.NewPeekReader(conn)
	host, _, err := peeker.Sniff()
	if err != nil || host == "" {
		return StateFailed, FailureNoSNI
	}

	peerID, ok := s.registry.LookupByFQDN(host)
	if !ok {
		s.unknownCount.Add(1)
		return StateFailed, FailureUnknownDomain
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	peerConn, err := s.endpoint.Dial(dialCtx, identity.Address{ID: peerID}, ForwardALPN)
	if err != nil {
		s.dialFailed.Add(1)
		return StateFailed, FailurePeerDial
	}

	stream, err := peerConn.OpenStream(dialCtx)
	if err != nil {
		s.dialFailed.Add(1)
		return StateFailed, FailurePeerDial
	}
	defer stream.Close()

	if _, err := stream.Write(peeker.Prefix()); err != nil {
		return StateFailed, FailureCopy
	}

	if err := s.copyPaired(ctx, conn, stream); err != nil && !isBenignCloseError(err) {
		return StateFailed, FailureCopy
	}
	return StateClosed, ""
}

// copyPaired joins public<->peer byte copying. A watchdog closes the public
// connection (tearing down both copy loops) if no bytes cross in either
// direction for IdleTimeout, satisfying spec.md §4.F's "idle_timeout
// without bytes in either direction" requirement.
func (s *Server) copyPaired(ctx context.Context, public net.Conn, peer io.ReadWriteCloser) error {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	if s.cfg.IdleTimeout > 0 {
		go s.idleWatchdog(public, &lastActivity, watchdogDone)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return copyTracking(peer, public, &lastActivity) })
	g.Go(func() error { return copyTracking(public, peer, &lastActivity) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) idleWatchdog(public net.Conn, lastActivity *atomic.Int64, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastActivity.Load())) > s.cfg.IdleTimeout {
				public.Close()
				return
			}
		}
	}
}

// copyTracking copies src -> dst, touching lastActivity on every read.
func copyTracking(dst io.Writer, src io.Reader, lastActivity *atomic.Int64) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func isBenignCloseError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}
