package tlsforward

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hellas-ai/gate/internal/backoff"
	"github.com/hellas-ai/gate/internal/controlplane"
	"github.com/hellas-ai/gate/internal/identity"
	"github.com/hellas-ai/gate/internal/p2p"
	"github.com/hellas-ai/gate/internal/watchstate"
)

// Handler receives one accepted forwarded TLS stream, already wrapped as a
// net.Conn. Implementations are expected to hand it to a tlsaccept.Acceptor
// and an HTTP stack, per spec.md §4.G's local HTTPS handover.
type Handler func(net.Conn)

// Config configures a Client's relay session.
type Config struct {
	RelayAddress identity.Address
	// ExpectedFQDN, if set, makes Client reject a Registered response
	// whose fqdn differs (spec.md §4.G step 2).
	ExpectedFQDN string
	Capabilities []string

	DialTimeout         time.Duration
	HeartbeatInterval   time.Duration
	MaxInboundForwarded int
}

// DefaultConfig returns spec.md §4.G's stated defaults for everything but
// RelayAddress/Capabilities, which callers must supply.
func DefaultConfig() Config {
	return Config{
		DialTimeout:         5 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		MaxInboundForwarded: 100,
	}
}

// Client drives the TlsForwardState lifecycle: dialling the relay,
// registering, running the heartbeat and accept loops, and reconnecting
// with backoff on drop.
type Client struct {
	endpoint *p2p.Endpoint
	cfg      Config
	handler  Handler

	watcher   *watchstate.Watcher[State]
	bus       *watchstate.Bus
	scheduler *backoff.Scheduler

	Logger *log.Logger

	mu      sync.Mutex
	enabled bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Client. handler is invoked once per accepted forwarded
// stream; ep is the daemon's own P2P endpoint.
func New(ep *p2p.Endpoint, cfg Config, handler Handler) *Client {
	return &Client{
		endpoint:  ep,
		cfg:       cfg,
		handler:   handler,
		watcher:   watchstate.New(disabledState()),
		bus:       watchstate.NewBus(),
		scheduler: backoff.New(backoff.Default1sTo60s()),
	}
}

// State returns the watchable current TlsForwardState.
func (c *Client) State() *watchstate.Watcher[State] { return c.watcher }

// Events returns the event bus every state transition is also emitted on,
// for subscribers that want push notification instead of polling Changed.
func (c *Client) Events() *watchstate.Bus { return c.bus }

func (c *Client) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

func (c *Client) setState(s State) {
	s.unixNano = time.Now().UnixNano()
	c.logf("tlsforward: %s", s)
	c.watcher.Set(s)
	c.bus.Emit(s)
}

// Enable starts the connect/register/heartbeat/accept cycle, reconnecting
// with exponential backoff until Disable or Shutdown is called.
func (c *Client) Enable(ctx context.Context) {
	c.mu.Lock()
	if c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	c.setState(disconnectedState())
	go c.run(runCtx, done)
}

// Disable cancels the connect loop, deregisters, and waits for the
// outstanding connection to wind down.
func (c *Client) Disable() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.setState(disabledState())
}

// Shutdown is Disable, named to match the rest of Gate's component
// lifecycle methods.
func (c *Client) Shutdown() { c.Disable() }

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(connectingState())
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.setState(errorState("%v", err))
		}
		c.setState(disconnectedState())

		wait := c.scheduler.Next()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connectAndServe dials the relay, registers, and runs the heartbeat and
// accept loops until one of them fails or ctx is cancelled, deregistering
// on the way out per spec.md §4.G's cancellation contract.
func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.endpoint.Dial(dialCtx, c.cfg.RelayAddress, controlplane.ALPN)
	cancel()
	if err != nil {
		return fmt.Errorf("tlsforward: dialling relay: %w", err)
	}
	defer c.endpoint.Forget(conn.Peer)

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("tlsforward: opening control stream: %w", err)
	}
	defer stream.Close()

	cp := controlplane.NewClient(stream)
	resp, err := cp.Register(c.cfg.Capabilities)
	if err != nil {
		return fmt.Errorf("tlsforward: registering: %w", err)
	}
	if c.cfg.ExpectedFQDN != "" && resp.FQDN != c.cfg.ExpectedFQDN {
		return fmt.Errorf("tlsforward: relay assigned %q, expected %q", resp.FQDN, c.cfg.ExpectedFQDN)
	}

	c.setState(connectedState(conn.Peer, resp.FQDN))
	c.scheduler.Reset()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.heartbeatLoop(gctx, cp) })
	g.Go(func() error { return c.acceptLoop(gctx, conn) })
	serveErr := g.Wait()

	deregisterCtx, deregisterCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer deregisterCancel()
	if err := cp.Deregister(deregisterCtx); err != nil {
		c.logf("tlsforward: deregister failed: %v", err)
	}

	return serveErr
}

func (c *Client) heartbeatLoop(ctx context.Context, cp *controlplane.Client) error {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := cp.Heartbeat(); err != nil {
				failures++
				c.logf("tlsforward: heartbeat failed (%d consecutive): %v", failures, err)
				if failures >= 2 {
					return fmt.Errorf("tlsforward: heartbeat: %w", err)
				}
				continue
			}
			failures = 0
		}
	}
}

// acceptLoop accepts inbound P2P streams on conn (forwarded public TLS
// sessions relayed from the public listener) and hands each to handler,
// capped at MaxInboundForwarded concurrently in flight.
func (c *Client) acceptLoop(ctx context.Context, conn *p2p.Conn) error {
	max := c.cfg.MaxInboundForwarded
	if max <= 0 {
		max = DefaultConfig().MaxInboundForwarded
	}
	sem := make(chan struct{}, max)

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return fmt.Errorf("tlsforward: accept stream: %w", err)
		}

		select {
		case sem <- struct{}{}:
			go func() {
				defer func() { <-sem }()
				c.handler(newStreamConn(stream, c.endpoint.ID(), conn.Peer))
			}()
		default:
			stream.CancelRead(0)
			stream.Close()
		}
	}
}
