// Command gated runs Gate's per-machine daemon: it dials a relay, registers
// a forwarded FQDN, maintains an ACME DNS-01 certificate for it, and serves
// forwarded TLS streams to a local HTTPS listener.
//
// Grounded on cmd/aetherd/main.go's startup sequencing (panic recovery,
// single-instance lock, config-then-flag-override, graceful shutdown on
// SIGINT/SIGTERM), adapted from the SOCKS5/WebTransport core to Gate's
// identity/p2p/tlsforward/certmanager stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hellas-ai/gate/internal/certmanager"
	"github.com/hellas-ai/gate/internal/controlplane"
	"github.com/hellas-ai/gate/internal/gateconfig"
	"github.com/hellas-ai/gate/internal/identity"
	"github.com/hellas-ai/gate/internal/obsapi"
	"github.com/hellas-ai/gate/internal/p2p"
	"github.com/hellas-ai/gate/internal/singleinstance"
	"github.com/hellas-ai/gate/internal/tlsaccept"
	"github.com/hellas-ai/gate/internal/tlsforward"
	"github.com/hellas-ai/gate/internal/watchstate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL PANIC RECOVERED: %v", r)
			time.Sleep(2 * time.Second)
			os.Exit(2)
		}
	}()

	lock, err := singleinstance.Acquire("gated")
	if err != nil {
		log.Printf("----------------------------------------------------------------")
		log.Printf("ERROR: could not start gated.")
		log.Printf("Detail: %v", err)
		log.Printf("If no other instance is running, delete %s", filepath.Join(os.TempDir(), "gated.lock"))
		log.Printf("----------------------------------------------------------------")
		time.Sleep(3 * time.Second)
		os.Exit(1)
	}
	defer lock.Release()

	cm, err := gateconfig.NewManager("daemon.json", gateconfig.DefaultDaemonConfig)
	if err != nil {
		log.Fatalf("config manager: %v", err)
	}
	cfg, err := cm.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	relayAddr := flag.String("relay", cfg.RelayAddress, "Relay address (id@host:port)")
	dataDir := flag.String("data-dir", cfg.DataDir, "Persistent state directory")
	p2pAddr := flag.String("p2p-listen", cfg.P2PListenAddr, "P2P (QUIC/UDP) listen address")
	localHTTPS := flag.String("local-https", cfg.LocalHTTPSAddr, "Local HTTPS listen address (same handler as forwarded streams)")
	obsAddr := flag.String("obs", cfg.ObsAddr, "Observability listen address")
	acmeEmail := flag.String("acme-email", cfg.ACMEEmail, "ACME account contact email")
	flag.Parse()

	cfg.RelayAddress = *relayAddr
	cfg.DataDir = *dataDir
	cfg.P2PListenAddr = *p2pAddr
	cfg.LocalHTTPSAddr = *localHTTPS
	cfg.ObsAddr = *obsAddr
	cfg.ACMEEmail = *acmeEmail

	if cfg.RelayAddress == "" {
		log.Fatalf("a relay address is required (-relay or daemon.json)")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("creating data dir %s: %v", cfg.DataDir, err)
	}

	log.Printf("gated starting, data dir %s", cfg.DataDir)

	kp, err := identity.LoadOrCreateSecret(filepath.Join(cfg.DataDir, "p2p.secret"))
	if err != nil {
		log.Fatalf("loading node identity: %v", err)
	}
	log.Printf("gated identity: %s", kp.ID)

	relay, err := identity.ParseAddress(cfg.RelayAddress)
	if err != nil {
		log.Fatalf("parsing relay address %q: %v", cfg.RelayAddress, err)
	}

	ep, err := p2p.Bind(kp, cfg.P2PListenAddr)
	if err != nil {
		log.Fatalf("binding P2P endpoint: %v", err)
	}
	log.Printf("P2P endpoint listening on %s", ep.LocalAddr())

	broker, err := dialBroker(ep, relay)
	if err != nil {
		log.Fatalf("dialling relay control plane: %v", err)
	}

	mgr := certmanager.New(certmanager.Config{
		DataDir:      cfg.DataDir,
		DirectoryURL: cfg.ACMEDirectoryURL,
		Email:        cfg.ACMEEmail,
	}, broker)

	acceptor, err := mgr.LoadAcceptor()
	if err != nil {
		log.Fatalf("loading initial TLS acceptor: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "gate daemon %s\n", kp.ID)
	})
	httpSrv := &http.Server{Handler: mux}

	forwarded := newConnQueue()

	tfCfg := tlsforward.DefaultConfig()
	tfCfg.RelayAddress = relay
	tfCfg.Capabilities = cfg.Capabilities
	tfCfg.HeartbeatInterval = cfg.HeartbeatInterval
	tfCfg.MaxInboundForwarded = cfg.MaxInboundForwarded

	tfClient := tlsforward.New(ep, tfCfg, func(conn net.Conn) {
		tlsConn, err := acceptor.Accept(conn)
		if err != nil {
			log.Printf("gated: TLS handshake on forwarded stream failed: %v", err)
			conn.Close()
			return
		}
		forwarded.push(tlsConn)
	})

	// tlsforward doesn't know its relay-assigned FQDN until registration
	// completes, so Config.Domains starts empty; once Connected fires,
	// point certmanager at the real domain and request its first
	// certificate if none is installed yet.
	onState := tfClient.Events().Subscribe(func(ev watchstate.Event) {
		st, ok := ev.(tlsforward.State)
		if !ok || st.Kind != tlsforward.KindConnected {
			return
		}
		mgr.SetDomains([]string{st.FQDN})
		if mgr.NeedsRenewal() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if err := mgr.RequestCertificate(ctx); err != nil {
					log.Printf("gated: initial certificate request failed: %v", err)
				}
			}()
		}
	})
	defer onState.Cancel()

	obs := obsapi.New(cfg.ObsAddr, func() any {
		return map[string]any{
			"identity":         kp.ID.String(),
			"tlsforward_state": tfClient.State().Get().String(),
			"has_certificate":  mgr.HasCertificate(),
		}
	}, tfClient.Events())
	if err := obs.Start(); err != nil {
		log.Fatalf("starting observability server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mgr.RunRenewalLoop(ctx)
	tfClient.Enable(ctx)
	go func() {
		if err := httpSrv.Serve(forwarded); err != nil && err != http.ErrServerClosed {
			log.Printf("forwarded-stream HTTPS handler stopped: %v", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.LocalHTTPSAddr)
	if err != nil {
		log.Fatalf("listening on %s: %v", cfg.LocalHTTPSAddr, err)
	}
	go acceptLocalTLS(ln, acceptor, forwarded)
	log.Printf("local HTTPS listening on %s", ln.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("gated shutting down")
	cancel()
	tfClient.Shutdown()
	ln.Close()
	forwarded.close()
	httpSrv.Close()
	obs.Stop()
	ep.Shutdown(5 * time.Second)
}

// dialBroker opens an independent control stream to the relay dedicated to
// ACME DNS-01 brokering, separate from tlsforward.Client's own
// internally-managed control stream: the two concerns (registration/
// heartbeat and certificate issuance) don't share a lifecycle, so each
// drives its own stream.
func dialBroker(ep *p2p.Endpoint, relay identity.Address) (*controlplane.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := ep.Dial(ctx, relay, controlplane.ALPN)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return controlplane.NewClient(stream), nil
}

// acceptLocalTLS accepts raw TCP connections on ln, hands each to acceptor
// for a TLS handshake against whatever certificate is current at that
// moment, and pushes the result onto q for httpSrv to serve — the same
// acceptor and the same queue that forwarded P2P streams go through, so a
// certificate reload is picked up by both paths identically.
func acceptLocalTLS(ln net.Listener, acceptor *tlsaccept.Acceptor, q *connQueue) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			tlsConn, err := acceptor.Accept(conn)
			if err != nil {
				log.Printf("gated: local TLS handshake failed: %v", err)
				conn.Close()
				return
			}
			q.push(tlsConn)
		}()
	}
}

// connQueue adapts a stream of already-accepted net.Conns (handed over one
// at a time by tlsforward's handler callback) into a net.Listener, so the
// same *http.Server instance serves every forwarded stream instead of
// standing up one per connection.
type connQueue struct {
	ch     chan net.Conn
	closed chan struct{}
}

func newConnQueue() *connQueue {
	return &connQueue{ch: make(chan net.Conn, 16), closed: make(chan struct{})}
}

func (q *connQueue) push(c net.Conn) {
	select {
	case q.ch <- c:
	case <-q.closed:
		c.Close()
	}
}

func (q *connQueue) Accept() (net.Conn, error) {
	select {
	case c := <-q.ch:
		return c, nil
	case <-q.closed:
		return nil, fmt.Errorf("connQueue: closed")
	}
}

func (q *connQueue) close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}

func (q *connQueue) Close() error { return q.close() }

func (q *connQueue) Addr() net.Addr { return connQueueAddr{} }

type connQueueAddr struct{}

func (connQueueAddr) Network() string { return "forwarded" }
func (connQueueAddr) String() string  { return "forwarded" }
