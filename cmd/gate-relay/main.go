// Command gate-relay runs Gate's public-facing relay: the TLS-forwarding
// server, the domain registry, the DNS-01 broker, and the bootstrap
// control plane daemons register against.
//
// Grounded on cmd/aether-gateway/main.go's flag/env configuration style
// and dual-listener startup sequencing, adapted from a single WebTransport
// gateway to the relay/broker/registry trio spec.md §4 describes.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hellas-ai/gate/internal/controlplane"
	"github.com/hellas-ai/gate/internal/dnsbroker"
	"github.com/hellas-ai/gate/internal/gateconfig"
	"github.com/hellas-ai/gate/internal/identity"
	"github.com/hellas-ai/gate/internal/obsapi"
	"github.com/hellas-ai/gate/internal/p2p"
	"github.com/hellas-ai/gate/internal/registry"
	"github.com/hellas-ai/gate/internal/relay"
	"github.com/hellas-ai/gate/internal/watchstate"
)

func main() {
	cfg := gateconfig.DefaultRelayConfig()

	listenAddr := flag.String("listen", cfg.ListenAddr, "Public TLS listen address")
	p2pAddr := flag.String("p2p-listen", cfg.P2PListenAddr, "P2P (QUIC/UDP) listen address")
	healthAddr := flag.String("health", cfg.HealthAddr, "Observability/health listen address")
	secretPath := flag.String("secret", cfg.SecretPath, "Path to this relay's node identity secret")
	baseZone := flag.String("base-zone", cfg.BaseZone, "DNS suffix assigned FQDNs are built under")
	cfToken := flag.String("cloudflare-token", cfg.CloudflareAPIToken, "Cloudflare API token (DNS-01 provider)")
	cfZone := flag.String("cloudflare-zone", cfg.CloudflareZoneID, "Cloudflare zone ID (DNS-01 provider)")
	flag.Parse()

	log.Printf("gate-relay starting")

	if envPort := os.Getenv("PORT"); envPort != "" {
		*listenAddr = "0.0.0.0:" + envPort
	} else if envAddr := os.Getenv("LISTEN_ADDR"); envAddr != "" {
		*listenAddr = envAddr
	} else if strings.HasPrefix(*listenAddr, ":") {
		*listenAddr = "0.0.0.0" + *listenAddr
	}
	if envToken := os.Getenv("CLOUDFLARE_API_TOKEN"); envToken != "" {
		*cfToken = envToken
	}
	if envZone := os.Getenv("CLOUDFLARE_ZONE_ID"); envZone != "" {
		*cfZone = envZone
	}

	kp, err := identity.LoadOrCreateSecret(*secretPath)
	if err != nil {
		log.Fatalf("loading node identity: %v", err)
	}
	log.Printf("gate-relay identity: %s", kp.ID)

	ep, err := p2p.Bind(kp, *p2pAddr)
	if err != nil {
		log.Fatalf("binding P2P endpoint: %v", err)
	}
	log.Printf("P2P endpoint listening on %s", ep.LocalAddr())

	reg := registry.New(*baseZone)

	var provider dnsbroker.Provider
	if *cfToken != "" && *cfZone != "" {
		provider = dnsbroker.NewCloudflareProvider(*cfToken, *cfZone)
		log.Printf("DNS-01 provider: Cloudflare (zone %s)", *cfZone)
	} else {
		provider = dnsbroker.NewMemoryProvider()
		log.Printf("DNS-01 provider: in-memory (no Cloudflare credentials configured)")
	}
	resolver := dnsbroker.NewResolver(cfg.DNSResolvers...)
	broker := dnsbroker.New(*baseZone, provider, resolver)

	cpServer := &controlplane.Server{Registry: reg, Broker: broker}

	relaySrv := relay.New(reg, ep, relay.DefaultConfig())

	bus := watchstate.NewBus()
	obs := obsapi.New(*healthAddr, func() any {
		return map[string]any{
			"registered_peers": reg.Len(),
			"relay":            relaySrv.Stats(),
			"rate_limit":       broker.GetRateLimit(),
		}
	}, bus)
	if err := obs.Start(); err != nil {
		log.Fatalf("starting observability server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listening on %s: %v", *listenAddr, err)
	}
	log.Printf("public TLS-forward listener on %s", ln.Addr())

	go acceptControlConns(ctx, ep, cpServer)
	go runSweepLoop(ctx, reg, cfg.SweepInterval, cfg.HeartbeatTimeout)

	go func() {
		if err := relaySrv.Serve(ctx, ln); err != nil {
			log.Printf("relay server stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("gate-relay shutting down")
	cancel()
	ln.Close()
	obs.Stop()
	ep.Shutdown(5 * time.Second)
}

// acceptControlConns accepts inbound P2P connections (daemons dialling in
// with the bootstrap ALPN) and services every stream they open as a
// control-plane RPC session.
func acceptControlConns(ctx context.Context, ep *p2p.Endpoint, cpServer *controlplane.Server) {
	for {
		conn, err := ep.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("p2p accept error: %v", err)
			continue
		}
		go acceptControlStreams(ctx, conn, cpServer)
	}
}

func acceptControlStreams(ctx context.Context, conn *p2p.Conn, cpServer *controlplane.Server) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			if err := cpServer.HandleStream(ctx, conn.Peer, stream); err != nil {
				log.Printf("control stream from %s ended: %v", conn.Peer, err)
			}
		}()
	}
}

func runSweepLoop(ctx context.Context, reg *registry.Registry, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := reg.Sweep(time.Now(), timeout)
			if len(removed) > 0 {
				log.Printf("registry sweep evicted %d stale peer(s)", len(removed))
			}
		}
	}
}
