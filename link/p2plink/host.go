package p2plink

import (
	"context"
	"fmt"
	"time"

	golog "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

const mdnsConnectTimeout = 15 * time.Second

func init() {
	// Silence noisy libp2p subsystems, as goop2's internal/p2p does — dial
	// failures and backoff errors go to stderr by default.
	golog.SetLogLevel("swarm2", "error")
	golog.SetLogLevel("autonat", "warn")
}

// HostConfig bundles the options NewHost needs to stand up a libp2p host
// for dialing and accepting bridge links between bus nodes (spec.md's BUS
// layer and SPEC_FULL.md's DOMAIN STACK wiring of go-libp2p/go-multiaddr).
type HostConfig struct {
	ListenPort int
	KeyFile    string
}

// NewHost constructs a libp2p host with a persistent Ed25519 identity,
// grounded in goop2's internal/p2p.New.
func NewHost(cfg HostConfig) (host.Host, error) {
	priv, isNew, err := LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new p2p identity key: %s", cfg.KeyFile)
	} else {
		log.Infof("loaded p2p identity key: %s", cfg.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("p2plink: construct host: %w", err)
	}
	return h, nil
}

// mdnsNotifee auto-connects to peers discovered on the LAN, as goop2's does.
type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), mdnsConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect to %s failed: %v", pi.ID, err)
	}
}

// EnableMdnsDiscovery starts LAN peer discovery under serviceTag, auto-
// connecting the host to any peer mDNS finds — grounded in goop2's use of
// mdns.NewMdnsService for node discovery.
func EnableMdnsDiscovery(h host.Host, serviceTag string) error {
	svc := mdns.NewMdnsService(h, serviceTag, &mdnsNotifee{h: h})
	return svc.Start()
}
