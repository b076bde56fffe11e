// Package discovery announces a bus's presence over a libp2p pubsub topic
// so a child bus can find a parent pool before dialing a direct bridge
// link, grounded in goop2's internal/p2p.Node presence-gossip topic (a
// periodic broadcast of {peer_id, content} over a fixed pubsub topic that
// listeners use to build a roster of known peers).
//
// This is advisory only: spec.md's routing table (bus/routing.go) and
// handshake (bus/bridge.go) remain the source of truth for an established
// bridge. Discovery only shortens "who do I dial" to "whoever last
// announced on this topic".
package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nodemesh/corebus/internal/logging"
)

var log = logging.Named("bus.discovery")

// Announcement is one bus's presence pulse, gossiped on the shared topic.
type Announcement struct {
	BusID     string   `json:"bus_id"`
	PeerID    string   `json:"peer_id"`
	Topics    []string `json:"topics"`
	Role      string   `json:"role"` // "parent" or "child"
	Timestamp int64    `json:"timestamp_unix"`
}

// Roster accumulates the last-seen Announcement for every bus id observed
// on the topic, mirroring goop2's in-memory peer table built from its own
// presence gossip.
type Roster struct {
	mu      sync.RWMutex
	entries map[string]Announcement
}

func newRoster() *Roster {
	return &Roster{entries: make(map[string]Announcement)}
}

// Get returns the last announcement seen for busID, or ok=false.
func (r *Roster) Get(busID string) (Announcement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.entries[busID]
	return a, ok
}

// Parents returns every currently known bus announcing role "parent".
func (r *Roster) Parents() []Announcement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Announcement
	for _, a := range r.entries {
		if a.Role == "parent" {
			out = append(out, a)
		}
	}
	return out
}

func (r *Roster) record(a Announcement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[a.BusID] = a
}

// Service runs the announce/listen loop on one pubsub topic for a bus
// process, started over a host already carrying a p2plink connection to
// its peers (spec.md's bridge links tunnel over mux; this gossip is a
// separate, advisory side channel on the same host).
type Service struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	roster *Roster
	selfID string
}

// Join starts a gossip service for busID on topicName, returning a
// Service whose Roster is kept live by a background goroutine until ctx
// is cancelled.
func Join(ctx context.Context, h host.Host, topicName, busID string) (*Service, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	s := &Service{topic: topic, sub: sub, roster: newRoster(), selfID: busID}
	go s.listen(ctx, h.ID())
	return s, nil
}

func (s *Service) listen(ctx context.Context, self peer.ID) {
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("bus.discovery: subscription error: %v", err)
			continue
		}
		if msg.ReceivedFrom == self {
			continue
		}
		var a Announcement
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			log.Warnf("bus.discovery: malformed announcement: %v", err)
			continue
		}
		s.roster.record(a)
	}
}

// Announce publishes one presence pulse for this bus.
func (s *Service) Announce(ctx context.Context, role string, topics []string, now time.Time) error {
	a := Announcement{
		BusID:     s.selfID,
		PeerID:    s.selfID,
		Topics:    topics,
		Role:      role,
		Timestamp: now.Unix(),
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.topic.Publish(ctx, raw)
}

// Roster returns the service's live roster of observed announcements.
func (s *Service) Roster() *Roster { return s.roster }

// Close tears down the subscription and topic handle.
func (s *Service) Close() {
	s.sub.Cancel()
	_ = s.topic.Close()
}
