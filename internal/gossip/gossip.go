// Package gossip is the libp2p-pubsub transport underneath C2's phonebook
// CRDT (spec §4.2's "gossip-replicated"): each syncshell group is one pubsub
// topic, and every message received or about to be sent is the same
// ToBytes/FromBytes wire format the phonebook itself already defines.
//
// Grounded directly on the teacher's core/network.go (libp2p.New +
// pubsub.NewGossipSub host construction, mDNS peer discovery via
// mdns.NewMdnsService) and core/peer_management.go (topic Join/Subscribe,
// sub.Next read loop). internal/signaling remains the relay-based channel
// peers use to exchange invite/answer codes before they have a data
// channel at all (spec §1/§2); this package is the separate, mDNS (LAN)
// discovered path phonebook entries actually propagate over once two nodes are both
// listening.
package gossip

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"syncshell-mesh/internal/phonebook"
)

const topicPrefix = "syncshell-mesh/phonebook/"

// Gossiper owns one libp2p host and fans the node's phonebook out over one
// pubsub topic per syncshell group it has joined, folding every inbound
// message back in with Phonebook.Merge.
type Gossiper struct {
	host host.Host
	ps   *pubsub.PubSub
	log  *logrus.Entry

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	pb         *phonebook.Phonebook
	trustedKey func(peerID string) (ed25519.PublicKey, bool)
}

type discoveryNotifee struct {
	host host.Host
	log  *logrus.Entry
}

// HandlePeerFound implements mdns.Notifee: dial any LAN peer mDNS turns up.
func (d *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == d.host.ID() {
		return
	}
	ctx := context.Background()
	if err := d.host.Connect(ctx, info); err != nil {
		d.log.WithError(err).WithField("peer", info.ID.String()).Debug("mDNS peer connect failed")
	}
}

// New starts a libp2p host on listenAddr, wires a GossipSub router onto it,
// and enables mDNS discovery so LAN peers running the same syncshell find
// each other without any bootstrap list. trustedKey resolves a remover
// peer's raw public key for tombstone verification (Phonebook.Merge),
// typically backed by the same phonebook's own entries.
func New(ctx context.Context, listenAddr string, pb *phonebook.Phonebook, trustedKey func(peerID string) (ed25519.PublicKey, bool), log *logrus.Entry) (*Gossiper, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("create gossip host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create gossipsub router: %w", err)
	}

	g := &Gossiper{
		host:       h,
		ps:         ps,
		log:        log,
		topics:     make(map[string]*pubsub.Topic),
		subs:       make(map[string]*pubsub.Subscription),
		pb:         pb,
		trustedKey: trustedKey,
	}

	mdns.NewMdnsService(h, "syncshell-mesh", &discoveryNotifee{host: h, log: log})
	log.WithField("peer_id", h.ID().String()).Info("gossip host listening")
	return g, nil
}

// Join subscribes to groupID's phonebook topic and starts folding every
// message that arrives into the local phonebook. Safe to call more than
// once for the same groupID; later calls are no-ops.
func (g *Gossiper) Join(ctx context.Context, groupID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := topicPrefix + groupID
	if _, ok := g.topics[name]; ok {
		return nil
	}
	topic, err := g.ps.Join(name)
	if err != nil {
		return fmt.Errorf("join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe topic %s: %w", name, err)
	}
	g.topics[name] = topic
	g.subs[name] = sub

	go g.readLoop(ctx, name, sub)
	return nil
}

func (g *Gossiper) readLoop(ctx context.Context, name string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			g.log.WithError(err).WithField("topic", name).Debug("gossip subscription closed")
			return
		}
		if msg.ReceivedFrom == g.host.ID() {
			continue
		}
		loaded, err := phonebook.FromBytes(msg.Data, g.log, g.trustedKey)
		if err != nil {
			g.log.WithError(err).WithField("topic", name).Debug("dropping malformed gossip payload")
			continue
		}
		g.pb.Merge(loaded, g.trustedKey)
	}
}

// Publish serializes the local phonebook and publishes it to groupID's
// topic, letting every member fold it in via Merge on receipt.
func (g *Gossiper) Publish(ctx context.Context, groupID string) error {
	g.mu.Lock()
	topic, ok := g.topics[topicPrefix+groupID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("not joined to group %s", groupID)
	}
	raw, err := g.pb.ToBytes()
	if err != nil {
		return fmt.Errorf("serialize phonebook: %w", err)
	}
	if err := topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("publish to %s: %w", groupID, err)
	}
	return nil
}

// Close tears down every subscription, topic, and the underlying host.
func (g *Gossiper) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, sub := range g.subs {
		sub.Cancel()
		delete(g.subs, name)
	}
	for name, topic := range g.topics {
		topic.Close()
		delete(g.topics, name)
	}
	return g.host.Close()
}
