// Package phonebook implements C2: a last-writer-wins, gossip-replicated
// CRDT of signed member entries and tombstones for one syncshell (spec §4.2).
//
// Convergence is grounded on the teacher's libp2p-pubsub gossip pattern
// (core/peer_management.go's Subscribe/Join): internal/gossip publishes
// and receives the wire bytes this package produces via ToBytes/FromBytes,
// and every receipt is folded in with Merge, which is commutative and
// associative by construction.
package phonebook

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"syncshell-mesh/internal/identity"
	"syncshell-mesh/pkg/utils"
)

// TTL is the expiry window for both entries and tombstones (spec §3, §4.2).
const TTL = 24 * time.Hour

// Entry is one phonebook record, spec §3.
type Entry struct {
	PeerID    string `json:"peer_id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	PublicKey []byte `json:"public_key"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

// Tombstone suppresses an Entry for PeerID, spec §3.
type Tombstone struct {
	PeerID        string `json:"peer_id"`
	RemoverPeerID string `json:"remover_peer_id"`
	Timestamp     int64  `json:"timestamp"`
	Signature     []byte `json:"signature"`
}

// signableBytes returns the canonical JSON of v with its Signature field
// cleared, per spec §3 ("the signature covers the entry with the signature
// field cleared").
func (e Entry) signableBytes() ([]byte, error) {
	clone := e
	clone.Signature = nil
	return json.Marshal(clone)
}

func (t Tombstone) signableBytes() ([]byte, error) {
	clone := t
	clone.Signature = nil
	return json.Marshal(clone)
}

// SignEntry signs an entry in place using priv; PeerID/PublicKey must already
// be set and consistent with priv.
func SignEntry(e *Entry, priv ed25519.PrivateKey) error {
	b, err := e.signableBytes()
	if err != nil {
		return utils.Wrapf(utils.KindInvalidInput, err, "marshal entry")
	}
	e.Signature = identity.Sign(priv, b)
	return nil
}

// SignTombstone signs a tombstone in place using priv.
func SignTombstone(t *Tombstone, priv ed25519.PrivateKey) error {
	b, err := t.signableBytes()
	if err != nil {
		return utils.Wrapf(utils.KindInvalidInput, err, "marshal tombstone")
	}
	t.Signature = identity.Sign(priv, b)
	return nil
}

func verifyEntrySignature(e Entry) bool {
	b, err := e.signableBytes()
	if err != nil {
		return false
	}
	return identity.Verify(e.PublicKey, b, e.Signature)
}

func verifyTombstoneSignature(t Tombstone, removerPub ed25519.PublicKey) bool {
	b, err := t.signableBytes()
	if err != nil {
		return false
	}
	return identity.Verify(removerPub, b, t.Signature)
}

// supersedes reports whether candidate should replace stored under the
// CRDT LWW rule of spec §3: higher sequence wins; ties broken by later
// timestamp, then by lexicographically greater signature.
func supersedes(candidate, stored Entry) bool {
	if candidate.Sequence != stored.Sequence {
		return candidate.Sequence > stored.Sequence
	}
	if candidate.Timestamp != stored.Timestamp {
		return candidate.Timestamp > stored.Timestamp
	}
	return bytes.Compare(candidate.Signature, stored.Signature) > 0
}

// isEntryExpired implements spec §3's "now > timestamp + 24h".
func isEntryExpired(ts int64, now time.Time) bool {
	return now.After(time.Unix(ts, 0).Add(TTL))
}

func isTombstoneExpired(ts int64, now time.Time) bool {
	return now.After(time.Unix(ts, 0).Add(TTL))
}

// Clock lets callers (and tests) control "now"; defaults to time.Now.
type Clock func() time.Time

// Phonebook is the CRDT registry for one group. All mutating and reading
// operations are serialized by mu, matching the single-mutex-per-manager
// convention used across the mesh (spec §4.2, §5).
type Phonebook struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	tombstones map[string]*Tombstone
	clock      Clock
	log        *logrus.Entry
}

// New creates an empty phonebook. log may be nil (the logrus standard
// logger is used).
func New(log *logrus.Entry) *Phonebook {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Phonebook{
		entries:    make(map[string]*Entry),
		tombstones: make(map[string]*Tombstone),
		clock:      time.Now,
		log:        log.WithField("component", "phonebook"),
	}
}

// WithClock overrides the clock, for deterministic tests.
func (p *Phonebook) WithClock(c Clock) *Phonebook {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = c
	return p
}

func (p *Phonebook) now() time.Time { return p.clock() }

// AddEntry implements spec §4.2's add_entry: verify signature, reject if
// expired or revoked, insert/replace iff sequence strictly increases (P4).
func (p *Phonebook) AddEntry(e Entry) error {
	if !verifyEntrySignature(e) {
		p.log.WithField("peer_id", e.PeerID).Warn("rejected entry: invalid signature")
		return utils.New(utils.KindInvalidSignature, "entry signature invalid")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if isEntryExpired(e.Timestamp, p.now()) {
		return utils.New(utils.KindInvalidInput, "entry expired")
	}
	if tomb, ok := p.tombstones[e.PeerID]; ok && !isTombstoneExpired(tomb.Timestamp, p.now()) {
		return utils.New(utils.KindInvalidInput, "peer is revoked")
	}

	existing, ok := p.entries[e.PeerID]
	if ok && !supersedes(e, *existing) {
		return utils.New(utils.KindDuplicate, "does not supersede stored entry")
	}

	clone := e
	clone.PublicKey = append([]byte(nil), e.PublicKey...)
	clone.Signature = append([]byte(nil), e.Signature...)
	p.entries[e.PeerID] = &clone
	return nil
}

// AddTombstone implements spec §4.2's add_tombstone: verify against a
// caller-trusted remover public key, insert, and drop any active entry for
// the same peer.
func (p *Phonebook) AddTombstone(t Tombstone, removerPub ed25519.PublicKey) error {
	if !verifyTombstoneSignature(t, removerPub) {
		p.log.WithField("peer_id", t.PeerID).Warn("rejected tombstone: invalid signature")
		return utils.New(utils.KindInvalidSignature, "tombstone signature invalid")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if isTombstoneExpired(t.Timestamp, p.now()) {
		return utils.New(utils.KindInvalidInput, "tombstone already expired")
	}

	if existing, ok := p.tombstones[t.PeerID]; ok {
		// Tie resolution mirrors entries: newer timestamp wins; this keeps
		// add_tombstone idempotent and commutative for merge (P2).
		if t.Timestamp <= existing.Timestamp {
			return nil
		}
	}

	clone := t
	clone.Signature = append([]byte(nil), t.Signature...)
	p.tombstones[t.PeerID] = &clone
	delete(p.entries, t.PeerID)
	return nil
}

// Get returns the live entry for peerID, if any.
func (p *Phonebook) Get(peerID string) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.getLocked(peerID)
}

func (p *Phonebook) getLocked(peerID string) (Entry, bool) {
	if tomb, ok := p.tombstones[peerID]; ok && !isTombstoneExpired(tomb.Timestamp, p.now()) {
		return Entry{}, false
	}
	e, ok := p.entries[peerID]
	if !ok || isEntryExpired(e.Timestamp, p.now()) {
		return Entry{}, false
	}
	return *e, true
}

// AllLive returns every currently-live entry, sorted by PeerID for
// deterministic output (useful for phonebook_response framing, spec §6).
func (p *Phonebook) AllLive() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Entry, 0, len(p.entries))
	for id := range p.entries {
		if e, ok := p.getLocked(id); ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// IsRevoked reports whether peerID currently has a live tombstone.
func (p *Phonebook) IsRevoked(peerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tomb, ok := p.tombstones[peerID]
	return ok && !isTombstoneExpired(tomb.Timestamp, p.now())
}

// Merge folds another phonebook's state into this one by replaying its
// entries and tombstones through AddEntry/AddTombstone, which already apply
// the LWW rules — making Merge itself idempotent, commutative, and
// associative (P2), since the underlying per-record join is.
//
// Merge needs trusted remover keys for tombstones; callers (such as
// internal/gossip's read loop) must supply a lookup. Tombstones whose remover key cannot be resolved are
// skipped rather than rejected outright, since a peer's public key may
// simply not have propagated here yet.
func (p *Phonebook) Merge(other *Phonebook, trustedKey func(peerID string) (ed25519.PublicKey, bool)) {
	other.mu.RLock()
	entries := make([]Entry, 0, len(other.entries))
	for _, e := range other.entries {
		entries = append(entries, *e)
	}
	tombs := make([]Tombstone, 0, len(other.tombstones))
	for _, t := range other.tombstones {
		tombs = append(tombs, *t)
	}
	other.mu.RUnlock()

	for _, e := range entries {
		_ = p.AddEntry(e)
	}
	for _, t := range tombs {
		if pub, ok := trustedKey(t.RemoverPeerID); ok {
			_ = p.AddTombstone(t, pub)
		}
	}
}

// Cleanup drops expired entries and tombstones, per spec §4.2.
func (p *Phonebook) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for id, e := range p.entries {
		if isEntryExpired(e.Timestamp, now) {
			delete(p.entries, id)
		}
	}
	for id, t := range p.tombstones {
		if isTombstoneExpired(t.Timestamp, now) {
			delete(p.tombstones, id)
		}
	}
}

// wireFormat is the canonical JSON shape for ToBytes/FromBytes.
type wireFormat struct {
	Entries    []Entry     `json:"entries"`
	Tombstones []Tombstone `json:"tombstones"`
}

// ToBytes serializes the phonebook to canonical JSON, spec §4.2.
func (p *Phonebook) ToBytes() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w := wireFormat{}
	for _, e := range p.entries {
		w.Entries = append(w.Entries, *e)
	}
	for _, t := range p.tombstones {
		w.Tombstones = append(w.Tombstones, *t)
	}
	sort.Slice(w.Entries, func(i, j int) bool { return w.Entries[i].PeerID < w.Entries[j].PeerID })
	sort.Slice(w.Tombstones, func(i, j int) bool { return w.Tombstones[i].PeerID < w.Tombstones[j].PeerID })

	b, err := json.Marshal(w)
	if err != nil {
		return nil, utils.Wrapf(utils.KindFatal, err, "marshal phonebook")
	}
	return b, nil
}

// FromBytes loads entries/tombstones from canonical JSON produced by
// ToBytes. Signatures are re-verified as each record is replayed through
// AddEntry, never trusted blindly from the wire (P3).
func FromBytes(b []byte, log *logrus.Entry, trustedKey func(peerID string) (ed25519.PublicKey, bool)) (*Phonebook, error) {
	var w wireFormat
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, utils.Wrapf(utils.KindInvalidInput, err, "unmarshal phonebook")
	}
	p := New(log)
	for _, e := range w.Entries {
		_ = p.AddEntry(e)
	}
	for _, t := range w.Tombstones {
		if pub, ok := trustedKey(t.RemoverPeerID); ok {
			_ = p.AddTombstone(t, pub)
		}
	}
	return p, nil
}

// PeerIDFromHex returns the hex encoding of the raw public key bytes; it
// does not apply internal/identity's peer-id derivation.
func PeerIDFromHex(pub []byte) string {
	return hex.EncodeToString(pub)
}
