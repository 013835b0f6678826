// Package dispatch implements C5: magic-byte classification of inbound
// bytes, JSON message-type routing, idempotence tracking, and own-origin
// filtering (spec §4.5). Grounded on the teacher's core/rpc_webrtc.go
// handleTx (decode a JSON control message, look at a discriminator field,
// act), generalized from a single hardcoded transaction type to a routed
// handler table keyed by the spec's message type enum.
package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"syncshell-mesh/pkg/utils"
)

// Class is the result of classifying inbound bytes by their first four
// bytes, spec §4.5.
type Class int

const (
	ClassBinary Class = iota
	ClassJSON
)

// binaryChunkMagic marks a binary chunk of the (out-of-scope) file transfer
// protocol.
var binaryChunkMagic = []byte("FCHK")

// Classify applies the magic-byte test from spec §4.5. Anything that
// doesn't match FCHK, a JSON opener, or a sub-0x20 control byte falls back
// to the binary path, since the spec's table is exhaustive only for the
// cases it lists and leaves everything else to "opaque to this spec". A
// JSON-opener byte whose frame fails UTF-8 validation is also binary: JSON
// control messages are UTF-8 text per spec §6, so invalid UTF-8 can't be
// one no matter what its first byte looks like.
func Classify(data []byte) Class {
	if bytes.HasPrefix(data, binaryChunkMagic) {
		return ClassBinary
	}
	if len(data) == 0 {
		return ClassBinary
	}
	if (data[0] == '{' || data[0] == '[') && utf8.Valid(data) {
		return ClassJSON
	}
	return ClassBinary
}

// MessageType enumerates the JSON control message types, spec §4.5.
type MessageType string

const (
	TypePhonebookRequest   MessageType = "phonebook_request"
	TypePhonebookResponse  MessageType = "phonebook_response"
	TypeMemberListRequest  MessageType = "member_list_request"
	TypeMemberListResponse MessageType = "member_list_response"
	TypeModSyncRequest     MessageType = "mod_sync_request"
	TypeModData            MessageType = "mod_data"
	TypeClientReady        MessageType = "client_ready"
	TypeMeshJoinRequest    MessageType = "mesh_join_request"
)

// Envelope is the common shape every JSON control message carries: a
// routing type, an optional idempotence key, an optional origin tag, and
// an opaque payload the registered handler for Type unmarshals further.
type Envelope struct {
	Type      MessageType     `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	PlayerID  string          `json:"playerId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IdempotenceKey derives the dedup key for a message, spec §4.5: its
// explicit messageId if present, else the hex SHA-256 of the raw payload.
func IdempotenceKey(raw []byte, env Envelope) string {
	if env.MessageID != "" {
		return env.MessageID
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// IsOwnOrigin reports whether playerID refers to the local identity,
// matching its head segment before "@" (if any) against localPeerID after
// Unicode NFC normalization, case-preserving exact match — the Open
// Question decision documented in DESIGN.md.
func IsOwnOrigin(playerID, localPeerID string) bool {
	head := playerID
	if i := strings.IndexByte(playerID, '@'); i >= 0 {
		head = playerID[:i]
	}
	return norm.NFC.String(head) == norm.NFC.String(localPeerID)
}

// dedupCapacity is the spec's bounded dedup set size, spec §4.5.
const dedupCapacity = 1000

// dedupSet is a bounded set of recently seen idempotence keys. A bitset
// gives O(1) fingerprint pre-filtering (a bit that's unset proves the key
// was never inserted); the accompanying exact map resolves fingerprint
// collisions so a false "seen" never drops a genuinely new message. Spec
// §4.5's eviction policy is a full clear on reaching capacity, not an LRU
// eviction, so both structures are reset together.
type dedupSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
	bits *bitset.BitSet
}

func newDedupSet() *dedupSet {
	return &dedupSet{
		seen: make(map[string]struct{}, dedupCapacity),
		bits: bitset.New(dedupCapacity),
	}
}

func fingerprintIndex(key string) uint {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return uint(h.Sum64() % dedupCapacity)
}

// seenOrAdd reports whether key has already been recorded. If not, it
// records it, clearing the set first if it is at capacity.
func (d *dedupSet) seenOrAdd(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := fingerprintIndex(key)
	if d.bits.Test(idx) {
		if _, ok := d.seen[key]; ok {
			return true
		}
	}

	if len(d.seen) >= dedupCapacity {
		d.seen = make(map[string]struct{}, dedupCapacity)
		d.bits.ClearAll()
	}
	d.seen[key] = struct{}{}
	d.bits.Set(idx)
	return false
}

// Handler processes one JSON control message of a registered type.
type Handler func(ctx context.Context, env Envelope) error

// Dispatcher routes classified inbound bytes to registered handlers,
// dropping duplicates and own-origin messages silently, spec §4.5.
type Dispatcher struct {
	mu          sync.RWMutex
	handlers    map[MessageType]Handler
	dedup       *dedupSet
	localPeerID string
	log         *logrus.Entry
}

// New constructs a Dispatcher for the given local identity.
func New(localPeerID string, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Dispatcher{
		handlers:    make(map[MessageType]Handler),
		dedup:       newDedupSet(),
		localPeerID: localPeerID,
		log:         log,
	}
}

// Register wires a handler for one message type, replacing any prior
// registration.
func (d *Dispatcher) Register(t MessageType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// ErrBinaryFrame signals that Dispatch classified the bytes as binary; the
// caller routes them to the (out-of-scope) binary path itself.
var ErrBinaryFrame = utils.New(utils.KindInvalidInput, "binary frame, not a JSON control message")

// Dispatch classifies raw, and for JSON control messages decodes, dedupes,
// filters own-origin, and routes to the handler registered for its type.
func Dispatch(ctx context.Context, d *Dispatcher, raw []byte) error {
	if Classify(raw) == ClassBinary {
		return ErrBinaryFrame
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return utils.Wrapf(utils.KindInvalidInput, err, "decode control message")
	}

	key := IdempotenceKey(raw, env)
	if d.dedup.seenOrAdd(key) {
		d.log.WithField("messageId", key).Debug("dropping duplicate message")
		return nil
	}

	if env.PlayerID != "" && IsOwnOrigin(env.PlayerID, d.localPeerID) {
		d.log.WithField("playerId", env.PlayerID).Debug("dropping own-origin message")
		return nil
	}

	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if !ok {
		return utils.New(utils.KindInvalidInput, "no handler registered for message type "+string(env.Type))
	}
	return h(ctx, env)
}
