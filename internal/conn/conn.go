// Package conn implements C4: one logical channel per (group, peer),
// serialized creation/replacement/close, and handshake/transfer timeouts
// (spec §4.4). It is grounded on the teacher's core/rpc_webrtc.go peer map
// (a single mutex guarding a map keyed by peer identity) generalized from a
// flat map to the (group, peer) keyspace and state machine the spec
// requires.
package conn

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"syncshell-mesh/pkg/utils"
)

// State is a connection record's lifecycle stage, spec §4.4.
type State int

const (
	StateEstablishing State = iota
	StateConnected
	StateTransferring
	StateClosing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateConnected:
		return "connected"
	case StateTransferring:
		return "transferring"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

func (s State) live() bool {
	return s == StateEstablishing || s == StateConnected || s == StateTransferring
}

// blocksClose reports whether disconnect(key) must be deferred in this
// state, spec §4.4 close contract (transferring or establishing only —
// connected may close immediately).
func (s State) blocksClose() bool {
	return s == StateEstablishing || s == StateTransferring
}

// EventKind enumerates the events a Channel emits on its Events() stream.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDataReceived
	EventHandshakeFailed
	EventDisconnected
)

// RecoveryContext accompanies a Disconnected event so the caller can attempt
// reconnection without re-deriving group state, spec §4.4 failure semantics.
type RecoveryContext struct {
	GroupID     string
	KnownRelays []string
	GroupKey    []byte
}

// Event is a single notification from a Channel.
type Event struct {
	Kind     EventKind
	Data     []byte
	Recovery RecoveryContext
}

// Channel is the capability interface a connection variant implements;
// WebRTCChannel is the one variant in this package. Replaces the
// multi-inheritance "connection variant" hierarchy the original system used
// with a single interface plus tagged construction, per spec REDESIGN FLAGS.
type Channel interface {
	Send(data []byte) error
	IsConnected() bool
	IsTransferring() bool
	IsEstablishing() bool
	Dispose() error
	Events() <-chan Event
}

// HostKey is the logical channel key for a group's host channel.
func HostKey(groupID string) string { return groupID }

// PeerKey is the logical channel key for a per-peer channel within a group.
func PeerKey(groupID, peerTag string) string { return groupID + "_" + peerTag }

type record struct {
	key               string
	channel           Channel
	state             State
	createdAt         time.Time
	lastSendAt        time.Time
	pendingDisconnect bool
	recovery          RecoveryContext
}

// ErrDisconnectDeferred is returned by Disconnect when the record is
// transferring or establishing; the manager will retry at the next
// Maintain tick, spec §4.4 close contract.
var ErrDisconnectDeferred = utils.New(utils.KindConflict, "disconnect deferred: record is transferring or establishing")

// Manager owns every connection record for one node. All create/replace/
// close transitions are serialized by a single mutex, spec §4.4/§5.
type Manager struct {
	mu               sync.Mutex
	records          map[string]*record
	clock            func() time.Time
	handshakeTimeout time.Duration
	transferTimeout  time.Duration
	log              *logrus.Entry
}

// New constructs a Manager with the spec's default timeouts (60s handshake,
// 5s transfer).
func New(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		records:          make(map[string]*record),
		clock:            time.Now,
		handshakeTimeout: 60 * time.Second,
		transferTimeout:  5 * time.Second,
		log:              log,
	}
}

// WithClock overrides the manager's clock, for tests.
func (m *Manager) WithClock(c func() time.Time) *Manager {
	m.clock = c
	return m
}

// WithTimeouts overrides the handshake/transfer timeouts, for tests and for
// config-driven deployments.
func (m *Manager) WithTimeouts(handshake, transfer time.Duration) *Manager {
	m.handshakeTimeout = handshake
	m.transferTimeout = transfer
	return m
}

// GetOrCreate implements the creation contract, spec §4.4: if a live record
// already exists for key, it is returned unchanged (created=false, and an
// attempted-duplicate is logged); otherwise factory is invoked and the new
// channel is stored under the lock.
func (m *Manager) GetOrCreate(key string, recovery RecoveryContext, factory func() (Channel, error)) (Channel, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[key]; ok && existing.state.live() {
		m.log.WithField("key", key).Debug("attempted-duplicate connection creation suppressed")
		return existing.channel, false, nil
	}

	ch, err := factory()
	if err != nil {
		return nil, false, utils.Wrapf(utils.KindTransient, err, "create channel")
	}

	now := m.clock()
	m.records[key] = &record{
		key:       key,
		channel:   ch,
		state:     StateEstablishing,
		createdAt: now,
		recovery:  recovery,
	}
	return ch, true, nil
}

// Replace implements the replacement contract, spec §4.4: only proceeds if
// the current record is dead. Violation is a no-op and newChannel is
// disposed immediately.
func (m *Manager) Replace(key string, newChannel Channel) error {
	m.mu.Lock()
	existing, ok := m.records[key]
	if ok && existing.state != StateDead {
		m.mu.Unlock()
		_ = newChannel.Dispose()
		return utils.New(utils.KindConflict, "replace refused: existing record is not dead")
	}
	m.records[key] = &record{
		key:       key,
		channel:   newChannel,
		state:     StateEstablishing,
		createdAt: m.clock(),
	}
	m.mu.Unlock()
	return nil
}

// MarkConnected transitions an establishing record to connected, typically
// called from the channel's own Connected event handler.
func (m *Manager) MarkConnected(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[key]; ok && r.state == StateEstablishing {
		r.state = StateConnected
	}
}

// MarkSent records a send on key, transitioning a connected record to
// transferring.
func (m *Manager) MarkSent(key string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return
	}
	r.lastSendAt = now
	if r.state == StateConnected {
		r.state = StateTransferring
	}
}

// OnSendFailure transitions a record to dead and returns its recovery
// context, spec §4.4 failure semantics. Callers fire a disconnect event
// carrying the returned context.
func (m *Manager) OnSendFailure(key string) (RecoveryContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return RecoveryContext{}, false
	}
	r.state = StateDead
	return r.recovery, true
}

// Disconnect implements the close contract, spec §4.4: deferred while
// transferring or establishing; the manager retries at the next Maintain
// tick via pendingDisconnect.
func (m *Manager) Disconnect(key string) error {
	m.mu.Lock()
	r, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if r.state.blocksClose() {
		r.pendingDisconnect = true
		m.mu.Unlock()
		return ErrDisconnectDeferred
	}
	r.state = StateClosing
	ch := r.channel
	delete(m.records, key)
	m.mu.Unlock()

	return ch.Dispose()
}

// State reports the current state of key, for callers and tests.
func (m *Manager) State(key string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return StateDead, false
	}
	return r.state, true
}

// Maintain runs one maintenance tick: reaps pending-handshake records past
// T_handshake, demotes stale transferring records back to connected once
// T_xfer has elapsed with no send, and retries deferred disconnects, spec
// §4.4/§5.
func (m *Manager) Maintain() {
	now := m.clock()

	m.mu.Lock()
	var toDispose []Channel
	var toClose []string
	for key, r := range m.records {
		if r.state == StateEstablishing && now.Sub(r.createdAt) > m.handshakeTimeout {
			m.log.WithField("key", key).Warn("HandshakeFailed: handshake timeout reached")
			r.state = StateDead
			toDispose = append(toDispose, r.channel)
			toClose = append(toClose, key)
			continue
		}
		if r.state == StateTransferring && now.Sub(r.lastSendAt) > m.transferTimeout {
			r.state = StateConnected
		}
		if r.pendingDisconnect && !r.state.blocksClose() {
			r.state = StateClosing
			toDispose = append(toDispose, r.channel)
			toClose = append(toClose, key)
		}
	}
	for _, key := range toClose {
		delete(m.records, key)
	}
	m.mu.Unlock()

	for _, ch := range toDispose {
		_ = ch.Dispose()
	}
}

// Len reports the number of tracked records, for diagnostics/tests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
