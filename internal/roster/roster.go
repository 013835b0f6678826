// Package roster implements C6: derived, in-memory per-group membership
// and mod-sync state, with one event per mutation (spec §4.6). Grounded on
// the teacher's core/peer_management.go subscriber-notification pattern
// (holding a lock across a state mutation, then fanning out exactly one
// event describing what changed) generalized to the roster's six mutation
// shapes.
package roster

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ModTTL is the default PlayerModEntry staleness window, spec §4.6/§5.
const ModTTL = 30 * time.Minute

// MemberInfo is one roster member's display/status state, spec §3.
type MemberInfo struct {
	Name     string
	Online   bool
	IsHost   bool
	IsLocal  bool
	JoinedAt time.Time
}

// PlayerModEntry is a snapshot of a member's current asset set, spec §3.
type PlayerModEntry struct {
	SnapshotHash string
	UpdatedAt    time.Time
}

func (e PlayerModEntry) stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.UpdatedAt) > ttl
}

// Roster is the derived per-group membership state.
type Roster struct {
	GroupID   string
	HostName  string
	Members   map[string]MemberInfo
	ModCache  map[string]PlayerModEntry
	UpdatedAt time.Time
}

func newRoster(groupID string, now time.Time) *Roster {
	return &Roster{
		GroupID:   groupID,
		Members:   make(map[string]MemberInfo),
		ModCache:  make(map[string]PlayerModEntry),
		UpdatedAt: now,
	}
}

// snapshot returns a deep-enough copy for safe read-side handoff under the
// shared lock (maps are reference types; copy their contents), spec §4.6
// "reads ... must observe a consistent snapshot".
func (r *Roster) snapshot() Roster {
	members := make(map[string]MemberInfo, len(r.Members))
	for k, v := range r.Members {
		members[k] = v
	}
	mods := make(map[string]PlayerModEntry, len(r.ModCache))
	for k, v := range r.ModCache {
		mods[k] = v
	}
	return Roster{
		GroupID:   r.GroupID,
		HostName:  r.HostName,
		Members:   members,
		ModCache:  mods,
		UpdatedAt: r.UpdatedAt,
	}
}

// EventKind enumerates the roster mutation events, spec §4.6. Every
// mutation emits exactly one.
type EventKind int

const (
	EventRosterCreated EventKind = iota
	EventRosterUpdated
	EventRosterRemoved
	EventRosterCleared
	EventHostChanged
	EventMemberAdded
	EventMemberStatusChanged
	EventMembersRemoved
	EventModDataUpdated
)

// Event is one roster mutation notification.
type Event struct {
	Kind       EventKind
	GroupID    string
	MemberName string
	Members    []string // for EventMembersRemoved
}

// normalizeGroupID implements the spec's "syncshell id keys are lowercased
// and trimmed on every access" normalization.
func normalizeGroupID(groupID string) string {
	return strings.ToLower(strings.TrimSpace(groupID))
}

// Store owns every group's roster. Writers are serialized by a single
// reader-writer lock per roster (modeled here as one RWMutex guarding the
// whole store, since the spec's per-roster lock and the store's map of
// rosters have the same write-serialization requirement and no caller
// needs cross-roster atomicity); reads take the shared handle.
type Store struct {
	mu       sync.RWMutex
	rosters  map[string]*Roster
	clock    func() time.Time
	modTTL   time.Duration
	log      *logrus.Entry
	onEvent  func(Event)
}

// New constructs an empty Store.
func New(log *logrus.Entry, onEvent func(Event)) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Store{
		rosters: make(map[string]*Roster),
		clock:   time.Now,
		modTTL:  ModTTL,
		log:     log,
		onEvent: onEvent,
	}
}

// WithClock overrides the store's clock, for tests.
func (s *Store) WithClock(c func() time.Time) *Store {
	s.clock = c
	return s
}

// EnsureRoster returns the roster for groupID, creating it if absent and
// emitting RosterChanged{Created} exactly once for a fresh roster.
func (s *Store) EnsureRoster(groupID string) Roster {
	key := normalizeGroupID(groupID)

	s.mu.Lock()
	r, ok := s.rosters[key]
	if !ok {
		r = newRoster(key, s.clock())
		s.rosters[key] = r
	}
	snap := r.snapshot()
	s.mu.Unlock()

	if !ok {
		s.onEvent(Event{Kind: EventRosterCreated, GroupID: key})
	}
	return snap
}

// GetRoster returns a consistent snapshot of groupID's roster, or false if
// it doesn't exist.
func (s *Store) GetRoster(groupID string) (Roster, bool) {
	key := normalizeGroupID(groupID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rosters[key]
	if !ok {
		return Roster{}, false
	}
	return r.snapshot(), true
}

// UpsertMember adds or updates a member, emitting MemberUpdated{Added} for
// a new member or MemberUpdated{StatusChanged} for an existing one whose
// online/host/local flags changed.
func (s *Store) UpsertMember(groupID, name string, info MemberInfo) {
	key := normalizeGroupID(groupID)
	name = strings.ToLower(strings.TrimSpace(name))
	info.Name = name

	s.mu.Lock()
	r, ok := s.rosters[key]
	if !ok {
		r = newRoster(key, s.clock())
		s.rosters[key] = r
	}
	existing, existed := r.Members[name]
	r.Members[name] = info
	r.UpdatedAt = s.clock()
	s.mu.Unlock()

	if !ok {
		s.onEvent(Event{Kind: EventRosterCreated, GroupID: key})
	}
	if !existed {
		s.onEvent(Event{Kind: EventMemberAdded, GroupID: key, MemberName: name})
		return
	}
	if existing != info {
		s.onEvent(Event{Kind: EventMemberStatusChanged, GroupID: key, MemberName: name})
	}
}

// RemoveMember removes one member, emitting RosterChanged{Removed}.
func (s *Store) RemoveMember(groupID, name string) bool {
	key := normalizeGroupID(groupID)
	name = strings.ToLower(strings.TrimSpace(name))

	s.mu.Lock()
	r, ok := s.rosters[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	_, existed := r.Members[name]
	delete(r.Members, name)
	r.UpdatedAt = s.clock()
	s.mu.Unlock()

	if existed {
		s.onEvent(Event{Kind: EventRosterRemoved, GroupID: key, MemberName: name})
	}
	return existed
}

// SetHost designates hostName as the group's host, emitting HostChanged.
func (s *Store) SetHost(groupID, hostName string) {
	key := normalizeGroupID(groupID)
	hostName = strings.ToLower(strings.TrimSpace(hostName))

	s.mu.Lock()
	r, ok := s.rosters[key]
	if !ok {
		r = newRoster(key, s.clock())
		s.rosters[key] = r
	}
	r.HostName = hostName
	r.UpdatedAt = s.clock()
	s.mu.Unlock()

	s.onEvent(Event{Kind: EventHostChanged, GroupID: key, MemberName: hostName})
}

// UpdateModData records a fresh mod snapshot for name, emitting
// ModDataUpdated.
func (s *Store) UpdateModData(groupID, name, snapshotHash string) {
	key := normalizeGroupID(groupID)
	name = strings.ToLower(strings.TrimSpace(name))
	now := s.clock()

	s.mu.Lock()
	r, ok := s.rosters[key]
	if !ok {
		r = newRoster(key, now)
		s.rosters[key] = r
	}
	r.ModCache[name] = PlayerModEntry{SnapshotHash: snapshotHash, UpdatedAt: now}
	r.UpdatedAt = now
	s.mu.Unlock()

	s.onEvent(Event{Kind: EventModDataUpdated, GroupID: key, MemberName: name})
}

// GetModData returns name's current mod snapshot, or false if absent or
// stale (older than the mod TTL).
func (s *Store) GetModData(groupID, name string) (PlayerModEntry, bool) {
	key := normalizeGroupID(groupID)
	name = strings.ToLower(strings.TrimSpace(name))

	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rosters[key]
	if !ok {
		return PlayerModEntry{}, false
	}
	entry, ok := r.ModCache[name]
	if !ok || entry.stale(s.clock(), s.modTTL) {
		return PlayerModEntry{}, false
	}
	return entry, true
}

// ClearRoster wipes all members and mod cache entries for a group (e.g. when
// the syncshell disbands), emitting RosterChanged{Cleared}.
func (s *Store) ClearRoster(groupID string) {
	key := normalizeGroupID(groupID)

	s.mu.Lock()
	r, ok := s.rosters[key]
	if ok {
		r.Members = make(map[string]MemberInfo)
		r.ModCache = make(map[string]PlayerModEntry)
		r.HostName = ""
		r.UpdatedAt = s.clock()
	}
	s.mu.Unlock()

	if ok {
		s.log.WithField("group_id", key).Info("roster cleared")
		s.onEvent(Event{Kind: EventRosterCleared, GroupID: key})
	}
}

// CleanupStale drops every mod cache entry older than the mod TTL across
// all rosters, emitting MembersRemoved per roster that lost entries.
func (s *Store) CleanupStale() {
	now := s.clock()

	s.mu.Lock()
	type removal struct {
		groupID string
		names   []string
	}
	var removals []removal
	for key, r := range s.rosters {
		var names []string
		for name, entry := range r.ModCache {
			if entry.stale(now, s.modTTL) {
				names = append(names, name)
			}
		}
		for _, name := range names {
			delete(r.ModCache, name)
		}
		if len(names) > 0 {
			r.UpdatedAt = now
			removals = append(removals, removal{groupID: key, names: names})
		}
	}
	s.mu.Unlock()

	for _, rm := range removals {
		s.log.WithField("group_id", rm.groupID).WithField("count", len(rm.names)).Debug("pruned stale mod cache entries")
		s.onEvent(Event{Kind: EventMembersRemoved, GroupID: rm.groupID, Members: rm.names})
	}
}
