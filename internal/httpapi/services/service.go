// Package services implements the business logic behind the HTTP serving
// surface of spec §6, wrapping internal/store, internal/roster, and
// internal/cache the way the teacher's walletserver/services wraps
// core.HDWallet operations for its controllers.
package services

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"syncshell-mesh/internal/cache"
	"syncshell-mesh/internal/roster"
	"syncshell-mesh/internal/store"
	"syncshell-mesh/pkg/utils"
)

// playerRecord is the minimal identity the register endpoint asks this host
// to remember, also created by RegisterMods; it belongs to no syncshell
// group. Zone membership lives in the roster, which Nearby updates.
type playerRecord struct {
	Name      string
	PublicKey string
	UpdatedAt time.Time
}

// Service is the shared dependency bundle every controller handler calls
// into. A zone is treated as a roster group id: the HTTP surface of §6
// never defines a zone/syncshell binding explicitly, so the roster's
// existing per-group membership model is reused as the natural home for it
// (see DESIGN.md Open Question decisions).
type Service struct {
	mu      sync.RWMutex
	players map[string]playerRecord

	Store  *store.Store
	Roster *roster.Store
	Cache  *cache.Cache

	clock      func() time.Time
	startedAt  time.Time
	version    string
	log        *logrus.Entry
	onRegister func(playerID string)
}

// New constructs a Service. version is reported by /api/status.
func New(st *store.Store, rst *roster.Store, c *cache.Cache, version string, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Service{
		players:   make(map[string]playerRecord),
		Store:     st,
		Roster:    rst,
		Cache:     c,
		clock:     time.Now,
		startedAt: time.Now(),
		version:   version,
		log:       log,
	}
}

// WithClock overrides the service's clock, for tests.
func (s *Service) WithClock(clk func() time.Time) *Service {
	s.clock = clk
	s.startedAt = clk()
	return s
}

// WithOnRegister sets a hook invoked at the end of every RegisterPlayer
// call, playerID only. Used to feed the overlay relay's peer-lookup
// registry (internal/overlay.Relay.RegisterUser) without this package
// importing internal/overlay directly.
func (s *Service) WithOnRegister(f func(playerID string)) *Service {
	s.onRegister = f
	return s
}

// HealthReport is the /health response shape.
type HealthReport struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Health returns the liveness report, always "healthy" once the process can
// answer at all.
func (s *Service) Health() HealthReport {
	return HealthReport{Service: "syncshell-mesh", Status: "healthy", Timestamp: s.clock()}
}

// StatusReport is the /api/status response shape.
type StatusReport struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	Users     int           `json:"users"`
	Timestamp time.Time     `json:"timestamp"`
}

// Status reports process identity, uptime, and the number of players this
// host holds a record for, whether from RegisterPlayer or RegisterMods.
func (s *Service) Status() StatusReport {
	s.mu.RLock()
	users := len(s.players)
	s.mu.RUnlock()
	return StatusReport{
		Name:      "syncshell-mesh",
		Version:   s.version,
		Uptime:    s.clock().Sub(s.startedAt),
		Users:     users,
		Timestamp: s.clock(),
	}
}

// StatsReport combines the content store's dedup report with the cache's
// hit/miss counters, spec §6's "storage + cache + dedup report".
type StatsReport struct {
	Store store.Stats `json:"store"`
	Cache cache.Stats `json:"cache"`
}

// Stats assembles the combined report.
func (s *Service) Stats() StatsReport {
	rep := StatsReport{Store: s.Store.Stats()}
	if s.Cache != nil {
		rep.Cache = s.Cache.Stats()
	}
	return rep
}

// RegisterPlayer records or refreshes a player's display name and public
// key. Re-registration of a known playerID is a normal refresh, not a
// KindDuplicate failure: the caller always sees success.
func (s *Service) RegisterPlayer(playerID, playerName, publicKey string) error {
	if playerID == "" {
		return utils.New(utils.KindInvalidInput, "playerId is required")
	}
	s.mu.Lock()
	s.players[playerID] = playerRecord{Name: playerName, PublicKey: publicKey, UpdatedAt: s.clock()}
	s.mu.Unlock()
	s.log.WithField("player_id", playerID).Info("registered player")
	if s.onRegister != nil {
		s.onRegister(playerID)
	}
	return nil
}

// RegisterMods ingests a player's current asset and config set through the
// content store, spec §4.7's ProcessPlayer.
func (s *Service) RegisterMods(playerID, playerName string, assets []store.AssetInput, configs []store.ConfigInput) (*store.Manifest, error) {
	if playerID == "" {
		return nil, utils.New(utils.KindInvalidInput, "playerId is required")
	}
	m, err := s.Store.ProcessPlayer(playerID, assets, configs)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	rec := s.players[playerID]
	rec.Name = playerName
	rec.UpdatedAt = s.clock()
	s.players[playerID] = rec
	s.mu.Unlock()
	return m, nil
}

// cacheKey is the §4.8 cache key for a player's assembled package.
func cacheKey(playerID string) string { return "pkg:" + playerID }

// GetPackage returns playerID's assembled package, trying the cache first
// (spec §4.8: "accelerate manifest lookups") and falling back to the store
// on a miss, repopulating the cache with the freshly built result.
func (s *Service) GetPackage(playerID string) (*store.Package, error) {
	if s.Cache != nil {
		if raw, ok := s.Cache.Get(cacheKey(playerID)); ok {
			var pkg store.Package
			if err := json.Unmarshal(raw, &pkg); err == nil {
				return &pkg, nil
			}
		}
	}
	pkg, err := s.Store.Package(playerID)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		if raw, err := json.Marshal(pkg); err == nil {
			s.Cache.Set(cacheKey(playerID), raw, 0)
		}
	}
	return pkg, nil
}

// Nearby returns, for every playerID present in nearbyPlayers, that
// player's current package. A player this host has no manifest for is
// silently omitted rather than failing the whole request.
func (s *Service) Nearby(nearbyPlayers []string, zone string) map[string]*store.Package {
	out := make(map[string]*store.Package, len(nearbyPlayers))
	for _, id := range nearbyPlayers {
		pkg, err := s.GetPackage(id)
		if err != nil {
			continue
		}
		out[id] = pkg
		if zone != "" {
			s.Roster.UpsertMember(zone, id, roster.MemberInfo{Name: id, Online: true})
		}
	}
	return out
}

// Pagination describes one page of a chunked package response, spec §6.
type Pagination struct {
	Offset     int  `json:"offset"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	HasMore    bool `json:"hasMore"`
	NextOffset int  `json:"nextOffset,omitempty"`
}

// ChunkedPackage is the paginated /api/mods/:playerId/chunked response
// shape: configs are only attached on the first page, since every asset in
// the underlying Package already repeats the same config set per spec §4.7.
type ChunkedPackage struct {
	Mods         []store.PackagedAsset      `json:"mods"`
	Configs      map[string]json.RawMessage `json:"configs,omitempty"`
	Pagination   Pagination                 `json:"pagination"`
	LastModified time.Time                  `json:"-"`
}

// GetPackageChunked returns one page of playerID's assembled package, with
// assets ordered by path (stable for equal paths).
func (s *Service) GetPackageChunked(playerID string, limit, offset int) (*ChunkedPackage, error) {
	pkg, err := s.GetPackage(playerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	assets := append([]store.PackagedAsset(nil), pkg.Assets...)
	sort.SliceStable(assets, func(i, j int) bool { return assets[i].Path < assets[j].Path })
	total := len(assets)
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}
	page := assets[offset:end]

	out := &ChunkedPackage{
		Mods:         page,
		LastModified: pkg.LastModified,
		Pagination: Pagination{
			Offset:  offset,
			Limit:   limit,
			Total:   total,
			HasMore: end < total,
		},
	}
	if out.Pagination.HasMore {
		out.Pagination.NextOffset = end
	}
	if offset == 0 {
		out.Configs = pkg.TopLevelConfigs
	}
	return out, nil
}

// FilterConnected returns the subset of playerIDs currently marked online
// in zone's roster.
func (s *Service) FilterConnected(playerIDs []string, zone string) []string {
	r, ok := s.Roster.GetRoster(zone)
	if !ok {
		return nil
	}
	var connected []string
	for _, id := range playerIDs {
		key := strings.ToLower(strings.TrimSpace(id))
		if m, ok := r.Members[key]; ok && m.Online {
			connected = append(connected, id)
		}
	}
	return connected
}

// BatchOperation is one entry in the /api/batch-check request, spec §6.
type BatchOperation struct {
	Type      string   `json:"type"`
	PlayerIDs []string `json:"playerIds"`
	Zone      string   `json:"zone,omitempty"`
}

// BatchResult is one entry in the /api/batch-check response.
type BatchResult struct {
	Type      string                     `json:"type"`
	Connected []string                   `json:"connectedPlayers,omitempty"`
	Mods      map[string]*store.Package  `json:"mods,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// BatchCheck runs each operation in sequence, isolating one bad operation's
// error to its own result entry rather than failing the whole batch.
func (s *Service) BatchCheck(ops []BatchOperation) []BatchResult {
	results := make([]BatchResult, 0, len(ops))
	for _, op := range ops {
		switch op.Type {
		case "filter_players":
			results = append(results, BatchResult{Type: op.Type, Connected: s.FilterConnected(op.PlayerIDs, op.Zone)})
		case "get_mods":
			results = append(results, BatchResult{Type: op.Type, Mods: s.Nearby(op.PlayerIDs, op.Zone)})
		default:
			results = append(results, BatchResult{Type: op.Type, Error: "unknown operation type"})
		}
	}
	return results
}
