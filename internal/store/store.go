// Package store implements C7: a deduplicated, content-addressed store with
// per-member manifests, refcounted asset/config blobs, and stale/orphan
// eviction (spec §4.7). Grounded on the teacher's core/storage.go Pin/
// Retrieve (SHA-256 addressing, a CID-shaped display wrapper over that hash,
// best-effort local caching) generalized from a single IPFS-gateway blob
// store into the spec's dual asset/config refcount tables with per-member
// manifests, and on its diskLRU (temp/rename-free there, but the same
// write-then-index-under-lock discipline this package applies atomically
// via temp-file + rename).
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"go.uber.org/zap"

	"syncshell-mesh/pkg/utils"
)

// StaleAge is the default manifest staleness window before eviction, spec
// §4.7/§5.
const StaleAge = 24 * time.Hour

// AssetInput is one asset's path and bytes, supplied to ProcessPlayer.
type AssetInput struct {
	Path  string
	Bytes []byte
}

// ConfigInput is one typed config document, supplied to ProcessPlayer.
// Type is one of appearance, body, heels, title per spec §3.
type ConfigInput struct {
	Type string
	Data json.RawMessage
}

// AssetAssociation binds one asset path to its content hash and the full
// set of configured types' hashes, spec §4.7: "configs are character-wide,
// not per-asset", so every association in a manifest carries the same
// config_hashes map.
type AssetAssociation struct {
	AssetHash    string            `json:"asset_hash"`
	AssetPath    string            `json:"asset_path"`
	ConfigHashes map[string]string `json:"config_hashes"`
}

// Manifest is the only structure binding a member to their mods and
// configs, spec §3.
type Manifest struct {
	PeerID       string             `json:"peer_id"`
	Associations []AssetAssociation `json:"associations"`
	UpdatedAt    time.Time          `json:"updated_at"`
	TotalSize    int64              `json:"total_size"`
}

// PackagedAsset is one asset as returned by Package, spec §4.7.
type PackagedAsset struct {
	Path    string                     `json:"path"`
	Bytes   []byte                     `json:"bytes"`
	Configs map[string]json.RawMessage `json:"configs"`
}

// Package is the assembled response Package() builds for one recipient,
// spec §4.7.
type Package struct {
	Assets          []PackagedAsset            `json:"assets"`
	TopLevelConfigs map[string]json.RawMessage `json:"configs"`
	PackageTS       time.Time                  `json:"package_ts"`
	LastModified    time.Time                  `json:"last_modified"`
}

// Stats is the supplemented /api/stats report, SPEC_FULL.md §3.
type Stats struct {
	TotalAssets       int            `json:"total_assets"`
	TotalConfigs      int            `json:"total_configs"`
	TotalBytesOnDisk  int64          `json:"total_bytes_on_disk"`
	RefcountHistogram map[uint64]int `json:"refcount_histogram"`
	CacheHits         uint64         `json:"cache_hits"`
	CacheMisses       uint64         `json:"cache_misses"`
	LastOrphanSweep   time.Time      `json:"last_orphan_sweep"`
	OrphansRemoved    int            `json:"orphans_removed_last_sweep"`
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-serializes an arbitrary JSON document with object keys
// sorted recursively, so two byte-different-but-semantically-equal
// documents hash identically — spec §3's "SHA-256(canonical_json(data))".
// The pack carries no canonical-JSON library; encoding/json plus manual key
// sorting is the only way to express this, matching the teacher's own bare
// json.Marshal-based hashing in its storage/pin flow.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalize(v))
}

func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedPair{k, canonicalize(val[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

// orderedMap/orderedPair implement json.Marshaler to emit object keys in a
// fixed order, since Go's map iteration (and therefore encoding/json's map
// marshaling) is randomized.
type orderedPair struct {
	Key   string
	Value interface{}
}
type orderedMap []orderedPair

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf []byte
	buf = append(buf, '{')
	for i, p := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// displayCID wraps a hex SHA-256 hash as a CIDv1 string for display only;
// Stats does not include it. Canonical addressing throughout this package stays
// raw hex SHA-256, per spec §3/§6.
func displayCID(hexHash string) string {
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != sha256.Size {
		return ""
	}
	encoded, err := mh.Encode(raw, mh.SHA2_256)
	if err != nil {
		return ""
	}
	c := cid.NewCidV1(cid.Raw, encoded)
	return c.String()
}

// Store is the deduplicated content-addressed store for one node.
type Store struct {
	mu        sync.RWMutex
	baseDir   string
	assetRefs map[string]uint64
	configRefs map[string]uint64
	manifests map[string]*Manifest
	staleAge  time.Duration
	clock     func() time.Time
	log       *zap.Logger

	cacheHits   uint64
	cacheMisses uint64
	lastSweep   time.Time
	lastSweepN  int
}

// New constructs a Store rooted at baseDir, creating content/, configs/,
// and manifests/ subdirectories, then rebuilds the manifest table and both
// refcount tables from manifests/*.json already on disk — spec §6's on-disk
// layout names manifests/ as the durable record, and invariant I1 requires
// previously-ingested content to survive a restart. Without this rebuild,
// assetRefs/configRefs would start empty and the first ReclaimOrphans sweep
// would delete every blob as an orphan.
func New(baseDir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, sub := range []string{"content", "configs", "manifests"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, utils.Wrapf(utils.KindFatal, err, "create store directory "+sub)
		}
	}
	s := &Store{
		baseDir:    baseDir,
		assetRefs:  make(map[string]uint64),
		configRefs: make(map[string]uint64),
		manifests:  make(map[string]*Manifest),
		staleAge:   StaleAge,
		clock:      time.Now,
		log:        log,
	}
	if err := s.loadManifests(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadManifests reads every manifests/*.json file and reconstructs
// s.manifests plus both refcount tables, mirroring releaseManifestLocked's
// increment/decrement symmetry exactly so a freshly restarted store looks
// identical, refcount-wise, to one that never stopped. A single unreadable
// or corrupt manifest is logged and skipped rather than failing startup —
// the rest of the node's manifests are still worth recovering.
func (s *Store) loadManifests() error {
	dir := filepath.Join(s.baseDir, "manifests")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return utils.Wrapf(utils.KindFatal, err, "read manifests directory")
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable manifest", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.Warn("skipping corrupt manifest", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		s.manifests[m.PeerID] = &m
		s.increfManifestLocked(&m)
	}
	return nil
}

// increfManifestLocked is releaseManifestLocked's inverse: it re-derives
// refcounts for a manifest loaded from disk at startup, deduplicating
// config hashes per manifest the same way release does. Caller must hold
// s.mu; loadManifests runs from New before the Store is shared, so no lock
// is taken there.
func (s *Store) increfManifestLocked(m *Manifest) {
	seenConfig := make(map[string]bool)
	for _, assoc := range m.Associations {
		s.assetRefs[assoc.AssetHash]++
		for _, h := range assoc.ConfigHashes {
			if seenConfig[h] {
				continue
			}
			seenConfig[h] = true
			s.configRefs[h]++
		}
	}
}

// WithClock overrides the store's clock, for tests.
func (s *Store) WithClock(c func() time.Time) *Store {
	s.clock = c
	return s
}

// WithStaleAge overrides the manifest staleness window, for tests and
// config-driven deployments.
func (s *Store) WithStaleAge(d time.Duration) *Store {
	s.staleAge = d
	return s
}

func (s *Store) contentPath(hash string) string  { return filepath.Join(s.baseDir, "content", hash) }
func (s *Store) configPath(hash string) string   { return filepath.Join(s.baseDir, "configs", hash) }
func (s *Store) manifestPath(peerID string) string {
	return filepath.Join(s.baseDir, "manifests", peerID+".json")
}

// writeBlobOnce writes data to path via temp-file + rename if it doesn't
// already exist, spec §4.7 "write manifest atomically (temp-file + rename)"
// applied equally to blobs: readers require no lock once the rename
// commits, spec §5.
func writeBlobOnce(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ProcessPlayer implements C7's ingest operation, spec §4.7. Any prior
// manifest for peerID is released first, so re-ingest (e.g. a mod-sync
// resend) never leaves stale refs above the new live set — required for
// invariant I3.
func (s *Store) ProcessPlayer(peerID string, assets []AssetInput, configs []ConfigInput) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.manifests[peerID]; ok {
		s.releaseManifestLocked(existing)
	}

	configHashes := make(map[string]string, len(configs))
	canonByHash := make(map[string][]byte, len(configs))
	for _, c := range configs {
		if len(c.Data) == 0 {
			continue
		}
		canon, err := canonicalJSON(c.Data)
		if err != nil {
			return nil, utils.Wrapf(utils.KindInvalidInput, err, "canonicalize config "+c.Type)
		}
		h := hashBytes(canon)
		configHashes[c.Type] = h
		canonByHash[h] = canon
	}
	// One ref per distinct config hash the manifest's associations carry,
	// the same count releaseManifestLocked and increfManifestLocked use.
	counted := make(map[string]bool, len(configHashes))
	for _, h := range configHashes {
		if counted[h] || len(assets) == 0 {
			continue
		}
		counted[h] = true
		if s.configRefs[h] == 0 {
			if err := writeBlobOnce(s.configPath(h), canonByHash[h]); err != nil {
				return nil, utils.Wrapf(utils.KindFatal, err, "write config blob")
			}
		}
		s.configRefs[h]++
	}

	associations := make([]AssetAssociation, 0, len(assets))
	var totalSize int64
	for _, a := range assets {
		h := hashBytes(a.Bytes)
		if s.assetRefs[h] == 0 {
			if err := writeBlobOnce(s.contentPath(h), a.Bytes); err != nil {
				return nil, utils.Wrapf(utils.KindFatal, err, "write asset blob")
			}
		}
		s.assetRefs[h]++
		totalSize += int64(len(a.Bytes))
		associations = append(associations, AssetAssociation{
			AssetHash:    h,
			AssetPath:    a.Path,
			ConfigHashes: configHashes,
		})
	}

	m := &Manifest{
		PeerID:       peerID,
		Associations: associations,
		UpdatedAt:    s.clock(),
		TotalSize:    totalSize,
	}
	if err := s.writeManifestLocked(m); err != nil {
		return nil, err
	}
	s.manifests[peerID] = m
	s.log.Info("processed player ingest",
		zap.String("peer_id", peerID),
		zap.Int("assets", len(assets)),
		zap.Int64("total_size", totalSize))
	return m, nil
}

func (s *Store) writeManifestLocked(m *Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return utils.Wrapf(utils.KindInvalidInput, err, "marshal manifest")
	}
	path := s.manifestPath(m.PeerID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return utils.Wrapf(utils.KindFatal, err, "write manifest temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return utils.Wrapf(utils.KindFatal, err, "rename manifest into place")
	}
	return nil
}

// ManifestUpdatedAt returns peerID's current manifest timestamp without
// reading any blob, so the HTTP serving surface can answer conditional-GET
// requests (If-None-Match / If-Modified-Since, spec §6) without paying for a
// full Package() assembly on every poll.
func (s *Store) ManifestUpdatedAt(peerID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[peerID]
	if !ok {
		return time.Time{}, false
	}
	return m.UpdatedAt, true
}

// Package implements C7's serve operation, spec §4.7: loads the manifest,
// streams each referenced asset's bytes from disk, and attaches configs —
// the top-level configs map takes the first occurrence per type across
// associations, since every association already carries the same
// config_hashes map.
func (s *Store) Package(targetPeerID string) (*Package, error) {
	s.mu.RLock()
	m, ok := s.manifests[targetPeerID]
	s.mu.RUnlock()
	if !ok {
		return nil, utils.New(utils.KindInvalidInput, "no manifest for peer "+targetPeerID)
	}

	pkg := &Package{
		TopLevelConfigs: make(map[string]json.RawMessage),
		PackageTS:       s.clock(),
		LastModified:    m.UpdatedAt,
	}
	for _, assoc := range m.Associations {
		data, err := os.ReadFile(s.contentPath(assoc.AssetHash))
		if err != nil {
			return nil, utils.Wrapf(utils.KindStorageCorruption, err, "read asset blob "+assoc.AssetHash)
		}
		configs := make(map[string]json.RawMessage, len(assoc.ConfigHashes))
		for typ, hash := range assoc.ConfigHashes {
			raw, err := os.ReadFile(s.configPath(hash))
			if err != nil {
				return nil, utils.Wrapf(utils.KindStorageCorruption, err, "read config blob "+hash)
			}
			configs[typ] = raw
			if _, exists := pkg.TopLevelConfigs[typ]; !exists {
				pkg.TopLevelConfigs[typ] = raw
			}
		}
		pkg.Assets = append(pkg.Assets, PackagedAsset{
			Path:    assoc.AssetPath,
			Bytes:   data,
			Configs: configs,
		})
	}
	return pkg, nil
}

// releaseManifestLocked decrements refs for every hash m references,
// deleting a blob and its table entry atomically once its refcount hits
// zero. Caller must hold s.mu.
func (s *Store) releaseManifestLocked(m *Manifest) {
	seenConfig := make(map[string]bool)
	for _, assoc := range m.Associations {
		s.decrefAssetLocked(assoc.AssetHash)
		for _, h := range assoc.ConfigHashes {
			if seenConfig[h] {
				continue
			}
			seenConfig[h] = true
			s.decrefConfigLocked(h)
		}
	}
}

func (s *Store) decrefAssetLocked(hash string) {
	if s.assetRefs[hash] == 0 {
		return
	}
	s.assetRefs[hash]--
	if s.assetRefs[hash] == 0 {
		delete(s.assetRefs, hash)
		_ = os.Remove(s.contentPath(hash))
	}
}

func (s *Store) decrefConfigLocked(hash string) {
	if s.configRefs[hash] == 0 {
		return
	}
	s.configRefs[hash]--
	if s.configRefs[hash] == 0 {
		delete(s.configRefs, hash)
		_ = os.Remove(s.configPath(hash))
	}
}

// RemovePlayer implements C7's eviction operation, spec §4.7.
func (s *Store) RemovePlayer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[peerID]
	if !ok {
		return nil
	}
	s.releaseManifestLocked(m)
	delete(s.manifests, peerID)
	_ = os.Remove(s.manifestPath(peerID))
	s.log.Info("removed player", zap.String("peer_id", peerID))
	return nil
}

// MaintainStale evicts every manifest older than the stale age, spec §4.7.
func (s *Store) MaintainStale() {
	now := s.clock()

	s.mu.RLock()
	var stale []string
	for peerID, m := range s.manifests {
		if now.Sub(m.UpdatedAt) > s.staleAge {
			stale = append(stale, peerID)
		}
	}
	s.mu.RUnlock()

	for _, peerID := range stale {
		_ = s.RemovePlayer(peerID)
	}
}

// ReclaimOrphans sweeps content/ and configs/ for blobs whose hash has
// refs == 0 or is missing from the refcount table, spec §4.7.
func (s *Store) ReclaimOrphans() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	removed += s.sweepDirLocked(filepath.Join(s.baseDir, "content"), s.assetRefs)
	removed += s.sweepDirLocked(filepath.Join(s.baseDir, "configs"), s.configRefs)

	s.lastSweep = s.clock()
	s.lastSweepN = removed
	return removed
}

func (s *Store) sweepDirLocked(dir string, refs map[string]uint64) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.Contains(name, ".tmp") {
			continue
		}
		if refs[name] == 0 {
			_ = os.Remove(filepath.Join(dir, name))
			removed++
		}
	}
	return removed
}

// Stats reports the supplemented /api/stats shape, SPEC_FULL.md §3.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	histogram := make(map[uint64]int)
	var totalBytes int64
	for h, refs := range s.assetRefs {
		histogram[refs]++
		if fi, err := os.Stat(s.contentPath(h)); err == nil {
			totalBytes += fi.Size()
		}
	}
	for h, refs := range s.configRefs {
		histogram[refs]++
		if fi, err := os.Stat(s.configPath(h)); err == nil {
			totalBytes += fi.Size()
		}
	}

	return Stats{
		TotalAssets:       len(s.assetRefs),
		TotalConfigs:      len(s.configRefs),
		TotalBytesOnDisk:  totalBytes,
		RefcountHistogram: histogram,
		CacheHits:         s.cacheHits,
		CacheMisses:       s.cacheMisses,
		LastOrphanSweep:   s.lastSweep,
		OrphansRemoved:    s.lastSweepN,
	}
}

// DisplayCID returns hash wrapped as a CIDv1 string for display, or empty
// string if hash isn't a valid hex SHA-256.
func DisplayCID(hash string) string { return displayCID(hash) }
