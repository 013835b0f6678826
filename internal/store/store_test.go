package store

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"syncshell-mesh/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })

	s, err := New(sb.Root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestProcessPlayerDeduplicatesIdenticalAssets(t *testing.T) {
	s := newTestStore(t)

	assets := []AssetInput{{Path: "hair/01.png", Bytes: []byte("same bytes")}}
	if _, err := s.ProcessPlayer("alice", assets, nil); err != nil {
		t.Fatalf("ProcessPlayer alice: %v", err)
	}
	if _, err := s.ProcessPlayer("bob", assets, nil); err != nil {
		t.Fatalf("ProcessPlayer bob: %v", err)
	}

	if got := len(s.assetRefs); got != 1 {
		t.Fatalf("expected exactly one distinct asset blob, got %d", got)
	}
	for _, refs := range s.assetRefs {
		if refs != 2 {
			t.Fatalf("expected refcount 2 for the shared blob, got %d", refs)
		}
	}
}

func TestProcessPlayerCanonicalizesConfigData(t *testing.T) {
	s := newTestStore(t)

	cfgA := ConfigInput{Type: "appearance", Data: json.RawMessage(`{"b":2,"a":1}`)}
	cfgB := ConfigInput{Type: "appearance", Data: json.RawMessage(`{"a":1,"b":2}`)}

	if _, err := s.ProcessPlayer("alice", nil, []ConfigInput{cfgA}); err != nil {
		t.Fatalf("ProcessPlayer alice: %v", err)
	}
	if _, err := s.ProcessPlayer("bob", nil, []ConfigInput{cfgB}); err != nil {
		t.Fatalf("ProcessPlayer bob: %v", err)
	}

	if got := len(s.configRefs); got != 1 {
		t.Fatalf("expected key-order-independent configs to hash identically, got %d distinct blobs", got)
	}
}

func TestPackageAssemblesAssetsAndConfigs(t *testing.T) {
	s := newTestStore(t)
	assets := []AssetInput{{Path: "hair/01.png", Bytes: []byte("hair-bytes")}}
	configs := []ConfigInput{{Type: "appearance", Data: json.RawMessage(`{"tone":"tan"}`)}}

	if _, err := s.ProcessPlayer("alice", assets, configs); err != nil {
		t.Fatalf("ProcessPlayer: %v", err)
	}

	pkg, err := s.Package("alice")
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if len(pkg.Assets) != 1 || string(pkg.Assets[0].Bytes) != "hair-bytes" {
		t.Fatalf("unexpected packaged assets: %+v", pkg.Assets)
	}
	if _, ok := pkg.TopLevelConfigs["appearance"]; !ok {
		t.Fatalf("expected top-level appearance config, got %+v", pkg.TopLevelConfigs)
	}
}

func TestRemovePlayerDecrementsRefsAndDeletesAtZero(t *testing.T) {
	s := newTestStore(t)
	assets := []AssetInput{{Path: "hair/01.png", Bytes: []byte("hair-bytes")}}

	if _, err := s.ProcessPlayer("alice", assets, nil); err != nil {
		t.Fatalf("ProcessPlayer: %v", err)
	}
	var hash string
	for h := range s.assetRefs {
		hash = h
	}
	if _, err := os.Stat(s.contentPath(hash)); err != nil {
		t.Fatalf("expected blob on disk before removal: %v", err)
	}

	if err := s.RemovePlayer("alice"); err != nil {
		t.Fatalf("RemovePlayer: %v", err)
	}
	if _, ok := s.assetRefs[hash]; ok {
		t.Fatalf("expected refcount entry removed at zero")
	}
	if _, err := os.Stat(s.contentPath(hash)); !os.IsNotExist(err) {
		t.Fatalf("expected blob deleted from disk, stat err=%v", err)
	}
}

func TestReingestReleasesPriorManifestRefs(t *testing.T) {
	s := newTestStore(t)
	first := []AssetInput{{Path: "hair/01.png", Bytes: []byte("old-hair")}}
	second := []AssetInput{{Path: "hair/02.png", Bytes: []byte("new-hair")}}

	if _, err := s.ProcessPlayer("alice", first, nil); err != nil {
		t.Fatalf("ProcessPlayer first: %v", err)
	}
	if _, err := s.ProcessPlayer("alice", second, nil); err != nil {
		t.Fatalf("ProcessPlayer second: %v", err)
	}

	if got := len(s.assetRefs); got != 1 {
		t.Fatalf("expected only the second ingest's asset to remain referenced, got %d", got)
	}
}

func TestMaintainStaleEvictsOldManifests(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newTestStore(t).WithClock(func() time.Time { return now })
	assets := []AssetInput{{Path: "hair/01.png", Bytes: []byte("hair-bytes")}}
	if _, err := s.ProcessPlayer("alice", assets, nil); err != nil {
		t.Fatalf("ProcessPlayer: %v", err)
	}

	s.WithClock(func() time.Time { return now.Add(StaleAge + time.Minute) })
	s.MaintainStale()

	if _, err := s.Package("alice"); err == nil {
		t.Fatalf("expected stale manifest to have been evicted")
	}
}

func TestReclaimOrphansRemovesUnreferencedBlob(t *testing.T) {
	s := newTestStore(t)
	assets := []AssetInput{{Path: "hair/01.png", Bytes: []byte("hair-bytes")}}
	if _, err := s.ProcessPlayer("alice", assets, nil); err != nil {
		t.Fatalf("ProcessPlayer: %v", err)
	}
	var hash string
	for h := range s.assetRefs {
		hash = h
	}
	delete(s.assetRefs, hash) // simulate a refcount-table/disk desync

	removed := s.ReclaimOrphans()
	if removed == 0 {
		t.Fatalf("expected at least one orphan removed")
	}
	if _, err := os.Stat(s.contentPath(hash)); !os.IsNotExist(err) {
		t.Fatalf("expected orphaned blob removed from disk")
	}
}

func TestDisplayCIDRoundTripsValidHash(t *testing.T) {
	hash := hashBytes([]byte("some content"))
	c := DisplayCID(hash)
	if c == "" {
		t.Fatalf("expected a non-empty CID for a valid SHA-256 hex hash")
	}
}

func TestNewRebuildsRefsFromManifestsOnDisk(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })

	s1, err := New(sb.Root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assets := []AssetInput{{Path: "hair/01.png", Bytes: []byte("hair-bytes")}}
	configs := []ConfigInput{{Type: "appearance", Data: json.RawMessage(`{"tone":"tan"}`)}}
	if _, err := s1.ProcessPlayer("alice", assets, configs); err != nil {
		t.Fatalf("ProcessPlayer: %v", err)
	}
	var hash string
	for h := range s1.assetRefs {
		hash = h
	}

	// Simulate a restart: a fresh Store opened against the same baseDir
	// must recover refs from the manifests already on disk, not start empty.
	s2, err := New(sb.Root, nil)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if _, ok := s2.manifests["alice"]; !ok {
		t.Fatalf("expected alice's manifest to be reloaded")
	}
	if got := s2.assetRefs[hash]; got != 1 {
		t.Fatalf("expected reloaded asset refcount 1, got %d", got)
	}
	if got := len(s2.configRefs); got != 1 {
		t.Fatalf("expected one reloaded config ref, got %d", got)
	}

	// The next orphan sweep must not delete content the reloaded refs cover.
	if removed := s2.ReclaimOrphans(); removed != 0 {
		t.Fatalf("expected no orphans after a correct reload, removed %d", removed)
	}
	if _, err := os.Stat(s2.contentPath(hash)); err != nil {
		t.Fatalf("expected blob to survive a restart + orphan sweep: %v", err)
	}
}

func TestStatsReportsHistogramAndBytes(t *testing.T) {
	s := newTestStore(t)
	assets := []AssetInput{{Path: "hair/01.png", Bytes: []byte("hair-bytes")}}
	if _, err := s.ProcessPlayer("alice", assets, nil); err != nil {
		t.Fatalf("ProcessPlayer: %v", err)
	}
	if _, err := s.ProcessPlayer("bob", assets, nil); err != nil {
		t.Fatalf("ProcessPlayer: %v", err)
	}

	stats := s.Stats()
	if stats.TotalAssets != 1 {
		t.Fatalf("expected one distinct asset, got %d", stats.TotalAssets)
	}
	if stats.RefcountHistogram[2] != 1 {
		t.Fatalf("expected a histogram bucket of one hash with 2 refs, got %+v", stats.RefcountHistogram)
	}
}
