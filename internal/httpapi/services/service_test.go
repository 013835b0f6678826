package services

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"syncshell-mesh/internal/cache"
	"syncshell-mesh/internal/roster"
	"syncshell-mesh/internal/store"
	"syncshell-mesh/internal/testutil"
	"syncshell-mesh/pkg/utils"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	sandbox, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sandbox.Cleanup() })

	st, err := store.New(sandbox.Root, zap.NewNop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	rst := roster.New(nil, nil)
	c, err := cache.New(nil, 100, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return New(st, rst, c, "test", nil)
}

func TestRegisterPlayerRejectsEmptyID(t *testing.T) {
	s := newTestService(t)
	err := s.RegisterPlayer("", "Name", "pk")
	if !utils.Is(err, utils.KindInvalidInput) {
		t.Fatalf("expected KindInvalidInput, got %v", err)
	}
}

func TestRegisterPlayerIsIdempotentOnReRegistration(t *testing.T) {
	s := newTestService(t)
	if err := s.RegisterPlayer("p1", "Alice", "pk1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := s.RegisterPlayer("p1", "Alice2", "pk1"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if got := s.Status().Users; got != 1 {
		t.Fatalf("expected 1 distinct user after re-registration, got %d", got)
	}
}

func TestGetPackagePopulatesCacheOnMiss(t *testing.T) {
	s := newTestService(t)
	if _, err := s.RegisterMods("p1", "Alice", []store.AssetInput{{Path: "a", Bytes: []byte("x")}}, nil); err != nil {
		t.Fatalf("RegisterMods: %v", err)
	}

	if _, err := s.GetPackage("p1"); err != nil {
		t.Fatalf("GetPackage: %v", err)
	}
	if _, ok := s.Cache.Get(cacheKey("p1")); !ok {
		t.Fatalf("expected GetPackage to populate the cache")
	}
}

func TestGetPackageChunkedPaginatesAndAttachesConfigsOnlyOnFirstPage(t *testing.T) {
	s := newTestService(t)
	assets := []store.AssetInput{
		{Path: "a", Bytes: []byte("1")},
		{Path: "b", Bytes: []byte("2")},
		{Path: "c", Bytes: []byte("3")},
	}
	configs := []store.ConfigInput{{Type: "appearance", Data: []byte(`{"x":1}`)}}
	if _, err := s.RegisterMods("p1", "Alice", assets, configs); err != nil {
		t.Fatalf("RegisterMods: %v", err)
	}

	first, err := s.GetPackageChunked("p1", 2, 0)
	if err != nil {
		t.Fatalf("GetPackageChunked: %v", err)
	}
	if len(first.Mods) != 2 || !first.Pagination.HasMore || first.Pagination.NextOffset != 2 {
		t.Fatalf("unexpected first page: %+v", first.Pagination)
	}
	if len(first.Configs) == 0 {
		t.Fatalf("expected configs attached on the first page")
	}

	second, err := s.GetPackageChunked("p1", 2, 2)
	if err != nil {
		t.Fatalf("GetPackageChunked: %v", err)
	}
	if len(second.Mods) != 1 || second.Pagination.HasMore {
		t.Fatalf("unexpected second page: %+v", second.Pagination)
	}
	if second.Configs != nil {
		t.Fatalf("expected no configs attached on a later page")
	}
}

func TestNearbySkipsUnresolvablePlayersAndUpsertsResolvedOnes(t *testing.T) {
	s := newTestService(t)
	if _, err := s.RegisterMods("friend", "Friend", []store.AssetInput{{Path: "a", Bytes: []byte("x")}}, nil); err != nil {
		t.Fatalf("RegisterMods: %v", err)
	}

	out := s.Nearby([]string{"friend", "ghost"}, "zone-a")
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 resolved package, got %d", len(out))
	}
	if _, ok := out["friend"]; !ok {
		t.Fatalf("expected friend's package to be present")
	}

	r, ok := s.Roster.GetRoster("zone-a")
	if !ok {
		t.Fatalf("expected zone-a's roster to exist after nearby lookup")
	}
	if _, ok := r.Members["friend"]; !ok {
		t.Fatalf("expected friend to be upserted into zone-a's roster")
	}
	if _, ok := r.Members["ghost"]; ok {
		t.Fatalf("expected ghost (unresolved) to not be upserted")
	}
}

func TestFilterConnectedReturnsEmptyForUnknownZone(t *testing.T) {
	s := newTestService(t)
	got := s.FilterConnected([]string{"a"}, "never-seen-zone")
	if got != nil {
		t.Fatalf("expected nil for an unknown zone, got %v", got)
	}
}

func TestBatchCheckReportsUnknownOperationType(t *testing.T) {
	s := newTestService(t)
	results := s.BatchCheck([]BatchOperation{{Type: "bogus"}})
	if len(results) != 1 || results[0].Error == "" {
		t.Fatalf("expected a single result carrying an error, got %+v", results)
	}
}

func TestWithClockOverridesStartedAtAndUptime(t *testing.T) {
	s := newTestService(t)
	base := time.Unix(1000, 0)
	s.WithClock(func() time.Time { return base })

	status := s.Status()
	if status.Uptime != 0 {
		t.Fatalf("expected zero uptime immediately after WithClock, got %v", status.Uptime)
	}
}
