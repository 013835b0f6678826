package cache

import (
	"errors"
	"testing"
	"time"
)

type fakeBackend struct {
	data    map[string][]byte
	failGet bool
	failSet bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string][]byte)}
}

func (f *fakeBackend) Get(key string) ([]byte, bool, error) {
	if f.failGet {
		return nil, false, errors.New("backend unavailable")
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeBackend) Set(key string, value []byte, ttl time.Duration) error {
	if f.failSet {
		return errors.New("backend unavailable")
	}
	f.data[key] = value
	return nil
}

func (f *fakeBackend) Del(key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeBackend) Flush() error {
	f.data = make(map[string][]byte)
	return nil
}

func TestSetGetRoundTripsThroughFallbackOnly(t *testing.T) {
	c, err := New(nil, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("k", []byte("v"), 0)

	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("expected hit with value v, got %q ok=%v", got, ok)
	}
}

func TestGetExpiresEntryAfterTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c, err := New(nil, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.WithClock(func() time.Time { return now })

	c.Set("k", []byte("v"), time.Second)
	now = now.Add(2 * time.Second)

	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected entry to be expired")
	}
}

func TestGetDegradesToFallbackOnBackendGetFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.failGet = true
	c, err := New(backend, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("k", []byte("v"), 0)

	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("expected fallback hit despite backend failure, got %q ok=%v", got, ok)
	}
}

func TestSetDegradesSilentlyOnBackendSetFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.failSet = true
	c, err := New(backend, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Set("k", []byte("v"), 0)
	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("expected fallback to still hold the value, got %q ok=%v", got, ok)
	}
}

func TestExistsReflectsTTLExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c, err := New(nil, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.WithClock(func() time.Time { return now })
	c.Set("k", []byte("v"), time.Second)

	if !c.Exists("k") {
		t.Fatalf("expected key to exist before expiry")
	}
	now = now.Add(2 * time.Second)
	if c.Exists("k") {
		t.Fatalf("expected key to no longer exist after expiry")
	}
}

func TestDelRemovesFromBackendAndFallback(t *testing.T) {
	backend := newFakeBackend()
	c, err := New(backend, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("k", []byte("v"), 0)
	c.Del("k")

	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected key removed")
	}
	if _, ok := backend.data["k"]; ok {
		t.Fatalf("expected backend entry removed")
	}
}

func TestFlushClearsEverything(t *testing.T) {
	backend := newFakeBackend()
	c, err := New(backend, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)
	c.Flush()

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a removed after flush")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b removed after flush")
	}
}

func TestCleanupEvictsOnlyExpiredFallbackEntries(t *testing.T) {
	now := time.Unix(1000, 0)
	c, err := New(nil, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.WithClock(func() time.Time { return now })

	c.Set("expired", []byte("v"), time.Second)
	c.Set("fresh", []byte("v"), time.Hour)
	now = now.Add(2 * time.Second)

	removed := c.Cleanup()
	if removed != 1 {
		t.Fatalf("expected exactly one eviction, got %d", removed)
	}
	if !c.Exists("fresh") {
		t.Fatalf("expected fresh entry to survive cleanup")
	}
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	c, err := New(nil, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("k", []byte("v"), 0)
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}
	if stats.Entries != 1 {
		t.Fatalf("expected 1 fallback entry, got %d", stats.Entries)
	}
}
