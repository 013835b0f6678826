package routes_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"syncshell-mesh/internal/cache"
	"syncshell-mesh/internal/httpapi/controllers"
	"syncshell-mesh/internal/httpapi/routes"
	"syncshell-mesh/internal/httpapi/services"
	"syncshell-mesh/internal/roster"
	"syncshell-mesh/internal/store"
	"syncshell-mesh/internal/testutil"
)

func newTestServer(t *testing.T, password string) *httptest.Server {
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
	svc := services.New(st, rst, c, "test", nil)
	ctrl := controllers.New(svc)
	server := httptest.NewServer(routes.NewRouter(ctrl, password))
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestHealthAndStatusAreAlwaysExempt(t *testing.T) {
	server := newTestServer(t, "secret")

	resp := doJSON(t, http.MethodGet, server.URL+"/health", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected /health to be exempt, got %d", resp.StatusCode)
	}

	resp2 := doJSON(t, http.MethodGet, server.URL+"/api/status", nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected /api/status to be exempt, got %d", resp2.StatusCode)
	}
}

func TestPasswordGateRejectsMismatch(t *testing.T) {
	server := newTestServer(t, "secret")

	resp := doJSON(t, http.MethodGet, server.URL+"/api/stats", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no password, got %d", resp.StatusCode)
	}
}

func TestPasswordGateAcceptsHeader(t *testing.T) {
	server := newTestServer(t, "secret")

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/stats", nil)
	req.Header.Set("x-fyteclub-password", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with matching password header, got %d", resp.StatusCode)
	}
}

func TestRegisterPlayerThenStatusCountsUsers(t *testing.T) {
	server := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/players/register", map[string]string{
		"playerId":   "p1",
		"playerName": "Alice",
		"publicKey":  "pk1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp2 := doJSON(t, http.MethodGet, server.URL+"/api/status", nil)
	defer resp2.Body.Close()
	var status struct{ Users int }
	if err := json.NewDecoder(resp2.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Users != 1 {
		t.Fatalf("expected 1 registered user, got %d", status.Users)
	}
}

func TestRegisterModsThenGetModsReturnsPackage(t *testing.T) {
	server := newTestServer(t, "")

	registerResp := doJSON(t, http.MethodPost, server.URL+"/api/register-mods", map[string]any{
		"playerId":   "p2",
		"playerName": "Bob",
		"mods": []map[string]any{
			{"path": "glamour/hat.mdl", "bytes": []byte("hat-bytes")},
		},
		"configs": []map[string]any{
			{"type": "appearance", "data": json.RawMessage(`{"skin":"tan"}`)},
		},
	})
	defer registerResp.Body.Close()
	if registerResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 registering mods, got %d", registerResp.StatusCode)
	}

	getResp := doJSON(t, http.MethodGet, server.URL+"/api/mods/p2", nil)
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 fetching mods, got %d", getResp.StatusCode)
	}
	etag := getResp.Header.Get("ETag")
	if etag == "" {
		t.Fatalf("expected a non-empty ETag")
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/mods/p2", nil)
	req.Header.Set("If-None-Match", etag)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304 on matching If-None-Match, got %d", resp2.StatusCode)
	}
}

func TestGetModsForUnknownPlayerIsInvalidInput(t *testing.T) {
	server := newTestServer(t, "")

	resp := doJSON(t, http.MethodGet, server.URL+"/api/mods/ghost", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 (invalid input: no manifest) for unknown player, got %d", resp.StatusCode)
	}
}

func TestGetModsChunkedPaginates(t *testing.T) {
	server := newTestServer(t, "")

	mods := make([]map[string]any, 0, 5)
	for i := 0; i < 5; i++ {
		mods = append(mods, map[string]any{"path": "asset", "bytes": []byte{byte(i)}})
	}
	regResp := doJSON(t, http.MethodPost, server.URL+"/api/register-mods", map[string]any{
		"playerId": "p3",
		"mods":     mods,
	})
	defer regResp.Body.Close()

	resp := doJSON(t, http.MethodGet, server.URL+"/api/mods/p3/chunked?limit=2&offset=0", nil)
	defer resp.Body.Close()
	var page struct {
		Mods       []json.RawMessage
		Pagination struct {
			Total      int
			HasMore    bool
			NextOffset int
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode chunked response: %v", err)
	}
	if len(page.Mods) != 2 {
		t.Fatalf("expected 2 mods in first page, got %d", len(page.Mods))
	}
	if page.Pagination.Total != 5 || !page.Pagination.HasMore || page.Pagination.NextOffset != 2 {
		t.Fatalf("unexpected pagination %+v", page.Pagination)
	}
}

func TestFilterConnectedReturnsOnlyOnlineMembers(t *testing.T) {
	server := newTestServer(t, "")

	regResp := doJSON(t, http.MethodPost, server.URL+"/api/register-mods", map[string]any{
		"playerId": "friend",
		"mods":     []map[string]any{{"path": "x", "bytes": []byte("y")}},
	})
	defer regResp.Body.Close()

	nearbyResp := doJSON(t, http.MethodPost, server.URL+"/api/players/nearby", map[string]any{
		"playerId":      "host",
		"nearbyPlayers": []string{"friend", "ghost-player"},
		"zone":          "zone-a",
	})
	defer nearbyResp.Body.Close()

	resp := doJSON(t, http.MethodPost, server.URL+"/api/filter-connected", map[string]any{
		"playerIds": []string{"friend", "ghost-player", "never-registered"},
		"zone":      "zone-a",
	})
	defer resp.Body.Close()
	var body struct {
		ConnectedPlayers []string `json:"connectedPlayers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ConnectedPlayers) != 1 || body.ConnectedPlayers[0] != "friend" {
		t.Fatalf("expected only friend to be connected (registered mods make GetPackage succeed), got %v", body.ConnectedPlayers)
	}
}

func TestBatchCheckRunsMixedOperations(t *testing.T) {
	server := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/batch-check", map[string]any{
		"operations": []map[string]any{
			{"type": "filter_players", "playerIds": []string{"a", "b"}, "zone": "zone-z"},
			{"type": "get_mods", "playerIds": []string{"a"}, "zone": "zone-z"},
			{"type": "bogus"},
		},
	})
	defer resp.Body.Close()
	var body struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(body.Results))
	}
	if body.Results[2]["error"] == nil {
		t.Fatalf("expected the bogus operation to report an error")
	}
}
