// Package controllers provides the HTTP handlers for the serving surface
// of spec §6, thin wrappers around internal/httpapi/services the way the
// teacher's walletserver/controllers wraps services.WalletService: decode
// the request body, call the service, encode the result or map its error to
// a status code.
package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"syncshell-mesh/internal/httpapi/services"
	"syncshell-mesh/internal/store"
	"syncshell-mesh/pkg/utils"
)

// Controller holds the service every handler delegates to.
type Controller struct {
	svc *services.Service
}

// New constructs a Controller.
func New(svc *services.Service) *Controller {
	return &Controller{svc: svc}
}

// statusFor maps a spec §7 error Kind to an HTTP status code.
func statusFor(err error) int {
	var kerr *utils.Error
	if as, ok := err.(*utils.Error); ok {
		kerr = as
	} else {
		return http.StatusInternalServerError
	}
	switch kerr.Kind {
	case utils.KindInvalidInput:
		return http.StatusBadRequest
	case utils.KindInvalidSignature:
		return http.StatusUnauthorized
	case utils.KindConflict:
		return http.StatusConflict
	case utils.KindStorageCorruption:
		return http.StatusNotFound
	case utils.KindTransient:
		return http.StatusServiceUnavailable
	case utils.KindDuplicate:
		return http.StatusOK
	default: // KindFatal and anything unmapped
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Health handles GET /health.
func (c *Controller) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.svc.Health())
}

// Status handles GET /api/status.
func (c *Controller) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.svc.Status())
}

// Stats handles GET /api/stats.
func (c *Controller) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.svc.Stats())
}

// RegisterPlayer handles POST /api/players/register.
func (c *Controller) RegisterPlayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID   string `json:"playerId"`
		PlayerName string `json:"playerName"`
		PublicKey  string `json:"publicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.Wrapf(utils.KindInvalidInput, err, "decode request"))
		return
	}
	if err := c.svc.RegisterPlayer(req.PlayerID, req.PlayerName, req.PublicKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

// assetPayload is the wire shape of one asset in register-mods, carrying the
// asset's bytes base64-encoded by encoding/json's []byte handling.
type assetPayload struct {
	Path  string `json:"path"`
	Bytes []byte `json:"bytes"`
}

type configPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// RegisterMods handles POST /api/register-mods.
func (c *Controller) RegisterMods(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID   string          `json:"playerId"`
		PlayerName string          `json:"playerName"`
		Mods       []assetPayload  `json:"mods"`
		Configs    []configPayload `json:"configs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.Wrapf(utils.KindInvalidInput, err, "decode request"))
		return
	}
	assets := make([]store.AssetInput, 0, len(req.Mods))
	for _, m := range req.Mods {
		assets = append(assets, store.AssetInput{Path: m.Path, Bytes: m.Bytes})
	}
	configs := make([]store.ConfigInput, 0, len(req.Configs))
	for _, cfg := range req.Configs {
		configs = append(configs, store.ConfigInput{Type: cfg.Type, Data: cfg.Data})
	}
	if _, err := c.svc.RegisterMods(req.PlayerID, req.PlayerName, assets, configs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

// Nearby handles POST /api/players/nearby.
func (c *Controller) Nearby(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID      string   `json:"playerId"`
		NearbyPlayers []string `json:"nearbyPlayers"`
		Zone          string   `json:"zone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.Wrapf(utils.KindInvalidInput, err, "decode request"))
		return
	}
	writeJSON(w, c.svc.Nearby(req.NearbyPlayers, req.Zone))
}

func etagFor(playerID string, updatedAt time.Time) string {
	return fmt.Sprintf("%q", playerID+"-"+strconv.FormatInt(updatedAt.Unix(), 10))
}

// notModified reports whether r's conditional-GET headers already match
// updatedAt, spec §6: "304 when If-None-Match matches or If-Modified-Since
// >= manifest update".
func notModified(r *http.Request, etag string, updatedAt time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return inm == etag
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		t, err := time.Parse(http.TimeFormat, ims)
		if err == nil && !updatedAt.After(t) {
			return true
		}
	}
	return false
}

// GetMods handles GET /api/mods/:playerId.
func (c *Controller) GetMods(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerId")
	updatedAt, ok := c.svc.Store.ManifestUpdatedAt(playerID)
	if !ok {
		writeError(w, utils.New(utils.KindInvalidInput, "no manifest for player "+playerID))
		return
	}
	etag := etagFor(playerID, updatedAt)
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", updatedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if notModified(r, etag, updatedAt) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	pkg, err := c.svc.GetPackage(playerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, pkg)
}

// GetModsChunked handles GET /api/mods/:playerId/chunked.
func (c *Controller) GetModsChunked(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerId")
	updatedAt, ok := c.svc.Store.ManifestUpdatedAt(playerID)
	if !ok {
		writeError(w, utils.New(utils.KindInvalidInput, "no manifest for player "+playerID))
		return
	}
	etag := etagFor(playerID, updatedAt)
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", updatedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if notModified(r, etag, updatedAt) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	page, err := c.svc.GetPackageChunked(playerID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, page)
}

// FilterConnected handles POST /api/filter-connected.
func (c *Controller) FilterConnected(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerIDs []string `json:"playerIds"`
		Zone      string   `json:"zone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.Wrapf(utils.KindInvalidInput, err, "decode request"))
		return
	}
	writeJSON(w, map[string][]string{"connectedPlayers": c.svc.FilterConnected(req.PlayerIDs, req.Zone)})
}

// BatchCheck handles POST /api/batch-check.
func (c *Controller) BatchCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operations []services.BatchOperation `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.Wrapf(utils.KindInvalidInput, err, "decode request"))
		return
	}
	writeJSON(w, map[string][]services.BatchResult{"results": c.svc.BatchCheck(req.Operations)})
}
