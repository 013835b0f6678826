// Package routes wires the controllers onto a router, the way the
// teacher's walletserver/routes.Register wires WalletController onto a
// mux.Router. chi replaces gorilla/mux here (see DESIGN.md: chi is the
// pack's direct, not indirect, HTTP router dependency).
package routes

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"syncshell-mesh/internal/httpapi/controllers"
	"syncshell-mesh/internal/httpapi/middleware"
)

// Register builds the full spec §6 serving surface onto r.
func Register(r chi.Router, c *controllers.Controller, password string) {
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.PasswordGate(password))

	r.Get("/health", c.Health)
	r.Get("/api/status", c.Status)
	r.Get("/api/stats", c.Stats)
	r.Post("/api/players/register", c.RegisterPlayer)
	r.Post("/api/players/nearby", c.Nearby)
	r.Post("/api/register-mods", c.RegisterMods)
	r.Get("/api/mods/{playerId}", c.GetMods)
	r.Get("/api/mods/{playerId}/chunked", c.GetModsChunked)
	r.Post("/api/filter-connected", c.FilterConnected)
	r.Post("/api/batch-check", c.BatchCheck)
}

// NewRouter constructs a chi.Mux with the full surface registered.
func NewRouter(c *controllers.Controller, password string) *chi.Mux {
	r := chi.NewRouter()
	Register(r, c, password)
	return r
}
