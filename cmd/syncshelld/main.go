// Command syncshelld runs a syncshell-mesh node: the HTTP serving surface
// of spec §6, the content store (C7), roster (C6), cache (C8), phonebook
// (C2), connection manager (C4), message dispatcher (C5), and optionally
// the overlay relay (C9) and NAT port mapping, all wired from one config
// file the way the teacher's cmd/synnergy/main.go wires its subsystems
// from one cobra root command.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"syncshell-mesh/internal/cache"
	"syncshell-mesh/internal/conn"
	"syncshell-mesh/internal/dispatch"
	"syncshell-mesh/internal/gossip"
	"syncshell-mesh/internal/httpapi/controllers"
	"syncshell-mesh/internal/httpapi/routes"
	"syncshell-mesh/internal/httpapi/services"
	"syncshell-mesh/internal/identity"
	"syncshell-mesh/internal/overlay"
	"syncshell-mesh/internal/phonebook"
	"syncshell-mesh/internal/roster"
	"syncshell-mesh/internal/signaling"
	"syncshell-mesh/internal/store"
	"syncshell-mesh/pkg/config"
)

// registerDispatchHandlers wires the control-message types that update
// local state directly (spec §6): phonebook gossip, member-list fan-out,
// mod-sync payloads, and readiness pings. The three *_request types need a
// reply sent back over the originating data channel, which belongs to the
// connection-accept loop that owns that channel, not this dispatcher.
func registerDispatchHandlers(d *dispatch.Dispatcher, pb *phonebook.Phonebook, rosterStore *roster.Store, st *store.Store, log *logrus.Entry) {
	d.Register(dispatch.TypePhonebookResponse, func(_ context.Context, env dispatch.Envelope) error {
		var payload struct {
			Players []phonebook.Entry `json:"players"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		for _, e := range payload.Players {
			if err := pb.AddEntry(e); err != nil {
				log.WithError(err).WithField("peer_id", e.PeerID).Debug("phonebook entry rejected")
			}
		}
		return nil
	})

	d.Register(dispatch.TypeMemberListResponse, func(_ context.Context, env dispatch.Envelope) error {
		var payload struct {
			SyncshellID string   `json:"syncshellId"`
			HostName    string   `json:"hostName"`
			Members     []string `json:"members"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		if payload.HostName != "" {
			rosterStore.SetHost(payload.SyncshellID, payload.HostName)
		}
		for _, name := range payload.Members {
			rosterStore.UpsertMember(payload.SyncshellID, name, roster.MemberInfo{Name: name, Online: true})
		}
		return nil
	})

	d.Register(dispatch.TypeModData, func(_ context.Context, env dispatch.Envelope) error {
		var payload struct {
			PlayerID      string          `json:"playerId"`
			ComponentData []byte          `json:"componentData"`
			RecipeData    json.RawMessage `json:"recipeData"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		assets := []store.AssetInput{{Path: "component", Bytes: payload.ComponentData}}
		var configs []store.ConfigInput
		if len(payload.RecipeData) > 0 {
			configs = append(configs, store.ConfigInput{Type: "appearance", Data: payload.RecipeData})
		}
		_, err := st.ProcessPlayer(payload.PlayerID, assets, configs)
		return err
	})

	d.Register(dispatch.TypeClientReady, func(_ context.Context, env dispatch.Envelope) error {
		log.WithField("player_id", env.PlayerID).Debug("peer reported ready")
		return nil
	})
}

// loadOrCreateIdentity reads the node's persisted Ed25519 seed from
// dataDir/identity.key, generating and saving one on first run. Spec §4.1
// only specifies the keypair's shape, not its on-disk persistence; this
// follows the rest of the repository's temp-file+rename write discipline
// (spec §6's "On-disk layout").
func loadOrCreateIdentity(dataDir string) (*identity.KeyPair, error) {
	path := filepath.Join(dataDir, "identity.key")
	if raw, err := os.ReadFile(path); err == nil && len(raw) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(raw)
		return &identity.KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	kp, err := identity.NewKeyPair()
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, kp.Private.Seed(), 0o600); err != nil {
		return nil, err
	}
	return kp, nil
}

// writeFileAtomic writes via a temp file plus rename so a crash mid-write
// never leaves a partially-written file behind, matching the discipline
// internal/store already uses for its content/manifest/ref files.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func newLogrus(level string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func newZap(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	zl, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return zl
}

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log := newLogrus(cfg.Logging.Level)
	zlog := newZap(cfg.Logging.Level)
	defer zlog.Sync()
	entry := logrus.NewEntry(log)

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("create data directory")
	}

	kp, err := loadOrCreateIdentity(cfg.Node.DataDir)
	if err != nil {
		log.WithError(err).Fatal("load or create identity")
	}
	peerID := identity.PeerID(kp.Public)
	log.WithField("peer_id", peerID).Info("identity ready")

	st, err := store.New(filepath.Join(cfg.Node.DataDir, "store"), zlog)
	if err != nil {
		log.WithError(err).Fatal("open content store")
	}
	st.WithStaleAge(cfg.Timeouts.ManifestStaleAt)

	rosterStore := roster.New(entry.WithField("component", "roster"), func(ev roster.Event) {
		entry.WithFields(logrus.Fields{"group_id": ev.GroupID, "kind": ev.Kind}).Debug("roster event")
	})

	var backend cache.Backend
	c, err := cache.New(backend, cfg.Cache.MaxEntries, entry.WithField("component", "cache"))
	if err != nil {
		log.WithError(err).Fatal("build cache")
	}
	c.WithDefaultTTL(cfg.Cache.DefaultTTL)

	pb := phonebook.New(entry.WithField("component", "phonebook"))
	phonebookPath := filepath.Join(cfg.Node.DataDir, "phonebook.json")
	if raw, err := os.ReadFile(phonebookPath); err == nil {
		loaded, err := phonebook.FromBytes(raw, entry.WithField("component", "phonebook"), func(string) (ed25519.PublicKey, bool) { return nil, false })
		if err != nil {
			log.WithError(err).Warn("discarding corrupt persisted phonebook")
		} else {
			pb = loaded
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to read persisted phonebook")
	}
	connMgr := conn.New(entry.WithField("component", "conn")).WithTimeouts(cfg.Timeouts.Handshake, cfg.Timeouts.Transfer)
	dispatcher := dispatch.New(peerID, entry.WithField("component", "dispatch"))
	registerDispatchHandlers(dispatcher, pb, rosterStore, st, entry.WithField("component", "dispatch"))

	sigHub := signaling.New(entry.WithField("component", "signaling"))

	trustedKey := func(remoteID string) (ed25519.PublicKey, bool) {
		e, ok := pb.Get(remoteID)
		if !ok {
			return nil, false
		}
		return ed25519.PublicKey(e.PublicKey), true
	}

	var gossiper *gossip.Gossiper
	if cfg.Gossip.Enabled {
		gossiper, err = gossip.New(context.Background(), cfg.Gossip.ListenAddr, pb, trustedKey, entry.WithField("component", "gossip"))
		if err != nil {
			log.WithError(err).Fatal("start phonebook gossip")
		}
		for _, groupID := range cfg.Gossip.Groups {
			if err := gossiper.Join(context.Background(), groupID); err != nil {
				log.WithError(err).WithField("group_id", groupID).Warn("failed to join gossip topic")
			}
		}
	}

	var rel *overlay.Relay
	if cfg.Overlay.Enabled {
		reg := prometheus.NewRegistry()
		addr := fmt.Sprintf(":%d", cfg.Overlay.ListenPort)
		rel, err = overlay.New(addr, cfg.Overlay.AllowedGroups, reg, entry.WithField("component", "overlay"))
		if err != nil {
			log.WithError(err).Fatal("start overlay relay")
		}
		go func() {
			if err := rel.Serve(); err != nil {
				log.WithError(err).Warn("overlay relay stopped")
			}
		}()
		if nm, err := overlay.NewNATManager(); err != nil {
			log.WithError(err).Warn("NAT manager unavailable, continuing without port mapping")
		} else if err := nm.Map(rel.LocalAddr().Port); err != nil {
			log.WithError(err).Warn("NAT port mapping failed, continuing without it")
		} else {
			defer nm.Unmap()
		}
		log.WithField("addr", rel.LocalAddr().String()).Info("overlay relay listening")
	}

	svc := services.New(st, rosterStore, c, config.Version, entry.WithField("component", "httpapi"))
	if rel != nil {
		selfURL := rel.LocalAddr().String()
		svc.WithOnRegister(func(playerID string) { rel.RegisterUser(playerID, selfURL) })
	}
	ctrl := controllers.New(svc)
	router := routes.NewRouter(ctrl, cfg.Node.HTTPPassword)
	router.Handle("/signal", sigHub)

	server := &http.Server{Addr: cfg.Node.HTTPAddr, Handler: router}

	maintenance := time.NewTicker(cfg.Timeouts.Maintenance)
	defer maintenance.Stop()
	maintCtx, stopMaint := context.WithCancel(context.Background())
	defer stopMaint()
	go func() {
		for {
			select {
			case <-maintCtx.Done():
				return
			case <-maintenance.C:
				st.MaintainStale()
				if n := st.ReclaimOrphans(); n > 0 {
					log.WithField("count", n).Info("reclaimed orphaned blobs")
				}
				rosterStore.CleanupStale()
				connMgr.Maintain()
				if n := c.Cleanup(); n > 0 {
					log.WithField("count", n).Debug("evicted expired cache entries")
				}
				pb.Cleanup()
				if raw, err := pb.ToBytes(); err != nil {
					log.WithError(err).Warn("failed to serialize phonebook for persistence")
				} else if err := writeFileAtomic(phonebookPath, raw, 0o644); err != nil {
					log.WithError(err).Warn("failed to persist phonebook")
				}
				if gossiper != nil {
					for _, groupID := range cfg.Gossip.Groups {
						if err := gossiper.Publish(maintCtx, groupID); err != nil {
							log.WithError(err).WithField("group_id", groupID).Debug("gossip publish failed")
						}
					}
				}
				if rel != nil {
					rel.ReapExpired()
				}
			}
		}
	}()

	go func() {
		log.WithField("addr", cfg.Node.HTTPAddr).Info("http serving surface listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server stopped")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}
	if rel != nil {
		if err := rel.Shutdown(); err != nil {
			log.WithError(err).Warn("overlay relay shutdown error")
		}
	}
	if gossiper != nil {
		if err := gossiper.Close(); err != nil {
			log.WithError(err).Warn("gossip host shutdown error")
		}
	}
}
