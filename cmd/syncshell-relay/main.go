// Command syncshell-relay runs a standalone overlay relay (spec §4.9, C9):
// just the UDP load-broadcast/redirect/lookup/shutdown-migration socket and
// its NAT port mapping, with none of the content-store or HTTP surface a
// full syncshelld node carries. Useful for a dedicated, low-resource relay
// host that member nodes point their node.relay_urls at.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"net/http"

	"syncshell-mesh/internal/overlay"
	"syncshell-mesh/pkg/config"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	reg := prometheus.NewRegistry()
	addr := fmt.Sprintf(":%d", cfg.Overlay.ListenPort)
	rel, err := overlay.New(addr, cfg.Overlay.AllowedGroups, reg, entry)
	if err != nil {
		log.WithError(err).Fatal("start overlay relay")
	}

	if nm, err := overlay.NewNATManager(); err != nil {
		log.WithError(err).Warn("NAT manager unavailable, continuing without port mapping")
	} else if err := nm.Map(rel.LocalAddr().Port); err != nil {
		log.WithError(err).Warn("NAT port mapping failed, continuing without it")
	} else {
		defer nm.Unmap()
	}

	metricsAddr := cfg.Node.HTTPAddr
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.WithField("addr", metricsAddr).Info("relay metrics listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	go func() {
		if err := rel.Serve(); err != nil {
			log.WithError(err).Fatal("overlay relay stopped")
		}
	}()
	log.WithField("addr", rel.LocalAddr().String()).Info("overlay relay listening")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("shutting down")
	if err := rel.Shutdown(); err != nil {
		log.WithError(err).Warn("overlay relay shutdown error")
	}
}
