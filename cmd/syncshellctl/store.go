package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// fetchJSON performs an authenticated GET against a running node's HTTP
// serving surface (§6) and decodes the JSON body into out. Store stats and
// roster membership are computed inside the running daemon's process
// (internal/roster is memory-only; internal/store rebuilds its refcounts
// from manifests/*.json at startup and keeps its sweep counters in memory),
// so the CLI reports them by asking the live node, the way
// cmd/cli's subsystem commands talk to a long-running core process rather
// than opening its state files directly.
func fetchJSON(addr, path, password string, out any) error {
	req, err := http.NewRequest(http.MethodGet, addr+path, nil)
	if err != nil {
		return err
	}
	if password != "" {
		req.Header.Set("x-fyteclub-password", password)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func nodeStats(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	password, _ := cmd.Flags().GetString("password")

	var report struct {
		Store struct {
			TotalAssets       int            `json:"total_assets"`
			TotalConfigs      int            `json:"total_configs"`
			TotalBytesOnDisk  int64          `json:"total_bytes_on_disk"`
			RefcountHistogram map[string]int `json:"refcount_histogram"`
			CacheHits         uint64         `json:"cache_hits"`
			CacheMisses       uint64         `json:"cache_misses"`
			OrphansRemoved    int            `json:"orphans_removed_last_sweep"`
		} `json:"store"`
		Cache struct {
			Hits    uint64
			Misses  uint64
			Entries int
		} `json:"cache"`
	}
	if err := fetchJSON(addr, "/api/stats", password, &report); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "total_assets:        %d\n", report.Store.TotalAssets)
	fmt.Fprintf(out, "total_configs:       %d\n", report.Store.TotalConfigs)
	fmt.Fprintf(out, "total_bytes_on_disk: %d\n", report.Store.TotalBytesOnDisk)
	fmt.Fprintf(out, "store_cache_hits:    %d\n", report.Store.CacheHits)
	fmt.Fprintf(out, "store_cache_misses:  %d\n", report.Store.CacheMisses)
	fmt.Fprintf(out, "orphans_last_sweep:  %d\n", report.Store.OrphansRemoved)
	fmt.Fprintf(out, "cache_entries:       %d\n", report.Cache.Entries)
	fmt.Fprintf(out, "cache_hits:          %d\n", report.Cache.Hits)
	fmt.Fprintf(out, "cache_misses:        %d\n", report.Cache.Misses)
	for refcount, count := range report.Store.RefcountHistogram {
		fmt.Fprintf(out, "refcount=%s: %d blobs\n", refcount, count)
	}
	return nil
}

func nodeStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	password, _ := cmd.Flags().GetString("password")

	var status struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Uptime  int64  `json:"uptime"`
		Users   int    `json:"users"`
	}
	if err := fetchJSON(addr, "/api/status", password, &status); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "name:    %s\n", status.Name)
	fmt.Fprintf(out, "version: %s\n", status.Version)
	fmt.Fprintf(out, "uptime:  %s\n", time.Duration(status.Uptime))
	fmt.Fprintf(out, "users:   %d\n", status.Users)
	return nil
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "query a running node's HTTP serving surface"}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "print content store stats from a running node",
		Args:  cobra.NoArgs,
		RunE:  nodeStats,
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "print health/status from a running node",
		Args:  cobra.NoArgs,
		RunE:  nodeStatus,
	}
	for _, c := range []*cobra.Command{stats, status} {
		c.Flags().String("addr", "http://127.0.0.1:8080", "node HTTP base address")
		c.Flags().String("password", "", "node.http_password, if the node has one set")
	}
	cmd.AddCommand(stats, status)
	return cmd
}
