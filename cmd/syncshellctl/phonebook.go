package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"syncshell-mesh/internal/phonebook"
)

func phonebookList(cmd *cobra.Command, _ []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	raw, err := os.ReadFile(filepath.Join(dataDir, "phonebook.json"))
	if err != nil {
		return fmt.Errorf("read persisted phonebook: %w", err)
	}
	// Reloaded tombstones are discarded here too (see cmd/syncshelld's
	// loader): this is a read-only snapshot, no removal decision is made
	// from it, so a missing tombstone costs nothing but staleness.
	pb, err := phonebook.FromBytes(raw, nil, func(string) (ed25519.PublicKey, bool) { return nil, false })
	if err != nil {
		return fmt.Errorf("parse persisted phonebook: %w", err)
	}

	entries := pb.AllLive()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d live entries\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%s:%d\tseq=%d\tpk=%s\tage=%s\n",
			e.PeerID, e.IP, e.Port, e.Sequence,
			hex.EncodeToString(e.PublicKey),
			time.Since(time.Unix(e.Timestamp, 0)).Round(time.Second))
	}
	return nil
}

func phonebookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phonebook", Short: "inspect a node's persisted phonebook"}
	list := &cobra.Command{
		Use:   "list",
		Short: "list live phonebook entries",
		Args:  cobra.NoArgs,
		RunE:  phonebookList,
	}
	list.Flags().String("data-dir", "", "node data directory (pkg/config node.data_dir)")
	list.MarkFlagRequired("data-dir")
	cmd.AddCommand(list)
	return cmd
}
