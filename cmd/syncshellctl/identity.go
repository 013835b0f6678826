package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"syncshell-mesh/internal/identity"
)

func identityShow(cmd *cobra.Command, _ []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	raw, err := os.ReadFile(filepath.Join(dataDir, "identity.key"))
	if err != nil {
		return fmt.Errorf("read identity key (has the node run at least once?): %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return fmt.Errorf("identity.key is %d bytes, expected an %d-byte Ed25519 seed", len(raw), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(raw)
	pub := priv.Public().(ed25519.PublicKey)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "peer_id:    %s\n", identity.PeerID(pub))
	fmt.Fprintf(out, "public_key: %s\n", hex.EncodeToString(pub))
	return nil
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "inspect a node's persisted identity"}
	show := &cobra.Command{
		Use:   "show",
		Short: "print the node's peer id and public key",
		Args:  cobra.NoArgs,
		RunE:  identityShow,
	}
	show.Flags().String("data-dir", "", "node data directory (pkg/config node.data_dir)")
	show.MarkFlagRequired("data-dir")
	cmd.AddCommand(show)
	return cmd
}
