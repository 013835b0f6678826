// Command syncshellctl is the operator CLI for a syncshell-mesh node:
// invite generation/decoding, phonebook inspection, identity inspection,
// and node stats/status queries, one subsystem per file the way the
// teacher's cmd/cli package splits natCmd/tokensCmd/etc. into their own
// files under one root command (see cmd/cli/nat.go).
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "syncshellctl", Short: "syncshell-mesh operator tool"}
	root.AddCommand(inviteCmd())
	root.AddCommand(phonebookCmd())
	root.AddCommand(nodeCmd())
	root.AddCommand(identityCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
