// Package cli implements the memvault CLI commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/memvault/memvault/internal/store"
	"github.com/spf13/cobra"
)

var dbPath string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memvault",
	Short: "Backup and migration for conversational memory",
	Long:  "Export and import chat transcripts and memory records. Four artifact formats, checksummed, optionally compressed and encrypted. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $MEMVAULT_DB or ~/.memvault/memory.db)")
}

func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	if env := os.Getenv("MEMVAULT_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memvault", "memory.db")
}

func openStore() (*store.SQLiteStore, error) {
	return store.Open(getDBPath())
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
