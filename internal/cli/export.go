package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/memvault/memvault/internal/codec"
	"github.com/memvault/memvault/internal/export"
	"github.com/memvault/memvault/internal/model"
	"github.com/memvault/memvault/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Export memory to a backup artifact",
		Long:  "Export chat history and memory records to a backup artifact. Format is inferred from the path extension unless --format is given.",
		Args:  cobra.ExactArgs(1),
		Run:   runExport,
	}

	cmd.Flags().StringP("format", "f", "", "Artifact format: json, sqlite, csv, sql (default: from extension)")
	cmd.Flags().StringP("user", "u", "", "Only this user's records")
	cmd.Flags().String("assistant", "", "Only this assistant's records")
	cmd.Flags().StringP("session", "s", "", "Only this session's records")
	cmd.Flags().String("from", "", "Only records created at or after this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().String("to", "", "Only records created at or before this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().Int("chunk-size", 0, "Records fetched per round trip (default 1000)")
	cmd.Flags().String("checksum", "sha256", "Checksum algorithm: sha256, sha512, sha1")
	cmd.Flags().BoolP("compress", "z", false, "Gzip the artifact")
	cmd.Flags().Int("gzip-level", 0, "Gzip level 1-9 (default 5)")
	cmd.Flags().String("passphrase", "", "Encrypt the artifact with this passphrase")
	cmd.Flags().String("dialect", "sqlite", "SQL dialect for --format sql: sqlite, postgres, mysql")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	path := args[0]
	formatFlag, _ := cmd.Flags().GetString("format")
	user, _ := cmd.Flags().GetString("user")
	assistant, _ := cmd.Flags().GetString("assistant")
	session, _ := cmd.Flags().GetString("session")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	algorithm, _ := cmd.Flags().GetString("checksum")
	compress, _ := cmd.Flags().GetBool("compress")
	gzipLevel, _ := cmd.Flags().GetInt("gzip-level")
	passphrase, _ := cmd.Flags().GetString("passphrase")
	dialectFlag, _ := cmd.Flags().GetString("dialect")
	quiet, _ := cmd.Flags().GetBool("quiet")

	format, err := resolveFormat(formatFlag, path)
	if err != nil {
		exitErr("export", err)
	}
	dialect, err := codec.ParseDialect(dialectFlag)
	if err != nil {
		exitErr("export", err)
	}

	filter := store.Filter{UserID: user, AssistantID: assistant, SessionID: session}
	if filter.DateFrom, err = parseTimeFlag(from); err != nil {
		exitErr("invalid --from", err)
	}
	if filter.DateTo, err = parseTimeFlag(to); err != nil {
		exitErr("invalid --to", err)
	}

	opts := export.Options{
		Path:       path,
		Format:     format,
		Filter:     filter,
		ChunkSize:  chunkSize,
		Algorithm:  algorithm,
		Passphrase: passphrase,
		Dialect:    dialect,
		GzipLevel:  gzipLevel,
	}
	if compress {
		opts.Compression = "gzip"
	}
	if !quiet {
		opts.Progress = progressPrinter()
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	summary, err := export.Run(cmd.Context(), s, opts)
	if err != nil {
		exitErr("export", err)
	}
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}

	b, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(b))
}

// resolveFormat prefers the explicit flag, falling back to the extension.
func resolveFormat(flag, path string) (codec.Format, error) {
	if flag != "" {
		return codec.ParseFormat(flag)
	}
	return codec.Detect(path)
}

// parseTimeFlag accepts an RFC3339 timestamp or a bare date.
func parseTimeFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("%q is not RFC3339 or YYYY-MM-DD", s)
	}
	return &t, nil
}

// progressPrinter rewrites one stderr line as records stream.
func progressPrinter() func(t model.Table, done, total int) {
	return func(t model.Table, done, total int) {
		if done%100 == 0 || done == total {
			fmt.Fprintf(os.Stderr, "\r%s: %d/%d", t, done, total)
		}
	}
}
