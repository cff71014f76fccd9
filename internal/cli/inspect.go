package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/memvault/memvault/internal/codec"
	"github.com/memvault/memvault/internal/model"
	"github.com/memvault/memvault/internal/pipeline"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Show an artifact's manifest",
		Long:  "Print the manifest embedded in a backup artifact without importing it.",
		Args:  cobra.ExactArgs(1),
		Run:   runInspect,
	}

	cmd.Flags().StringP("format", "f", "", "Artifact format: json, sqlite, csv, sql (default: from extension)")
	cmd.Flags().String("passphrase", "", "Passphrase for an encrypted artifact")

	RootCmd.AddCommand(cmd)
}

func runInspect(cmd *cobra.Command, args []string) {
	path := args[0]
	formatFlag, _ := cmd.Flags().GetString("format")
	passphrase, _ := cmd.Flags().GetString("passphrase")

	format, err := resolveFormat(formatFlag, path)
	if err != nil {
		exitErr("inspect", err)
	}

	plain := path
	if format.SupportsCompression() {
		p, cleanup, err := pipeline.Prepare(path, "", passphrase)
		if err != nil {
			exitErr("inspect", err)
		}
		defer cleanup()
		plain = p
	}

	// SQL artifacts carry no manifest; report statement counts instead.
	if format == codec.FormatSQL {
		content, err := os.ReadFile(plain)
		if err != nil {
			exitErr("inspect", err)
		}
		counts := map[string]int{}
		for _, stmt := range codec.SplitStatements(string(content)) {
			if t, ok := codec.InsertTable(stmt); ok {
				counts[string(t)]++
			}
		}
		b, _ := json.MarshalIndent(map[string]any{"format": format, "record_counts": counts}, "", "  ")
		fmt.Println(string(b))
		return
	}

	dec, err := codec.DecoderFor(format)
	if err != nil {
		exitErr("inspect", err)
	}
	decoded, err := dec.Decode(cmd.Context(), plain)
	if err != nil {
		exitErr("inspect", err)
	}
	defer decoded.Close()

	m := decoded.Manifest()
	if m == nil {
		// Pre-manifest artifact: fall back to counting records.
		counts := map[string]int{}
		for _, t := range model.Tables {
			it, err := decoded.Table(t)
			if err != nil {
				exitErr("inspect", err)
			}
			for it.Next() {
				counts[string(t)]++
			}
			if err := it.Err(); err != nil {
				it.Close()
				exitErr("inspect", err)
			}
			it.Close()
		}
		b, _ := json.MarshalIndent(map[string]any{"format": format, "record_counts": counts}, "", "  ")
		fmt.Println(string(b))
		return
	}

	b, _ := json.MarshalIndent(m, "", "  ")
	fmt.Println(string(b))
}
