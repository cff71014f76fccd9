package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/memvault/memvault/internal/codec"
	"github.com/memvault/memvault/internal/importer"
	"github.com/memvault/memvault/internal/model"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Import a backup artifact",
		Long:  "Import a backup artifact into the store. Checksums are verified before any write; use --validate-only to check an artifact without importing.",
		Args:  cobra.ExactArgs(1),
		Run:   runImport,
	}

	cmd.Flags().StringP("format", "f", "", "Artifact format: json, sqlite, csv, sql (default: from extension)")
	cmd.Flags().String("strategy", "merge", "On id collision: replace, merge, skip_duplicates")
	cmd.Flags().Int("batch-size", 0, "Records written per batch (default 500)")
	cmd.Flags().String("resume", "", "Resume from this table (value reported by a failed run)")
	cmd.Flags().Bool("no-verify", false, "Skip checksum verification")
	cmd.Flags().Bool("validate-only", false, "Validate the artifact without writing anything")
	cmd.Flags().String("passphrase", "", "Passphrase for an encrypted artifact")
	cmd.Flags().String("target-user", "", "Reassign imported records to this user id")
	cmd.Flags().String("target-assistant", "", "Reassign imported records to this assistant id")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	path := args[0]
	formatFlag, _ := cmd.Flags().GetString("format")
	strategyFlag, _ := cmd.Flags().GetString("strategy")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	resume, _ := cmd.Flags().GetString("resume")
	noVerify, _ := cmd.Flags().GetBool("no-verify")
	validateOnly, _ := cmd.Flags().GetBool("validate-only")
	passphrase, _ := cmd.Flags().GetString("passphrase")
	targetUser, _ := cmd.Flags().GetString("target-user")
	targetAssistant, _ := cmd.Flags().GetString("target-assistant")
	quiet, _ := cmd.Flags().GetBool("quiet")

	var format codec.Format
	if formatFlag != "" {
		f, err := codec.ParseFormat(formatFlag)
		if err != nil {
			exitErr("import", err)
		}
		format = f
	}
	strategy, err := importer.ParseStrategy(strategyFlag)
	if err != nil {
		exitErr("import", err)
	}

	opts := importer.Options{
		Path:              path,
		Format:            format,
		Strategy:          strategy,
		BatchSize:         batchSize,
		Resume:            resume,
		SkipVerify:        noVerify,
		ValidateOnly:      validateOnly,
		Passphrase:        passphrase,
		TargetUserID:      targetUser,
		TargetAssistantID: targetAssistant,
	}
	if !quiet {
		opts.Progress = func(t model.Table, done int) {
			if done%100 == 0 {
				fmt.Fprintf(os.Stderr, "\r%s: %d", t, done)
			}
		}
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	summary, err := importer.Run(cmd.Context(), s, opts)
	if err != nil {
		if summary != nil && summary.ResumeToken != "" {
			fmt.Fprintf(os.Stderr, "import failed; resume with --resume %s\n", summary.ResumeToken)
		}
		exitErr("import", err)
	}
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}

	b, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(b))
}
