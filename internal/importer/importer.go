// Package importer restores export artifacts into a store: verification,
// merge strategies, batched writes, and resumable progress.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/memvault/memvault/internal/checksum"
	"github.com/memvault/memvault/internal/codec"
	"github.com/memvault/memvault/internal/manifest"
	"github.com/memvault/memvault/internal/model"
	"github.com/memvault/memvault/internal/pipeline"
	"github.com/memvault/memvault/internal/store"
)

// Strategy decides what happens when an incoming record's id already exists.
type Strategy string

const (
	// StrategyReplace clears the artifact's scope from the store before
	// writing, so the artifact becomes the truth for that slice.
	StrategyReplace Strategy = "replace"
	// StrategyMerge overwrites colliding records and inserts the rest.
	StrategyMerge Strategy = "merge"
	// StrategySkipDuplicates keeps existing records untouched.
	StrategySkipDuplicates Strategy = "skip_duplicates"
)

// ParseStrategy validates a merge strategy name, defaulting to merge.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "merge":
		return StrategyMerge, nil
	case "replace":
		return StrategyReplace, nil
	case "skip_duplicates", "skip-duplicates":
		return StrategySkipDuplicates, nil
	}
	return "", fmt.Errorf("unsupported merge strategy: %q", s)
}

// ErrChecksumMismatch aborts an import whose artifact fails digest
// verification. Nothing has been written when it is returned.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// RecordError is a soft per-record failure. The import continues past it.
type RecordError struct {
	Table model.Table `json:"table"`
	ID    string      `json:"id,omitempty"`
	Err   string      `json:"error"`
}

// Options configures one import run.
type Options struct {
	Path         string
	Format       codec.Format // detected from Path when empty
	Strategy     Strategy
	BatchSize    int
	Resume       string // table name checkpoint to resume from
	SkipVerify   bool   // skip checksum verification before writing
	ValidateOnly bool
	Compression  string
	Passphrase   string

	// TargetUserID and TargetAssistantID remap record ownership on write.
	TargetUserID      string
	TargetAssistantID string

	// Progress, when set, is called after each processed record.
	Progress func(t model.Table, done int)
}

// Summary reports what an import did.
type Summary struct {
	Format      codec.Format
	Strategy    Strategy
	Imported    map[string]int
	Skipped     map[string]int
	Errors      []RecordError
	ResumeToken string
	Valid       bool
	Duration    time.Duration
}

const defaultBatchSize = 500

// Run imports the artifact at opts.Path into the sink.
func Run(ctx context.Context, sink store.Sink, opts Options) (*Summary, error) {
	start := time.Now()

	if opts.Path == "" {
		return nil, fmt.Errorf("import path is required")
	}
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	opts.Strategy = strategy
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Format == "" {
		f, err := codec.Detect(opts.Path)
		if err != nil {
			return nil, err
		}
		opts.Format = f
	}
	if !opts.Format.SupportsCompression() {
		if opts.Compression != "" {
			return nil, fmt.Errorf("%s artifacts span multiple files and cannot be compressed", opts.Format)
		}
		if opts.Passphrase != "" {
			return nil, fmt.Errorf("%s artifacts span multiple files and cannot be encrypted", opts.Format)
		}
	}

	// CSV exports materialize as sibling files around the companion manifest;
	// the invoked path itself never exists on disk.
	artifact := opts.Path
	if opts.Format == codec.FormatCSV {
		artifact = codec.ManifestPath(opts.Path)
	}
	if _, err := os.Stat(artifact); err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	var resumeFrom model.Table
	if opts.Resume != "" {
		t, err := model.ParseTable(opts.Resume)
		if err != nil {
			return nil, fmt.Errorf("invalid resume token: %w", err)
		}
		resumeFrom = t
	}

	summary := &Summary{
		Format:   opts.Format,
		Strategy: opts.Strategy,
		Imported: map[string]int{},
		Skipped:  map[string]int{},
		Valid:    true,
	}
	slog.Info("import started",
		"path", opts.Path,
		"format", opts.Format,
		"strategy", opts.Strategy,
		"validate_only", opts.ValidateOnly)

	// Fail fast on an encrypted artifact without a passphrase, then unwrap
	// the byte pipeline.
	plain := opts.Path
	cleanup := func() {}
	if opts.Format.SupportsCompression() {
		plain, cleanup, err = pipeline.Prepare(opts.Path, opts.Compression, opts.Passphrase)
		if err != nil {
			return nil, err
		}
	}
	defer cleanup()

	if opts.Format == codec.FormatSQL {
		if err := runSQL(ctx, sink, plain, opts, summary, resumeFrom); err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}
		summary.Duration = time.Since(start)
		logOutcome(summary, opts)
		return summary, nil
	}

	dec, err := codec.DecoderFor(opts.Format)
	if err != nil {
		return nil, err
	}
	decoded, err := dec.Decode(ctx, plain)
	if err != nil {
		return nil, err
	}
	defer decoded.Close()

	m := decoded.Manifest()
	if m != nil {
		if err := m.CheckVersion(); err != nil {
			return nil, err
		}
	}

	// Verification reads the whole artifact before a single write happens.
	if !opts.SkipVerify {
		if err := verifyChecksums(ctx, decoded, m); err != nil {
			summary.Valid = false
			summary.Duration = time.Since(start)
			return summary, err
		}
	}

	if opts.ValidateOnly {
		if err := validateRecords(ctx, decoded, summary); err != nil {
			summary.Valid = false
			summary.Duration = time.Since(start)
			return summary, err
		}
		summary.Duration = time.Since(start)
		slog.Info("artifact validated", "path", opts.Path, "valid", summary.Valid)
		return summary, nil
	}

	if err := runStreams(ctx, sink, decoded, m, opts, summary, resumeFrom); err != nil {
		summary.Duration = time.Since(start)
		return summary, err
	}

	summary.Duration = time.Since(start)
	logOutcome(summary, opts)
	return summary, nil
}

func logOutcome(summary *Summary, opts Options) {
	total := 0
	for _, n := range summary.Imported {
		total += n
	}
	slog.Info("import complete",
		"path", opts.Path,
		"format", opts.Format,
		"strategy", opts.Strategy,
		"imported", total,
		"errors", len(summary.Errors),
		"duration", summary.Duration)
}

// verifyChecksums recomputes each table's digest from the artifact and
// compares it to the manifest. A mismatch means corruption or tampering.
func verifyChecksums(ctx context.Context, decoded codec.Decoded, m *manifest.Manifest) error {
	if m == nil || len(m.Checksums) == 0 {
		slog.Warn("artifact carries no checksums, skipping verification")
		return nil
	}
	algorithm := m.ChecksumAlgorithm
	if algorithm == "" {
		algorithm = "sha256"
	}
	for _, t := range model.Tables {
		want, ok := m.Checksums[string(t)]
		if !ok {
			continue
		}
		acc, err := checksum.New(algorithm)
		if err != nil {
			return err
		}
		it, err := decoded.Table(t)
		if err != nil {
			return err
		}
		for it.Next() {
			if err := ctx.Err(); err != nil {
				it.Close()
				return err
			}
			if err := acc.Update(it.Record()); err != nil {
				it.Close()
				return err
			}
		}
		if err := it.Err(); err != nil {
			it.Close()
			return err
		}
		it.Close()
		if got := acc.Sum(); got != want {
			return fmt.Errorf("%w: table %s expected %s, got %s", ErrChecksumMismatch, t, want, got)
		}
	}
	return nil
}

// validateRecords decodes every record without writing, collecting soft
// errors for records that would be rejected.
func validateRecords(ctx context.Context, decoded codec.Decoded, summary *Summary) error {
	for _, t := range model.Tables {
		it, err := decoded.Table(t)
		if err != nil {
			return err
		}
		for it.Next() {
			if err := ctx.Err(); err != nil {
				it.Close()
				return err
			}
			r := it.Record()
			if err := checkRecord(r); err != nil {
				summary.Errors = append(summary.Errors, RecordError{Table: t, ID: r.RecordID(), Err: err.Error()})
				summary.Valid = false
				continue
			}
			summary.Imported[string(t)]++
		}
		if err := it.Err(); err != nil {
			it.Close()
			return err
		}
		it.Close()
	}
	return nil
}

// checkRecord enforces the fields every record must carry to be stored.
func checkRecord(r model.Record) error {
	if r.RecordID() == "" {
		return fmt.Errorf("missing primary key")
	}
	switch rec := r.(type) {
	case *model.ConversationTurn:
		if rec.UserID == "" || rec.SessionID == "" {
			return fmt.Errorf("missing user or session id")
		}
	case *model.ShortTermMemory:
		if rec.UserID == "" || rec.SessionID == "" {
			return fmt.Errorf("missing user or session id")
		}
		if rec.ImportanceScore < 0 || rec.ImportanceScore > 1 {
			return fmt.Errorf("importance score %v out of range [0,1]", rec.ImportanceScore)
		}
	case *model.LongTermMemory:
		if rec.UserID == "" || rec.SessionID == "" {
			return fmt.Errorf("missing user or session id")
		}
		if rec.ImportanceScore < 0 || rec.ImportanceScore > 1 {
			return fmt.Errorf("importance score %v out of range [0,1]", rec.ImportanceScore)
		}
		if rec.ConfidenceScore < 0 || rec.ConfidenceScore > 1 {
			return fmt.Errorf("confidence score %v out of range [0,1]", rec.ConfidenceScore)
		}
	}
	return nil
}

// remap rewrites record ownership for cross-account restores.
func remap(r model.Record, userID, assistantID string) {
	if userID == "" && assistantID == "" {
		return
	}
	switch rec := r.(type) {
	case *model.ConversationTurn:
		if userID != "" {
			rec.UserID = userID
		}
		if assistantID != "" {
			rec.AssistantID = assistantID
		}
	case *model.ShortTermMemory:
		if userID != "" {
			rec.UserID = userID
		}
		if assistantID != "" {
			rec.AssistantID = assistantID
		}
	case *model.LongTermMemory:
		if userID != "" {
			rec.UserID = userID
		}
		if assistantID != "" {
			rec.AssistantID = assistantID
		}
	}
}

// scopeFilter rebuilds the export's filter from the manifest so replace mode
// clears exactly the slice the artifact covers.
func scopeFilter(m *manifest.Manifest) store.Filter {
	if m == nil {
		return store.Filter{}
	}
	f := store.Filter{
		UserID:      m.Scope.UserID,
		AssistantID: m.Scope.AssistantID,
		SessionID:   m.Scope.SessionID,
	}
	if m.Scope.DateFrom != "" {
		if ts, err := time.Parse(time.RFC3339, m.Scope.DateFrom); err == nil {
			f.DateFrom = &ts
		}
	}
	if m.Scope.DateTo != "" {
		if ts, err := time.Parse(time.RFC3339, m.Scope.DateTo); err == nil {
			f.DateTo = &ts
		}
	}
	return f
}

// runStreams writes decoded record streams into one transaction, table by
// table in fixed order, flushing every BatchSize records.
func runStreams(ctx context.Context, sink store.Sink, decoded codec.Decoded, m *manifest.Manifest, opts Options, summary *Summary, resumeFrom model.Table) error {
	tx, err := sink.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if opts.Strategy == StrategyReplace {
		scope := scopeFilter(m)
		for _, t := range model.Tables {
			if err := tx.DeleteWhere(ctx, t, scope); err != nil {
				return err
			}
		}
	}

	skipping := resumeFrom != ""
	for _, t := range model.Tables {
		if skipping {
			if t != resumeFrom {
				slog.Info("resume: skipping completed table", "table", t)
				continue
			}
			skipping = false
		}

		if err := importTable(ctx, tx, decoded, t, opts, summary); err != nil {
			summary.ResumeToken = string(t)
			return fmt.Errorf("import %s: %w", t, err)
		}
	}

	if err := validateIntegrity(ctx, tx, summary); err != nil {
		return err
	}
	return tx.Commit()
}

func importTable(ctx context.Context, tx store.Tx, decoded codec.Decoded, t model.Table, opts Options, summary *Summary) error {
	it, err := decoded.Table(t)
	if err != nil {
		return err
	}
	defer it.Close()

	done := 0
	staged := 0
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := it.Record()
		if err := checkRecord(r); err != nil {
			summary.Errors = append(summary.Errors, RecordError{Table: t, ID: r.RecordID(), Err: err.Error()})
			continue
		}

		if opts.Strategy == StrategySkipDuplicates {
			_, exists, err := tx.GetByID(ctx, t, r.RecordID())
			if err != nil {
				return err
			}
			if exists {
				summary.Skipped[string(t)]++
				continue
			}
		}

		remap(r, opts.TargetUserID, opts.TargetAssistantID)
		tx.Upsert(t, r)
		staged++
		summary.Imported[string(t)]++
		done++
		if opts.Progress != nil {
			opts.Progress(t, done)
		}

		if staged >= opts.BatchSize {
			if err := tx.Flush(ctx); err != nil {
				return err
			}
			staged = 0
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return tx.Flush(ctx)
}

// runSQL replays a SQL artifact statement by statement. The strategy is
// applied by rewriting each INSERT's conflict clause.
func runSQL(ctx context.Context, sink store.Sink, path string, opts Options, summary *Summary, resumeFrom model.Table) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sql artifact: %w", err)
	}
	statements := codec.SplitStatements(string(content))

	if opts.ValidateOnly {
		for _, stmt := range statements {
			if codec.IsTransactionControl(stmt) {
				continue
			}
			t, ok := codec.InsertTable(stmt)
			if !ok {
				summary.Errors = append(summary.Errors, RecordError{Err: fmt.Sprintf("unrecognized statement: %.60s", stmt)})
				summary.Valid = false
				continue
			}
			summary.Imported[string(t)]++
		}
		return nil
	}

	tx, err := sink.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if opts.Strategy == StrategyReplace {
		for _, t := range model.Tables {
			if err := tx.DeleteWhere(ctx, t, store.Filter{}); err != nil {
				return err
			}
		}
	}

	skipping := resumeFrom != ""
	for _, stmt := range statements {
		if err := ctx.Err(); err != nil {
			return err
		}
		if codec.IsTransactionControl(stmt) {
			continue
		}
		t, ok := codec.InsertTable(stmt)
		if !ok {
			summary.Errors = append(summary.Errors, RecordError{Err: fmt.Sprintf("skipped statement: %.60s", stmt)})
			continue
		}
		if skipping {
			if t != resumeFrom {
				continue
			}
			skipping = false
		}

		replay := stmt
		switch opts.Strategy {
		case StrategyMerge:
			replay = rewriteConflict(stmt, "INSERT OR REPLACE INTO")
		case StrategySkipDuplicates:
			replay = rewriteConflict(stmt, "INSERT OR IGNORE INTO")
		}
		// A statement that fails to execute is skipped, not fatal; the rest
		// of the artifact still replays.
		if err := tx.Exec(ctx, replay); err != nil {
			summary.Errors = append(summary.Errors, RecordError{Table: t, Err: err.Error()})
			slog.Warn("skipping failed statement", "table", t, "error", err)
			continue
		}
		summary.Imported[string(t)]++
		if opts.Progress != nil {
			opts.Progress(t, summary.Imported[string(t)])
		}
	}

	if err := remapSQL(ctx, tx, opts); err != nil {
		return err
	}
	if err := validateIntegrity(ctx, tx, summary); err != nil {
		return err
	}
	return tx.Commit()
}

// remapSQL rewrites record ownership after a SQL replay. Statements are
// replayed verbatim, so the remap runs as UPDATEs over the restored tables.
func remapSQL(ctx context.Context, tx store.Tx, opts Options) error {
	if opts.TargetUserID == "" && opts.TargetAssistantID == "" {
		return nil
	}
	for _, t := range model.Tables {
		if opts.TargetUserID != "" {
			stmt := fmt.Sprintf("UPDATE %s SET user_id = %s", t, codec.QuoteLiteral(opts.TargetUserID))
			if err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("remap %s user: %w", t, err)
			}
		}
		if opts.TargetAssistantID != "" {
			stmt := fmt.Sprintf("UPDATE %s SET assistant_id = %s", t, codec.QuoteLiteral(opts.TargetAssistantID))
			if err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("remap %s assistant: %w", t, err)
			}
		}
	}
	return nil
}

var insertPrefixLen = len("INSERT INTO")

// rewriteConflict swaps the INSERT head for a conflict-aware variant.
func rewriteConflict(stmt string, head string) string {
	upper := strings.ToUpper(stmt)
	if !strings.HasPrefix(upper, "INSERT INTO") {
		return stmt
	}
	return head + stmt[insertPrefixLen:]
}
