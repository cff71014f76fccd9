// Package export orchestrates a backup: preflight checks, deterministic
// streaming with running checksums, artifact encoding, and atomic
// publication.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/memvault/memvault/internal/checksum"
	"github.com/memvault/memvault/internal/codec"
	"github.com/memvault/memvault/internal/manifest"
	"github.com/memvault/memvault/internal/model"
	"github.com/memvault/memvault/internal/pipeline"
	"github.com/memvault/memvault/internal/store"
)

// Options configures one export run.
type Options struct {
	Path        string
	Format      codec.Format
	Filter      store.Filter
	ChunkSize   int
	Algorithm   string // checksum algorithm, sha256 if empty
	Compression string
	Passphrase  string
	Dialect     codec.Dialect // sql format only
	GzipLevel   int

	// Progress, when set, is called after each streamed record.
	Progress func(t model.Table, done, total int)
}

// Summary reports what an export produced.
type Summary struct {
	Path         string
	Format       codec.Format
	RecordCounts map[string]int
	Checksums    map[string]string
	FileSize     int64
	Duration     time.Duration
}

const defaultChunkSize = 1000

// Run exports the filtered store into an artifact at opts.Path.
func Run(ctx context.Context, src store.Source, opts Options) (*Summary, error) {
	start := time.Now()

	if err := validate(&opts); err != nil {
		return nil, err
	}
	slog.Info("export started",
		"path", opts.Path,
		"format", opts.Format,
		"compressed", opts.Compression != "",
		"encrypted", opts.Passphrase != "")

	total := 0
	counts := map[string]int{}
	for _, t := range model.Tables {
		n, err := src.Count(ctx, t, opts.Filter)
		if err != nil {
			return nil, err
		}
		counts[string(t)] = n
		total += n
	}

	m := manifest.New()
	m.SourceType = "sqlite"
	m.Format = string(opts.Format)
	m.ChunkSize = opts.ChunkSize
	m.Compression = opts.Compression
	m.ChecksumAlgorithm = opts.Algorithm
	m.Encrypted = opts.Passphrase != ""
	m.Scope = manifest.Scope{
		UserID:      opts.Filter.UserID,
		AssistantID: opts.Filter.AssistantID,
		SessionID:   opts.Filter.SessionID,
		ChunkSize:   opts.ChunkSize,
		Compression: opts.Compression,
	}
	if opts.Filter.DateFrom != nil {
		m.Scope.DateFrom = opts.Filter.DateFrom.UTC().Format(time.RFC3339)
	}
	if opts.Filter.DateTo != nil {
		m.Scope.DateTo = opts.Filter.DateTo.UTC().Format(time.RFC3339)
	}

	streams := make([]codec.TableStream, 0, len(model.Tables))
	for _, t := range model.Tables {
		it, err := src.Stream(ctx, t, opts.Filter, opts.ChunkSize)
		if err != nil {
			return nil, err
		}
		tee, err := newHashingIterator(it, t, opts.Algorithm, m, counts[string(t)], opts.Progress)
		if err != nil {
			return nil, err
		}
		streams = append(streams, codec.TableStream{Table: t, Records: tee})
	}

	c, err := codec.For(opts.Format)
	if err != nil {
		return nil, err
	}
	if sc, ok := c.(codec.SQLCodec); ok {
		sc.Dialect = opts.Dialect
		c = sc
	}

	finalPath := opts.Path
	if opts.Format.SupportsCompression() {
		staged, err := pipeline.TempFile(filepath.Dir(opts.Path), filepath.Base(opts.Path)+".tmp-*")
		if err != nil {
			return nil, err
		}
		if err := c.Encode(ctx, staged, streams, m); err != nil {
			os.Remove(staged)
			return nil, err
		}
		if err := pipeline.Finalize(staged, opts.Path, opts.Compression, opts.Passphrase, opts.GzipLevel); err != nil {
			return nil, err
		}
	} else {
		if err := c.Encode(ctx, opts.Path, streams, m); err != nil {
			return nil, err
		}
		finalPath = codec.ManifestPath(opts.Path)
	}

	size := int64(0)
	if fi, err := os.Stat(finalPath); err == nil {
		size = fi.Size()
	}

	summary := &Summary{
		Path:         opts.Path,
		Format:       opts.Format,
		RecordCounts: m.RecordCounts,
		Checksums:    m.Checksums,
		FileSize:     size,
		Duration:     time.Since(start),
	}
	slog.Info("export complete",
		"path", opts.Path,
		"format", opts.Format,
		"records", total,
		"bytes", size,
		"compressed", opts.Compression != "",
		"encrypted", opts.Passphrase != "",
		"duration", summary.Duration)
	return summary, nil
}

// validate normalizes the options and rejects impossible combinations before
// any data is read.
func validate(opts *Options) error {
	if opts.Path == "" {
		return fmt.Errorf("export path is required")
	}
	if opts.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Algorithm == "" {
		opts.Algorithm = "sha256"
	}
	if !checksum.Supported(opts.Algorithm) {
		return fmt.Errorf("unsupported checksum algorithm: %q", opts.Algorithm)
	}
	comp, err := pipeline.ParseCompression(opts.Compression)
	if err != nil {
		return err
	}
	opts.Compression = comp
	if !opts.Format.SupportsCompression() {
		if opts.Compression != "" {
			return fmt.Errorf("%s exports span multiple files and cannot be compressed", opts.Format)
		}
		if opts.Passphrase != "" {
			return fmt.Errorf("%s exports span multiple files and cannot be encrypted", opts.Format)
		}
	}
	if opts.Filter.DateFrom != nil && opts.Filter.DateTo != nil &&
		opts.Filter.DateFrom.After(*opts.Filter.DateTo) {
		return fmt.Errorf("date range is inverted: from %s is after to %s",
			opts.Filter.DateFrom.Format(time.RFC3339), opts.Filter.DateTo.Format(time.RFC3339))
	}

	// Prove the destination is writable before streaming anything.
	dir := filepath.Dir(opts.Path)
	probe, err := os.CreateTemp(dir, ".memvault-probe-*")
	if err != nil {
		return fmt.Errorf("destination not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// hashingIterator passes records through while feeding the table's checksum
// accumulator. When the stream drains it writes the digest and the actual
// record count into the manifest, before the codec embeds it.
type hashingIterator struct {
	inner    model.Iterator
	table    model.Table
	acc      *checksum.Accumulator
	manifest *manifest.Manifest
	total    int
	done     int
	progress func(t model.Table, done, total int)
	err      error
	finished bool
}

func newHashingIterator(inner model.Iterator, t model.Table, algorithm string, m *manifest.Manifest, total int, progress func(model.Table, int, int)) (*hashingIterator, error) {
	acc, err := checksum.New(algorithm)
	if err != nil {
		return nil, err
	}
	return &hashingIterator{
		inner:    inner,
		table:    t,
		acc:      acc,
		manifest: m,
		total:    total,
		progress: progress,
	}, nil
}

func (it *hashingIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.inner.Next() {
		if err := it.inner.Err(); err == nil && !it.finished {
			it.finished = true
			it.manifest.Checksums[string(it.table)] = it.acc.Sum()
			it.manifest.RecordCounts[string(it.table)] = it.done
		}
		return false
	}
	if err := it.acc.Update(it.inner.Record()); err != nil {
		it.err = err
		return false
	}
	it.done++
	if it.progress != nil {
		it.progress(it.table, it.done, it.total)
	}
	return true
}

func (it *hashingIterator) Record() model.Record { return it.inner.Record() }

func (it *hashingIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.inner.Err()
}

func (it *hashingIterator) Close() error { return it.inner.Close() }
