package codec

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/memvault/memvault/internal/manifest"
	"github.com/memvault/memvault/internal/model"
)

// csvCodec writes one delimited file per table plus a companion manifest
// file naming the siblings. Nested fields are embedded as JSON cell text.
type csvCodec struct{}

func (csvCodec) Format() Format { return FormatCSV }

// csvManifest is the companion file's layout: the export manifest plus the
// sibling file paths, relative to the manifest's directory.
type csvManifest struct {
	Manifest *manifest.Manifest `json:"manifest"`
	Files    map[string]string  `json:"csv_files"`
}

// csvBase strips the "_manifest.json" (or any) suffix off the artifact path
// to get the shared base for sibling files.
func csvBase(path string) string {
	base := strings.TrimSuffix(path, "_manifest.json")
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ManifestPath returns the companion manifest path for a CSV export base.
func ManifestPath(path string) string {
	return csvBase(path) + "_manifest.json"
}

func (csvCodec) Encode(ctx context.Context, path string, tables []TableStream, m *manifest.Manifest) error {
	base := csvBase(path)
	files := map[string]string{}

	for _, ts := range tables {
		name := fmt.Sprintf("%s_%s.csv", filepath.Base(base), ts.Table)
		target := filepath.Join(filepath.Dir(base), name)
		if err := writeCSVTable(ctx, target, ts); err != nil {
			return err
		}
		files[string(ts.Table)] = name
	}

	doc := csvManifest{Manifest: m, Files: files}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(ManifestPath(path), b, 0o644); err != nil {
		return fmt.Errorf("write csv manifest: %w", err)
	}
	return nil
}

func writeCSVTable(ctx context.Context, path string, ts TableStream) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}
	defer f.Close()

	specs := model.Columns(ts.Table)
	header := make([]string, len(specs))
	for i, c := range specs {
		header[i] = c.Name
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write %s header: %w", ts.Table, err)
	}

	row := make([]string, len(specs))
	for ts.Records.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		wire, err := model.Map(ts.Records.Record())
		if err != nil {
			return err
		}
		for i, c := range specs {
			row[i], err = cellString(c.Kind, wire[c.Name])
			if err != nil {
				return fmt.Errorf("encode %s.%s: %w", ts.Table, c.Name, err)
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write %s row: %w", ts.Table, err)
		}
	}
	if err := ts.Records.Err(); err != nil {
		return fmt.Errorf("stream %s: %w", ts.Table, err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", ts.Table, err)
	}
	return f.Close()
}

func (csvCodec) Decode(ctx context.Context, path string) (Decoded, error) {
	b, err := os.ReadFile(ManifestPath(path))
	if err != nil {
		return nil, fmt.Errorf("read csv manifest: %w", err)
	}
	var doc csvManifest
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("invalid csv manifest: %w", err)
	}
	if doc.Manifest != nil {
		if err := doc.Manifest.CheckVersion(); err != nil {
			return nil, err
		}
	}
	return &csvDecoded{
		dir:      filepath.Dir(path),
		manifest: doc.Manifest,
		files:    doc.Files,
	}, nil
}

type csvDecoded struct {
	dir      string
	manifest *manifest.Manifest
	files    map[string]string
}

func (d *csvDecoded) Manifest() *manifest.Manifest { return d.manifest }

func (d *csvDecoded) Table(t model.Table) (model.Iterator, error) {
	name, ok := d.files[string(t)]
	if !ok {
		return model.SliceIterator(nil), nil
	}
	f, err := os.Open(filepath.Join(d.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open csv file for %s: %w", t, err)
	}
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s header: %w", t, err)
	}

	kinds := map[string]model.ColKind{}
	for _, c := range model.Columns(t) {
		kinds[c.Name] = c.Kind
	}
	return &csvIterator{table: t, file: f, reader: r, header: header, kinds: kinds}, nil
}

func (d *csvDecoded) Close() error { return nil }

type csvIterator struct {
	table  model.Table
	file   *os.File
	reader *csv.Reader
	header []string
	kinds  map[string]model.ColKind
	record model.Record
	err    error
}

func (it *csvIterator) Next() bool {
	if it.err != nil {
		return false
	}
	row, err := it.reader.Read()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			it.err = fmt.Errorf("read %s row: %w", it.table, err)
		}
		return false
	}

	wire := map[string]any{}
	for i, name := range it.header {
		if i >= len(row) {
			break
		}
		kind, ok := it.kinds[name]
		if !ok {
			continue
		}
		v, present, err := cellValue(kind, row[i])
		if err != nil {
			it.err = fmt.Errorf("decode %s.%s: %w", it.table, name, err)
			return false
		}
		if present {
			wire[name] = v
		}
	}

	r, err := model.FromMap(it.table, wire)
	if err != nil {
		it.err = err
		return false
	}
	it.record = r
	return true
}

func (it *csvIterator) Record() model.Record { return it.record }
func (it *csvIterator) Err() error           { return it.err }
func (it *csvIterator) Close() error         { return it.file.Close() }
