package codec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/memvault/memvault/internal/manifest"
	"github.com/memvault/memvault/internal/model"
)

// manifestKey is the reserved top-level key carrying the embedded manifest.
const manifestKey = "_manifest"

// jsonCodec writes one top-level object mapping table names to record
// arrays. Records are streamed one at a time; only decoding loads the whole
// document (a documented limitation of the format).
type jsonCodec struct{}

func (jsonCodec) Format() Format { return FormatJSON }

func (jsonCodec) Encode(ctx context.Context, path string, tables []TableStream, m *manifest.Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create json artifact: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.WriteString("{\n")

	for i, ts := range tables {
		if i > 0 {
			w.WriteString(",\n")
		}
		fmt.Fprintf(w, "  %q: [", ts.Table)
		first := true
		for ts.Records.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := json.Marshal(ts.Records.Record())
			if err != nil {
				return fmt.Errorf("marshal %s record: %w", ts.Table, err)
			}
			if !first {
				w.WriteString(",")
			}
			w.WriteString("\n    ")
			w.Write(b)
			first = false
		}
		if err := ts.Records.Err(); err != nil {
			return fmt.Errorf("stream %s: %w", ts.Table, err)
		}
		if !first {
			w.WriteString("\n  ")
		}
		w.WriteString("]")
	}

	if m != nil {
		b, err := m.Encode()
		if err != nil {
			return err
		}
		if len(tables) > 0 {
			w.WriteString(",\n")
		}
		fmt.Fprintf(w, "  %q: ", manifestKey)
		w.Write(b)
	}

	w.WriteString("\n}\n")
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write json artifact: %w", err)
	}
	return f.Close()
}

func (jsonCodec) Decode(ctx context.Context, path string) (Decoded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read json artifact: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid json artifact: %w", err)
	}

	d := &memoryDecoded{tables: map[model.Table][]model.Record{}}
	if raw, ok := doc[manifestKey]; ok {
		m, err := manifest.Decode(raw)
		if err != nil {
			return nil, err
		}
		d.manifest = m
	}

	for _, t := range model.Tables {
		raw, ok := doc[string(t)]
		if !ok {
			continue
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("table %s is not an array: %w", t, err)
		}
		records := make([]model.Record, 0, len(rows))
		for i, row := range rows {
			r, err := model.New(t)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(row, r); err != nil {
				return nil, fmt.Errorf("decode %s record %d: %w", t, i, err)
			}
			records = append(records, r)
		}
		d.tables[t] = records
	}
	return d, nil
}

// memoryDecoded serves tables fully materialized in memory.
type memoryDecoded struct {
	manifest *manifest.Manifest
	tables   map[model.Table][]model.Record
}

func (d *memoryDecoded) Manifest() *manifest.Manifest { return d.manifest }

func (d *memoryDecoded) Table(t model.Table) (model.Iterator, error) {
	return model.SliceIterator(d.tables[t]), nil
}

func (d *memoryDecoded) Close() error { return nil }
