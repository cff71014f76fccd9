// Package codec implements the four interchangeable artifact formats:
// streaming JSON, embedded SQLite file, multi-file CSV, and portable SQL text.
package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/memvault/memvault/internal/manifest"
	"github.com/memvault/memvault/internal/model"
)

// Format names an artifact encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatSQLite Format = "sqlite"
	FormatCSV    Format = "csv"
	FormatSQL    Format = "sql"
)

// Formats lists the supported artifact formats.
var Formats = []Format{FormatJSON, FormatSQLite, FormatCSV, FormatSQL}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == strings.ToLower(s) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported format: %q", s)
}

// SupportsCompression reports whether an artifact of this format is a single
// file the pipeline can compress or encrypt. CSV exports span multiple
// sibling files and would need archive semantics, so they are excluded.
func (f Format) SupportsCompression() bool {
	return f != FormatCSV
}

// Detect infers the format from a file path, ignoring any trailing
// compression or encryption suffixes.
func Detect(path string) (Format, error) {
	name := strings.ToLower(filepath.Base(path))
	for _, suffix := range []string{".enc", ".gz"} {
		name = strings.TrimSuffix(name, suffix)
	}
	if strings.HasSuffix(name, "_manifest.json") {
		return FormatCSV, nil
	}
	switch filepath.Ext(name) {
	case ".json":
		return FormatJSON, nil
	case ".db", ".sqlite":
		return FormatSQLite, nil
	case ".csv":
		return FormatCSV, nil
	case ".sql":
		return FormatSQL, nil
	}
	return "", fmt.Errorf("cannot detect format from path: %s", path)
}

// TableStream pairs a table with the record stream to serialize for it.
type TableStream struct {
	Table   model.Table
	Records model.Iterator
}

// Codec serializes record streams into an artifact file.
type Codec interface {
	Format() Format
	// Encode drains every table stream into the file at path. The manifest,
	// when non-nil, is embedded after all streams finish so late-bound
	// fields (checksums) are complete.
	Encode(ctx context.Context, path string, tables []TableStream, m *manifest.Manifest) error
}

// Decoder reverses Encode for formats that yield record streams. The SQL
// format is replayed statement-by-statement instead; see SplitStatements.
type Decoder interface {
	Decode(ctx context.Context, path string) (Decoded, error)
}

// Decoded is an opened artifact: its embedded manifest, if any, and one
// record stream per table.
type Decoded interface {
	Manifest() *manifest.Manifest
	Table(t model.Table) (model.Iterator, error)
	Close() error
}

// For returns the codec for a format.
func For(f Format) (Codec, error) {
	switch f {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatSQLite:
		return sqliteCodec{}, nil
	case FormatCSV:
		return csvCodec{}, nil
	case FormatSQL:
		return SQLCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported format: %q", f)
}

// DecoderFor returns the decoder for a format, or an error for formats
// without a record-stream decoder.
func DecoderFor(f Format) (Decoder, error) {
	switch f {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatSQLite:
		return sqliteCodec{}, nil
	case FormatCSV:
		return csvCodec{}, nil
	}
	return nil, fmt.Errorf("format %q does not decode to record streams", f)
}

// cellString renders one wire value as flat text for CSV cells. Absent
// values render empty; nested values embed as compact JSON.
func cellString(kind model.ColKind, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	switch kind {
	case model.ColText, model.ColTime:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case model.ColInt:
		f, ok := v.(float64)
		if !ok {
			return "", fmt.Errorf("expected number, got %T", v)
		}
		return strconv.FormatInt(int64(f), 10), nil
	case model.ColReal:
		f, ok := v.(float64)
		if !ok {
			return "", fmt.Errorf("expected number, got %T", v)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case model.ColBool:
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("expected bool, got %T", v)
		}
		return strconv.FormatBool(b), nil
	case model.ColJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", fmt.Errorf("unknown column kind %d", kind)
}

// cellValue parses flat text back into a wire value, the inverse of
// cellString. Empty cells report absent.
func cellValue(kind model.ColKind, s string) (any, bool, error) {
	if s == "" {
		return nil, false, nil
	}
	switch kind {
	case model.ColText, model.ColTime:
		return s, true, nil
	case model.ColInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, false, err
		}
		return float64(n), true, nil
	case model.ColReal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false, err
		}
		return f, true, nil
	case model.ColBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	case model.ColJSON:
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
	return nil, false, fmt.Errorf("unknown column kind %d", kind)
}
