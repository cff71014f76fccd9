package codec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/memvault/memvault/internal/manifest"
	"github.com/memvault/memvault/internal/model"
)

// Dialect selects quoting and casting rules for emitted SQL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ParseDialect validates a dialect name, defaulting to sqlite.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "", "sqlite":
		return DialectSQLite, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	}
	return "", fmt.Errorf("unsupported sql dialect: %q", s)
}

// SQLCodec emits a transaction-wrapped sequence of INSERT statements. It has
// no record-stream decoder; imports replay the statements one by one.
type SQLCodec struct {
	Dialect Dialect
}

func (SQLCodec) Format() Format { return FormatSQL }

func (c SQLCodec) Encode(ctx context.Context, path string, tables []TableStream, m *manifest.Manifest) error {
	dialect := c.Dialect
	if dialect == "" {
		dialect = DialectSQLite
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create sql artifact: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if m != nil {
		fmt.Fprintf(w, "-- memvault export, version %s\n", m.ExportVersion)
		fmt.Fprintf(w, "-- exported at %s from %s\n", m.ExportTimestamp.Format("2006-01-02T15:04:05Z07:00"), m.SourceType)
	}
	switch dialect {
	case DialectPostgres:
		w.WriteString("BEGIN;\n")
	case DialectMySQL:
		w.WriteString("START TRANSACTION;\n")
	default:
		w.WriteString("BEGIN TRANSACTION;\n")
	}

	for _, ts := range tables {
		for ts.Records.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			wire, err := model.Map(ts.Records.Record())
			if err != nil {
				return err
			}
			stmt, err := insertStatement(dialect, ts.Table, wire)
			if err != nil {
				return err
			}
			w.WriteString(stmt)
			w.WriteString("\n")
		}
		if err := ts.Records.Err(); err != nil {
			return fmt.Errorf("stream %s: %w", ts.Table, err)
		}
	}

	w.WriteString("COMMIT;\n")
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write sql artifact: %w", err)
	}
	return f.Close()
}

func insertStatement(dialect Dialect, t model.Table, wire map[string]any) (string, error) {
	specs := model.Columns(t)
	names := make([]string, 0, len(specs))
	values := make([]string, 0, len(specs))
	for _, c := range specs {
		v, ok := wire[c.Name]
		names = append(names, c.Name)
		if !ok || v == nil {
			values = append(values, "NULL")
			continue
		}
		lit, err := sqlLiteral(dialect, c.Kind, v)
		if err != nil {
			return "", fmt.Errorf("encode %s.%s: %w", t, c.Name, err)
		}
		values = append(values, lit)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		t, strings.Join(names, ", "), strings.Join(values, ", ")), nil
}

func sqlLiteral(dialect Dialect, kind model.ColKind, v any) (string, error) {
	switch kind {
	case model.ColText, model.ColTime:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("expected string, got %T", v)
		}
		return QuoteLiteral(s), nil
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
		if dialect == DialectPostgres {
			if b {
				return "TRUE", nil
			}
			return "FALSE", nil
		}
		if b {
			return "1", nil
		}
		return "0", nil
	case model.ColJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		lit := QuoteLiteral(string(b))
		if dialect == DialectPostgres {
			return lit + "::jsonb", nil
		}
		return lit, nil
	}
	return "", fmt.Errorf("unknown column kind %d", kind)
}

// QuoteLiteral single-quotes a string literal, doubling embedded quotes.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// SplitStatements tokenizes SQL text into statements on unquoted semicolons,
// so a ';' inside a string literal never splits a statement. Comment-only
// lines are dropped.
func SplitStatements(content string) []string {
	var statements []string
	var current strings.Builder
	var inString bool
	var quote byte

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt == "" {
			return
		}
		// Strip leading comment lines so "-- header\nINSERT ..." replays.
		for strings.HasPrefix(stmt, "--") {
			nl := strings.IndexByte(stmt, '\n')
			if nl < 0 {
				return
			}
			stmt = strings.TrimSpace(stmt[nl+1:])
		}
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}

	for i := 0; i < len(content); i++ {
		ch := content[i]
		if ch == '\'' || ch == '"' {
			if !inString {
				inString = true
				quote = ch
			} else if ch == quote {
				// A doubled quote is an escaped quote, not a terminator.
				if i+1 < len(content) && content[i+1] == quote {
					current.WriteByte(ch)
					i++
				} else {
					inString = false
				}
			}
			current.WriteByte(ch)
			continue
		}
		if ch == ';' && !inString {
			current.WriteByte(ch)
			flush()
			continue
		}
		current.WriteByte(ch)
	}
	flush()
	return statements
}

var insertTableRe = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+([A-Za-z0-9_]+)`)

// InsertTable reports which table an INSERT statement targets. Attribution
// parses the statement head rather than substring-matching the whole text,
// so table names inside string literals cannot be miscounted.
func InsertTable(stmt string) (model.Table, bool) {
	m := insertTableRe.FindStringSubmatch(stmt)
	if m == nil {
		return "", false
	}
	t, err := model.ParseTable(strings.ToLower(m[1]))
	if err != nil {
		return "", false
	}
	return t, true
}

// IsTransactionControl reports statements that frame the replay rather than
// carry data.
func IsTransactionControl(stmt string) bool {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	return strings.HasPrefix(upper, "BEGIN") ||
		strings.HasPrefix(upper, "COMMIT") ||
		strings.HasPrefix(upper, "START TRANSACTION")
}
