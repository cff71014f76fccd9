package model

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// ColKind drives conversion between a record's wire value and a flat cell
// (SQL column, CSV cell).
type ColKind int

const (
	ColText ColKind = iota
	ColInt
	ColReal
	ColBool
	ColJSON
	ColTime
)

// Column describes one flat column of a table.
type Column struct {
	Name string
	Kind ColKind
}

var tableColumns = map[Table][]Column{
	TableChatHistory: {
		{"chat_id", ColText},
		{"user_input", ColText},
		{"ai_output", ColText},
		{"model", ColText},
		{"user_id", ColText},
		{"assistant_id", ColText},
		{"session_id", ColText},
		{"tokens_used", ColInt},
		{"metadata", ColJSON},
		{"created_at", ColTime},
		{"updated_at", ColTime},
	},
	TableShortTermMemory: {
		{"memory_id", ColText},
		{"chat_id", ColText},
		{"user_id", ColText},
		{"assistant_id", ColText},
		{"session_id", ColText},
		{"importance_score", ColReal},
		{"category_primary", ColText},
		{"summary", ColText},
		{"searchable_content", ColText},
		{"access_count", ColInt},
		{"last_accessed_at", ColTime},
		{"created_at", ColTime},
		{"expires_at", ColTime},
	},
	TableLongTermMemory: {
		{"memory_id", ColText},
		{"user_id", ColText},
		{"assistant_id", ColText},
		{"session_id", ColText},
		{"importance_score", ColReal},
		{"category_primary", ColText},
		{"summary", ColText},
		{"searchable_content", ColText},
		{"access_count", ColInt},
		{"last_accessed_at", ColTime},
		{"created_at", ColTime},
		{"classification", ColText},
		{"topic", ColText},
		{"entities", ColJSON},
		{"keywords", ColJSON},
		{"is_user_context", ColBool},
		{"is_preference", ColBool},
		{"is_skill_knowledge", ColBool},
		{"is_current_project", ColBool},
		{"duplicate_of", ColText},
		{"supersedes", ColJSON},
		{"related_memories", ColJSON},
		{"confidence_score", ColReal},
		{"processed_for_duplicates", ColBool},
		{"conscious_processed", ColBool},
	},
}

// Columns lists a table's flat columns in canonical order. The names match
// the records' wire keys.
func Columns(t Table) []Column { return tableColumns[t] }

// PrimaryKey names a table's id column.
func PrimaryKey(t Table) string {
	if t == TableChatHistory {
		return "chat_id"
	}
	return "memory_id"
}

// SQLArg converts a wire value into a database/sql argument for its column.
func SQLArg(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Kind {
	case ColText, ColTime:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("column %s: expected string, got %T", c.Name, v)
		}
		return s, nil
	case ColInt:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("column %s: expected number, got %T", c.Name, v)
		}
		return int64(f), nil
	case ColReal:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("column %s: expected number, got %T", c.Name, v)
		}
		return f, nil
	case ColBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("column %s: expected bool, got %T", c.Name, v)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case ColJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("column %s: unknown kind %d", c.Name, c.Kind)
}

// RowDests allocates scan destinations matching the column kinds.
func RowDests(cols []Column) []any {
	dests := make([]any, len(cols))
	for i, c := range cols {
		switch c.Kind {
		case ColInt, ColBool:
			dests[i] = new(sql.NullInt64)
		case ColReal:
			dests[i] = new(sql.NullFloat64)
		default:
			dests[i] = new(sql.NullString)
		}
	}
	return dests
}

// WireFromRow rebuilds a record's wire map from scanned destinations.
// NULL columns stay absent.
func WireFromRow(cols []Column, dests []any) (map[string]any, error) {
	wire := map[string]any{}
	for i, c := range cols {
		switch dst := dests[i].(type) {
		case *sql.NullInt64:
			if !dst.Valid {
				continue
			}
			if c.Kind == ColBool {
				wire[c.Name] = dst.Int64 != 0
			} else {
				wire[c.Name] = float64(dst.Int64)
			}
		case *sql.NullFloat64:
			if dst.Valid {
				wire[c.Name] = dst.Float64
			}
		case *sql.NullString:
			if !dst.Valid || dst.String == "" {
				continue
			}
			if c.Kind == ColJSON {
				var v any
				if err := json.Unmarshal([]byte(dst.String), &v); err != nil {
					return nil, fmt.Errorf("column %s: %w", c.Name, err)
				}
				wire[c.Name] = v
			} else {
				wire[c.Name] = dst.String
			}
		}
	}
	return wire, nil
}

// ScanRecord scans one row of a table's columns into a typed record.
func ScanRecord(t Table, cols []Column, scan func(...any) error) (Record, error) {
	dests := RowDests(cols)
	if err := scan(dests...); err != nil {
		return nil, fmt.Errorf("scan %s row: %w", t, err)
	}
	wire, err := WireFromRow(cols, dests)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", t, err)
	}
	return FromMap(t, wire)
}
