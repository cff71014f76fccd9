package codec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/memvault/memvault/internal/manifest"
	"github.com/memvault/memvault/internal/model"
)

// sqliteCodec materializes an export as a standalone SQLite database file:
// the three record tables plus a key/value manifest table.
type sqliteCodec struct{}

func (sqliteCodec) Format() Format { return FormatSQLite }

const sqliteArtifactSchema = `
	CREATE TABLE IF NOT EXISTS chat_history (
		chat_id     TEXT PRIMARY KEY,
		user_input  TEXT NOT NULL,
		ai_output   TEXT NOT NULL,
		model       TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		assistant_id TEXT,
		session_id  TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		metadata    TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT
	);

	CREATE TABLE IF NOT EXISTS short_term_memory (
		memory_id   TEXT PRIMARY KEY,
		chat_id     TEXT,
		user_id     TEXT NOT NULL,
		assistant_id TEXT,
		session_id  TEXT NOT NULL,
		importance_score REAL NOT NULL DEFAULT 0.5,
		category_primary TEXT NOT NULL,
		summary     TEXT NOT NULL,
		searchable_content TEXT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TEXT,
		created_at  TEXT NOT NULL,
		expires_at  TEXT
	);

	CREATE TABLE IF NOT EXISTS long_term_memory (
		memory_id   TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		assistant_id TEXT,
		session_id  TEXT NOT NULL,
		importance_score REAL NOT NULL DEFAULT 0.5,
		category_primary TEXT NOT NULL,
		summary     TEXT NOT NULL,
		searchable_content TEXT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TEXT,
		created_at  TEXT NOT NULL,
		classification TEXT NOT NULL DEFAULT 'conversational',
		topic       TEXT,
		entities    TEXT,
		keywords    TEXT,
		is_user_context INTEGER NOT NULL DEFAULT 0,
		is_preference INTEGER NOT NULL DEFAULT 0,
		is_skill_knowledge INTEGER NOT NULL DEFAULT 0,
		is_current_project INTEGER NOT NULL DEFAULT 0,
		duplicate_of TEXT,
		supersedes  TEXT,
		related_memories TEXT,
		confidence_score REAL NOT NULL DEFAULT 0.8,
		processed_for_duplicates INTEGER NOT NULL DEFAULT 0,
		conscious_processed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS export_manifest (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

func (sqliteCodec) Encode(ctx context.Context, path string, tables []TableStream, m *manifest.Manifest) error {
	// Always a fresh file, never an append to a stale artifact.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale artifact: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("create sqlite artifact: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, sqliteArtifactSchema); err != nil {
		return fmt.Errorf("create artifact schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ts := range tables {
		cols := model.Columns(ts.Table)
		names := make([]string, len(cols))
		marks := make([]string, len(cols))
		for i, c := range cols {
			names[i] = c.Name
			marks[i] = "?"
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			ts.Table, strings.Join(names, ", "), strings.Join(marks, ", ")))
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", ts.Table, err)
		}

		for ts.Records.Next() {
			if err := ctx.Err(); err != nil {
				stmt.Close()
				return err
			}
			wire, err := model.Map(ts.Records.Record())
			if err != nil {
				stmt.Close()
				return err
			}
			args := make([]any, len(cols))
			for i, c := range cols {
				args[i], err = model.SQLArg(c, wire[c.Name])
				if err != nil {
					stmt.Close()
					return fmt.Errorf("encode %s: %w", ts.Table, err)
				}
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				stmt.Close()
				return fmt.Errorf("insert %s record: %w", ts.Table, err)
			}
		}
		stmt.Close()
		if err := ts.Records.Err(); err != nil {
			return fmt.Errorf("stream %s: %w", ts.Table, err)
		}
	}

	if m != nil {
		b, err := m.Encode()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO export_manifest (key, value) VALUES ('manifest', ?)`, string(b)); err != nil {
			return fmt.Errorf("store manifest: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	return db.Close()
}

func (sqliteCodec) Decode(ctx context.Context, path string) (Decoded, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open sqlite artifact: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite artifact: %w", err)
	}

	d := &sqliteDecoded{db: db, present: map[model.Table][]model.Column{}}

	for _, t := range model.Tables {
		have, err := artifactColumns(ctx, db, string(t))
		if err != nil {
			db.Close()
			return nil, err
		}
		if len(have) == 0 {
			slog.Warn("artifact missing table", "table", t)
			continue
		}
		var specs []model.Column
		var missing []string
		for _, c := range model.Columns(t) {
			if have[c.Name] {
				specs = append(specs, c)
			} else {
				missing = append(missing, c.Name)
			}
		}
		if len(missing) > 0 {
			// Schema drift is tolerated: absent columns decode as zero values.
			slog.Warn("artifact missing columns", "table", t, "columns", strings.Join(missing, ","))
		}
		d.present[t] = specs
	}

	var raw string
	err = db.QueryRowContext(ctx,
		`SELECT value FROM export_manifest WHERE key = 'manifest'`).Scan(&raw)
	if err == nil {
		m, err := manifest.Decode([]byte(raw))
		if err != nil {
			db.Close()
			return nil, err
		}
		d.manifest = m
	} else if err != sql.ErrNoRows && !isMissingTable(err) {
		db.Close()
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return d, nil
}

func artifactColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

type sqliteDecoded struct {
	db       *sql.DB
	manifest *manifest.Manifest
	present  map[model.Table][]model.Column
}

func (d *sqliteDecoded) Manifest() *manifest.Manifest { return d.manifest }

func (d *sqliteDecoded) Table(t model.Table) (model.Iterator, error) {
	specs := d.present[t]
	if len(specs) == 0 {
		return model.SliceIterator(nil), nil
	}
	names := make([]string, len(specs))
	for i, c := range specs {
		names[i] = c.Name
	}
	rows, err := d.db.Query(fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY created_at, %s",
		strings.Join(names, ", "), t, specs[0].Name))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", t, err)
	}
	return &rowIterator{table: t, specs: specs, rows: rows}, nil
}

func (d *sqliteDecoded) Close() error { return d.db.Close() }

// rowIterator streams artifact rows out via cursor.
type rowIterator struct {
	table  model.Table
	specs  []model.Column
	rows   *sql.Rows
	record model.Record
	err    error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	r, err := model.ScanRecord(it.table, it.specs, it.rows.Scan)
	if err != nil {
		it.err = err
		return false
	}
	it.record = r
	return true
}

func (it *rowIterator) Record() model.Record { return it.record }

func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowIterator) Close() error { return it.rows.Close() }
