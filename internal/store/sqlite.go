package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/memvault/memvault/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	entropy *rand.Rand
}

// Open opens or creates a SQLite database at the given path.
func Open(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
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
	CREATE INDEX IF NOT EXISTS idx_chat_user ON chat_history(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_session ON chat_history(session_id);

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
	CREATE INDEX IF NOT EXISTS idx_stm_user ON short_term_memory(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_stm_expires ON short_term_memory(expires_at);

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
	CREATE INDEX IF NOT EXISTS idx_ltm_user ON long_term_memory(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ltm_category ON long_term_memory(category_primary);
	`
	_, err := s.db.Exec(schema)
	return err
}

// filterClause renders a Filter as WHERE conditions over a table's columns.
func filterClause(f Filter) (string, []any) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.AssistantID != "" {
		where = append(where, "assistant_id = ?")
		args = append(args, f.AssistantID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.DateFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.DateFrom.UTC().Format(time.RFC3339))
	}
	if f.DateTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.DateTo.UTC().Format(time.RFC3339))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *SQLiteStore) Count(ctx context.Context, t model.Table, f Filter) (int, error) {
	clause, args := filterClause(f)
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s%s", t, clause), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", t, err)
	}
	return n, nil
}

const defaultChunkSize = 1000

func (s *SQLiteStore) Stream(ctx context.Context, t model.Table, f Filter, chunkSize int) (model.Iterator, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &chunkIterator{
		ctx:   ctx,
		db:    s.db,
		table: t,
		cols:  model.Columns(t),
		f:     f,
		limit: chunkSize,
	}, nil
}

// chunkIterator pages through a table chunkSize rows at a time, ordered by
// created_at then primary key so exports are reproducible.
type chunkIterator struct {
	ctx    context.Context
	db     *sql.DB
	table  model.Table
	cols   []model.Column
	f      Filter
	limit  int
	offset int

	buf    []model.Record
	pos    int
	done   bool
	record model.Record
	err    error
}

func (it *chunkIterator) fetch() bool {
	clause, args := filterClause(it.f)
	names := make([]string, len(it.cols))
	for i, c := range it.cols {
		names[i] = c.Name
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at, %s LIMIT ? OFFSET ?",
		strings.Join(names, ", "), it.table, clause, model.PrimaryKey(it.table))
	args = append(args, it.limit, it.offset)

	rows, err := it.db.QueryContext(it.ctx, query, args...)
	if err != nil {
		it.err = fmt.Errorf("stream %s: %w", it.table, err)
		return false
	}
	defer rows.Close()

	it.buf = it.buf[:0]
	for rows.Next() {
		r, err := model.ScanRecord(it.table, it.cols, rows.Scan)
		if err != nil {
			it.err = err
			return false
		}
		it.buf = append(it.buf, r)
	}
	if err := rows.Err(); err != nil {
		it.err = fmt.Errorf("stream %s: %w", it.table, err)
		return false
	}

	it.offset += len(it.buf)
	it.pos = 0
	if len(it.buf) < it.limit {
		it.done = true
	}
	return len(it.buf) > 0
}

func (it *chunkIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.buf) {
		if it.done && it.offset > 0 {
			return false
		}
		if !it.fetch() {
			return false
		}
	}
	it.record = it.buf[it.pos]
	it.pos++
	return true
}

func (it *chunkIterator) Record() model.Record { return it.record }
func (it *chunkIterator) Err() error           { return it.err }
func (it *chunkIterator) Close() error         { return nil }

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getByID(ctx context.Context, q querier, t model.Table, id string) (model.Record, bool, error) {
	cols := model.Columns(t)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	row := q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ?",
		strings.Join(names, ", "), t, model.PrimaryKey(t)), id)
	r, err := model.ScanRecord(t, cols, row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return r, true, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, t model.Table, id string) (model.Record, bool, error) {
	return getByID(ctx, s.db, t, id)
}

// RecordTurn appends one chat exchange. Timestamps are truncated to seconds
// so the stored text stays stable across serializations.
func (s *SQLiteStore) RecordTurn(ctx context.Context, p TurnParams) (*model.ConversationTurn, error) {
	if p.UserID == "" || p.SessionID == "" {
		return nil, fmt.Errorf("user id and session id are required")
	}
	turn := &model.ConversationTurn{
		ID:          s.newID(),
		UserInput:   p.UserInput,
		AIOutput:    p.AIOutput,
		Model:       p.Model,
		UserID:      p.UserID,
		AssistantID: p.AssistantID,
		SessionID:   p.SessionID,
		TokensUsed:  p.TokensUsed,
		Metadata:    p.Metadata,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tx.Upsert(model.TableChatHistory, turn)
	if err := tx.Flush(ctx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return turn, nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin import tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type stagedOp struct {
	table  model.Table
	record model.Record
}

// sqliteTx stages upserts in memory and writes them on Flush so imports run
// in batches instead of one round trip per record.
type sqliteTx struct {
	tx     *sql.Tx
	staged []stagedOp
}

func (t *sqliteTx) GetByID(ctx context.Context, table model.Table, id string) (model.Record, bool, error) {
	return getByID(ctx, t.tx, table, id)
}

func (t *sqliteTx) Upsert(table model.Table, r model.Record) {
	t.staged = append(t.staged, stagedOp{table: table, record: r})
}

func (t *sqliteTx) Flush(ctx context.Context) error {
	if len(t.staged) == 0 {
		return nil
	}
	stmts := map[model.Table]*sql.Stmt{}
	defer func() {
		for _, st := range stmts {
			st.Close()
		}
	}()

	for _, op := range t.staged {
		cols := model.Columns(op.table)
		stmt, ok := stmts[op.table]
		if !ok {
			names := make([]string, len(cols))
			marks := make([]string, len(cols))
			for i, c := range cols {
				names[i] = c.Name
				marks[i] = "?"
			}
			var err error
			stmt, err = t.tx.PrepareContext(ctx, fmt.Sprintf(
				"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
				op.table, strings.Join(names, ", "), strings.Join(marks, ", ")))
			if err != nil {
				return fmt.Errorf("prepare %s upsert: %w", op.table, err)
			}
			stmts[op.table] = stmt
		}

		wire, err := model.Map(op.record)
		if err != nil {
			return err
		}
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i], err = model.SQLArg(c, wire[c.Name])
			if err != nil {
				return fmt.Errorf("encode %s: %w", op.table, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert %s record: %w", op.table, err)
		}
	}

	t.staged = t.staged[:0]
	return nil
}

func (t *sqliteTx) DeleteWhere(ctx context.Context, table model.Table, f Filter) error {
	clause, args := filterClause(f)
	if _, err := t.tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s%s", table, clause), args...); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

func (t *sqliteTx) Exec(ctx context.Context, stmt string) error {
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exec statement: %w", err)
	}
	return nil
}

func (t *sqliteTx) IDs(ctx context.Context, table model.Table) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s", model.PrimaryKey(table), table))
	if err != nil {
		return nil, fmt.Errorf("collect %s ids: %w", table, err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func (t *sqliteTx) Refs(ctx context.Context, table model.Table, column string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IS NOT NULL AND %s != ''",
		column, table, column, column))
	if err != nil {
		return nil, fmt.Errorf("collect %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		refs = append(refs, v)
	}
	return refs, rows.Err()
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }
