// Package store provides the conversational-memory store interface and its
// SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/memvault/memvault/internal/model"
)

// Filter scopes an export or a destructive import to a slice of the store.
// Zero fields match everything.
type Filter struct {
	UserID      string
	AssistantID string
	SessionID   string
	DateFrom    *time.Time
	DateTo      *time.Time
}

// Empty reports whether the filter matches the whole store.
func (f Filter) Empty() bool {
	return f.UserID == "" && f.AssistantID == "" && f.SessionID == "" &&
		f.DateFrom == nil && f.DateTo == nil
}

// TurnParams holds parameters for recording a conversation turn.
type TurnParams struct {
	UserInput   string
	AIOutput    string
	Model       string
	UserID      string
	AssistantID string
	SessionID   string
	TokensUsed  int
	Metadata    map[string]any
}

// Source reads records out of a store for export.
type Source interface {
	// Count reports how many records of a table match the filter.
	Count(ctx context.Context, t model.Table, f Filter) (int, error)

	// Stream yields matching records in deterministic order (created_at,
	// then primary key), fetching chunkSize rows per round trip.
	Stream(ctx context.Context, t model.Table, f Filter, chunkSize int) (model.Iterator, error)
}

// Sink writes records into a store during import.
type Sink interface {
	// GetByID fetches one record, reporting whether it exists.
	GetByID(ctx context.Context, t model.Table, id string) (model.Record, bool, error)

	// Begin opens an import transaction. Nothing is visible to other
	// connections until Commit.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is an import transaction. Upsert stages records in memory; Flush writes
// the staged batch. GetByID observes flushed writes within the transaction.
type Tx interface {
	GetByID(ctx context.Context, t model.Table, id string) (model.Record, bool, error)
	Upsert(t model.Table, r model.Record)
	Flush(ctx context.Context) error

	// DeleteWhere removes the filter's slice of a table, for replace-mode
	// imports.
	DeleteWhere(ctx context.Context, t model.Table, f Filter) error

	// Exec runs one raw statement, for SQL artifact replay.
	Exec(ctx context.Context, stmt string) error

	// IDs collects a table's primary keys, for referential checks.
	IDs(ctx context.Context, t model.Table) (map[string]bool, error)

	// Refs collects one column's non-null values, for referential checks.
	Refs(ctx context.Context, t model.Table, column string) ([]string, error)

	Commit() error
	Rollback() error
}

// Store is the full conversational-memory store.
type Store interface {
	Source
	Sink

	// RecordTurn appends one chat exchange, minting its id and timestamps.
	RecordTurn(ctx context.Context, p TurnParams) (*model.ConversationTurn, error)

	Close() error
}
