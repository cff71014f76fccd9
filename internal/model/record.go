// Package model defines the record types held by the memory store.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table identifies one of the three record tables.
type Table string

const (
	TableChatHistory     Table = "chat_history"
	TableShortTermMemory Table = "short_term_memory"
	TableLongTermMemory  Table = "long_term_memory"
)

// Tables is the fixed processing order: turns first so memory records can
// reference them, long-term last.
var Tables = []Table{TableChatHistory, TableShortTermMemory, TableLongTermMemory}

// ParseTable validates a table name (e.g. a resume checkpoint).
func ParseTable(s string) (Table, error) {
	for _, t := range Tables {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown table: %q", s)
}

// Record is one exportable row of any table.
type Record interface {
	Table() Table
	RecordID() string
}

// ConversationTurn is one chat exchange. Immutable once written except by
// an explicit merge during import.
type ConversationTurn struct {
	ID          string         `json:"chat_id"`
	UserInput   string         `json:"user_input"`
	AIOutput    string         `json:"ai_output"`
	Model       string         `json:"model"`
	UserID      string         `json:"user_id"`
	AssistantID string         `json:"assistant_id,omitempty"`
	SessionID   string         `json:"session_id"`
	TokensUsed  int            `json:"tokens_used"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
}

func (t *ConversationTurn) Table() Table     { return TableChatHistory }
func (t *ConversationTurn) RecordID() string { return t.ID }

// ShortTermMemory is a derived fact with an expiry. Expiry enforcement
// belongs to the store, not the backup engine.
type ShortTermMemory struct {
	ID                string     `json:"memory_id"`
	ChatID            string     `json:"chat_id,omitempty"`
	UserID            string     `json:"user_id"`
	AssistantID       string     `json:"assistant_id,omitempty"`
	SessionID         string     `json:"session_id"`
	ImportanceScore   float64    `json:"importance_score"`
	CategoryPrimary   string     `json:"category_primary"`
	Summary           string     `json:"summary"`
	SearchableContent string     `json:"searchable_content"`
	AccessCount       int        `json:"access_count"`
	LastAccessedAt    *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

func (m *ShortTermMemory) Table() Table     { return TableShortTermMemory }
func (m *ShortTermMemory) RecordID() string { return m.ID }

// LongTermMemory is the permanent superset of the short-term shape.
type LongTermMemory struct {
	ID                string     `json:"memory_id"`
	UserID            string     `json:"user_id"`
	AssistantID       string     `json:"assistant_id,omitempty"`
	SessionID         string     `json:"session_id"`
	ImportanceScore   float64    `json:"importance_score"`
	CategoryPrimary   string     `json:"category_primary"`
	Summary           string     `json:"summary"`
	SearchableContent string     `json:"searchable_content"`
	AccessCount       int        `json:"access_count"`
	LastAccessedAt    *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`

	Classification string   `json:"classification"`
	Topic          string   `json:"topic,omitempty"`
	Entities       []string `json:"entities,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`

	IsUserContext    bool `json:"is_user_context"`
	IsPreference     bool `json:"is_preference"`
	IsSkillKnowledge bool `json:"is_skill_knowledge"`
	IsCurrentProject bool `json:"is_current_project"`

	DuplicateOf     string   `json:"duplicate_of,omitempty"`
	Supersedes      []string `json:"supersedes,omitempty"`
	RelatedMemories []string `json:"related_memories,omitempty"`

	ConfidenceScore        float64 `json:"confidence_score"`
	ProcessedForDuplicates bool    `json:"processed_for_duplicates"`
	ConsciousProcessed     bool    `json:"conscious_processed"`
}

func (m *LongTermMemory) Table() Table     { return TableLongTermMemory }
func (m *LongTermMemory) RecordID() string { return m.ID }

// New returns an empty record of the given table's type.
func New(t Table) (Record, error) {
	switch t {
	case TableChatHistory:
		return &ConversationTurn{}, nil
	case TableShortTermMemory:
		return &ShortTermMemory{}, nil
	case TableLongTermMemory:
		return &LongTermMemory{}, nil
	}
	return nil, fmt.Errorf("unknown table: %q", t)
}

// Map flattens a record into its wire representation, keyed by column name.
func Map(r Record) (map[string]any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record: %w", r.Table(), err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("flatten %s record: %w", r.Table(), err)
	}
	return m, nil
}

// FromMap rebuilds a typed record from its wire representation. Unknown
// keys are ignored for forward compatibility.
func FromMap(t Table, m map[string]any) (Record, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s row: %w", t, err)
	}
	r, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", t, err)
	}
	return r, nil
}
