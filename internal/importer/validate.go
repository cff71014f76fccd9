package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/memvault/memvault/internal/model"
	"github.com/memvault/memvault/internal/store"
)

// validateIntegrity checks referential links after an import, before commit.
// Each id set and reference column is collected with its own query so the
// transaction's single connection never runs nested cursors. Dangling
// references are reported as soft errors, not grounds for rollback: a scoped
// export legitimately carries memories whose source chats were filtered out.
func validateIntegrity(ctx context.Context, tx store.Tx, summary *Summary) error {
	chatIDs, err := tx.IDs(ctx, model.TableChatHistory)
	if err != nil {
		return err
	}
	memoryIDs, err := tx.IDs(ctx, model.TableLongTermMemory)
	if err != nil {
		return err
	}

	dangling := 0

	chatRefs, err := tx.Refs(ctx, model.TableShortTermMemory, "chat_id")
	if err != nil {
		return err
	}
	for _, ref := range chatRefs {
		if !chatIDs[ref] {
			summary.Errors = append(summary.Errors, RecordError{
				Table: model.TableShortTermMemory,
				Err:   fmt.Sprintf("chat_id %s has no matching chat", ref),
			})
			dangling++
		}
	}

	dupRefs, err := tx.Refs(ctx, model.TableLongTermMemory, "duplicate_of")
	if err != nil {
		return err
	}
	for _, ref := range dupRefs {
		if !memoryIDs[ref] {
			summary.Errors = append(summary.Errors, RecordError{
				Table: model.TableLongTermMemory,
				Err:   fmt.Sprintf("duplicate_of %s has no matching memory", ref),
			})
			dangling++
		}
	}

	for _, column := range []string{"supersedes", "related_memories"} {
		lists, err := tx.Refs(ctx, model.TableLongTermMemory, column)
		if err != nil {
			return err
		}
		for _, raw := range lists {
			var ids []string
			if err := json.Unmarshal([]byte(raw), &ids); err != nil {
				summary.Errors = append(summary.Errors, RecordError{
					Table: model.TableLongTermMemory,
					Err:   fmt.Sprintf("%s is not a valid id list: %v", column, err),
				})
				dangling++
				continue
			}
			for _, ref := range ids {
				if !memoryIDs[ref] {
					summary.Errors = append(summary.Errors, RecordError{
						Table: model.TableLongTermMemory,
						Err:   fmt.Sprintf("%s entry %s has no matching memory", column, ref),
					})
					dangling++
				}
			}
		}
	}

	if dangling > 0 {
		slog.Warn("import left dangling references", "count", dangling)
	}
	return nil
}
