// Package history persists the per-task audit trail.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cadence/internal/db"
	"cadence/internal/domain"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Writer struct {
	Now func() time.Time
}

var validChangeTypes = map[string]bool{
	domain.ChangeStatus:            true,
	domain.ChangeAssignment:        true,
	domain.ChangeDueDate:           true,
	domain.ChangeRescheduleRequest: true,
}

// Append writes e through ex, filling ID and CreatedAt when empty.
func (w Writer) Append(ctx context.Context, ex Execer, e domain.HistoryEntry) (domain.HistoryEntry, error) {
	if !validChangeTypes[e.ChangeType] {
		return e, fmt.Errorf("unknown history change type %q", e.ChangeType)
	}
	if e.TaskID == "" || e.ActorID == "" {
		return e, fmt.Errorf("history entry requires task and actor")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		e.CreatedAt = now().UTC()
	}
	oldJSON, err := encode(e.OldValue)
	if err != nil {
		return e, fmt.Errorf("marshal old value: %w", err)
	}
	newJSON, err := encode(e.NewValue)
	if err != nil {
		return e, fmt.Errorf("marshal new value: %w", err)
	}
	metaJSON, err := encode(e.Metadata)
	if err != nil {
		return e, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO task_history(id,task_id,change_type,old_value_json,new_value_json,metadata_json,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.ChangeType, oldJSON, newJSON, metaJSON, e.ActorID, db.FormatTime(e.CreatedAt))
	return e, err
}

// List returns the history of taskID, newest first.
func List(ctx context.Context, q Querier, taskID string) ([]domain.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,task_id,change_type,old_value_json,new_value_json,metadata_json,actor_id,created_at
FROM task_history WHERE task_id=? ORDER BY created_at DESC, rowid DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var (
			e                      domain.HistoryEntry
			oldJSON, newJSON, meta sql.NullString
			created                string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ChangeType, &oldJSON, &newJSON, &meta, &e.ActorID, &created); err != nil {
			return nil, err
		}
		if e.OldValue, err = decode(oldJSON); err != nil {
			return nil, err
		}
		if e.NewValue, err = decode(newJSON); err != nil {
			return nil, err
		}
		if e.Metadata, err = decode(meta); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = db.ParseTime(created); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func encode(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decode(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, fmt.Errorf("decode history payload: %w", err)
	}
	return out, nil
}
