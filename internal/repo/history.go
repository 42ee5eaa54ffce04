package repo

import (
	"context"

	"cadence/internal/domain"
	"cadence/internal/history"
)

func (r Repo) AppendHistory(ctx context.Context, e domain.HistoryEntry) (domain.HistoryEntry, error) {
	return r.History.Append(ctx, r.conn(), e)
}

func (r Repo) ListHistory(ctx context.Context, taskID string) ([]domain.HistoryEntry, error) {
	return history.List(ctx, r.conn(), taskID)
}
