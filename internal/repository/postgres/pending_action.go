package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/connectcare/emergency-api/internal/model"
	"github.com/connectcare/emergency-api/internal/repository"
)

type pendingActionRepository struct {
	BaseRepository
}

func NewPendingActionRepository(base BaseRepository) repository.PendingActionRepository {
	return &pendingActionRepository{base}
}

func (r *pendingActionRepository) Enqueue(ctx context.Context, action *model.PendingAction) error {
	query := `
		INSERT INTO pending_actions (id, event_id, patient_id, action, payload, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	action.Status = model.PendingActionStatusPending
	action.CreatedAt = time.Now()
	action.UpdatedAt = action.CreatedAt

	_, err := r.GetDB().ExecContext(ctx, query,
		action.ID,
		action.EventID,
		action.PatientID,
		action.Action,
		[]byte(action.Payload),
		action.Status,
		action.RetryCount,
		action.CreatedAt,
		action.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue pending action: %w", err)
	}
	return nil
}

// GetPendingWithLock claims queued actions in creation order. SKIP LOCKED
// keeps concurrent drainers from double-sending while preserving the
// original dispatch order within one drainer.
func (r *pendingActionRepository) GetPendingWithLock(ctx context.Context, limit int) ([]*model.PendingAction, error) {
	query := `
		SELECT * FROM pending_actions
		WHERE status = 'PENDING'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	var actions []*model.PendingAction
	if err := r.GetDB().SelectContext(ctx, &actions, query, limit); err != nil {
		return nil, fmt.Errorf("failed to get pending actions: %w", err)
	}
	return actions, nil
}

func (r *pendingActionRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE pending_actions
		SET status = 'PROCESSED', processed_at = $1, updated_at = $1
		WHERE id = $2
	`
	now := time.Now()
	_, err := r.GetDB().ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark pending action processed: %w", err)
	}
	return nil
}

func (r *pendingActionRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE pending_actions
		SET status = 'FAILED', error_message = $1, retry_count = retry_count + 1, updated_at = $2
		WHERE id = $3
	`
	_, err := r.GetDB().ExecContext(ctx, query, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark pending action failed: %w", err)
	}
	return nil
}

func (r *pendingActionRepository) RecordRetry(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE pending_actions
		SET error_message = $1, retry_count = retry_count + 1, updated_at = $2
		WHERE id = $3
	`
	_, err := r.GetDB().ExecContext(ctx, query, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record pending action retry: %w", err)
	}
	return nil
}

func (r *pendingActionRepository) CountPending(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM pending_actions WHERE status = 'PENDING'`
	var count int64
	if err := r.GetDB().GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return count, nil
}
