package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/connectcare/emergency-api/internal/model"
)

// ErrStaleRecord is returned by UpdateStatus when the record changed
// between read and write. The caller must reload and recompute the
// transition.
var ErrStaleRecord = errors.New("emergency record changed since read")

// ErrDuplicateKey is returned by Create when another active record holds
// the same idempotency key or the patient already has an active record.
var ErrDuplicateKey = errors.New("duplicate idempotency key or active record")

type EmergencyRepository interface {
	// Create persists a new record. Uniqueness of the idempotency key
	// and of one-active-record-per-patient is enforced here.
	Create(ctx context.Context, rec *model.EmergencyRecord) error
	Get(ctx context.Context, eventID uuid.UUID) (*model.EmergencyRecord, error)
	// GetActiveByPatient returns the patient's non-terminal record, or
	// nil when there is none.
	GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*model.EmergencyRecord, error)
	GetActiveByIdempotencyKey(ctx context.Context, key string) (*model.EmergencyRecord, error)
	ListActive(ctx context.Context) ([]*model.EmergencyRecord, error)
	CountActive(ctx context.Context) (int64, error)
	// UpdateStatus transitions the record, guarded by the status the
	// caller read. Returns ErrStaleRecord when the guard fails.
	UpdateStatus(ctx context.Context, rec *model.EmergencyRecord, fromStatus model.EmergencyStatus) error
	AppendAction(ctx context.Context, action *model.EmergencyAction) error
	ListActions(ctx context.Context, eventID uuid.UUID) ([]*model.EmergencyAction, error)
	// ListAllActions returns the dispatch history across all records,
	// newest first.
	ListAllActions(ctx context.Context, limit int) ([]*model.EmergencyAction, error)
}

type PendingActionRepository interface {
	Enqueue(ctx context.Context, action *model.PendingAction) error
	// GetPendingWithLock claims up to limit queued actions in creation
	// order, skipping rows locked by a concurrent drainer.
	GetPendingWithLock(ctx context.Context, limit int) ([]*model.PendingAction, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// RecordRetry notes a failed replay but leaves the action queued.
	RecordRetry(ctx context.Context, id uuid.UUID, errMsg string) error
	CountPending(ctx context.Context) (int64, error)
}

type AuditRepository interface {
	Create(ctx context.Context, log *model.AuditLog) error
	List(ctx context.Context, filters map[string]interface{}) ([]*model.AuditLog, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}
