package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/connectcare/emergency-api/internal/model"
	"github.com/connectcare/emergency-api/internal/repository"
	"github.com/connectcare/emergency-api/pkg/security"
)

// activeStatuses is the SQL predicate for non-terminal records. Matches
// model.EmergencyStatus.Active.
const activeStatuses = `status NOT IN ('RESOLVED', 'CANCELLED')`

type emergencyRepository struct {
	BaseRepository
	enc security.Encryptor
}

// NewEmergencyRepository creates the durable emergency store. The
// encryptor protects caretaker contact details and medical context at
// rest; pass a noop encryptor when no key is configured.
func NewEmergencyRepository(base BaseRepository, enc security.Encryptor) repository.EmergencyRepository {
	return &emergencyRepository{BaseRepository: base, enc: enc}
}

func (r *emergencyRepository) Create(ctx context.Context, rec *model.EmergencyRecord) error {
	query := `
		INSERT INTO emergencies (
			event_id, idempotency_key, patient_id, patient_name,
			caretaker_phone, caretaker_email, medical_context,
			trigger_source, status, triggered_at, confirmation_deadline,
			vitals_snapshot, location, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt

	phone, err := r.enc.EncryptString(rec.CaretakerPhone)
	if err != nil {
		return fmt.Errorf("failed to encrypt caretaker phone: %w", err)
	}
	email, err := r.enc.EncryptString(rec.CaretakerEmail)
	if err != nil {
		return fmt.Errorf("failed to encrypt caretaker email: %w", err)
	}
	medCtx, err := r.enc.EncryptString(rec.MedicalContext)
	if err != nil {
		return fmt.Errorf("failed to encrypt medical context: %w", err)
	}

	_, err = r.GetDB().ExecContext(ctx, query,
		rec.EventID,
		rec.IdempotencyKey,
		rec.PatientID,
		rec.PatientName,
		phone,
		email,
		medCtx,
		rec.TriggerSource,
		rec.Status,
		rec.TriggeredAt,
		rec.ConfirmationDeadline,
		nullableJSON(rec.VitalsSnapshot),
		nullableJSON(rec.Location),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create emergency: %w", err)
	}
	return nil
}

func (r *emergencyRepository) Get(ctx context.Context, eventID uuid.UUID) (*model.EmergencyRecord, error) {
	query := `SELECT * FROM emergencies WHERE event_id = $1`
	var rec model.EmergencyRecord
	if err := r.GetDB().GetContext(ctx, &rec, query, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get emergency: %w", err)
	}
	return r.decrypt(&rec)
}

func (r *emergencyRepository) GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*model.EmergencyRecord, error) {
	query := `SELECT * FROM emergencies WHERE patient_id = $1 AND ` + activeStatuses
	var rec model.EmergencyRecord
	if err := r.GetDB().GetContext(ctx, &rec, query, patientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active emergency: %w", err)
	}
	return r.decrypt(&rec)
}

func (r *emergencyRepository) GetActiveByIdempotencyKey(ctx context.Context, key string) (*model.EmergencyRecord, error) {
	query := `SELECT * FROM emergencies WHERE idempotency_key = $1 AND ` + activeStatuses
	var rec model.EmergencyRecord
	if err := r.GetDB().GetContext(ctx, &rec, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get emergency by idempotency key: %w", err)
	}
	return r.decrypt(&rec)
}

func (r *emergencyRepository) ListActive(ctx context.Context) ([]*model.EmergencyRecord, error) {
	query := `SELECT * FROM emergencies WHERE ` + activeStatuses + ` ORDER BY triggered_at`
	var recs []*model.EmergencyRecord
	if err := r.GetDB().SelectContext(ctx, &recs, query); err != nil {
		return nil, fmt.Errorf("failed to list active emergencies: %w", err)
	}
	for _, rec := range recs {
		if _, err := r.decrypt(rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (r *emergencyRepository) CountActive(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM emergencies WHERE ` + activeStatuses
	var count int64
	if err := r.GetDB().GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count active emergencies: %w", err)
	}
	return count, nil
}

// UpdateStatus writes the transitioned record guarded by the status the
// caller read. A zero-row update means a concurrent transition won; the
// caller reloads and recomputes.
func (r *emergencyRepository) UpdateStatus(ctx context.Context, rec *model.EmergencyRecord, fromStatus model.EmergencyStatus) error {
	query := `
		UPDATE emergencies SET
			status = $1, escalated_at = $2, resolved_at = $3, resolved_by = $4,
			override_by = $5, override_at = $6, location = $7, updated_at = $8
		WHERE event_id = $9 AND status = $10
	`
	rec.UpdatedAt = time.Now()

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query,
			rec.Status,
			rec.EscalatedAt,
			rec.ResolvedAt,
			rec.ResolvedBy,
			rec.OverrideBy,
			rec.OverrideAt,
			nullableJSON(rec.Location),
			rec.UpdatedAt,
			rec.EventID,
			fromStatus,
		)
		if err != nil {
			return fmt.Errorf("failed to update emergency status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return repository.ErrStaleRecord
		}
		return nil
	})
}

func (r *emergencyRepository) AppendAction(ctx context.Context, action *model.EmergencyAction) error {
	query := `
		INSERT INTO emergency_actions (id, event_id, patient_id, action, attempt, success, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}

	_, err := r.GetDB().ExecContext(ctx, query,
		action.ID,
		action.EventID,
		action.PatientID,
		action.Action,
		action.Attempt,
		action.Success,
		action.Detail,
		action.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append action: %w", err)
	}
	return nil
}

func (r *emergencyRepository) ListActions(ctx context.Context, eventID uuid.UUID) ([]*model.EmergencyAction, error) {
	query := `SELECT * FROM emergency_actions WHERE event_id = $1 ORDER BY seq`
	var actions []*model.EmergencyAction
	if err := r.GetDB().SelectContext(ctx, &actions, query, eventID); err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

func (r *emergencyRepository) ListAllActions(ctx context.Context, limit int) ([]*model.EmergencyAction, error) {
	query := `SELECT * FROM emergency_actions ORDER BY seq DESC LIMIT $1`
	var actions []*model.EmergencyAction
	if err := r.GetDB().SelectContext(ctx, &actions, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

func (r *emergencyRepository) decrypt(rec *model.EmergencyRecord) (*model.EmergencyRecord, error) {
	var err error
	if rec.CaretakerPhone, err = r.enc.DecryptString(rec.CaretakerPhone); err != nil {
		return nil, fmt.Errorf("failed to decrypt caretaker phone: %w", err)
	}
	if rec.CaretakerEmail, err = r.enc.DecryptString(rec.CaretakerEmail); err != nil {
		return nil, fmt.Errorf("failed to decrypt caretaker email: %w", err)
	}
	if rec.MedicalContext, err = r.enc.DecryptString(rec.MedicalContext); err != nil {
		return nil, fmt.Errorf("failed to decrypt medical context: %w", err)
	}
	return rec, nil
}

// nullableJSON maps empty JSON payloads to NULL so jsonb columns never
// hold empty strings.
func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
