package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/connectcare/emergency-api/internal/model"
	"github.com/connectcare/emergency-api/internal/repository"
)

type auditRepository struct {
	BaseRepository
}

func NewAuditRepository(base BaseRepository) repository.AuditRepository {
	return &auditRepository{base}
}

func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	query := `
        INSERT INTO audit_logs (id, event_id, patient_id, event_type, actor, detail, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			log.ID,
			log.EventID,
			log.PatientID,
			log.EventType,
			log.Actor,
			nullableJSON(log.Detail),
			log.CreatedAt,
		)
		return err
	})
}

func (r *auditRepository) List(ctx context.Context, filters map[string]interface{}) ([]*model.AuditLog, error) {
	query := `SELECT * FROM audit_logs WHERE 1=1`
	var args []interface{}

	if v, ok := filters["patient_id"]; ok {
		query += fmt.Sprintf(" AND patient_id = $%d", len(args)+1)
		args = append(args, v)
	}

	if v, ok := filters["event_id"]; ok {
		query += fmt.Sprintf(" AND event_id = $%d", len(args)+1)
		args = append(args, v)
	}

	if v, ok := filters["event_type"]; ok {
		query += fmt.Sprintf(" AND event_type = $%d", len(args)+1)
		args = append(args, v)
	}

	if v, ok := filters["start_date"]; ok {
		query += fmt.Sprintf(" AND created_at >= $%d", len(args)+1)
		args = append(args, v)
	}

	if v, ok := filters["end_date"]; ok {
		query += fmt.Sprintf(" AND created_at <= $%d", len(args)+1)
		args = append(args, v)
	}

	query += " ORDER BY created_at DESC"

	if v, ok := filters["limit"]; ok {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, v)
	}

	var logs []*model.AuditLog
	if err := r.GetDB().SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}

	return logs, nil
}

func (r *auditRepository) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM audit_logs WHERE created_at < $1`

	result, err := r.GetDB().ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return result.RowsAffected()
}
