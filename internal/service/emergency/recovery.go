package emergency

import (
	"context"
	"fmt"

	"github.com/connectcare/emergency-api/internal/model"
)

// Recover reloads all non-terminal records after a restart and re-arms
// their confirmation timers from the persisted absolute deadlines. A
// deadline that lapsed while the process was down escalates immediately:
// the remaining time clamps to zero. Pending dispatch actions are
// durable and drained by the worker, so they need no re-registration.
func (s *Service) Recover(ctx context.Context) error {
	start := s.clock.Now()

	recs, err := s.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active emergencies: %w", err)
	}

	rearmed := 0
	for _, rec := range recs {
		if rec.Status != model.EmergencyStatusPendingConfirmation {
			continue
		}
		remaining := rec.ConfirmationDeadline.Sub(start)
		s.armDeadline(rec.EventID, rec.PatientID, remaining)
		s.keys.put(rec.IdempotencyKey, rec.EventID)
		rearmed++

		s.logger.Info("re-armed confirmation deadline",
			"event_id", rec.EventID.String(),
			"patient_id", rec.PatientID.String(),
			"remaining", remaining.String())
	}

	s.metrics.ActiveEmergencies.Set(float64(len(recs)))
	s.metrics.RecoveredEmergencies.Add(float64(rearmed))
	s.metrics.RecoveryDuration.Observe(s.clock.Now().Sub(start).Seconds())

	s.logger.Info("engine recovery complete",
		"active_records", len(recs), "rearmed_timers", rearmed,
		"took", s.clock.Now().Sub(start).String())
	return nil
}
