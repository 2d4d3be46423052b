package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectcare/emergency-api/internal/model"
	"github.com/connectcare/emergency-api/internal/repository"
	"github.com/connectcare/emergency-api/internal/service/dispatch"
	apperrors "github.com/connectcare/emergency-api/pkg/errors"
	"github.com/connectcare/emergency-api/pkg/logger"
	"github.com/connectcare/emergency-api/pkg/messaging"
	"github.com/connectcare/emergency-api/pkg/metrics"
)

type Config struct {
	ConfirmationTimeout time.Duration
	IdempotencyWindow   time.Duration
}

// ActionDispatcher is what the orchestrator needs from the dispatch
// layer; tests substitute a recording fake.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action model.ActionType, payload *model.DispatchPayload) dispatch.Result
}

// Service owns the per-patient emergency state machine. All transitions
// for one patient serialize through that patient's mutex and
// read-modify-write the latest persisted record; state is decided and
// persisted before any external action is issued or acknowledged.
type Service struct {
	repo       repository.EmergencyRepository
	audits     repository.AuditRepository
	dispatcher ActionDispatcher
	broker     messaging.Broker
	clock      Clock
	cfg        Config
	logger     *logger.Logger
	metrics    *metrics.Metrics

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	timersMu sync.Mutex
	timers   map[uuid.UUID]Timer

	keys *keyCache
}

func NewService(
	repo repository.EmergencyRepository,
	audits repository.AuditRepository,
	dispatcher ActionDispatcher,
	broker messaging.Broker,
	clock Clock,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 60 * time.Second
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 5 * time.Minute
	}

	return &Service{
		repo:       repo,
		audits:     audits,
		dispatcher: dispatcher,
		broker:     broker,
		clock:      clock,
		cfg:        cfg,
		logger:     log,
		metrics:    m,
		locks:      make(map[uuid.UUID]*sync.Mutex),
		timers:     make(map[uuid.UUID]Timer),
		keys:       newKeyCache(cfg.IdempotencyWindow),
	}
}

// patientLock returns the mutex that serializes all transitions for one
// patient. Cross-patient operations never contend.
func (s *Service) patientLock(patientID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[patientID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[patientID] = l
	}
	return l
}

// Trigger opens a new emergency or resolves a duplicate to the existing
// record. The returned bool is true when the trigger was deduplicated.
func (s *Service) Trigger(ctx context.Context, req *model.TriggerRequest) (*model.EmergencyRecord, bool, error) {
	if !req.TriggerSource.Valid() {
		return nil, false, apperrors.NewBadRequest("unknown trigger source", nil)
	}

	triggeredAt := req.TriggeredAt
	if triggeredAt.IsZero() {
		triggeredAt = s.clock.Now()
	}
	key := IdempotencyKey(req.PatientID, string(req.TriggerSource), triggeredAt, s.cfg.IdempotencyWindow)

	lock := s.patientLock(req.PatientID)
	lock.Lock()
	defer lock.Unlock()

	// Fast path: a key seen inside the current bucket maps straight to
	// its record without touching the patient index.
	if eventID, ok := s.keys.get(key); ok {
		rec, err := s.repo.Get(ctx, eventID)
		if err == nil && rec != nil && rec.Status.Active() {
			s.metrics.DuplicateTriggers.Inc()
			return rec, true, nil
		}
		s.keys.drop(key)
	}

	// Active record per patient takes precedence over the key: a second
	// trigger from a different source or bucket still folds into the
	// in-flight emergency.
	existing, err := s.repo.GetActiveByPatient(ctx, req.PatientID)
	if err != nil {
		return nil, false, apperrors.NewStoreUnavailable(err)
	}
	if existing != nil {
		s.metrics.DuplicateTriggers.Inc()
		return existing, true, nil
	}

	rec := &model.EmergencyRecord{
		EventID:              uuid.New(),
		IdempotencyKey:       key,
		PatientID:            req.PatientID,
		PatientName:          req.PatientName,
		CaretakerPhone:       req.CaretakerPhone,
		CaretakerEmail:       req.CaretakerEmail,
		MedicalContext:       req.MedicalContext,
		TriggerSource:        req.TriggerSource,
		Status:               model.EmergencyStatusPendingConfirmation,
		TriggeredAt:          triggeredAt,
		ConfirmationDeadline: triggeredAt.Add(s.cfg.ConfirmationTimeout),
	}
	if len(req.VitalsSnapshot) > 0 {
		rec.VitalsSnapshot, _ = json.Marshal(req.VitalsSnapshot)
	}
	if req.Location != nil {
		rec.Location, _ = json.Marshal(req.Location)
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			// Lost a race against another engine path; fold into winner.
			if winner, gerr := s.repo.GetActiveByPatient(ctx, req.PatientID); gerr == nil && winner != nil {
				s.metrics.DuplicateTriggers.Inc()
				return winner, true, nil
			}
			if winner, gerr := s.repo.GetActiveByIdempotencyKey(ctx, key); gerr == nil && winner != nil {
				s.metrics.DuplicateTriggers.Inc()
				return winner, true, nil
			}
		}
		return nil, false, apperrors.NewStoreUnavailable(err)
	}

	s.keys.put(key, rec.EventID)
	s.metrics.EmergenciesTriggered.WithLabelValues(string(req.TriggerSource)).Inc()
	s.metrics.ActiveEmergencies.Inc()

	s.audit(ctx, rec, model.AuditEmergencyTriggered, "", map[string]interface{}{
		"trigger_source":  req.TriggerSource,
		"idempotency_key": key,
	})

	s.armDeadline(rec.EventID, rec.PatientID, rec.ConfirmationDeadline.Sub(s.clock.Now()))

	s.logger.Info("emergency triggered",
		"event_id", rec.EventID.String(),
		"patient_id", rec.PatientID.String(),
		"source", string(rec.TriggerSource))
	return rec, false, nil
}

// Escalate is the manual skip-to-escalation path; it behaves as an
// immediate deadline expiry.
func (s *Service) Escalate(ctx context.Context, patientID uuid.UUID, loc *model.Location) (*model.EmergencyRecord, error) {
	lock := s.patientLock(patientID)
	lock.Lock()

	rec, err := s.repo.GetActiveByPatient(ctx, patientID)
	if err != nil {
		lock.Unlock()
		return nil, apperrors.NewStoreUnavailable(err)
	}
	if rec == nil {
		lock.Unlock()
		return nil, apperrors.NewNotFound("active emergency", nil)
	}
	if rec.Status != model.EmergencyStatusPendingConfirmation {
		lock.Unlock()
		return nil, apperrors.NewInvalidTransition("emergency is not awaiting confirmation")
	}

	if loc != nil {
		rec.Location, _ = json.Marshal(loc)
	}
	if err := s.markEscalated(ctx, rec); err != nil {
		lock.Unlock()
		return nil, err
	}
	lock.Unlock()

	s.runEscalationActions(ctx, rec)
	return rec, nil
}

// Cancel flips a pending emergency to CANCELLED and disarms its deadline
// inside the same critical section, so a concurrently firing deadline
// observes the new status and no-ops.
func (s *Service) Cancel(ctx context.Context, patientID uuid.UUID, cancelledBy string) (*model.EmergencyRecord, error) {
	lock := s.patientLock(patientID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.repo.GetActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	if rec == nil {
		return nil, apperrors.NewNotFound("active emergency", nil)
	}
	if rec.Status != model.EmergencyStatusPendingConfirmation {
		return nil, apperrors.NewInvalidTransition("emergency already escalated; cancellation window closed")
	}

	now := s.clock.Now()
	from := rec.Status
	rec.Status = model.EmergencyStatusCancelled
	rec.ResolvedAt = &now
	rec.ResolvedBy = &cancelledBy

	if err := s.persistTransition(ctx, rec, from); err != nil {
		return nil, err
	}
	s.disarmDeadline(rec.EventID)
	s.metrics.ActiveEmergencies.Dec()

	s.audit(ctx, rec, model.AuditEmergencyCancelled, cancelledBy, nil)
	s.logger.Info("emergency cancelled",
		"event_id", rec.EventID.String(), "cancelled_by", cancelledBy)
	return rec, nil
}

// Override hands control to a caretaker. Automatic escalation actions
// are suppressed from here on; already-dispatched actions are not
// recalled.
func (s *Service) Override(ctx context.Context, patientID uuid.UUID, caretakerID string) (*model.EmergencyRecord, error) {
	lock := s.patientLock(patientID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.repo.GetActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	if rec == nil {
		return nil, apperrors.NewNotFound("active emergency", nil)
	}
	if rec.Status != model.EmergencyStatusPendingConfirmation && rec.Status != model.EmergencyStatusEscalated {
		return nil, apperrors.NewInvalidTransition("emergency cannot be overridden from its current state")
	}

	now := s.clock.Now()
	from := rec.Status
	rec.Status = model.EmergencyStatusCaretakerOverride
	rec.OverrideBy = &caretakerID
	rec.OverrideAt = &now

	if err := s.persistTransition(ctx, rec, from); err != nil {
		return nil, err
	}
	s.disarmDeadline(rec.EventID)

	s.audit(ctx, rec, model.AuditCaretakerOverride, caretakerID, nil)
	s.logger.Info("caretaker override",
		"event_id", rec.EventID.String(), "caretaker_id", caretakerID)
	return rec, nil
}

// Resolve closes the emergency from any non-terminal state.
func (s *Service) Resolve(ctx context.Context, patientID uuid.UUID, resolvedBy string) (*model.EmergencyRecord, error) {
	lock := s.patientLock(patientID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.repo.GetActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	if rec == nil {
		return nil, apperrors.NewNotFound("active emergency", nil)
	}

	now := s.clock.Now()
	from := rec.Status
	rec.Status = model.EmergencyStatusResolved
	rec.ResolvedAt = &now
	rec.ResolvedBy = &resolvedBy

	if err := s.persistTransition(ctx, rec, from); err != nil {
		return nil, err
	}
	s.disarmDeadline(rec.EventID)
	s.metrics.ActiveEmergencies.Dec()

	s.audit(ctx, rec, model.AuditEmergencyResolved, resolvedBy, nil)
	s.publish(ctx, messaging.ChannelResolved, rec)
	s.logger.Info("emergency resolved",
		"event_id", rec.EventID.String(), "resolved_by", resolvedBy)
	return rec, nil
}

// Active returns the patient's current non-terminal record with its
// action trail, or nil when there is none.
func (s *Service) Active(ctx context.Context, patientID uuid.UUID) (*model.EmergencyRecord, error) {
	rec, err := s.repo.GetActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.ActionsTaken, err = s.repo.ListActions(ctx, rec.EventID); err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	return rec, nil
}

// Get loads a record by event ID, terminal or not.
func (s *Service) Get(ctx context.Context, eventID uuid.UUID) (*model.EmergencyRecord, error) {
	rec, err := s.repo.Get(ctx, eventID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	if rec == nil {
		return nil, apperrors.NewNotFound("emergency", nil)
	}
	return rec, nil
}

// ActionHistory returns the dispatch trail across all records, newest
// first.
func (s *Service) ActionHistory(ctx context.Context, limit int) ([]*model.EmergencyAction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	actions, err := s.repo.ListAllActions(ctx, limit)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	return actions, nil
}

// VoiceScript renders the operator script the telephony gateway fetches
// for an in-flight call.
func (s *Service) VoiceScript(ctx context.Context, eventID uuid.UUID) (string, error) {
	rec, err := s.Get(ctx, eventID)
	if err != nil {
		return "", err
	}
	return dispatch.BuildVoiceScript(s.buildPayload(rec)), nil
}

// Shutdown disarms all in-memory timers. Deadlines are persisted and
// re-armed by Recover on the next start.
func (s *Service) Shutdown() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// --- internals ---

func (s *Service) markEscalated(ctx context.Context, rec *model.EmergencyRecord) error {
	now := s.clock.Now()
	from := rec.Status
	rec.Status = model.EmergencyStatusEscalated
	rec.EscalatedAt = &now

	if err := s.persistTransition(ctx, rec, from); err != nil {
		return err
	}
	s.disarmDeadline(rec.EventID)
	s.metrics.EmergenciesEscalated.Inc()

	s.audit(ctx, rec, model.AuditEmergencyEscalated, "", nil)
	s.logger.Info("emergency escalated", "event_id", rec.EventID.String())
	return nil
}

func (s *Service) persistTransition(ctx context.Context, rec *model.EmergencyRecord, from model.EmergencyStatus) error {
	if err := s.repo.UpdateStatus(ctx, rec, from); err != nil {
		if errors.Is(err, repository.ErrStaleRecord) {
			return apperrors.NewInvalidTransition("emergency state changed concurrently")
		}
		return apperrors.NewStoreUnavailable(err)
	}
	return nil
}

// armDeadline registers the confirmation timer. The callback re-reads
// the persisted record under the patient lock, so a cancel that won the
// race makes it a no-op.
func (s *Service) armDeadline(eventID, patientID uuid.UUID, d time.Duration) {
	if d < 0 {
		d = 0
	}

	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[eventID]; ok {
		t.Stop()
	}
	s.timers[eventID] = s.clock.AfterFunc(d, func() {
		s.handleDeadline(eventID, patientID)
	})
}

func (s *Service) disarmDeadline(eventID uuid.UUID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[eventID]; ok {
		t.Stop()
		delete(s.timers, eventID)
	}
}

func (s *Service) handleDeadline(eventID, patientID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	lock := s.patientLock(patientID)
	lock.Lock()

	rec, err := s.repo.Get(ctx, eventID)
	if err != nil {
		lock.Unlock()
		s.logger.Error(err, "deadline fired but record load failed", "event_id", eventID.String())
		return
	}
	if rec == nil || rec.Status != model.EmergencyStatusPendingConfirmation {
		// Cancelled, resolved or overridden while the timer was in
		// flight.
		lock.Unlock()
		return
	}

	if err := s.markEscalated(ctx, rec); err != nil {
		lock.Unlock()
		s.logger.Error(err, "automatic escalation failed", "event_id", eventID.String())
		return
	}
	lock.Unlock()

	s.runEscalationActions(ctx, rec)
}

// runEscalationActions performs the escalation sequence outside the
// patient lock: voice call with SMS fallback, location share, caretaker
// alerts. One action's failure never blocks the rest, and a caretaker
// override observed mid-sequence stops the remainder.
func (s *Service) runEscalationActions(ctx context.Context, rec *model.EmergencyRecord) {
	payload := s.buildPayload(rec)

	steps := []model.ActionType{
		model.ActionVoiceCall,
		model.ActionLocationShare,
		model.ActionCaretakerSMS,
	}
	if rec.CaretakerPhone != "" {
		steps = append(steps, model.ActionWhatsApp)
	}
	if rec.CaretakerEmail != "" {
		steps = append(steps, model.ActionCaretakerEmail)
	}

	for _, action := range steps {
		if s.escalationSuppressed(ctx, rec.EventID) {
			s.logger.Info("escalation actions suppressed",
				"event_id", rec.EventID.String(), "remaining_from", string(action))
			return
		}

		res := s.dispatcher.Dispatch(ctx, action, payload)
		if action == model.ActionVoiceCall && !res.Success && !res.Queued {
			// Voice channel exhausted its retries; the caretaker SMS
			// fallback carries what the voice agent would have said.
			fallback := *payload
			fallback.Message = dispatch.BuildVoiceScript(payload)
			s.dispatcher.Dispatch(ctx, model.ActionCaretakerSMS, &fallback)
		}
	}

	s.publish(ctx, messaging.ChannelEscalated, rec)
}

// escalationSuppressed re-reads the persisted status between actions so
// an override or resolve takes effect mid-sequence.
func (s *Service) escalationSuppressed(ctx context.Context, eventID uuid.UUID) bool {
	rec, err := s.repo.Get(ctx, eventID)
	if err != nil || rec == nil {
		return false
	}
	return rec.Status != model.EmergencyStatusEscalated
}

func (s *Service) buildPayload(rec *model.EmergencyRecord) *model.DispatchPayload {
	p := &model.DispatchPayload{
		EventID:        rec.EventID,
		PatientID:      rec.PatientID,
		PatientName:    rec.PatientName,
		CaretakerPhone: rec.CaretakerPhone,
		CaretakerEmail: rec.CaretakerEmail,
		MedicalContext: rec.MedicalContext,
		Location:       rec.LocationFix(),
	}
	if len(rec.VitalsSnapshot) > 0 {
		_ = json.Unmarshal(rec.VitalsSnapshot, &p.Vitals)
	}
	p.Message = dispatch.BuildAlertMessage(p)
	return p
}

func (s *Service) audit(ctx context.Context, rec *model.EmergencyRecord, eventType, actor string, detail map[string]interface{}) {
	entry := &model.AuditLog{
		ID:        uuid.New(),
		EventID:   rec.EventID,
		PatientID: rec.PatientID,
		EventType: eventType,
		Actor:     actor,
		CreatedAt: s.clock.Now(),
	}
	if detail != nil {
		entry.Detail, _ = json.Marshal(detail)
	}
	if err := s.audits.Create(ctx, entry); err != nil {
		s.logger.Error(err, "failed to write audit log",
			"event_id", rec.EventID.String(), "event_type", eventType)
	}
}

func (s *Service) publish(ctx context.Context, channel string, rec *model.EmergencyRecord) {
	if s.broker == nil {
		return
	}
	msg := messaging.Message{
		Type: channel,
		Payload: map[string]interface{}{
			"event_id":   rec.EventID,
			"patient_id": rec.PatientID,
			"status":     rec.Status,
		},
	}
	if err := s.broker.Publish(ctx, channel, msg); err != nil {
		s.logger.Error(err, "failed to publish emergency event", "channel", channel)
	}
}
