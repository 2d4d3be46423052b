package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connectcare/emergency-api/internal/model"
	"github.com/connectcare/emergency-api/internal/repository"
	"github.com/connectcare/emergency-api/pkg/circuitbreaker"
	"github.com/connectcare/emergency-api/pkg/logger"
	"github.com/connectcare/emergency-api/pkg/metrics"
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Result is the outcome of one dispatch, after retries. Queued means the
// network was unreachable and the action now sits in pending_actions.
type Result struct {
	Success  bool
	Queued   bool
	Attempts int
	Detail   string
}

// Dispatcher runs external actions through their adapters with retry,
// backoff and an offline queue. Every attempt, success or failure, lands
// in the record's append-only action trail.
type Dispatcher struct {
	adapters    map[model.ActionType]Adapter
	breakers    map[model.ActionType]*circuitbreaker.CircuitBreaker
	emergencies repository.EmergencyRepository
	pending     repository.PendingActionRepository
	audits      repository.AuditRepository
	cfg         Config
	logger      *logger.Logger
	metrics     *metrics.Metrics

	// sleep is swappable so tests do not wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(
	cfg Config,
	emergencies repository.EmergencyRepository,
	pending repository.PendingActionRepository,
	audits repository.AuditRepository,
	log *logger.Logger,
	m *metrics.Metrics,
	adapters ...Adapter,
) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}

	d := &Dispatcher{
		adapters:    make(map[model.ActionType]Adapter, len(adapters)),
		breakers:    make(map[model.ActionType]*circuitbreaker.CircuitBreaker, len(adapters)),
		emergencies: emergencies,
		pending:     pending,
		audits:      audits,
		cfg:         cfg,
		logger:      log,
		metrics:     m,
		sleep:       sleepCtx,
	}

	for _, a := range adapters {
		d.adapters[a.Type()] = a
		d.breakers[a.Type()] = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        string(a.Type()),
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
		})
	}

	return d
}

// Dispatch attempts one action with the retry/backoff policy. A network
// that is down short-circuits to the pending queue; the record trail
// still shows what was tried.
func (d *Dispatcher) Dispatch(ctx context.Context, action model.ActionType, payload *model.DispatchPayload) Result {
	adapter, ok := d.adapters[action]
	if !ok {
		d.logger.Warn("no adapter registered for action", "action", string(action))
		return Result{Detail: fmt.Sprintf("no adapter for %s", action)}
	}
	breaker := d.breakers[action]

	var res Result
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			d.metrics.DispatchRetries.WithLabelValues(string(action)).Inc()
		}

		timer := prometheus.NewTimer(d.metrics.DispatchLatency.WithLabelValues(string(action)))
		var detail string
		err := breaker.Execute(func() error {
			var attemptErr error
			detail, attemptErr = adapter.Attempt(ctx, payload)
			return attemptErr
		})
		timer.ObserveDuration()

		if err == nil {
			d.metrics.DispatchAttempts.WithLabelValues(string(action), "success").Inc()
			d.recordAttempt(ctx, payload, action, attempt, true, detail)
			res.Success = true
			res.Detail = detail
			return res
		}

		d.metrics.DispatchAttempts.WithLabelValues(string(action), "failure").Inc()
		d.recordAttempt(ctx, payload, action, attempt, false, err.Error())
		res.Detail = err.Error()

		if errors.Is(err, ErrUnreachable) || errors.Is(err, circuitbreaker.ErrOpen) {
			if qErr := d.queue(ctx, action, payload, err); qErr != nil {
				d.logger.Error(qErr, "failed to queue pending action",
					"action", string(action), "event_id", payload.EventID.String())
				continue
			}
			res.Queued = true
			return res
		}

		if attempt < d.cfg.MaxAttempts {
			if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
				return res
			}
		}
	}

	d.logger.Warn("dispatch exhausted retries",
		"action", string(action), "event_id", payload.EventID.String(), "detail", res.Detail)
	return res
}

// Replay runs one queued action once. ErrUnreachable propagates so the
// drainer can stop and preserve queue order until connectivity returns.
func (d *Dispatcher) Replay(ctx context.Context, pa *model.PendingAction) (string, error) {
	adapter, ok := d.adapters[pa.Action]
	if !ok {
		return "", fmt.Errorf("no adapter for %s", pa.Action)
	}

	var payload model.DispatchPayload
	if err := json.Unmarshal(pa.Payload, &payload); err != nil {
		return "", fmt.Errorf("failed to decode pending payload: %w", err)
	}

	timer := prometheus.NewTimer(d.metrics.DispatchLatency.WithLabelValues(string(pa.Action)))
	detail, err := adapter.Attempt(ctx, &payload)
	timer.ObserveDuration()

	attempt := pa.RetryCount + 1
	if err != nil {
		d.metrics.DispatchAttempts.WithLabelValues(string(pa.Action), "failure").Inc()
		d.recordAttempt(ctx, &payload, pa.Action, attempt, false, err.Error())
		return "", err
	}

	d.metrics.DispatchAttempts.WithLabelValues(string(pa.Action), "success").Inc()
	d.recordAttempt(ctx, &payload, pa.Action, attempt, true, detail)
	return detail, nil
}

// MaxAttempts exposes the policy ceiling for the drain worker.
func (d *Dispatcher) MaxAttempts() int { return d.cfg.MaxAttempts }

func (d *Dispatcher) queue(ctx context.Context, action model.ActionType, payload *model.DispatchPayload, cause error) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	pa := &model.PendingAction{
		ID:        uuid.New(),
		EventID:   payload.EventID,
		PatientID: payload.PatientID,
		Action:    action,
		Payload:   raw,
	}
	if err := d.pending.Enqueue(ctx, pa); err != nil {
		return err
	}
	d.metrics.PendingQueueSize.Inc()

	detail, _ := json.Marshal(map[string]string{"action": string(action), "cause": cause.Error()})
	d.auditLog(ctx, payload, model.AuditDispatchQueued, detail)
	return nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, payload *model.DispatchPayload, action model.ActionType, attempt int, success bool, detail string) {
	rec := &model.EmergencyAction{
		ID:        uuid.New(),
		EventID:   payload.EventID,
		PatientID: payload.PatientID,
		Action:    action,
		Attempt:   attempt,
		Success:   success,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := d.emergencies.AppendAction(ctx, rec); err != nil {
		// The attempt already happened; a trail write failure must not
		// abort the escalation flow.
		d.logger.Error(err, "failed to append action record",
			"event_id", payload.EventID.String(), "action", string(action))
	}
}

func (d *Dispatcher) auditLog(ctx context.Context, payload *model.DispatchPayload, eventType string, detail json.RawMessage) {
	entry := &model.AuditLog{
		ID:        uuid.New(),
		EventID:   payload.EventID,
		PatientID: payload.PatientID,
		EventType: eventType,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := d.audits.Create(ctx, entry); err != nil {
		d.logger.Error(err, "failed to write audit log", "event_id", payload.EventID.String())
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseBackoff << (attempt - 1)
	if delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
