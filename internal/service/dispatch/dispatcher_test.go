package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectcare/emergency-api/internal/model"
	"github.com/connectcare/emergency-api/pkg/logger"
	"github.com/connectcare/emergency-api/pkg/metrics"
)

var (
	dispatchMetricsOnce sync.Once
	dispatchMetrics     *metrics.Metrics
)

func testMetricsInstance() *metrics.Metrics {
	dispatchMetricsOnce.Do(func() {
		dispatchMetrics = metrics.NewMetrics("test", "dispatch")
	})
	return dispatchMetrics
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ErrorLevel,
		TimeFormat: time.RFC3339,
		Output:     io.Discard,
	})
}

// scriptedAdapter fails with the scripted errors in order, then
// succeeds.
type scriptedAdapter struct {
	action   model.ActionType
	errs     []error
	attempts int
}

func (a *scriptedAdapter) Type() model.ActionType { return a.action }

func (a *scriptedAdapter) Attempt(_ context.Context, _ *model.DispatchPayload) (string, error) {
	a.attempts++
	if a.attempts <= len(a.errs) {
		return "", a.errs[a.attempts-1]
	}
	return fmt.Sprintf("delivered on attempt %d", a.attempts), nil
}

type trailStore struct {
	mu      sync.Mutex
	actions []*model.EmergencyAction
}

func (s *trailStore) Create(context.Context, *model.EmergencyRecord) error { return nil }
func (s *trailStore) Get(context.Context, uuid.UUID) (*model.EmergencyRecord, error) {
	return nil, nil
}
func (s *trailStore) GetActiveByPatient(context.Context, uuid.UUID) (*model.EmergencyRecord, error) {
	return nil, nil
}
func (s *trailStore) GetActiveByIdempotencyKey(context.Context, string) (*model.EmergencyRecord, error) {
	return nil, nil
}
func (s *trailStore) ListActive(context.Context) ([]*model.EmergencyRecord, error) { return nil, nil }
func (s *trailStore) CountActive(context.Context) (int64, error)                   { return 0, nil }
func (s *trailStore) UpdateStatus(context.Context, *model.EmergencyRecord, model.EmergencyStatus) error {
	return nil
}

func (s *trailStore) AppendAction(_ context.Context, action *model.EmergencyAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	return nil
}

func (s *trailStore) ListActions(context.Context, uuid.UUID) ([]*model.EmergencyAction, error) {
	return nil, nil
}
func (s *trailStore) ListAllActions(context.Context, int) ([]*model.EmergencyAction, error) {
	return nil, nil
}

type memQueue struct {
	mu      sync.Mutex
	queued  []*model.PendingAction
	markedP []uuid.UUID
	markedF []uuid.UUID
}

func (q *memQueue) Enqueue(_ context.Context, a *model.PendingAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = append(q.queued, a)
	return nil
}

func (q *memQueue) GetPendingWithLock(_ context.Context, limit int) ([]*model.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queued
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memQueue) MarkProcessed(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.markedP = append(q.markedP, id)
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, id uuid.UUID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.markedF = append(q.markedF, id)
	return nil
}

func (q *memQueue) RecordRetry(_ context.Context, id uuid.UUID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.queued {
		if a.ID == id {
			a.RetryCount++
		}
	}
	return nil
}

func (q *memQueue) CountPending(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queued)), nil
}

type auditSink struct {
	mu      sync.Mutex
	entries []*model.AuditLog
}

func (a *auditSink) Create(_ context.Context, log *model.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

func (a *auditSink) List(context.Context, map[string]interface{}) ([]*model.AuditLog, error) {
	return nil, nil
}
func (a *auditSink) Cleanup(context.Context, time.Time) (int64, error) { return 0, nil }

func testPayload() *model.DispatchPayload {
	return &model.DispatchPayload{
		EventID:        uuid.New(),
		PatientID:      uuid.New(),
		PatientName:    "Test Patient",
		CaretakerPhone: "+4915112345678",
		Message:        "EMERGENCY ALERT",
	}
}

func newTestDispatcher(adapters ...Adapter) (*Dispatcher, *trailStore, *memQueue, *auditSink, *[]time.Duration) {
	store := &trailStore{}
	queue := &memQueue{}
	audits := &auditSink{}

	d := NewDispatcher(Config{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  8 * time.Second,
	}, store, queue, audits, testLogger(), testMetricsInstance(), adapters...)

	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	return d, store, queue, audits, &slept
}

func TestDispatchSucceedsFirstAttempt(t *testing.T) {
	adapter := &scriptedAdapter{action: model.ActionCaretakerSMS}
	d, store, queue, _, slept := newTestDispatcher(adapter)

	res := d.Dispatch(context.Background(), model.ActionCaretakerSMS, testPayload())
	assert.True(t, res.Success)
	assert.False(t, res.Queued)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, *slept)
	assert.Empty(t, queue.queued)

	require.Len(t, store.actions, 1)
	assert.True(t, store.actions[0].Success)
	assert.Equal(t, 1, store.actions[0].Attempt)
}

func TestDispatchRetriesWithExponentialBackoff(t *testing.T) {
	adapter := &scriptedAdapter{
		action: model.ActionCaretakerSMS,
		errs:   []error{errors.New("gateway 502"), errors.New("gateway 502")},
	}
	d, store, _, _, slept := newTestDispatcher(adapter)

	res := d.Dispatch(context.Background(), model.ActionCaretakerSMS, testPayload())
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)

	// Every attempt, including the failed ones, lands in the trail.
	require.Len(t, store.actions, 3)
	assert.False(t, store.actions[0].Success)
	assert.False(t, store.actions[1].Success)
	assert.True(t, store.actions[2].Success)
}

func TestDispatchExhaustsRetries(t *testing.T) {
	adapter := &scriptedAdapter{
		action: model.ActionVoiceCall,
		errs: []error{
			errors.New("gateway 500"),
			errors.New("gateway 500"),
			errors.New("gateway 500"),
		},
	}
	d, store, queue, _, slept := newTestDispatcher(adapter)

	res := d.Dispatch(context.Background(), model.ActionVoiceCall, testPayload())
	assert.False(t, res.Success)
	assert.False(t, res.Queued, "a responsive but failing gateway is not queued")
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, *slept, 2, "no sleep after the final attempt")
	assert.Empty(t, queue.queued)
	assert.Len(t, store.actions, 3)
}

func TestBackoffCapsAtMax(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher()
	d.cfg = Config{MaxAttempts: 6, BaseBackoff: time.Second, MaxBackoff: 8 * time.Second}

	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, 8*time.Second, d.backoff(4))
	assert.Equal(t, 8*time.Second, d.backoff(5))
}

func TestUnreachableQueuesInsteadOfRetrying(t *testing.T) {
	adapter := &scriptedAdapter{
		action: model.ActionCaretakerSMS,
		errs:   []error{fmt.Errorf("%w: connection refused", ErrUnreachable)},
	}
	d, store, queue, audits, slept := newTestDispatcher(adapter)

	payload := testPayload()
	res := d.Dispatch(context.Background(), model.ActionCaretakerSMS, payload)
	assert.False(t, res.Success)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, res.Attempts, "no retries against a dead network")
	assert.Empty(t, *slept)

	require.Len(t, queue.queued, 1)
	assert.Equal(t, payload.EventID, queue.queued[0].EventID)
	assert.Equal(t, model.ActionCaretakerSMS, queue.queued[0].Action)

	// The failed attempt is on the trail, and the queueing is audited.
	require.Len(t, store.actions, 1)
	assert.False(t, store.actions[0].Success)
	require.Len(t, audits.entries, 1)
	assert.Equal(t, model.AuditDispatchQueued, audits.entries[0].EventType)
}

func TestDispatchUnknownAction(t *testing.T) {
	d, store, queue, _, _ := newTestDispatcher()

	res := d.Dispatch(context.Background(), model.ActionWhatsApp, testPayload())
	assert.False(t, res.Success)
	assert.False(t, res.Queued)
	assert.Empty(t, store.actions)
	assert.Empty(t, queue.queued)
}

func TestReplayPropagatesUnreachable(t *testing.T) {
	adapter := &scriptedAdapter{
		action: model.ActionCaretakerSMS,
		errs:   []error{fmt.Errorf("%w: connection refused", ErrUnreachable)},
	}
	d, _, _, _, _ := newTestDispatcher(adapter)

	payload := testPayload()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	pa := &model.PendingAction{
		ID:        uuid.New(),
		EventID:   payload.EventID,
		PatientID: payload.PatientID,
		Action:    model.ActionCaretakerSMS,
		Payload:   raw,
	}

	_, err = d.Replay(context.Background(), pa)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))

	// Connectivity back: the same action replays successfully.
	detail, err := d.Replay(context.Background(), pa)
	require.NoError(t, err)
	assert.Contains(t, detail, "delivered")
}
