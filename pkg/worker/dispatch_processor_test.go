package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectcare/emergency-api/internal/model"
	"github.com/connectcare/emergency-api/internal/service/dispatch"
	"github.com/connectcare/emergency-api/pkg/logger"
	"github.com/connectcare/emergency-api/pkg/metrics"
)

var (
	workerMetricsOnce sync.Once
	workerMetrics     *metrics.Metrics
)

func testMetricsInstance() *metrics.Metrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = metrics.NewMetrics("test", "dispatch_worker")
	})
	return workerMetrics
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ErrorLevel,
		TimeFormat: time.RFC3339,
		Output:     io.Discard,
	})
}

// scriptedAdapter returns the scripted errors in call order, then
// succeeds.
type scriptedAdapter struct {
	action   model.ActionType
	errs     []error
	attempts int
}

func (a *scriptedAdapter) Type() model.ActionType { return a.action }

func (a *scriptedAdapter) Attempt(context.Context, *model.DispatchPayload) (string, error) {
	a.attempts++
	if a.attempts <= len(a.errs) {
		return "", a.errs[a.attempts-1]
	}
	return "delivered", nil
}

type nullStore struct{}

func (nullStore) Create(context.Context, *model.EmergencyRecord) error { return nil }
func (nullStore) Get(context.Context, uuid.UUID) (*model.EmergencyRecord, error) {
	return nil, nil
}
func (nullStore) GetActiveByPatient(context.Context, uuid.UUID) (*model.EmergencyRecord, error) {
	return nil, nil
}
func (nullStore) GetActiveByIdempotencyKey(context.Context, string) (*model.EmergencyRecord, error) {
	return nil, nil
}
func (nullStore) ListActive(context.Context) ([]*model.EmergencyRecord, error) { return nil, nil }
func (nullStore) CountActive(context.Context) (int64, error)                   { return 0, nil }
func (nullStore) UpdateStatus(context.Context, *model.EmergencyRecord, model.EmergencyStatus) error {
	return nil
}
func (nullStore) AppendAction(context.Context, *model.EmergencyAction) error { return nil }
func (nullStore) ListActions(context.Context, uuid.UUID) ([]*model.EmergencyAction, error) {
	return nil, nil
}
func (nullStore) ListAllActions(context.Context, int) ([]*model.EmergencyAction, error) {
	return nil, nil
}

type nullAudit struct{}

func (nullAudit) Create(context.Context, *model.AuditLog) error { return nil }
func (nullAudit) List(context.Context, map[string]interface{}) ([]*model.AuditLog, error) {
	return nil, nil
}
func (nullAudit) Cleanup(context.Context, time.Time) (int64, error) { return 0, nil }

// orderedQueue keeps actions in enqueue order and tracks status changes
// the way pending_actions does.
type orderedQueue struct {
	mu      sync.Mutex
	actions []*model.PendingAction
}

func (q *orderedQueue) Enqueue(_ context.Context, a *model.PendingAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *a
	if cp.Status == "" {
		cp.Status = model.PendingActionStatusPending
	}
	q.actions = append(q.actions, &cp)
	return nil
}

func (q *orderedQueue) GetPendingWithLock(_ context.Context, limit int) ([]*model.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*model.PendingAction
	for _, a := range q.actions {
		if a.Status == model.PendingActionStatusPending {
			cp := *a
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (q *orderedQueue) MarkProcessed(_ context.Context, id uuid.UUID) error {
	return q.setStatus(id, model.PendingActionStatusProcessed)
}

func (q *orderedQueue) MarkFailed(_ context.Context, id uuid.UUID, _ string) error {
	return q.setStatus(id, model.PendingActionStatusFailed)
}

func (q *orderedQueue) RecordRetry(_ context.Context, id uuid.UUID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.ID == id {
			a.RetryCount++
			return nil
		}
	}
	return fmt.Errorf("unknown action %s", id)
}

func (q *orderedQueue) CountPending(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, a := range q.actions {
		if a.Status == model.PendingActionStatusPending {
			n++
		}
	}
	return n, nil
}

func (q *orderedQueue) setStatus(id uuid.UUID, status model.PendingActionStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.ID == id {
			a.Status = status
			return nil
		}
	}
	return fmt.Errorf("unknown action %s", id)
}

func (q *orderedQueue) statuses() []model.PendingActionStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.PendingActionStatus, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, a.Status)
	}
	return out
}

func queuedAction(action model.ActionType) *model.PendingAction {
	payload, _ := json.Marshal(&model.DispatchPayload{
		EventID:   uuid.New(),
		PatientID: uuid.New(),
		Message:   "EMERGENCY ALERT",
	})
	return &model.PendingAction{
		ID:      uuid.New(),
		EventID: uuid.New(),
		Action:  action,
		Payload: payload,
	}
}

func newTestProcessor(queue *orderedQueue, adapters ...dispatch.Adapter) *DispatchProcessor {
	d := dispatch.NewDispatcher(dispatch.Config{MaxAttempts: 3}, nullStore{}, queue, nullAudit{},
		testLogger(), testMetricsInstance(), adapters...)
	return NewDispatchProcessor(queue, d, nil, DispatchProcessorConfig{BatchSize: 10}, testLogger(), testMetricsInstance())
}

func TestDrainDeliversInOrder(t *testing.T) {
	queue := &orderedQueue{}
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, queuedAction(model.ActionCaretakerSMS)))
	require.NoError(t, queue.Enqueue(ctx, queuedAction(model.ActionCaretakerSMS)))

	p := newTestProcessor(queue, &scriptedAdapter{action: model.ActionCaretakerSMS})
	require.NoError(t, p.drain(ctx))

	assert.Equal(t, []model.PendingActionStatus{
		model.PendingActionStatusProcessed,
		model.PendingActionStatusProcessed,
	}, queue.statuses())
}

func TestDrainStopsWhileStillUnreachable(t *testing.T) {
	queue := &orderedQueue{}
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, queuedAction(model.ActionCaretakerSMS)))
	require.NoError(t, queue.Enqueue(ctx, queuedAction(model.ActionCaretakerSMS)))

	adapter := &scriptedAdapter{
		action: model.ActionCaretakerSMS,
		errs:   []error{fmt.Errorf("%w: connection refused", dispatch.ErrUnreachable)},
	}
	p := newTestProcessor(queue, adapter)

	require.NoError(t, p.drain(ctx))
	assert.Equal(t, 1, adapter.attempts, "drain stops at the first unreachable replay")
	assert.Equal(t, []model.PendingActionStatus{
		model.PendingActionStatusPending,
		model.PendingActionStatusPending,
	}, queue.statuses(), "both actions keep their place in line")

	// Network back: the next pass delivers both, oldest first.
	require.NoError(t, p.drain(ctx))
	assert.Equal(t, []model.PendingActionStatus{
		model.PendingActionStatusProcessed,
		model.PendingActionStatusProcessed,
	}, queue.statuses())
}

func TestDrainRetriesThenFailsPermanently(t *testing.T) {
	queue := &orderedQueue{}
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, queuedAction(model.ActionCaretakerSMS)))

	// A gateway that answers but keeps rejecting is not "unreachable";
	// it burns retries until the policy ceiling marks it failed.
	adapter := &scriptedAdapter{
		action: model.ActionCaretakerSMS,
		errs: []error{
			fmt.Errorf("gateway 500"),
			fmt.Errorf("gateway 500"),
			fmt.Errorf("gateway 500"),
		},
	}
	p := newTestProcessor(queue, adapter)

	require.NoError(t, p.drain(ctx))
	assert.Equal(t, []model.PendingActionStatus{model.PendingActionStatusPending}, queue.statuses())

	require.NoError(t, p.drain(ctx))
	assert.Equal(t, []model.PendingActionStatus{model.PendingActionStatusPending}, queue.statuses())

	// Third failure hits MaxAttempts.
	require.NoError(t, p.drain(ctx))
	assert.Equal(t, []model.PendingActionStatus{model.PendingActionStatusFailed}, queue.statuses())
}
