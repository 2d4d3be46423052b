package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/connectcare/emergency-api/internal/repository"
	"github.com/connectcare/emergency-api/internal/service/dispatch"
	"github.com/connectcare/emergency-api/pkg/logger"
	"github.com/connectcare/emergency-api/pkg/messaging"
	"github.com/connectcare/emergency-api/pkg/metrics"
)

type DispatchProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// DispatchProcessor drains pending_actions: dispatches that were queued
// because the network was unreachable. It polls on a ticker and drains
// immediately on a reconnect signal, preserving original queue order and
// stopping the pass as soon as the network proves to still be down.
type DispatchProcessor struct {
	repo       repository.PendingActionRepository
	dispatcher *dispatch.Dispatcher
	broker     messaging.Broker
	config     DispatchProcessorConfig
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewDispatchProcessor(
	repo repository.PendingActionRepository,
	dispatcher *dispatch.Dispatcher,
	broker messaging.Broker,
	config DispatchProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *DispatchProcessor {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}

	return &DispatchProcessor{
		repo:       repo,
		dispatcher: dispatcher,
		broker:     broker,
		config:     config,
		logger:     logger,
		metrics:    metrics,
	}
}

func (p *DispatchProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("starting dispatch processor")

	var reconnect <-chan []byte
	if p.broker != nil {
		ch, err := p.broker.Subscribe(ctx, messaging.ChannelReconnect)
		if err != nil {
			p.logger.Error(err, "failed to subscribe to reconnect channel")
		} else {
			reconnect = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("shutting down dispatch processor")
			return
		case <-ticker.C:
			if err := p.drain(ctx); err != nil {
				p.logger.Error(err, "failed to drain pending actions")
			}
		case _, ok := <-reconnect:
			if !ok {
				reconnect = nil
				continue
			}
			p.logger.Info("reconnect signal received, draining pending actions")
			if err := p.drain(ctx); err != nil {
				p.logger.Error(err, "failed to drain pending actions")
			}
		}
	}
}

func (p *DispatchProcessor) drain(ctx context.Context) error {
	actions, err := p.repo.GetPendingWithLock(ctx, p.config.BatchSize)
	if err != nil {
		p.metrics.DatabaseOperations.WithLabelValues("get_pending_actions", "error").Inc()
		return fmt.Errorf("failed to get pending actions: %w", err)
	}
	p.metrics.DatabaseOperations.WithLabelValues("get_pending_actions", "success").Inc()

	for _, action := range actions {
		detail, err := p.dispatcher.Replay(ctx, action)
		if err == nil {
			p.metrics.PendingProcessed.Inc()
			p.metrics.PendingQueueSize.Dec()
			if mErr := p.repo.MarkProcessed(ctx, action.ID); mErr != nil {
				p.logger.Error(mErr, "failed to mark pending action processed",
					"action_id", action.ID.String())
			}
			p.logger.Info("pending action delivered",
				"action_id", action.ID.String(),
				"action", string(action.Action),
				"detail", detail)
			continue
		}

		if errors.Is(err, dispatch.ErrUnreachable) {
			// Still offline. Stop the pass so later actions keep their
			// place in line.
			p.logger.Warn("network still unreachable, pausing drain",
				"action_id", action.ID.String())
			return nil
		}

		if action.RetryCount+1 >= p.dispatcher.MaxAttempts() {
			p.metrics.PendingFailed.Inc()
			p.metrics.PendingQueueSize.Dec()
			if mErr := p.repo.MarkFailed(ctx, action.ID, err.Error()); mErr != nil {
				p.logger.Error(mErr, "failed to mark pending action failed",
					"action_id", action.ID.String())
			}
			continue
		}

		// Leave it PENDING for the next pass; record the attempt.
		if mErr := p.repo.RecordRetry(ctx, action.ID, err.Error()); mErr != nil {
			p.logger.Error(mErr, "failed to record pending action error",
				"action_id", action.ID.String())
		}
	}

	count, err := p.repo.CountPending(ctx)
	if err == nil {
		p.metrics.PendingQueueSize.Set(float64(count))
	}
	return nil
}
