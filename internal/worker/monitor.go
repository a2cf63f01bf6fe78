package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tokenguard/backend/internal/models"
	"tokenguard/backend/internal/service"
)

// Monitor polls the event queue for scored approvals and feeds the ones
// that cross the risk gate to the executor
type Monitor struct {
	manager *WorkerManager
	logger  *zap.Logger

	// Channel to send events ready for revocation
	readyEvents chan *models.ApprovalEvent
}

// NewMonitor creates a new approval event monitor
func NewMonitor(manager *WorkerManager) *Monitor {
	return &Monitor{
		manager:     manager,
		logger:      manager.logger.Named("monitor"),
		readyEvents: make(chan *models.ApprovalEvent, 100),
	}
}

// Run starts the monitor polling loop
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Monitor started",
		zap.Duration("poll_interval", DefaultPollInterval))

	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	// Initial poll
	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			close(m.readyEvents)
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll executes one polling cycle
func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, MonitorTimeout)
	defer cancel()

	m.checkPendingEvents(pollCtx)
}

// checkPendingEvents scans PENDING approval events, marks the ones that
// stay below the risk gate as IGNORED, and queues the rest for the
// executor. Events the gate skips today are never rescanned; a fresh
// signal for the same approval arrives as a new event.
func (m *Monitor) checkPendingEvents(ctx context.Context) {
	events, err := m.manager.db.GetApprovalEventsByStatus(ctx, models.EventStatusPending)
	if err != nil {
		m.logger.Error("Failed to get pending approval events", zap.Error(err))
		return
	}

	if len(events) == 0 {
		return
	}

	m.logger.Debug("Checking pending approval events", zap.Int("count", len(events)))

	for i := range events {
		event := &events[i]

		select {
		case <-ctx.Done():
			return
		default:
		}

		sig := service.RiskSignal{
			EventID:        event.EventID,
			TokenAddress:   event.TokenAddress,
			SpenderAddress: event.SpenderAddress,
			OwnerAddress:   event.OwnerAddress,
			RiskScore:      event.RiskScore,
		}

		if !m.manager.risk.ShouldAutoRevoke(sig) {
			if err := m.manager.db.UpdateApprovalEventStatus(ctx, event.ID, models.EventStatusIgnored); err != nil {
				m.logger.Error("Failed to mark event ignored",
					zap.String("event_id", event.EventID),
					zap.Error(err))
			}
			continue
		}

		m.logger.Info("High-risk approval detected, queueing revoke",
			zap.String("event_id", event.EventID),
			zap.Int("risk_score", event.RiskScore),
			zap.String("token", event.TokenAddress),
			zap.String("spender", event.SpenderAddress))

		select {
		case m.readyEvents <- event:
		case <-ctx.Done():
			return
		default:
			m.logger.Warn("Executor channel full, skipping event",
				zap.String("event_id", event.EventID))
		}
	}
}
