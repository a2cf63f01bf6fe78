package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"tokenguard/backend/internal/models"
	"tokenguard/backend/internal/service"
)

// Executor drives queued approval events through the revoke orchestrator
type Executor struct {
	manager *WorkerManager
	logger  *zap.Logger
}

// NewExecutor creates a new event executor
func NewExecutor(manager *WorkerManager) *Executor {
	return &Executor{
		manager: manager,
		logger:  manager.logger.Named("executor"),
	}
}

// Run starts the executor loop
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info("Executor started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Executor stopping")
			return
		case event, ok := <-e.manager.monitor.readyEvents:
			if !ok {
				e.logger.Info("Event channel closed, executor stopping")
				return
			}
			e.handleEvent(ctx, event)
		}
	}
}

// handleEvent runs one revoke attempt for a queued approval event
func (e *Executor) handleEvent(ctx context.Context, event *models.ApprovalEvent) {
	e.logger.Info("Handling approval event",
		zap.String("event_id", event.EventID),
		zap.Int("risk_score", event.RiskScore))

	if err := e.manager.db.UpdateApprovalEventStatus(ctx, event.ID, models.EventStatusRevoking); err != nil {
		e.logger.Error("Failed to mark event revoking",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return
	}

	owner := common.HexToAddress(event.OwnerAddress)
	account := common.HexToAddress(event.AccountAddress)
	if event.AccountAddress == "" {
		derived, err := e.manager.deriver.ComputeAccountAddress(owner)
		if err != nil {
			e.handleError(ctx, event, err)
			return
		}
		account = derived
	}

	revokeCtx, cancel := context.WithTimeout(ctx, RevokeTimeout)
	defer cancel()

	result, err := e.manager.revoker.ExecuteRevoke(revokeCtx, service.RevokeParams{
		Token:   common.HexToAddress(event.TokenAddress),
		Spender: common.HexToAddress(event.SpenderAddress),
		Owner:   owner,
		Account: account,
	})

	// A concurrent attempt for the same approval is already running; put
	// the event back without burning a retry.
	if errors.Is(err, service.ErrRevokeInFlight) {
		e.logger.Info("Revoke already in flight, requeueing event",
			zap.String("event_id", event.EventID))
		if dbErr := e.manager.db.UpdateApprovalEventStatus(ctx, event.ID, models.EventStatusPending); dbErr != nil {
			e.logger.Error("Failed to requeue event", zap.Error(dbErr))
		}
		return
	}

	if result == nil {
		e.handleError(ctx, event, err)
		return
	}

	switch result.Status {
	case models.RevokeStatusConfirmed:
		if dbErr := e.manager.db.RecordEventRevokeOutcome(ctx, event.ID, models.EventStatusRevoked, result.OperationHash, ""); dbErr != nil {
			e.logger.Error("Failed to record revoke outcome", zap.Error(dbErr))
			return
		}
		e.logger.Info("Approval revoked",
			zap.String("event_id", event.EventID),
			zap.String("op_hash", result.OperationHash))

	case models.RevokeStatusPending:
		// The operation may still land; the event goes back to the queue
		// so the next poll cycle re-checks the live allowance.
		e.requeue(ctx, event, result.Reason)

	default:
		e.handleError(ctx, event, err)
	}
}

// requeue sends a pending event back through the retry budget
func (e *Executor) requeue(ctx context.Context, event *models.ApprovalEvent, reason string) {
	retries, err := e.manager.db.IncrementEventRetry(ctx, event.ID)
	if err != nil {
		e.logger.Error("Failed to increment retry count", zap.Error(err))
		return
	}

	if retries >= MaxRetries {
		e.logger.Error("Retry budget exhausted, marking event failed",
			zap.String("event_id", event.EventID),
			zap.Int("retry_count", retries))
		if dbErr := e.manager.db.RecordEventRevokeOutcome(ctx, event.ID, models.EventStatusFailed, "", reason); dbErr != nil {
			e.logger.Error("Failed to mark event failed", zap.Error(dbErr))
		}
		return
	}

	if err := e.manager.db.UpdateApprovalEventStatus(ctx, event.ID, models.EventStatusPending); err != nil {
		e.logger.Error("Failed to requeue event", zap.Error(err))
		return
	}

	delay := BaseRetryDelay * time.Duration(1<<uint(retries))
	e.logger.Info("Event scheduled for retry",
		zap.String("event_id", event.EventID),
		zap.Duration("backoff_delay", delay),
		zap.Int("attempt", retries))

	// Event is picked up again on the next poll cycle
}

// handleError records a failed attempt and applies the retry budget
func (e *Executor) handleError(ctx context.Context, event *models.ApprovalEvent, execErr error) {
	e.logger.Error("Revoke attempt failed",
		zap.String("event_id", event.EventID),
		zap.Int("retry_count", event.RetryCount),
		zap.Error(execErr))

	retries, err := e.manager.db.IncrementEventRetry(ctx, event.ID)
	if err != nil {
		e.logger.Error("Failed to increment retry count", zap.Error(err))
		return
	}

	message := ""
	if execErr != nil {
		message = execErr.Error()
	}

	if retries >= MaxRetries {
		e.logger.Error("Max retries exceeded, marking event failed",
			zap.String("event_id", event.EventID),
			zap.Int("retry_count", retries))
		if dbErr := e.manager.db.RecordEventRevokeOutcome(ctx, event.ID, models.EventStatusFailed, "", message); dbErr != nil {
			e.logger.Error("Failed to mark event failed", zap.Error(dbErr))
		}
		return
	}

	if dbErr := e.manager.db.RecordEventRevokeOutcome(ctx, event.ID, models.EventStatusPending, "", message); dbErr != nil {
		e.logger.Error("Failed to requeue event", zap.Error(dbErr))
		return
	}

	delay := BaseRetryDelay * time.Duration(1<<uint(retries))
	e.logger.Info("Event scheduled for retry",
		zap.String("event_id", event.EventID),
		zap.Duration("backoff_delay", delay),
		zap.Int("attempt", retries))
}
