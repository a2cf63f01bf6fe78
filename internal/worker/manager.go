package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tokenguard/backend/internal/blockchain/evm"
	"tokenguard/backend/internal/config"
	"tokenguard/backend/internal/database"
	"tokenguard/backend/internal/service"
)

// Constants for worker configuration
const (
	DefaultPollInterval = 30 * time.Second
	MaxRetries          = 3
	BaseRetryDelay      = 5 * time.Second
	MonitorTimeout      = 30 * time.Second
	RevokeTimeout       = 2 * time.Minute
)

// WorkerManager orchestrates the background workers that turn scored
// approval events into revoke attempts
type WorkerManager struct {
	db     *database.DB
	cfg    *config.Config
	logger *zap.Logger

	// Services
	revoker service.Revoker
	risk    *service.RiskService
	deriver *evm.AccountDeriver

	// Worker components
	monitor  *Monitor
	executor *Executor

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerManager creates a new worker manager with all required dependencies
func NewWorkerManager(
	db *database.DB,
	cfg *config.Config,
	revoker service.Revoker,
	risk *service.RiskService,
	deriver *evm.AccountDeriver,
	logger *zap.Logger,
) (*WorkerManager, error) {
	if revoker == nil {
		return nil, fmt.Errorf("worker manager requires a revoke orchestrator")
	}
	if risk == nil {
		return nil, fmt.Errorf("worker manager requires the risk service")
	}

	ctx, cancel := context.WithCancel(context.Background())

	wm := &WorkerManager{
		db:      db,
		cfg:     cfg,
		logger:  logger.Named("worker"),
		revoker: revoker,
		risk:    risk,
		deriver: deriver,
		ctx:     ctx,
		cancel:  cancel,
	}

	wm.monitor = NewMonitor(wm)
	wm.executor = NewExecutor(wm)

	return wm, nil
}

// Start starts all worker goroutines
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Duration("poll_interval", DefaultPollInterval),
		zap.Int("risk_threshold", wm.cfg.Risk.RiskThreshold),
		zap.Bool("auto_revoke", wm.cfg.Risk.AutoRevokeEnabled))

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.monitor.Run(wm.ctx)
	}()

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.executor.Run(wm.ctx)
	}()

	wm.logger.Info("Worker manager started")
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	wm.cancel()

	done := make(chan struct{})
	go func() {
		wm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
	}

	wm.logger.Info("Worker manager shutdown complete")
	return nil
}
