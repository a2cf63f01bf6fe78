package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tokenguard/backend/internal/blockchain/erc4337"
	"tokenguard/backend/internal/blockchain/evm"
	"tokenguard/backend/internal/models"
)

// DeployTimeout bounds how long a deployment waits for inclusion
const DeployTimeout = 3 * time.Minute

// ChainWriter is the funded-transaction surface the deployment flow needs
type ChainWriter interface {
	HasSigner() bool
	IsContractDeployed(ctx context.Context, address common.Address) (bool, error)
	SignAndSendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
	WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// DeploymentService deploys smart-account bytecode on chain, paid by the
// backend's funded deployer key, never by the user. Deployments per owner
// are rate limited to protect the deployer's funds.
type DeploymentService struct {
	client  ChainWriter
	deriver *evm.AccountDeriver
	audit   AuditSink
	logger  *zap.Logger

	mu          sync.Mutex
	attempts    map[string][]time.Time
	maxPerOwner int
	window      time.Duration
	now         func() time.Time
}

// NewDeploymentService creates the deployment orchestrator. An absent
// deployer key disables the feature here, before any send is attempted.
func NewDeploymentService(
	client ChainWriter,
	deriver *evm.AccountDeriver,
	audit AuditSink,
	maxPerOwner int,
	window time.Duration,
	logger *zap.Logger,
) (*DeploymentService, error) {
	if !client.HasSigner() {
		return nil, fmt.Errorf("%w: deployer key required for account deployment", erc4337.ErrMissingConfig)
	}

	return &DeploymentService{
		client:      client,
		deriver:     deriver,
		audit:       audit,
		logger:      logger.Named("deploy"),
		attempts:    make(map[string][]time.Time),
		maxPerOwner: maxPerOwner,
		window:      window,
		now:         time.Now,
	}, nil
}

// DeployAccount deploys the account for owner at the derived address.
// The caller-supplied account address must match re-derivation; an account
// that already has bytecode is an error, not a no-op, because it means the
// caller's view is stale.
func (s *DeploymentService) DeployAccount(ctx context.Context, owner, account common.Address) (*models.DeploymentResult, error) {
	ok, err := s.deriver.VerifyAccountAddress(account, owner)
	if err != nil {
		return nil, fmt.Errorf("account derivation failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: owner %s, supplied account %s",
			erc4337.ErrAddressMismatch, owner.Hex(), account.Hex())
	}

	deployed, err := s.client.IsContractDeployed(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to check account bytecode: %w", err)
	}
	if deployed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDeployed, account.Hex())
	}

	if !s.allow(owner) {
		s.emitAudit(ctx, owner, account, "failed", nil, "deployment rate limit exceeded")
		return nil, fmt.Errorf("%w: %s", ErrDeployRateLimited, owner.Hex())
	}

	calldata, err := s.deriver.DeployCalldata(owner)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Deploying smart account",
		zap.String("owner", owner.Hex()),
		zap.String("account", account.Hex()))

	txHash, err := s.client.SignAndSendTransaction(ctx, s.deriver.Factory(), calldata, big.NewInt(0))
	if err != nil {
		s.emitAudit(ctx, owner, account, "failed", nil, fmt.Sprintf("factory call not sent: %v", err))
		return nil, fmt.Errorf("failed to send deployment transaction: %w", err)
	}

	receipt, err := s.client.WaitForTransaction(ctx, txHash, DeployTimeout)
	if err != nil {
		s.emitAudit(ctx, owner, account, "failed", &txHash, fmt.Sprintf("factory call failed: %v", err))
		return nil, fmt.Errorf("deployment transaction failed: %w", err)
	}

	// Receipt status alone is not proof the account exists; re-check the
	// bytecode before reporting success.
	deployed, err = s.client.IsContractDeployed(ctx, account)
	if err != nil {
		s.emitAudit(ctx, owner, account, "failed", &txHash, "post-deployment bytecode check failed")
		return nil, fmt.Errorf("failed to verify deployment: %w", err)
	}
	if !deployed {
		s.emitAudit(ctx, owner, account, "failed", &txHash, "transaction mined but account bytecode missing")
		return nil, fmt.Errorf("transaction %s mined but no bytecode at %s", txHash.Hex(), account.Hex())
	}

	result := &models.DeploymentResult{
		TxHash:      txHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}

	s.logger.Info("Smart account deployed",
		zap.String("account", account.Hex()),
		zap.String("tx_hash", result.TxHash),
		zap.Uint64("block_number", result.BlockNumber),
		zap.Uint64("gas_used", result.GasUsed))

	s.emitAuditSuccess(ctx, owner, account, result)
	return result, nil
}

// allow records one deployment attempt for the owner unless the owner
// already has maxPerOwner attempts inside the sliding window. Expired
// attempts are pruned on each call, so an owner regains capacity only as
// old attempts age out of the window.
func (s *DeploymentService) allow(owner common.Address) bool {
	key := owner.Hex()
	now := s.now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	recent := s.attempts[key][:0]
	for _, at := range s.attempts[key] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}

	if len(recent) >= s.maxPerOwner {
		s.attempts[key] = recent
		return false
	}

	s.attempts[key] = append(recent, now)
	return true
}

func (s *DeploymentService) emitAuditSuccess(ctx context.Context, owner, account common.Address, result *models.DeploymentResult) {
	if s.audit == nil {
		return
	}

	block := int64(result.BlockNumber)
	details, _ := json.Marshal(map[string]any{
		"account":  account.Hex(),
		"gas_used": result.GasUsed,
	})

	record := &models.AuditRecord{
		RecordID:     uuid.NewString(),
		OwnerAddress: owner.Hex(),
		Action:       models.ActionAccountDeployed,
		Status:       "success",
		TxHash:       &result.TxHash,
		BlockNumber:  &block,
		Details:      string(details),
	}
	if err := s.audit.Record(ctx, record); err != nil {
		s.logger.Warn("Audit record not persisted", zap.String("record_id", record.RecordID))
	}
}

func (s *DeploymentService) emitAudit(ctx context.Context, owner, account common.Address, status string, txHash *common.Hash, reason string) {
	if s.audit == nil {
		return
	}

	details, _ := json.Marshal(map[string]string{
		"account": account.Hex(),
		"reason":  reason,
	})

	record := &models.AuditRecord{
		RecordID:     uuid.NewString(),
		OwnerAddress: owner.Hex(),
		Action:       models.ActionAccountDeployed,
		Status:       status,
		Details:      string(details),
	}
	if txHash != nil {
		hash := txHash.Hex()
		record.TxHash = &hash
	}
	if err := s.audit.Record(ctx, record); err != nil {
		s.logger.Warn("Audit record not persisted", zap.String("record_id", record.RecordID))
	}
}
