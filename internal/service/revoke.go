package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tokenguard/backend/internal/blockchain/erc4337"
	"tokenguard/backend/internal/models"
)

// AllowanceReader reads the live on-chain allowance; the single source of
// truth for whether an approval is still in effect
type AllowanceReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// RevokeOpBuilder assembles a signed, sponsored revoke operation
type RevokeOpBuilder interface {
	BuildRevokeOp(ctx context.Context, p erc4337.BuildParams) (*erc4337.UserOperation, error)
}

// Gateway submits operations to the sponsoring network and tracks them to
// inclusion
type Gateway interface {
	SendUserOperation(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, error)
	WaitForReceipt(ctx context.Context, opHash common.Hash, timeout time.Duration) (*erc4337.UserOperationReceipt, error)
}

// RevokeParams identifies one approval to revoke
type RevokeParams struct {
	Token   common.Address
	Spender common.Address
	Owner   common.Address
	Account common.Address
}

// RevokeService walks one revoke attempt through a linear state machine:
// check allowance, build, submit, await inclusion, verify allowance. It
// keeps no state across invocations beyond the in-flight de-duplication
// set, which collapses concurrent attempts for the same approval.
type RevokeService struct {
	allowance        AllowanceReader
	builder          RevokeOpBuilder
	gateway          Gateway
	audit            AuditSink
	entryPoint       common.Address
	inclusionTimeout time.Duration
	logger           *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewRevokeService creates the revoke orchestrator
func NewRevokeService(
	allowance AllowanceReader,
	builder RevokeOpBuilder,
	gateway Gateway,
	audit AuditSink,
	entryPoint common.Address,
	inclusionTimeout time.Duration,
	logger *zap.Logger,
) *RevokeService {
	return &RevokeService{
		allowance:        allowance,
		builder:          builder,
		gateway:          gateway,
		audit:            audit,
		entryPoint:       entryPoint,
		inclusionTimeout: inclusionTimeout,
		logger:           logger.Named("revoke"),
		inFlight:         make(map[string]struct{}),
	}
}

// ExecuteRevoke runs one revoke attempt. Automatic and manual triggers
// both enter here so their behavior is identical. The result is always
// populated; the error carries the typed cause for non-success outcomes.
func (s *RevokeService) ExecuteRevoke(ctx context.Context, p RevokeParams) (*models.RevokeResult, error) {
	result := &models.RevokeResult{
		AttemptID:     uuid.NewString(),
		OperationHash: (common.Hash{}).Hex(),
		Status:        models.RevokeStatusFailed,
	}

	key := inFlightKey(p)
	if !s.begin(key) {
		result.Status = models.RevokeStatusPending
		result.Reason = "another revoke for this approval is already in flight"
		return result, ErrRevokeInFlight
	}
	defer s.end(key)

	s.logger.Info("Revoke started",
		zap.String("attempt_id", result.AttemptID),
		zap.String("token", p.Token.Hex()),
		zap.String("spender", p.Spender.Hex()),
		zap.String("account", p.Account.Hex()))

	// CheckingAllowance: a failed read must surface as a failure, never
	// as an implicit zero.
	current, err := s.allowance.Allowance(ctx, p.Token, p.Account, p.Spender)
	if err != nil {
		result.Reason = "allowance check failed"
		return s.finish(ctx, p, result, err)
	}

	// AlreadyZero: nothing to revoke, and the network should never be
	// charged for a redundant write. The zero operation hash marks the
	// short circuit.
	if current.Sign() == 0 {
		result.Status = models.RevokeStatusConfirmed
		result.Reason = "allowance already zero"
		return s.finish(ctx, p, result, nil)
	}

	// Building: integrity and configuration failures abort here, before
	// the network is ever reached.
	op, err := s.builder.BuildRevokeOp(ctx, erc4337.BuildParams{
		Account: p.Account,
		Owner:   p.Owner,
		Token:   p.Token,
		Spender: p.Spender,
	})
	if err != nil {
		result.Reason = buildFailureReason(err)
		return s.finish(ctx, p, result, err)
	}

	// Submitting
	opHash, err := s.gateway.SendUserOperation(ctx, op, s.entryPoint)
	if err != nil {
		result.Reason = submitFailureReason(err)
		return s.finish(ctx, p, result, err)
	}
	result.OperationHash = opHash.Hex()

	// AwaitingInclusion: a timeout leaves the operation pending on the
	// network, so the outcome is pending, not failed.
	receipt, err := s.gateway.WaitForReceipt(ctx, opHash, s.inclusionTimeout)
	if err != nil {
		if errors.Is(err, erc4337.ErrInclusionTimeout) {
			result.Status = models.RevokeStatusPending
			result.Reason = "operation not yet included, re-poll later"
		} else {
			result.Reason = "inclusion wait failed"
		}
		return s.finish(ctx, p, result, err)
	}

	txHash := receipt.Receipt.TransactionHash.Hex()
	result.TxHash = &txHash
	if receipt.Receipt.BlockNumber != nil {
		block := receipt.Receipt.BlockNumber.ToInt().Uint64()
		result.BlockNumber = &block
	}

	if !receipt.Success {
		result.Reason = "operation included but the revoke call reverted"
		return s.finish(ctx, p, result, fmt.Errorf("%w: op %s", ErrVerificationMismatch, opHash.Hex()))
	}

	// VerifyingAllowance: inclusion alone is not success. Only a fresh
	// zero read confirms the revoke took effect.
	remaining, err := s.allowance.Allowance(ctx, p.Token, p.Account, p.Spender)
	if err != nil {
		result.Reason = "verification read failed"
		return s.finish(ctx, p, result, err)
	}
	if remaining.Sign() != 0 {
		result.Reason = fmt.Sprintf("inclusion succeeded but allowance is still %s", remaining.String())
		return s.finish(ctx, p, result, fmt.Errorf("%w: remaining allowance %s", ErrVerificationMismatch, remaining.String()))
	}

	result.Status = models.RevokeStatusConfirmed
	result.Reason = "allowance revoked"
	return s.finish(ctx, p, result, nil)
}

// finish emits the audit record for a terminal state and logs the outcome
func (s *RevokeService) finish(ctx context.Context, p RevokeParams, result *models.RevokeResult, cause error) (*models.RevokeResult, error) {
	switch result.Status {
	case models.RevokeStatusConfirmed:
		s.logger.Info("Revoke finished",
			zap.String("attempt_id", result.AttemptID),
			zap.String("reason", result.Reason))
	case models.RevokeStatusPending:
		s.logger.Warn("Revoke pending",
			zap.String("attempt_id", result.AttemptID),
			zap.String("op_hash", result.OperationHash))
	default:
		s.logger.Error("Revoke failed",
			zap.String("attempt_id", result.AttemptID),
			zap.String("reason", result.Reason),
			zap.Error(cause))
	}

	s.emitAudit(ctx, p, result)
	return result, cause
}

func (s *RevokeService) emitAudit(ctx context.Context, p RevokeParams, result *models.RevokeResult) {
	if s.audit == nil {
		return
	}

	details, err := json.Marshal(map[string]string{
		"token":   p.Token.Hex(),
		"spender": p.Spender.Hex(),
		"account": p.Account.Hex(),
		"reason":  result.Reason,
	})
	if err != nil {
		details = []byte("{}")
	}

	record := &models.AuditRecord{
		RecordID:     result.AttemptID,
		OwnerAddress: p.Owner.Hex(),
		Action:       models.ActionRevokeApproval,
		Status:       auditStatus(result.Status),
		Details:      string(details),
	}
	if result.OperationHash != (common.Hash{}).Hex() {
		record.OpHash = &result.OperationHash
	}
	record.TxHash = result.TxHash
	if result.BlockNumber != nil {
		block := int64(*result.BlockNumber)
		record.BlockNumber = &block
	}

	if err := s.audit.Record(ctx, record); err != nil {
		s.logger.Warn("Audit record not persisted", zap.String("attempt_id", result.AttemptID))
	}
}

func (s *RevokeService) begin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inFlight[key]; exists {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *RevokeService) end(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

func inFlightKey(p RevokeParams) string {
	return strings.ToLower(p.Account.Hex() + "|" + p.Token.Hex() + "|" + p.Spender.Hex())
}

func auditStatus(status models.RevokeStatus) string {
	switch status {
	case models.RevokeStatusConfirmed:
		return "success"
	case models.RevokeStatusPending:
		return "pending"
	default:
		return "failed"
	}
}

// buildFailureReason maps builder errors to user-facing reasons
func buildFailureReason(err error) string {
	switch {
	case errors.Is(err, erc4337.ErrAddressMismatch):
		return "account address does not match derivation, revoke aborted"
	case errors.Is(err, erc4337.ErrMissingConfig):
		return "revoke pipeline not configured"
	default:
		return "failed to build revoke operation"
	}
}

// submitFailureReason maps gateway rejections to actionable guidance
func submitFailureReason(err error) string {
	switch {
	case errors.Is(err, erc4337.ErrPaymasterRejected):
		return "gas sponsorship unavailable"
	case errors.Is(err, erc4337.ErrBundlerRejected):
		return "submission rejected by bundler"
	default:
		return "bundler unreachable, retry later"
	}
}
