package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"tokenguard/backend/internal/blockchain/evm"
	"tokenguard/backend/internal/config"
	"tokenguard/backend/internal/models"
)

// Revoker is the orchestration entry point risk handling drives
type Revoker interface {
	ExecuteRevoke(ctx context.Context, p RevokeParams) (*models.RevokeResult, error)
}

// RiskSignal is a scored approval notification from the external scoring
// oracle
type RiskSignal struct {
	EventID        string
	TokenAddress   string
	SpenderAddress string
	OwnerAddress   string
	RiskScore      int
}

// RiskService gates automatic revokes on the configured risk threshold.
// Manual revokes bypass it and call the revoker directly; both paths run
// the same orchestration.
type RiskService struct {
	revoker    Revoker
	deriver    *evm.AccountDeriver
	threshold  int
	autoRevoke bool
	logger     *zap.Logger
}

// NewRiskService creates the risk trigger
func NewRiskService(revoker Revoker, deriver *evm.AccountDeriver, cfg config.RiskConfig, logger *zap.Logger) *RiskService {
	return &RiskService{
		revoker:    revoker,
		deriver:    deriver,
		threshold:  cfg.RiskThreshold,
		autoRevoke: cfg.AutoRevokeEnabled,
		logger:     logger.Named("risk"),
	}
}

// ValidateSignal checks a signal is well formed before it is acted on or
// stored
func (s *RiskService) ValidateSignal(sig RiskSignal) error {
	if sig.EventID == "" {
		return fmt.Errorf("event ID is required")
	}
	if sig.RiskScore < 0 || sig.RiskScore > 100 {
		return fmt.Errorf("risk score %d outside [0,100]", sig.RiskScore)
	}
	if !common.IsHexAddress(sig.OwnerAddress) {
		return fmt.Errorf("invalid owner address: %q", sig.OwnerAddress)
	}
	if !common.IsHexAddress(sig.TokenAddress) {
		return fmt.Errorf("invalid token address: %q", sig.TokenAddress)
	}
	if sig.SpenderAddress != "" && !common.IsHexAddress(sig.SpenderAddress) {
		return fmt.Errorf("invalid spender address: %q", sig.SpenderAddress)
	}
	return nil
}

// ShouldAutoRevoke reports whether a signal crosses the automatic revoke
// gate: auto-revoke enabled, score strictly above threshold, spender known
func (s *RiskService) ShouldAutoRevoke(sig RiskSignal) bool {
	return s.autoRevoke && sig.RiskScore > s.threshold && sig.SpenderAddress != ""
}

// HandleSignal runs the gate and, when it passes, drives one revoke
// attempt. The returned bool reports whether a revoke was triggered.
func (s *RiskService) HandleSignal(ctx context.Context, sig RiskSignal) (*models.RevokeResult, bool, error) {
	if err := s.ValidateSignal(sig); err != nil {
		return nil, false, err
	}

	if !s.ShouldAutoRevoke(sig) {
		s.logger.Debug("Signal below auto-revoke gate",
			zap.String("event_id", sig.EventID),
			zap.Int("risk_score", sig.RiskScore),
			zap.Int("threshold", s.threshold))
		return nil, false, nil
	}

	owner := common.HexToAddress(sig.OwnerAddress)
	account, err := s.deriver.ComputeAccountAddress(owner)
	if err != nil {
		return nil, false, fmt.Errorf("failed to derive account for owner %s: %w", owner.Hex(), err)
	}

	s.logger.Info("Risk signal triggered revoke",
		zap.String("event_id", sig.EventID),
		zap.Int("risk_score", sig.RiskScore),
		zap.String("owner", owner.Hex()))

	result, err := s.revoker.ExecuteRevoke(ctx, RevokeParams{
		Token:   common.HexToAddress(sig.TokenAddress),
		Spender: common.HexToAddress(sig.SpenderAddress),
		Owner:   owner,
		Account: account,
	})
	return result, true, err
}
