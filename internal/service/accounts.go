package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"tokenguard/backend/internal/blockchain/evm"
	"tokenguard/backend/internal/database"
	"tokenguard/backend/internal/models"
)

// ChainReader covers the read-only chain access the account service needs
type ChainReader interface {
	IsContractDeployed(ctx context.Context, address common.Address) (bool, error)
	GetETHBalance(ctx context.Context, address common.Address) (*big.Int, error)
}

// AccountView is the enriched account state handed to API consumers
type AccountView struct {
	OwnerAddress   string `json:"owner_address"`
	AccountAddress string `json:"account_address"`
	Deployed       bool   `json:"deployed"`
	DeployTxHash   string `json:"deploy_tx_hash,omitempty"`
	Balance        string `json:"balance"`
}

// AccountService resolves owners to their counterfactual smart accounts.
// Derivation is pure, so the database row is a cache; the deployed flag is
// refreshed from chain bytecode on read.
type AccountService struct {
	db      *database.DB
	deriver *evm.AccountDeriver
	chain   ChainReader
	logger  *zap.Logger
}

// NewAccountService creates the account resolver
func NewAccountService(db *database.DB, deriver *evm.AccountDeriver, chain ChainReader, logger *zap.Logger) *AccountService {
	return &AccountService{
		db:      db,
		deriver: deriver,
		chain:   chain,
		logger:  logger.Named("accounts"),
	}
}

// GetOrCreateAccount returns the smart account record for an owner,
// deriving and persisting it on first sight. The same owner always maps to
// the same account address.
func (s *AccountService) GetOrCreateAccount(ctx context.Context, owner common.Address) (*models.SmartAccount, error) {
	existing, err := s.db.GetSmartAccountByOwner(ctx, owner.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to look up smart account: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	derived, err := s.deriver.ComputeAccountAddress(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account address: %w", err)
	}

	account := &models.SmartAccount{
		OwnerAddress:   owner.Hex(),
		AccountAddress: derived.Hex(),
		Deployed:       false,
	}
	if err := s.db.CreateSmartAccount(ctx, account); err != nil {
		// Lost a race with a concurrent request for the same owner
		raced, lookupErr := s.db.GetSmartAccountByOwner(ctx, owner.Hex())
		if lookupErr == nil && raced != nil {
			return raced, nil
		}
		return nil, fmt.Errorf("failed to store smart account: %w", err)
	}

	s.logger.Info("Derived smart account",
		zap.String("owner", owner.Hex()),
		zap.String("account", derived.Hex()))
	return account, nil
}

// GetAccountView resolves an owner and enriches the record with live chain
// state. A record that predates deployment is flipped to deployed once
// bytecode appears at the address.
func (s *AccountService) GetAccountView(ctx context.Context, owner common.Address) (*AccountView, error) {
	account, err := s.GetOrCreateAccount(ctx, owner)
	if err != nil {
		return nil, err
	}

	accountAddr := common.HexToAddress(account.AccountAddress)
	deployed, err := s.chain.IsContractDeployed(ctx, accountAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to check account bytecode: %w", err)
	}
	if deployed && !account.Deployed {
		if err := s.db.MarkAccountDeployed(ctx, account.ID, ""); err != nil {
			s.logger.Warn("Failed to persist deployed flag",
				zap.String("account", account.AccountAddress),
				zap.Error(err))
		}
		account.Deployed = true
	}

	balance, err := s.chain.GetETHBalance(ctx, accountAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read account balance: %w", err)
	}

	view := &AccountView{
		OwnerAddress:   account.OwnerAddress,
		AccountAddress: account.AccountAddress,
		Deployed:       deployed,
		Balance:        balance.String(),
	}
	if account.DeployTxHash != nil {
		view.DeployTxHash = *account.DeployTxHash
	}
	return view, nil
}
