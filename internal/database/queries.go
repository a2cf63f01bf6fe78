package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"tokenguard/backend/internal/models"
)

// ErrDuplicateEvent is returned when an approval event with the same
// external event ID was already recorded
var ErrDuplicateEvent = errors.New("approval event already recorded")

// ==================== Smart Account Queries ====================

// CreateSmartAccount stores a newly derived smart account
func (db *DB) CreateSmartAccount(ctx context.Context, account *models.SmartAccount) error {
	query := `
		INSERT INTO smart_accounts (owner_address, account_address, deployed)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	return db.QueryRowContext(
		ctx, query,
		account.OwnerAddress,
		account.AccountAddress,
		account.Deployed,
	).Scan(&account.ID)
}

// GetSmartAccountByOwner retrieves a smart account by owner address
func (db *DB) GetSmartAccountByOwner(ctx context.Context, ownerAddress string) (*models.SmartAccount, error) {
	var account models.SmartAccount
	query := `
		SELECT id, owner_address, account_address, deployed, deploy_tx_hash
		FROM smart_accounts
		WHERE owner_address = $1
	`
	err := db.GetContext(ctx, &account, query, ownerAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &account, err
}

// MarkAccountDeployed records that an account's bytecode landed on chain
func (db *DB) MarkAccountDeployed(ctx context.Context, id int64, txHash string) error {
	query := `
		UPDATE smart_accounts
		SET deployed = TRUE, deploy_tx_hash = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $1
	`
	_, err := db.ExecContext(ctx, query, id, txHash)
	return err
}

// ==================== Approval Event Queries ====================

// CreateApprovalEvent stores an observed approval notification
func (db *DB) CreateApprovalEvent(ctx context.Context, event *models.ApprovalEvent) error {
	query := `
		INSERT INTO approval_events
			(event_id, owner_address, account_address, token_address, spender_address, amount, risk_score, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := db.QueryRowContext(
		ctx, query,
		event.EventID,
		event.OwnerAddress,
		event.AccountAddress,
		event.TokenAddress,
		event.SpenderAddress,
		event.Amount,
		event.RiskScore,
		event.Status,
	).Scan(&event.ID)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicateEvent
	}
	return err
}

// GetApprovalEvent retrieves an approval event by database ID
func (db *DB) GetApprovalEvent(ctx context.Context, id int64) (*models.ApprovalEvent, error) {
	var event models.ApprovalEvent
	query := `
		SELECT id, event_id, owner_address, account_address, token_address, spender_address,
		       amount, risk_score, status, revoke_op_hash, error_message, retry_count
		FROM approval_events
		WHERE id = $1
	`
	err := db.GetContext(ctx, &event, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &event, err
}

// GetApprovalEventsByStatus retrieves all approval events with a given status
func (db *DB) GetApprovalEventsByStatus(ctx context.Context, status models.EventStatus) ([]models.ApprovalEvent, error) {
	var events []models.ApprovalEvent
	query := `
		SELECT id, event_id, owner_address, account_address, token_address, spender_address,
		       amount, risk_score, status, revoke_op_hash, error_message, retry_count
		FROM approval_events
		WHERE status = $1
		ORDER BY created_at ASC
	`
	err := db.SelectContext(ctx, &events, query, status)
	return events, err
}

// GetApprovalEventsByOwner retrieves approval events for an owner, newest first
func (db *DB) GetApprovalEventsByOwner(ctx context.Context, ownerAddress string, limit, offset int) ([]models.ApprovalEvent, error) {
	var events []models.ApprovalEvent
	query := `
		SELECT id, event_id, owner_address, account_address, token_address, spender_address,
		       amount, risk_score, status, revoke_op_hash, error_message, retry_count
		FROM approval_events
		WHERE owner_address = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	err := db.SelectContext(ctx, &events, query, ownerAddress, limit, offset)
	return events, err
}

// UpdateApprovalEventStatus updates an event's lifecycle status
func (db *DB) UpdateApprovalEventStatus(ctx context.Context, id int64, status models.EventStatus) error {
	query := `
		UPDATE approval_events
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := db.ExecContext(ctx, query, id, status)
	return err
}

// RecordEventRevokeOutcome stores the terminal result of a revoke attempt
// against its triggering event
func (db *DB) RecordEventRevokeOutcome(ctx context.Context, id int64, status models.EventStatus, opHash, errorMessage string) error {
	query := `
		UPDATE approval_events
		SET status = $2,
		    revoke_op_hash = NULLIF($3, ''),
		    error_message = NULLIF($4, ''),
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := db.ExecContext(ctx, query, id, status, opHash, errorMessage)
	return err
}

// IncrementEventRetry bumps the retry counter and returns the new value
func (db *DB) IncrementEventRetry(ctx context.Context, id int64) (int, error) {
	var retryCount int
	query := `
		UPDATE approval_events
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`
	err := db.QueryRowContext(ctx, query, id).Scan(&retryCount)
	return retryCount, err
}

// ==================== Audit Queries ====================

// InsertAuditRecord appends one structured record to the audit log
func (db *DB) InsertAuditRecord(ctx context.Context, record *models.AuditRecord) error {
	query := `
		INSERT INTO audit_log (record_id, owner_address, action, status, op_hash, tx_hash, block_number, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	return db.QueryRowContext(
		ctx, query,
		record.RecordID,
		record.OwnerAddress,
		record.Action,
		record.Status,
		record.OpHash,
		record.TxHash,
		record.BlockNumber,
		record.Details,
	).Scan(&record.ID)
}

// GetAuditRecordsByOwner retrieves audit records for an owner, newest first
func (db *DB) GetAuditRecordsByOwner(ctx context.Context, ownerAddress string, limit, offset int) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	query := `
		SELECT id, record_id, owner_address, action, status, op_hash, tx_hash, block_number, details
		FROM audit_log
		WHERE owner_address = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	err := db.SelectContext(ctx, &records, query, ownerAddress, limit, offset)
	return records, err
}
