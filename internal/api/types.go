package api

import "tokenguard/backend/internal/models"

// ==================== Accounts ====================

// AccountAddressRequest asks for the smart account bound to an owner key
type AccountAddressRequest struct {
	OwnerAddress string `json:"owner_address"`
}

// AccountAddressResponse carries the derived account and its live state
type AccountAddressResponse struct {
	OwnerAddress   string `json:"owner_address"`
	AccountAddress string `json:"account_address"`
	Deployed       bool   `json:"deployed"`
	DeployTxHash   string `json:"deploy_tx_hash,omitempty"`
	Balance        string `json:"balance"`
}

// DeployAccountRequest asks for on-chain deployment of an owner's account.
// AccountAddress is optional; when present it must match the derivation.
type DeployAccountRequest struct {
	OwnerAddress   string `json:"owner_address"`
	AccountAddress string `json:"account_address,omitempty"`
}

// DeployAccountResponse reports a successful deployment
type DeployAccountResponse struct {
	OwnerAddress   string `json:"owner_address"`
	AccountAddress string `json:"account_address"`
	TxHash         string `json:"tx_hash"`
	BlockNumber    uint64 `json:"block_number"`
	GasUsed        uint64 `json:"gas_used"`
}

// ==================== Revokes ====================

// CreateRevokeRequest asks for one approval to be revoked.
// AccountAddress is optional; when absent it is derived from the owner.
type CreateRevokeRequest struct {
	OwnerAddress   string `json:"owner_address"`
	TokenAddress   string `json:"token_address"`
	SpenderAddress string `json:"spender_address"`
	AccountAddress string `json:"account_address,omitempty"`
}

// RevokeResponse reports the outcome of a revoke attempt
type RevokeResponse struct {
	AttemptID     string  `json:"attempt_id"`
	OperationHash string  `json:"operation_hash"`
	TxHash        *string `json:"tx_hash,omitempty"`
	Status        string  `json:"status"`
	BlockNumber   *uint64 `json:"block_number,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// ==================== Risk Events ====================

// RiskEventRequest is the scored-approval webhook payload
type RiskEventRequest struct {
	EventID        string `json:"event_id"`
	OwnerAddress   string `json:"owner_address"`
	TokenAddress   string `json:"token_address"`
	SpenderAddress string `json:"spender_address"`
	Amount         string `json:"amount"`
	RiskScore      int    `json:"risk_score"`
}

// RiskEventResponse acknowledges a stored signal and reports whether it
// triggered an automatic revoke
type RiskEventResponse struct {
	EventID     string          `json:"event_id"`
	Status      string          `json:"status"`
	AutoRevoked bool            `json:"auto_revoked"`
	Revoke      *RevokeResponse `json:"revoke,omitempty"`
}

// ==================== Approvals ====================

// ApprovalSummary is one stored approval event
type ApprovalSummary struct {
	EventID        string  `json:"event_id"`
	OwnerAddress   string  `json:"owner_address"`
	AccountAddress string  `json:"account_address"`
	TokenAddress   string  `json:"token_address"`
	SpenderAddress string  `json:"spender_address"`
	Amount         string  `json:"amount"`
	RiskScore      int     `json:"risk_score"`
	Status         string  `json:"status"`
	RevokeOpHash   *string `json:"revoke_op_hash,omitempty"`
	Error          *string `json:"error,omitempty"`
}

// GetApprovalsResponse holds an owner's stored approval events
type GetApprovalsResponse struct {
	OwnerAddress string            `json:"owner_address"`
	Approvals    []ApprovalSummary `json:"approvals"`
}

// ==================== Audit ====================

// AuditEntry is one audit log record
type AuditEntry struct {
	RecordID     string  `json:"record_id"`
	OwnerAddress string  `json:"owner_address"`
	Action       string  `json:"action"`
	Status       string  `json:"status"`
	OpHash       *string `json:"op_hash,omitempty"`
	TxHash       *string `json:"tx_hash,omitempty"`
	BlockNumber  *int64  `json:"block_number,omitempty"`
	Details      string  `json:"details"`
}

// GetAuditResponse holds an owner's audit trail
type GetAuditResponse struct {
	OwnerAddress string       `json:"owner_address"`
	Records      []AuditEntry `json:"records"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func revokeResponse(result *models.RevokeResult) *RevokeResponse {
	return &RevokeResponse{
		AttemptID:     result.AttemptID,
		OperationHash: result.OperationHash,
		TxHash:        result.TxHash,
		Status:        string(result.Status),
		BlockNumber:   result.BlockNumber,
		Reason:        result.Reason,
	}
}
