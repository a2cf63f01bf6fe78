package models

// RevokeStatus is the terminal outcome of one revoke orchestration attempt
type RevokeStatus string

const (
	RevokeStatusConfirmed RevokeStatus = "CONFIRMED"
	RevokeStatusPending   RevokeStatus = "PENDING"
	RevokeStatusFailed    RevokeStatus = "FAILED"
)

// EventStatus represents the lifecycle of an observed approval event
type EventStatus string

const (
	EventStatusPending  EventStatus = "PENDING"
	EventStatusRevoking EventStatus = "REVOKING"
	EventStatusRevoked  EventStatus = "REVOKED"
	EventStatusFailed   EventStatus = "FAILED"
	EventStatusIgnored  EventStatus = "IGNORED"
)

// Audit actions emitted by the orchestrators
const (
	ActionRevokeApproval  = "revoke_approval"
	ActionAccountDeployed = "smart_account_deployed"
)

// SmartAccount is the stored record of a derived smart account.
// The deployed flag is advisory: callers re-check chain bytecode before
// acting on it.
type SmartAccount struct {
	ID             int64   `db:"id"`
	OwnerAddress   string  `db:"owner_address"`
	AccountAddress string  `db:"account_address"`
	Deployed       bool    `db:"deployed"`
	DeployTxHash   *string `db:"deploy_tx_hash"`
}

// ApprovalEvent is an observed "approval seen on chain" notification,
// scored for risk by the external oracle. The on-chain allowance remains
// the ground truth; this record is an advisory cache plus work queue entry.
type ApprovalEvent struct {
	ID             int64       `db:"id"`
	EventID        string      `db:"event_id"`
	OwnerAddress   string      `db:"owner_address"`
	AccountAddress string      `db:"account_address"`
	TokenAddress   string      `db:"token_address"`
	SpenderAddress string      `db:"spender_address"`
	Amount         string      `db:"amount"` // decimal string, uint256 range
	RiskScore      int         `db:"risk_score"`
	Status         EventStatus `db:"status"`
	RevokeOpHash   *string     `db:"revoke_op_hash"`
	ErrorMessage   *string     `db:"error_message"`
	RetryCount     int         `db:"retry_count"`
}

// RevokeResult is the outcome of one revoke orchestration attempt.
// OperationHash is the zero hash when the allowance was already zero and
// no operation was submitted.
type RevokeResult struct {
	AttemptID     string       `json:"attempt_id"`
	OperationHash string       `json:"operation_hash"`
	TxHash        *string      `json:"tx_hash,omitempty"`
	Status        RevokeStatus `json:"status"`
	BlockNumber   *uint64      `json:"block_number,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// DeploymentResult is the outcome of a successful account deployment
type DeploymentResult struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// AuditRecord is one structured entry for the audit sink. Details carries
// enough context to reconstruct what happened without re-querying the chain.
type AuditRecord struct {
	ID           int64   `db:"id"`
	RecordID     string  `db:"record_id"`
	OwnerAddress string  `db:"owner_address"`
	Action       string  `db:"action"`
	Status       string  `db:"status"`
	OpHash       *string `db:"op_hash"`
	TxHash       *string `db:"tx_hash"`
	BlockNumber  *int64  `db:"block_number"`
	Details      string  `db:"details"` // JSON object
}
