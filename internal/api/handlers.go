package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tokenguard/backend/internal/blockchain/erc4337"
	"tokenguard/backend/internal/blockchain/evm"
	"tokenguard/backend/internal/database"
	"tokenguard/backend/internal/models"
	"tokenguard/backend/internal/service"
)

// Handler holds dependencies for HTTP handlers. The deploy, revoker and
// risk fields are nil when their feature is not configured; the affected
// endpoints then answer 503.
type Handler struct {
	db       *database.DB
	accounts *service.AccountService
	deploy   *service.DeploymentService
	revoker  service.Revoker
	risk     *service.RiskService
	deriver  *evm.AccountDeriver
	logger   *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	db *database.DB,
	accounts *service.AccountService,
	deploy *service.DeploymentService,
	revoker service.Revoker,
	risk *service.RiskService,
	deriver *evm.AccountDeriver,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		db:       db,
		accounts: accounts,
		deploy:   deploy,
		revoker:  revoker,
		risk:     risk,
		deriver:  deriver,
		logger:   logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Accounts ====================

// HandleGetAccountAddress handles POST /api/v1/accounts/address
// Derives (or looks up) the smart account for an owner key
func (h *Handler) HandleGetAccountAddress(w http.ResponseWriter, r *http.Request) {
	var req AccountAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if !common.IsHexAddress(req.OwnerAddress) {
		respondError(w, http.StatusBadRequest, "owner_address must be a valid hex address", nil)
		return
	}
	owner := common.HexToAddress(req.OwnerAddress)

	view, err := h.accounts.GetAccountView(r.Context(), owner)
	if err != nil {
		h.logger.Error("Failed to resolve account",
			zap.String("owner", owner.Hex()),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to resolve account", err)
		return
	}

	respondJSON(w, http.StatusOK, AccountAddressResponse{
		OwnerAddress:   view.OwnerAddress,
		AccountAddress: view.AccountAddress,
		Deployed:       view.Deployed,
		DeployTxHash:   view.DeployTxHash,
		Balance:        view.Balance,
	})
}

// HandleDeployAccount handles POST /api/v1/accounts/deploy
// Deploys the owner's counterfactual account on chain
func (h *Handler) HandleDeployAccount(w http.ResponseWriter, r *http.Request) {
	if h.deploy == nil {
		respondError(w, http.StatusServiceUnavailable, "Account deployment is not configured", nil)
		return
	}

	var req DeployAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if !common.IsHexAddress(req.OwnerAddress) {
		respondError(w, http.StatusBadRequest, "owner_address must be a valid hex address", nil)
		return
	}
	owner := common.HexToAddress(req.OwnerAddress)

	var account common.Address
	if req.AccountAddress != "" {
		if !common.IsHexAddress(req.AccountAddress) {
			respondError(w, http.StatusBadRequest, "account_address must be a valid hex address", nil)
			return
		}
		account = common.HexToAddress(req.AccountAddress)
	} else {
		derived, err := h.deriver.ComputeAccountAddress(owner)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to derive account address", err)
			return
		}
		account = derived
	}

	result, err := h.deploy.DeployAccount(r.Context(), owner, account)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAlreadyDeployed):
			respondError(w, http.StatusConflict, "Account is already deployed", err)
		case errors.Is(err, service.ErrDeployRateLimited):
			respondError(w, http.StatusTooManyRequests, "Deployment rate limit exceeded for this owner", err)
		case errors.Is(err, erc4337.ErrAddressMismatch):
			respondError(w, http.StatusBadRequest, "Account address does not match derivation", err)
		default:
			h.logger.Error("Deployment failed",
				zap.String("owner", owner.Hex()),
				zap.Error(err))
			respondError(w, http.StatusBadGateway, "Deployment failed", err)
		}
		return
	}

	// Reflect the deployment into the stored account record
	if record, lookErr := h.accounts.GetOrCreateAccount(r.Context(), owner); lookErr == nil {
		if dbErr := h.db.MarkAccountDeployed(r.Context(), record.ID, result.TxHash); dbErr != nil {
			h.logger.Warn("Failed to persist deployed flag", zap.Error(dbErr))
		}
	}

	respondJSON(w, http.StatusOK, DeployAccountResponse{
		OwnerAddress:   owner.Hex(),
		AccountAddress: account.Hex(),
		TxHash:         result.TxHash,
		BlockNumber:    result.BlockNumber,
		GasUsed:        result.GasUsed,
	})
}

// ==================== Revokes ====================

// HandleCreateRevoke handles POST /api/v1/revokes
// Runs one manual revoke attempt and reports its outcome
func (h *Handler) HandleCreateRevoke(w http.ResponseWriter, r *http.Request) {
	if h.revoker == nil {
		respondError(w, http.StatusServiceUnavailable, "Revoke pipeline is not configured", nil)
		return
	}

	var req CreateRevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if !common.IsHexAddress(req.OwnerAddress) {
		respondError(w, http.StatusBadRequest, "owner_address must be a valid hex address", nil)
		return
	}
	if !common.IsHexAddress(req.TokenAddress) {
		respondError(w, http.StatusBadRequest, "token_address must be a valid hex address", nil)
		return
	}
	if !common.IsHexAddress(req.SpenderAddress) {
		respondError(w, http.StatusBadRequest, "spender_address must be a valid hex address", nil)
		return
	}

	owner := common.HexToAddress(req.OwnerAddress)

	var account common.Address
	if req.AccountAddress != "" {
		if !common.IsHexAddress(req.AccountAddress) {
			respondError(w, http.StatusBadRequest, "account_address must be a valid hex address", nil)
			return
		}
		account = common.HexToAddress(req.AccountAddress)
	} else {
		derived, err := h.deriver.ComputeAccountAddress(owner)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to derive account address", err)
			return
		}
		account = derived
	}

	result, err := h.revoker.ExecuteRevoke(r.Context(), service.RevokeParams{
		Token:   common.HexToAddress(req.TokenAddress),
		Spender: common.HexToAddress(req.SpenderAddress),
		Owner:   owner,
		Account: account,
	})
	if result == nil {
		respondError(w, http.StatusInternalServerError, "Revoke failed", err)
		return
	}

	if errors.Is(err, service.ErrRevokeInFlight) {
		respondJSON(w, http.StatusConflict, revokeResponse(result))
		return
	}

	switch result.Status {
	case models.RevokeStatusConfirmed:
		respondJSON(w, http.StatusOK, revokeResponse(result))
	case models.RevokeStatusPending:
		respondJSON(w, http.StatusAccepted, revokeResponse(result))
	default:
		respondJSON(w, http.StatusBadGateway, revokeResponse(result))
	}
}

// ==================== Risk Events ====================

// HandleRiskEvent handles POST /api/v1/events/risk
// Ingests one scored approval signal. The event is always stored; signals
// above the risk gate additionally trigger an immediate revoke attempt.
func (h *Handler) HandleRiskEvent(w http.ResponseWriter, r *http.Request) {
	var req RiskEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sig := service.RiskSignal{
		EventID:        req.EventID,
		TokenAddress:   req.TokenAddress,
		SpenderAddress: req.SpenderAddress,
		OwnerAddress:   req.OwnerAddress,
		RiskScore:      req.RiskScore,
	}

	if err := h.validateSignal(sig); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid risk signal", err)
		return
	}

	owner := common.HexToAddress(req.OwnerAddress)
	account, err := h.accounts.GetOrCreateAccount(r.Context(), owner)
	if err != nil {
		h.logger.Error("Failed to resolve account for signal",
			zap.String("event_id", req.EventID),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to resolve account", err)
		return
	}

	amount := req.Amount
	if amount == "" {
		amount = "0"
	}

	event := &models.ApprovalEvent{
		EventID:        req.EventID,
		OwnerAddress:   owner.Hex(),
		AccountAddress: account.AccountAddress,
		TokenAddress:   common.HexToAddress(req.TokenAddress).Hex(),
		SpenderAddress: common.HexToAddress(req.SpenderAddress).Hex(),
		Amount:         amount,
		RiskScore:      req.RiskScore,
		Status:         models.EventStatusPending,
	}
	if err := h.db.CreateApprovalEvent(r.Context(), event); err != nil {
		if errors.Is(err, database.ErrDuplicateEvent) {
			respondError(w, http.StatusConflict, "Event already recorded", err)
			return
		}
		h.logger.Error("Failed to store approval event",
			zap.String("event_id", req.EventID),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to store event", err)
		return
	}

	// Without the revoke pipeline the signal is stored and nothing more
	if h.risk == nil {
		respondJSON(w, http.StatusAccepted, RiskEventResponse{
			EventID:     req.EventID,
			Status:      string(models.EventStatusPending),
			AutoRevoked: false,
		})
		return
	}

	if !h.risk.ShouldAutoRevoke(sig) {
		if dbErr := h.db.UpdateApprovalEventStatus(r.Context(), event.ID, models.EventStatusIgnored); dbErr != nil {
			h.logger.Error("Failed to mark event ignored", zap.Error(dbErr))
		}
		respondJSON(w, http.StatusAccepted, RiskEventResponse{
			EventID:     req.EventID,
			Status:      string(models.EventStatusIgnored),
			AutoRevoked: false,
		})
		return
	}

	// Claim the event before executing so the background worker does not
	// race the same signal.
	if dbErr := h.db.UpdateApprovalEventStatus(r.Context(), event.ID, models.EventStatusRevoking); dbErr != nil {
		h.logger.Error("Failed to mark event revoking", zap.Error(dbErr))
	}

	result, _, err := h.risk.HandleSignal(r.Context(), sig)
	if result == nil {
		if dbErr := h.db.RecordEventRevokeOutcome(r.Context(), event.ID, models.EventStatusPending, "", errMessage(err)); dbErr != nil {
			h.logger.Error("Failed to record revoke outcome", zap.Error(dbErr))
		}
		respondError(w, http.StatusInternalServerError, "Revoke failed", err)
		return
	}

	eventStatus := models.EventStatusPending
	if result.Status == models.RevokeStatusConfirmed {
		eventStatus = models.EventStatusRevoked
	}
	if dbErr := h.db.RecordEventRevokeOutcome(r.Context(), event.ID, eventStatus, result.OperationHash, errMessage(err)); dbErr != nil {
		h.logger.Error("Failed to record revoke outcome", zap.Error(dbErr))
	}

	respondJSON(w, http.StatusOK, RiskEventResponse{
		EventID:     req.EventID,
		Status:      string(eventStatus),
		AutoRevoked: true,
		Revoke:      revokeResponse(result),
	})
}

// validateSignal checks a webhook payload even when the risk service is
// not running
func (h *Handler) validateSignal(sig service.RiskSignal) error {
	if h.risk != nil {
		return h.risk.ValidateSignal(sig)
	}
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

// ==================== Approvals ====================

// HandleGetApprovals handles GET /api/v1/approvals/{owner}
// Lists an owner's stored approval events, newest first
func (h *Handler) HandleGetApprovals(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ownerParam := vars["owner"]

	if !common.IsHexAddress(ownerParam) {
		respondError(w, http.StatusBadRequest, "owner must be a valid hex address", nil)
		return
	}
	owner := common.HexToAddress(ownerParam)

	limit, offset := paginationParams(r)

	events, err := h.db.GetApprovalEventsByOwner(r.Context(), owner.Hex(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to get approval events",
			zap.String("owner", owner.Hex()),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get approvals", err)
		return
	}

	approvals := make([]ApprovalSummary, 0, len(events))
	for _, event := range events {
		approvals = append(approvals, ApprovalSummary{
			EventID:        event.EventID,
			OwnerAddress:   event.OwnerAddress,
			AccountAddress: event.AccountAddress,
			TokenAddress:   event.TokenAddress,
			SpenderAddress: event.SpenderAddress,
			Amount:         event.Amount,
			RiskScore:      event.RiskScore,
			Status:         string(event.Status),
			RevokeOpHash:   event.RevokeOpHash,
			Error:          event.ErrorMessage,
		})
	}

	respondJSON(w, http.StatusOK, GetApprovalsResponse{
		OwnerAddress: owner.Hex(),
		Approvals:    approvals,
	})
}

// ==================== Audit ====================

// HandleGetAuditRecords handles GET /api/v1/audit/{owner}
// Lists an owner's audit trail, newest first
func (h *Handler) HandleGetAuditRecords(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ownerParam := vars["owner"]

	if !common.IsHexAddress(ownerParam) {
		respondError(w, http.StatusBadRequest, "owner must be a valid hex address", nil)
		return
	}
	owner := common.HexToAddress(ownerParam)

	limit, offset := paginationParams(r)

	records, err := h.db.GetAuditRecordsByOwner(r.Context(), owner.Hex(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to get audit records",
			zap.String("owner", owner.Hex()),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get audit records", err)
		return
	}

	entries := make([]AuditEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, AuditEntry{
			RecordID:     record.RecordID,
			OwnerAddress: record.OwnerAddress,
			Action:       record.Action,
			Status:       record.Status,
			OpHash:       record.OpHash,
			TxHash:       record.TxHash,
			BlockNumber:  record.BlockNumber,
			Details:      record.Details,
		})
	}

	respondJSON(w, http.StatusOK, GetAuditResponse{
		OwnerAddress: owner.Hex(),
		Records:      entries,
	})
}

// ==================== Helper Functions ====================

// paginationParams parses optional limit and offset query parameters
func paginationParams(r *http.Request) (int, int) {
	limit := 50
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}
	return limit, offset
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
