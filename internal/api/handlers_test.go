package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tokenguard/backend/internal/blockchain/evm"
	"tokenguard/backend/internal/models"
	"tokenguard/backend/internal/service"
)

const (
	testFactory  = "0x9406Cc6185a346906296840746125a0E44976454"
	testBytecode = "0x60806040526000805534801561001457600080fd5b50"
	testOwner    = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
	testToken    = "0x0000000000000000000000000000000000000010"
	testSpender  = "0x0000000000000000000000000000000000000020"
)

type stubRevoker struct {
	result *models.RevokeResult
	err    error
	calls  int
	params service.RevokeParams
}

func (s *stubRevoker) ExecuteRevoke(ctx context.Context, p service.RevokeParams) (*models.RevokeResult, error) {
	s.calls++
	s.params = p
	return s.result, s.err
}

// stubChain is a ChainWriter whose accounts are always already deployed
type stubChain struct{}

func (stubChain) HasSigner() bool { return true }
func (stubChain) IsContractDeployed(ctx context.Context, address common.Address) (bool, error) {
	return true, nil
}
func (stubChain) SignAndSendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubChain) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	return nil, nil
}

type stubAudit struct{}

func (stubAudit) Record(ctx context.Context, record *models.AuditRecord) error { return nil }

func newTestDeriver(t *testing.T) *evm.AccountDeriver {
	t.Helper()
	deriver, err := evm.NewAccountDeriver(testFactory, testBytecode)
	if err != nil {
		t.Fatalf("NewAccountDeriver() failed: %v", err)
	}
	return deriver
}

func TestHandleHealth(t *testing.T) {
	logger := zap.NewNop()
	handler := NewHandler(nil, nil, nil, nil, nil, nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.HandleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", response.Status)
	}

	if response.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", response.Version)
	}
}

func TestHandleDeployAccount_NotConfigured(t *testing.T) {
	logger := zap.NewNop()
	handler := NewHandler(nil, nil, nil, nil, nil, newTestDeriver(t), logger)

	body, _ := json.Marshal(DeployAccountRequest{OwnerAddress: testOwner})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/deploy", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.HandleDeployAccount(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandleDeployAccount_Validation(t *testing.T) {
	logger := zap.NewNop()
	deriver := newTestDeriver(t)
	deploy, err := service.NewDeploymentService(stubChain{}, deriver, stubAudit{}, 10, time.Minute, logger)
	if err != nil {
		t.Fatalf("NewDeploymentService() failed: %v", err)
	}
	handler := NewHandler(nil, nil, deploy, nil, nil, deriver, logger)

	tests := []struct {
		name           string
		request        DeployAccountRequest
		expectedStatus int
	}{
		{
			name:           "missing owner",
			request:        DeployAccountRequest{OwnerAddress: ""},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed owner",
			request:        DeployAccountRequest{OwnerAddress: "bogus"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "malformed account",
			request: DeployAccountRequest{
				OwnerAddress:   testOwner,
				AccountAddress: "bogus",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "account not matching derivation",
			request: DeployAccountRequest{
				OwnerAddress:   testOwner,
				AccountAddress: testToken,
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "already deployed",
			request:        DeployAccountRequest{OwnerAddress: testOwner},
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.request)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/deploy", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			handler.HandleDeployAccount(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestHandleCreateRevoke_NotConfigured(t *testing.T) {
	logger := zap.NewNop()
	handler := NewHandler(nil, nil, nil, nil, nil, newTestDeriver(t), logger)

	body, _ := json.Marshal(CreateRevokeRequest{
		OwnerAddress:   testOwner,
		TokenAddress:   testToken,
		SpenderAddress: testSpender,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/revokes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.HandleCreateRevoke(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandleCreateRevoke_Validation(t *testing.T) {
	logger := zap.NewNop()
	revoker := &stubRevoker{result: &models.RevokeResult{Status: models.RevokeStatusConfirmed}}
	handler := NewHandler(nil, nil, nil, revoker, nil, newTestDeriver(t), logger)

	tests := []struct {
		name    string
		request CreateRevokeRequest
	}{
		{
			name: "missing owner",
			request: CreateRevokeRequest{
				TokenAddress:   testToken,
				SpenderAddress: testSpender,
			},
		},
		{
			name: "malformed token",
			request: CreateRevokeRequest{
				OwnerAddress:   testOwner,
				TokenAddress:   "bogus",
				SpenderAddress: testSpender,
			},
		},
		{
			name: "missing spender",
			request: CreateRevokeRequest{
				OwnerAddress: testOwner,
				TokenAddress: testToken,
			},
		},
		{
			name: "malformed account",
			request: CreateRevokeRequest{
				OwnerAddress:   testOwner,
				TokenAddress:   testToken,
				SpenderAddress: testSpender,
				AccountAddress: "bogus",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.request)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/revokes", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			handler.HandleCreateRevoke(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			if revoker.calls != 0 {
				t.Errorf("revoker called for invalid request")
			}
		})
	}
}

func TestHandleCreateRevoke_StatusMapping(t *testing.T) {
	logger := zap.NewNop()
	deriver := newTestDeriver(t)

	tests := []struct {
		name           string
		result         *models.RevokeResult
		err            error
		expectedStatus int
	}{
		{
			name:           "confirmed",
			result:         &models.RevokeResult{Status: models.RevokeStatusConfirmed},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "pending inclusion",
			result:         &models.RevokeResult{Status: models.RevokeStatusPending},
			err:            errors.New("inclusion not observed within timeout"),
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "failed",
			result:         &models.RevokeResult{Status: models.RevokeStatusFailed},
			err:            errors.New("submission rejected by bundler"),
			expectedStatus: http.StatusBadGateway,
		},
		{
			name:           "duplicate in flight",
			result:         &models.RevokeResult{Status: models.RevokeStatusPending},
			err:            service.ErrRevokeInFlight,
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "no result",
			result:         nil,
			err:            errors.New("context canceled"),
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			revoker := &stubRevoker{result: tt.result, err: tt.err}
			handler := NewHandler(nil, nil, nil, revoker, nil, deriver, logger)

			body, _ := json.Marshal(CreateRevokeRequest{
				OwnerAddress:   testOwner,
				TokenAddress:   testToken,
				SpenderAddress: testSpender,
			})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/revokes", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			handler.HandleCreateRevoke(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if revoker.calls != 1 {
				t.Fatalf("expected 1 revoker call, got %d", revoker.calls)
			}

			// The handler fills in the counterfactual account when the
			// request omits it
			expected, err := deriver.ComputeAccountAddress(common.HexToAddress(testOwner))
			if err != nil {
				t.Fatalf("ComputeAccountAddress() failed: %v", err)
			}
			if revoker.params.Account != expected {
				t.Errorf("expected account %s, got %s", expected.Hex(), revoker.params.Account.Hex())
			}
		})
	}
}

func TestHandleCreateRevoke_InvalidJSON(t *testing.T) {
	logger := zap.NewNop()
	revoker := &stubRevoker{}
	handler := NewHandler(nil, nil, nil, revoker, nil, newTestDeriver(t), logger)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/revokes", bytes.NewReader([]byte("invalid json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.HandleCreateRevoke(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandleRiskEvent_Validation(t *testing.T) {
	logger := zap.NewNop()
	handler := NewHandler(nil, nil, nil, nil, nil, newTestDeriver(t), logger)

	tests := []struct {
		name    string
		request RiskEventRequest
	}{
		{
			name: "missing event id",
			request: RiskEventRequest{
				OwnerAddress:   testOwner,
				TokenAddress:   testToken,
				SpenderAddress: testSpender,
				RiskScore:      50,
			},
		},
		{
			name: "score out of range",
			request: RiskEventRequest{
				EventID:        "evt-1",
				OwnerAddress:   testOwner,
				TokenAddress:   testToken,
				SpenderAddress: testSpender,
				RiskScore:      150,
			},
		},
		{
			name: "malformed owner",
			request: RiskEventRequest{
				EventID:        "evt-1",
				OwnerAddress:   "bogus",
				TokenAddress:   testToken,
				SpenderAddress: testSpender,
				RiskScore:      50,
			},
		},
		{
			name: "malformed spender",
			request: RiskEventRequest{
				EventID:        "evt-1",
				OwnerAddress:   testOwner,
				TokenAddress:   testToken,
				SpenderAddress: "bogus",
				RiskScore:      50,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.request)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/events/risk", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			handler.HandleRiskEvent(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
		})
	}
}

func TestHandleGetApprovals_InvalidOwner(t *testing.T) {
	logger := zap.NewNop()
	handler := NewHandler(nil, nil, nil, nil, nil, nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals/bogus", nil)
	req = mux.SetURLVars(req, map[string]string{"owner": "bogus"})
	w := httptest.NewRecorder()

	handler.HandleGetApprovals(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandleGetAuditRecords_InvalidOwner(t *testing.T) {
	logger := zap.NewNop()
	handler := NewHandler(nil, nil, nil, nil, nil, nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/bogus", nil)
	req = mux.SetURLVars(req, map[string]string{"owner": "bogus"})
	w := httptest.NewRecorder()

	handler.HandleGetAuditRecords(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestPaginationParams(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		expectedLimit  int
		expectedOffset int
	}{
		{
			name:           "defaults",
			query:          "",
			expectedLimit:  50,
			expectedOffset: 0,
		},
		{
			name:           "explicit values",
			query:          "?limit=10&offset=20",
			expectedLimit:  10,
			expectedOffset: 20,
		},
		{
			name:           "invalid values fall back",
			query:          "?limit=abc&offset=-5",
			expectedLimit:  50,
			expectedOffset: 0,
		},
		{
			name:           "zero limit falls back",
			query:          "?limit=0",
			expectedLimit:  50,
			expectedOffset: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals/x"+tt.query, nil)
			limit, offset := paginationParams(req)
			if limit != tt.expectedLimit {
				t.Errorf("expected limit %d, got %d", tt.expectedLimit, limit)
			}
			if offset != tt.expectedOffset {
				t.Errorf("expected offset %d, got %d", tt.expectedOffset, offset)
			}
		})
	}
}

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()

	data := map[string]string{"key": "value"}
	respondJSON(w, http.StatusOK, data)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type 'application/json', got '%s'", ct)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if result["key"] != "value" {
		t.Errorf("expected key 'value', got '%s'", result["key"])
	}
}

func TestRespondError(t *testing.T) {
	w := httptest.NewRecorder()
	respondError(w, http.StatusBadRequest, "Bad request", nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if errResp.Error != "Bad request" {
		t.Errorf("expected error 'Bad request', got '%s'", errResp.Error)
	}
}
