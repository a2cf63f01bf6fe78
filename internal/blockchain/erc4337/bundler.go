package erc4337

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

var (
	// ErrPaymasterRejected means the sponsoring paymaster refused the
	// operation: gas sponsorship is unavailable for this attempt.
	ErrPaymasterRejected = errors.New("paymaster rejected operation")

	// ErrBundlerRejected means the bundler's validation refused the
	// operation before inclusion. Terminal for this attempt; parameters
	// must be recomputed before retrying.
	ErrBundlerRejected = errors.New("bundler rejected operation")

	// ErrInclusionTimeout means the bounded wait elapsed without a
	// receipt. The operation may still land later; callers can re-poll.
	ErrInclusionTimeout = errors.New("timed out waiting for operation inclusion")
)

// GasEstimate holds the bundler's gas limits for an operation
type GasEstimate struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

// UserOperationReceipt is the terminal record the bundler returns once an
// operation is mined. Success reflects the inner call: an operation can be
// included while its call reverted.
type UserOperationReceipt struct {
	UserOpHash    common.Hash  `json:"userOpHash"`
	Success       bool         `json:"success"`
	ActualGasUsed *hexutil.Big `json:"actualGasUsed"`
	Receipt       struct {
		TransactionHash common.Hash    `json:"transactionHash"`
		BlockNumber     *hexutil.Big   `json:"blockNumber"`
		GasUsed         hexutil.Uint64 `json:"gasUsed"`
	} `json:"receipt"`
}

// GatewayClient is the adapter to the external bundler/paymaster network:
// best-effort submit, bounded wait for a terminal state, never a silent
// infinite wait.
type GatewayClient struct {
	rpcClient *rpc.Client
	logger    *zap.Logger
}

// NewGatewayClient connects to the bundler RPC endpoint
func NewGatewayClient(endpoint string, logger *zap.Logger) (*GatewayClient, error) {
	rpcClient, err := rpc.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bundler endpoint %s: %w", endpoint, err)
	}

	logger.Info("Bundler gateway initialized", zap.String("endpoint", endpoint))

	return &GatewayClient{
		rpcClient: rpcClient,
		logger:    logger,
	}, nil
}

// Close closes the underlying RPC connection
func (g *GatewayClient) Close() {
	g.rpcClient.Close()
}

// SendUserOperation submits an operation for sponsorship and inclusion.
// Validation errors are surfaced verbatim, classified as paymaster or
// bundler rejections; transport failures stay retryable network errors.
func (g *GatewayClient) SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error) {
	var opHash common.Hash
	err := g.rpcClient.CallContext(ctx, &opHash, "eth_sendUserOperation", op, entryPoint.Hex())
	if err != nil {
		return common.Hash{}, g.classifySubmitError(err)
	}

	g.logger.Info("User operation submitted",
		zap.String("op_hash", opHash.Hex()),
		zap.String("sender", op.Sender.Hex()))

	return opHash, nil
}

// EstimateUserOperationGas asks the bundler to simulate and size the
// operation
func (g *GatewayClient) EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimate, error) {
	var result struct {
		CallGasLimit         *hexutil.Big `json:"callGasLimit"`
		VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
		PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	}

	err := g.rpcClient.CallContext(ctx, &result, "eth_estimateUserOperationGas", op, entryPoint.Hex())
	if err != nil {
		return nil, g.classifySubmitError(err)
	}

	if result.CallGasLimit == nil || result.VerificationGasLimit == nil || result.PreVerificationGas == nil {
		return nil, fmt.Errorf("bundler returned incomplete gas estimate")
	}

	return &GasEstimate{
		CallGasLimit:         result.CallGasLimit.ToInt(),
		VerificationGasLimit: result.VerificationGasLimit.ToInt(),
		PreVerificationGas:   result.PreVerificationGas.ToInt(),
	}, nil
}

// GetUserOperationReceipt fetches the receipt for an operation, or nil if
// it has not been mined yet
func (g *GatewayClient) GetUserOperationReceipt(ctx context.Context, opHash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	err := g.rpcClient.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", opHash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch operation receipt: %w", err)
	}
	return receipt, nil
}

// WaitForReceipt polls until the operation is mined or the timeout elapses.
// A timeout does not cancel the operation on the network; it only bounds
// how long the caller blocks.
func (g *GatewayClient) WaitForReceipt(ctx context.Context, opHash common.Hash, timeout time.Duration) (*UserOperationReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: operation %s after %s", ErrInclusionTimeout, opHash.Hex(), timeout)
		case <-ticker.C:
			receipt, err := g.GetUserOperationReceipt(ctx, opHash)
			if err != nil {
				// transient fetch failure, keep polling until the deadline
				g.logger.Debug("Receipt poll failed", zap.Error(err))
				continue
			}
			if receipt != nil {
				return receipt, nil
			}
		}
	}
}

// classifySubmitError separates permanent gateway rejections from transient
// transport faults. JSON-RPC errors carry the network's validation verdict;
// the "paymaster" marker distinguishes sponsorship refusals from bundler
// validation failures, which call for different remediation.
func (g *GatewayClient) classifySubmitError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Error())
		if strings.Contains(msg, "paymaster") {
			return fmt.Errorf("%w: %v", ErrPaymasterRejected, err)
		}
		return fmt.Errorf("%w: %v", ErrBundlerRejected, err)
	}
	return fmt.Errorf("bundler unreachable: %w", err)
}
