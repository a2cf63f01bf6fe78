package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"tokenguard/backend/internal/config"
)

// ErrNoSigner is returned when a state-changing call is attempted on a
// client that was constructed without a deployer key.
var ErrNoSigner = errors.New("no deployer key configured")

// erc20ABIJSON covers the two ERC-20 entry points the pipeline touches
const erc20ABIJSON = `[
	{
		"inputs": [
			{"internalType": "address", "name": "owner", "type": "address"},
			{"internalType": "address", "name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "spender", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// entryPointABIJSON covers the nonce read against the ERC-4337 entrypoint
const entryPointABIJSON = `[
	{
		"inputs": [
			{"internalType": "address", "name": "sender", "type": "address"},
			{"internalType": "uint192", "name": "key", "type": "uint192"}
		],
		"name": "getNonce",
		"outputs": [{"internalType": "uint256", "name": "nonce", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

var (
	erc20ABI      = mustABI(erc20ABIJSON)
	entryPointABI = mustABI(entryPointABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// PackApprove encodes an ERC-20 approve(spender, amount) call
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve call: %w", err)
	}
	return data, nil
}

// Client wraps Ethereum client functionality for the target chain.
// The deployer key is optional: read paths work without it, and
// state-changing calls fail with ErrNoSigner when it is absent.
type Client struct {
	ethClient   *ethclient.Client
	chainConfig *config.ChainConfig
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	logger      *zap.Logger
}

// NewClient creates a new EVM client for the configured chain
func NewClient(chainCfg *config.ChainConfig, deployerPrivateKey string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	c := &Client{
		ethClient:   ethClient,
		chainConfig: chainCfg,
		logger:      logger,
	}

	if deployerPrivateKey != "" {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(deployerPrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse deployer private key: %w", err)
		}
		publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("failed to cast public key to ECDSA")
		}
		c.privateKey = privateKey
		c.fromAddress = crypto.PubkeyToAddress(*publicKey)
	}

	logger.Info("EVM client initialized",
		zap.String("chain_id", chainCfg.ChainID),
		zap.String("chain_name", chainCfg.Name),
		zap.Bool("deployer_configured", c.privateKey != nil),
		zap.String("deployer_address", c.fromAddress.Hex()))

	return c, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// ChainID returns the configured chain ID
func (c *Client) ChainID() string {
	return c.chainConfig.ChainID
}

// HasSigner reports whether a deployer key is available
func (c *Client) HasSigner() bool {
	return c.privateKey != nil
}

// SignerAddress returns the deployer's address (zero when unconfigured)
func (c *Client) SignerAddress() common.Address {
	return c.fromAddress
}

// Allowance reads the current allowance(owner, spender) from the token
// contract. An RPC failure propagates as an error and is never collapsed
// into a zero allowance: a false zero would let a caller conclude a revoke
// succeeded when it did not.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance call: %w", err)
	}

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance read failed for token %s: %w", token.Hex(), err)
	}

	if len(result) < 32 {
		return nil, fmt.Errorf("invalid allowance response length: %d", len(result))
	}

	return new(big.Int).SetBytes(result[:32]), nil
}

// EntryPointNonce reads the smart account's userop nonce from the entrypoint
func (c *Client) EntryPointNonce(ctx context.Context, entryPoint, account common.Address) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", account, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getNonce call: %w", err)
	}

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &entryPoint,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read entrypoint nonce: %w", err)
	}

	if len(result) < 32 {
		return nil, fmt.Errorf("invalid getNonce response length: %d", len(result))
	}

	return new(big.Int).SetBytes(result[:32]), nil
}

// GetETHBalance returns the native-currency balance of an address
func (c *Client) GetETHBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.ethClient.BalanceAt(ctx, address, nil)
}

// IsContractDeployed checks if bytecode exists at the given address
func (c *Client) IsContractDeployed(ctx context.Context, address common.Address) (bool, error) {
	code, err := c.ethClient.CodeAt(ctx, address, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code at address: %w", err)
	}
	return len(code) > 0, nil
}

// SuggestFees returns an EIP-1559 fee cap and tip suggestion from the chain
func (c *Client) SuggestFees(ctx context.Context) (feeCap, tipCap *big.Int, err error) {
	tipCap, err = c.ethClient.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to suggest gas tip: %w", err)
	}

	head, err := c.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch chain head: %w", err)
	}

	if head.BaseFee == nil {
		// pre-1559 chain, fall back to legacy gas price
		gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		return gasPrice, gasPrice, nil
	}

	feeCap = new(big.Int).Add(
		new(big.Int).Mul(head.BaseFee, big.NewInt(2)),
		tipCap,
	)
	return feeCap, tipCap, nil
}

// SignAndSendTransaction creates, signs, and sends a funded transaction
// from the deployer key
func (c *Client) SignAndSendTransaction(
	ctx context.Context,
	to common.Address,
	data []byte,
	value *big.Int,
) (common.Hash, error) {
	if c.privateKey == nil {
		return common.Hash{}, ErrNoSigner
	}

	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get chain ID: %w", err)
	}

	nonce, err := c.ethClient.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	feeCap, tipCap, err := c.SuggestFees(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	gasLimit, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.fromAddress,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		To:        &to,
		Value:     value,
		Gas:       gasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tipCap,
		Data:      data,
	})

	signedTx, err := types.SignTx(tx, types.NewLondonSigner(chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}

// WaitForTransaction waits for a transaction to be mined
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s", txHash.Hex())
		case <-ticker.C:
			receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
			if err == nil && receipt != nil {
				if receipt.Status == types.ReceiptStatusFailed {
					return receipt, fmt.Errorf("transaction reverted: %s", txHash.Hex())
				}
				return receipt, nil
			}
			// Transaction not yet mined, continue waiting
		}
	}
}

// GetTransactionReceipt gets the receipt for a transaction
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.ethClient.TransactionReceipt(ctx, txHash)
}
