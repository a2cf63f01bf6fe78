package erc4337

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"tokenguard/backend/internal/blockchain/evm"
)

var (
	// ErrAddressMismatch means a caller-supplied account address does not
	// match re-derivation from the owner. The operation targets an
	// unverified account and must be aborted.
	ErrAddressMismatch = errors.New("smart account address does not match derivation from owner")

	// ErrMissingConfig means the sponsored-operation pipeline lacks a
	// signer or paymaster. Detected at construction, before any network I/O.
	ErrMissingConfig = errors.New("revoke pipeline not configured")
)

// UserOperation is an EIP-4337 v0.6 transaction intent in the bundler's
// wire format: quantity and data fields are 0x-prefixed hex strings.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                string         `json:"nonce"`
	InitCode             string         `json:"initCode"`
	CallData             string         `json:"callData"`
	CallGasLimit         string         `json:"callGasLimit"`
	VerificationGasLimit string         `json:"verificationGasLimit"`
	PreVerificationGas   string         `json:"preVerificationGas"`
	MaxFeePerGas         string         `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string         `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string         `json:"paymasterAndData"`
	Signature            string         `json:"signature"`
}

// accountABIJSON is the smart account's execute entry point
const accountABIJSON = `[
	{
		"inputs": [
			{"internalType": "address", "name": "dest", "type": "address"},
			{"internalType": "uint256", "name": "value", "type": "uint256"},
			{"internalType": "bytes", "name": "func", "type": "bytes"}
		],
		"name": "execute",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var accountABI = mustABI(accountABIJSON)

// approveSelector is the 4-byte selector of ERC-20 approve(address,uint256)
var approveSelector = crypto.Keccak256([]byte("approve(address,uint256)"))[:4]

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// PackExecute encodes the smart account's execute(dest, value, func) call
func PackExecute(target common.Address, value *big.Int, innerCall []byte) ([]byte, error) {
	data, err := accountABI.Pack("execute", target, value, innerCall)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execute call: %w", err)
	}
	return data, nil
}

// parseExecute decodes an execute(dest, value, func) calldata payload
func parseExecute(callData []byte) (common.Address, *big.Int, []byte, error) {
	method := accountABI.Methods["execute"]
	if len(callData) < 4 || string(callData[:4]) != string(method.ID) {
		return common.Address{}, nil, nil, fmt.Errorf("calldata is not an execute call")
	}

	values, err := method.Inputs.Unpack(callData[4:])
	if err != nil {
		return common.Address{}, nil, nil, fmt.Errorf("failed to unpack execute call: %w", err)
	}
	if len(values) != 3 {
		return common.Address{}, nil, nil, fmt.Errorf("unexpected execute argument count: %d", len(values))
	}

	target, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, nil, fmt.Errorf("unexpected execute target type")
	}
	value, ok := values[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, nil, fmt.Errorf("unexpected execute value type")
	}
	innerCall, ok := values[2].([]byte)
	if !ok {
		return common.Address{}, nil, nil, fmt.Errorf("unexpected execute payload type")
	}

	return target, value, innerCall, nil
}

// IsRevokeCallData reports whether calldata is an execute() wrapping a
// zero-amount ERC-20 approve. This is the scope check the session signer
// enforces: the backend key can authorize revokes and nothing else.
func IsRevokeCallData(callData []byte) bool {
	_, value, innerCall, err := parseExecute(callData)
	if err != nil {
		return false
	}
	if value.Sign() != 0 {
		return false
	}
	// approve(spender, amount): selector + two 32-byte words
	if len(innerCall) != 4+64 {
		return false
	}
	for i := range approveSelector {
		if innerCall[i] != approveSelector[i] {
			return false
		}
	}
	amount := new(big.Int).SetBytes(innerCall[4+32:])
	return amount.Sign() == 0
}

// UserOpHash computes the EIP-4337 v0.6 operation hash the account and
// paymaster validate against:
//
//	keccak256(abi.encode(keccak256(packedOp), entryPoint, chainID))
func UserOpHash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := packForHash(op)
	if err != nil {
		return common.Hash{}, err
	}

	inner := crypto.Keccak256Hash(packed)

	outer, err := hashEnvelopeArgs.Pack(inner, entryPoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack userop hash envelope: %w", err)
	}

	return crypto.Keccak256Hash(outer), nil
}

// Builder assembles sponsored revoke operations against smart accounts.
// Fee fields come from live estimation on every build; chain-rejected
// operations are never resubmitted with identical parameters because each
// attempt recomputes them.
type Builder struct {
	deriver          *evm.AccountDeriver
	entryPoint       common.Address
	paymaster        common.Address
	paymasterContext []byte
	chainID          *big.Int
	signer           Signer
	fees             FeeSource
	nonces           NonceSource
	estimator        GasEstimator
	logger           *zap.Logger
}

// FeeSource supplies current chain fee suggestions
type FeeSource interface {
	SuggestFees(ctx context.Context) (feeCap, tipCap *big.Int, err error)
}

// NonceSource reads the account's userop nonce from the entrypoint
type NonceSource interface {
	EntryPointNonce(ctx context.Context, entryPoint, account common.Address) (*big.Int, error)
}

// GasEstimator asks the sponsoring network for operation gas limits
type GasEstimator interface {
	EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimate, error)
}

// BuildParams identifies one revoke target
type BuildParams struct {
	Account common.Address // caller-supplied smart account, verified against derivation
	Owner   common.Address
	Token   common.Address
	Spender common.Address
}

// NewBuilder creates a revoke operation builder. Missing signer or
// paymaster configuration fails here, not mid-flight.
func NewBuilder(
	deriver *evm.AccountDeriver,
	entryPoint common.Address,
	paymaster common.Address,
	paymasterContext []byte,
	chainID *big.Int,
	signer Signer,
	fees FeeSource,
	nonces NonceSource,
	estimator GasEstimator,
	logger *zap.Logger,
) (*Builder, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: no session signer", ErrMissingConfig)
	}
	if paymaster == (common.Address{}) {
		return nil, fmt.Errorf("%w: no paymaster address", ErrMissingConfig)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid chain ID", ErrMissingConfig)
	}

	return &Builder{
		deriver:          deriver,
		entryPoint:       entryPoint,
		paymaster:        paymaster,
		paymasterContext: paymasterContext,
		chainID:          chainID,
		signer:           signer,
		fees:             fees,
		nonces:           nonces,
		estimator:        estimator,
		logger:           logger,
	}, nil
}

// EntryPoint returns the entrypoint the builder targets
func (b *Builder) EntryPoint() common.Address {
	return b.entryPoint
}

// dummySignature is a well-formed 65-byte placeholder used only for gas
// estimation, before the real signature exists
var dummySignature = "0x" + repeatHex(0xff, 65)

// BuildRevokeOp constructs a signed, sponsored operation that sets the
// token allowance for spender to zero. The account address is re-derived
// from the owner first; a mismatch aborts before any network call.
func (b *Builder) BuildRevokeOp(ctx context.Context, p BuildParams) (*UserOperation, error) {
	ok, err := b.deriver.VerifyAccountAddress(p.Account, p.Owner)
	if err != nil {
		return nil, fmt.Errorf("account derivation failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: owner %s, supplied account %s",
			ErrAddressMismatch, p.Owner.Hex(), p.Account.Hex())
	}

	approveData, err := evm.PackApprove(p.Spender, big.NewInt(0))
	if err != nil {
		return nil, err
	}

	callData, err := PackExecute(p.Token, big.NewInt(0), approveData)
	if err != nil {
		return nil, err
	}

	nonce, err := b.nonces.EntryPointNonce(ctx, b.entryPoint, p.Account)
	if err != nil {
		return nil, err
	}

	feeCap, tipCap, err := b.fees.SuggestFees(ctx)
	if err != nil {
		return nil, err
	}

	paymasterAndData := make([]byte, 0, 20+len(b.paymasterContext))
	paymasterAndData = append(paymasterAndData, b.paymaster.Bytes()...)
	paymasterAndData = append(paymasterAndData, b.paymasterContext...)

	op := &UserOperation{
		Sender:               p.Account,
		Nonce:                hexutil.EncodeBig(nonce),
		InitCode:             "0x",
		CallData:             hexutil.Encode(callData),
		CallGasLimit:         "0x0",
		VerificationGasLimit: "0x0",
		PreVerificationGas:   "0x0",
		MaxFeePerGas:         hexutil.EncodeBig(feeCap),
		MaxPriorityFeePerGas: hexutil.EncodeBig(tipCap),
		PaymasterAndData:     hexutil.Encode(paymasterAndData),
		Signature:            dummySignature,
	}

	estimate, err := b.estimator.EstimateUserOperationGas(ctx, op, b.entryPoint)
	if err != nil {
		return nil, fmt.Errorf("gas estimation failed: %w", err)
	}
	op.CallGasLimit = hexutil.EncodeBig(estimate.CallGasLimit)
	op.VerificationGasLimit = hexutil.EncodeBig(estimate.VerificationGasLimit)
	op.PreVerificationGas = hexutil.EncodeBig(estimate.PreVerificationGas)

	opHash, err := UserOpHash(op, b.entryPoint, b.chainID)
	if err != nil {
		return nil, err
	}

	signature, err := b.signer.SignUserOp(op, opHash)
	if err != nil {
		return nil, err
	}
	op.Signature = hexutil.Encode(signature)

	b.logger.Debug("Revoke operation built",
		zap.String("account", p.Account.Hex()),
		zap.String("token", p.Token.Hex()),
		zap.String("spender", p.Spender.Hex()),
		zap.String("op_hash", opHash.Hex()))

	return op, nil
}
