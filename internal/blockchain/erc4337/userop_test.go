package erc4337

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"tokenguard/backend/internal/blockchain/evm"
)

const (
	testFactory  = "0x9406Cc6185a346906296840746125a0E44976454"
	testBytecode = "0x60806040526000805534801561001457600080fd5b50"

	// throwaway key, never funded
	testSessionKey = "0x4c0883a69102937d6231471b5dbb6204fe512961708279feb1be6ae5538da033"
)

var (
	testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	testChainID    = big.NewInt(11155111)
)

type fakeFees struct {
	calls int
}

func (f *fakeFees) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	f.calls++
	return big.NewInt(2_000_000_000), big.NewInt(1_000_000_000), nil
}

type fakeNonces struct {
	calls int
}

func (f *fakeNonces) EntryPointNonce(ctx context.Context, entryPoint, account common.Address) (*big.Int, error) {
	f.calls++
	return big.NewInt(7), nil
}

type fakeEstimator struct {
	calls int
}

func (f *fakeEstimator) EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimate, error) {
	f.calls++
	return &GasEstimate{
		CallGasLimit:         big.NewInt(90_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(45_000),
	}, nil
}

func newTestDeriver(t *testing.T) *evm.AccountDeriver {
	t.Helper()
	deriver, err := evm.NewAccountDeriver(testFactory, testBytecode)
	if err != nil {
		t.Fatalf("NewAccountDeriver() failed: %v", err)
	}
	return deriver
}

func newTestBuilder(t *testing.T) (*Builder, *SessionSigner, *fakeFees, *fakeNonces, *fakeEstimator) {
	t.Helper()

	signer, err := NewSessionSigner(testSessionKey)
	if err != nil {
		t.Fatalf("NewSessionSigner() failed: %v", err)
	}

	fees := &fakeFees{}
	nonces := &fakeNonces{}
	estimator := &fakeEstimator{}

	builder, err := NewBuilder(
		newTestDeriver(t),
		testEntryPoint,
		common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		nil,
		testChainID,
		signer,
		fees,
		nonces,
		estimator,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewBuilder() failed: %v", err)
	}

	return builder, signer, fees, nonces, estimator
}

func revokeCallData(t *testing.T, token, spender common.Address) []byte {
	t.Helper()
	approveData, err := evm.PackApprove(spender, big.NewInt(0))
	if err != nil {
		t.Fatalf("PackApprove() failed: %v", err)
	}
	callData, err := PackExecute(token, big.NewInt(0), approveData)
	if err != nil {
		t.Fatalf("PackExecute() failed: %v", err)
	}
	return callData
}

func TestIsRevokeCallData(t *testing.T) {
	token := common.HexToAddress("0x0000000000000000000000000000000000000001")
	spender := common.HexToAddress("0x0000000000000000000000000000000000000002")

	approveZero, err := evm.PackApprove(spender, big.NewInt(0))
	if err != nil {
		t.Fatalf("PackApprove() failed: %v", err)
	}
	approveNonZero, err := evm.PackApprove(spender, big.NewInt(1000))
	if err != nil {
		t.Fatalf("PackApprove() failed: %v", err)
	}

	mustExecute := func(value *big.Int, inner []byte) []byte {
		data, err := PackExecute(token, value, inner)
		if err != nil {
			t.Fatalf("PackExecute() failed: %v", err)
		}
		return data
	}

	tests := []struct {
		name     string
		callData []byte
		want     bool
	}{
		{
			name:     "approve to zero",
			callData: mustExecute(big.NewInt(0), approveZero),
			want:     true,
		},
		{
			name:     "approve with non-zero amount",
			callData: mustExecute(big.NewInt(0), approveNonZero),
			want:     false,
		},
		{
			name:     "execute with attached value",
			callData: mustExecute(big.NewInt(1), approveZero),
			want:     false,
		},
		{
			name:     "inner call is not approve",
			callData: mustExecute(big.NewInt(0), []byte{0xde, 0xad, 0xbe, 0xef}),
			want:     false,
		},
		{
			name:     "not an execute call",
			callData: approveZero,
			want:     false,
		},
		{
			name:     "empty calldata",
			callData: nil,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRevokeCallData(tt.callData); got != tt.want {
				t.Errorf("IsRevokeCallData() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserOpHashDeterministic(t *testing.T) {
	op := &UserOperation{
		Sender:               common.HexToAddress("0x0000000000000000000000000000000000000010"),
		Nonce:                "0x7",
		InitCode:             "0x",
		CallData:             "0xdeadbeef",
		CallGasLimit:         "0x15f90",
		VerificationGasLimit: "0x249f0",
		PreVerificationGas:   "0xafc8",
		MaxFeePerGas:         "0x77359400",
		MaxPriorityFeePerGas: "0x3b9aca00",
		PaymasterAndData:     "0x",
		Signature:            "0x",
	}

	hash1, err1 := UserOpHash(op, testEntryPoint, testChainID)
	hash2, err2 := UserOpHash(op, testEntryPoint, testChainID)
	if err1 != nil || err2 != nil {
		t.Fatalf("UserOpHash() failed: err1=%v, err2=%v", err1, err2)
	}
	if hash1 != hash2 {
		t.Errorf("UserOpHash() is not deterministic")
	}

	// Hash binds the entrypoint and chain
	otherEntryPoint, err := UserOpHash(op, common.HexToAddress("0x0000000000000000000000000000000000000099"), testChainID)
	if err != nil {
		t.Fatalf("UserOpHash() failed: %v", err)
	}
	if hash1 == otherEntryPoint {
		t.Errorf("UserOpHash() ignored the entrypoint address")
	}

	otherChain, err := UserOpHash(op, testEntryPoint, big.NewInt(1))
	if err != nil {
		t.Fatalf("UserOpHash() failed: %v", err)
	}
	if hash1 == otherChain {
		t.Errorf("UserOpHash() ignored the chain ID")
	}

	// Signature is not part of the hash
	signed := *op
	signed.Signature = "0x" + repeatHex(0xab, 65)
	signedHash, err := UserOpHash(&signed, testEntryPoint, testChainID)
	if err != nil {
		t.Fatalf("UserOpHash() failed: %v", err)
	}
	if hash1 != signedHash {
		t.Errorf("UserOpHash() changed when only the signature changed")
	}
}

func TestBuildRevokeOp(t *testing.T) {
	builder, signer, _, _, _ := newTestBuilder(t)
	deriver := newTestDeriver(t)

	owner := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")
	account, err := deriver.ComputeAccountAddress(owner)
	if err != nil {
		t.Fatalf("ComputeAccountAddress() failed: %v", err)
	}

	token := common.HexToAddress("0x0000000000000000000000000000000000000001")
	spender := common.HexToAddress("0x0000000000000000000000000000000000000002")

	op, err := builder.BuildRevokeOp(context.Background(), BuildParams{
		Account: account,
		Owner:   owner,
		Token:   token,
		Spender: spender,
	})
	if err != nil {
		t.Fatalf("BuildRevokeOp() failed: %v", err)
	}

	if op.Sender != account {
		t.Errorf("BuildRevokeOp() sender = %s, want %s", op.Sender.Hex(), account.Hex())
	}
	if op.InitCode != "0x" {
		t.Errorf("BuildRevokeOp() initCode = %s, want 0x", op.InitCode)
	}
	if op.Nonce != "0x7" {
		t.Errorf("BuildRevokeOp() nonce = %s, want 0x7", op.Nonce)
	}
	if op.CallGasLimit == "0x0" || op.VerificationGasLimit == "0x0" || op.PreVerificationGas == "0x0" {
		t.Errorf("BuildRevokeOp() left gas limits unestimated")
	}

	callData, err := hexutil.Decode(op.CallData)
	if err != nil {
		t.Fatalf("invalid calldata: %v", err)
	}
	if !IsRevokeCallData(callData) {
		t.Errorf("BuildRevokeOp() calldata is not an approve-to-zero revoke")
	}

	// The paymaster address prefixes paymasterAndData
	pmData, err := hexutil.Decode(op.PaymasterAndData)
	if err != nil {
		t.Fatalf("invalid paymasterAndData: %v", err)
	}
	if len(pmData) < 20 {
		t.Fatalf("paymasterAndData too short: %d bytes", len(pmData))
	}

	// The signature must recover to the session signer over the op hash
	opHash, err := UserOpHash(op, testEntryPoint, testChainID)
	if err != nil {
		t.Fatalf("UserOpHash() failed: %v", err)
	}
	sig, err := hexutil.Decode(op.Signature)
	if err != nil {
		t.Fatalf("invalid signature encoding: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("signature recovery id = %d, want 27 or 28", sig[64])
	}

	recoverSig := make([]byte, 65)
	copy(recoverSig, sig)
	recoverSig[64] -= 27

	pubKey, err := crypto.SigToPub(accounts.TextHash(opHash.Bytes()), recoverSig)
	if err != nil {
		t.Fatalf("SigToPub() failed: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pubKey); recovered != signer.Address() {
		t.Errorf("signature recovers to %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

func TestBuildRevokeOpAddressMismatch(t *testing.T) {
	builder, _, fees, nonces, estimator := newTestBuilder(t)

	owner := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")
	wrongAccount := common.HexToAddress("0x0000000000000000000000000000000000000bad")

	_, err := builder.BuildRevokeOp(context.Background(), BuildParams{
		Account: wrongAccount,
		Owner:   owner,
		Token:   common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Spender: common.HexToAddress("0x0000000000000000000000000000000000000002"),
	})
	if !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("BuildRevokeOp() error = %v, want ErrAddressMismatch", err)
	}

	// The integrity check must abort before any network access
	if fees.calls != 0 || nonces.calls != 0 || estimator.calls != 0 {
		t.Errorf("BuildRevokeOp() touched the network after a derivation mismatch: fees=%d nonces=%d estimator=%d",
			fees.calls, nonces.calls, estimator.calls)
	}
}

func TestNewBuilderMissingConfig(t *testing.T) {
	deriver := newTestDeriver(t)
	signer, err := NewSessionSigner(testSessionKey)
	if err != nil {
		t.Fatalf("NewSessionSigner() failed: %v", err)
	}

	tests := []struct {
		name      string
		signer    Signer
		paymaster common.Address
		chainID   *big.Int
	}{
		{
			name:      "no signer",
			signer:    nil,
			paymaster: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			chainID:   testChainID,
		},
		{
			name:      "no paymaster",
			signer:    signer,
			paymaster: common.Address{},
			chainID:   testChainID,
		},
		{
			name:      "no chain ID",
			signer:    signer,
			paymaster: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			chainID:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(deriver, testEntryPoint, tt.paymaster, nil, tt.chainID,
				tt.signer, &fakeFees{}, &fakeNonces{}, &fakeEstimator{}, zap.NewNop())
			if !errors.Is(err, ErrMissingConfig) {
				t.Errorf("NewBuilder() error = %v, want ErrMissingConfig", err)
			}
		})
	}
}

func TestSessionSignerScope(t *testing.T) {
	signer, err := NewSessionSigner(testSessionKey)
	if err != nil {
		t.Fatalf("NewSessionSigner() failed: %v", err)
	}

	token := common.HexToAddress("0x0000000000000000000000000000000000000001")
	spender := common.HexToAddress("0x0000000000000000000000000000000000000002")
	opHash := common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")

	// In-scope: approve-to-zero revoke
	op := &UserOperation{CallData: hexutil.Encode(revokeCallData(t, token, spender))}
	sig, err := signer.SignUserOp(op, opHash)
	if err != nil {
		t.Fatalf("SignUserOp() refused a revoke: %v", err)
	}
	if len(sig) != 65 {
		t.Errorf("SignUserOp() signature length = %d, want 65", len(sig))
	}

	// Out of scope: non-zero approve amount
	approveData, err := evm.PackApprove(spender, big.NewInt(1))
	if err != nil {
		t.Fatalf("PackApprove() failed: %v", err)
	}
	transferLike, err := PackExecute(token, big.NewInt(0), approveData)
	if err != nil {
		t.Fatalf("PackExecute() failed: %v", err)
	}
	op = &UserOperation{CallData: hexutil.Encode(transferLike)}
	if _, err := signer.SignUserOp(op, opHash); !errors.Is(err, ErrScopeExceeded) {
		t.Errorf("SignUserOp() error = %v, want ErrScopeExceeded", err)
	}

	// Out of scope: arbitrary calldata
	op = &UserOperation{CallData: "0xdeadbeef"}
	if _, err := signer.SignUserOp(op, opHash); !errors.Is(err, ErrScopeExceeded) {
		t.Errorf("SignUserOp() error = %v, want ErrScopeExceeded", err)
	}
}
