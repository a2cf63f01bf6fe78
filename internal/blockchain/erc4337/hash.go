package erc4337

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ABI argument layouts for the v0.6 userop hash. Dynamic byte fields are
// hashed before packing, per the entrypoint's getUserOpHash.
var (
	packedOpArgs     abi.Arguments
	hashEnvelopeArgs abi.Arguments
)

func init() {
	addressT := mustType("address")
	uint256T := mustType("uint256")
	bytes32T := mustType("bytes32")

	packedOpArgs = abi.Arguments{
		{Type: addressT}, // sender
		{Type: uint256T}, // nonce
		{Type: bytes32T}, // keccak256(initCode)
		{Type: bytes32T}, // keccak256(callData)
		{Type: uint256T}, // callGasLimit
		{Type: uint256T}, // verificationGasLimit
		{Type: uint256T}, // preVerificationGas
		{Type: uint256T}, // maxFeePerGas
		{Type: uint256T}, // maxPriorityFeePerGas
		{Type: bytes32T}, // keccak256(paymasterAndData)
	}

	hashEnvelopeArgs = abi.Arguments{
		{Type: bytes32T}, // keccak256(packed op)
		{Type: addressT}, // entrypoint
		{Type: uint256T}, // chain ID
	}
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid ABI type %s: %v", name, err))
	}
	return t
}

// packForHash ABI-encodes the operation fields for hashing, excluding the
// signature
func packForHash(op *UserOperation) ([]byte, error) {
	nonce, err := opQuantity(op.Nonce, "nonce")
	if err != nil {
		return nil, err
	}
	callGas, err := opQuantity(op.CallGasLimit, "callGasLimit")
	if err != nil {
		return nil, err
	}
	verificationGas, err := opQuantity(op.VerificationGasLimit, "verificationGasLimit")
	if err != nil {
		return nil, err
	}
	preVerificationGas, err := opQuantity(op.PreVerificationGas, "preVerificationGas")
	if err != nil {
		return nil, err
	}
	maxFee, err := opQuantity(op.MaxFeePerGas, "maxFeePerGas")
	if err != nil {
		return nil, err
	}
	maxPriorityFee, err := opQuantity(op.MaxPriorityFeePerGas, "maxPriorityFeePerGas")
	if err != nil {
		return nil, err
	}

	initCode, err := opBytes(op.InitCode, "initCode")
	if err != nil {
		return nil, err
	}
	callData, err := opBytes(op.CallData, "callData")
	if err != nil {
		return nil, err
	}
	paymasterAndData, err := opBytes(op.PaymasterAndData, "paymasterAndData")
	if err != nil {
		return nil, err
	}

	return packedOpArgs.Pack(
		op.Sender,
		nonce,
		crypto.Keccak256Hash(initCode),
		crypto.Keccak256Hash(callData),
		callGas,
		verificationGas,
		preVerificationGas,
		maxFee,
		maxPriorityFee,
		crypto.Keccak256Hash(paymasterAndData),
	)
}

func opQuantity(field, name string) (*big.Int, error) {
	if field == "" {
		return nil, fmt.Errorf("userop field %s is empty", name)
	}
	v, err := hexutil.DecodeBig(field)
	if err != nil {
		return nil, fmt.Errorf("userop field %s is not a hex quantity: %w", name, err)
	}
	return v, nil
}

func opBytes(field, name string) ([]byte, error) {
	if field == "" || field == "0x" {
		return []byte{}, nil
	}
	v, err := hexutil.Decode(field)
	if err != nil {
		return nil, fmt.Errorf("userop field %s is not hex data: %w", name, err)
	}
	return v, nil
}

func repeatHex(b byte, n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return common.Bytes2Hex(buf)
}
