package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// accountFactoryABIJSON is the account factory's createAccount entry point.
// The factory deploys the account proxy via CREATE2 so the resulting address
// matches the counterfactual one computed off-chain.
const accountFactoryABIJSON = `[
	{
		"inputs": [
			{"internalType": "address", "name": "owner", "type": "address"},
			{"internalType": "uint256", "name": "salt", "type": "uint256"}
		],
		"name": "createAccount",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var accountFactoryABI = mustABI(accountFactoryABIJSON)

// AccountDeriver computes counterfactual smart-account addresses for owner
// keys. The factory address and account bytecode are process-wide constants;
// for a fixed configuration the derivation is a pure function of the owner
// address, stable across restarts and machines.
type AccountDeriver struct {
	factory  common.Address
	bytecode []byte
}

// NewAccountDeriver creates a deriver from the configured factory address
// and hex-encoded account init code prefix
func NewAccountDeriver(factoryAddress, accountBytecode string) (*AccountDeriver, error) {
	if !common.IsHexAddress(factoryAddress) {
		return nil, fmt.Errorf("invalid factory address: %q", factoryAddress)
	}

	bytecode, err := hex.DecodeString(strings.TrimPrefix(accountBytecode, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode account bytecode: %w", err)
	}
	if len(bytecode) == 0 {
		return nil, fmt.Errorf("account bytecode cannot be empty")
	}

	return &AccountDeriver{
		factory:  common.HexToAddress(factoryAddress),
		bytecode: bytecode,
	}, nil
}

// Factory returns the configured factory address
func (d *AccountDeriver) Factory() common.Address {
	return d.factory
}

// AccountSalt derives the deterministic CREATE2 salt for an owner.
// keccak256 of the owner address keeps the mapping injective in practice:
// two distinct owners never collide on a salt, and therefore never on an
// account address.
func AccountSalt(owner common.Address) [32]byte {
	return crypto.Keccak256Hash(owner.Bytes())
}

// InitCode builds the complete account init code for an owner: the fixed
// proxy bytecode followed by the ABI-encoded owner constructor argument
// (owner-only configuration, no guardians or extra signers).
func (d *AccountDeriver) InitCode(owner common.Address) []byte {
	initCode := make([]byte, 0, len(d.bytecode)+32)
	initCode = append(initCode, d.bytecode...)
	initCode = append(initCode, common.LeftPadBytes(owner.Bytes(), 32)...)
	return initCode
}

// ComputeAccountAddress computes the counterfactual smart-account address
// for an owner using the CREATE2 formula:
//
//	address = keccak256(0xff ++ factory ++ salt ++ keccak256(initCode))[12:]
//
// The result is independent of whether the account has been deployed.
func (d *AccountDeriver) ComputeAccountAddress(owner common.Address) (common.Address, error) {
	if owner == (common.Address{}) {
		return common.Address{}, fmt.Errorf("owner address cannot be the zero address")
	}

	salt := AccountSalt(owner)
	initCodeHash := crypto.Keccak256Hash(d.InitCode(owner))

	data := make([]byte, 1+20+32+32)
	data[0] = 0xff
	copy(data[1:21], d.factory.Bytes())
	copy(data[21:53], salt[:])
	copy(data[53:85], initCodeHash.Bytes())

	hash := crypto.Keccak256(data)
	return common.BytesToAddress(hash[12:]), nil
}

// VerifyAccountAddress checks that a caller-supplied account address matches
// re-derivation from the owner. A mismatch means caller state has diverged
// from derivation and the operation must not proceed.
func (d *AccountDeriver) VerifyAccountAddress(expected, owner common.Address) (bool, error) {
	computed, err := d.ComputeAccountAddress(owner)
	if err != nil {
		return false, err
	}
	return expected == computed, nil
}

// DeployCalldata builds the factory call that deploys the account:
// createAccount(owner, salt), paid by the funded deployer key.
func (d *AccountDeriver) DeployCalldata(owner common.Address) ([]byte, error) {
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("owner address cannot be the zero address")
	}

	salt := AccountSalt(owner)
	data, err := accountFactoryABI.Pack("createAccount", owner, new(big.Int).SetBytes(salt[:]))
	if err != nil {
		return nil, fmt.Errorf("failed to pack createAccount call: %w", err)
	}
	return data, nil
}
