package erc4337

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrScopeExceeded means a signer was asked to authorize calldata outside
// its capability. The backend session key may sign approve-to-zero revokes
// and nothing else.
var ErrScopeExceeded = errors.New("operation exceeds signer scope")

// Signer is an explicit signing capability for user operations. An
// implementation decides for itself whether the operation is within its
// authority; how that authority was delegated by the account owner stays
// behind this interface.
type Signer interface {
	Address() common.Address
	SignUserOp(op *UserOperation, userOpHash common.Hash) ([]byte, error)
}

// SessionSigner is a backend-held key scoped to revoke operations. It
// inspects calldata before signing and refuses anything that is not an
// execute() wrapping a zero-amount approve.
type SessionSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSessionSigner creates a revoke-scoped signer from a hex private key
func NewSessionSigner(privateKeyHex string) (*SessionSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session private key: %w", err)
	}

	publicKey, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}

	return &SessionSigner{
		key:     key,
		address: crypto.PubkeyToAddress(*publicKey),
	}, nil
}

// Address returns the signer's address
func (s *SessionSigner) Address() common.Address {
	return s.address
}

// SignUserOp signs the operation hash with an EIP-191 prefix after
// verifying the calldata is within the revoke scope
func (s *SessionSigner) SignUserOp(op *UserOperation, userOpHash common.Hash) ([]byte, error) {
	callData, err := hexutil.Decode(op.CallData)
	if err != nil {
		return nil, fmt.Errorf("invalid operation calldata: %w", err)
	}

	if !IsRevokeCallData(callData) {
		return nil, fmt.Errorf("%w: calldata is not an approve-to-zero revoke", ErrScopeExceeded)
	}

	digest := accounts.TextHash(userOpHash.Bytes())
	signature, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign operation: %w", err)
	}

	// Shift recovery id to the 27/28 convention contracts expect
	signature[64] += 27

	return signature, nil
}
