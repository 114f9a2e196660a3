package envelope

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. The pass count is the per-domain iteration count and
// travels with the salt in KeyParams; memory and parallelism are fixed.
const (
	deriveMemory  = 64 * 1024 // 64 MB
	deriveThreads = 4
	DerivedKeyLen = 32

	minIterations = 3
	maxIterations = 6
)

// KeyParams are the persisted derivation inputs for one domain key. Reusing
// them with the same password always derives the identical key, so every
// member's wrapped key unwraps to the same material.
type KeyParams struct {
	Salt       []byte `cbor:"salt"`
	Iterations uint32 `cbor:"iterations"`
}

// NewKeyParams draws fresh random derivation parameters.
func NewKeyParams() (*KeyParams, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	span := int64(maxIterations - minIterations + 1)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return nil, fmt.Errorf("generate iteration count: %w", err)
	}
	return &KeyParams{
		Salt:       salt,
		Iterations: uint32(minIterations + n.Int64()),
	}, nil
}

// DeriveKey derives a 32-byte symmetric key from a password and persisted
// parameters using Argon2id. Deterministic for equal inputs.
func DeriveKey(password string, params *KeyParams) ([]byte, error) {
	if len(params.Salt) == 0 {
		return nil, fmt.Errorf("key derivation requires a salt")
	}
	if params.Iterations == 0 {
		return nil, fmt.Errorf("key derivation requires a nonzero iteration count")
	}
	return argon2.IDKey([]byte(password), params.Salt, params.Iterations, deriveMemory, deriveThreads, DerivedKeyLen), nil
}
