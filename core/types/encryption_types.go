package types

import (
	"context"
	"encoding/hex"
	"math/big"

	"github.com/cockroachdb/apd/v3"
	"github.com/pkg/errors"
)

// EncryptedValue is an opaque ciphertext of one non-negative wei amount.
type EncryptedValue []byte

// Hex renders the ciphertext with a 0x prefix.
func (e EncryptedValue) Hex() string { return "0x" + hex.EncodeToString(e) }

// RangeProof proves that exactly one EncryptedValue lies in exactly one Bounds.
type RangeProof []byte

func (p RangeProof) Hex() string { return "0x" + hex.EncodeToString(p) }

// Bounds is an inclusive interval in wei.
type Bounds struct {
	Min *big.Int `json:"min"`
	Max *big.Int `json:"max"`
}

// BidBounds is the interval every bid is proven against.
func BidBounds() Bounds {
	return Bounds{Min: big.NewInt(0), Max: new(big.Int).Set(MaxBid)}
}

// StartingPriceBounds is the interval for the advisory starting price encryption.
func StartingPriceBounds() Bounds {
	return Bounds{Min: big.NewInt(0), Max: new(big.Int).Set(MaxStartingPrice)}
}

// Validate rejects nil, negative or inverted bounds.
func (b Bounds) Validate() error {
	if b.Min == nil || b.Max == nil {
		return errors.Wrap(ErrInvalidAmount, "bounds must have both min and max")
	}
	if b.Min.Sign() < 0 {
		return errors.Wrapf(ErrInvalidAmount, "bounds min %s is negative", b.Min)
	}
	if b.Min.Cmp(b.Max) > 0 {
		return errors.Wrapf(ErrInvalidAmount, "bounds min %s exceeds max %s", b.Min, b.Max)
	}
	return nil
}

// Contains reports whether v lies within the bounds.
func (b Bounds) Contains(v *big.Int) bool {
	return v != nil && b.Min.Cmp(v) <= 0 && v.Cmp(b.Max) <= 0
}

type ProviderStatus struct {
	Initialized bool `json:"initialized"`
}

// EncryptionProvider hides bid amounts and proves facts about them.
type EncryptionProvider interface {
	// EncryptAmount encrypts an ether amount and proves it lies within bounds (in wei).
	EncryptAmount(ctx context.Context, amount *apd.Decimal, bounds Bounds) (EncryptedValue, RangeProof, error)
	// DecryptValue returns the ether amount held by e.
	DecryptValue(ctx context.Context, e EncryptedValue) (*apd.Decimal, error)
	// VerifyRangeProof returns false for any proof that does not match e and bounds.
	// Errors are reserved for structurally invalid ciphertexts.
	VerifyRangeProof(ctx context.Context, e EncryptedValue, proof RangeProof, bounds Bounds) (bool, error)
	Status() ProviderStatus
	// Ready is closed once the engine is initialized.
	Ready() <-chan struct{}
}
