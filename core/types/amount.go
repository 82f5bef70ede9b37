package types

import (
	"math/big"

	"github.com/cockroachdb/apd/v3"
	"github.com/pkg/errors"
)

// Decimals is the number of fractional digits of the chain's native unit.
const Decimals = 18

var (
	// MaxBid is the upper bound used for bid range proofs: 1000 ether in wei.
	MaxBid = new(big.Int).Mul(big.NewInt(1000), weiPerEther)
	// MaxStartingPrice bounds the advisory encryption of starting prices: 10000 ether in wei.
	MaxStartingPrice = new(big.Int).Mul(big.NewInt(10000), weiPerEther)

	weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

	amountContext = func() *apd.Context {
		c := apd.BaseContext.WithPrecision(100)
		c.Rounding = apd.RoundDown
		return c
	}()
)

// ParseAmount parses a decimal ether amount such as "2.5".
func ParseAmount(s string) (*apd.Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidAmount, "cannot parse %q: %v", s, err)
	}
	return d, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) *apd.Decimal {
	d, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ValidateAmount rejects nil, non-finite and non-positive amounts.
func ValidateAmount(amount *apd.Decimal) error {
	if amount == nil {
		return errors.Wrap(ErrInvalidAmount, "amount is required")
	}
	if amount.Form != apd.Finite {
		return errors.Wrapf(ErrInvalidAmount, "amount %s is not finite", amount.String())
	}
	if amount.Sign() <= 0 {
		return errors.Wrapf(ErrInvalidAmount, "amount %s must be greater than 0", amount.String())
	}
	return nil
}

// ToSmallestUnit converts an ether amount to wei. Digits beyond 18 decimals are truncated.
func ToSmallestUnit(amount *apd.Decimal) (*big.Int, error) {
	if amount == nil || amount.Form != apd.Finite {
		return nil, errors.Wrap(ErrInvalidAmount, "amount is not finite")
	}

	var scaled apd.Decimal
	if _, err := amountContext.Mul(&scaled, amount, apd.New(1, Decimals)); err != nil {
		return nil, errors.Wrap(err, "scale amount")
	}
	var integral apd.Decimal
	if _, err := amountContext.Quantize(&integral, &scaled, 0); err != nil {
		return nil, errors.Wrap(err, "quantize amount")
	}

	wei, ok := new(big.Int).SetString(integral.Text('f'), 10)
	if !ok {
		return nil, errors.Errorf("cannot convert %s to wei", integral.Text('f'))
	}
	return wei, nil
}

// FromSmallestUnit converts wei to an ether amount.
func FromSmallestUnit(wei *big.Int) *apd.Decimal {
	if wei == nil {
		return apd.New(0, 0)
	}
	d, _, err := apd.NewFromString(wei.String())
	if err != nil {
		// big.Int.String always yields a valid integer literal
		panic(err)
	}
	d.Exponent -= Decimals
	var reduced apd.Decimal
	reduced.Reduce(d)
	return &reduced
}

// FormatAmount renders wei as a plain ether string, e.g. "2.5".
func FormatAmount(wei *big.Int) string {
	return FromSmallestUnit(wei).Text('f')
}
