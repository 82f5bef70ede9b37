package types

import (
	"math/big"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSmallestUnit(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		expected string
	}{
		{"whole ether", "1", "1000000000000000000"},
		{"fractional", "2.5", "2500000000000000000"},
		{"one wei", "0.000000000000000001", "1"},
		{"truncates beyond 18 decimals", "0.0000000000000000019", "1"},
		{"max bid", "1000", "1000000000000000000000"},
		{"exponent form", "1.5E+2", "150000000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wei, err := ToSmallestUnit(MustParseAmount(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, wei.String())
		})
	}
}

func TestFromSmallestUnit(t *testing.T) {
	wei, ok := new(big.Int).SetString("2500000000000000000", 10)
	require.True(t, ok)

	assert.Equal(t, "2.5", FromSmallestUnit(wei).Text('f'))
	assert.Equal(t, "0.000000000000000001", FormatAmount(big.NewInt(1)))
	assert.Equal(t, "0", FormatAmount(nil))
	assert.Equal(t, "1000", FormatAmount(MaxBid))
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount *apd.Decimal
		valid  bool
	}{
		{"nil", nil, false},
		{"zero", MustParseAmount("0"), false},
		{"negative", MustParseAmount("-1"), false},
		{"infinite", &apd.Decimal{Form: apd.Infinite}, false},
		{"nan", &apd.Decimal{Form: apd.NaN}, false},
		{"positive", MustParseAmount("0.01"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(tt.amount)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidAmount), "got %v", err)
		})
	}
}

func TestParseAmount_Invalid(t *testing.T) {
	_, err := ParseAmount("two")
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}

func TestBounds(t *testing.T) {
	b := BidBounds()
	require.NoError(t, b.Validate())
	assert.True(t, b.Contains(big.NewInt(0)))
	assert.True(t, b.Contains(MaxBid))
	assert.False(t, b.Contains(new(big.Int).Add(MaxBid, big.NewInt(1))))
	assert.False(t, b.Contains(nil))

	inverted := Bounds{Min: big.NewInt(10), Max: big.NewInt(1)}
	assert.True(t, errors.Is(inverted.Validate(), ErrInvalidAmount))

	// returned bounds are copies
	b.Max.SetInt64(1)
	assert.Equal(t, "1000", FormatAmount(BidBounds().Max))
}

func TestCreateAuctionInput_Validate(t *testing.T) {
	valid := func() CreateAuctionInput {
		return CreateAuctionInput{
			Name:            "Lamp",
			ImageURL:        "https://example.com/lamp.png",
			StartingPrice:   MustParseAmount("1.5"),
			Duration:        24 * time.Hour,
			MinBidIncrement: MustParseAmount("0.1"),
		}
	}

	in := valid()
	require.NoError(t, in.Validate())

	in = valid()
	in.Name = ""
	assert.Error(t, in.Validate())

	in = valid()
	in.StartingPrice = MustParseAmount("0")
	assert.True(t, errors.Is(in.Validate(), ErrInvalidAmount))

	in = valid()
	in.MinBidIncrement = MustParseAmount("-0.1")
	assert.True(t, errors.Is(in.Validate(), ErrInvalidAmount))

	in = valid()
	in.Duration = 0
	assert.Error(t, in.Validate())

	in = valid()
	in.ImageURL = "not a url"
	assert.Error(t, in.Validate())
}

func TestTypedErrors(t *testing.T) {
	txErr := NewTransactionError("placeBid", [32]byte{1}, "execution reverted", nil)
	assert.True(t, errors.Is(txErr, ErrTransaction))
	assert.Contains(t, txErr.Error(), "placeBid")
	assert.Contains(t, txErr.Error(), "execution reverted")

	var target *TransactionError
	wrapped := errors.Wrap(txErr, "withdraw")
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "placeBid", target.Method)

	readErr := NewReadError("getAuctionInfo", []any{uint64(3)}, errors.New("timeout"))
	assert.True(t, errors.Is(readErr, ErrRead))
	assert.False(t, errors.Is(readErr, ErrTransaction))
}
