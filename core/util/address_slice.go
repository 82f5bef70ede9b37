package util

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// ParseAddress parses a 0x-prefixed hex address in any letter case.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// NonZeroAddress returns nil for the zero address, which the contract uses for "none".
func NonZeroAddress(addr common.Address) *common.Address {
	if addr == (common.Address{}) {
		return nil
	}
	return &addr
}

// ShortAddress renders an address as 0x1234...abcd for user-facing messages.
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}

// ShortHash renders a transaction hash as 0x12345678...abcd.
func ShortHash(h common.Hash) string {
	hex := h.Hex()
	return hex[:10] + "..." + hex[len(hex)-4:]
}
