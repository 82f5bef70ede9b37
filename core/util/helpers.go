package util

import "math/big"

// Ptr returns a pointer to a copy of v.
//
// Example:
//
//	result.AuctionID = util.Ptr(event.AuctionID)
func Ptr[T any](v T) *T {
	return &v
}

// CloneBig returns a copy of v, or nil.
func CloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
