package contracts

import (
	_ "embed"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed auction.abi.json
var AuctionABIContent []byte

// AuctionABI is the parsed auction contract ABI.
var AuctionABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(string(AuctionABIContent)))
	if err != nil {
		// embedded at build time
		panic(err)
	}
	return parsed
}()
