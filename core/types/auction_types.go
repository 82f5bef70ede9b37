package types

import (
	"context"
	"math/big"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Auction is a read-only snapshot of an auction held by the contract.
// Prices are in wei. CurrentBid is whatever the contract exposes before reveal.
type Auction struct {
	ID              uint64          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	ImageURL        string          `json:"imageUrl"`
	StartingPrice   *big.Int        `json:"startingPrice"`
	CurrentBid      *big.Int        `json:"currentBid"`
	BidCount        uint64          `json:"bidCount"`
	IsActive        bool            `json:"isActive"`
	IsEnded         bool            `json:"isEnded"`
	IsVerified      bool            `json:"isVerified"`
	Seller          common.Address  `json:"seller"`
	CurrentBidder   *common.Address `json:"currentBidder,omitempty"`
	StartTime       time.Time       `json:"startTime"`
	EndTime         time.Time       `json:"endTime"`
	MinBidIncrement *big.Int        `json:"minBidIncrement"`
}

// IsOpen reports whether the auction still accepts bids according to its flags.
func (a Auction) IsOpen() bool {
	return a.IsActive && !a.IsEnded
}

// Bid is a single sealed bid. Amount stays encrypted until reveal.
type Bid struct {
	ID          uint64         `json:"id"`
	AuctionID   uint64         `json:"auctionId"`
	Amount      EncryptedValue `json:"amount"`
	Bidder      common.Address `json:"bidder"`
	Timestamp   time.Time      `json:"timestamp"`
	IsWithdrawn bool           `json:"isWithdrawn"`
}

// AuctionResult is written once by settlement and never changes afterwards.
type AuctionResult struct {
	AuctionID      uint64         `json:"auctionId"`
	FinalPrice     *big.Int       `json:"finalPrice"`
	Winner         common.Address `json:"winner"`
	IsSettled      bool           `json:"isSettled"`
	SettlementTime time.Time      `json:"settlementTime"`
}

// AuctionView is the denormalized read model served to presentation code.
type AuctionView struct {
	Auction
	// LiveBidCount is the larger of the chain's count and the ledger's count
	// of bids not yet reflected by the view functions.
	LiveBidCount uint64 `json:"liveBidCount"`
	// DecryptedCurrentBid is set only when the local engine can decrypt it.
	DecryptedCurrentBid *apd.Decimal `json:"decryptedCurrentBid,omitempty"`
	SellerReputation    *uint32      `json:"sellerReputation,omitempty"`
	RecentEvents        []ChainEvent `json:"recentEvents"`
}

// CreateAuctionInput carries createAuction arguments in ether units.
type CreateAuctionInput struct {
	Name            string        `validate:"required,max=256"`
	Description     string        `validate:"max=4096"`
	ImageURL        string        `validate:"omitempty,url"`
	StartingPrice   *apd.Decimal  `validate:"required"`
	Duration        time.Duration `validate:"required,gt=0"`
	MinBidIncrement *apd.Decimal  `validate:"required"`
}

var inputValidator = validator.New()

// Validate checks the input. Amount failures wrap ErrInvalidAmount.
func (c *CreateAuctionInput) Validate() error {
	if err := inputValidator.Struct(c); err != nil {
		return errors.WithStack(err)
	}
	if err := ValidateAmount(c.StartingPrice); err != nil {
		return errors.Wrap(err, "starting price")
	}
	if c.MinBidIncrement.Form != apd.Finite || c.MinBidIncrement.Sign() < 0 {
		return errors.Wrapf(ErrInvalidAmount, "min bid increment %s must be a non-negative number", c.MinBidIncrement.String())
	}
	if c.Duration < time.Second {
		return errors.Errorf("duration %s must be at least one second", c.Duration)
	}
	return nil
}

// IAuctionContract is the typed view of the on-chain auction contract.
type IAuctionContract interface {
	// AuctionCounter returns the number of auctions ever created.
	AuctionCounter(ctx context.Context) (uint64, error)
	GetAuctionInfo(ctx context.Context, auctionID uint64) (*Auction, error)
	GetBidInfo(ctx context.Context, bidID uint64) (*Bid, error)
	GetAuctionResult(ctx context.Context, auctionID uint64) (*AuctionResult, error)
	GetUserReputation(ctx context.Context, user common.Address) (uint32, error)
	GetSellerReputation(ctx context.Context, seller common.Address) (uint32, error)

	// Call builders for the write functions. They only pack arguments.
	CreateAuctionCall(name, description, imageURL string, startingPrice *big.Int, duration time.Duration, minBidIncrement *big.Int) ContractCall
	PlaceBidCall(auctionID uint64, amount EncryptedValue, proof RangeProof, value *big.Int) ContractCall
	EndAuctionCall(auctionID uint64) ContractCall
	SettleAuctionCall(auctionID uint64) ContractCall
	WithdrawBidCall(auctionID, bidID uint64) ContractCall
}
