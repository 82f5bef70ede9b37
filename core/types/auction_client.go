package types

import (
	"context"

	"github.com/cockroachdb/apd/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type Client interface {
	// Address of the signer used by the client, if any
	Address() (common.Address, bool)

	/*
	 * lifecycle operations
	 */
	// PlaceBid encrypts amount (ether), proves it in range and submits it as a bid
	PlaceBid(ctx context.Context, auctionID uint64, amount *apd.Decimal) (*OperationResult, error)
	// CreateAuction creates a new auction owned by the signer
	CreateAuction(ctx context.Context, input CreateAuctionInput) (*OperationResult, error)
	EndAuction(ctx context.Context, auctionID uint64) (*OperationResult, error)
	SettleAuction(ctx context.Context, auctionID uint64) (*OperationResult, error)
	WithdrawBid(ctx context.Context, auctionID, bidID uint64) (*OperationResult, error)
	// IsEncrypting is true while any invocation is encrypting or self-verifying
	IsEncrypting() bool
	// IsBidding is true while any invocation is submitting or awaiting confirmation
	IsBidding() bool
	Operation(id uuid.UUID) (Operation, bool)
	// Operations returns the tracked invocations, newest first
	Operations() []Operation

	/*
	 * snapshot queries
	 */
	AuctionCounter(ctx context.Context) (uint64, error)
	GetAuctionInfo(ctx context.Context, auctionID uint64) (*Auction, error)
	GetAllAuctions(ctx context.Context) ([]Auction, error)
	GetActiveAuctions(ctx context.Context) ([]Auction, error)
	GetUserAuctions(ctx context.Context, seller common.Address) ([]Auction, error)
	GetAuctionView(ctx context.Context, auctionID uint64) (*AuctionView, error)
	GetAuctionViews(ctx context.Context) ([]AuctionView, error)
	GetBidInfo(ctx context.Context, bidID uint64) (*Bid, error)
	GetUserBids(ctx context.Context, bidder common.Address) ([]Bid, error)
	GetAuctionResult(ctx context.Context, auctionID uint64) (*AuctionResult, error)
	GetUserReputation(ctx context.Context, user common.Address) (uint32, error)
	GetSellerReputation(ctx context.Context, seller common.Address) (uint32, error)
	// DecryptAndCache decrypts a ciphertext sealed to the local engine
	DecryptAndCache(ctx context.Context, e EncryptedValue) (*apd.Decimal, error)
}
