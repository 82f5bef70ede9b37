package contractsapi

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/neonveil/sdk-go/core/util"
	"github.com/pkg/errors"
)

// AuctionContract provides typed access to the auction contract's view functions
// and builds calls for its state-changing functions.
type AuctionContract struct {
	_transport types.Transport
}

// Compile-time check that AuctionContract implements IAuctionContract
var _ types.IAuctionContract = (*AuctionContract)(nil)

// NewAuctionContractOptions contains options for creating an AuctionContract instance
type NewAuctionContractOptions struct {
	Transport types.Transport
}

// LoadAuctionContract creates a new AuctionContract with the given options
func LoadAuctionContract(options NewAuctionContractOptions) (*AuctionContract, error) {
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}
	return &AuctionContract{
		_transport: options.Transport,
	}, nil
}

// ═══════════════════════════════════════════════════════════════
// HELPER METHODS
// ═══════════════════════════════════════════════════════════════

// call wraps _transport.Call for read operations. Every failure is a *types.ReadError.
func (a *AuctionContract) call(ctx context.Context, method string, n int, args ...any) ([]any, error) {
	row, err := a._transport.Call(ctx, method, args...)
	if err != nil {
		return nil, types.NewReadError(method, args, err)
	}
	if err := expectColumns(method, row, n); err != nil {
		return nil, types.NewReadError(method, args, err)
	}
	return row, nil
}

func (a *AuctionContract) AuctionCounter(ctx context.Context) (uint64, error) {
	row, err := a.call(ctx, "auctionCounter", 1)
	if err != nil {
		return 0, err
	}
	var counter uint64
	if err := extractUint64Column(row[0], &counter, 0, "auctionCounter"); err != nil {
		return 0, types.NewReadError("auctionCounter", nil, err)
	}
	return counter, nil
}

// GetAuctionInfo reads one auction. The contract returns
// (name, description, imageUrl, startingPrice, currentBid, bidCount, isActive,
// isEnded, isVerified, seller, currentBidder, startTime, endTime, minBidIncrement).
func (a *AuctionContract) GetAuctionInfo(ctx context.Context, auctionID uint64) (*types.Auction, error) {
	id := new(big.Int).SetUint64(auctionID)
	row, err := a.call(ctx, "getAuctionInfo", 14, id)
	if err != nil {
		return nil, err
	}
	auction, err := parseAuctionInfoRow(row, auctionID)
	if err != nil {
		return nil, types.NewReadError("getAuctionInfo", []any{id}, err)
	}
	return auction, nil
}

func parseAuctionInfoRow(row []any, auctionID uint64) (*types.Auction, error) {
	auction := &types.Auction{ID: auctionID}
	var currentBidder common.Address

	if err := extractStringColumn(row[0], &auction.Name, 0, "name"); err != nil {
		return nil, err
	}
	if err := extractStringColumn(row[1], &auction.Description, 1, "description"); err != nil {
		return nil, err
	}
	if err := extractStringColumn(row[2], &auction.ImageURL, 2, "imageUrl"); err != nil {
		return nil, err
	}
	if err := extractBigIntColumn(row[3], &auction.StartingPrice, 3, "startingPrice"); err != nil {
		return nil, err
	}
	if err := extractBigIntColumn(row[4], &auction.CurrentBid, 4, "currentBid"); err != nil {
		return nil, err
	}
	if err := extractUint64Column(row[5], &auction.BidCount, 5, "bidCount"); err != nil {
		return nil, err
	}
	if err := extractBoolColumn(row[6], &auction.IsActive, 6, "isActive"); err != nil {
		return nil, err
	}
	if err := extractBoolColumn(row[7], &auction.IsEnded, 7, "isEnded"); err != nil {
		return nil, err
	}
	if err := extractBoolColumn(row[8], &auction.IsVerified, 8, "isVerified"); err != nil {
		return nil, err
	}
	if err := extractAddressColumn(row[9], &auction.Seller, 9, "seller"); err != nil {
		return nil, err
	}
	if err := extractAddressColumn(row[10], &currentBidder, 10, "currentBidder"); err != nil {
		return nil, err
	}
	if err := extractTimeColumn(row[11], &auction.StartTime, 11, "startTime"); err != nil {
		return nil, err
	}
	if err := extractTimeColumn(row[12], &auction.EndTime, 12, "endTime"); err != nil {
		return nil, err
	}
	if err := extractBigIntColumn(row[13], &auction.MinBidIncrement, 13, "minBidIncrement"); err != nil {
		return nil, err
	}
	auction.CurrentBidder = util.NonZeroAddress(currentBidder)
	return auction, nil
}

// GetBidInfo reads one bid: (auctionId, amount, bidder, timestamp, isWithdrawn).
func (a *AuctionContract) GetBidInfo(ctx context.Context, bidID uint64) (*types.Bid, error) {
	id := new(big.Int).SetUint64(bidID)
	row, err := a.call(ctx, "getBidInfo", 5, id)
	if err != nil {
		return nil, err
	}

	bid := &types.Bid{ID: bidID}
	var amount []byte
	if err = extractUint64Column(row[0], &bid.AuctionID, 0, "auctionId"); err == nil {
		err = extractBytesColumn(row[1], &amount, 1, "amount")
	}
	if err == nil {
		err = extractAddressColumn(row[2], &bid.Bidder, 2, "bidder")
	}
	if err == nil {
		err = extractTimeColumn(row[3], &bid.Timestamp, 3, "timestamp")
	}
	if err == nil {
		err = extractBoolColumn(row[4], &bid.IsWithdrawn, 4, "isWithdrawn")
	}
	if err != nil {
		return nil, types.NewReadError("getBidInfo", []any{id}, err)
	}
	bid.Amount = amount
	return bid, nil
}

// GetAuctionResult reads (finalPrice, winner, isSettled, settlementTime).
func (a *AuctionContract) GetAuctionResult(ctx context.Context, auctionID uint64) (*types.AuctionResult, error) {
	id := new(big.Int).SetUint64(auctionID)
	row, err := a.call(ctx, "getAuctionResult", 4, id)
	if err != nil {
		return nil, err
	}

	result := &types.AuctionResult{AuctionID: auctionID}
	if err = extractBigIntColumn(row[0], &result.FinalPrice, 0, "finalPrice"); err == nil {
		err = extractAddressColumn(row[1], &result.Winner, 1, "winner")
	}
	if err == nil {
		err = extractBoolColumn(row[2], &result.IsSettled, 2, "isSettled")
	}
	if err == nil {
		err = extractTimeColumn(row[3], &result.SettlementTime, 3, "settlementTime")
	}
	if err != nil {
		return nil, types.NewReadError("getAuctionResult", []any{id}, err)
	}
	return result, nil
}

func (a *AuctionContract) GetUserReputation(ctx context.Context, user common.Address) (uint32, error) {
	return a.reputation(ctx, "getUserReputation", user)
}

func (a *AuctionContract) GetSellerReputation(ctx context.Context, seller common.Address) (uint32, error) {
	return a.reputation(ctx, "getSellerReputation", seller)
}

func (a *AuctionContract) reputation(ctx context.Context, method string, addr common.Address) (uint32, error) {
	row, err := a.call(ctx, method, 1, addr)
	if err != nil {
		return 0, err
	}
	var score uint32
	if err := extractUint32Column(row[0], &score, 0, "reputation"); err != nil {
		return 0, types.NewReadError(method, []any{addr}, err)
	}
	return score, nil
}

// ═══════════════════════════════════════════════════════════════
// CALL BUILDERS
// ═══════════════════════════════════════════════════════════════

func (a *AuctionContract) CreateAuctionCall(name, description, imageURL string, startingPrice *big.Int,
	duration time.Duration, minBidIncrement *big.Int) types.ContractCall {
	return types.ContractCall{
		Method: "createAuction",
		Args: []any{
			name,
			description,
			imageURL,
			startingPrice,
			big.NewInt(int64(duration / time.Second)),
			minBidIncrement,
		},
	}
}

func (a *AuctionContract) PlaceBidCall(auctionID uint64, amount types.EncryptedValue, proof types.RangeProof,
	value *big.Int) types.ContractCall {
	return types.ContractCall{
		Method: "placeBid",
		Args:   []any{new(big.Int).SetUint64(auctionID), []byte(amount), []byte(proof)},
		Value:  value,
	}
}

func (a *AuctionContract) EndAuctionCall(auctionID uint64) types.ContractCall {
	return types.ContractCall{Method: "endAuction", Args: []any{new(big.Int).SetUint64(auctionID)}}
}

func (a *AuctionContract) SettleAuctionCall(auctionID uint64) types.ContractCall {
	return types.ContractCall{Method: "settleAuction", Args: []any{new(big.Int).SetUint64(auctionID)}}
}

func (a *AuctionContract) WithdrawBidCall(auctionID, bidID uint64) types.ContractCall {
	return types.ContractCall{
		Method: "withdrawBid",
		Args:   []any{new(big.Int).SetUint64(auctionID), new(big.Int).SetUint64(bidID)},
	}
}
