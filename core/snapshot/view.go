package snapshot

import (
	"context"

	"github.com/cockroachdb/apd/v3"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/neonveil/sdk-go/core/util"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// GetAuctionView reads one auction and denormalizes it for presentation.
func (r *Reader) GetAuctionView(ctx context.Context, auctionID uint64) (*types.AuctionView, error) {
	auction, err := r.contract.GetAuctionInfo(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return r.view(ctx, *auction), nil
}

// GetAuctionViews builds views for every readable auction.
func (r *Reader) GetAuctionViews(ctx context.Context) ([]types.AuctionView, error) {
	auctions, err := r.GetAllAuctions(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(auctions, func(a types.Auction, _ int) types.AuctionView {
		return *r.view(ctx, a)
	}), nil
}

func (r *Reader) view(ctx context.Context, auction types.Auction) *types.AuctionView {
	v := &types.AuctionView{
		Auction:      auction,
		LiveBidCount: auction.BidCount,
		RecentEvents: []types.ChainEvent{},
	}

	if r.ledger != nil {
		if n := uint64(r.ledger.BidCount(auction.ID)); n > v.LiveBidCount {
			v.LiveBidCount = n
		}
		events := r.ledger.ByAuction(auction.ID)
		if len(events) > maxViewEvents {
			events = events[:maxViewEvents]
		}
		v.RecentEvents = events
	}

	if rep, err := r.contract.GetSellerReputation(ctx, auction.Seller); err == nil {
		v.SellerReputation = util.Ptr(rep)
	} else {
		r.logger.Debug("seller reputation unavailable", zap.Uint64("auctionId", auction.ID), zap.Error(err))
	}

	v.DecryptedCurrentBid = r.decryptLeadingBid(ctx, auction)
	return v
}

// decryptLeadingBid decrypts the newest retained bid of the current bidder.
// It never starts engine initialization and returns nil on any failure.
func (r *Reader) decryptLeadingBid(ctx context.Context, auction types.Auction) *apd.Decimal {
	if r.encryption == nil || r.ledger == nil || auction.CurrentBidder == nil {
		return nil
	}
	if !r.encryption.Status().Initialized {
		return nil
	}

	for e := range r.ledger.Query(func(e types.ChainEvent) bool {
		return e.Kind() == types.EventBidPlaced && e.InvolvesAuction(auction.ID)
	}) {
		placed := e.Payload.(types.BidPlaced)
		if placed.Bidder != *auction.CurrentBidder {
			continue
		}
		bid, err := r.contract.GetBidInfo(ctx, placed.BidID)
		if err != nil {
			r.logger.Debug("leading bid unavailable", zap.Uint64("bidId", placed.BidID), zap.Error(err))
			return nil
		}
		amount, err := r.DecryptAndCache(ctx, bid.Amount)
		if err != nil {
			// sealed to another engine
			return nil
		}
		return amount
	}
	return nil
}
