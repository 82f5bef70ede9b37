// Package snapshot reads auction state from the contract and folds in what
// the event ledger knows but the view functions do not yet reflect.
package snapshot

import (
	"context"

	"github.com/cockroachdb/apd/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/neonveil/sdk-go/core/ledger"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCacheSize = 512
	// maxParallelReads bounds concurrent view calls in batch reads.
	maxParallelReads = 8
	maxViewEvents    = 10
)

// Reader is safe for concurrent use.
type Reader struct {
	contract   types.IAuctionContract
	encryption types.EncryptionProvider
	ledger     *ledger.Ledger
	logger     *zap.Logger
	decrypted  *lru.Cache[common.Hash, *apd.Decimal]
}

// NewReaderOptions contains options for creating a Reader
type NewReaderOptions struct {
	Contract types.IAuctionContract
	// Encryption enables DecryptAndCache and decrypted current bids.
	Encryption types.EncryptionProvider
	// Ledger supplies live bid counts, recent events and user bids.
	Ledger    *ledger.Ledger
	Logger    *zap.Logger
	CacheSize int
}

func LoadReader(options NewReaderOptions) (*Reader, error) {
	if options.Contract == nil {
		return nil, errors.New("contract is required")
	}
	size := options.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Reader{
		contract:   options.Contract,
		encryption: options.Encryption,
		ledger:     options.Ledger,
		logger:     logging.OrDefault(options.Logger, "snapshot"),
		decrypted:  lru.NewCache[common.Hash, *apd.Decimal](size),
	}, nil
}

func (r *Reader) AuctionCounter(ctx context.Context) (uint64, error) {
	return r.contract.AuctionCounter(ctx)
}

// GetAuctionInfo reads one auction. Nothing is decrypted.
func (r *Reader) GetAuctionInfo(ctx context.Context, auctionID uint64) (*types.Auction, error) {
	return r.contract.GetAuctionInfo(ctx, auctionID)
}

// GetAllAuctions reads auctions 0..auctionCounter-1 in id order. An auction
// that cannot be read is logged and left out.
func (r *Reader) GetAllAuctions(ctx context.Context) ([]types.Auction, error) {
	counter, err := r.contract.AuctionCounter(ctx)
	if err != nil {
		return nil, err
	}

	slots := make([]*types.Auction, counter)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for id := uint64(0); id < counter; id++ {
		g.Go(func() error {
			auction, err := r.contract.GetAuctionInfo(gctx, id)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return errors.WithStack(ctxErr)
				}
				r.logger.Warn("skipping unreadable auction", zap.Uint64("auctionId", id), zap.Error(err))
				return nil
			}
			slots[id] = auction
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	auctions := make([]types.Auction, 0, len(slots))
	for _, a := range slots {
		if a != nil {
			auctions = append(auctions, *a)
		}
	}
	return auctions, nil
}

// GetActiveAuctions returns the auctions that are active and not ended.
func (r *Reader) GetActiveAuctions(ctx context.Context) ([]types.Auction, error) {
	all, err := r.GetAllAuctions(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(a types.Auction, _ int) bool { return a.IsOpen() }), nil
}

// GetUserAuctions returns the auctions sold by seller.
func (r *Reader) GetUserAuctions(ctx context.Context, seller common.Address) ([]types.Auction, error) {
	all, err := r.GetAllAuctions(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(a types.Auction, _ int) bool { return a.Seller == seller }), nil
}

func (r *Reader) GetBidInfo(ctx context.Context, bidID uint64) (*types.Bid, error) {
	return r.contract.GetBidInfo(ctx, bidID)
}

func (r *Reader) GetAuctionResult(ctx context.Context, auctionID uint64) (*types.AuctionResult, error) {
	return r.contract.GetAuctionResult(ctx, auctionID)
}

func (r *Reader) GetUserReputation(ctx context.Context, user common.Address) (uint32, error) {
	return r.contract.GetUserReputation(ctx, user)
}

func (r *Reader) GetSellerReputation(ctx context.Context, seller common.Address) (uint32, error) {
	return r.contract.GetSellerReputation(ctx, seller)
}

// GetUserBids returns the bids the ledger has seen from bidder, newest first,
// with their details read from the contract. Unreadable bids are skipped.
func (r *Reader) GetUserBids(ctx context.Context, bidder common.Address) ([]types.Bid, error) {
	if r.ledger == nil {
		return nil, nil
	}
	var ids []uint64
	for e := range r.ledger.Query(func(e types.ChainEvent) bool { return e.Kind() == types.EventBidPlaced }) {
		if p := e.Payload.(types.BidPlaced); p.Bidder == bidder {
			ids = append(ids, p.BidID)
		}
	}

	bids := make([]types.Bid, 0, len(ids))
	for _, id := range lo.Uniq(ids) {
		bid, err := r.contract.GetBidInfo(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.WithStack(ctxErr)
			}
			r.logger.Warn("skipping unreadable bid", zap.Uint64("bidId", id), zap.Error(err))
			continue
		}
		bids = append(bids, *bid)
	}
	return bids, nil
}

// DecryptAndCache decrypts e, remembering the result under the Keccak-256
// hash of the ciphertext.
func (r *Reader) DecryptAndCache(ctx context.Context, e types.EncryptedValue) (*apd.Decimal, error) {
	if r.encryption == nil {
		return nil, errors.Wrap(types.ErrDecryption, "no encryption provider configured")
	}
	key := crypto.Keccak256Hash(e)
	if v, ok := r.decrypted.Get(key); ok {
		return new(apd.Decimal).Set(v), nil
	}

	v, err := r.encryption.DecryptValue(ctx, e)
	if err != nil {
		return nil, err
	}
	r.decrypted.Add(key, new(apd.Decimal).Set(v))
	return v, nil
}

// CachedDecryptions is the number of cached plaintexts.
func (r *Reader) CachedDecryptions() int { return r.decrypted.Len() }
