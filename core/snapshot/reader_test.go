package snapshot

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/neonveil/sdk-go/core/contractsapi"
	"github.com/neonveil/sdk-go/core/ledger"
	"github.com/neonveil/sdk-go/core/simchain"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	alice = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	carol = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	ether = big.NewInt(1_000_000_000_000_000_000)
)

// fakeDecrypter maps ciphertext bytes to amounts.
type fakeDecrypter struct {
	initialized bool
	plain       map[string]string
	calls       atomic.Int32
}

func (f *fakeDecrypter) EncryptAmount(context.Context, *apd.Decimal, types.Bounds) (types.EncryptedValue, types.RangeProof, error) {
	return nil, nil, errors.New("not used")
}

func (f *fakeDecrypter) DecryptValue(_ context.Context, e types.EncryptedValue) (*apd.Decimal, error) {
	f.calls.Add(1)
	s, ok := f.plain[string(e)]
	if !ok {
		return nil, errors.Wrap(types.ErrDecryption, "unknown ciphertext")
	}
	return types.MustParseAmount(s), nil
}

func (f *fakeDecrypter) VerifyRangeProof(context.Context, types.EncryptedValue, types.RangeProof, types.Bounds) (bool, error) {
	return false, nil
}

func (f *fakeDecrypter) Status() types.ProviderStatus {
	return types.ProviderStatus{Initialized: f.initialized}
}

func (f *fakeDecrypter) Ready() <-chan struct{} { return make(chan struct{}) }

type fixture struct {
	chain    *simchain.Chain
	contract *contractsapi.AuctionContract
	ledger   *ledger.Ledger
	crypto   *fakeDecrypter
	reader   *Reader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		chain:  simchain.New(simchain.WithLogger(zap.NewNop())),
		ledger: ledger.New(),
		crypto: &fakeDecrypter{initialized: true, plain: map[string]string{}},
	}
	var err error
	f.contract, err = contractsapi.LoadAuctionContract(contractsapi.NewAuctionContractOptions{Transport: f.chain})
	require.NoError(t, err)
	f.reader, err = LoadReader(NewReaderOptions{
		Contract:   f.contract,
		Encryption: f.crypto,
		Ledger:     f.ledger,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return f
}

// mine sends call as sender and records the receipt's events in the ledger.
func (f *fixture) mine(t *testing.T, sender common.Address, call types.ContractCall) {
	t.Helper()
	ctx := context.Background()
	f.chain.SetSender(sender)
	hash, err := f.chain.Transact(ctx, call.Value, call.Method, call.Args...)
	require.NoError(t, err)
	receipt, err := f.chain.WaitMined(ctx, hash, time.Millisecond)
	require.NoError(t, err)
	for _, e := range contractsapi.DecodeReceiptLogs(receipt, time.Now()) {
		f.ledger.Record(e)
	}
}

func (f *fixture) createAuction(t *testing.T, seller common.Address, name string) {
	f.mine(t, seller, f.contract.CreateAuctionCall(name, "", "", ether, time.Hour, big.NewInt(1)))
}

func ids(auctions []types.Auction) []uint64 {
	out := make([]uint64, len(auctions))
	for i, a := range auctions {
		out[i] = a.ID
	}
	return out
}

func TestGetAllAuctions_SkipsFailedReads(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a", "b", "c"} {
		f.createAuction(t, alice, name)
	}
	f.chain.SetCallFault(func(method string, args []any) error {
		if method == "getAuctionInfo" && args[0].(*big.Int).Uint64() == 1 {
			return errors.New("node timeout")
		}
		return nil
	})

	auctions, err := f.reader.GetAllAuctions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 2}, ids(auctions))
	assert.Equal(t, "c", auctions[1].Name)
}

func TestGetAllAuctions_CounterFailure(t *testing.T) {
	f := newFixture(t)
	f.chain.SetCallFault(func(method string, _ []any) error {
		if method == "auctionCounter" {
			return errors.New("node down")
		}
		return nil
	})

	_, err := f.reader.GetAllAuctions(context.Background())
	var readErr *types.ReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, "auctionCounter", readErr.Method)
}

func TestGetAllAuctions_Empty(t *testing.T) {
	f := newFixture(t)
	auctions, err := f.reader.GetAllAuctions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, auctions)
}

func TestActiveAndUserAuctions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createAuction(t, alice, "lamp")
	f.createAuction(t, alice, "vase")
	f.createAuction(t, bob, "clock")
	f.mine(t, alice, f.contract.EndAuctionCall(1))

	active, err := f.reader.GetActiveAuctions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 2}, ids(active))

	mine, err := f.reader.GetUserAuctions(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, ids(mine))

	none, err := f.reader.GetUserAuctions(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDecryptAndCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.crypto.plain["sealed-1"] = "2.5"
	f.crypto.plain["sealed-2"] = "7"

	v, err := f.reader.DecryptAndCache(ctx, types.EncryptedValue("sealed-1"))
	require.NoError(t, err)
	assert.Equal(t, "2.5", v.String())

	// callers may mutate what they get back
	v.SetInt64(0)
	again, err := f.reader.DecryptAndCache(ctx, types.EncryptedValue("sealed-1"))
	require.NoError(t, err)
	assert.Equal(t, "2.5", again.String())
	assert.Equal(t, int32(1), f.crypto.calls.Load())

	_, err = f.reader.DecryptAndCache(ctx, types.EncryptedValue("sealed-2"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.crypto.calls.Load())
	assert.Equal(t, 2, f.reader.CachedDecryptions())

	_, err = f.reader.DecryptAndCache(ctx, types.EncryptedValue("foreign"))
	assert.ErrorIs(t, err, types.ErrDecryption)
	_, err = f.reader.DecryptAndCache(ctx, types.EncryptedValue("foreign"))
	assert.ErrorIs(t, err, types.ErrDecryption)
	assert.Equal(t, int32(4), f.crypto.calls.Load(), "failures are not cached")

	bare, err := LoadReader(NewReaderOptions{Contract: f.contract, Logger: zap.NewNop()})
	require.NoError(t, err)
	_, err = bare.DecryptAndCache(ctx, types.EncryptedValue("sealed-1"))
	assert.ErrorIs(t, err, types.ErrDecryption)
}

func TestDecryptAndCache_Evicts(t *testing.T) {
	f := newFixture(t)
	reader, err := LoadReader(NewReaderOptions{Contract: f.contract, Encryption: f.crypto, CacheSize: 2, Logger: zap.NewNop()})
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		f.crypto.plain[k] = "1"
		_, err := reader.DecryptAndCache(context.Background(), types.EncryptedValue(k))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, reader.CachedDecryptions())
}

func TestGetAuctionView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createAuction(t, alice, "lamp")
	f.mine(t, bob, f.contract.PlaceBidCall(0, types.EncryptedValue("bob-1"), types.RangeProof{1}, ether))
	f.mine(t, carol, f.contract.PlaceBidCall(0, types.EncryptedValue("carol-1"), types.RangeProof{1},
		new(big.Int).Mul(ether, big.NewInt(2))))
	f.crypto.plain["carol-1"] = "2"

	// a bid the view functions do not reflect yet
	f.ledger.Record(types.ChainEvent{
		EventMeta: types.EventMeta{ReceivedAt: time.Now(), TxHash: common.HexToHash("0xfeed"), LogIndex: 0},
		Payload:   types.BidPlaced{AuctionID: 0, BidID: 99, Bidder: bob},
	})

	view, err := f.reader.GetAuctionView(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), view.BidCount)
	assert.Equal(t, uint64(3), view.LiveBidCount)
	require.NotNil(t, view.SellerReputation)
	assert.Equal(t, uint32(0), *view.SellerReputation)
	assert.Len(t, view.RecentEvents, 4)
	require.NotNil(t, view.DecryptedCurrentBid)
	assert.Equal(t, "2", view.DecryptedCurrentBid.String())

	f.crypto.initialized = false
	view, err = f.reader.GetAuctionView(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, view.DecryptedCurrentBid, "views never start the engine")

	_, err = f.reader.GetAuctionView(ctx, 9)
	assert.ErrorIs(t, err, types.ErrRead)

	views, err := f.reader.GetAuctionViews(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "lamp", views[0].Name)
}

func TestGetUserBids(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createAuction(t, alice, "lamp")
	f.createAuction(t, alice, "vase")
	f.mine(t, bob, f.contract.PlaceBidCall(0, types.EncryptedValue("b0"), types.RangeProof{1}, ether))
	f.mine(t, carol, f.contract.PlaceBidCall(1, types.EncryptedValue("c0"), types.RangeProof{1}, ether))
	f.mine(t, bob, f.contract.PlaceBidCall(1, types.EncryptedValue("b1"), types.RangeProof{1},
		new(big.Int).Add(ether, big.NewInt(1))))

	bids, err := f.reader.GetUserBids(ctx, bob)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, uint64(2), bids[0].ID, "newest first")
	assert.Equal(t, uint64(1), bids[0].AuctionID)
	assert.Equal(t, types.EncryptedValue("b1"), bids[0].Amount)
	assert.Equal(t, uint64(0), bids[1].ID)

	bare, err := LoadReader(NewReaderOptions{Contract: f.contract, Logger: zap.NewNop()})
	require.NoError(t, err)
	bids, err = bare.GetUserBids(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, bids)
}

func TestReputationPassThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createAuction(t, alice, "lamp")
	f.mine(t, bob, f.contract.PlaceBidCall(0, types.EncryptedValue("b0"), types.RangeProof{1}, ether))
	f.mine(t, alice, f.contract.EndAuctionCall(0))
	f.mine(t, alice, f.contract.SettleAuctionCall(0))

	rep, err := f.reader.GetUserReputation(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rep)
	rep, err = f.reader.GetSellerReputation(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rep)

	result, err := f.reader.GetAuctionResult(ctx, 0)
	require.NoError(t, err)
	assert.True(t, result.IsSettled)
	assert.Equal(t, bob, result.Winner)

	n, err := f.reader.AuctionCounter(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	_, err = LoadReader(NewReaderOptions{})
	assert.Error(t, err)
}
