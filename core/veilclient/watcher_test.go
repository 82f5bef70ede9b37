package veilclient

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/neonveil/sdk-go/core/contractsapi"
	"github.com/neonveil/sdk-go/core/ledger"
	"github.com/neonveil/sdk-go/core/simchain"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

var (
	seller = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bidder = common.HexToAddress("0x2222222222222222222222222222222222222222")
	rival  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	ether  = big.NewInt(1_000_000_000_000_000_000)
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []types.Notification
}

func (r *recordingNotifier) Notify(n types.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Message
	}
	return out
}

// hookedTransport is a simulated chain whose log subscriptions can be scripted.
type hookedTransport struct {
	*simchain.Chain
	subscribeFunc func(ctx context.Context, sink chan<- gethtypes.Log) (ethereum.Subscription, error)
	attempts      atomic.Int32
	subscribed    chan struct{}
	once          sync.Once
}

func (h *hookedTransport) SubscribeLogs(ctx context.Context, sink chan<- gethtypes.Log) (ethereum.Subscription, error) {
	h.attempts.Add(1)
	var (
		sub ethereum.Subscription
		err error
	)
	if h.subscribeFunc != nil {
		sub, err = h.subscribeFunc(ctx, sink)
	} else {
		sub, err = h.Chain.SubscribeLogs(ctx, sink)
	}
	if err == nil {
		h.once.Do(func() { close(h.subscribed) })
	}
	return sub, err
}

func newHookedTransport() *hookedTransport {
	return &hookedTransport{
		Chain:      simchain.New(simchain.WithSender(seller), simchain.WithLogger(zap.NewNop())),
		subscribed: make(chan struct{}),
	}
}

func startWatcher(t *testing.T, transport types.Transport, identity types.IdentityProvider) (*Watcher, *ledger.Ledger, *recordingNotifier) {
	t.Helper()
	l := ledger.New()
	notifier := &recordingNotifier{}
	w, err := NewWatcher(NewWatcherOptions{
		Transport: transport,
		Ledger:    l,
		Notifier:  notifier,
		Identity:  identity,
		Logger:    zap.NewNop(),
		Backoff:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	return w, l, notifier
}

func waitSubscribed(t *testing.T, h *hookedTransport) {
	t.Helper()
	select {
	case <-h.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never subscribed")
	}
}

func encodedLog(t *testing.T, payload types.EventPayload, tx byte, index uint) gethtypes.Log {
	t.Helper()
	l, err := contractsapi.EncodeLog(payload, types.EventMeta{TxHash: common.BytesToHash([]byte{tx}), LogIndex: index})
	require.NoError(t, err)
	return l
}

// replay sends logs into sink and then idles until unsubscribed.
func replay(logs ...gethtypes.Log) func(ctx context.Context, sink chan<- gethtypes.Log) (ethereum.Subscription, error) {
	return func(ctx context.Context, sink chan<- gethtypes.Log) (ethereum.Subscription, error) {
		return event.NewSubscription(func(quit <-chan struct{}) error {
			for _, l := range logs {
				select {
				case sink <- l:
				case <-quit:
					return nil
				}
			}
			<-quit
			return nil
		}), nil
	}
}

func TestNewWatcher_RequiresTransportAndLedger(t *testing.T) {
	_, err := NewWatcher(NewWatcherOptions{})
	assert.Error(t, err)

	_, err = NewWatcher(NewWatcherOptions{Transport: newHookedTransport()})
	assert.Error(t, err)
}

func TestWatcher_RecordsAndNotifies(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHookedTransport()
	self := types.IdentityFunc(func() (common.Address, bool) { return bidder, true })
	w, l, notifier := startWatcher(t, h, self)
	defer w.Stop()
	waitSubscribed(t, h)

	ctx := context.Background()
	contract, err := contractsapi.LoadAuctionContract(contractsapi.NewAuctionContractOptions{Transport: h})
	require.NoError(t, err)
	mine := func(from common.Address, call types.ContractCall) {
		h.SetSender(from)
		_, err := h.Transact(ctx, call.Value, call.Method, call.Args...)
		require.NoError(t, err)
	}

	mine(seller, contract.CreateAuctionCall("Lamp", "", "", ether, time.Hour, big.NewInt(1)))
	mine(bidder, contract.PlaceBidCall(0, []byte{1}, []byte{2}, new(big.Int).Mul(ether, big.NewInt(2))))
	mine(rival, contract.PlaceBidCall(0, []byte{3}, []byte{4}, new(big.Int).Mul(ether, big.NewInt(3))))

	require.Eventually(t, func() bool { return l.Len() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(notifier.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"New auction created: Lamp", "New bid placed on auction 0"}, notifier.messages())
	assert.Equal(t, 2, l.BidCount(0))

	w.Stop()
	stats := w.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(3), stats.Recorded)
}

func TestWatcher_IgnoresRedeliveryAndNoise(t *testing.T) {
	defer goleak.VerifyNone(t)

	created := encodedLog(t, types.AuctionCreated{AuctionID: 4, Seller: seller, Name: "Clock"}, 1, 0)
	noise := gethtypes.Log{TxHash: common.HexToHash("0x02"), Topics: []common.Hash{common.HexToHash("0xbeef")}}
	removed := encodedLog(t, types.AuctionSettled{AuctionID: 4, Winner: bidder, FinalPrice: big.NewInt(0)}, 3, 0)
	removed.Removed = true

	h := newHookedTransport()
	h.subscribeFunc = replay(created, created, noise, removed)
	w, l, notifier := startWatcher(t, h, nil)
	defer w.Stop()

	require.Eventually(t, func() bool { return w.Stats().Received == 4 }, 2*time.Second, 5*time.Millisecond)
	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Recorded)
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, uint64(1), stats.Undecodable)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, []string{"New auction created: Clock"}, notifier.messages())
}

func TestWatcher_Resubscribes(t *testing.T) {
	defer goleak.VerifyNone(t)

	first := encodedLog(t, types.AuctionCreated{AuctionID: 0, Seller: seller, Name: "First"}, 1, 0)
	second := encodedLog(t, types.AuctionCreated{AuctionID: 1, Seller: seller, Name: "Second"}, 2, 0)

	h := newHookedTransport()
	h.subscribeFunc = func(ctx context.Context, sink chan<- gethtypes.Log) (ethereum.Subscription, error) {
		switch h.attempts.Load() {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			// delivers one log and then drops
			return event.NewSubscription(func(quit <-chan struct{}) error {
				select {
				case sink <- first:
				case <-quit:
					return nil
				}
				return errors.New("connection reset")
			}), nil
		default:
			return replay(second)(ctx, sink)
		}
	}
	w, l, notifier := startWatcher(t, h, nil)
	defer w.Stop()

	require.Eventually(t, func() bool { return l.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.attempts.Load(), int32(3))
	assert.ElementsMatch(t, []string{"New auction created: First", "New auction created: Second"}, notifier.messages())
}

func TestWatcher_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHookedTransport()
	l := ledger.New()
	w, err := NewWatcher(NewWatcherOptions{Transport: h, Ledger: l, Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.False(t, w.Running())
	w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.Running())
	assert.Error(t, w.Start(context.Background()))

	// ends with its parent context and can be started again
	cancel()
	require.Eventually(t, func() bool { return !w.Running() }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Running())

	w.Stop()
	w.Stop()
	assert.False(t, w.Running())
}
