package veilclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/go-playground/validator/v10"
	"github.com/neonveil/sdk-go/core/contractsapi"
	"github.com/neonveil/sdk-go/core/ledger"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"github.com/smallnest/chanx"
	"go.uber.org/zap"
)

// DefaultResubscribeBackoff caps the wait between subscription attempts.
const DefaultResubscribeBackoff = 10 * time.Second

var watcherValidator = validator.New()

// Watcher follows the contract's logs, records them in the ledger and
// publishes a notification for each newly recorded event.
//
// Logs are queued without bound between the subscription and the consumer, so
// a slow ledger or notifier never stalls the transport. A dropped subscription
// is re-established with backoff.
type Watcher struct {
	transport types.Transport
	ledger    *ledger.Ledger
	notifier  types.Notifier
	identity  types.IdentityProvider
	logger    *zap.Logger
	now       func() time.Time
	backoff   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	received    atomic.Uint64
	recorded    atomic.Uint64
	duplicates  atomic.Uint64
	undecodable atomic.Uint64
}

// NewWatcherOptions contains options for creating a Watcher
type NewWatcherOptions struct {
	Transport types.Transport `validate:"required"`
	Ledger    *ledger.Ledger  `validate:"required"`
	// Notifier receives event notifications. Nil drops them.
	Notifier types.Notifier
	// Identity decides which events are the local user's own.
	Identity types.IdentityProvider
	Logger   *zap.Logger
	// Backoff caps the wait between resubscription attempts.
	Backoff time.Duration
	Clock   func() time.Time
}

// WatcherStats counts the logs handled since the watcher was created.
type WatcherStats struct {
	Running     bool   `json:"running"`
	Received    uint64 `json:"received"`
	Recorded    uint64 `json:"recorded"`
	Duplicates  uint64 `json:"duplicates"`
	Undecodable uint64 `json:"undecodable"`
}

func NewWatcher(options NewWatcherOptions) (*Watcher, error) {
	if err := watcherValidator.Struct(options); err != nil {
		return nil, errors.WithStack(err)
	}
	w := &Watcher{
		transport: options.Transport,
		ledger:    options.Ledger,
		notifier:  options.Notifier,
		identity:  options.Identity,
		logger:    logging.OrDefault(options.Logger, "watcher"),
		now:       options.Clock,
		backoff:   options.Backoff,
	}
	if w.notifier == nil {
		w.notifier = types.NopNotifier{}
	}
	if w.identity == nil {
		w.identity = types.TransportIdentity(options.Transport)
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.backoff <= 0 {
		w.backoff = DefaultResubscribeBackoff
	}
	return w, nil
}

// Start begins following logs until ctx is done or Stop is called. It returns
// once the first subscription attempt has completed; a failed attempt is
// retried in the background.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		select {
		case <-w.done:
			// ended with its parent context
			w.cancel()
		default:
			return errors.New("watcher already running")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	// outlives runCtx until the subscription is gone, so producers never block on In
	queueCtx, queueCancel := context.WithCancel(context.Background())
	queue := chanx.NewUnboundedChan[gethtypes.Log](queueCtx, 64)

	attempted := make(chan struct{})
	var attemptOnce sync.Once

	// the context handed to the callback ends once it returns, so subscriptions use runCtx
	sub := event.ResubscribeErr(w.backoff, func(_ context.Context, lastErr error) (event.Subscription, error) {
		if lastErr != nil {
			w.logger.Warn("log subscription dropped, resubscribing", zap.Error(lastErr))
		}
		s, err := w.transport.SubscribeLogs(runCtx, queue.In)
		attemptOnce.Do(func() { close(attempted) })
		if err != nil {
			w.logger.Warn("log subscription failed", zap.Error(err))
			return nil, err
		}
		return s, nil
	})

	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go func() {
		defer close(done)
		defer queueCancel()
		defer sub.Unsubscribe()

		for {
			select {
			case <-runCtx.Done():
				return
			case l, ok := <-queue.Out:
				if !ok {
					return
				}
				w.handle(l)
			}
		}
	}()

	// logs mined after Start returns are not missed unless the first attempt failed
	select {
	case <-attempted:
	case <-runCtx.Done():
	}
	w.logger.Info("watching auction events")
	return nil
}

// Stop ends the subscription and waits for the consumer to exit. Queued logs
// not yet handled are discarded.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *Watcher) Stats() WatcherStats {
	return WatcherStats{
		Running:     w.Running(),
		Received:    w.received.Load(),
		Recorded:    w.recorded.Load(),
		Duplicates:  w.duplicates.Load(),
		Undecodable: w.undecodable.Load(),
	}
}

// ═══════════════════════════════════════════════════════════════
// HELPER METHODS
// ═══════════════════════════════════════════════════════════════

func (w *Watcher) handle(l gethtypes.Log) {
	w.received.Add(1)
	if l.Removed {
		w.logger.Debug("ignoring removed log", zap.Stringer("txHash", l.TxHash), zap.Uint("logIndex", l.Index))
		return
	}

	at := w.now()
	e, err := contractsapi.DecodeLog(l, at)
	if err != nil {
		w.undecodable.Add(1)
		w.logger.Debug("ignoring undecodable log", zap.Stringer("txHash", l.TxHash), zap.Error(err))
		return
	}
	if !w.ledger.Record(e) {
		w.duplicates.Add(1)
		return
	}
	w.recorded.Add(1)

	var self *common.Address
	if addr, ok := w.identity.Identity(); ok {
		self = &addr
	}
	if n, ok := eventNotification(e, self, at); ok {
		w.notifier.Notify(n)
	}
}
