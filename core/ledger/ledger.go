package ledger

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-sql/civil"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/samber/lo"
)

const (
	DefaultCapacity = 100
	// DefaultRecentWindow is the window used by Recent when callers pass zero.
	DefaultRecentWindow = 24 * time.Hour
)

// Ledger is a bounded, most-recent-first log of contract events.
// It is a convenience view for display; it is never authoritative for amounts.
type Ledger struct {
	capacity int
	now      func() time.Time

	mu     sync.RWMutex
	events []types.ChainEvent // newest first
	keys   map[types.EventKey]struct{}
}

type Option func(*Ledger)

// WithCapacity sets the retention limit. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithClock replaces the clock used by Recent and DailyActivity.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		capacity: DefaultCapacity,
		now:      time.Now,
		keys:     make(map[types.EventKey]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.events = make([]types.ChainEvent, 0, l.capacity)
	return l
}

// Record prepends event and drops the oldest events beyond capacity. A log
// already held under the same (tx hash, log index) is ignored. It reports
// whether the event was stored.
func (l *Ledger) Record(event types.ChainEvent) bool {
	if event.Payload == nil {
		return false
	}
	key := event.Key()
	hasKey := key != (types.EventKey{})

	l.mu.Lock()
	defer l.mu.Unlock()
	if hasKey {
		if _, dup := l.keys[key]; dup {
			return false
		}
	}

	l.events = slices.Insert(l.events, 0, event)
	if hasKey {
		l.keys[key] = struct{}{}
	}
	for len(l.events) > l.capacity {
		dropped := l.events[len(l.events)-1]
		l.events = l.events[:len(l.events)-1]
		delete(l.keys, dropped.Key())
	}
	return true
}

// Query lazily yields retained events matching pred, newest first. The
// sequence works on a copy taken when iteration starts, so it can be ranged
// over again to observe newer events.
func (l *Ledger) Query(pred func(types.ChainEvent) bool) iter.Seq[types.ChainEvent] {
	return func(yield func(types.ChainEvent) bool) {
		for _, e := range l.All() {
			if pred != nil && !pred(e) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// All returns a copy of every retained event, newest first.
func (l *Ledger) All() []types.ChainEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.events)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = l.events[:0]
	clear(l.keys)
}

func (l *Ledger) filter(pred func(types.ChainEvent, int) bool) []types.ChainEvent {
	return lo.Filter(l.All(), pred)
}

func (l *Ledger) ByKind(kind types.EventKind) []types.ChainEvent {
	return l.filter(func(e types.ChainEvent, _ int) bool { return e.Kind() == kind })
}

func (l *Ledger) ByAuction(auctionID uint64) []types.ChainEvent {
	return l.filter(func(e types.ChainEvent, _ int) bool { return e.InvolvesAuction(auctionID) })
}

// ByParticipant returns events naming addr as bidder, seller, winner or user.
func (l *Ledger) ByParticipant(addr common.Address) []types.ChainEvent {
	return l.filter(func(e types.ChainEvent, _ int) bool { return e.Involves(addr) })
}

// Recent returns events received within window; zero means DefaultRecentWindow.
func (l *Ledger) Recent(window time.Duration) []types.ChainEvent {
	if window <= 0 {
		window = DefaultRecentWindow
	}
	cutoff := l.now().Add(-window)
	return l.filter(func(e types.ChainEvent, _ int) bool { return e.ReceivedAt.After(cutoff) })
}

func (l *Ledger) Stats() types.EventStats {
	events := l.All()
	counts := lo.CountValuesBy(events, func(e types.ChainEvent) types.EventKind { return e.Kind() })
	return types.EventStats{
		Total:             len(events),
		AuctionCreated:    counts[types.EventAuctionCreated],
		BidPlaced:         counts[types.EventBidPlaced],
		AuctionEnded:      counts[types.EventAuctionEnded],
		AuctionSettled:    counts[types.EventAuctionSettled],
		BidWithdrawn:      counts[types.EventBidWithdrawn],
		ReputationUpdated: counts[types.EventReputationUpdated],
	}
}

// DayActivity is the number of retained events received on one calendar day.
type DayActivity struct {
	Date  civil.Date `json:"date"`
	Count int        `json:"count"`
}

// DailyActivity counts retained events per local calendar day, oldest day first.
func (l *Ledger) DailyActivity() []DayActivity {
	loc := l.now().Location()
	counts := lo.CountValuesBy(l.All(), func(e types.ChainEvent) civil.Date {
		return civil.DateOf(e.ReceivedAt.In(loc))
	})
	days := lo.MapToSlice(counts, func(d civil.Date, n int) DayActivity {
		return DayActivity{Date: d, Count: n}
	})
	slices.SortFunc(days, func(a, b DayActivity) int {
		switch {
		case a.Date.Before(b.Date):
			return -1
		case b.Date.Before(a.Date):
			return 1
		}
		return 0
	})
	return days
}

// BidIDs returns the retained bids of an auction that have no retained withdrawal.
func (l *Ledger) BidIDs(auctionID uint64) []uint64 {
	var placed []uint64
	withdrawn := make(map[uint64]struct{})
	for _, e := range l.ByAuction(auctionID) {
		switch p := e.Payload.(type) {
		case types.BidPlaced:
			placed = append(placed, p.BidID)
		case types.BidWithdrawn:
			withdrawn[p.BidID] = struct{}{}
		}
	}
	return lo.Uniq(lo.Reject(placed, func(id uint64, _ int) bool {
		_, ok := withdrawn[id]
		return ok
	}))
}

// BidCount is len(BidIDs(auctionID)).
func (l *Ledger) BidCount(auctionID uint64) int {
	return len(l.BidIDs(auctionID))
}
