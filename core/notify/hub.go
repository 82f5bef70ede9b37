// Package notify fans notifications out to subscribers, such as the HTTP
// event stream, and keeps a short history for polling clients.
package notify

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/smallnest/chanx"
	"go.uber.org/zap"
)

const (
	DefaultHistory          = 50
	DefaultSubscriberBuffer = 32
)

// Hub implements types.Notifier. Notify never waits for subscribers; a
// subscriber whose buffer is full misses the notification.
type Hub struct {
	logger  *zap.Logger
	history int
	buffer  int

	ctx    context.Context
	cancel context.CancelFunc
	queue  *chanx.UnboundedChan[types.Notification]
	wg     sync.WaitGroup
	closed atomic.Bool

	mu          sync.RWMutex
	subscribers map[<-chan types.Notification]chan types.Notification
	recent      []types.Notification // newest first
	dropped     atomic.Uint64
}

var _ types.Notifier = (*Hub)(nil)

type Option func(*Hub)

func WithHistory(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.history = n
		}
	}
}

func WithSubscriberBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub starts the dispatcher. Call Close to stop it.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		history:     DefaultHistory,
		buffer:      DefaultSubscriberBuffer,
		subscribers: make(map[<-chan types.Notification]chan types.Notification),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDefault(h.logger, "notify")
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.queue = chanx.NewUnboundedChan[types.Notification](h.ctx, 64)

	h.wg.Add(1)
	go h.dispatch()
	return h
}

func (h *Hub) Notify(n types.Notification) {
	if h.closed.Load() {
		return
	}
	select {
	case h.queue.In <- n:
	case <-h.ctx.Done():
	}
}

func (h *Hub) dispatch() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case n, ok := <-h.queue.Out:
			if !ok {
				return
			}
			h.broadcast(n)
		}
	}
}

func (h *Hub) broadcast(n types.Notification) {
	h.mu.Lock()
	if h.history > 0 {
		h.recent = slices.Insert(h.recent, 0, n)
		if len(h.recent) > h.history {
			h.recent = h.recent[:h.history]
		}
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
			h.dropped.Add(1)
			h.logger.Debug("subscriber is behind, dropping notification", zap.String("title", n.Title))
		}
	}
}

// Subscribe returns a channel receiving every later notification. It is
// closed by Unsubscribe or Close.
func (h *Hub) Subscribe() <-chan types.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan types.Notification, h.buffer)
	if h.closed.Load() {
		close(ch)
		return ch
	}
	h.subscribers[ch] = ch
	return ch
}

func (h *Hub) Unsubscribe(ch <-chan types.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(w)
	}
}

// Recent returns up to the last n notifications, newest first. n <= 0 returns all retained.
func (h *Hub) Recent(n int) []types.Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.recent) {
		n = len(h.recent)
	}
	return slices.Clone(h.recent[:n])
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped counts notifications a slow subscriber missed.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close stops the dispatcher and closes every subscriber channel.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.subscribers {
		close(w)
	}
	clear(h.subscribers)
}
