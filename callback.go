package mqbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrBridgeClosed is returned by Notify and Wait after Close.
var ErrBridgeClosed = errors.New("callback bridge is closed")

const (
	DefaultQueueSize     = 1024
	DefaultNotifyTimeout = 5 * time.Second
)

// MessageHandler is host code invoked with the text body of a delivered
// message.
type MessageHandler func(body string)

// Notification is one delivered message waiting for the host.
type Notification struct {
	Handle Handle
	Body   string
}

// Bridge carries message notifications from broker delivery goroutines to
// the host. Delivery goroutines only enqueue; host handlers run exclusively
// inside Dispatch, on whatever thread the host calls it from. A single FIFO
// keeps notifications of one client in arrival order.
type Bridge struct {
	queue   chan Notification
	wake    chan struct{}
	closed  chan struct{}
	once    sync.Once
	timeout time.Duration
	logger  *zap.Logger
	tel     *telemetry

	mu       sync.RWMutex
	handlers map[Handle]MessageHandler

	dispatching atomic.Bool
}

// NewBridge returns a bridge holding at most size pending notifications.
// Notify waits up to timeout for room before dropping.
func NewBridge(size int, timeout time.Duration, logger *zap.Logger) *Bridge {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		queue:    make(chan Notification, size),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
		timeout:  timeout,
		logger:   logger,
		handlers: make(map[Handle]MessageHandler),
	}
}

// SetHandler registers fn for h, replacing any previous handler. A nil fn
// removes the registration.
func (b *Bridge) SetHandler(h Handle, fn MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn == nil {
		delete(b.handlers, h)
		return
	}
	b.handlers[h] = fn
}

// RemoveHandler drops the handler of h. Queued notifications for h are
// discarded when dispatched.
func (b *Bridge) RemoveHandler(h Handle) {
	b.SetHandler(h, nil)
}

// HasHandler reports whether h has a registered handler.
func (b *Bridge) HasHandler(h Handle) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[h]
	return ok
}

// Notify queues body for h. It never runs host code and never blocks for
// longer than the configured timeout.
func (b *Bridge) Notify(ctx context.Context, h Handle, body string) error {
	n := Notification{Handle: h, Body: body}

	select {
	case <-b.closed:
		return ErrBridgeClosed
	default:
	}

	select {
	case b.queue <- n:
		b.signal()
		return nil
	default:
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.queue <- n:
		b.signal()
		return nil
	case <-timer.C:
		b.drop(ctx, h, "queue_full")
		return ErrQueueFull
	case <-ctx.Done():
		b.drop(ctx, h, "cancelled")
		return ctx.Err()
	case <-b.closed:
		return ErrBridgeClosed
	}
}

func (b *Bridge) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) drop(ctx context.Context, h Handle, reason string) {
	b.logger.Warn("dropping message notification",
		zap.Uint32("handle", uint32(h)),
		zap.String("reason", reason),
	)
	if b.tel != nil {
		b.tel.addDropped(ctx, reason)
	}
}

// Dispatch delivers up to max queued notifications to their handlers and
// returns how many reached a handler. With max <= 0 it drains what was
// queued when the call started. A call made while another Dispatch is in
// progress, including one made from inside a handler, returns 0.
func (b *Bridge) Dispatch(max int) int {
	if !b.dispatching.CompareAndSwap(false, true) {
		return 0
	}
	defer b.dispatching.Store(false)

	limit := max
	if limit <= 0 {
		limit = len(b.queue)
	}

	delivered := 0
	for i := 0; i < limit; i++ {
		select {
		case n := <-b.queue:
			if b.invoke(n) {
				delivered++
			}
		default:
			return delivered
		}
	}
	return delivered
}

func (b *Bridge) invoke(n Notification) (ok bool) {
	b.mu.RLock()
	fn := b.handlers[n.Handle]
	b.mu.RUnlock()

	if fn == nil {
		b.drop(context.Background(), n.Handle, "no_handler")
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked",
				zap.Uint32("handle", uint32(n.Handle)),
				zap.String("panic", fmt.Sprint(r)),
			)
			ok = false
		}
	}()
	fn(n.Body)
	return true
}

// Pending returns the number of queued notifications.
func (b *Bridge) Pending() int {
	return len(b.queue)
}

// Ready is signalled whenever a notification is queued. Hosts with an event
// loop can select on it and call Dispatch.
func (b *Bridge) Ready() <-chan struct{} {
	return b.wake
}

// Wait blocks until a notification is pending, ctx is done or the bridge is
// closed.
func (b *Bridge) Wait(ctx context.Context) error {
	for {
		if b.Pending() > 0 {
			return nil
		}
		select {
		case <-b.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return ErrBridgeClosed
		}
	}
}

// Close stops accepting notifications and discards the pending ones.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.closed)
	})
	for {
		select {
		case <-b.queue:
		default:
			b.mu.Lock()
			b.handlers = make(map[Handle]MessageHandler)
			b.mu.Unlock()
			return
		}
	}
}
