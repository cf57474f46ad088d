package mqbridge

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// memorySubscriberBuffer bounds how far one subscriber may lag behind before
// Publish starts to wait for it.
const memorySubscriberBuffer = 256

// memoryBacklogLimit bounds the messages a queue keeps while nobody consumes
// it. Publish fails once it is reached.
const memoryBacklogLimit = 4096

var errBacklogFull = errors.New("memory: queue backlog is full")

// memoryHub holds the destinations of one memory address. Every broker
// created for the same address shares the hub, so a producer and a consumer
// client in the same process can talk to each other.
type memoryHub struct {
	sync.Mutex
	queues map[string]*memoryQueue
	topics map[string][]*memorySubscriber

	// connected brokers, guarded by memoryHubs
	refs int
}

type memoryQueue struct {
	backlog     []any
	subscribers []*memorySubscriber
	next        int
}

var memoryHubs = struct {
	sync.Mutex
	m map[string]*memoryHub
}{m: make(map[string]*memoryHub)}

func acquireHub(addr string) *memoryHub {
	memoryHubs.Lock()
	defer memoryHubs.Unlock()
	h, ok := memoryHubs.m[addr]
	if !ok {
		h = &memoryHub{
			queues: make(map[string]*memoryQueue),
			topics: make(map[string][]*memorySubscriber),
		}
		memoryHubs.m[addr] = h
	}
	h.refs++
	return h
}

// releaseHub forgets the hub of addr once no broker is connected to it and
// no queue holds undelivered messages.
func releaseHub(addr string, h *memoryHub) {
	memoryHubs.Lock()
	defer memoryHubs.Unlock()
	h.refs--
	if h.refs > 0 || memoryHubs.m[addr] != h || !h.idle() {
		return
	}
	delete(memoryHubs.m, addr)
}

func (h *memoryHub) idle() bool {
	h.Lock()
	defer h.Unlock()
	for _, q := range h.queues {
		if len(q.backlog) > 0 {
			return false
		}
	}
	return true
}

func (h *memoryHub) queue(name string) *memoryQueue {
	q, ok := h.queues[name]
	if !ok {
		q = &memoryQueue{}
		h.queues[name] = q
	}
	return q
}

type memorySubscriber struct {
	id      string
	dest    Destination
	handler Handler
	opts    SubscribeOptions
	ch      chan any
	exit    chan struct{}
	once    sync.Once
	hub     *memoryHub
	broker  *memoryBroker
}

func (s *memorySubscriber) Options() SubscribeOptions {
	return s.opts
}

func (s *memorySubscriber) Destination() Destination {
	return s.dest
}

func (s *memorySubscriber) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.exit)
	})
	return nil
}

func (s *memorySubscriber) run() {
	for {
		select {
		case <-s.exit:
			return
		case v := <-s.ch:
			s.deliver(v)
		}
	}
}

func (s *memorySubscriber) deliver(v any) {
	ctx := s.opts.Context
	e := &memoryEvent{
		opts:    s.broker.opts,
		dest:    s.dest,
		message: v,
		hub:     s.hub,
	}
	err := s.handler(ctx, e)
	if err != nil {
		e.err = err
		if eh := s.broker.opts.ErrorHandler; eh != nil {
			eh(ctx, e)
		}
	}
	if !s.opts.AutoAck && err != nil && !e.settled {
		e.Nack(true)
	}
}

type memoryEvent struct {
	opts    *Options
	dest    Destination
	err     error
	message any
	hub     *memoryHub
	settled bool
}

func (e *memoryEvent) Destination() Destination {
	return e.dest
}

func (e *memoryEvent) Message() *Message {
	switch v := e.message.(type) {
	case *Message:
		return v
	case []byte:
		msg := &Message{}
		if e.opts != nil && e.opts.Codec != nil {
			if err := e.opts.Codec.Unmarshal(v, msg); err != nil {
				return nil
			}
		}
		return msg
	}
	return nil
}

func (e *memoryEvent) Ack() error {
	e.settled = true
	return nil
}

// Nack puts a queue message back at the tail of its queue. Topic messages
// are dropped. The requeue runs on its own goroutine because the subscriber
// picked next may be the one currently delivering.
func (e *memoryEvent) Nack(requeue bool) error {
	e.settled = true
	if !requeue || e.hub == nil || e.dest.Pipeline != Queue {
		return nil
	}
	go e.hub.enqueue(context.Background(), e.dest.Name, e.message)
	return nil
}

func (e *memoryEvent) Error() error {
	return e.err
}

func (h *memoryHub) add(s *memorySubscriber) {
	h.Lock()
	defer h.Unlock()
	if s.dest.Pipeline == Topic {
		h.topics[s.dest.Name] = append(h.topics[s.dest.Name], s)
		return
	}
	q := h.queue(s.dest.Name)
	q.subscribers = append(q.subscribers, s)
	backlog := q.backlog
	q.backlog = nil
	for i, v := range backlog {
		select {
		case s.ch <- v:
		default:
			q.backlog = append(q.backlog, backlog[i:]...)
			return
		}
	}
}

func (h *memoryHub) remove(s *memorySubscriber) {
	h.Lock()
	defer h.Unlock()
	if s.dest.Pipeline == Topic {
		if subs := without(h.topics[s.dest.Name], s); len(subs) > 0 {
			h.topics[s.dest.Name] = subs
		} else {
			delete(h.topics, s.dest.Name)
		}
		return
	}
	q := h.queue(s.dest.Name)
	q.subscribers = without(q.subscribers, s)
	if len(q.subscribers) == 0 && len(q.backlog) == 0 {
		delete(h.queues, s.dest.Name)
	}
}

func without(subs []*memorySubscriber, s *memorySubscriber) []*memorySubscriber {
	var out []*memorySubscriber
	for _, sb := range subs {
		if sb.id == s.id {
			continue
		}
		out = append(out, sb)
	}
	return out
}

var errSubscriberGone = errors.New("memory: subscriber gone")

// enqueue hands v to the next queue subscriber in round-robin order, or
// keeps it in the backlog until one subscribes.
func (h *memoryHub) enqueue(ctx context.Context, name string, v any) error {
	for {
		h.Lock()
		q := h.queue(name)
		if len(q.subscribers) == 0 {
			if len(q.backlog) >= memoryBacklogLimit {
				h.Unlock()
				return errBacklogFull
			}
			q.backlog = append(q.backlog, v)
			h.Unlock()
			return nil
		}
		q.next = (q.next + 1) % len(q.subscribers)
		sub := q.subscribers[q.next]
		h.Unlock()

		err := sub.send(ctx, v)
		if errors.Is(err, errSubscriberGone) {
			continue
		}
		return err
	}
}

func (h *memoryHub) broadcast(ctx context.Context, name string, v any) error {
	h.Lock()
	subs := append([]*memorySubscriber(nil), h.topics[name]...)
	h.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.send(ctx, v); err != nil && !errors.Is(err, errSubscriberGone) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *memorySubscriber) send(ctx context.Context, v any) error {
	select {
	case s.ch <- v:
		return nil
	case <-s.exit:
		return errSubscriberGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

type memoryBroker struct {
	opts *Options
	sync.RWMutex
	hub         *memoryHub
	subscribers []*memorySubscriber
	running     bool
}

func (b *memoryBroker) Options() Options {
	return *b.opts
}

func (b *memoryBroker) Address() string {
	if len(b.opts.Addrs) > 0 {
		return b.opts.Addrs[0]
	}
	return ""
}

func (b *memoryBroker) Connect() error {
	b.Lock()
	defer b.Unlock()
	if b.running {
		return nil
	}
	b.hub = acquireHub(b.Address())
	b.running = true
	WarnUnconsumed(b.opts.Context, b.opts.Logger)
	return nil
}

func (b *memoryBroker) Disconnect() error {
	b.Lock()
	subs, hub, running := b.subscribers, b.hub, b.running
	b.subscribers = nil
	b.running = false
	b.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if running {
		releaseHub(b.Address(), hub)
	}
	return nil
}

func (b *memoryBroker) Init(opts ...Option) error {
	for _, opt := range opts {
		opt(b.opts)
	}
	return nil
}

func (b *memoryBroker) String() string {
	return "memory"
}

func (b *memoryBroker) Publish(ctx context.Context, dest Destination, msg *Message, opts ...PublishOption) error {
	options := NewPublishOptions(ctx, opts...)

	b.RLock()
	hub, running := b.hub, b.running
	b.RUnlock()
	if !running {
		return errors.New("memory: not connected")
	}

	out := &Message{Header: make(map[string]string, len(msg.Header)+2), Body: msg.Body}
	for k, v := range msg.Header {
		out.Header[k] = v
	}
	out.Header[HeaderPriority] = strconv.Itoa(options.Priority)
	out.Header[HeaderDeliveryMode] = options.DeliveryMode.String()

	var v any = out
	if b.opts.Codec != nil {
		buf, err := b.opts.Codec.Marshal(out)
		if err != nil {
			return err
		}
		v = buf
	}

	if dest.Pipeline == Topic {
		return hub.broadcast(options.Context, dest.Name, v)
	}
	return hub.enqueue(options.Context, dest.Name, v)
}

func (b *memoryBroker) Subscribe(dest Destination, handler Handler, opts ...SubscribeOption) (Subscriber, error) {
	options := NewSubscribeOptions(opts...)

	b.Lock()
	defer b.Unlock()
	if !b.running {
		return nil, errors.New("memory: not connected")
	}

	sub := &memorySubscriber{
		id:      uuid.New().String(),
		dest:    dest,
		handler: handler,
		opts:    options,
		ch:      make(chan any, memorySubscriberBuffer),
		exit:    make(chan struct{}),
		hub:     b.hub,
		broker:  b,
	}
	b.subscribers = append(b.subscribers, sub)
	go sub.run()
	b.hub.add(sub)

	return sub, nil
}

// NewMemoryBroker returns a broker that delivers within the process. Brokers
// sharing an address share their queues and topics.
func NewMemoryBroker(opts ...Option) Broker {
	options := NewOptions(opts...)

	return &memoryBroker{
		opts: options,
	}
}
