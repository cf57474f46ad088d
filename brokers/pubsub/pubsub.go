package pubsub

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/qvcloud/mqbridge"
)

type pubsubProvider interface {
	Publish(ctx context.Context, topic string, msg *pubsub.Message) (string, error)
	EnsureTopic(ctx context.Context, topic string) error
	EnsureSubscription(ctx context.Context, sub, topic string, expiry time.Duration) error
	DeleteSubscription(ctx context.Context, sub string) error
	Receive(ctx context.Context, sub string, f func(context.Context, *pubsub.Message)) error
	Close() error
}

type realPubSubProvider struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (r *realPubSubProvider) topic(id string) *pubsub.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[id]
	if !ok {
		t = r.client.Topic(id)
		t.EnableMessageOrdering = true
		r.topics[id] = t
	}
	return t
}

func (r *realPubSubProvider) Publish(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	return r.topic(topic).Publish(ctx, msg).Get(ctx)
}

func (r *realPubSubProvider) EnsureTopic(ctx context.Context, topic string) error {
	ok, err := r.topic(topic).Exists(ctx)
	if err != nil || ok {
		return err
	}
	_, err = r.client.CreateTopic(ctx, topic)
	return err
}

func (r *realPubSubProvider) EnsureSubscription(ctx context.Context, sub, topic string, expiry time.Duration) error {
	ok, err := r.client.Subscription(sub).Exists(ctx)
	if err != nil || ok {
		return err
	}
	cfg := pubsub.SubscriptionConfig{
		Topic:                 r.topic(topic),
		AckDeadline:           30 * time.Second,
		EnableMessageOrdering: true,
	}
	if expiry > 0 {
		cfg.ExpirationPolicy = expiry
	}
	_, err = r.client.CreateSubscription(ctx, sub, cfg)
	return err
}

func (r *realPubSubProvider) DeleteSubscription(ctx context.Context, sub string) error {
	return r.client.Subscription(sub).Delete(ctx)
}

func (r *realPubSubProvider) Receive(ctx context.Context, sub string, f func(context.Context, *pubsub.Message)) error {
	return r.client.Subscription(sub).Receive(ctx, f)
}

func (r *realPubSubProvider) Close() error {
	r.mu.Lock()
	for id, t := range r.topics {
		t.Stop()
		delete(r.topics, id)
	}
	r.mu.Unlock()
	return r.client.Close()
}

// pubsubBroker shares one subscription per queue between all of its
// consumers. Every topic subscriber gets a subscription of its own, removed
// again on Unsubscribe and left to expire if the process dies first.
type pubsubBroker struct {
	opts     mqbridge.Options
	provider pubsubProvider

	sync.RWMutex
	running bool

	newProvider func(ctx context.Context, projectID string) (pubsubProvider, error)
}

func (p *pubsubBroker) Options() mqbridge.Options { return p.opts }

func (p *pubsubBroker) Address() string {
	if len(p.opts.Addrs) > 0 {
		return p.opts.Addrs[0]
	}
	return ""
}

func (p *pubsubBroker) Init(opts ...mqbridge.Option) error {
	for _, o := range opts {
		o(&p.opts)
	}
	return nil
}

// projectID reads the project from "gcppubsub://project". An empty project
// asks the client library to detect it from the credentials.
func (p *pubsubBroker) projectID() (string, error) {
	addr := p.Address()
	if addr == "" {
		return "", fmt.Errorf("pubsub: project ID must be provided in Addrs")
	}
	if _, rest, ok := strings.Cut(addr, "://"); ok {
		addr = rest
	}
	addr = strings.Trim(addr, "/")
	if addr == "" {
		return pubsub.DetectProjectID, nil
	}
	return addr, nil
}

func (p *pubsubBroker) Connect() error {
	p.Lock()
	defer p.Unlock()

	if p.running {
		return nil
	}

	projectID, err := p.projectID()
	if err != nil {
		return err
	}

	provider, err := p.newProvider(context.Background(), projectID)
	if err != nil {
		if p.opts.Logger != nil {
			p.opts.Logger.Logf("PubSub client error for %s: %v", projectID, err)
		}
		return err
	}

	p.provider = provider
	p.running = true

	mqbridge.WarnUnconsumed(p.opts.Context, p.opts.Logger)
	return nil
}

func (p *pubsubBroker) Disconnect() error {
	p.Lock()
	defer p.Unlock()

	if !p.running {
		return nil
	}

	var err error
	if p.provider != nil {
		err = p.provider.Close()
	}

	p.provider = nil
	p.running = false
	return err
}

func (p *pubsubBroker) Publish(ctx context.Context, dest mqbridge.Destination, msg *mqbridge.Message, opts ...mqbridge.PublishOption) error {
	options := mqbridge.NewPublishOptions(ctx, opts...)

	p.RLock()
	provider := p.provider
	p.RUnlock()

	if provider == nil {
		return fmt.Errorf("pubsub: not connected")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	attributes := make(map[string]string, len(msg.Header)+2)
	for k, v := range msg.Header {
		attributes[k] = v
	}
	attributes[mqbridge.HeaderPriority] = strconv.Itoa(mqbridge.ClampPriority(options.Priority))
	attributes[mqbridge.HeaderDeliveryMode] = options.DeliveryMode.String()

	_, err := provider.Publish(ctx, dest.Name, &pubsub.Message{
		Data:        msg.Body,
		Attributes:  attributes,
		OrderingKey: options.ShardingKey,
	})
	if err == nil {
		mqbridge.WarnUnconsumed(options.Context, p.opts.Logger)
	}
	return err
}

// subscription names the subscription a subscriber receives from and
// reports whether it belongs to this subscriber alone.
func (p *pubsubBroker) subscription(dest mqbridge.Destination, options mqbridge.SubscribeOptions) (string, bool) {
	if options.Group != "" {
		return options.Group, false
	}
	if dest.Pipeline == mqbridge.Queue {
		return dest.Name, false
	}
	id := p.opts.ClientID
	if id == "" {
		id = uuid.New().String()
	}
	return dest.Name + "-" + id, true
}

func (p *pubsubBroker) Subscribe(dest mqbridge.Destination, handler mqbridge.Handler, opts ...mqbridge.SubscribeOption) (mqbridge.Subscriber, error) {
	options := mqbridge.NewSubscribeOptions(opts...)

	p.RLock()
	provider := p.provider
	p.RUnlock()

	if provider == nil {
		return nil, fmt.Errorf("pubsub: not connected")
	}

	subID, owned := p.subscription(dest, options)
	expiry := time.Duration(0)
	if owned {
		expiry = 24 * time.Hour
		if v, ok := mqbridge.GetTrackedValue(p.opts.Context, expiryKey{}).(time.Duration); ok {
			expiry = v
		}
	}

	setup, cancelSetup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSetup()
	if err := provider.EnsureTopic(setup, dest.Name); err != nil {
		return nil, fmt.Errorf("pubsub: topic %s: %w", dest.Name, err)
	}
	if err := provider.EnsureSubscription(setup, subID, dest.Name, expiry); err != nil {
		return nil, fmt.Errorf("pubsub: subscription %s: %w", subID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &pubsubSubscriber{
		dest:     dest,
		subID:    subID,
		owned:    owned,
		opts:     options,
		provider: provider,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		err := provider.Receive(ctx, subID, func(ctx context.Context, pm *pubsub.Message) {
			header := make(map[string]string, len(pm.Attributes)+1)
			for k, v := range pm.Attributes {
				header[k] = v
			}
			if pm.ID != "" {
				header[mqbridge.HeaderMessageID] = pm.ID
			}

			event := &pubsubEvent{
				dest:    dest,
				message: &mqbridge.Message{Header: header, Body: pm.Data},
				pm:      pm,
			}

			if err := handler(ctx, event); err != nil {
				event.err = err
				if eh := p.opts.ErrorHandler; eh != nil {
					eh(ctx, event)
				}
				pm.Nack()
				return
			}
			if options.AutoAck {
				event.Ack()
			}
		})
		if err != nil && ctx.Err() == nil && p.opts.Logger != nil {
			p.opts.Logger.Logf("pubsub: receive from %s stopped: %v", subID, err)
		}
	}()

	return sub, nil
}

func (p *pubsubBroker) String() string {
	return "pubsub"
}

type pubsubSubscriber struct {
	dest     mqbridge.Destination
	subID    string
	owned    bool
	opts     mqbridge.SubscribeOptions
	provider pubsubProvider
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (s *pubsubSubscriber) Options() mqbridge.SubscribeOptions { return s.opts }
func (s *pubsubSubscriber) Destination() mqbridge.Destination  { return s.dest }

func (s *pubsubSubscriber) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if s.owned {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err = s.provider.DeleteSubscription(ctx, s.subID)
		}
	})
	return err
}

type pubsubEvent struct {
	dest    mqbridge.Destination
	message *mqbridge.Message
	pm      *pubsub.Message
	err     error
}

func (e *pubsubEvent) Destination() mqbridge.Destination { return e.dest }
func (e *pubsubEvent) Message() *mqbridge.Message        { return e.message }
func (e *pubsubEvent) Ack() error {
	e.pm.Ack()
	return nil
}

// Nack without requeue acknowledges the message so it is not redelivered.
func (e *pubsubEvent) Nack(requeue bool) error {
	if !requeue {
		e.pm.Ack()
		return nil
	}
	e.pm.Nack()
	return nil
}
func (e *pubsubEvent) Error() error { return e.err }

func NewBroker(opts ...mqbridge.Option) mqbridge.Broker {
	options := mqbridge.NewOptions(opts...)
	return &pubsubBroker{
		opts: *options,
		newProvider: func(ctx context.Context, projectID string) (pubsubProvider, error) {
			client, err := pubsub.NewClient(ctx, projectID)
			if err != nil {
				return nil, err
			}
			return &realPubSubProvider{client: client, topics: make(map[string]*pubsub.Topic)}, nil
		},
	}
}

type expiryKey struct{}

// WithSubscriptionExpiry sets how long an idle per-subscriber topic
// subscription survives. Pub/Sub accepts one day at the least.
func WithSubscriptionExpiry(d time.Duration) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, expiryKey{}, d, "pubsub.WithSubscriptionExpiry")
	}
}
