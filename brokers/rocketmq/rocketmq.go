package rocketmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/google/uuid"
	"github.com/qvcloud/mqbridge"
)

type rmqProducer interface {
	Start() error
	Shutdown() error
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
	SendOneWay(ctx context.Context, msgs ...*primitive.Message) error
}

type consumeFunc func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)

type rmqConsumer interface {
	Start() error
	Shutdown() error
	Subscribe(topic string, selector consumer.MessageSelector, f func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)) error
	Unsubscribe(topic string) error
}

// rmqBroker runs queues on clustering consumers, which share the messages of
// a group, and topics on broadcasting consumers, which each see every
// message. Persistent sends are synchronous; non-persistent ones are one-way.
type rmqBroker struct {
	opts mqbridge.Options

	producer rmqProducer

	sync.RWMutex
	consumers map[string]rmqConsumer
	running   bool

	newProducer func(opts ...producer.Option) (rmqProducer, error)
	newConsumer func(opts ...consumer.Option) (rmqConsumer, error)
}

func (r *rmqBroker) Options() mqbridge.Options { return r.opts }

func (r *rmqBroker) Address() string {
	if len(r.opts.Addrs) > 0 {
		return r.opts.Addrs[0]
	}
	return ""
}

func (r *rmqBroker) Init(opts ...mqbridge.Option) error {
	for _, o := range opts {
		o(&r.opts)
	}
	return nil
}

func (r *rmqBroker) nameServers() []string {
	var out []string
	for _, a := range r.opts.Addrs {
		out = append(out, mqbridge.HostsFromURI(a)...)
	}
	return out
}

func (r *rmqBroker) credentials() (primitive.Credentials, bool) {
	if r.opts.Context != nil {
		if c, ok := mqbridge.GetTrackedValue(r.opts.Context, credentialsKey{}).(primitive.Credentials); ok {
			return c, true
		}
	}
	if r.opts.Username == "" {
		return primitive.Credentials{}, false
	}
	return primitive.Credentials{AccessKey: r.opts.Username, SecretKey: r.opts.Password}, true
}

func (r *rmqBroker) retries() int {
	if r.opts.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(r.opts.Context, retryKey{}).(int); ok {
			return v
		}
	}
	return 2
}

func (r *rmqBroker) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.running {
		return nil
	}

	servers := r.nameServers()
	if len(servers) == 0 {
		return fmt.Errorf("rocketmq: name server addresses are required")
	}

	opts := []producer.Option{
		producer.WithNameServer(servers),
		producer.WithRetry(r.retries()),
	}
	if r.opts.ClientID != "" {
		opts = append(opts, producer.WithGroupName(r.opts.ClientID))
	}
	if c, ok := r.credentials(); ok {
		opts = append(opts, producer.WithCredentials(c))
	}

	p, err := r.newProducer(opts...)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		if r.opts.Logger != nil {
			r.opts.Logger.Logf("RocketMQ producer start error: %v", err)
		}
		return err
	}
	r.producer = p
	r.consumers = make(map[string]rmqConsumer)
	r.running = true

	mqbridge.WarnUnconsumed(r.opts.Context, r.opts.Logger)
	return nil
}

func (r *rmqBroker) Disconnect() error {
	r.Lock()
	defer r.Unlock()

	if !r.running {
		return nil
	}

	var firstErr error
	for id, c := range r.consumers {
		if err := c.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.consumers, id)
	}
	if r.producer != nil {
		if err := r.producer.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.producer = nil
	}

	r.running = false
	return firstErr
}

func (r *rmqBroker) Publish(ctx context.Context, dest mqbridge.Destination, msg *mqbridge.Message, opts ...mqbridge.PublishOption) error {
	options := mqbridge.NewPublishOptions(ctx, opts...)

	r.RLock()
	p := r.producer
	r.RUnlock()

	if p == nil {
		return fmt.Errorf("rocketmq: not connected")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rmqMsg := primitive.NewMessage(dest.Name, msg.Body)
	for k, v := range msg.Header {
		rmqMsg.WithProperty(k, v)
	}
	rmqMsg.WithProperty(mqbridge.HeaderPriority, strconv.Itoa(mqbridge.ClampPriority(options.Priority)))
	rmqMsg.WithProperty(mqbridge.HeaderDeliveryMode, options.DeliveryMode.String())

	if options.ShardingKey != "" {
		rmqMsg.WithShardingKey(options.ShardingKey)
	}
	if options.Context != nil {
		if tag, ok := mqbridge.GetTrackedValue(options.Context, tagKey{}).(string); ok {
			rmqMsg.WithTag(tag)
		}
	}
	mqbridge.WarnUnconsumed(options.Context, r.opts.Logger)

	if options.DeliveryMode == mqbridge.NonPersistent && !r.opts.Transacted {
		return p.SendOneWay(ctx, rmqMsg)
	}

	res, err := p.SendSync(ctx, rmqMsg)
	if err != nil {
		return err
	}
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send failed: %s", res.String())
	}
	return nil
}

// group picks the consumer group and message model of a subscription.
func (r *rmqBroker) group(dest mqbridge.Destination, options mqbridge.SubscribeOptions) (string, consumer.MessageModel) {
	model := consumer.Clustering
	if dest.Pipeline == mqbridge.Topic {
		model = consumer.BroadCasting
	}
	if options.Group != "" {
		return options.Group, model
	}
	if dest.Pipeline == mqbridge.Queue {
		return dest.Name, model
	}
	id := r.opts.ClientID
	if id == "" {
		id = uuid.New().String()
	}
	return dest.Name + "-" + id, model
}

func (r *rmqBroker) Subscribe(dest mqbridge.Destination, handler mqbridge.Handler, opts ...mqbridge.SubscribeOption) (mqbridge.Subscriber, error) {
	options := mqbridge.NewSubscribeOptions(opts...)

	r.RLock()
	running := r.running
	r.RUnlock()
	if !running {
		return nil, fmt.Errorf("rocketmq: not connected")
	}

	groupName, model := r.group(dest, options)
	copts := []consumer.Option{
		consumer.WithNameServer(r.nameServers()),
		consumer.WithGroupName(groupName),
		consumer.WithConsumerModel(model),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromFirstOffset),
	}
	if c, ok := r.credentials(); ok {
		copts = append(copts, consumer.WithCredentials(c))
	}

	c, err := r.newConsumer(copts...)
	if err != nil {
		return nil, err
	}

	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: "*"}
	if v, ok := mqbridge.GetTrackedValue(options.Context, tagKey{}).(string); ok && v != "" {
		selector.Expression = v
	}
	mqbridge.WarnUnconsumed(options.Context, r.opts.Logger)

	// the selector must be registered before the consumer starts
	if err := c.Subscribe(dest.Name, selector, r.consume(dest, options, handler)); err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	r.Lock()
	if !r.running {
		r.Unlock()
		c.Shutdown()
		return nil, fmt.Errorf("rocketmq: not connected")
	}
	r.consumers[id] = c
	r.Unlock()

	return &rmqSubscriber{
		id:       id,
		dest:     dest,
		opts:     options,
		consumer: c,
		broker:   r,
	}, nil
}

func (r *rmqBroker) consume(dest mqbridge.Destination, options mqbridge.SubscribeOptions, handler mqbridge.Handler) consumeFunc {
	return func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, m := range msgs {
			header := make(map[string]string)
			for k, v := range m.GetProperties() {
				header[k] = v
			}
			if m.MsgId != "" {
				header[mqbridge.HeaderMessageID] = m.MsgId
			}

			event := &rmqEvent{
				dest:    dest,
				message: &mqbridge.Message{Header: header, Body: m.Body},
			}
			if err := handler(ctx, event); err != nil {
				event.err = err
				if eh := r.opts.ErrorHandler; eh != nil {
					eh(ctx, event)
				}
				return consumer.ConsumeRetryLater, err
			}
			if event.requeue {
				return consumer.ConsumeRetryLater, nil
			}
			if options.AutoAck {
				event.Ack()
			}
		}
		return consumer.ConsumeSuccess, nil
	}
}

func (r *rmqBroker) String() string {
	return "rocketmq"
}

type rmqSubscriber struct {
	id       string
	dest     mqbridge.Destination
	opts     mqbridge.SubscribeOptions
	consumer rmqConsumer
	broker   *rmqBroker
	once     sync.Once
}

func (s *rmqSubscriber) Options() mqbridge.SubscribeOptions { return s.opts }
func (s *rmqSubscriber) Destination() mqbridge.Destination  { return s.dest }

func (s *rmqSubscriber) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.broker.Lock()
		_, live := s.broker.consumers[s.id]
		delete(s.broker.consumers, s.id)
		s.broker.Unlock()
		if !live {
			return
		}
		if uerr := s.consumer.Unsubscribe(s.dest.Name); uerr != nil {
			err = uerr
		}
		if serr := s.consumer.Shutdown(); serr != nil && err == nil {
			err = serr
		}
	})
	return err
}

// rmqEvent settles through the return value of the consume callback. Ack has
// nothing to do and Nack with requeue asks for redelivery.
type rmqEvent struct {
	dest    mqbridge.Destination
	message *mqbridge.Message
	requeue bool
	err     error
}

func (e *rmqEvent) Destination() mqbridge.Destination { return e.dest }
func (e *rmqEvent) Message() *mqbridge.Message        { return e.message }
func (e *rmqEvent) Ack() error                        { return nil }
func (e *rmqEvent) Nack(requeue bool) error           { e.requeue = requeue; return nil }
func (e *rmqEvent) Error() error                      { return e.err }

func NewBroker(opts ...mqbridge.Option) mqbridge.Broker {
	options := mqbridge.NewOptions(opts...)

	return &rmqBroker{
		opts: *options,
		newProducer: func(opts ...producer.Option) (rmqProducer, error) {
			return rocketmq.NewProducer(opts...)
		},
		newConsumer: func(opts ...consumer.Option) (rmqConsumer, error) {
			return rocketmq.NewPushConsumer(opts...)
		},
	}
}

type retryKey struct{}
type credentialsKey struct{}
type tagKey struct{}

// WithRetry sets how often the producer retries a failed send.
func WithRetry(n int) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, retryKey{}, n, "rocketmq.WithRetry")
	}
}

// WithCredentials authenticates with an ACL access key pair instead of the
// username and password of the connection.
func WithCredentials(accessKey, secretKey string) mqbridge.Option {
	return func(o *mqbridge.Options) {
		c := primitive.Credentials{AccessKey: accessKey, SecretKey: secretKey}
		o.Context = mqbridge.WithTrackedValue(o.Context, credentialsKey{}, c, "rocketmq.WithCredentials")
	}
}

// WithTag tags a published message.
func WithTag(tag string) mqbridge.PublishOption {
	return func(o *mqbridge.PublishOptions) {
		o.Context = mqbridge.WithTrackedValue(o.Context, tagKey{}, tag, "rocketmq.WithTag")
	}
}

// WithTagExpression filters a subscription by tag, e.g. "a || b".
func WithTagExpression(expr string) mqbridge.SubscribeOption {
	return func(o *mqbridge.SubscribeOptions) {
		o.Context = mqbridge.WithTrackedValue(o.Context, tagKey{}, expr, "rocketmq.WithTagExpression")
	}
}
