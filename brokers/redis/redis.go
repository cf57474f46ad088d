package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/mqbridge"
	"github.com/redis/go-redis/v9"
)

type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type redisPubSub interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// redisBroker keeps queues in streams read through a consumer group, so each
// entry reaches one consumer and survives until it is acknowledged. Topics
// use PUBLISH/SUBSCRIBE, which fans out to every subscriber and keeps
// nothing, with the message encoded by the codec.
type redisBroker struct {
	opts   mqbridge.Options
	client redisClient

	sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	newClient func(opts *redis.Options) redisClient
	subscribe func(ctx context.Context, client redisClient, channel string) redisPubSub
}

func (r *redisBroker) Options() mqbridge.Options { return r.opts }

func (r *redisBroker) Address() string {
	if len(r.opts.Addrs) > 0 {
		return r.opts.Addrs[0]
	}
	return ""
}

func (r *redisBroker) Init(opts ...mqbridge.Option) error {
	for _, o := range opts {
		o(&r.opts)
	}
	return nil
}

func (r *redisBroker) codec() mqbridge.Marshaler {
	if r.opts.Codec != nil {
		return r.opts.Codec
	}
	return mqbridge.JsonMarshaler{}
}

// clientOptions accepts redis:// and rediss:// URLs as well as a bare
// host:port.
func (r *redisBroker) clientOptions() (*redis.Options, error) {
	addr := r.Address()
	if addr == "" {
		return nil, fmt.Errorf("redis: address is required")
	}

	var redisOpts *redis.Options
	scheme, _, _ := strings.Cut(addr, "://")
	switch strings.ToLower(scheme) {
	case "redis", "rediss":
		o, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		redisOpts = o
	default:
		hosts := mqbridge.HostsFromURI(addr)
		if len(hosts) == 0 {
			return nil, fmt.Errorf("redis: invalid address %q", addr)
		}
		redisOpts = &redis.Options{Addr: hosts[0]}
	}

	if r.opts.TLSConfig != nil {
		redisOpts.TLSConfig = r.opts.TLSConfig
	}
	if r.opts.Username != "" {
		redisOpts.Username = r.opts.Username
		redisOpts.Password = r.opts.Password
	}
	if r.opts.ClientID != "" {
		redisOpts.ClientName = r.opts.ClientID
	}

	if r.opts.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(r.opts.Context, passwordKey{}).(string); ok {
			redisOpts.Password = v
		}
		if v, ok := mqbridge.GetTrackedValue(r.opts.Context, dbKey{}).(int); ok {
			redisOpts.DB = v
		}
	}
	return redisOpts, nil
}

func (r *redisBroker) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.running {
		return nil
	}

	redisOpts, err := r.clientOptions()
	if err != nil {
		return err
	}
	client := r.newClient(redisOpts)

	// Check connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis: connect error: %w", err)
	}

	r.client = client
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true

	mqbridge.WarnUnconsumed(r.opts.Context, r.opts.Logger)
	return nil
}

func (r *redisBroker) Disconnect() error {
	r.Lock()
	defer r.Unlock()

	if !r.running {
		return nil
	}

	if r.cancel != nil {
		r.cancel()
	}

	var err error
	if r.client != nil {
		err = r.client.Close()
	}

	r.client = nil
	r.running = false
	return err
}

func (r *redisBroker) Publish(ctx context.Context, dest mqbridge.Destination, msg *mqbridge.Message, opts ...mqbridge.PublishOption) error {
	options := mqbridge.NewPublishOptions(ctx, opts...)

	r.RLock()
	client := r.client
	r.RUnlock()

	if client == nil {
		return fmt.Errorf("redis: not connected")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	header := make(map[string]string, len(msg.Header)+2)
	for k, v := range msg.Header {
		header[k] = v
	}
	header[mqbridge.HeaderPriority] = strconv.Itoa(mqbridge.ClampPriority(options.Priority))
	header[mqbridge.HeaderDeliveryMode] = options.DeliveryMode.String()

	if dest.Pipeline == mqbridge.Topic {
		payload, err := r.codec().Marshal(&mqbridge.Message{Header: header, Body: msg.Body})
		if err != nil {
			return fmt.Errorf("redis: encode: %w", err)
		}
		mqbridge.WarnUnconsumed(options.Context, r.opts.Logger)
		return client.Publish(ctx, dest.Name, payload).Err()
	}

	values := make(map[string]interface{}, len(header)+1)
	values["body"] = msg.Body
	for k, v := range header {
		values["h:"+k] = v
	}

	maxlen := int64(0)
	if options.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(options.Context, maxlenKey{}).(int64); ok {
			maxlen = v
		}
	}

	arg := &redis.XAddArgs{
		Stream: dest.Name,
		Values: values,
		MaxLen: maxlen,
		Approx: maxlen > 0,
	}

	err := client.XAdd(ctx, arg).Err()
	if err == nil {
		mqbridge.WarnUnconsumed(options.Context, r.opts.Logger)
	}
	return err
}

func (r *redisBroker) Subscribe(dest mqbridge.Destination, handler mqbridge.Handler, opts ...mqbridge.SubscribeOption) (mqbridge.Subscriber, error) {
	options := mqbridge.NewSubscribeOptions(opts...)

	r.RLock()
	client := r.client
	brokerCtx := r.ctx
	r.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("redis: not connected")
	}
	if brokerCtx == nil {
		brokerCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(brokerCtx)
	sub := &redisSubscriber{dest: dest, opts: options, cancel: cancel, done: make(chan struct{})}

	if dest.Pipeline == mqbridge.Topic {
		ps := r.subscribe(ctx, client, dest.Name)
		// wait for the subscription to be confirmed
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			cancel()
			return nil, fmt.Errorf("redis: subscribe %s: %w", dest.Name, err)
		}
		sub.closer = ps
		go r.runChannel(ctx, sub, ps, handler)
		return sub, nil
	}

	group := options.Group
	if group == "" {
		group = dest.Name
	}
	consumerName := r.opts.ClientID
	if consumerName == "" {
		consumerName = "consumer-" + uuid.New().String()
	}

	// Ensure group exists
	err := client.XGroupCreateMkStream(ctx, dest.Name, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		cancel()
		return nil, err
	}

	go func() {
		defer close(sub.done)

		// Read pending messages first
		r.processStream(ctx, client, dest, group, consumerName, "0", handler, options)

		for ctx.Err() == nil {
			if !r.processStream(ctx, client, dest, group, consumerName, ">", handler, options) {
				select {
				case <-ctx.Done():
				case <-time.After(100 * time.Millisecond):
				}
			}
		}
	}()

	return sub, nil
}

func (r *redisBroker) runChannel(ctx context.Context, sub *redisSubscriber, ps redisPubSub, handler mqbridge.Handler) {
	defer close(sub.done)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg := &mqbridge.Message{}
			if err := r.codec().Unmarshal([]byte(m.Payload), msg); err != nil {
				if r.opts.Logger != nil {
					r.opts.Logger.Logf("redis: dropping undecodable message on %s: %v", m.Channel, err)
				}
				continue
			}
			if msg.Header == nil {
				msg.Header = make(map[string]string)
			}
			event := &redisEvent{dest: sub.dest, msg: msg}
			if err := handler(ctx, event); err != nil {
				event.err = err
				if eh := r.opts.ErrorHandler; eh != nil {
					eh(ctx, event)
				}
			}
		}
	}
}

func (r *redisBroker) processStream(ctx context.Context, client redisClient, dest mqbridge.Destination, group, consumer, id string, handler mqbridge.Handler, subOpts mqbridge.SubscribeOptions) bool {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{dest.Name, id},
		Count:    10,
		Block:    time.Second * 5,
	}).Result()

	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			if r.opts.Logger != nil {
				r.opts.Logger.Logf("redis: read error: %v", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		return false
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return false
	}

	for _, xmsg := range streams[0].Messages {
		msg := &mqbridge.Message{
			Header: map[string]string{mqbridge.HeaderMessageID: xmsg.ID},
		}
		if body, ok := xmsg.Values["body"].([]byte); ok {
			msg.Body = body
		} else if body, ok := xmsg.Values["body"].(string); ok {
			msg.Body = []byte(body)
		}

		for k, v := range xmsg.Values {
			if strings.HasPrefix(k, "h:") {
				msg.Header[k[2:]] = fmt.Sprint(v)
			}
		}

		event := &redisEvent{
			dest:   dest,
			msg:    msg,
			raw:    xmsg,
			stream: streams[0].Stream,
			group:  group,
			client: client,
		}

		if err := handler(ctx, event); err != nil {
			event.err = err
			if eh := r.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
			continue
		}
		if subOpts.AutoAck {
			event.Ack()
		}
	}

	return true
}

func (r *redisBroker) String() string { return "redis" }

type redisSubscriber struct {
	dest   mqbridge.Destination
	opts   mqbridge.SubscribeOptions
	cancel context.CancelFunc
	closer redisPubSub
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscriber) Options() mqbridge.SubscribeOptions { return s.opts }
func (s *redisSubscriber) Destination() mqbridge.Destination  { return s.dest }

func (s *redisSubscriber) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.closer != nil {
			err = s.closer.Close()
		}
		<-s.done
	})
	return err
}

// redisEvent acknowledges stream entries with XACK. Pub/sub messages have
// nothing to settle.
type redisEvent struct {
	dest   mqbridge.Destination
	msg    *mqbridge.Message
	raw    redis.XMessage
	stream string
	group  string
	client redisClient
	err    error
}

func (e *redisEvent) Destination() mqbridge.Destination { return e.dest }
func (e *redisEvent) Message() *mqbridge.Message        { return e.msg }
func (e *redisEvent) Ack() error {
	if e.client == nil {
		return nil
	}
	return e.client.XAck(context.Background(), e.stream, e.group, e.raw.ID).Err()
}

// Nack without requeue drops the entry. With requeue it stays pending and is
// read again when a consumer of the group restarts.
func (e *redisEvent) Nack(requeue bool) error {
	if !requeue {
		return e.Ack()
	}
	return nil
}
func (e *redisEvent) Error() error { return e.err }

type passwordKey struct{}
type dbKey struct{}
type maxlenKey struct{}

func WithPassword(p string) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, passwordKey{}, p, "redis.WithPassword")
	}
}

func WithDB(db int) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, dbKey{}, db, "redis.WithDB")
	}
}

// WithMaxLen caps the stream length of a queue, trimming approximately.
func WithMaxLen(l int64) mqbridge.PublishOption {
	return func(o *mqbridge.PublishOptions) {
		o.Context = mqbridge.WithTrackedValue(o.Context, maxlenKey{}, l, "redis.WithMaxLen")
	}
}

func NewBroker(opts ...mqbridge.Option) mqbridge.Broker {
	return &redisBroker{
		opts: *mqbridge.NewOptions(opts...),
		newClient: func(opts *redis.Options) redisClient {
			return redis.NewClient(opts)
		},
		subscribe: func(ctx context.Context, client redisClient, channel string) redisPubSub {
			return client.Subscribe(ctx, channel)
		},
	}
}
