package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/mqbridge"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaBroker maps both pipelines onto Kafka topics. Queue subscribers share
// one consumer group so each record reaches one of them; every topic
// subscriber gets a group of its own so each receives every record.
// Persistent sends wait for all in-sync replicas, non-persistent ones for the
// leader only.
type kafkaBroker struct {
	opts mqbridge.Options

	// writers by delivery mode
	writers map[mqbridge.DeliveryMode]kafkaWriter

	sync.RWMutex
	readers map[string]kafkaReader
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	// Internal factories for testing
	newWriter func(w *kafka.Writer) kafkaWriter
	newReader func(cfg kafka.ReaderConfig) kafkaReader
}

func (k *kafkaBroker) Options() mqbridge.Options { return k.opts }

func (k *kafkaBroker) Address() string {
	if len(k.opts.Addrs) > 0 {
		return k.opts.Addrs[0]
	}
	return ""
}

func (k *kafkaBroker) Init(opts ...mqbridge.Option) error {
	for _, o := range opts {
		o(&k.opts)
	}
	return nil
}

func (k *kafkaBroker) brokers() []string {
	var out []string
	for _, a := range k.opts.Addrs {
		out = append(out, mqbridge.HostsFromURI(a)...)
	}
	return out
}

func (k *kafkaBroker) mechanism() sasl.Mechanism {
	if k.opts.Username == "" {
		return nil
	}
	return plain.Mechanism{Username: k.opts.Username, Password: k.opts.Password}
}

func (k *kafkaBroker) errorLogger() kafka.Logger {
	if k.opts.Logger == nil {
		return nil
	}
	return kafka.LoggerFunc(k.opts.Logger.Logf)
}

func (k *kafkaBroker) Connect() error {
	k.Lock()
	defer k.Unlock()

	if k.running {
		return nil
	}

	brokers := k.brokers()
	if len(brokers) == 0 {
		return fmt.Errorf("kafka: server addresses are required")
	}

	var balancer kafka.Balancer = &kafka.LeastBytes{}
	batchSize := 0
	acks, hasAcks := kafka.RequiredAcks(0), false
	if k.opts.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(k.opts.Context, balancerKey{}).(kafka.Balancer); ok {
			balancer = v
		}
		if v, ok := mqbridge.GetTrackedValue(k.opts.Context, batchSizeKey{}).(int); ok {
			batchSize = v
		}
		if v, ok := mqbridge.GetTrackedValue(k.opts.Context, acksKey{}).(int); ok {
			acks, hasAcks = kafka.RequiredAcks(v), true
		}
	}

	var transport kafka.RoundTripper
	if mech := k.mechanism(); mech != nil || k.opts.TLSConfig != nil {
		transport = &kafka.Transport{SASL: mech, TLS: k.opts.TLSConfig, ClientID: k.opts.ClientID}
	}

	k.writers = make(map[mqbridge.DeliveryMode]kafkaWriter, 2)
	for mode, required := range map[mqbridge.DeliveryMode]kafka.RequiredAcks{
		mqbridge.Persistent:    kafka.RequireAll,
		mqbridge.NonPersistent: kafka.RequireOne,
	} {
		if hasAcks {
			required = acks
		}
		k.writers[mode] = k.newWriter(&kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               balancer,
			BatchSize:              batchSize,
			RequiredAcks:           required,
			Transport:              transport,
			AllowAutoTopicCreation: true,
			ErrorLogger:            k.errorLogger(),
		})
	}

	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.running = true

	// Warn about unconsumed options at connection time
	mqbridge.WarnUnconsumed(k.opts.Context, k.opts.Logger)
	return nil
}

func (k *kafkaBroker) Disconnect() error {
	k.Lock()
	defer k.Unlock()

	if !k.running {
		return nil
	}

	if k.cancel != nil {
		k.cancel()
	}

	var errs []error
	for _, w := range k.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	k.writers = nil

	for _, r := range k.readers {
		r.Close()
	}
	k.readers = make(map[string]kafkaReader)

	k.running = false
	return errors.Join(errs...)
}

func (k *kafkaBroker) Publish(ctx context.Context, dest mqbridge.Destination, msg *mqbridge.Message, opts ...mqbridge.PublishOption) error {
	options := mqbridge.NewPublishOptions(ctx, opts...)

	k.RLock()
	w := k.writers[options.DeliveryMode]
	k.RUnlock()

	if w == nil {
		return fmt.Errorf("kafka: not connected")
	}

	headers := make([]kafka.Header, 0, len(msg.Header)+2)
	for key, val := range msg.Header {
		headers = append(headers, kafka.Header{
			Key:   key,
			Value: []byte(val),
		})
	}
	headers = append(headers,
		kafka.Header{Key: mqbridge.HeaderPriority, Value: []byte(strconv.Itoa(mqbridge.ClampPriority(options.Priority)))},
		kafka.Header{Key: mqbridge.HeaderDeliveryMode, Value: []byte(options.DeliveryMode.String())},
	)

	var key []byte
	if options.ShardingKey != "" {
		key = []byte(options.ShardingKey)
	}

	return w.WriteMessages(ctx, kafka.Message{
		Topic:   dest.Name,
		Key:     key,
		Value:   msg.Body,
		Headers: headers,
	})
}

// groupID picks the consumer group of a subscription.
func (k *kafkaBroker) groupID(dest mqbridge.Destination, options mqbridge.SubscribeOptions) string {
	if options.Group != "" {
		return options.Group
	}
	if dest.Pipeline == mqbridge.Queue {
		return dest.Name
	}
	id := k.opts.ClientID
	if id == "" {
		id = uuid.New().String()
	}
	return dest.Name + "-" + id
}

func (k *kafkaBroker) Subscribe(dest mqbridge.Destination, handler mqbridge.Handler, opts ...mqbridge.SubscribeOption) (mqbridge.Subscriber, error) {
	options := mqbridge.NewSubscribeOptions(opts...)

	k.RLock()
	running := k.running
	brokerCtx := k.ctx
	k.RUnlock()

	if !running {
		return nil, fmt.Errorf("kafka: not connected")
	}

	minBytes, maxBytes := 1, 10_000_000
	startOffset := kafka.FirstOffset
	if k.opts.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(k.opts.Context, minBytesKey{}).(int); ok {
			minBytes = v
		}
		if v, ok := mqbridge.GetTrackedValue(k.opts.Context, maxBytesKey{}).(int); ok {
			maxBytes = v
		}
		if v, ok := mqbridge.GetTrackedValue(k.opts.Context, offsetKey{}).(int64); ok {
			startOffset = v
		}
	}

	cfg := kafka.ReaderConfig{
		Brokers:     k.brokers(),
		GroupID:     k.groupID(dest, options),
		Topic:       dest.Name,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
		StartOffset: startOffset,
		ErrorLogger: k.errorLogger(),
	}
	if mech := k.mechanism(); mech != nil || k.opts.TLSConfig != nil {
		cfg.Dialer = &kafka.Dialer{
			ClientID:      k.opts.ClientID,
			Timeout:       10 * time.Second,
			DualStack:     true,
			SASLMechanism: mech,
			TLS:           k.opts.TLSConfig,
		}
	}
	reader := k.newReader(cfg)

	if brokerCtx == nil {
		brokerCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(brokerCtx)

	subID := uuid.New().String()
	k.Lock()
	if k.readers == nil {
		k.readers = make(map[string]kafkaReader)
	}
	k.readers[subID] = reader
	k.Unlock()

	go k.consume(ctx, reader, dest, handler, options)

	return &kafkaSubscriber{
		dest:   dest,
		opts:   options,
		reader: reader,
		cancel: cancel,
		remove: func() {
			k.Lock()
			delete(k.readers, subID)
			k.Unlock()
		},
	}, nil
}

func (k *kafkaBroker) consume(ctx context.Context, reader kafkaReader, dest mqbridge.Destination, handler mqbridge.Handler, options mqbridge.SubscribeOptions) {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && k.opts.Logger != nil {
				k.opts.Logger.Logf("Kafka fetch from %s stopped: %v", dest, err)
			}
			return
		}

		header := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			header[h.Key] = string(h.Value)
		}

		event := &kafkaEvent{
			dest:    dest,
			message: &mqbridge.Message{Header: header, Body: m.Value},
			reader:  reader,
			rawMsg:  m,
			ctx:     ctx,
		}

		err = handler(ctx, event)
		if err != nil {
			event.err = err
			if eh := k.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
			continue
		}
		if options.AutoAck {
			if err := event.Ack(); err != nil && k.opts.Logger != nil {
				k.opts.Logger.Logf("Kafka commit on %s failed: %v", dest, err)
			}
		}
	}
}

func (k *kafkaBroker) String() string {
	return "kafka"
}

type kafkaSubscriber struct {
	dest   mqbridge.Destination
	opts   mqbridge.SubscribeOptions
	reader kafkaReader
	cancel context.CancelFunc
	remove func()
	once   sync.Once
}

func (s *kafkaSubscriber) Options() mqbridge.SubscribeOptions { return s.opts }
func (s *kafkaSubscriber) Destination() mqbridge.Destination  { return s.dest }

func (s *kafkaSubscriber) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.remove != nil {
			s.remove()
		}
		err = s.reader.Close()
	})
	return err
}

type kafkaEvent struct {
	dest    mqbridge.Destination
	message *mqbridge.Message
	reader  kafkaReader
	rawMsg  kafka.Message
	ctx     context.Context
	err     error
}

func (e *kafkaEvent) Destination() mqbridge.Destination { return e.dest }
func (e *kafkaEvent) Message() *mqbridge.Message        { return e.message }

func (e *kafkaEvent) Ack() error {
	return e.reader.CommitMessages(e.ctx, e.rawMsg)
}

// Nack leaves the offset uncommitted. Kafka redelivers it after the group
// rebalances.
func (e *kafkaEvent) Nack(requeue bool) error {
	return nil
}

func (e *kafkaEvent) Error() error {
	return e.err
}

func NewBroker(opts ...mqbridge.Option) mqbridge.Broker {
	options := mqbridge.NewOptions(opts...)

	return &kafkaBroker{
		opts:    *options,
		readers: make(map[string]kafkaReader),
		newWriter: func(w *kafka.Writer) kafkaWriter {
			return w
		},
		newReader: func(cfg kafka.ReaderConfig) kafkaReader {
			return kafka.NewReader(cfg)
		},
	}
}

type balancerKey struct{}
type batchSizeKey struct{}
type acksKey struct{}
type minBytesKey struct{}
type maxBytesKey struct{}
type offsetKey struct{}

func WithBalancer(b kafka.Balancer) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, balancerKey{}, b, "kafka.WithBalancer")
	}
}

func WithBatchSize(size int) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, batchSizeKey{}, size, "kafka.WithBatchSize")
	}
}

// WithAcks overrides the acknowledgement level derived from the delivery
// mode.
func WithAcks(acks int) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, acksKey{}, acks, "kafka.WithAcks")
	}
}

func WithMinBytes(n int) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, minBytesKey{}, n, "kafka.WithMinBytes")
	}
}

func WithMaxBytes(n int) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, maxBytesKey{}, n, "kafka.WithMaxBytes")
	}
}

// WithOffset sets where a new consumer group starts, kafka.FirstOffset or
// kafka.LastOffset.
func WithOffset(offset int64) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, offsetKey{}, offset, "kafka.WithOffset")
	}
}
