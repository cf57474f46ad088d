package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qvcloud/mqbridge"
	amqp "github.com/rabbitmq/amqp091-go"
)

type rabbitConn interface {
	Channel() (rabbitChannel, error)
	Close() error
	IsClosed() bool
}

type rabbitChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Tx() error
	TxCommit() error
	TxRollback() error
	Close() error
}

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (rabbitChannel, error) {
	return w.Connection.Channel()
}

// rmqBroker maps queues onto the default exchange, routed by queue name,
// and topics onto a fanout exchange named after the topic. Every topic
// subscriber gets its own exclusive server-named queue.
type rmqBroker struct {
	opts mqbridge.Options

	conn    rabbitConn
	channel rabbitChannel
	config  amqp.Config

	sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	// pubMu keeps a publish and its commit together on the shared channel.
	pubMu    sync.Mutex
	declared map[mqbridge.Destination]bool

	// Internal factories for testing
	newConn func(addr string, config amqp.Config) (rabbitConn, error)

	reconnectInterval time.Duration
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

// dialURL turns a broker URI routed to this driver into an AMQP URI, so
// tcp://host:port dials amqp://host:port.
func dialURL(addr string) string {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		return "amqp://" + addr
	}
	switch strings.ToLower(scheme) {
	case "amqp", "amqps":
		return addr
	case "ssl", "tls":
		return "amqps://" + rest
	}
	return "amqp://" + rest
}

func (r *rmqBroker) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.running {
		return nil
	}

	if len(r.opts.Addrs) == 0 {
		return fmt.Errorf("rabbitmq: server addresses are required")
	}

	config := amqp.Config{
		TLSClientConfig: r.opts.TLSConfig,
	}
	if r.opts.ClientID != "" {
		config.Properties = amqp.Table{
			"connection_name": r.opts.ClientID,
		}
	}
	if r.opts.Username != "" {
		config.SASL = []amqp.Authentication{&amqp.PlainAuth{
			Username: r.opts.Username,
			Password: r.opts.Password,
		}}
	}
	r.config = config

	conn, err := r.newConn(dialURL(r.Address()), config)
	if err != nil {
		return err
	}
	r.conn = conn

	ch, err := r.openPublishChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}
	r.channel = ch
	r.declared = make(map[mqbridge.Destination]bool)

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true

	// Warn about unconsumed options at connection time
	mqbridge.WarnUnconsumed(r.opts.Context, r.opts.Logger)

	go r.watch(r.ctx)

	return nil
}

func (r *rmqBroker) openPublishChannel(conn rabbitConn) (rabbitChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if r.opts.Transacted {
		if err := ch.Tx(); err != nil {
			ch.Close()
			return nil, err
		}
	}
	return ch, nil
}

// watch redials a lost connection until ctx is cancelled. Disconnect
// cancels ctx under the broker lock, so a connection dialed after that is
// closed instead of stored.
func (r *rmqBroker) watch(ctx context.Context) {
	for ctx.Err() == nil {
		r.RLock()
		conn := r.conn
		config := r.config
		r.RUnlock()

		if conn == nil || conn.IsClosed() {
			r.redial(ctx, config)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reconnectInterval):
		}
	}
}

func (r *rmqBroker) redial(ctx context.Context, config amqp.Config) {
	if r.opts.Logger != nil {
		r.opts.Logger.Log("RabbitMQ connection lost, reconnecting...")
	}
	newConn, err := r.newConn(dialURL(r.Address()), config)
	if err != nil {
		if r.opts.Logger != nil {
			r.opts.Logger.Logf("RabbitMQ reconnection failed: %v", err)
		}
		return
	}

	r.Lock()
	if ctx.Err() != nil || !r.running {
		r.Unlock()
		newConn.Close()
		return
	}
	r.conn = newConn
	if ch, err := r.openPublishChannel(newConn); err == nil {
		r.channel = ch
	}
	r.Unlock()

	r.pubMu.Lock()
	r.declared = make(map[mqbridge.Destination]bool)
	r.pubMu.Unlock()
}

func (r *rmqBroker) Disconnect() error {
	r.Lock()
	defer r.Unlock()

	if !r.running {
		return nil
	}

	if r.cancel != nil {
		r.cancel()
	}

	if r.channel != nil {
		r.channel.Close()
	}
	var err error
	if r.conn != nil && !r.conn.IsClosed() {
		err = r.conn.Close()
	}

	r.channel = nil
	r.running = false
	return err
}

func (r *rmqBroker) settings() (durable, autoDelete bool, prefetch int, exchangeType string, maxPriority int) {
	durable = true
	exchangeType = amqp.ExchangeFanout

	ctx := r.opts.Context
	if ctx == nil {
		return
	}
	if v, ok := mqbridge.GetTrackedValue(ctx, durableKey{}).(bool); ok {
		durable = v
	}
	if v, ok := mqbridge.GetTrackedValue(ctx, autoDeleteKey{}).(bool); ok {
		autoDelete = v
	}
	if v, ok := mqbridge.GetTrackedValue(ctx, prefetchCountKey{}).(int); ok {
		prefetch = v
	}
	if v, ok := mqbridge.GetTrackedValue(ctx, exchangeTypeKey{}).(string); ok && v != "" {
		exchangeType = v
	}
	if v, ok := mqbridge.GetTrackedValue(ctx, maxPriorityKey{}).(int); ok {
		maxPriority = v
	}
	return
}

func queueArgs(maxPriority int) amqp.Table {
	if maxPriority <= 0 {
		return nil
	}
	return amqp.Table{"x-max-priority": int32(maxPriority)}
}

// declare makes sure the destination exists before the first publish. It
// must be called with pubMu held.
func (r *rmqBroker) declare(ch rabbitChannel, dest mqbridge.Destination) error {
	if r.declared[dest] {
		return nil
	}
	durable, autoDelete, _, exchangeType, maxPriority := r.settings()
	switch dest.Pipeline {
	case mqbridge.Topic:
		if err := ch.ExchangeDeclare(dest.Name, exchangeType, durable, autoDelete, false, false, nil); err != nil {
			return err
		}
	default:
		if _, err := ch.QueueDeclare(dest.Name, durable, autoDelete, false, false, queueArgs(maxPriority)); err != nil {
			return err
		}
	}
	if r.declared != nil {
		r.declared[dest] = true
	}
	return nil
}

func (r *rmqBroker) Publish(ctx context.Context, dest mqbridge.Destination, msg *mqbridge.Message, opts ...mqbridge.PublishOption) error {
	options := mqbridge.NewPublishOptions(ctx, opts...)

	r.RLock()
	ch := r.channel
	r.RUnlock()

	if ch == nil {
		return fmt.Errorf("rabbitmq: not connected")
	}

	deliveryMode := amqp.Persistent
	if options.DeliveryMode == mqbridge.NonPersistent {
		deliveryMode = amqp.Transient
	}
	mandatory := false
	if options.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(options.Context, mandatoryKey{}).(bool); ok {
			mandatory = v
		}
	}

	exchange, key := "", dest.Name
	if dest.Pipeline == mqbridge.Topic {
		exchange, key = dest.Name, ""
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if err := r.declare(ch, dest); err != nil {
		return fmt.Errorf("rabbitmq: declare %s: %w", dest, err)
	}

	err := ch.PublishWithContext(ctx,
		exchange,  // exchange
		key,       // routing key
		mandatory, // mandatory
		false,     // immediate
		amqp.Publishing{
			Headers:      stringMapToTable(msg.Header),
			ContentType:  "text/plain",
			MessageId:    msg.Header[mqbridge.HeaderMessageID],
			Timestamp:    time.Now(),
			Body:         msg.Body,
			Priority:     uint8(mqbridge.ClampPriority(options.Priority)),
			DeliveryMode: deliveryMode,
		})
	if err != nil {
		if r.opts.Transacted {
			ch.TxRollback()
		}
		return err
	}
	if r.opts.Transacted {
		if err := ch.TxCommit(); err != nil {
			return fmt.Errorf("rabbitmq: commit: %w", err)
		}
	}

	mqbridge.WarnUnconsumed(options.Context, r.opts.Logger)
	return nil
}

func (r *rmqBroker) Subscribe(dest mqbridge.Destination, handler mqbridge.Handler, opts ...mqbridge.SubscribeOption) (mqbridge.Subscriber, error) {
	options := mqbridge.NewSubscribeOptions(opts...)

	r.RLock()
	brokerCtx := r.ctx
	r.RUnlock()

	if brokerCtx == nil {
		brokerCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(brokerCtx)

	go r.runSubscriber(ctx, dest, handler, options)

	return &rmqSubscriber{
		dest:   dest,
		opts:   options,
		cancel: cancel,
	}, nil
}

// bind declares what the subscription consumes from and returns the queue
// name to consume.
func (r *rmqBroker) bind(ch rabbitChannel, dest mqbridge.Destination) (string, error) {
	durable, autoDelete, prefetch, exchangeType, maxPriority := r.settings()

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return "", err
		}
	}

	if dest.Pipeline == mqbridge.Topic {
		if err := ch.ExchangeDeclare(dest.Name, exchangeType, durable, autoDelete, false, false, nil); err != nil {
			return "", err
		}
		q, err := ch.QueueDeclare(
			"",    // name
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return "", err
		}
		if err := ch.QueueBind(q.Name, "", dest.Name, false, nil); err != nil {
			return "", err
		}
		return q.Name, nil
	}

	q, err := ch.QueueDeclare(
		dest.Name,              // name
		durable,                // durable
		autoDelete,             // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		queueArgs(maxPriority), // arguments
	)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (r *rmqBroker) runSubscriber(ctx context.Context, dest mqbridge.Destination, handler mqbridge.Handler, options mqbridge.SubscribeOptions) {
	retry := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.reconnectInterval):
			return true
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.RLock()
		conn := r.conn
		r.RUnlock()

		if conn == nil || conn.IsClosed() {
			if !retry() {
				return
			}
			continue
		}

		ch, err := conn.Channel()
		if err != nil {
			if !retry() {
				return
			}
			continue
		}

		if r.opts.Transacted {
			if err := ch.Tx(); err != nil {
				ch.Close()
				if !retry() {
					return
				}
				continue
			}
		}

		queue, err := r.bind(ch, dest)
		if err != nil {
			if r.opts.Logger != nil {
				r.opts.Logger.Logf("RabbitMQ subscribe to %s failed: %v", dest, err)
			}
			ch.Close()
			if !retry() {
				return
			}
			continue
		}

		msgs, err := ch.Consume(
			queue,           // queue
			r.opts.ClientID, // consumer
			false,           // always manual ack for framework-level control
			false,           // exclusive
			false,           // no-local
			false,           // no-wait
			nil,             // args
		)
		if err != nil {
			ch.Close()
			if !retry() {
				return
			}
			continue
		}

		r.consume(ctx, ch, msgs, dest, handler, options)
		ch.Close()
	}
}

func (r *rmqBroker) consume(ctx context.Context, ch rabbitChannel, msgs <-chan amqp.Delivery, dest mqbridge.Destination, handler mqbridge.Handler, options mqbridge.SubscribeOptions) {
	for {
		var d amqp.Delivery
		var ok bool
		select {
		case <-ctx.Done():
			return
		case d, ok = <-msgs:
			if !ok {
				return
			}
		}

		event := &rmqEvent{
			dest:     dest,
			message:  deliveryMessage(d),
			delivery: d,
		}

		err := handler(ctx, event)
		if err != nil {
			event.err = err
			if eh := r.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
		}
		if options.AutoAck {
			if err != nil {
				d.Nack(false, true)
			} else {
				d.Ack(false)
			}
		}
		if r.opts.Transacted {
			if err := ch.TxCommit(); err != nil && r.opts.Logger != nil {
				r.opts.Logger.Logf("RabbitMQ commit on %s failed: %v", dest, err)
			}
		}
	}
}

func deliveryMessage(d amqp.Delivery) *mqbridge.Message {
	header := make(map[string]string, len(d.Headers)+2)
	for k, v := range d.Headers {
		header[k] = fmt.Sprint(v)
	}
	if d.MessageId != "" {
		header[mqbridge.HeaderMessageID] = d.MessageId
	}
	header[mqbridge.HeaderPriority] = strconv.Itoa(int(d.Priority))
	return &mqbridge.Message{
		Header: header,
		Body:   d.Body,
	}
}

func (r *rmqBroker) String() string {
	return "rabbitmq"
}

type rmqSubscriber struct {
	dest   mqbridge.Destination
	opts   mqbridge.SubscribeOptions
	cancel context.CancelFunc
}

func (s *rmqSubscriber) Options() mqbridge.SubscribeOptions { return s.opts }
func (s *rmqSubscriber) Destination() mqbridge.Destination  { return s.dest }
func (s *rmqSubscriber) Unsubscribe() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

type rmqEvent struct {
	dest     mqbridge.Destination
	message  *mqbridge.Message
	delivery amqp.Delivery
	err      error
}

func (e *rmqEvent) Destination() mqbridge.Destination { return e.dest }
func (e *rmqEvent) Message() *mqbridge.Message        { return e.message }
func (e *rmqEvent) Ack() error                        { return e.delivery.Ack(false) }
func (e *rmqEvent) Nack(requeue bool) error           { return e.delivery.Nack(false, requeue) }
func (e *rmqEvent) Error() error                      { return e.err }

func NewBroker(opts ...mqbridge.Option) mqbridge.Broker {
	options := mqbridge.NewOptions(opts...)
	return &rmqBroker{
		opts: *options,
		newConn: func(addr string, config amqp.Config) (rabbitConn, error) {
			conn, err := amqp.DialConfig(addr, config)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		}, reconnectInterval: 5 * time.Second}
}

type exchangeTypeKey struct{}
type prefetchCountKey struct{}
type durableKey struct{}
type autoDeleteKey struct{}
type maxPriorityKey struct{}

// WithExchangeType sets the kind of exchange topics are declared as.
// Defaults to fanout.
func WithExchangeType(kind string) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, exchangeTypeKey{}, kind, "rabbitmq.WithExchangeType")
	}
}

func WithPrefetchCount(count int) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, prefetchCountKey{}, count, "rabbitmq.WithPrefetchCount")
	}
}

func WithDurable(durable bool) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, durableKey{}, durable, "rabbitmq.WithDurable")
	}
}

func WithAutoDelete(autoDelete bool) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, autoDeleteKey{}, autoDelete, "rabbitmq.WithAutoDelete")
	}
}

// WithMaxPriority declares queues with x-max-priority so the broker honours
// message priorities up to p.
func WithMaxPriority(p int) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, maxPriorityKey{}, p, "rabbitmq.WithMaxPriority")
	}
}

type mandatoryKey struct{}

func WithMandatory() mqbridge.PublishOption {
	return func(o *mqbridge.PublishOptions) {
		o.Context = mqbridge.WithTrackedValue(o.Context, mandatoryKey{}, true, "rabbitmq.WithMandatory")
	}
}

func stringMapToTable(m map[string]string) amqp.Table {
	if m == nil {
		return nil
	}
	res := make(amqp.Table, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
