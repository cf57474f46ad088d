package mqbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ClientConfig is the configuration a Client connects with.
type ClientConfig struct {
	BrokerURI    string
	Username     string
	Password     string
	Destination  string
	Pipeline     PipelineType
	DeliveryMode DeliveryMode
	Transacted   bool
}

// HandlerMiddleware wraps the delivery handler of every consumer.
type HandlerMiddleware func(Handler) Handler

// clientEnv is what a Client borrows from the runtime that created it.
type clientEnv struct {
	drivers       *Drivers
	bridge        *Bridge
	logger        *zap.Logger
	driverLogger  Logger
	tel           *telemetry
	meter         metric.Meter
	middleware    []HandlerMiddleware
	brokerOptions []Option
	timeout       time.Duration
	defaults      ClientConfig
}

// Client is one broker connection. It is not safe for concurrent use: the
// Registry serializes every operation on it. Only the last error may be
// written from delivery goroutines.
type Client struct {
	handle   Handle
	connType ConnectionType
	id       string
	env      *clientEnv

	cfg   ClientConfig
	state State

	broker Broker
	sub    Subscriber
	scheme string

	errMu     sync.Mutex
	lastError string
}

func newClient(h Handle, t ConnectionType, env *clientEnv) *Client {
	return &Client{
		handle:   h,
		connType: t,
		id:       uuid.New().String(),
		env:      env,
		cfg:      env.defaults,
		state:    Unconfigured,
	}
}

func (c *Client) Handle() Handle                 { return c.handle }
func (c *Client) ConnectionType() ConnectionType { return c.connType }
func (c *Client) State() State                   { return c.state }
func (c *Client) Config() ClientConfig           { return c.cfg }

// ID is the client id sent to brokers that name connections.
func (c *Client) ID() string { return c.id }

// LastError returns the most recent failure. Successful operations leave it
// untouched.
func (c *Client) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastError
}

func (c *Client) recordError(msg string) {
	c.errMu.Lock()
	c.lastError = msg
	c.errMu.Unlock()
}

// Reject records err as the last error and returns it. The host adapter uses
// it for input the client never sees, such as an unknown pipeline value.
func (c *Client) Reject(err error) error { return c.fail(err) }

func (c *Client) fail(err error) error {
	c.recordError(err.Error())
	c.env.logger.Debug("client operation failed",
		zap.Uint32("handle", uint32(c.handle)),
		zap.Stringer("state", c.state),
		zap.Error(err),
	)
	return err
}

func (c *Client) configure(op string, apply func(*ClientConfig)) error {
	if c.state == Running || c.state == Closed {
		return c.fail(&StateError{Op: op, State: c.state})
	}
	apply(&c.cfg)
	c.state = Configured
	return nil
}

func (c *Client) SetBrokerURI(uri string) error {
	return c.configure("set broker uri", func(cfg *ClientConfig) { cfg.BrokerURI = uri })
}

func (c *Client) SetUsername(name string) error {
	return c.configure("set username", func(cfg *ClientConfig) { cfg.Username = name })
}

func (c *Client) SetPassword(password string) error {
	return c.configure("set password", func(cfg *ClientConfig) { cfg.Password = password })
}

func (c *Client) SetDestination(name string) error {
	return c.configure("set destination name", func(cfg *ClientConfig) { cfg.Destination = name })
}

func (c *Client) SetPipelineType(p PipelineType) error {
	return c.configure("set pipeline type", func(cfg *ClientConfig) { cfg.Pipeline = p })
}

func (c *Client) SetDeliveryMode(m DeliveryMode) error {
	return c.configure("set delivery mode", func(cfg *ClientConfig) { cfg.DeliveryMode = m })
}

func (c *Client) SetTransacted(b bool) error {
	return c.configure("set transacted mode", func(cfg *ClientConfig) { cfg.Transacted = b })
}

// SetOnMessageReceived registers the host handler for delivered messages,
// replacing any previous one. A nil fn unregisters it.
func (c *Client) SetOnMessageReceived(fn MessageHandler) error {
	if c.connType != Consumer {
		return c.fail(ErrNotConsumer)
	}
	if c.state == Closed {
		return c.fail(&StateError{Op: "set message handler", State: c.state})
	}
	c.env.bridge.SetHandler(c.handle, fn)
	return nil
}

func (c *Client) destination() Destination {
	return Destination{Name: c.cfg.Destination, Pipeline: c.cfg.Pipeline}
}

func (c *Client) validate() error {
	if c.cfg.BrokerURI == "" {
		return errors.New("broker uri was not provided")
	}
	if c.cfg.Destination == "" {
		return fmt.Errorf("%s name was not provided", c.cfg.Pipeline)
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.env.timeout > 0 {
		return context.WithTimeout(ctx, c.env.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) startSpan(ctx context.Context, name string, kind trace.SpanKind) (context.Context, trace.Span) {
	return c.env.tel.tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.Int64("mqbridge.handle", int64(c.handle)),
			attribute.String("mqbridge.connection_type", c.connType.String()),
			attribute.String("messaging.destination", c.cfg.Destination),
			attribute.String("messaging.destination_kind", c.cfg.Pipeline.String()),
		),
	)
}

func spanFail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Run connects to the broker and, for a consumer, subscribes to the
// destination. On failure the client keeps its state and records the error.
func (c *Client) Run(ctx context.Context) error {
	if c.state == Running || c.state == Closed {
		return c.fail(&StateError{Op: "run", State: c.state})
	}

	_, span := c.startSpan(ctx, "mqbridge.run", trace.SpanKindClient)
	defer span.End()

	if err := c.validate(); err != nil {
		spanFail(span, err)
		return c.fail(err)
	}

	factory, scheme, err := c.env.drivers.Lookup(c.cfg.BrokerURI)
	if err != nil {
		spanFail(span, err)
		return c.fail(err)
	}
	span.SetAttributes(attribute.String("messaging.system", scheme))

	opts := append([]Option{}, c.env.brokerOptions...)
	opts = append(opts,
		Addrs(c.cfg.BrokerURI),
		Auth(c.cfg.Username, c.cfg.Password),
		Transacted(c.cfg.Transacted),
		ClientID(c.id),
		WithLogger(c.env.driverLogger),
		Tracer(c.env.tel.tracer),
	)
	if c.env.meter != nil {
		opts = append(opts, Meter(c.env.meter))
	}
	b := factory(opts...)

	if err := b.Connect(); err != nil {
		err = &NativeError{Op: "connect", Broker: b.String(), Err: err}
		spanFail(span, err)
		return c.fail(err)
	}

	if c.connType == Consumer {
		h := c.deliverer(scheme)
		for i := len(c.env.middleware) - 1; i >= 0; i-- {
			h = c.env.middleware[i](h)
		}
		var subOpts []SubscribeOption
		if c.cfg.Pipeline == Queue {
			subOpts = append(subOpts, ConsumerGroup(c.cfg.Destination))
		}
		sub, err := b.Subscribe(c.destination(), h, subOpts...)
		if err != nil {
			b.Disconnect()
			err = &NativeError{Op: "subscribe", Broker: b.String(), Err: err}
			spanFail(span, err)
			return c.fail(err)
		}
		c.sub = sub
	}

	c.broker = b
	c.scheme = scheme
	c.state = Running
	c.env.logger.Info("client running",
		zap.Uint32("handle", uint32(c.handle)),
		zap.Stringer("type", c.connType),
		zap.String("scheme", scheme),
		zap.Stringer("destination", c.destination()),
	)
	return nil
}

// deliverer returns the subscription handler. It runs on the broker's
// delivery goroutine, possibly before Run returns, so it reads nothing that
// Run writes afterwards; it only queues the body and records failures.
func (c *Client) deliverer(scheme string) Handler {
	return func(ctx context.Context, e Event) error {
		msg := e.Message()
		if msg == nil || len(msg.Body) == 0 {
			c.recordError("empty message received")
			return nil
		}
		c.env.tel.addReceived(ctx, scheme)

		if err := c.env.bridge.Notify(ctx, c.handle, string(msg.Body)); err != nil {
			c.recordError(fmt.Sprintf("message notification failed: %v", err))
			return err
		}
		return nil
	}
}

// Send publishes body on a running producer. Priority is clamped to
// [MinPriority, MaxPriority]. An empty body is accepted and not sent.
func (c *Client) Send(ctx context.Context, body string, priority int) error {
	if c.connType != Producer {
		return c.fail(ErrNotProducer)
	}
	if c.state != Running {
		return c.fail(&StateError{Op: "send", State: c.state})
	}
	if body == "" {
		return nil
	}

	ctx, span := c.startSpan(ctx, "mqbridge.send", trace.SpanKindProducer)
	defer span.End()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	msg := &Message{
		Header: map[string]string{HeaderMessageID: uuid.New().String()},
		Body:   []byte(body),
	}
	err := c.broker.Publish(ctx, c.destination(), msg,
		WithPriority(priority),
		WithDeliveryMode(c.cfg.DeliveryMode),
	)
	if err != nil {
		err = &NativeError{Op: "send", Broker: c.broker.String(), Err: err}
		spanFail(span, err)
		return c.fail(err)
	}
	c.env.tel.addSent(ctx, c.scheme)
	return nil
}

// Close releases the broker connection. Closing a closed client is a no-op.
func (c *Client) Close() error {
	if c.state == Closed {
		return nil
	}

	var errs []error
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
		c.sub = nil
	}
	if c.broker != nil {
		if err := c.broker.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	c.env.bridge.RemoveHandler(c.handle)
	c.state = Closed

	if err := errors.Join(errs...); err != nil {
		name := ""
		if c.broker != nil {
			name = c.broker.String()
		}
		return c.fail(&NativeError{Op: "close", Broker: name, Err: err})
	}
	return nil
}
