package mqbridge

import (
	"context"
	"crypto/tls"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options contains the broker configuration.
type Options struct {
	// Addrs is a list of broker addresses.
	Addrs []string
	// Username and Password authenticate the connection when set.
	Username string
	Password string
	// ClientID names the connection on brokers that support it.
	ClientID string
	// Transacted requests a transacted session: every produced and every
	// consumed message is committed individually.
	Transacted bool
	// Secure specifies whether to use a secure connection.
	Secure bool
	// Codec is the marshaler used for encoding/decoding messages.
	Codec Marshaler

	// ErrorHandler is called when an error occurs during message handling.
	ErrorHandler Handler

	// TLSConfig is the TLS configuration for secure connections.
	TLSConfig *tls.Config

	// Logger receives driver diagnostics.
	Logger Logger

	// Tracer is the OpenTelemetry tracer for observability.
	Tracer trace.Tracer
	// Meter is the OpenTelemetry meter for observability.
	Meter metric.Meter

	// Context is the underlying context for custom options.
	Context context.Context
}

// PublishOptions contains options for publishing a message.
type PublishOptions struct {
	// Context is the context for the publish operation.
	Context context.Context
	// ShardingKey is the key used for sharding/partitioning.
	ShardingKey string
	// Priority is a hint in [MinPriority, MaxPriority].
	Priority int
	// DeliveryMode is the requested durability.
	DeliveryMode DeliveryMode
}

// SubscribeOptions contains options for subscribing to a destination.
type SubscribeOptions struct {
	// AutoAck specifies whether to automatically acknowledge messages.
	AutoAck bool
	// Group is the consumer group name. Drivers derive one from the
	// destination and pipeline type when it is empty.
	Group string

	// Context is the context for the subscribe operation.
	Context context.Context
}

type Option func(*Options)

type PublishOption func(*PublishOptions)

type SubscribeOption func(*SubscribeOptions)

func NewOptions(opts ...Option) *Options {
	options := Options{
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&options)
	}

	return &options
}

func NewPublishOptions(ctx context.Context, opts ...PublishOption) PublishOptions {
	opt := PublishOptions{
		Context:  ctx,
		Priority: DefaultPriority,
	}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

func NewSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	opt := SubscribeOptions{
		AutoAck: true,
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

// Addrs sets the host addresses to be used by the broker.
func Addrs(addrs ...string) Option {
	return func(o *Options) {
		o.Addrs = addrs
	}
}

// Auth sets the credentials used when connecting.
func Auth(username, password string) Option {
	return func(o *Options) {
		o.Username = username
		o.Password = password
	}
}

// ClientID names the connection.
func ClientID(id string) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

// Transacted enables a transacted session.
func Transacted(b bool) Option {
	return func(o *Options) {
		o.Transacted = b
	}
}

// Codec sets the codec used for encoding/decoding used where
// a broker does not support headers.
func Codec(c Marshaler) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// DisableAutoAck will disable auto acking of messages
// after they have been handled.
func DisableAutoAck() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.AutoAck = false
	}
}

// ErrorHandler will catch all broker errors that cant be handled
// in normal way, for example Codec errors.
func ErrorHandler(h Handler) Option {
	return func(o *Options) {
		o.ErrorHandler = h
	}
}

// WithLogger sets the logger used by the broker.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// ConsumerGroup sets the name of the group consumers share messages on.
func ConsumerGroup(name string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Group = name
	}
}

// Secure communication with the broker.
func Secure(b bool) Option {
	return func(o *Options) {
		o.Secure = b
	}
}

// Tracer sets the tracer used for observability.
func Tracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

// Meter sets the meter used for observability.
func Meter(m metric.Meter) Option {
	return func(o *Options) {
		o.Meter = m
	}
}

// Specify TLS Config.
func TLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

// PublishContext set context.
func PublishContext(ctx context.Context) PublishOption {
	return func(o *PublishOptions) {
		o.Context = ctx
	}
}

func WithShardingKey(v string) PublishOption {
	return func(o *PublishOptions) {
		o.ShardingKey = v
	}
}

// WithPriority sets the message priority, clamped to the accepted range.
func WithPriority(p int) PublishOption {
	return func(o *PublishOptions) {
		o.Priority = ClampPriority(p)
	}
}

// WithDeliveryMode sets the durability requested for the message.
func WithDeliveryMode(m DeliveryMode) PublishOption {
	return func(o *PublishOptions) {
		o.DeliveryMode = m
	}
}

// SubscribeContext set context.
func SubscribeContext(ctx context.Context) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Context = ctx
	}
}
