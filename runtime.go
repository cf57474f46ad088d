package mqbridge

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultOperationTimeout bounds Send on a running producer.
const DefaultOperationTimeout = 30 * time.Second

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// Drivers resolves broker URIs. Defaults to NewDrivers().
	Drivers *Drivers
	// Logger receives runtime logs. Defaults to a no-op logger.
	Logger *zap.Logger

	Tracer trace.Tracer
	Meter  metric.Meter

	// QueueSize and NotifyTimeout configure the callback bridge.
	QueueSize     int
	NotifyTimeout time.Duration
	// OperationTimeout bounds every Send.
	OperationTimeout time.Duration
	// ClosedHandleLimit bounds how many closed handles are remembered.
	ClosedHandleLimit int

	// Defaults is the configuration every new client starts with.
	Defaults ClientConfig

	// Middleware wraps the delivery handler of every consumer, outermost
	// first.
	Middleware []HandlerMiddleware
	// BrokerOptions are passed to every broker before the client's own.
	BrokerOptions []Option
}

type RuntimeOption func(*RuntimeOptions)

// WithDrivers sets the scheme table used to resolve broker URIs.
func WithDrivers(d *Drivers) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.Drivers = d
	}
}

// WithZapLogger sets the runtime logger. Drivers get it through NewZapLogger.
func WithZapLogger(l *zap.Logger) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.Logger = l
	}
}

func WithTracer(t trace.Tracer) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.Tracer = t
	}
}

func WithMeter(m metric.Meter) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.Meter = m
	}
}

// WithQueueSize sets how many notifications may wait for Dispatch.
func WithQueueSize(n int) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.QueueSize = n
	}
}

// WithNotifyTimeout sets how long a delivery waits for room in a full queue.
func WithNotifyTimeout(d time.Duration) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.NotifyTimeout = d
	}
}

func WithOperationTimeout(d time.Duration) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.OperationTimeout = d
	}
}

func WithClosedHandleLimit(n int) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.ClosedHandleLimit = n
	}
}

// WithDefaults sets the configuration new clients start with.
func WithDefaults(cfg ClientConfig) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.Defaults = cfg
	}
}

// WithHandlerMiddleware appends delivery handler middleware.
func WithHandlerMiddleware(mw ...HandlerMiddleware) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.Middleware = append(o.Middleware, mw...)
	}
}

// WithBrokerOptions appends options passed to every broker.
func WithBrokerOptions(opts ...Option) RuntimeOption {
	return func(o *RuntimeOptions) {
		o.BrokerOptions = append(o.BrokerOptions, opts...)
	}
}

// Runtime is the process-wide state behind init and fini. Between Init and
// Fini it owns one Registry and one Bridge.
type Runtime struct {
	opts RuntimeOptions

	mu       sync.RWMutex
	registry *Registry
	bridge   *Bridge
}

func NewRuntime(opts ...RuntimeOption) *Runtime {
	o := RuntimeOptions{
		OperationTimeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Drivers == nil {
		o.Drivers = NewDrivers()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Runtime{opts: o}
}

// Init creates the registry and the callback bridge. Calling it again while
// initialized is a no-op.
func (rt *Runtime) Init() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.registry != nil {
		return nil
	}

	tel := newTelemetry(rt.opts.Tracer, rt.opts.Meter)
	bridge := NewBridge(rt.opts.QueueSize, rt.opts.NotifyTimeout, rt.opts.Logger.Named("callbacks"))
	bridge.tel = tel

	env := &clientEnv{
		drivers:       rt.opts.Drivers,
		bridge:        bridge,
		logger:        rt.opts.Logger,
		driverLogger:  NewZapLogger(rt.opts.Logger.Named("driver")),
		tel:           tel,
		meter:         rt.opts.Meter,
		middleware:    rt.opts.Middleware,
		brokerOptions: rt.opts.BrokerOptions,
		timeout:       rt.opts.OperationTimeout,
		defaults:      rt.opts.Defaults,
	}
	rt.bridge = bridge
	rt.registry = newRegistry(env, rt.opts.ClosedHandleLimit)

	rt.opts.Logger.Info("runtime initialized",
		zap.Strings("schemes", rt.opts.Drivers.Schemes()),
		zap.Int("queue_size", cap(bridge.queue)),
	)
	return nil
}

// Fini closes every live client and the bridge. Calling it while not
// initialized is a no-op.
func (rt *Runtime) Fini() error {
	rt.mu.Lock()
	registry, bridge := rt.registry, rt.bridge
	rt.registry, rt.bridge = nil, nil
	rt.mu.Unlock()

	if registry == nil {
		return nil
	}

	n := registry.Len()
	err := registry.CloseAll()
	bridge.Close()

	if err != nil {
		rt.opts.Logger.Warn("runtime finalized with errors", zap.Int("closed", n), zap.Error(err))
	} else {
		rt.opts.Logger.Info("runtime finalized", zap.Int("closed", n))
	}
	return err
}

// Initialized reports whether Init has been called without a later Fini.
func (rt *Runtime) Initialized() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.registry != nil
}

// Registry returns the live registry or ErrNotInitialized.
func (rt *Runtime) Registry() (*Registry, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.registry == nil {
		return nil, ErrNotInitialized
	}
	return rt.registry, nil
}

// Bridge returns the live callback bridge or ErrNotInitialized.
func (rt *Runtime) Bridge() (*Bridge, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.bridge == nil {
		return nil, ErrNotInitialized
	}
	return rt.bridge, nil
}

func (rt *Runtime) Drivers() *Drivers   { return rt.opts.Drivers }
func (rt *Runtime) Logger() *zap.Logger { return rt.opts.Logger }

// Dispatch drains pending notifications on the calling goroutine. See
// Bridge.Dispatch.
func (rt *Runtime) Dispatch(max int) (int, error) {
	b, err := rt.Bridge()
	if err != nil {
		return 0, err
	}
	return b.Dispatch(max), nil
}
