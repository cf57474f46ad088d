// Package host adapts the registry to callers living in another runtime: a
// script engine handing over loosely typed values, or the C exports in
// cmd/libmqbridge. Every operation answers with a plain bool, number or
// string and never panics across the boundary.
package host

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/qvcloud/mqbridge"
	"github.com/qvcloud/mqbridge/brokers/all"
	"github.com/qvcloud/mqbridge/config"
	"github.com/qvcloud/mqbridge/middleware"
)

// Module is the process-wide state behind init and fini.
type Module struct {
	mu      sync.Mutex
	rt      *mqbridge.Runtime
	extra   []mqbridge.RuntimeOption
	drivers func() *mqbridge.Drivers
}

type Option func(*Module)

// WithRuntimeOptions appends options applied after the loaded settings.
func WithRuntimeOptions(opts ...mqbridge.RuntimeOption) Option {
	return func(m *Module) {
		m.extra = append(m.extra, opts...)
	}
}

// WithDrivers replaces the scheme table built on every init. Scheme aliases
// from the settings are still applied to it.
func WithDrivers(fn func() *mqbridge.Drivers) Option {
	return func(m *Module) {
		m.drivers = fn
	}
}

func New(opts ...Option) *Module {
	m := &Module{drivers: all.NewDrivers}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Module) runtime() (*mqbridge.Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return nil, mqbridge.ErrNotInitialized
	}
	return m.rt, nil
}

func (m *Module) registry() (*mqbridge.Registry, error) {
	rt, err := m.runtime()
	if err != nil {
		return nil, err
	}
	return rt.Registry()
}

func (m *Module) logger() *zap.Logger {
	if rt, err := m.runtime(); err == nil {
		return rt.Logger()
	}
	return zap.NewNop()
}

// Init loads the settings from path, or from $MQBRIDGE_CONFIG when path is
// empty, and starts the runtime. Calling it again before Fini keeps the
// running instance and ignores path.
func (m *Module) Init(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt != nil {
		return nil
	}

	settings, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := mqbridge.NewLogger(settings.Log.Level, settings.Log.Development)
	if err != nil {
		return err
	}

	drivers := m.drivers()
	settings.Apply(drivers)

	opts := settings.RuntimeOptions()
	opts = append(opts,
		mqbridge.WithDrivers(drivers),
		mqbridge.WithZapLogger(logger),
		mqbridge.WithHandlerMiddleware(middleware.Tracing()),
	)
	opts = append(opts, m.extra...)

	rt := mqbridge.NewRuntime(opts...)
	if err := rt.Init(); err != nil {
		return err
	}
	m.rt = rt
	return nil
}

// Fini closes every client and drops the runtime. A later Init starts over
// with freshly loaded settings. A call still holding the old registry fails:
// createInstance answers 0 and other operations report not found.
func (m *Module) Fini() error {
	m.mu.Lock()
	rt := m.rt
	m.rt = nil
	m.mu.Unlock()

	if rt == nil {
		return nil
	}
	err := rt.Fini()
	rt.Logger().Sync()
	return err
}

func (m *Module) Initialized() bool {
	_, err := m.runtime()
	return err == nil
}

// CreateInstance registers a client. Zero selects a consumer and any other
// value a producer.
func (m *Module) CreateInstance(connType int64) (mqbridge.Handle, error) {
	r, err := m.registry()
	if err != nil {
		return 0, err
	}
	return r.Create(mqbridge.ConnectionTypeFromInt(connType)), nil
}

func (m *Module) with(h mqbridge.Handle, fn func(*mqbridge.Client) error) error {
	r, err := m.registry()
	if err != nil {
		return err
	}
	return r.With(h, fn)
}

func (m *Module) Run(h mqbridge.Handle) error {
	return m.with(h, func(c *mqbridge.Client) error {
		return c.Run(context.Background())
	})
}

func (m *Module) SendMessage(h mqbridge.Handle, body string, priority int64) error {
	return m.with(h, func(c *mqbridge.Client) error {
		return c.Send(context.Background(), body, clampInt(priority))
	})
}

func clampInt(p int64) int {
	if p < mqbridge.MinPriority {
		return mqbridge.MinPriority
	}
	if p > mqbridge.MaxPriority {
		return mqbridge.MaxPriority
	}
	return int(p)
}

// Close releases h. Closing an already closed handle succeeds again; a
// handle that was never issued is not found.
func (m *Module) Close(h mqbridge.Handle) error {
	r, err := m.registry()
	if err != nil {
		return err
	}
	if r.IsClosed(h) {
		return nil
	}
	if err := r.With(h, func(*mqbridge.Client) error { return nil }); err != nil {
		return err
	}
	return r.Remove(h)
}

// LastError returns the last failure recorded for h, or "" when there is
// none or h is unknown.
func (m *Module) LastError(h mqbridge.Handle) string {
	r, err := m.registry()
	if err != nil {
		return ""
	}
	msg, _ := r.LastError(h)
	return msg
}

// State returns the lifecycle state name of h, or "" when h is unknown.
func (m *Module) State(h mqbridge.Handle) string {
	var state string
	err := m.with(h, func(c *mqbridge.Client) error {
		state = c.State().String()
		return nil
	})
	if err != nil {
		if r, rerr := m.registry(); rerr == nil && r.IsClosed(h) {
			return mqbridge.Closed.String()
		}
		return ""
	}
	return state
}

func (m *Module) SetBrokerURI(h mqbridge.Handle, uri string) error {
	return m.with(h, func(c *mqbridge.Client) error { return c.SetBrokerURI(uri) })
}

func (m *Module) SetUsername(h mqbridge.Handle, name string) error {
	return m.with(h, func(c *mqbridge.Client) error { return c.SetUsername(name) })
}

func (m *Module) SetPassword(h mqbridge.Handle, password string) error {
	return m.with(h, func(c *mqbridge.Client) error { return c.SetPassword(password) })
}

func (m *Module) SetDestinationName(h mqbridge.Handle, name string) error {
	return m.with(h, func(c *mqbridge.Client) error { return c.SetDestination(name) })
}

func (m *Module) SetPipelineType(h mqbridge.Handle, v int64) error {
	return m.with(h, func(c *mqbridge.Client) error {
		p, err := mqbridge.PipelineTypeFromInt(v)
		if err != nil {
			return c.Reject(err)
		}
		return c.SetPipelineType(p)
	})
}

func (m *Module) SetDeliveryMode(h mqbridge.Handle, v int64) error {
	return m.with(h, func(c *mqbridge.Client) error {
		mode, err := mqbridge.DeliveryModeFromInt(v)
		if err != nil {
			return c.Reject(err)
		}
		return c.SetDeliveryMode(mode)
	})
}

func (m *Module) SetTransactedMode(h mqbridge.Handle, b bool) error {
	return m.with(h, func(c *mqbridge.Client) error { return c.SetTransacted(b) })
}

// SetOnMessageReceived registers fn for deliveries on h. fn only runs inside
// Dispatch. A nil fn unregisters the previous one.
func (m *Module) SetOnMessageReceived(h mqbridge.Handle, fn mqbridge.MessageHandler) error {
	return m.with(h, func(c *mqbridge.Client) error { return c.SetOnMessageReceived(fn) })
}

// Dispatch runs pending message handlers on the calling thread. A max of
// zero or less drains everything queued.
func (m *Module) Dispatch(max int) (int, error) {
	rt, err := m.runtime()
	if err != nil {
		return 0, err
	}
	return rt.Dispatch(max)
}

// Pending returns the number of notifications waiting for Dispatch.
func (m *Module) Pending() int {
	rt, err := m.runtime()
	if err != nil {
		return 0
	}
	b, err := rt.Bridge()
	if err != nil {
		return 0
	}
	return b.Pending()
}

// Ready returns the wake channel of the running bridge, or nil.
func (m *Module) Ready() <-chan struct{} {
	rt, err := m.runtime()
	if err != nil {
		return nil
	}
	b, err := rt.Bridge()
	if err != nil {
		return nil
	}
	return b.Ready()
}

// Wait blocks until a notification is pending or ctx is done.
func (m *Module) Wait(ctx context.Context) error {
	rt, err := m.runtime()
	if err != nil {
		return err
	}
	b, err := rt.Bridge()
	if err != nil {
		return err
	}
	return b.Wait(ctx)
}

// Guard runs fn and turns a panic into a logged error.
func (m *Module) Guard(op string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Op: op, Value: p}
			m.logger().Error("recovered panic", zap.String("op", op), zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	err = fn()
	if err != nil && !errors.Is(err, mqbridge.ErrNotInitialized) {
		m.logger().Debug("host call failed", zap.String("op", op), zap.Error(err))
	}
	return err
}
