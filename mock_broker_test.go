package mqbridge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockBroker struct {
	mu   sync.Mutex
	opts Options

	connectFunc    func() error
	disconnectFunc func() error
	publishFunc    func(ctx context.Context, dest Destination, msg *Message, opts PublishOptions) error
	subscribeFunc  func(dest Destination, h Handler, opts SubscribeOptions) (Subscriber, error)

	connects    int
	disconnects int
	published   []*Message
	pubOpts     []PublishOptions
	handler     Handler
	subOpts     SubscribeOptions
}

func (m *mockBroker) Init(opts ...Option) error {
	for _, o := range opts {
		o(&m.opts)
	}
	return nil
}

func (m *mockBroker) Options() Options { return m.opts }
func (m *mockBroker) Address() string {
	if len(m.opts.Addrs) > 0 {
		return m.opts.Addrs[0]
	}
	return ""
}

func (m *mockBroker) Connect() error {
	m.mu.Lock()
	m.connects++
	m.mu.Unlock()
	if m.connectFunc != nil {
		return m.connectFunc()
	}
	return nil
}

func (m *mockBroker) Disconnect() error {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
	if m.disconnectFunc != nil {
		return m.disconnectFunc()
	}
	return nil
}

func (m *mockBroker) Publish(ctx context.Context, dest Destination, msg *Message, opts ...PublishOption) error {
	options := NewPublishOptions(ctx, opts...)
	if m.publishFunc != nil {
		if err := m.publishFunc(ctx, dest, msg, options); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.published = append(m.published, msg)
	m.pubOpts = append(m.pubOpts, options)
	m.mu.Unlock()
	return nil
}

func (m *mockBroker) Subscribe(dest Destination, h Handler, opts ...SubscribeOption) (Subscriber, error) {
	options := NewSubscribeOptions(opts...)
	if m.subscribeFunc != nil {
		return m.subscribeFunc(dest, h, options)
	}
	m.mu.Lock()
	m.handler = h
	m.subOpts = options
	m.mu.Unlock()
	return &mockSubscriber{dest: dest, opts: options}, nil
}

func (m *mockBroker) String() string { return "mock" }

type mockSubscriber struct {
	dest            Destination
	opts            SubscribeOptions
	unsubscribeFunc func() error
	unsubscribes    int
}

func (s *mockSubscriber) Options() SubscribeOptions { return s.opts }
func (s *mockSubscriber) Destination() Destination  { return s.dest }
func (s *mockSubscriber) Unsubscribe() error {
	s.unsubscribes++
	if s.unsubscribeFunc != nil {
		return s.unsubscribeFunc()
	}
	return nil
}

type mockEvent struct {
	dest Destination
	msg  *Message
}

func (e *mockEvent) Destination() Destination { return e.dest }
func (e *mockEvent) Message() *Message        { return e.msg }
func (e *mockEvent) Ack() error               { return nil }
func (e *mockEvent) Nack(bool) error          { return nil }
func (e *mockEvent) Error() error             { return nil }

type testEnv struct {
	rt       *Runtime
	registry *Registry
	bridge   *Bridge
	broker   *mockBroker
}

// newTestEnv starts a runtime whose "mock" scheme always builds the same
// mockBroker.
func newTestEnv(t *testing.T, opts ...RuntimeOption) *testEnv {
	t.Helper()
	mb := &mockBroker{}
	d := NewDrivers()
	d.Register("mock", func(o ...Option) Broker {
		mb.opts = *NewOptions(o...)
		return mb
	})

	rt := NewRuntime(append([]RuntimeOption{WithDrivers(d)}, opts...)...)
	require.NoError(t, rt.Init())
	t.Cleanup(func() { rt.Fini() })

	r, err := rt.Registry()
	require.NoError(t, err)
	b, err := rt.Bridge()
	require.NoError(t, err)
	return &testEnv{rt: rt, registry: r, bridge: b, broker: mb}
}

func (e *testEnv) client(t *testing.T, ct ConnectionType, uri, dest string) Handle {
	t.Helper()
	h := e.registry.Create(ct)
	require.NoError(t, e.registry.With(h, func(c *Client) error {
		if err := c.SetBrokerURI(uri); err != nil {
			return err
		}
		return c.SetDestination(dest)
	}))
	return h
}

func (e *testEnv) do(h Handle, fn func(*Client) error) error {
	return e.registry.With(h, fn)
}
