package mqbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestClient_Setters(t *testing.T) {
	env := newTestEnv(t)
	h := env.registry.Create(Producer)

	require.NoError(t, env.do(h, func(c *Client) error {
		assert.Equal(t, Unconfigured, c.State())
		assert.Equal(t, Producer, c.ConnectionType())
		assert.Equal(t, h, c.Handle())
		assert.NotEmpty(t, c.ID())

		require.NoError(t, c.SetBrokerURI("mock://broker:1"))
		require.NoError(t, c.SetUsername("user"))
		require.NoError(t, c.SetPassword("secret"))
		require.NoError(t, c.SetDestination("orders"))
		require.NoError(t, c.SetPipelineType(Topic))
		require.NoError(t, c.SetDeliveryMode(NonPersistent))
		require.NoError(t, c.SetTransacted(true))
		assert.Equal(t, Configured, c.State())
		assert.Equal(t, ClientConfig{
			BrokerURI:    "mock://broker:1",
			Username:     "user",
			Password:     "secret",
			Destination:  "orders",
			Pipeline:     Topic,
			DeliveryMode: NonPersistent,
			Transacted:   true,
		}, c.Config())
		return nil
	}))
}

func TestClient_RunPassesConfiguration(t *testing.T) {
	env := newTestEnv(t, WithBrokerOptions(Codec(JsonMarshaler{})))
	h := env.client(t, Producer, "mock://broker:1", "orders")

	require.NoError(t, env.do(h, func(c *Client) error {
		c.SetUsername("user")
		c.SetPassword("secret")
		c.SetTransacted(true)
		return c.Run(context.Background())
	}))

	opts := env.broker.opts
	assert.Equal(t, []string{"mock://broker:1"}, opts.Addrs)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.True(t, opts.Transacted)
	assert.NotEmpty(t, opts.ClientID)
	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Tracer)
	assert.NotNil(t, opts.Codec)
	assert.Equal(t, 1, env.broker.connects)
	assert.Nil(t, env.broker.handler, "producers do not subscribe")

	require.NoError(t, env.do(h, func(c *Client) error {
		assert.Equal(t, Running, c.State())
		assert.Empty(t, c.LastError())
		return nil
	}))
}

func TestClient_RunValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		setup func(c *Client)
		msg   string
	}{
		{"NoURI", func(c *Client) { c.SetDestination("q") }, "broker uri was not provided"},
		{"NoQueue", func(c *Client) { c.SetBrokerURI("mock://x") }, "queue name was not provided"},
		{"NoTopic", func(c *Client) {
			c.SetBrokerURI("mock://x")
			c.SetPipelineType(Topic)
		}, "topic name was not provided"},
		{"BadURI", func(c *Client) {
			c.SetBrokerURI("no scheme")
			c.SetDestination("q")
		}, `invalid broker uri "no scheme": missing scheme`},
		{"UnknownScheme", func(c *Client) {
			c.SetBrokerURI("stomp://x")
			c.SetDestination("q")
		}, `unsupported broker uri scheme: "stomp"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := env.registry.Create(Producer)
			err := env.do(h, func(c *Client) error {
				tt.setup(c)
				before := c.State()
				err := c.Run(context.Background())
				assert.Equal(t, before, c.State())
				assert.Equal(t, tt.msg, c.LastError())
				return err
			})
			assert.EqualError(t, err, tt.msg)
		})
	}
	assert.Zero(t, env.broker.connects)
}

func TestClient_RunConnectError(t *testing.T) {
	env := newTestEnv(t)
	env.broker.connectFunc = func() error { return errors.New("connection refused") }
	h := env.client(t, Producer, "mock://x", "q")

	err := env.do(h, func(c *Client) error { return c.Run(context.Background()) })
	var native *NativeError
	require.True(t, errors.As(err, &native))
	assert.Equal(t, "mock connect: connection refused", err.Error())

	env.do(h, func(c *Client) error {
		assert.Equal(t, Configured, c.State())
		assert.Equal(t, "mock connect: connection refused", c.LastError())
		return nil
	})

	// a later attempt may succeed
	env.broker.connectFunc = nil
	assert.NoError(t, env.do(h, func(c *Client) error { return c.Run(context.Background()) }))
}

func TestClient_RunSubscribeError(t *testing.T) {
	env := newTestEnv(t)
	env.broker.subscribeFunc = func(Destination, Handler, SubscribeOptions) (Subscriber, error) {
		return nil, errors.New("access refused")
	}
	h := env.client(t, Consumer, "mock://x", "q")

	err := env.do(h, func(c *Client) error { return c.Run(context.Background()) })
	assert.EqualError(t, err, "mock subscribe: access refused")
	assert.Equal(t, 1, env.broker.disconnects)
}

func TestClient_RunTwice(t *testing.T) {
	env := newTestEnv(t)
	h := env.client(t, Producer, "mock://x", "q")

	require.NoError(t, env.do(h, func(c *Client) error { return c.Run(context.Background()) }))
	err := env.do(h, func(c *Client) error { return c.Run(context.Background()) })
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.Equal(t, 1, env.broker.connects)
}

func TestClient_SettersRejectedWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	h := env.client(t, Producer, "mock://x", "q")
	require.NoError(t, env.do(h, func(c *Client) error { return c.Run(context.Background()) }))

	env.do(h, func(c *Client) error {
		for _, err := range []error{
			c.SetBrokerURI("mock://y"),
			c.SetUsername("u"),
			c.SetPassword("p"),
			c.SetDestination("other"),
			c.SetPipelineType(Topic),
			c.SetDeliveryMode(NonPersistent),
			c.SetTransacted(true),
		} {
			assert.ErrorIs(t, err, ErrIllegalState)
		}
		assert.Equal(t, "mock://x", c.Config().BrokerURI)
		assert.Equal(t, "q", c.Config().Destination)
		assert.Equal(t, "set transacted mode is not allowed while running", c.LastError())
		return nil
	})
}

func TestClient_ConsumerGroup(t *testing.T) {
	env := newTestEnv(t)

	h := env.client(t, Consumer, "mock://x", "jobs")
	require.NoError(t, env.do(h, func(c *Client) error { return c.Run(context.Background()) }))
	assert.Equal(t, "jobs", env.broker.subOpts.Group)

	h = env.client(t, Consumer, "mock://x", "news")
	require.NoError(t, env.do(h, func(c *Client) error {
		c.SetPipelineType(Topic)
		return c.Run(context.Background())
	}))
	assert.Empty(t, env.broker.subOpts.Group)
}

func TestClient_Send(t *testing.T) {
	env := newTestEnv(t)
	h := env.client(t, Producer, "mock://x", "orders")

	err := env.do(h, func(c *Client) error { return c.Send(context.Background(), "early", 4) })
	assert.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, env.do(h, func(c *Client) error {
		c.SetDeliveryMode(NonPersistent)
		return c.Run(context.Background())
	}))

	require.NoError(t, env.do(h, func(c *Client) error { return c.Send(context.Background(), "hello", 12) }))
	require.NoError(t, env.do(h, func(c *Client) error { return c.Send(context.Background(), "", 4) }))

	require.Len(t, env.broker.published, 1)
	msg := env.broker.published[0]
	assert.Equal(t, "hello", string(msg.Body))
	assert.NotEmpty(t, msg.Header[HeaderMessageID])
	assert.Equal(t, MaxPriority, env.broker.pubOpts[0].Priority)
	assert.Equal(t, NonPersistent, env.broker.pubOpts[0].DeliveryMode)

	// last error stays sticky across later successes
	env.do(h, func(c *Client) error {
		assert.Equal(t, "send is not allowed while configured", c.LastError())
		return nil
	})
}

func TestClient_SendErrors(t *testing.T) {
	env := newTestEnv(t)

	consumer := env.client(t, Consumer, "mock://x", "q")
	for i := 0; i < 2; i++ {
		err := env.do(consumer, func(c *Client) error { return c.Send(context.Background(), "x", 4) })
		assert.ErrorIs(t, err, ErrNotProducer)
		require.NoError(t, env.do(consumer, func(c *Client) error {
			if c.State() == Running {
				return nil
			}
			return c.Run(context.Background())
		}))
	}

	producer := env.client(t, Producer, "mock://x", "q")
	require.NoError(t, env.do(producer, func(c *Client) error { return c.Run(context.Background()) }))
	env.broker.publishFunc = func(context.Context, Destination, *Message, PublishOptions) error {
		return errors.New("channel closed")
	}
	err := env.do(producer, func(c *Client) error { return c.Send(context.Background(), "x", 4) })
	assert.EqualError(t, err, "mock send: channel closed")

	env.do(producer, func(c *Client) error {
		assert.Equal(t, "mock send: channel closed", c.LastError())
		assert.Equal(t, Running, c.State())
		return nil
	})
}

func TestClient_Close(t *testing.T) {
	env := newTestEnv(t)
	sub := &mockSubscriber{}
	env.broker.subscribeFunc = func(dest Destination, h Handler, opts SubscribeOptions) (Subscriber, error) {
		return sub, nil
	}

	h := env.client(t, Consumer, "mock://x", "q")
	require.NoError(t, env.do(h, func(c *Client) error {
		require.NoError(t, c.SetOnMessageReceived(func(string) {}))
		return c.Run(context.Background())
	}))
	assert.True(t, env.bridge.HasHandler(h))

	env.do(h, func(c *Client) error {
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		assert.Equal(t, Closed, c.State())

		assert.ErrorIs(t, c.Run(context.Background()), ErrIllegalState)
		assert.ErrorIs(t, c.SetBrokerURI("mock://y"), ErrIllegalState)
		assert.ErrorIs(t, c.SetOnMessageReceived(func(string) {}), ErrIllegalState)
		return nil
	})
	assert.Equal(t, 1, sub.unsubscribes)
	assert.Equal(t, 1, env.broker.disconnects)
	assert.False(t, env.bridge.HasHandler(h))
}

func TestClient_CloseErrors(t *testing.T) {
	env := newTestEnv(t)
	env.broker.subscribeFunc = func(dest Destination, h Handler, opts SubscribeOptions) (Subscriber, error) {
		return &mockSubscriber{unsubscribeFunc: func() error { return errors.New("cancel failed") }}, nil
	}
	env.broker.disconnectFunc = func() error { return errors.New("socket closed") }

	h := env.client(t, Consumer, "mock://x", "q")
	require.NoError(t, env.do(h, func(c *Client) error { return c.Run(context.Background()) }))

	env.do(h, func(c *Client) error {
		err := c.Close()
		assert.EqualError(t, err, "mock close: cancel failed\nsocket closed")
		assert.Equal(t, Closed, c.State())
		assert.Equal(t, err.Error(), c.LastError())
		return nil
	})
}

func TestClient_CloseBeforeRun(t *testing.T) {
	env := newTestEnv(t)
	h := env.registry.Create(Producer)

	env.do(h, func(c *Client) error {
		assert.NoError(t, c.Close())
		assert.Equal(t, Closed, c.State())
		assert.ErrorIs(t, c.Send(context.Background(), "x", 4), ErrIllegalState)
		return nil
	})
	assert.Zero(t, env.broker.disconnects)
}

func TestClient_SetOnMessageReceived(t *testing.T) {
	env := newTestEnv(t)

	producer := env.registry.Create(Producer)
	err := env.do(producer, func(c *Client) error { return c.SetOnMessageReceived(func(string) {}) })
	assert.ErrorIs(t, err, ErrNotConsumer)
	assert.False(t, env.bridge.HasHandler(producer))

	consumer := env.registry.Create(Consumer)
	require.NoError(t, env.do(consumer, func(c *Client) error { return c.SetOnMessageReceived(func(string) {}) }))
	assert.True(t, env.bridge.HasHandler(consumer))
	require.NoError(t, env.do(consumer, func(c *Client) error { return c.SetOnMessageReceived(nil) }))
	assert.False(t, env.bridge.HasHandler(consumer))
}

func TestClient_Delivery(t *testing.T) {
	env := newTestEnv(t)
	h := env.client(t, Consumer, "mock://x", "q")

	var got []string
	require.NoError(t, env.do(h, func(c *Client) error {
		c.SetOnMessageReceived(func(body string) { got = append(got, body) })
		return c.Run(context.Background())
	}))
	require.NotNil(t, env.broker.handler)

	deliver := env.broker.handler
	dest := Destination{Name: "q"}
	assert.NoError(t, deliver(context.Background(), &mockEvent{dest: dest, msg: &Message{Body: []byte("one")}}))
	assert.NoError(t, deliver(context.Background(), &mockEvent{dest: dest, msg: &Message{}}))
	assert.NoError(t, deliver(context.Background(), &mockEvent{dest: dest}))
	assert.NoError(t, deliver(context.Background(), &mockEvent{dest: dest, msg: &Message{Body: []byte("two")}}))

	n, err := env.rt.Dispatch(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"one", "two"}, got)

	env.do(h, func(c *Client) error {
		assert.Equal(t, "empty message received", c.LastError())
		return nil
	})
}

func TestClient_DeliveryQueueFull(t *testing.T) {
	env := newTestEnv(t, WithQueueSize(1), WithNotifyTimeout(1))
	h := env.client(t, Consumer, "mock://x", "q")
	require.NoError(t, env.do(h, func(c *Client) error { return c.Run(context.Background()) }))

	deliver := env.broker.handler
	msg := func() Event { return &mockEvent{msg: &Message{Body: []byte("x")}} }
	assert.NoError(t, deliver(context.Background(), msg()))
	assert.ErrorIs(t, deliver(context.Background(), msg()), ErrQueueFull)

	env.do(h, func(c *Client) error {
		assert.Equal(t, "message notification failed: callback queue is full", c.LastError())
		return nil
	})
}

func TestClient_Telemetry(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	env := newTestEnv(t, WithTracer(tp.Tracer("test")), WithMeter(mp.Meter("test")))
	h := env.client(t, Producer, "mock://x", "orders")
	require.NoError(t, env.do(h, func(c *Client) error { return c.Run(context.Background()) }))
	require.NoError(t, env.do(h, func(c *Client) error { return c.Send(context.Background(), "a", 4) }))
	require.NoError(t, env.do(h, func(c *Client) error { return c.Send(context.Background(), "b", 4) }))

	env.broker.publishFunc = func(context.Context, Destination, *Message, PublishOptions) error {
		return errors.New("nope")
	}
	env.do(h, func(c *Client) error { return c.Send(context.Background(), "c", 4) })

	spans := sr.Ended()
	require.Len(t, spans, 4)
	assert.Equal(t, "mqbridge.run", spans[0].Name())
	assert.Equal(t, "mqbridge.send", spans[1].Name())
	assert.Equal(t, "Error", spans[3].Status().Code.String())
	assert.Equal(t, "mock send: nope", spans[3].Status().Description)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(2), sumOf(t, rm, "mqbridge.messages.sent"))
	assert.Equal(t, int64(1), sumOf(t, rm, "mqbridge.handles.live"))

	require.NoError(t, env.registry.Remove(h))
	rm = metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(0), sumOf(t, rm, "mqbridge.handles.live"))
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}
