package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/qvcloud/mqbridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPubSubProvider struct {
	mu          sync.Mutex
	publishFunc func(ctx context.Context, topic string, msg *pubsub.Message) (string, error)
	receiveFunc func(ctx context.Context, sub string, f func(context.Context, *pubsub.Message)) error
	topics      []string
	subs        map[string]time.Duration
	deleted     []string
	closed      bool
}

func (m *mockPubSubProvider) Publish(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, topic, msg)
	}
	return "id", nil
}

func (m *mockPubSubProvider) EnsureTopic(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	return nil
}

func (m *mockPubSubProvider) EnsureSubscription(ctx context.Context, sub, topic string, expiry time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs == nil {
		m.subs = make(map[string]time.Duration)
	}
	m.subs[sub] = expiry
	return nil
}

func (m *mockPubSubProvider) DeleteSubscription(ctx context.Context, sub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, sub)
	return nil
}

func (m *mockPubSubProvider) Receive(ctx context.Context, sub string, f func(context.Context, *pubsub.Message)) error {
	if m.receiveFunc != nil {
		return m.receiveFunc(ctx, sub, f)
	}
	<-ctx.Done()
	return nil
}

func (m *mockPubSubProvider) Close() error {
	m.closed = true
	return nil
}

func connected(provider *mockPubSubProvider, opts ...mqbridge.Option) *pubsubBroker {
	p := NewBroker(opts...).(*pubsubBroker)
	p.provider = provider
	p.running = true
	return p
}

func TestPubSub_Basic(t *testing.T) {
	b := NewBroker(mqbridge.Addrs("gcppubsub://my-project"))
	assert.Equal(t, "pubsub", b.String())
	assert.Equal(t, "gcppubsub://my-project", b.Address())
}

func TestPubSub_ProjectID(t *testing.T) {
	id, err := NewBroker(mqbridge.Addrs("gcppubsub://my-project")).(*pubsubBroker).projectID()
	require.NoError(t, err)
	assert.Equal(t, "my-project", id)

	id, err = NewBroker(mqbridge.Addrs("bare-project")).(*pubsubBroker).projectID()
	require.NoError(t, err)
	assert.Equal(t, "bare-project", id)

	id, err = NewBroker(mqbridge.Addrs("gcppubsub://")).(*pubsubBroker).projectID()
	require.NoError(t, err)
	assert.Equal(t, pubsub.DetectProjectID, id)

	_, err = NewBroker().(*pubsubBroker).projectID()
	assert.Error(t, err)
}

func TestPubSub_Connect_Disconnect(t *testing.T) {
	provider := &mockPubSubProvider{}
	p := NewBroker(mqbridge.Addrs("gcppubsub://proj")).(*pubsubBroker)
	var project string
	p.newProvider = func(ctx context.Context, projectID string) (pubsubProvider, error) {
		project = projectID
		return provider, nil
	}

	require.NoError(t, p.Connect())
	assert.Equal(t, "proj", project)
	assert.True(t, p.running)

	require.NoError(t, p.Disconnect())
	assert.True(t, provider.closed)
	assert.False(t, p.running)

	p.newProvider = func(ctx context.Context, projectID string) (pubsubProvider, error) {
		return nil, fmt.Errorf("no credentials")
	}
	assert.Error(t, p.Connect())
}

func TestPubSub_Publish(t *testing.T) {
	provider := &mockPubSubProvider{}
	p := connected(provider)

	var topic string
	var sent *pubsub.Message
	provider.publishFunc = func(ctx context.Context, tp string, msg *pubsub.Message) (string, error) {
		topic, sent = tp, msg
		return "server-id", nil
	}

	err := p.Publish(context.Background(), mqbridge.Destination{Name: "events", Pipeline: mqbridge.Topic},
		&mqbridge.Message{Header: map[string]string{"k": "v"}, Body: []byte("hello")},
		mqbridge.WithShardingKey("user-1"), mqbridge.WithDeliveryMode(mqbridge.NonPersistent))
	require.NoError(t, err)
	assert.Equal(t, "events", topic)
	assert.Equal(t, []byte("hello"), sent.Data)
	assert.Equal(t, "v", sent.Attributes["k"])
	assert.Equal(t, "4", sent.Attributes[mqbridge.HeaderPriority])
	assert.Equal(t, "non-persistent", sent.Attributes[mqbridge.HeaderDeliveryMode])
	assert.Equal(t, "user-1", sent.OrderingKey)

	provider.publishFunc = func(ctx context.Context, tp string, msg *pubsub.Message) (string, error) {
		return "", fmt.Errorf("quota")
	}
	assert.Error(t, p.Publish(context.Background(), mqbridge.Destination{Name: "events"}, &mqbridge.Message{}))

	assert.Error(t, NewBroker().Publish(context.Background(), mqbridge.Destination{Name: "events"}, &mqbridge.Message{}))
}

func TestPubSub_Subscription(t *testing.T) {
	p := NewBroker(mqbridge.ClientID("c1")).(*pubsubBroker)

	id, owned := p.subscription(mqbridge.Destination{Name: "jobs", Pipeline: mqbridge.Queue}, mqbridge.NewSubscribeOptions())
	assert.Equal(t, "jobs", id)
	assert.False(t, owned)

	id, owned = p.subscription(mqbridge.Destination{Name: "news", Pipeline: mqbridge.Topic}, mqbridge.NewSubscribeOptions())
	assert.Equal(t, "news-c1", id)
	assert.True(t, owned)

	id, owned = p.subscription(mqbridge.Destination{Name: "news", Pipeline: mqbridge.Topic}, mqbridge.NewSubscribeOptions(mqbridge.ConsumerGroup("shared")))
	assert.Equal(t, "shared", id)
	assert.False(t, owned)
}

func TestPubSub_Subscribe_Queue(t *testing.T) {
	provider := &mockPubSubProvider{}
	p := connected(provider)

	provider.receiveFunc = func(ctx context.Context, sub string, f func(context.Context, *pubsub.Message)) error {
		assert.Equal(t, "jobs", sub)
		f(ctx, &pubsub.Message{ID: "m1", Data: []byte("hello"), Attributes: map[string]string{"k": "v"}})
		<-ctx.Done()
		return nil
	}

	received := make(chan mqbridge.Event, 1)
	dest := mqbridge.Destination{Name: "jobs", Pipeline: mqbridge.Queue}
	sub, err := p.Subscribe(dest, func(ctx context.Context, event mqbridge.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, dest, sub.Destination())
	assert.Equal(t, []string{"jobs"}, provider.topics)
	assert.Equal(t, time.Duration(0), provider.subs["jobs"])

	select {
	case e := <-received:
		assert.Equal(t, "hello", string(e.Message().Body))
		assert.Equal(t, "v", e.Message().Header["k"])
		assert.Equal(t, "m1", e.Message().Header[mqbridge.HeaderMessageID])
		assert.NoError(t, e.Nack(true))
		assert.NoError(t, e.Nack(false))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	require.NoError(t, sub.Unsubscribe())
	assert.Empty(t, provider.deleted)
}

func TestPubSub_Subscribe_Topic(t *testing.T) {
	provider := &mockPubSubProvider{}
	p := connected(provider, mqbridge.ClientID("c1"), WithSubscriptionExpiry(48*time.Hour))

	sub, err := p.Subscribe(mqbridge.Destination{Name: "news", Pipeline: mqbridge.Topic}, func(ctx context.Context, event mqbridge.Event) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, provider.subs["news-c1"])

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, []string{"news-c1"}, provider.deleted)
}

func TestPubSub_Subscribe_HandlerError(t *testing.T) {
	provider := &mockPubSubProvider{}
	failed := make(chan mqbridge.Event, 1)
	p := connected(provider, mqbridge.ErrorHandler(func(ctx context.Context, e mqbridge.Event) error {
		failed <- e
		return nil
	}))

	provider.receiveFunc = func(ctx context.Context, sub string, f func(context.Context, *pubsub.Message)) error {
		f(ctx, &pubsub.Message{Data: []byte("x")})
		<-ctx.Done()
		return nil
	}

	sub, err := p.Subscribe(mqbridge.Destination{Name: "jobs"}, func(ctx context.Context, event mqbridge.Event) error {
		return fmt.Errorf("boom")
	})
	require.NoError(t, err)

	select {
	case e := <-failed:
		assert.EqualError(t, e.Error(), "boom")
	case <-time.After(5 * time.Second):
		t.Fatal("error handler not called")
	}
	assert.NoError(t, sub.Unsubscribe())
}

func TestPubSub_Subscribe_NotConnected(t *testing.T) {
	_, err := NewBroker().Subscribe(mqbridge.Destination{Name: "jobs"}, func(ctx context.Context, event mqbridge.Event) error { return nil })
	assert.Error(t, err)
}
