package stomp

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/qvcloud/mqbridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	dest string
	body []byte
	f    *frame.Frame
}

func capture(dest string, body []byte, opts []func(*frame.Frame) error) sentFrame {
	f := frame.New("SEND")
	for _, o := range opts {
		o(f)
	}
	return sentFrame{dest: dest, body: body, f: f}
}

type mockTx struct {
	conn    *mockConn
	sendErr error

	sent      []sentFrame
	acks      int
	committed bool
	aborted   bool
}

func (t *mockTx) Send(dest, contentType string, body []byte, opts ...func(*frame.Frame) error) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, capture(dest, body, opts))
	return nil
}

func (t *mockTx) Ack(m *stomp.Message) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.acks++
	return nil
}

func (t *mockTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.committed = true
	return nil
}

func (t *mockTx) Abort() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.aborted = true
	return nil
}

type mockSubscription struct {
	ch           chan *stomp.Message
	unsubscribed bool
}

func (s *mockSubscription) Messages() <-chan *stomp.Message { return s.ch }
func (s *mockSubscription) Unsubscribe(opts ...func(*frame.Frame) error) error {
	s.unsubscribed = true
	return nil
}

type mockConn struct {
	mu sync.Mutex

	sendFunc      func(dest, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	subscribeFunc func(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error)
	txSendErr     error

	sent         []sentFrame
	txs          []*mockTx
	acks, nacks  int
	disconnected bool
}

func (m *mockConn) Send(dest, contentType string, body []byte, opts ...func(*frame.Frame) error) error {
	if m.sendFunc != nil {
		return m.sendFunc(dest, contentType, body, opts...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, capture(dest, body, opts))
	return nil
}

func (m *mockConn) Subscribe(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error) {
	if m.subscribeFunc != nil {
		return m.subscribeFunc(dest, ack, opts...)
	}
	return &mockSubscription{ch: make(chan *stomp.Message)}, nil
}

func (m *mockConn) Begin() stompTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &mockTx{conn: m, sendErr: m.txSendErr}
	m.txs = append(m.txs, tx)
	return tx
}

func (m *mockConn) Ack(*stomp.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *mockConn) Nack(*stomp.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacks++
	return nil
}

func (m *mockConn) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}

func (m *mockConn) counts() (acks, nacks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks, m.nacks
}

func newTestBroker(t *testing.T, conn *mockConn, opts ...mqbridge.Option) *stompBroker {
	t.Helper()
	opts = append([]mqbridge.Option{mqbridge.Addrs("stomp://localhost:61613")}, opts...)
	s := NewBroker(opts...).(*stompBroker)
	s.newConn = func(addr string, tlsConfig *tls.Config, opts ...func(*stomp.Conn) error) (stompConn, error) {
		return conn, nil
	}
	require.NoError(t, s.Connect())
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func TestStomp_Basic(t *testing.T) {
	b := NewBroker(mqbridge.Addrs("stomp://localhost:61613"))
	assert.Equal(t, "stomp://localhost:61613", b.Address())
	assert.Equal(t, "stomp", b.String())
	assert.NoError(t, b.Init(mqbridge.ClientID("c1")))
	assert.Equal(t, "c1", b.Options().ClientID)
}

func TestStomp_Destination(t *testing.T) {
	assert.Equal(t, "/queue/orders", destination(mqbridge.Destination{Name: "orders"}))
	assert.Equal(t, "/topic/news", destination(mqbridge.Destination{Name: "news", Pipeline: mqbridge.Topic}))
	assert.Equal(t, "/exchange/x", destination(mqbridge.Destination{Name: "/exchange/x", Pipeline: mqbridge.Topic}))
}

func TestStomp_TLSConfig(t *testing.T) {
	plain := NewBroker().(*stompBroker)
	assert.Nil(t, plain.tlsConfig("stomp://h:61613"))
	assert.Nil(t, plain.tlsConfig("tcp://h:61616"))
	assert.NotNil(t, plain.tlsConfig("stomp+ssl://h:61612"))
	assert.NotNil(t, plain.tlsConfig("ssl://h:61617"))

	cfg := &tls.Config{ServerName: "mq"}
	custom := NewBroker(mqbridge.TLSConfig(cfg)).(*stompBroker)
	assert.Same(t, cfg, custom.tlsConfig("stomp://h"))

	secure := NewBroker(mqbridge.Secure(true)).(*stompBroker)
	assert.NotNil(t, secure.tlsConfig("tcp://h"))
}

func TestStomp_ConnectFailover(t *testing.T) {
	b := NewBroker(
		mqbridge.Addrs("tcp://a:61613,b:61613"),
		mqbridge.Auth("admin", "secret"),
		mqbridge.ClientID("c1"),
		WithHeartBeat(time.Second, time.Second),
		WithVirtualHost("/"),
	)
	s := b.(*stompBroker)

	var dialed []string
	var nopts int
	conn := &mockConn{}
	s.newConn = func(addr string, tlsConfig *tls.Config, opts ...func(*stomp.Conn) error) (stompConn, error) {
		dialed = append(dialed, addr)
		nopts = len(opts)
		if addr == "a:61613" {
			return nil, errors.New("refused")
		}
		return conn, nil
	}

	require.NoError(t, b.Connect())
	assert.Equal(t, []string{"a:61613", "b:61613"}, dialed)
	assert.Equal(t, 4, nopts)
	assert.NoError(t, b.Connect(), "second connect is a no-op")
	assert.Len(t, dialed, 2)

	require.NoError(t, b.Disconnect())
	assert.True(t, conn.disconnected)
	assert.NoError(t, b.Disconnect())
}

func TestStomp_ConnectErrors(t *testing.T) {
	assert.Error(t, NewBroker().Connect())

	s := NewBroker(mqbridge.Addrs("stomp://a:1,b:2")).(*stompBroker)
	s.newConn = func(addr string, tlsConfig *tls.Config, opts ...func(*stomp.Conn) error) (stompConn, error) {
		return nil, errors.New("refused")
	}
	err := s.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a:1: refused")
	assert.Contains(t, err.Error(), "b:2: refused")

	assert.Error(t, s.Publish(context.Background(), mqbridge.Destination{Name: "q"}, &mqbridge.Message{}))
	_, err = s.Subscribe(mqbridge.Destination{Name: "q"}, func(context.Context, mqbridge.Event) error { return nil })
	assert.Error(t, err)
}

func TestStomp_Publish(t *testing.T) {
	conn := &mockConn{}
	s := newTestBroker(t, conn)

	msg := &mqbridge.Message{
		Header: map[string]string{"k": "v", "destination": "/queue/evil"},
		Body:   []byte("hello"),
	}
	require.NoError(t, s.Publish(context.Background(), mqbridge.Destination{Name: "orders"}, msg,
		mqbridge.WithPriority(7), mqbridge.WithShardingKey("user-1")))
	require.NoError(t, s.Publish(context.Background(), mqbridge.Destination{Name: "news", Pipeline: mqbridge.Topic},
		&mqbridge.Message{Body: []byte("fast")}, mqbridge.WithDeliveryMode(mqbridge.NonPersistent)))

	require.Len(t, conn.sent, 2)
	first := conn.sent[0]
	assert.Equal(t, "/queue/orders", first.dest)
	assert.Equal(t, "hello", string(first.body))
	assert.Equal(t, "v", first.f.Header.Get("k"))
	assert.Empty(t, first.f.Header.Get("destination"))
	assert.Equal(t, "true", first.f.Header.Get("persistent"))
	assert.Equal(t, "7", first.f.Header.Get("priority"))
	assert.Equal(t, "user-1", first.f.Header.Get("JMSXGroupID"))
	_, receipt := first.f.Header.Contains(frame.Receipt)
	assert.True(t, receipt, "persistent sends wait for a receipt")

	second := conn.sent[1]
	assert.Equal(t, "/topic/news", second.dest)
	assert.Equal(t, "false", second.f.Header.Get("persistent"))
	assert.Equal(t, "4", second.f.Header.Get("priority"))
	_, receipt = second.f.Header.Contains(frame.Receipt)
	assert.False(t, receipt)
}

func TestStomp_PublishTransacted(t *testing.T) {
	conn := &mockConn{}
	s := newTestBroker(t, conn, mqbridge.Transacted(true))

	require.NoError(t, s.Publish(context.Background(), mqbridge.Destination{Name: "q"}, &mqbridge.Message{Body: []byte("x")}))
	require.Len(t, conn.txs, 1)
	assert.Len(t, conn.txs[0].sent, 1)
	assert.True(t, conn.txs[0].committed)
	assert.Empty(t, conn.sent)

	conn.txSendErr = errors.New("broker gone")
	assert.EqualError(t, s.Publish(context.Background(), mqbridge.Destination{Name: "q"}, &mqbridge.Message{Body: []byte("y")}), "broker gone")
	require.Len(t, conn.txs, 2)
	assert.True(t, conn.txs[1].aborted)
	assert.False(t, conn.txs[1].committed)
}

func TestStomp_Subscribe(t *testing.T) {
	sub := &mockSubscription{ch: make(chan *stomp.Message, 4)}
	var gotDest string
	var gotAck stomp.AckMode
	var nopts int
	conn := &mockConn{subscribeFunc: func(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error) {
		gotDest, gotAck, nopts = dest, ack, len(opts)
		return sub, nil
	}}
	s := newTestBroker(t, conn)

	got := make(chan mqbridge.Event, 2)
	dest := mqbridge.Destination{Name: "orders"}
	subscriber, err := s.Subscribe(dest, func(ctx context.Context, e mqbridge.Event) error {
		got <- e
		return nil
	}, WithSelector("region = 'eu'"))
	require.NoError(t, err)
	assert.Equal(t, "/queue/orders", gotDest)
	assert.Equal(t, stomp.AckAuto, gotAck)
	assert.Equal(t, 1, nopts)
	assert.Equal(t, dest, subscriber.Destination())

	sub.ch <- &stomp.Message{Err: errors.New("bad frame")}
	sub.ch <- &stomp.Message{
		Body:   []byte("hello"),
		Header: frame.NewHeader("priority", "7", "persistent", "true", "k", "v"),
	}

	select {
	case e := <-got:
		msg := e.Message()
		assert.Equal(t, "hello", string(msg.Body))
		assert.Equal(t, "v", msg.Header["k"])
		assert.Equal(t, "7", msg.Header[mqbridge.HeaderPriority])
		assert.Equal(t, "persistent", msg.Header[mqbridge.HeaderDeliveryMode])
		assert.Equal(t, dest, e.Destination())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	acks, _ := conn.counts()
	assert.Zero(t, acks, "auto ack mode sends no ACK frames")
	require.NoError(t, subscriber.Unsubscribe())
	require.NoError(t, subscriber.Unsubscribe())
	assert.True(t, sub.unsubscribed)
}

func TestStomp_ClientAck(t *testing.T) {
	sub := &mockSubscription{ch: make(chan *stomp.Message, 2)}
	var gotAck stomp.AckMode
	conn := &mockConn{subscribeFunc: func(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error) {
		gotAck = ack
		return sub, nil
	}}
	failed := make(chan mqbridge.Event, 1)
	s := newTestBroker(t, conn, mqbridge.ErrorHandler(func(ctx context.Context, e mqbridge.Event) error {
		failed <- e
		return nil
	}))

	calls := 0
	_, err := s.Subscribe(mqbridge.Destination{Name: "q"}, func(ctx context.Context, e mqbridge.Event) error {
		calls++
		if calls == 1 {
			return errors.New("try again")
		}
		return e.Ack()
	}, mqbridge.DisableAutoAck())
	require.NoError(t, err)
	assert.Equal(t, stomp.AckClientIndividual, gotAck)

	sub.ch <- &stomp.Message{Body: []byte("one")}
	sub.ch <- &stomp.Message{Body: []byte("two")}

	select {
	case e := <-failed:
		assert.EqualError(t, e.Error(), "try again")
	case <-time.After(2 * time.Second):
		t.Fatal("error handler was not called")
	}
	assert.Eventually(t, func() bool {
		acks, nacks := conn.counts()
		return acks == 1 && nacks == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStomp_TransactedAck(t *testing.T) {
	sub := &mockSubscription{ch: make(chan *stomp.Message, 1)}
	var gotAck stomp.AckMode
	conn := &mockConn{subscribeFunc: func(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error) {
		gotAck = ack
		return sub, nil
	}}
	s := newTestBroker(t, conn, mqbridge.Transacted(true))

	_, err := s.Subscribe(mqbridge.Destination{Name: "q"}, func(ctx context.Context, e mqbridge.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, stomp.AckClientIndividual, gotAck)

	sub.ch <- &stomp.Message{Body: []byte("x")}
	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.txs) == 1 && conn.txs[0].acks == 1 && conn.txs[0].committed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStomp_SubscriptionClosed(t *testing.T) {
	sub := &mockSubscription{ch: make(chan *stomp.Message)}
	conn := &mockConn{subscribeFunc: func(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error) {
		return sub, nil
	}}
	s := newTestBroker(t, conn)

	subscriber, err := s.Subscribe(mqbridge.Destination{Name: "q"}, func(ctx context.Context, e mqbridge.Event) error {
		t.Error("handler called on a closed subscription")
		return nil
	})
	require.NoError(t, err)

	// the client library closes the channel once the subscription ends
	close(sub.ch)
	assert.NoError(t, subscriber.Unsubscribe())
	assert.True(t, sub.unsubscribed)
}
