package nats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/qvcloud/mqbridge"
)

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// natsBroker uses queue groups for queues and plain subscriptions for
// topics. Core NATS has no priorities or persistence, so both travel as
// headers; persistent sends wait for the server to acknowledge the flush.
type natsBroker struct {
	opts mqbridge.Options
	conn natsConn

	sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	newConn func(addr string, opts ...nats.Option) (natsConn, error)
}

func (n *natsBroker) Options() mqbridge.Options { return n.opts }

func (n *natsBroker) Address() string {
	if len(n.opts.Addrs) > 0 {
		return n.opts.Addrs[0]
	}
	return ""
}

func (n *natsBroker) Init(opts ...mqbridge.Option) error {
	for _, o := range opts {
		o(&n.opts)
	}
	return nil
}

// serverURL keeps nats:// and tls:// URIs as they are and rewrites any other
// scheme into a comma separated nats:// server list.
func serverURL(addr string) string {
	scheme, _, ok := strings.Cut(addr, "://")
	if ok {
		switch strings.ToLower(scheme) {
		case "nats", "tls", "ws", "wss":
			return addr
		}
	}
	hosts := mqbridge.HostsFromURI(addr)
	for i, h := range hosts {
		hosts[i] = "nats://" + h
	}
	return strings.Join(hosts, ",")
}

func (n *natsBroker) Connect() error {
	n.Lock()
	defer n.Unlock()

	if n.running {
		return nil
	}

	if len(n.opts.Addrs) == 0 {
		return fmt.Errorf("nats: server addresses are required")
	}

	addr := serverURL(n.Address())
	var (
		conn natsConn
		err  error
	)

	opts := []nats.Option{}
	if n.opts.TLSConfig != nil {
		opts = append(opts, nats.Secure(n.opts.TLSConfig))
	}
	if n.opts.ClientID != "" {
		opts = append(opts, nats.Name(n.opts.ClientID))
	}
	if n.opts.Username != "" {
		opts = append(opts, nats.UserInfo(n.opts.Username, n.opts.Password))
	}

	if n.opts.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(n.opts.Context, maxReconnectKey{}).(int); ok {
			opts = append(opts, nats.MaxReconnects(v))
		}
		if v, ok := mqbridge.GetTrackedValue(n.opts.Context, reconnectWaitKey{}).(time.Duration); ok {
			opts = append(opts, nats.ReconnectWait(v))
		}
	}

	conn, err = n.newConn(addr, opts...)
	if err != nil {
		if n.opts.Logger != nil {
			n.opts.Logger.Logf("NATS connect error to %s: %v", addr, err)
		}
		return err
	}
	n.conn = conn

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.running = true

	// Warn about unconsumed options
	mqbridge.WarnUnconsumed(n.opts.Context, n.opts.Logger)

	return nil
}

func (n *natsBroker) Disconnect() error {
	n.Lock()
	defer n.Unlock()

	if !n.running {
		return nil
	}

	if n.cancel != nil {
		n.cancel()
	}

	if n.conn != nil {
		n.conn.Close()
	}

	n.conn = nil
	n.running = false
	return nil
}

func (n *natsBroker) Publish(ctx context.Context, dest mqbridge.Destination, msg *mqbridge.Message, opts ...mqbridge.PublishOption) error {
	options := mqbridge.NewPublishOptions(ctx, opts...)

	n.RLock()
	conn := n.conn
	n.RUnlock()

	if conn == nil {
		return fmt.Errorf("nats: not connected")
	}

	nm := &nats.Msg{
		Subject: dest.Name,
		Header:  make(nats.Header),
		Data:    msg.Body,
	}

	if options.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(options.Context, replyToKey{}).(string); ok {
			nm.Reply = v
		}
	}

	for k, v := range msg.Header {
		nm.Header.Set(k, v)
	}
	nm.Header.Set(mqbridge.HeaderPriority, strconv.Itoa(mqbridge.ClampPriority(options.Priority)))
	nm.Header.Set(mqbridge.HeaderDeliveryMode, options.DeliveryMode.String())

	if err := conn.PublishMsg(nm); err != nil {
		return err
	}
	if options.DeliveryMode == mqbridge.Persistent || n.opts.Transacted {
		if ctx == nil {
			ctx = context.Background()
		}
		if err := conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("nats: flush: %w", err)
		}
	}

	mqbridge.WarnUnconsumed(options.Context, n.opts.Logger)
	return nil
}

func (n *natsBroker) Subscribe(dest mqbridge.Destination, handler mqbridge.Handler, opts ...mqbridge.SubscribeOption) (mqbridge.Subscriber, error) {
	options := mqbridge.NewSubscribeOptions(opts...)

	n.Lock()
	conn := n.conn
	brokerCtx := n.ctx
	n.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("nats: not connected")
	}

	if brokerCtx == nil {
		brokerCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(brokerCtx)

	var sub *nats.Subscription
	var err error

	h := func(nm *nats.Msg) {
		header := make(map[string]string)
		for k, v := range nm.Header {
			if len(v) > 0 {
				header[k] = v[0]
			}
		}

		event := &natsEvent{
			dest:    dest,
			message: &mqbridge.Message{Header: header, Body: nm.Data},
			nm:      nm,
		}

		err := handler(ctx, event)
		if err != nil {
			event.err = err
			if eh := n.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
			return
		}
		if options.AutoAck {
			event.Ack()
		}
	}

	if dest.Pipeline == mqbridge.Queue {
		group := options.Group
		if group == "" {
			group = dest.Name
		}
		sub, err = conn.QueueSubscribe(dest.Name, group, h)
	} else {
		sub, err = conn.Subscribe(dest.Name, h)
	}

	if err != nil {
		cancel()
		return nil, err
	}

	return &natsSubscriber{
		dest:   dest,
		opts:   options,
		sub:    sub,
		cancel: cancel,
	}, nil
}

func (n *natsBroker) String() string {
	return "nats"
}

type natsSubscriber struct {
	dest   mqbridge.Destination
	opts   mqbridge.SubscribeOptions
	sub    *nats.Subscription
	cancel context.CancelFunc
}

func (s *natsSubscriber) Options() mqbridge.SubscribeOptions { return s.opts }
func (s *natsSubscriber) Destination() mqbridge.Destination  { return s.dest }
func (s *natsSubscriber) Unsubscribe() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}

type natsEvent struct {
	dest    mqbridge.Destination
	message *mqbridge.Message
	nm      *nats.Msg
	err     error
}

func (e *natsEvent) Destination() mqbridge.Destination { return e.dest }
func (e *natsEvent) Message() *mqbridge.Message        { return e.message }

// Ack is a no-op for core NATS messages, which carry no reply subject.
func (e *natsEvent) Ack() error {
	if e.nm == nil || e.nm.Reply == "" {
		return nil
	}
	return e.nm.Ack()
}

func (e *natsEvent) Nack(requeue bool) error {
	if !requeue {
		return e.nm.Term()
	}
	return e.nm.Nak()
}
func (e *natsEvent) Error() error { return e.err }

func NewBroker(opts ...mqbridge.Option) mqbridge.Broker {
	options := mqbridge.NewOptions(opts...)
	return &natsBroker{
		opts: *options,
		newConn: func(addr string, opts ...nats.Option) (natsConn, error) {
			return nats.Connect(addr, opts...)
		},
	}
}

type maxReconnectKey struct{}
type reconnectWaitKey struct{}

func WithMaxReconnect(max int) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, maxReconnectKey{}, max, "nats.WithMaxReconnect")
	}
}

func WithReconnectWait(wait time.Duration) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, reconnectWaitKey{}, wait, "nats.WithReconnectWait")
	}
}

type replyToKey struct{}

func WithReplyTo(reply string) mqbridge.PublishOption {
	return func(o *mqbridge.PublishOptions) {
		o.Context = mqbridge.WithTrackedValue(o.Context, replyToKey{}, reply, "nats.WithReplyTo")
	}
}
