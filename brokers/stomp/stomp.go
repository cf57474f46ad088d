// Package stomp is a STOMP 1.2 driver. ActiveMQ (classic and Artemis) serves
// STOMP natively, which makes it the default route for tcp:// and ssl://
// ActiveMQ URIs.
package stomp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/qvcloud/mqbridge"
)

type stompConn interface {
	Send(dest, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Subscribe(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error)
	Begin() stompTx
	Ack(m *stomp.Message) error
	Nack(m *stomp.Message) error
	Disconnect() error
}

type stompSubscription interface {
	Messages() <-chan *stomp.Message
	Unsubscribe(opts ...func(*frame.Frame) error) error
}

type stompTx interface {
	Send(dest, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Ack(m *stomp.Message) error
	Commit() error
	Abort() error
}

type clientConn struct{ *stomp.Conn }

func (c clientConn) Subscribe(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error) {
	s, err := c.Conn.Subscribe(dest, ack, opts...)
	if err != nil {
		return nil, err
	}
	return clientSubscription{s}, nil
}

func (c clientConn) Begin() stompTx { return c.Conn.Begin() }

type clientSubscription struct{ *stomp.Subscription }

func (s clientSubscription) Messages() <-chan *stomp.Message { return s.C }

// Headers the client library writes itself.
var reservedHeaders = map[string]bool{
	frame.Destination:   true,
	frame.ContentType:   true,
	frame.ContentLength: true,
	frame.Transaction:   true,
	frame.Receipt:       true,
}

const (
	headerPersistent = "persistent"
	headerPriority   = "priority"
	headerGroupID    = "JMSXGroupID"
	headerSelector   = "selector"
	headerClientID   = "client-id"
	contentType      = "text/plain"
)

// stompBroker maps queues to /queue/<name> and topics to /topic/<name>.
// Transacted sessions wrap every send and every acknowledgement in their own
// transaction.
type stompBroker struct {
	opts mqbridge.Options
	conn stompConn

	sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	newConn func(addr string, tlsConfig *tls.Config, opts ...func(*stomp.Conn) error) (stompConn, error)
}

func (s *stompBroker) Options() mqbridge.Options { return s.opts }

func (s *stompBroker) Address() string {
	if len(s.opts.Addrs) > 0 {
		return s.opts.Addrs[0]
	}
	return ""
}

func (s *stompBroker) Init(opts ...mqbridge.Option) error {
	for _, o := range opts {
		o(&s.opts)
	}
	return nil
}

func (s *stompBroker) String() string {
	return "stomp"
}

// tlsConfig returns the TLS settings for addr, or nil for a plain socket.
func (s *stompBroker) tlsConfig(addr string) *tls.Config {
	if s.opts.TLSConfig != nil {
		return s.opts.TLSConfig
	}
	scheme, _, _ := strings.Cut(strings.ToLower(addr), "://")
	switch scheme {
	case "stomp+ssl", "stomp+tls", "stomps", "ssl", "tls":
		return &tls.Config{}
	}
	if s.opts.Secure {
		return &tls.Config{}
	}
	return nil
}

func (s *stompBroker) connOptions() []func(*stomp.Conn) error {
	var opts []func(*stomp.Conn) error
	if s.opts.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(s.opts.Username, s.opts.Password))
	}
	if s.opts.ClientID != "" {
		opts = append(opts, stomp.ConnOpt.Header(headerClientID, s.opts.ClientID))
	}
	if v, ok := mqbridge.GetTrackedValue(s.opts.Context, virtualHostKey{}).(string); ok {
		opts = append(opts, stomp.ConnOpt.Host(v))
	}
	if v, ok := mqbridge.GetTrackedValue(s.opts.Context, heartBeatKey{}).([2]time.Duration); ok {
		opts = append(opts, stomp.ConnOpt.HeartBeat(v[0], v[1]))
	}
	return opts
}

// Connect tries every host of the address in order and keeps the first
// session that comes up.
func (s *stompBroker) Connect() error {
	s.Lock()
	defer s.Unlock()

	if s.running {
		return nil
	}
	if len(s.opts.Addrs) == 0 {
		return fmt.Errorf("stomp: server addresses are required")
	}

	addr := s.Address()
	hosts := mqbridge.HostsFromURI(addr)
	if len(hosts) == 0 {
		return fmt.Errorf("stomp: no host in %q", addr)
	}

	opts := s.connOptions()
	tlsConfig := s.tlsConfig(addr)
	var errs []error
	for _, host := range hosts {
		conn, err := s.newConn(host, tlsConfig, opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		s.conn = conn
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.running = true
		mqbridge.WarnUnconsumed(s.opts.Context, s.opts.Logger)
		return nil
	}

	err := errors.Join(errs...)
	if s.opts.Logger != nil {
		s.opts.Logger.Logf("STOMP connect error to %s: %v", addr, err)
	}
	return fmt.Errorf("stomp: connect: %w", err)
}

func (s *stompBroker) Disconnect() error {
	s.Lock()
	defer s.Unlock()

	if !s.running {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.conn != nil {
		err = s.conn.Disconnect()
	}
	s.conn = nil
	s.running = false
	return err
}

func destination(d mqbridge.Destination) string {
	if strings.HasPrefix(d.Name, "/") {
		return d.Name
	}
	if d.Pipeline == mqbridge.Topic {
		return "/topic/" + d.Name
	}
	return "/queue/" + d.Name
}

func (s *stompBroker) Publish(ctx context.Context, dest mqbridge.Destination, msg *mqbridge.Message, opts ...mqbridge.PublishOption) error {
	options := mqbridge.NewPublishOptions(ctx, opts...)

	s.RLock()
	conn := s.conn
	s.RUnlock()
	if conn == nil {
		return fmt.Errorf("stomp: not connected")
	}

	var frameOpts []func(*frame.Frame) error
	for k, v := range msg.Header {
		if reservedHeaders[k] {
			continue
		}
		frameOpts = append(frameOpts, stomp.SendOpt.Header(k, v))
	}
	persistent := options.DeliveryMode == mqbridge.Persistent
	frameOpts = append(frameOpts,
		stomp.SendOpt.Header(headerPersistent, strconv.FormatBool(persistent)),
		stomp.SendOpt.Header(headerPriority, strconv.Itoa(mqbridge.ClampPriority(options.Priority))),
	)
	if options.ShardingKey != "" {
		frameOpts = append(frameOpts, stomp.SendOpt.Header(headerGroupID, options.ShardingKey))
	}

	name := destination(dest)
	if s.opts.Transacted {
		tx := conn.Begin()
		if err := tx.Send(name, contentType, msg.Body, frameOpts...); err != nil {
			tx.Abort()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("stomp: commit: %w", err)
		}
	} else {
		if persistent {
			// wait for the broker to confirm the frame
			frameOpts = append(frameOpts, stomp.SendOpt.Receipt)
		}
		if err := conn.Send(name, contentType, msg.Body, frameOpts...); err != nil {
			return err
		}
	}

	mqbridge.WarnUnconsumed(options.Context, s.opts.Logger)
	return nil
}

func (s *stompBroker) Subscribe(dest mqbridge.Destination, handler mqbridge.Handler, opts ...mqbridge.SubscribeOption) (mqbridge.Subscriber, error) {
	options := mqbridge.NewSubscribeOptions(opts...)

	s.RLock()
	conn := s.conn
	brokerCtx := s.ctx
	s.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("stomp: not connected")
	}

	ack := stomp.AckAuto
	if !options.AutoAck || s.opts.Transacted {
		ack = stomp.AckClientIndividual
	}

	var subOpts []func(*frame.Frame) error
	if v, ok := mqbridge.GetTrackedValue(options.Context, selectorKey{}).(string); ok && v != "" {
		subOpts = append(subOpts, stomp.SubscribeOpt.Header(headerSelector, v))
	}

	sub, err := conn.Subscribe(destination(dest), ack, subOpts...)
	if err != nil {
		return nil, err
	}
	mqbridge.WarnUnconsumed(options.Context, s.opts.Logger)

	ctx, cancel := context.WithCancel(brokerCtx)
	ss := &stompSubscriber{
		dest:   dest,
		opts:   options,
		sub:    sub,
		cancel: cancel,
	}
	go ss.run(ctx, s, conn, ack, handler)
	return ss, nil
}

type stompSubscriber struct {
	dest   mqbridge.Destination
	opts   mqbridge.SubscribeOptions
	sub    stompSubscription
	cancel context.CancelFunc
	once   sync.Once
}

func (s *stompSubscriber) Options() mqbridge.SubscribeOptions { return s.opts }
func (s *stompSubscriber) Destination() mqbridge.Destination  { return s.dest }

func (s *stompSubscriber) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.sub.Unsubscribe()
	})
	return err
}

func (s *stompSubscriber) run(ctx context.Context, b *stompBroker, conn stompConn, ack stomp.AckMode, handler mqbridge.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-s.sub.Messages():
			if !ok {
				return
			}
			if m.Err != nil {
				if b.opts.Logger != nil {
					b.opts.Logger.Logf("STOMP subscription %s failed: %v", s.dest, m.Err)
				}
				continue
			}
			s.deliver(ctx, b, conn, ack, handler, m)
		}
	}
}

func (s *stompSubscriber) deliver(ctx context.Context, b *stompBroker, conn stompConn, ack stomp.AckMode, handler mqbridge.Handler, m *stomp.Message) {
	e := &stompEvent{
		dest:       s.dest,
		message:    toMessage(m),
		raw:        m,
		conn:       conn,
		ack:        ack,
		transacted: b.opts.Transacted,
	}

	err := handler(ctx, e)
	if err != nil {
		e.err = err
		if eh := b.opts.ErrorHandler; eh != nil {
			eh(ctx, e)
		}
		if !e.settled {
			e.Nack(true)
		}
		return
	}
	if s.opts.AutoAck && !e.settled {
		e.Ack()
	}
}

func toMessage(m *stomp.Message) *mqbridge.Message {
	header := make(map[string]string)
	if m.Header != nil {
		for i := 0; i < m.Header.Len(); i++ {
			k, v := m.Header.GetAt(i)
			if _, seen := header[k]; !seen {
				header[k] = v
			}
		}
	}
	if v, ok := header[headerPriority]; ok {
		header[mqbridge.HeaderPriority] = v
	}
	if v, ok := header[headerPersistent]; ok {
		mode := mqbridge.NonPersistent
		if v == "true" {
			mode = mqbridge.Persistent
		}
		header[mqbridge.HeaderDeliveryMode] = mode.String()
	}
	return &mqbridge.Message{Header: header, Body: m.Body}
}

type stompEvent struct {
	dest       mqbridge.Destination
	message    *mqbridge.Message
	raw        *stomp.Message
	conn       stompConn
	ack        stomp.AckMode
	transacted bool
	settled    bool
	err        error
}

func (e *stompEvent) Destination() mqbridge.Destination { return e.dest }
func (e *stompEvent) Message() *mqbridge.Message        { return e.message }
func (e *stompEvent) Error() error                      { return e.err }

// Ack confirms the message. In a transacted session the acknowledgement is
// committed on its own.
func (e *stompEvent) Ack() error {
	e.settled = true
	if e.ack == stomp.AckAuto {
		return nil
	}
	if e.transacted {
		tx := e.conn.Begin()
		if err := tx.Ack(e.raw); err != nil {
			tx.Abort()
			return err
		}
		return tx.Commit()
	}
	return e.conn.Ack(e.raw)
}

// Nack hands the message back to the broker, whose redelivery policy decides
// what happens next. STOMP has no requeue flag.
func (e *stompEvent) Nack(requeue bool) error {
	e.settled = true
	if e.ack == stomp.AckAuto {
		return nil
	}
	return e.conn.Nack(e.raw)
}

func dial(addr string, tlsConfig *tls.Config, opts ...func(*stomp.Conn) error) (stompConn, error) {
	if tlsConfig == nil {
		c, err := stomp.Dial("tcp", addr, opts...)
		if err != nil {
			return nil, err
		}
		return clientConn{c}, nil
	}

	nc, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	c, err := stomp.Connect(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return clientConn{c}, nil
}

func NewBroker(opts ...mqbridge.Option) mqbridge.Broker {
	options := mqbridge.NewOptions(opts...)
	return &stompBroker{
		opts:    *options,
		newConn: dial,
	}
}

type virtualHostKey struct{}
type heartBeatKey struct{}
type selectorKey struct{}

// WithVirtualHost sets the host header of the CONNECT frame.
func WithVirtualHost(host string) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, virtualHostKey{}, host, "stomp.WithVirtualHost")
	}
}

// WithHeartBeat negotiates heart-beating in both directions.
func WithHeartBeat(send, recv time.Duration) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, heartBeatKey{}, [2]time.Duration{send, recv}, "stomp.WithHeartBeat")
	}
}

// WithSelector filters deliveries with a JMS message selector.
func WithSelector(expr string) mqbridge.SubscribeOption {
	return func(o *mqbridge.SubscribeOptions) {
		o.Context = mqbridge.WithTrackedValue(o.Context, selectorKey{}, expr, "stomp.WithSelector")
	}
}
