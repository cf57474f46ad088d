package sqs

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/qvcloud/mqbridge"
)

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// sqsBroker only serves the queue pipeline; SQS has no fan-out of its own.
// Destinations are queue names resolved to URLs once, or queue URLs used as
// they are.
type sqsBroker struct {
	opts   mqbridge.Options
	client sqsAPI

	sync.RWMutex
	running   bool
	queueURLs map[string]string
	ctx       context.Context
	cancel    context.CancelFunc

	newClient func(ctx context.Context) (sqsAPI, error)
}

func (s *sqsBroker) Options() mqbridge.Options { return s.opts }

func (s *sqsBroker) Address() string {
	if len(s.opts.Addrs) > 0 {
		return s.opts.Addrs[0]
	}
	return ""
}

func (s *sqsBroker) Init(opts ...mqbridge.Option) error {
	for _, o := range opts {
		o(&s.opts)
	}
	return nil
}

// endpoint splits the broker address into a region and an optional custom
// endpoint. "sqs://eu-west-1" names a region; "sqs://localhost:9324?region=x"
// names an endpoint such as ElasticMQ or LocalStack.
func (s *sqsBroker) endpoint() (region, endpoint string, err error) {
	if v, ok := mqbridge.GetTrackedValue(s.opts.Context, endpointKey{}).(string); ok {
		endpoint = v
	}
	addr := s.Address()
	if addr == "" {
		return "", endpoint, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("sqs: invalid address %q: %w", addr, err)
	}
	region = u.Query().Get("region")
	host := u.Host
	if host == "" {
		return region, endpoint, nil
	}
	if strings.ContainsAny(host, ".:") || host == "localhost" {
		if endpoint == "" {
			scheme := "http"
			if s.opts.Secure || s.opts.TLSConfig != nil {
				scheme = "https"
			}
			endpoint = scheme + "://" + host
		}
		return region, endpoint, nil
	}
	if region == "" {
		region = host
	}
	return region, endpoint, nil
}

func (s *sqsBroker) loadClient(ctx context.Context) (sqsAPI, error) {
	region, endpoint, err := s.endpoint()
	if err != nil {
		return nil, err
	}

	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	if s.opts.Username != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.opts.Username, s.opts.Password, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (s *sqsBroker) Connect() error {
	s.Lock()
	defer s.Unlock()

	if s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := s.newClient(ctx)
	if err != nil {
		if s.opts.Logger != nil {
			s.opts.Logger.Logf("SQS config error: %v", err)
		}
		return err
	}

	s.client = client
	s.queueURLs = make(map[string]string)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	mqbridge.WarnUnconsumed(s.opts.Context, s.opts.Logger)
	return nil
}

func (s *sqsBroker) Disconnect() error {
	s.Lock()
	defer s.Unlock()

	if !s.running {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.client = nil
	s.running = false
	return nil
}

// queueURL resolves a queue name, caching the answer.
func (s *sqsBroker) queueURL(ctx context.Context, client sqsAPI, name string) (string, error) {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return name, nil
	}

	s.RLock()
	u, ok := s.queueURLs[name]
	s.RUnlock()
	if ok {
		return u, nil
	}

	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("sqs: resolve queue %s: %w", name, err)
	}
	u = aws.ToString(out.QueueUrl)

	s.Lock()
	if s.queueURLs == nil {
		s.queueURLs = make(map[string]string)
	}
	s.queueURLs[name] = u
	s.Unlock()
	return u, nil
}

func errTopic(dest mqbridge.Destination) error {
	return fmt.Errorf("sqs: %s: topic pipeline is not supported", dest)
}

func (s *sqsBroker) Publish(ctx context.Context, dest mqbridge.Destination, msg *mqbridge.Message, opts ...mqbridge.PublishOption) error {
	options := mqbridge.NewPublishOptions(ctx, opts...)

	if dest.Pipeline == mqbridge.Topic {
		return errTopic(dest)
	}

	s.RLock()
	client := s.client
	s.RUnlock()

	if client == nil {
		return fmt.Errorf("sqs: not connected")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	queueURL, err := s.queueURL(ctx, client, dest.Name)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: make(map[string]types.MessageAttributeValue),
	}

	for k, v := range msg.Header {
		input.MessageAttributes[k] = stringAttribute(v)
	}
	input.MessageAttributes[mqbridge.HeaderPriority] = types.MessageAttributeValue{
		DataType:    aws.String("Number"),
		StringValue: aws.String(strconv.Itoa(mqbridge.ClampPriority(options.Priority))),
	}
	input.MessageAttributes[mqbridge.HeaderDeliveryMode] = stringAttribute(options.DeliveryMode.String())

	if options.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(options.Context, delayKey{}).(time.Duration); ok && v > 0 {
			input.DelaySeconds = int32(v.Seconds())
		}
		if v, ok := mqbridge.GetTrackedValue(options.Context, deduplicationIDKey{}).(string); ok {
			input.MessageDeduplicationId = aws.String(v)
		}
	}

	// FIFO queues order by message group
	if options.ShardingKey != "" {
		input.MessageGroupId = aws.String(options.ShardingKey)
		if input.MessageDeduplicationId == nil && strings.HasSuffix(queueURL, ".fifo") {
			input.MessageDeduplicationId = aws.String(uuid.New().String())
		}
	}

	if _, err := client.SendMessage(ctx, input); err != nil {
		return err
	}
	mqbridge.WarnUnconsumed(options.Context, s.opts.Logger)
	return nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

func (s *sqsBroker) Subscribe(dest mqbridge.Destination, handler mqbridge.Handler, opts ...mqbridge.SubscribeOption) (mqbridge.Subscriber, error) {
	options := mqbridge.NewSubscribeOptions(opts...)

	if dest.Pipeline == mqbridge.Topic {
		return nil, errTopic(dest)
	}

	s.RLock()
	client := s.client
	brokerCtx := s.ctx
	s.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("sqs: not connected")
	}

	if brokerCtx == nil {
		brokerCtx = context.Background()
	}

	queueURL, err := s.queueURL(brokerCtx, client, dest.Name)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(brokerCtx)

	sub := &sqsSubscriber{
		dest:     dest,
		queueURL: queueURL,
		opts:     options,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go s.run(ctx, sub, client, handler)

	return sub, nil
}

func (s *sqsBroker) receiveInput(queueURL string) *sqs.ReceiveMessageInput {
	maxMessages := int32(10)
	waitTime := int32(20)
	visibilityTimeout := int32(0) // 0 means use queue default

	if s.opts.Context != nil {
		if v, ok := mqbridge.GetTrackedValue(s.opts.Context, maxNumberOfMessagesKey{}).(int32); ok {
			maxMessages = v
		}
		if v, ok := mqbridge.GetTrackedValue(s.opts.Context, waitTimeSecondsKey{}).(int32); ok {
			waitTime = v
		}
		if v, ok := mqbridge.GetTrackedValue(s.opts.Context, visibilityTimeoutKey{}).(int32); ok {
			visibilityTimeout = v
		}
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   maxMessages,
		WaitTimeSeconds:       waitTime, // Long polling
		MessageAttributeNames: []string{"All"},
	}
	if visibilityTimeout > 0 {
		input.VisibilityTimeout = visibilityTimeout
	}
	return input
}

func (s *sqsBroker) run(ctx context.Context, sub *sqsSubscriber, client sqsAPI, handler mqbridge.Handler) {
	defer close(sub.done)

	input := s.receiveInput(sub.queueURL)
	for ctx.Err() == nil {
		output, err := client.ReceiveMessage(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.opts.Logger != nil {
				s.opts.Logger.Logf("sqs: receive from %s: %v", sub.queueURL, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, sm := range output.Messages {
			header := make(map[string]string)
			for k, v := range sm.MessageAttributes {
				if v.StringValue != nil {
					header[k] = *v.StringValue
				}
			}
			if sm.MessageId != nil {
				header[mqbridge.HeaderMessageID] = *sm.MessageId
			}

			event := &sqsEvent{
				dest:     sub.dest,
				queueURL: sub.queueURL,
				message:  &mqbridge.Message{Header: header, Body: []byte(aws.ToString(sm.Body))},
				sm:       sm,
				client:   client,
				ctx:      ctx,
			}

			if err := handler(ctx, event); err != nil {
				event.err = err
				if eh := s.opts.ErrorHandler; eh != nil {
					eh(ctx, event)
				}
				continue
			}
			if sub.opts.AutoAck {
				event.Ack()
			}
		}
	}
}

func (s *sqsBroker) String() string {
	return "sqs"
}

type sqsSubscriber struct {
	dest     mqbridge.Destination
	queueURL string
	opts     mqbridge.SubscribeOptions
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *sqsSubscriber) Options() mqbridge.SubscribeOptions { return s.opts }
func (s *sqsSubscriber) Destination() mqbridge.Destination  { return s.dest }
func (s *sqsSubscriber) Unsubscribe() error {
	s.cancel()
	<-s.done
	return nil
}

// sqsEvent deletes the message on Ack. A failed message that is not
// settled becomes visible again once its visibility timeout expires.
type sqsEvent struct {
	dest     mqbridge.Destination
	queueURL string
	message  *mqbridge.Message
	sm       types.Message
	client   sqsAPI
	ctx      context.Context
	err      error
}

func (e *sqsEvent) Destination() mqbridge.Destination { return e.dest }
func (e *sqsEvent) Message() *mqbridge.Message        { return e.message }
func (e *sqsEvent) Ack() error {
	_, err := e.client.DeleteMessage(context.WithoutCancel(e.ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(e.queueURL),
		ReceiptHandle: e.sm.ReceiptHandle,
	})
	return err
}
func (e *sqsEvent) Nack(requeue bool) error {
	if !requeue {
		return e.Ack()
	}
	// Make message available immediately by setting visibility timeout to 0
	_, err := e.client.ChangeMessageVisibility(context.WithoutCancel(e.ctx), &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(e.queueURL),
		ReceiptHandle:     e.sm.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	return err
}
func (e *sqsEvent) Error() error { return e.err }

func NewBroker(opts ...mqbridge.Option) mqbridge.Broker {
	options := mqbridge.NewOptions(opts...)
	s := &sqsBroker{
		opts: *options,
	}
	s.newClient = s.loadClient
	return s
}

type waitTimeSecondsKey struct{}
type visibilityTimeoutKey struct{}
type maxNumberOfMessagesKey struct{}
type endpointKey struct{}
type delayKey struct{}
type deduplicationIDKey struct{}

func WithWaitTimeSeconds(seconds int32) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, waitTimeSecondsKey{}, seconds, "sqs.WithWaitTimeSeconds")
	}
}

func WithVisibilityTimeout(seconds int32) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, visibilityTimeoutKey{}, seconds, "sqs.WithVisibilityTimeout")
	}
}

func WithMaxNumberOfMessages(num int32) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, maxNumberOfMessagesKey{}, num, "sqs.WithMaxNumberOfMessages")
	}
}

// WithEndpoint overrides the service endpoint derived from the address.
func WithEndpoint(endpoint string) mqbridge.Option {
	return func(o *mqbridge.Options) {
		o.Context = mqbridge.WithTrackedValue(o.Context, endpointKey{}, endpoint, "sqs.WithEndpoint")
	}
}

// WithDelay postpones delivery of a message, in whole seconds.
func WithDelay(d time.Duration) mqbridge.PublishOption {
	return func(o *mqbridge.PublishOptions) {
		o.Context = mqbridge.WithTrackedValue(o.Context, delayKey{}, d, "sqs.WithDelay")
	}
}

func WithDeduplicationId(id string) mqbridge.PublishOption {
	return func(o *mqbridge.PublishOptions) {
		o.Context = mqbridge.WithTrackedValue(o.Context, deduplicationIDKey{}, id, "sqs.WithDeduplicationId")
	}
}
