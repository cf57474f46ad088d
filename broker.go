package mqbridge

import (
	"context"
)

// Broker is the messaging library a Client drives. Each driver under brokers/
// implements it on top of one native client library.
type Broker interface {
	Init(...Option) error
	Options() Options
	Address() string
	Connect() error
	Disconnect() error
	Publish(ctx context.Context, dest Destination, msg *Message, opts ...PublishOption) error
	Subscribe(dest Destination, h Handler, opts ...SubscribeOption) (Subscriber, error)
	String() string
}

// Destination names a queue or a topic on the broker.
type Destination struct {
	Name     string
	Pipeline PipelineType
}

func (d Destination) String() string {
	return d.Pipeline.String() + "://" + d.Name
}

// Handler is used to process messages delivered for a subscription.
type Handler func(context.Context, Event) error

// Message is a message sent to or received from the broker.
type Message struct {
	Header map[string]string
	Body   []byte
}

// Event is given to a subscription handler for processing.
type Event interface {
	Destination() Destination
	Message() *Message
	Ack() error
	Nack(requeue bool) error
	Error() error
}

// Subscriber is returned by Subscribe and cancels delivery on Unsubscribe.
type Subscriber interface {
	Options() SubscribeOptions
	Destination() Destination
	Unsubscribe() error
}

// Marshaler is a simple encoding interface.
type Marshaler interface {
	Marshal(interface{}) ([]byte, error)
	Unmarshal([]byte, interface{}) error
	String() string
}

// Header keys every driver uses to carry publish metadata when the native
// protocol has no dedicated field for it.
const (
	HeaderPriority     = "mqbridge-priority"
	HeaderDeliveryMode = "mqbridge-delivery-mode"
	HeaderMessageID    = "mqbridge-message-id"
)
