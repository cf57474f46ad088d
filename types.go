package mqbridge

import "fmt"

// ConnectionType decides whether a client drives inbound or outbound traffic.
// It is fixed when the client is created.
type ConnectionType int

const (
	Consumer ConnectionType = iota
	Producer
)

// ConnectionTypeFromInt maps a host value to a ConnectionType. Zero is a
// consumer and every other value is a producer.
func ConnectionTypeFromInt(v int64) ConnectionType {
	if v == 0 {
		return Consumer
	}
	return Producer
}

func (t ConnectionType) String() string {
	switch t {
	case Consumer:
		return "consumer"
	case Producer:
		return "producer"
	}
	return fmt.Sprintf("ConnectionType(%d)", int(t))
}

// PipelineType selects point-to-point or publish/subscribe semantics.
type PipelineType int

const (
	Queue PipelineType = iota
	Topic
)

// PipelineTypeFromInt accepts only the two defined values.
func PipelineTypeFromInt(v int64) (PipelineType, error) {
	switch v {
	case 0:
		return Queue, nil
	case 1:
		return Topic, nil
	}
	return Queue, fmt.Errorf("invalid pipeline type %d", v)
}

func (p PipelineType) String() string {
	switch p {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	}
	return fmt.Sprintf("PipelineType(%d)", int(p))
}

// DeliveryMode is the durability requested from the broker for produced
// messages.
type DeliveryMode int

const (
	Persistent DeliveryMode = iota
	NonPersistent
)

// DeliveryModeFromInt accepts only the two defined values.
func DeliveryModeFromInt(v int64) (DeliveryMode, error) {
	switch v {
	case 0:
		return Persistent, nil
	case 1:
		return NonPersistent, nil
	}
	return Persistent, fmt.Errorf("invalid delivery mode %d", v)
}

func (m DeliveryMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case NonPersistent:
		return "non-persistent"
	}
	return fmt.Sprintf("DeliveryMode(%d)", int(m))
}

// State is the lifecycle state of a Client.
type State int

const (
	Unconfigured State = iota
	Configured
	Running
	Closed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handle identifies one registered Client. Zero is never issued.
type Handle uint32

// Priority bounds follow the JMS convention.
const (
	MinPriority     = 0
	MaxPriority     = 9
	DefaultPriority = 4
)

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
