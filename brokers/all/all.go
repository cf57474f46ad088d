// Package all registers every bundled driver.
package all

import (
	"github.com/qvcloud/mqbridge"
	"github.com/qvcloud/mqbridge/brokers/kafka"
	"github.com/qvcloud/mqbridge/brokers/nats"
	"github.com/qvcloud/mqbridge/brokers/pubsub"
	"github.com/qvcloud/mqbridge/brokers/rabbitmq"
	"github.com/qvcloud/mqbridge/brokers/redis"
	"github.com/qvcloud/mqbridge/brokers/rocketmq"
	"github.com/qvcloud/mqbridge/brokers/sqs"
	"github.com/qvcloud/mqbridge/brokers/stomp"
)

// Schemes maps each URI scheme to the driver serving it.
var Schemes = map[string]mqbridge.Factory{
	"amqp":      rabbitmq.NewBroker,
	"amqps":     rabbitmq.NewBroker,
	"nats":      nats.NewBroker,
	"tls":       nats.NewBroker,
	"kafka":     kafka.NewBroker,
	"rocketmq":  rocketmq.NewBroker,
	"redis":     redis.NewBroker,
	"rediss":    redis.NewBroker,
	"sqs":       sqs.NewBroker,
	"gcppubsub": pubsub.NewBroker,
	"stomp":     stomp.NewBroker,
	"stomp+ssl": stomp.NewBroker,
	"stomps":    stomp.NewBroker,
}

// Aliases routes ActiveMQ style URIs to the STOMP driver, which every
// ActiveMQ flavour serves. Settings may point them elsewhere, for example
// "tcp: amqp" for a broker reached over AMQP.
var Aliases = map[string]string{
	"tcp": "stomp",
	"ssl": "stomp+ssl",
}

// Register adds every bundled driver to d.
func Register(d *mqbridge.Drivers) {
	for scheme, f := range Schemes {
		d.Register(scheme, f)
	}
	for alias, scheme := range Aliases {
		d.Alias(alias, scheme)
	}
}

// NewDrivers returns a scheme table with the in-memory broker and every
// bundled driver.
func NewDrivers() *mqbridge.Drivers {
	d := mqbridge.NewDrivers()
	Register(d)
	return d
}
