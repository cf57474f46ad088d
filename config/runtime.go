package config

import (
	"github.com/qvcloud/mqbridge"
)

// ClientConfig converts the defaults section. Settings must have passed
// Validate.
func (d ClientDefaults) ClientConfig() mqbridge.ClientConfig {
	pipeline, _ := ParsePipeline(d.Pipeline)
	mode, _ := ParseDeliveryMode(d.DeliveryMode)
	return mqbridge.ClientConfig{
		BrokerURI:    d.BrokerURI,
		Username:     d.Username,
		Password:     d.Password,
		Destination:  d.Destination,
		Pipeline:     pipeline,
		DeliveryMode: mode,
		Transacted:   d.Transacted,
	}
}

// Apply registers the scheme aliases on d.
func (s *Settings) Apply(d *mqbridge.Drivers) {
	for alias, target := range s.Schemes {
		d.Alias(alias, target)
	}
}

// RuntimeOptions turns the settings into options for mqbridge.NewRuntime.
// The logger, drivers and telemetry are left to the caller.
func (s *Settings) RuntimeOptions() []mqbridge.RuntimeOption {
	return []mqbridge.RuntimeOption{
		mqbridge.WithQueueSize(s.Callbacks.QueueSize),
		mqbridge.WithNotifyTimeout(s.Callbacks.NotifyTimeout),
		mqbridge.WithClosedHandleLimit(s.Registry.ClosedHandleLimit),
		mqbridge.WithOperationTimeout(s.OperationTimeout),
		mqbridge.WithDefaults(s.Defaults.ClientConfig()),
	}
}
