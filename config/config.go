package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qvcloud/mqbridge"
)

// EnvPath names the environment variable consulted when init is called
// without a settings path.
const EnvPath = "MQBRIDGE_CONFIG"

// Settings is the process-wide configuration read by init.
type Settings struct {
	Log       LogConfig      `yaml:"log"`
	Callbacks CallbackConfig `yaml:"callbacks"`
	Registry  RegistryConfig `yaml:"registry"`
	Defaults  ClientDefaults `yaml:"defaults"`

	// Schemes routes one URI scheme to the driver of another, e.g. tcp: amqp.
	Schemes map[string]string `yaml:"schemes"`

	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

type CallbackConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

type RegistryConfig struct {
	ClosedHandleLimit int `yaml:"closed_handle_limit"`
}

// ClientDefaults is the configuration every new client starts with.
type ClientDefaults struct {
	BrokerURI    string `yaml:"broker_uri"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Destination  string `yaml:"destination"`
	Pipeline     string `yaml:"pipeline"`      // queue, topic
	DeliveryMode string `yaml:"delivery_mode"` // persistent, non-persistent
	Transacted   bool   `yaml:"transacted"`
}

// Default returns the settings used when no file is given.
func Default() *Settings {
	return &Settings{
		Log: LogConfig{
			Level: "info",
		},
		Callbacks: CallbackConfig{
			QueueSize:     mqbridge.DefaultQueueSize,
			NotifyTimeout: mqbridge.DefaultNotifyTimeout,
		},
		Registry: RegistryConfig{
			ClosedHandleLimit: mqbridge.DefaultClosedHandleLimit,
		},
		Defaults: ClientDefaults{
			Pipeline:     mqbridge.Queue.String(),
			DeliveryMode: mqbridge.Persistent.String(),
		},
		OperationTimeout: mqbridge.DefaultOperationTimeout,
	}
}

// DecodeStrict decodes YAML from a reader and rejects any unknown fields.
func DecodeStrict(r io.Reader, out interface{}) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Decode reads settings from r on top of Default and validates them.
func Decode(r io.Reader) (*Settings, error) {
	s := Default()
	if err := DecodeStrict(r, s); err != nil {
		return nil, err
	}
	if errs := s.Validate(); len(errs) > 0 {
		return nil, joinValidation(errs)
	}
	return s, nil
}

// LoadFile reads settings from path.
func LoadFile(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Load reads settings from path, falling back to $MQBRIDGE_CONFIG and then
// to Default.
func Load(path string) (*Settings, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}
