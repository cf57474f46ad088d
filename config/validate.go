package config

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/qvcloud/mqbridge"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g., "callbacks.queue_size"
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks every section and returns all problems found.
func (s *Settings) Validate() []error {
	var errs []error

	if s.Log.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(s.Log.Level)); err != nil {
			errs = append(errs, ValidationError{
				Path:    "log.level",
				Message: fmt.Sprintf("unknown level %q", s.Log.Level),
				Hint:    "expected debug, info, warn or error",
			})
		}
	}

	if s.Callbacks.QueueSize < 0 {
		errs = append(errs, ValidationError{Path: "callbacks.queue_size", Message: "must not be negative"})
	}
	if s.Callbacks.NotifyTimeout < 0 {
		errs = append(errs, ValidationError{Path: "callbacks.notify_timeout", Message: "must not be negative"})
	}
	if s.Registry.ClosedHandleLimit < 0 {
		errs = append(errs, ValidationError{Path: "registry.closed_handle_limit", Message: "must not be negative"})
	}
	if s.OperationTimeout < 0 {
		errs = append(errs, ValidationError{Path: "operation_timeout", Message: "must not be negative"})
	}

	if _, err := ParsePipeline(s.Defaults.Pipeline); err != nil {
		errs = append(errs, ValidationError{Path: "defaults.pipeline", Message: err.Error(), Hint: "expected queue or topic"})
	}
	if _, err := ParseDeliveryMode(s.Defaults.DeliveryMode); err != nil {
		errs = append(errs, ValidationError{Path: "defaults.delivery_mode", Message: err.Error(), Hint: "expected persistent or non-persistent"})
	}

	for alias, target := range s.Schemes {
		if alias == "" || target == "" {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("schemes[%q]", alias),
				Message: "alias and target must not be empty",
			})
		}
	}

	return errs
}

// ParsePipeline maps a settings value to a PipelineType. Empty means queue.
func ParsePipeline(v string) (mqbridge.PipelineType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "queue":
		return mqbridge.Queue, nil
	case "topic":
		return mqbridge.Topic, nil
	}
	return mqbridge.Queue, fmt.Errorf("unknown pipeline %q", v)
}

// ParseDeliveryMode maps a settings value to a DeliveryMode. Empty means
// persistent.
func ParseDeliveryMode(v string) (mqbridge.DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "persistent":
		return mqbridge.Persistent, nil
	case "non-persistent", "non_persistent", "nonpersistent":
		return mqbridge.NonPersistent, nil
	}
	return mqbridge.Persistent, fmt.Errorf("unknown delivery mode %q", v)
}

func joinValidation(errs []error) error {
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}
