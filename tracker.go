package mqbridge

import (
	"context"
	"sort"
	"sync"
)

// Driver specific options travel in Options.Context. Each value is tracked so
// that an option a driver never reads can be reported instead of silently
// ignored.

type trackerKey struct{}

type trackedOption struct {
	name     string
	consumed bool
}

type optionTracker struct {
	mu      sync.Mutex
	options map[interface{}]*trackedOption
}

// TrackOptions attaches a fresh tracker to ctx.
func TrackOptions(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, trackerKey{}, &optionTracker{
		options: make(map[interface{}]*trackedOption),
	})
}

func trackerFrom(ctx context.Context) *optionTracker {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(trackerKey{}).(*optionTracker)
	return t
}

// WithTrackedValue stores val under key and records name as the option that
// set it.
func WithTrackedValue(ctx context.Context, key, val interface{}, name string) context.Context {
	t := trackerFrom(ctx)
	if t == nil {
		ctx = TrackOptions(ctx)
		t = trackerFrom(ctx)
	}
	t.mu.Lock()
	t.options[key] = &trackedOption{name: name}
	t.mu.Unlock()
	return context.WithValue(ctx, key, val)
}

// GetTrackedValue returns the value stored under key and marks it consumed.
func GetTrackedValue(ctx context.Context, key interface{}) interface{} {
	if ctx == nil {
		return nil
	}
	if t := trackerFrom(ctx); t != nil {
		t.mu.Lock()
		if o, ok := t.options[key]; ok {
			o.consumed = true
		}
		t.mu.Unlock()
	}
	return ctx.Value(key)
}

// WarnUnconsumed logs every tracked option no driver has read.
func WarnUnconsumed(ctx context.Context, logger Logger) {
	if logger == nil {
		return
	}
	t := trackerFrom(ctx)
	if t == nil {
		return
	}
	t.mu.Lock()
	var names []string
	for _, o := range t.options {
		if !o.consumed {
			names = append(names, o.name)
		}
	}
	t.mu.Unlock()

	sort.Strings(names)
	for _, n := range names {
		logger.Logf("option %s was set but is not supported by this broker", n)
	}
}
