package mqbridge

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Factory builds an unconnected Broker.
type Factory func(opts ...Option) Broker

// Drivers maps broker URI schemes to the factory of the driver that speaks
// them. Aliases let a deployment route one scheme to another driver, for
// example "tcp" to "amqp".
type Drivers struct {
	mu        sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string
}

// NewDrivers returns a table that knows the in-memory broker under "mem" and
// "memory".
func NewDrivers() *Drivers {
	d := &Drivers{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
	}
	d.Register("mem", NewMemoryBroker)
	d.Register("memory", NewMemoryBroker)
	return d
}

// Register binds scheme to f, replacing any previous binding.
func (d *Drivers) Register(scheme string, f Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[strings.ToLower(scheme)] = f
}

// Alias resolves alias through scheme.
func (d *Drivers) Alias(alias, scheme string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliases[strings.ToLower(alias)] = strings.ToLower(scheme)
}

// Schemes lists every registered scheme and alias.
func (d *Drivers) Schemes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.factories)+len(d.aliases))
	for s := range d.factories {
		out = append(out, s)
	}
	for s := range d.aliases {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the factory for the scheme of uri.
func (d *Drivers) Lookup(uri string) (Factory, string, error) {
	scheme, err := SchemeOf(uri)
	if err != nil {
		return nil, "", err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	name := scheme
	if target, ok := d.aliases[scheme]; ok {
		name = target
	}
	f, ok := d.factories[name]
	if !ok {
		return nil, scheme, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return f, scheme, nil
}

// SchemeOf returns the lower-cased scheme of a broker URI.
func SchemeOf(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid broker uri %q: %w", uri, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("invalid broker uri %q: missing scheme", uri)
	}
	return strings.ToLower(u.Scheme), nil
}

// HostsFromURI splits the authority of uri into host:port entries, so
// "kafka://a:9092,b:9092/x" yields [a:9092 b:9092]. Semicolons are accepted
// as separators too. A value without a scheme is returned as a single host.
func HostsFromURI(uri string) []string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}

	var hosts []string
	for _, h := range strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || r == ';' }) {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
