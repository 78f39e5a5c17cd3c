// Package archivist coordinates reads and writes of typed, indexed records
// across the vaults a topic is configured with.
//
// An Archivist is built once per process by Setup and holds the validated
// topology. Each inbound request creates its own Coordinator with New, queues
// mutations on it and applies them with Distribute.
package archivist

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

const tracerName = "github.com/celerix-dev/archivist/pkg/archivist"

// Archivist is the process-wide, read-only topology of topics and vaults.
type Archivist struct {
	registry *engine.Registry
	topics   map[string]*topic
	logger   hclog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures Setup.
type Option func(*Archivist)

// WithLogger sets the parent logger. The archivist logs under "archivist".
func WithLogger(logger hclog.Logger) Option {
	return func(a *Archivist) { a.logger = logger }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Archivist) { a.tracer = tracer }
}

// WithClock overrides the time source used for expirations.
func WithClock(now func() time.Time) Option {
	return func(a *Archivist) { a.now = now }
}

type topic struct {
	name        string
	index       []string
	read        []engine.Binding
	write       []engine.Binding
	readOptions ReadOptions
	ttl         time.Duration
	// acl evaluates the shard of a value for reads; nil when the topic has
	// no shard function on any of its vaults.
	acl engine.Binding
}

func (t *topic) writeOnly() bool {
	return len(t.read) == 0
}

// Setup validates cfg.Topics against the vaults in reg and returns the
// resulting Archivist. Every problem found is reported, not just the first.
func Setup(cfg Config, reg *engine.Registry, opts ...Option) (*Archivist, error) {
	a := &Archivist{
		registry: reg,
		topics:   make(map[string]*topic, len(cfg.Topics)),
		logger:   hclog.NewNullLogger(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("archivist")

	names := make([]string, 0, len(cfg.Topics))
	for name := range cfg.Topics {
		names = append(names, name)
	}
	sort.Strings(names)

	var result *multierror.Error
	for _, name := range names {
		t, err := a.setupTopic(name, cfg.Topics[name])
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("topic %q: %w", name, err))
			continue
		}
		a.topics[name] = t
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	a.logger.Info("archivist ready", "topics", len(a.topics), "vaults", strings.Join(reg.Vaults(), ","))
	return a, nil
}

func (a *Archivist) setupTopic(name string, tc TopicConfig) (*topic, error) {
	if len(tc.Index) == 0 {
		return nil, fmt.Errorf("%w: no index fields declared", engine.ErrConfig)
	}
	if len(tc.Write) == 0 && len(tc.Read) == 0 {
		return nil, fmt.Errorf("%w: no vaults declared", engine.ErrConfig)
	}

	t := &topic{name: name, index: slices.Clone(tc.Index), readOptions: tc.ReadOptions}
	if tc.TTL != "" {
		ttl, err := time.ParseDuration(tc.TTL)
		if err != nil || ttl < 0 {
			return nil, fmt.Errorf("%w: invalid ttl %q", engine.ErrConfig, tc.TTL)
		}
		t.ttl = ttl
	}

	if tc.Shard != "" {
		fn, err := parseShard(tc.Shard, tc.Index)
		if err != nil {
			return nil, err
		}
		for _, vault := range append(slices.Clone(tc.Read), tc.Write...) {
			a.registry.SetShard(vault, name, fn)
		}
	}

	stub := value.New(name, nil)
	for _, vault := range tc.Write {
		b, err := a.registry.Bind(vault, name)
		if err != nil {
			return nil, err
		}
		caps := b.Capabilities()
		if !caps.Writable() {
			missing := caps.Missing(engine.Capabilities{Set: true, Add: true, Touch: true, Del: true})
			return nil, fmt.Errorf("%w: %w: vault %q lacks %v", engine.ErrConfig, engine.ErrCapabilityUnsupported, vault, missing)
		}
		if caps.Push {
			if _, ok, _ := b.Shard(stub); !ok {
				return nil, fmt.Errorf("%w: push vault %q has no shard function", engine.ErrConfig, vault)
			}
		}
		t.write = append(t.write, b)
	}

	read := tc.Read
	if len(read) == 0 {
		for _, b := range t.write {
			if b.Capabilities().Readable() {
				read = append(read, b.Vault())
			}
		}
	}
	for _, vault := range read {
		b, err := a.registry.Bind(vault, name)
		if err != nil {
			return nil, err
		}
		if !b.Capabilities().Readable() {
			return nil, fmt.Errorf("%w: %w: vault %q cannot serve reads", engine.ErrConfig, engine.ErrCapabilityUnsupported, vault)
		}
		t.read = append(t.read, b)
	}
	if t.writeOnly() && !allPush(t.write) {
		return nil, fmt.Errorf("%w: no readable vault", engine.ErrConfig)
	}

	for _, b := range append(slices.Clone(t.read), t.write...) {
		if _, ok, _ := b.Shard(stub); ok {
			t.acl = b
			break
		}
	}

	a.logger.Debug("topic configured", "topic", name, "read", vaultNames(t.read), "write", vaultNames(t.write))
	return t, nil
}

// parseShard turns the declarative form into a shard function.
func parseShard(decl string, index []string) (engine.ShardFunc, error) {
	if decl == "public" {
		return engine.ShardPublic, nil
	}
	field, ok := strings.CutPrefix(decl, "index:")
	if !ok || !slices.Contains(index, field) {
		return nil, fmt.Errorf("%w: invalid shard %q", engine.ErrConfig, decl)
	}
	return engine.ShardByField(field), nil
}

func allPush(bs []engine.Binding) bool {
	for _, b := range bs {
		if !b.Capabilities().Push {
			return false
		}
	}
	return len(bs) > 0
}

func vaultNames(bs []engine.Binding) []string {
	names := make([]string, len(bs))
	for i, b := range bs {
		names[i] = b.Vault()
	}
	return names
}

// Topics returns the configured topic names, sorted.
func (a *Archivist) Topics() []string {
	names := make([]string, 0, len(a.topics))
	for name := range a.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry returns the registry the archivist was set up with.
func (a *Archivist) Registry() *engine.Registry {
	return a.registry
}

func (a *Archivist) topic(name string) (*topic, error) {
	t, ok := a.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownTopic, name)
	}
	return t, nil
}

// validate checks a full index against the topic's declared fields.
func (t *topic) validate(index schema.Index) error {
	if err := index.Validate(t.index); err != nil {
		return fmt.Errorf("topic %q: %w", t.name, err)
	}
	return nil
}
