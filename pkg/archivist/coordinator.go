package archivist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

type state int

const (
	stateOpen state = iota
	stateDistributing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateDistributing:
		return "distributing"
	}
	return "closed"
}

// entry is what the coordinator knows about one record.
type entry struct {
	value *value.Value
	found bool
}

// mutation is a queued write. value is shared with the request cache, so
// later in-place changes are picked up at distribute time.
type mutation struct {
	op    engine.Op
	value *value.Value
	ttl   time.Duration
}

// Coordinator is the per-request view of the archivist. Values it returns
// are cached for the lifetime of the request: reading the same record twice
// returns the same *value.Value, and queued writes are visible to later
// reads. A Coordinator is not safe for concurrent use.
type Coordinator struct {
	a         *Archivist
	actor     string
	requestID string
	logger    hclog.Logger

	state     state
	cache     map[string]*entry
	mutations map[string]*mutation
	order     []string
}

// New creates a Coordinator for one request.
func (a *Archivist) New(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		a:         a,
		cache:     make(map[string]*entry),
		mutations: make(map[string]*mutation),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.requestID == "" {
		c.requestID = newRequestID()
	}
	c.logger = a.logger.With("request_id", c.requestID)
	if c.actor != "" {
		c.logger = c.logger.With("actor", c.actor)
	}
	return c
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RequestID identifies the request in logs and spans.
func (c *Coordinator) RequestID() string { return c.requestID }

// Actor returns the actor reads are checked against, if any.
func (c *Coordinator) Actor() string { return c.actor }

// Pending returns the number of queued mutations.
func (c *Coordinator) Pending() int { return len(c.order) }

func (c *Coordinator) checkOpen() error {
	if c.state != stateOpen {
		return fmt.Errorf("%w: coordinator is %s", engine.ErrClosed, c.state)
	}
	return nil
}

// resolve validates the record address and returns its topic.
func (c *Coordinator) resolve(topicName string, index schema.Index) (*topic, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	t, err := c.a.topic(topicName)
	if err != nil {
		return nil, err
	}
	if err := t.validate(index); err != nil {
		return nil, err
	}
	return t, nil
}

// authorize checks the requesting actor against the value's shard.
func (c *Coordinator) authorize(t *topic, v *value.Value) error {
	if c.actor == "" || t.acl == nil {
		return nil
	}
	shard, _, err := t.acl.Shard(v)
	if err != nil {
		return err
	}
	if !shard.Allows(c.actor) {
		return fmt.Errorf("%w: actor %q cannot read %s", engine.ErrAccessDenied, c.actor, v.Ref())
	}
	return nil
}

// finish applies the shard check and read constraints to a resolved entry.
// The shard is checked before existence is revealed.
func (c *Coordinator) finish(t *topic, ref schema.Ref, e *entry, o ReadOptions) (*value.Value, error) {
	subject := e.value
	if subject == nil {
		subject = value.New(ref.Topic, ref.Index)
	}
	if err := c.authorize(t, subject); err != nil {
		return nil, err
	}
	if !e.found {
		if o.Optional {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, ref)
	}

	v := e.value
	if len(o.MediaTypes) > 0 && !containsMediaType(o.MediaTypes, v.MediaType()) {
		return nil, fmt.Errorf("%w: %s is %s, accepted %v", engine.ErrUnsupportedMediaType, ref, v.MediaType(), o.MediaTypes)
	}
	if len(o.Encodings) > 0 {
		if err := v.SetEncoding(o.Encodings...); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func containsMediaType(list []value.MediaType, mt value.MediaType) bool {
	for _, m := range list {
		if m == mt {
			return true
		}
	}
	return false
}

// Get reads one record. Read vaults are tried in order until one has it.
// Absent records fail with ErrNotFound unless the read is optional, in which
// case Get returns nil and no error.
func (c *Coordinator) Get(ctx context.Context, topicName string, index schema.Index, opts ...ReadOption) (*value.Value, error) {
	t, err := c.resolve(topicName, index)
	if err != nil {
		return nil, err
	}
	ref := schema.Ref{Topic: topicName, Index: index}
	o := t.readOpts(opts)

	e, err := c.load(ctx, t, ref)
	if err != nil {
		return nil, err
	}
	return c.finish(t, ref, e, o)
}

// load returns the cached entry for ref or reads it through the read vaults.
func (c *Coordinator) load(ctx context.Context, t *topic, ref schema.Ref) (*entry, error) {
	key := ref.String()
	if e, ok := c.cache[key]; ok {
		return e, nil
	}
	if t.writeOnly() {
		return nil, fmt.Errorf("%w: topic %q is write-only", engine.ErrCapabilityUnsupported, t.name)
	}

	ctx, span := c.a.tracer.Start(ctx, "archivist.get", trace.WithAttributes(
		attribute.String("archivist.topic", ref.Topic),
		attribute.String("archivist.key", key),
		attribute.String("archivist.request_id", c.requestID),
	))
	defer span.End()

	v := value.New(ref.Topic, ref.Index)
	for _, b := range t.read {
		found, err := b.Get(ctx, v)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return nil, fmt.Errorf("vault %q: %w", b.Vault(), err)
		}
		if found {
			span.SetAttributes(attribute.String("archivist.vault", b.Vault()))
			e := &entry{value: v, found: true}
			c.cache[key] = e
			return e, nil
		}
	}

	e := &entry{found: false}
	c.cache[key] = e
	return e, nil
}

// List returns the indexes of the topic's records that match partial, as
// reported by the first read vault.
func (c *Coordinator) List(ctx context.Context, topicName string, partial schema.Index) ([]schema.Index, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	t, err := c.a.topic(topicName)
	if err != nil {
		return nil, err
	}
	if err := partial.ValidatePartial(t.index); err != nil {
		return nil, fmt.Errorf("topic %q: %w", t.name, err)
	}
	if t.writeOnly() {
		return nil, fmt.Errorf("%w: topic %q is write-only", engine.ErrCapabilityUnsupported, t.name)
	}

	b := t.read[0]
	if !b.Capabilities().List {
		return nil, fmt.Errorf("%w: vault %q cannot list topic %q", engine.ErrCapabilityUnsupported, b.Vault(), t.name)
	}

	ctx, span := c.a.tracer.Start(ctx, "archivist.list", trace.WithAttributes(
		attribute.String("archivist.topic", t.name),
		attribute.String("archivist.vault", b.Vault()),
		attribute.String("archivist.request_id", c.requestID),
	))
	defer span.End()

	indexes, err := b.List(ctx, partial)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, fmt.Errorf("vault %q: %w", b.Vault(), err)
	}
	return indexes, nil
}
