package archivist

import (
	"context"

	multierror "github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/archivist/pkg/engine"
)

// Distribute applies the queued mutations to every write vault of their
// topics and closes the coordinator. Mutations are applied in queue order;
// the vaults of one mutation are written concurrently. A failing vault does
// not stop the others and nothing is rolled back: the returned error lists
// every failure as a *Failure (see Failures).
func (c *Coordinator) Distribute(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.state = stateDistributing
	defer func() { c.state = stateClosed }()

	ctx, span := c.a.tracer.Start(ctx, "archivist.distribute", trace.WithAttributes(
		attribute.String("archivist.request_id", c.requestID),
		attribute.Int("archivist.mutations", len(c.order)),
	))
	defer span.End()

	var result *multierror.Error
	for _, key := range c.order {
		m := c.mutations[key]
		t := c.a.topics[m.value.Topic]

		// The journal is drained exactly once per distribute, whatever the op.
		drained := m.value.GetDiff()
		w := engine.Write{Op: m.op, Value: m.value, TTL: m.ttl}
		if m.op == engine.OpApplyDiff {
			w.Diff = drained
		}

		errs := make([]error, len(t.write))
		var g errgroup.Group
		for i, b := range t.write {
			g.Go(func() error {
				errs[i] = c.apply(ctx, b, w)
				return nil
			})
		}
		g.Wait()

		for i, err := range errs {
			if err == nil {
				continue
			}
			f := &Failure{Topic: t.name, Index: m.value.Index, Vault: t.write[i].Vault(), Op: m.op, Err: err}
			c.logger.Warn("write failed", "topic", f.Topic, "key", key, "vault", f.Vault, "op", f.Op, "error", err)
			result = multierror.Append(result, f)
		}
	}

	pending := len(c.order)
	c.mutations, c.order = nil, nil

	if err := result.ErrorOrNil(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	c.logger.Debug("distributed", "mutations", pending)
	return nil
}

// apply performs one write on one vault.
func (c *Coordinator) apply(ctx context.Context, b engine.Binding, w engine.Write) error {
	ctx, span := c.a.tracer.Start(ctx, "archivist.write", trace.WithAttributes(
		attribute.String("archivist.topic", w.Value.Topic),
		attribute.String("archivist.key", w.Value.Ref().String()),
		attribute.String("archivist.vault", b.Vault()),
		attribute.String("archivist.op", string(w.Op)),
	))
	defer span.End()

	if err := b.Write(ctx, w); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	return nil
}

// Discard drops every queued mutation and closes the coordinator. It is a
// no-op on a closed coordinator.
func (c *Coordinator) Discard() {
	if c.state != stateOpen {
		return
	}
	if n := len(c.order); n > 0 {
		c.logger.Debug("discarded mutations", "mutations", n)
	}
	c.mutations, c.order = nil, nil
	c.state = stateClosed
}
