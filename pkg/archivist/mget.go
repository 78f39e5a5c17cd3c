package archivist

import (
	"context"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// MGet reads many records at once. The result is aligned with refs. Each
// position succeeds or fails on its own: failures are reported as
// *EntryError values inside the returned error and their position is nil.
// With Strict, the first failure is returned instead and no values are.
func (c *Coordinator) MGet(ctx context.Context, refs []schema.Ref, opts ...MGetOption) ([]*value.Value, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	var mo mgetOptions
	for _, opt := range opts {
		opt(&mo)
	}

	n := len(refs)
	topics := make([]*topic, n)
	entries := make([]*entry, n)
	errs := make([]error, n)

	// Group uncached positions by topic; each group reads on its own.
	groups := make(map[*topic][]int)
	for i, ref := range refs {
		t, err := c.resolve(ref.Topic, ref.Index)
		if err != nil {
			errs[i] = err
			continue
		}
		topics[i] = t
		if e, ok := c.cache[ref.String()]; ok {
			entries[i] = e
			continue
		}
		if t.writeOnly() {
			errs[i] = fmt.Errorf("%w: topic %q is write-only", engine.ErrCapabilityUnsupported, t.name)
			continue
		}
		groups[t] = append(groups[t], i)
	}

	var g errgroup.Group
	for t, positions := range groups {
		g.Go(func() error {
			c.mgetGroup(ctx, t, refs, positions, entries, errs)
			return nil
		})
	}
	g.Wait()

	values := make([]*value.Value, n)
	var result *multierror.Error
	for i, ref := range refs {
		if errs[i] == nil {
			key := ref.String()
			if cached, ok := c.cache[key]; ok {
				entries[i] = cached
			} else {
				c.cache[key] = entries[i]
			}
			values[i], errs[i] = c.finish(topics[i], ref, entries[i], topics[i].readOpts(mo.read))
		}
		if errs[i] != nil {
			if mo.strict {
				return nil, &EntryError{Position: i, Ref: ref, Err: errs[i]}
			}
			result = multierror.Append(result, &EntryError{Position: i, Ref: ref, Err: errs[i]})
		}
	}
	return values, result.ErrorOrNil()
}

// mgetGroup resolves the positions of one topic, falling through the read
// vaults for whatever is still missing. It only writes to its own positions.
func (c *Coordinator) mgetGroup(ctx context.Context, t *topic, refs []schema.Ref, positions []int, entries []*entry, errs []error) {
	ctx, span := c.a.tracer.Start(ctx, "archivist.mget", trace.WithAttributes(
		attribute.String("archivist.topic", t.name),
		attribute.Int("archivist.count", len(positions)),
		attribute.String("archivist.request_id", c.requestID),
	))
	defer span.End()

	pending := positions
	for _, b := range t.read {
		if len(pending) == 0 {
			break
		}
		vs := make([]*value.Value, len(pending))
		for j, i := range pending {
			vs[j] = value.New(refs[i].Topic, refs[i].Index)
		}

		found, err := b.MGet(ctx, vs)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			for _, i := range pending {
				errs[i] = fmt.Errorf("vault %q: %w", b.Vault(), err)
			}
			return
		}

		var missing []int
		for j, i := range pending {
			if found[j] {
				entries[i] = &entry{value: vs[j], found: true}
			} else {
				missing = append(missing, i)
			}
		}
		pending = missing
	}
	for _, i := range pending {
		entries[i] = &entry{found: false}
	}
}
