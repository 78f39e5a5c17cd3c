package archivist

import (
	"context"
	"fmt"
	"time"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// Set queues an unconditional write of data and returns the value that will
// be distributed. The value stays owned by the request cache; changing it in
// place before Distribute changes what is written.
func (c *Coordinator) Set(topicName string, index schema.Index, data any, opts ...WriteOption) (*value.Value, error) {
	return c.write(engine.OpSet, topicName, index, data, opts)
}

// Add queues a write that fails at distribute time with ErrAlreadyExists if
// the record exists. It fails immediately when this request already knows
// the record exists.
func (c *Coordinator) Add(topicName string, index schema.Index, data any, opts ...WriteOption) (*value.Value, error) {
	return c.write(engine.OpAdd, topicName, index, data, opts)
}

func (c *Coordinator) write(op engine.Op, topicName string, index schema.Index, data any, opts []WriteOption) (*value.Value, error) {
	t, err := c.resolve(topicName, index)
	if err != nil {
		return nil, err
	}
	o := t.writeOpts(opts)
	ref := schema.Ref{Topic: topicName, Index: index}
	key := ref.String()

	e := c.cache[key]
	if op == engine.OpAdd && e != nil && e.found {
		return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyExists, ref)
	}

	v := value.New(topicName, index)
	if e != nil && e.value != nil {
		v = e.value
	}
	if err := v.SetData(data, o.mediaType, o.encoding); err != nil {
		return nil, err
	}
	v.SetExpires(engine.ExpiresAt(c.a.now(), o.ttl))

	c.cache[key] = &entry{value: v, found: true}
	c.queue(key, op, v, o.ttl)
	return v, nil
}

// Touch queues an expiration update. Touching an absent record is a no-op.
func (c *Coordinator) Touch(topicName string, index schema.Index, ttl time.Duration) error {
	t, err := c.resolve(topicName, index)
	if err != nil {
		return err
	}
	key := schema.Ref{Topic: t.name, Index: index}.String()

	v := value.New(topicName, index)
	if e := c.cache[key]; e != nil && e.value != nil {
		v = e.value
		if e.found {
			v.SetExpires(engine.ExpiresAt(c.a.now(), ttl))
		}
	}
	c.queue(key, engine.OpTouch, v, ttl)
	return nil
}

// Del queues a deletion. Deleting an absent record is not an error.
func (c *Coordinator) Del(topicName string, index schema.Index) error {
	t, err := c.resolve(topicName, index)
	if err != nil {
		return err
	}
	key := schema.Ref{Topic: t.name, Index: index}.String()

	v := value.New(topicName, index)
	if e := c.cache[key]; e != nil && e.value != nil {
		v = e.value
	}
	c.cache[key] = &entry{value: v, found: false}
	c.queue(key, engine.OpDel, v, 0)
	return nil
}

// ApplyDiff patches the record in place and queues the change. The record
// is read first if this request has not seen it yet; absent records fail
// with ErrNotFound.
func (c *Coordinator) ApplyDiff(ctx context.Context, topicName string, index schema.Index, ops []value.DiffOp, opts ...WriteOption) (*value.Value, error) {
	t, err := c.resolve(topicName, index)
	if err != nil {
		return nil, err
	}
	ref := schema.Ref{Topic: topicName, Index: index}

	e, err := c.load(ctx, t, ref)
	if err != nil {
		return nil, err
	}
	if !e.found {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, ref)
	}
	if err := e.value.ApplyDiff(ops); err != nil {
		return nil, err
	}

	o := t.writeOpts(opts)
	if o.ttl > 0 {
		e.value.SetExpires(engine.ExpiresAt(c.a.now(), o.ttl))
	}
	c.queue(ref.String(), engine.OpApplyDiff, e.value, o.ttl)
	return e.value, nil
}

// queue records op for key, merging it with a mutation already queued for
// the same record so that each record is written once per distribute.
func (c *Coordinator) queue(key string, op engine.Op, v *value.Value, ttl time.Duration) {
	m, ok := c.mutations[key]
	if !ok {
		c.mutations[key] = &mutation{op: op, value: v, ttl: ttl}
		c.order = append(c.order, key)
		return
	}
	m.value = v

	switch op {
	case engine.OpDel:
		m.op, m.ttl = engine.OpDel, 0
	case engine.OpSet:
		// A pending add keeps its fail-if-exists semantics.
		if m.op != engine.OpAdd {
			m.op = engine.OpSet
		}
		m.ttl = ttl
	case engine.OpAdd:
		// The record is deleted and re-created in one request: a full write.
		if m.op == engine.OpDel {
			m.op = engine.OpSet
		} else {
			m.op = engine.OpAdd
		}
		m.ttl = ttl
	case engine.OpApplyDiff:
		switch m.op {
		case engine.OpSet, engine.OpAdd:
			// The full write already carries the patched payload.
		default:
			m.op = engine.OpApplyDiff
			if ttl > 0 {
				m.ttl = ttl
			}
		}
	case engine.OpTouch:
		if m.op != engine.OpDel {
			m.ttl = ttl
		}
	}
}
