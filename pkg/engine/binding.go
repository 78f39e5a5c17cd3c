package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// Write is one operation applied through a Binding.
type Write struct {
	Op    Op
	Value *value.Value
	// Diff holds the drained journal for OpApplyDiff and for update pushes.
	Diff []value.DiffOp
	TTL  time.Duration
}

// Binding is a vault bound to one topic through its resolved handler. It
// hides the vault's native key and payload types from the archivist.
type Binding interface {
	Vault() string
	Topic() string
	Capabilities() Capabilities
	// Get fills v from the vault and reports whether the record exists.
	Get(ctx context.Context, v *value.Value) (bool, error)
	// MGet fills each value and reports existence per position.
	MGet(ctx context.Context, vs []*value.Value) ([]bool, error)
	List(ctx context.Context, partial schema.Index) ([]schema.Index, error)
	Write(ctx context.Context, w Write) error
	// Shard evaluates the topic's shard function; ok is false when none is set.
	Shard(v *value.Value) (shard schema.Shard, ok bool, err error)
	// Key renders the vault key for diagnostics.
	Key(index schema.Index) (string, error)
}

type binding[K, P any] struct {
	topic   string
	backend Backend[K, P]
	handler Handler[K, P]
	caps    Capabilities
}

func newBinding[K, P any](topic string, b Backend[K, P], h Handler[K, P]) (*binding[K, P], error) {
	if h.CreateKey == nil {
		return nil, fmt.Errorf("%w: vault %q topic %q: handler has no CreateKey", ErrConfig, b.Name(), topic)
	}
	caps := b.Capabilities()
	if h.Serialize == nil {
		caps.Set, caps.Add, caps.ApplyDiff, caps.Push = false, false, false, false
	}
	if h.Deserialize == nil {
		caps.Get, caps.MGet = false, false
	}
	if h.ParseKey == nil {
		caps.List = false
	}
	if h.NoDiff {
		caps.ApplyDiff = false
	}
	return &binding[K, P]{topic: topic, backend: b, handler: h, caps: caps}, nil
}

func (b *binding[K, P]) Vault() string              { return b.backend.Name() }
func (b *binding[K, P]) Topic() string              { return b.topic }
func (b *binding[K, P]) Capabilities() Capabilities { return b.caps }

func (b *binding[K, P]) unsupported(op string) error {
	return fmt.Errorf("%w: vault %q cannot %s topic %q", ErrCapabilityUnsupported, b.backend.Name(), op, b.topic)
}

func (b *binding[K, P]) Key(index schema.Index) (string, error) {
	key, err := b.handler.CreateKey(b.topic, index)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(key), nil
}

func (b *binding[K, P]) Get(ctx context.Context, v *value.Value) (bool, error) {
	getter, ok := b.backend.(Getter[K, P])
	if !ok || !b.caps.Get {
		return false, b.unsupported("get")
	}
	key, err := b.handler.CreateKey(b.topic, v.Index)
	if err != nil {
		return false, err
	}
	payload, err := getter.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := b.handler.Deserialize(payload, v); err != nil {
		return false, err
	}
	v.SetExisted(true)
	return true, nil
}

func (b *binding[K, P]) MGet(ctx context.Context, vs []*value.Value) ([]bool, error) {
	multi, ok := b.backend.(MultiGetter[K, P])
	if !ok || !b.caps.MGet {
		found := make([]bool, len(vs))
		for i, v := range vs {
			var err error
			if found[i], err = b.Get(ctx, v); err != nil {
				return nil, err
			}
		}
		return found, nil
	}

	keys := make([]K, len(vs))
	for i, v := range vs {
		key, err := b.handler.CreateKey(b.topic, v.Index)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	entries, err := multi.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	if len(entries) != len(vs) {
		return nil, IOError("mget", fmt.Errorf("vault %q returned %d entries for %d keys", b.backend.Name(), len(entries), len(vs)))
	}
	found := make([]bool, len(vs))
	for i, entry := range entries {
		if !entry.Found {
			continue
		}
		if err := b.handler.Deserialize(entry.Payload, vs[i]); err != nil {
			return nil, err
		}
		vs[i].SetExisted(true)
		found[i] = true
	}
	return found, nil
}

func (b *binding[K, P]) List(ctx context.Context, partial schema.Index) ([]schema.Index, error) {
	lister, ok := b.backend.(Lister[K])
	if !ok || !b.caps.List {
		return nil, b.unsupported("list")
	}
	keys, err := lister.List(ctx, b.topic, partial)
	if err != nil {
		return nil, err
	}
	indexes := make([]schema.Index, 0, len(keys))
	for _, key := range keys {
		ref, err := b.handler.ParseKey(key)
		if err != nil {
			return nil, fmt.Errorf("vault %q: parse key %v: %w", b.backend.Name(), key, err)
		}
		if ref.Topic != b.topic || !ref.Index.Matches(partial) {
			continue
		}
		indexes = append(indexes, ref.Index)
	}
	return indexes, nil
}

func (b *binding[K, P]) Shard(v *value.Value) (schema.Shard, bool, error) {
	if b.handler.Shard == nil {
		return schema.Shard{}, false, nil
	}
	shard, err := b.handler.Shard(v)
	return shard, true, err
}

func (b *binding[K, P]) Write(ctx context.Context, w Write) error {
	key, err := b.handler.CreateKey(b.topic, w.Value.Index)
	if err != nil {
		return err
	}
	if b.caps.Push {
		return b.push(ctx, key, w)
	}

	switch w.Op {
	case OpApplyDiff:
		if applier, ok := b.backend.(DiffApplier[K]); ok && b.caps.ApplyDiff && len(w.Diff) > 0 {
			err := applier.ApplyDiff(ctx, key, w.Diff, w.TTL)
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			// The value holds the whole patched payload, so a vault missing
			// the record converges with a full write.
		}
		return b.set(ctx, key, w)
	case OpSet:
		return b.set(ctx, key, w)
	case OpAdd:
		adder, ok := b.backend.(Adder[K, P])
		if !ok || !b.caps.Add {
			return b.unsupported("add")
		}
		payload, err := b.handler.Serialize(w.Value)
		if err != nil {
			return err
		}
		return adder.Add(ctx, key, payload, w.TTL)
	case OpTouch:
		toucher, ok := b.backend.(Toucher[K])
		if !ok || !b.caps.Touch {
			return b.unsupported("touch")
		}
		return toucher.Touch(ctx, key, w.TTL)
	case OpDel:
		deleter, ok := b.backend.(Deleter[K])
		if !ok || !b.caps.Del {
			return b.unsupported("del")
		}
		return deleter.Del(ctx, key)
	}
	return fmt.Errorf("unknown operation %q", w.Op)
}

func (b *binding[K, P]) set(ctx context.Context, key K, w Write) error {
	setter, ok := b.backend.(Setter[K, P])
	if !ok || !b.caps.Set {
		return b.unsupported("set")
	}
	payload, err := b.handler.Serialize(w.Value)
	if err != nil {
		return err
	}
	return setter.Set(ctx, key, payload, w.TTL)
}

func (b *binding[K, P]) push(ctx context.Context, key K, w Write) error {
	pusher, ok := b.backend.(Pusher[K, P])
	if !ok {
		return b.unsupported("push")
	}
	if b.handler.Shard == nil {
		return fmt.Errorf("%w: vault %q topic %q has no shard function", ErrConfig, b.backend.Name(), b.topic)
	}
	shard, err := b.handler.Shard(w.Value)
	if err != nil {
		return err
	}
	if shard.Empty() {
		return nil
	}

	msg := Message[K, P]{
		Op:      w.Op,
		Key:     key,
		Diff:    w.Diff,
		TTL:     w.TTL,
		Shard:   shard,
		Existed: w.Value.Existed(),
	}
	if b.handler.NoDiff {
		msg.Diff = nil
	}
	if w.Op != OpTouch && w.Op != OpDel {
		if msg.Payload, err = b.handler.Serialize(w.Value); err != nil {
			return err
		}
	}
	return pusher.Push(ctx, msg)
}
