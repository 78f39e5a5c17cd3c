package engine

import (
	"context"
	"time"

	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// Backend is implemented by every vault. K is the vault's native key type and
// P its native payload type. Operations are offered through the optional
// interfaces below; Capabilities must agree with the ones implemented.
type Backend[K, P any] interface {
	Name() string
	Capabilities() Capabilities
	DefaultHandler() Handler[K, P]
}

// Getter returns ErrNotFound when the key is absent.
type Getter[K, P any] interface {
	Get(ctx context.Context, key K) (P, error)
}

// Entry is one slot of an MGet result.
type Entry[P any] struct {
	Payload P
	Found   bool
}

// MultiGetter returns one entry per key, in key order.
type MultiGetter[K, P any] interface {
	MGet(ctx context.Context, keys []K) ([]Entry[P], error)
}

// Setter upserts unconditionally. A zero ttl means no expiration.
type Setter[K, P any] interface {
	Set(ctx context.Context, key K, payload P, ttl time.Duration) error
}

// Adder fails with ErrAlreadyExists when the key is present.
type Adder[K, P any] interface {
	Add(ctx context.Context, key K, payload P, ttl time.Duration) error
}

// Toucher updates expiration only. Absent keys are ignored.
type Toucher[K any] interface {
	Touch(ctx context.Context, key K, ttl time.Duration) error
}

// Deleter is idempotent: deleting an absent key is not an error.
type Deleter[K any] interface {
	Del(ctx context.Context, key K) error
}

// Lister returns the keys of topic whose index matches partial. It may return
// a superset; callers filter after parsing.
type Lister[K any] interface {
	List(ctx context.Context, topic string, partial schema.Index) ([]K, error)
}

// DiffApplier must be equivalent to get, patch and set.
type DiffApplier[K any] interface {
	ApplyDiff(ctx context.Context, key K, ops []value.DiffOp, ttl time.Duration) error
}

// Message is one write addressed to a push vault.
type Message[K, P any] struct {
	Op      Op
	Key     K
	Payload P
	Diff    []value.DiffOp
	TTL     time.Duration
	Shard   schema.Shard
	Existed bool
}

// Pusher delivers writes to connected actors instead of persisting them.
type Pusher[K, P any] interface {
	Push(ctx context.Context, msg Message[K, P]) error
}

// Closer releases process-wide resources such as connection pools.
type Closer interface {
	Close(ctx context.Context) error
}

// Op names a write operation.
type Op string

const (
	OpAdd       Op = "add"
	OpSet       Op = "set"
	OpTouch     Op = "touch"
	OpDel       Op = "del"
	OpApplyDiff Op = "applyDiff"
)
