package sdk

import (
	"context"
	"errors"
	"time"

	"github.com/celerix-dev/archivist/pkg/archivist"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// ErrClientClosed is returned by a push Client after Close or once it gave up
// reconnecting.
var ErrClientClosed = errors.New("push client closed")

// --- Functional Interfaces (Interface Segregation) ---

// Reader defines the read operations of a request.
type Reader interface {
	Get(ctx context.Context, topic string, index schema.Index, opts ...archivist.ReadOption) (*value.Value, error)
	MGet(ctx context.Context, refs []schema.Ref, opts ...archivist.MGetOption) ([]*value.Value, error)
}

// Lister enumerates the records of a topic.
type Lister interface {
	List(ctx context.Context, topic string, partial schema.Index) ([]schema.Index, error)
}

// Writer defines the queued write operations of a request.
type Writer interface {
	Set(topic string, index schema.Index, data any, opts ...archivist.WriteOption) (*value.Value, error)
	Add(topic string, index schema.Index, data any, opts ...archivist.WriteOption) (*value.Value, error)
	Touch(topic string, index schema.Index, ttl time.Duration) error
	Del(topic string, index schema.Index) error
	ApplyDiff(ctx context.Context, topic string, index schema.Index, ops []value.DiffOp, opts ...archivist.WriteOption) (*value.Value, error)
}

// Committer ends a request.
type Committer interface {
	Distribute(ctx context.Context) error
	Discard()
}

// --- Composite Interfaces ---

// Store is everything one request can do. *archivist.Coordinator implements it.
type Store interface {
	Reader
	Lister
	Writer
	Committer
}

var _ Store = (*archivist.Coordinator)(nil)

// Publisher delivers push events to connected actors. The push server
// implements it.
type Publisher interface {
	Publish(ctx context.Context, shard schema.Shard, event schema.Event) error
}
