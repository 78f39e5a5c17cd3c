package archivist

import (
	"slices"
	"time"

	"github.com/celerix-dev/archivist/pkg/value"
)

// ReadOption adjusts a single read. Topic defaults apply first.
type ReadOption func(*ReadOptions)

// Optional makes absent records resolve to nil instead of ErrNotFound.
func Optional() ReadOption {
	return func(o *ReadOptions) { o.Optional = true }
}

// AcceptMediaTypes fails reads of any other media type with
// ErrUnsupportedMediaType.
func AcceptMediaTypes(mts ...value.MediaType) ReadOption {
	return func(o *ReadOptions) { o.MediaTypes = mts }
}

// AcceptEncodings re-encodes read values into the first supported encoding.
func AcceptEncodings(encs ...value.Encoding) ReadOption {
	return func(o *ReadOptions) { o.Encodings = encs }
}

func (t *topic) readOpts(opts []ReadOption) ReadOptions {
	o := ReadOptions{
		MediaTypes: slices.Clone(t.readOptions.MediaTypes),
		Encodings:  slices.Clone(t.readOptions.Encodings),
		Optional:   t.readOptions.Optional,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MGetOption adjusts an MGet.
type MGetOption func(*mgetOptions)

type mgetOptions struct {
	read   []ReadOption
	strict bool
}

// Strict makes MGet fail as a whole on the first failing entry.
func Strict() MGetOption {
	return func(o *mgetOptions) { o.strict = true }
}

// WithRead applies read options to every entry of an MGet.
func WithRead(opts ...ReadOption) MGetOption {
	return func(o *mgetOptions) { o.read = append(o.read, opts...) }
}

// WriteOption adjusts a queued write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	ttl       time.Duration
	mediaType value.MediaType
	encoding  value.Encoding
}

// WithTTL sets the expiration of the record. Zero means no expiration and
// overrides the topic default.
func WithTTL(ttl time.Duration) WriteOption {
	return func(o *writeOptions) { o.ttl = ttl }
}

// WithMediaType tags the payload. The default is application/json.
func WithMediaType(mt value.MediaType) WriteOption {
	return func(o *writeOptions) { o.mediaType = mt }
}

// WithEncoding declares how the payload is represented. The default is live.
func WithEncoding(enc value.Encoding) WriteOption {
	return func(o *writeOptions) { o.encoding = enc }
}

func (t *topic) writeOpts(opts []WriteOption) writeOptions {
	o := writeOptions{ttl: t.ttl}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithActor makes reads check the topic's shard against actorID.
func WithActor(actorID string) CoordinatorOption {
	return func(c *Coordinator) { c.actor = actorID }
}

// WithRequestID overrides the generated request id used in logs and spans.
func WithRequestID(id string) CoordinatorOption {
	return func(c *Coordinator) { c.requestID = id }
}
