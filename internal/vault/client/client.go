// Package client implements the live client push vault. It stores nothing:
// every write becomes an event delivered to the actors its shard names.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/celerix-dev/archivist/internal/vault"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// Publisher delivers an event to the connected actors a shard admits.
type Publisher interface {
	Publish(ctx context.Context, shard schema.Shard, event schema.Event) error
}

// Options configures a client vault.
type Options struct {
	// FullUpdates disables diffs in update events for every topic.
	FullUpdates bool `mapstructure:"fullUpdates"`
}

// Store is the push vault.
type Store struct {
	name      string
	publisher Publisher
	opts      Options
	logger    hclog.Logger
}

// New builds a push vault that publishes through p.
func New(name string, options map[string]any, p Publisher, logger hclog.Logger) (*Store, error) {
	var opts Options
	if err := vault.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: client vault %q has no publisher", engine.ErrConfig, name)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{name: name, publisher: p, opts: opts, logger: logger}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Capabilities() engine.Capabilities {
	return engine.Capabilities{Push: true}
}

func (s *Store) DefaultHandler() engine.Handler[schema.Ref, schema.Event] {
	return engine.Handler[schema.Ref, schema.Event]{
		CreateKey: func(topic string, index schema.Index) (schema.Ref, error) {
			return schema.Ref{Topic: topic, Index: index.Clone()}, nil
		},
		Serialize: Serialize,
		NoDiff:    s.opts.FullUpdates,
	}
}

// Serialize renders the payload of v for the wire. JSON travels inline, text
// as a JSON string and everything else base64 encoded.
func Serialize(v *value.Value) (schema.Event, error) {
	ev := schema.Event{MediaType: string(v.MediaType())}

	var (
		data any
		err  error
	)
	switch v.MediaType() {
	case value.MediaJSON:
		var buf any
		if buf, err = v.Encoded(value.EncodingBuffer); err == nil {
			ev.Data = json.RawMessage(buf.([]byte))
			ev.Encoding = string(value.EncodingLive)
			return ev, nil
		}
	case value.MediaText:
		data, err = v.Encoded(value.EncodingUTF8)
		ev.Encoding = string(value.EncodingUTF8)
	default:
		data, err = v.Encoded(value.EncodingBase64)
		ev.Encoding = string(value.EncodingBase64)
	}
	if err != nil {
		return schema.Event{}, err
	}
	if ev.Data, err = json.Marshal(data); err != nil {
		return schema.Event{}, err
	}
	return ev, nil
}

// Push turns a write into an event. Sets of records that did not exist
// before are announced as creates; updates carry the diff when one exists.
func (s *Store) Push(ctx context.Context, msg engine.Message[schema.Ref, schema.Event]) error {
	ev := msg.Payload
	ev.Key = msg.Key
	ev.TTL = ttlSeconds(msg.TTL)

	switch msg.Op {
	case engine.OpAdd:
		ev.Kind = schema.EventCreate
	case engine.OpSet:
		ev.Kind = schema.EventCreate
		if msg.Existed {
			ev.Kind = schema.EventUpdate
		}
	case engine.OpApplyDiff:
		ev.Kind = schema.EventUpdate
	case engine.OpTouch:
		ev = schema.Event{Kind: schema.EventTouch, Key: msg.Key, TTL: ev.TTL}
	case engine.OpDel:
		ev = schema.Event{Kind: schema.EventDel, Key: msg.Key}
	default:
		return fmt.Errorf("client vault %q: unknown operation %q", s.name, msg.Op)
	}

	if ev.Kind == schema.EventUpdate && len(msg.Diff) > 0 {
		diff, err := json.Marshal(msg.Diff)
		if err != nil {
			return err
		}
		ev.Diff = diff
		ev.Data = nil
	}

	s.logger.Debug("publishing event", "kind", ev.Kind, "key", ev.Key.String())
	return s.publisher.Publish(ctx, msg.Shard, ev)
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64(math.Ceil(ttl.Seconds()))
}
