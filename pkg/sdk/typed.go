package sdk

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/celerix-dev/archivist/pkg/archivist"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// --- Generics Support ---

// Decode converts a structured value into T.
func Decode[T any](v *value.Value) (T, error) {
	var target T
	if v == nil {
		return target, fmt.Errorf("decode: nil value")
	}
	err := v.Decode(&target)
	return target, err
}

// Get reads one record and decodes it into T. Optional reads of absent
// records return the zero T.
func Get[T any](ctx context.Context, r Reader, topic string, index schema.Index, opts ...archivist.ReadOption) (T, error) {
	var target T
	v, err := r.Get(ctx, topic, index, opts...)
	if err != nil || v == nil {
		return target, err
	}
	return Decode[T](v)
}

// Set queues a write of val as JSON.
func Set[T any](w Writer, topic string, index schema.Index, val T, opts ...archivist.WriteOption) error {
	_, err := w.Set(topic, index, val, opts...)
	return err
}

// ApplyEvent updates a client-side JSON copy of a record with a push event.
// Updates carrying a diff are patched into doc; creates and full updates
// replace it; deletes return nil.
func ApplyEvent(doc json.RawMessage, ev schema.Event) (json.RawMessage, error) {
	switch ev.Kind {
	case schema.EventDel:
		return nil, nil
	case schema.EventTouch:
		return doc, nil
	case schema.EventUpdate:
		if len(ev.Diff) > 0 {
			patch, err := jsonpatch.DecodePatch(ev.Diff)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", value.ErrMalformedDiff, err)
			}
			out, err := patch.Apply(doc)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", value.ErrMalformedDiff, err)
			}
			return out, nil
		}
	}
	if ev.Encoding != string(value.EncodingLive) {
		return nil, fmt.Errorf("%w: %s event carries %s data", value.ErrUnsupportedMediaType, ev.MediaType, ev.Encoding)
	}
	return ev.Data, nil
}
