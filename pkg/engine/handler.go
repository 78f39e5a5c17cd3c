package engine

import (
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// ShardFunc decides which actors may see a value.
type ShardFunc func(v *value.Value) (schema.Shard, error)

// Handler converts values of one topic to and from a vault's native form.
// CreateKey must be a pure function of the topic and the canonical index.
type Handler[K, P any] struct {
	CreateKey   func(topic string, index schema.Index) (K, error)
	ParseKey    func(key K) (schema.Ref, error)
	Serialize   func(v *value.Value) (P, error)
	Deserialize func(payload P, v *value.Value) error
	Shard       ShardFunc
	// NoDiff forces full writes even when the vault can apply diffs.
	NoDiff bool
}

// merge returns h with every non-nil function of override applied on top.
func (h Handler[K, P]) merge(override Handler[K, P]) Handler[K, P] {
	if override.CreateKey != nil {
		h.CreateKey = override.CreateKey
	}
	if override.ParseKey != nil {
		h.ParseKey = override.ParseKey
	}
	if override.Serialize != nil {
		h.Serialize = override.Serialize
	}
	if override.Deserialize != nil {
		h.Deserialize = override.Deserialize
	}
	if override.Shard != nil {
		h.Shard = override.Shard
	}
	h.NoDiff = h.NoDiff || override.NoDiff
	return h
}

// ShardByField returns a ShardFunc admitting the actor named by an index field.
func ShardByField(field string) ShardFunc {
	return func(v *value.Value) (schema.Shard, error) {
		id, ok := v.Index[field]
		if !ok {
			return schema.Shard{}, nil
		}
		return schema.Actors(schema.FormatScalar(id)), nil
	}
}

// ShardPublic admits everyone.
func ShardPublic(*value.Value) (schema.Shard, error) {
	return schema.Public(), nil
}
