// Package consul implements a cache-style vault on the Consul KV store.
// Keys have the form prefix/topic/field:value/field:value.
package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"

	"github.com/celerix-dev/archivist/internal/vault"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// kvAPI is the subset of *api.KV the vault uses.
type kvAPI interface {
	Get(key string, q *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	List(prefix string, q *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
	Put(p *api.KVPair, q *api.WriteOptions) (*api.WriteMeta, error)
	CAS(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error)
	Delete(key string, w *api.WriteOptions) (*api.WriteMeta, error)
}

// Options configures a consul vault.
type Options struct {
	Address    string `mapstructure:"address"`
	Scheme     string `mapstructure:"scheme"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`
	Prefix     string `mapstructure:"prefix"`
}

// Store is a consul KV vault.
type Store struct {
	name   string
	prefix string
	kv     kvAPI
	logger hclog.Logger
	now    func() time.Time
}

// New connects to the agent described by options.
func New(name string, options map[string]any, logger hclog.Logger) (*Store, error) {
	opts := Options{Prefix: "archivist"}
	if err := vault.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}

	config := api.DefaultConfig()
	if opts.Address != "" {
		config.Address = opts.Address
	}
	if opts.Scheme != "" {
		config.Scheme = opts.Scheme
	}
	if opts.Datacenter != "" {
		config.Datacenter = opts.Datacenter
	}
	if opts.Token != "" {
		config.Token = opts.Token
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: consul vault %q: %v", engine.ErrConfig, name, err)
	}
	return newStore(name, opts.Prefix, client.KV(), logger), nil
}

func newStore(name, prefix string, kv kvAPI, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		name:   name,
		prefix: strings.Trim(prefix, "/"),
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) Name() string { return s.name }

func (s *Store) Capabilities() engine.Capabilities {
	return engine.Capabilities{Get: true, Set: true, Add: true, Touch: true, Del: true, List: true}
}

func (s *Store) DefaultHandler() engine.Handler[string, engine.Record] {
	return engine.Handler[string, engine.Record]{
		CreateKey:   s.CreateKey,
		ParseKey:    s.ParseKey,
		Serialize:   engine.RecordFrom,
		Deserialize: func(r engine.Record, v *value.Value) error { return r.Into(v) },
	}
}

func (s *Store) topicPrefix(topic string) string {
	p := url.QueryEscape(topic) + "/"
	if s.prefix != "" {
		p = s.prefix + "/" + p
	}
	return p
}

// CreateKey renders prefix/topic/field:value with fields sorted by name.
func (s *Store) CreateKey(topic string, index schema.Index) (string, error) {
	var b strings.Builder
	b.WriteString(s.topicPrefix(topic))
	for i, f := range index.Canonical() {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(url.QueryEscape(f.Name))
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String(), nil
}

// ParseKey is the inverse of CreateKey.
func (s *Store) ParseKey(key string) (schema.Ref, error) {
	rest := key
	if s.prefix != "" {
		var ok bool
		if rest, ok = strings.CutPrefix(key, s.prefix+"/"); !ok {
			return schema.Ref{}, fmt.Errorf("%w: key %q is outside prefix %q", schema.ErrInvalidIndex, key, s.prefix)
		}
	}
	parts := strings.Split(rest, "/")
	topic, err := url.QueryUnescape(parts[0])
	if err != nil {
		return schema.Ref{}, fmt.Errorf("%w: %v", schema.ErrInvalidIndex, err)
	}

	index := make(schema.Index, len(parts)-1)
	for _, part := range parts[1:] {
		name, val, ok := strings.Cut(part, ":")
		if !ok {
			return schema.Ref{}, fmt.Errorf("%w: malformed key segment %q", schema.ErrInvalidIndex, part)
		}
		if name, err = url.QueryUnescape(name); err != nil {
			return schema.Ref{}, fmt.Errorf("%w: %v", schema.ErrInvalidIndex, err)
		}
		if val, err = url.QueryUnescape(val); err != nil {
			return schema.Ref{}, fmt.Errorf("%w: %v", schema.ErrInvalidIndex, err)
		}
		index[name] = val
	}
	return schema.Ref{Topic: topic, Index: index}, nil
}

func (s *Store) Get(ctx context.Context, key string) (engine.Record, error) {
	rec, _, err := s.get(ctx, key)
	return rec, err
}

// get returns the live record together with its modify index for CAS.
func (s *Store) get(ctx context.Context, key string) (engine.Record, uint64, error) {
	pair, _, err := s.kv.Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return engine.Record{}, 0, engine.IOError("get", err)
	}
	if pair == nil {
		return engine.Record{}, 0, engine.ErrNotFound
	}
	var rec engine.Record
	if err := json.Unmarshal(pair.Value, &rec); err != nil {
		return engine.Record{}, 0, engine.IOError("decode", err)
	}
	if rec.Expired(s.now()) {
		return engine.Record{}, pair.ModifyIndex, engine.ErrNotFound
	}
	return rec, pair.ModifyIndex, nil
}

func (s *Store) Set(ctx context.Context, key string, rec engine.Record, ttl time.Duration) error {
	rec.Expires = engine.ExpiresAt(s.now(), ttl)
	content, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(&api.KVPair{Key: key, Value: content}, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return engine.IOError("set", err)
	}
	return nil
}

// Add writes with check-and-set. A modify index of 0 only succeeds when the
// key is absent; an expired entry is replaced at its current index.
func (s *Store) Add(ctx context.Context, key string, rec engine.Record, ttl time.Duration) error {
	_, modifyIndex, err := s.get(ctx, key)
	switch {
	case err == nil:
		return engine.ErrAlreadyExists
	case !errors.Is(err, engine.ErrNotFound):
		return err
	}

	rec.Expires = engine.ExpiresAt(s.now(), ttl)
	content, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, _, err := s.kv.CAS(&api.KVPair{Key: key, Value: content, ModifyIndex: modifyIndex}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return engine.IOError("add", err)
	}
	if !ok {
		return engine.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration) error {
	rec, modifyIndex, err := s.get(ctx, key)
	if errors.Is(err, engine.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	rec.Expires = engine.ExpiresAt(s.now(), ttl)
	content, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, _, err := s.kv.CAS(&api.KVPair{Key: key, Value: content, ModifyIndex: modifyIndex}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return engine.IOError("touch", err)
	}
	if !ok {
		// A concurrent write replaced the payload; its own ttl stands.
		s.logger.Debug("touch lost a race", "key", key)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	if _, err := s.kv.Delete(key, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return engine.IOError("del", err)
	}
	return nil
}

// List returns the live keys under the topic's prefix.
func (s *Store) List(ctx context.Context, topic string, _ schema.Index) ([]string, error) {
	pairs, _, err := s.kv.List(s.topicPrefix(topic), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, engine.IOError("list", err)
	}

	now := s.now()
	keys := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		var rec engine.Record
		if err := json.Unmarshal(pair.Value, &rec); err != nil {
			s.logger.Warn("skipping undecodable entry", "key", pair.Key, "error", err)
			continue
		}
		if rec.Expired(now) {
			continue
		}
		keys = append(keys, pair.Key)
	}
	return keys, nil
}
