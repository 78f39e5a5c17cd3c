// Package memory implements a process-local vault. Payloads are kept in their
// live form and deep-copied on the way in and out, so callers never share
// state with the store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/copystructure"

	"github.com/celerix-dev/archivist/internal/vault"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// Key identifies a record structurally. Index is the canonical query form of
// the record's index, so field order never matters.
type Key struct {
	Topic string
	Index string
}

// Item is the stored form of one record.
type Item struct {
	MediaType value.MediaType
	Encoding  value.Encoding
	Data      any
	Expires   time.Time
}

func (i Item) expired(now time.Time) bool {
	return !i.Expires.IsZero() && !now.Before(i.Expires)
}

// Options configures a memory vault.
type Options struct {
	// Sweep is the interval at which expired items are evicted. Expired items
	// are never returned even without sweeping.
	Sweep time.Duration `mapstructure:"sweep"`
}

// Store is a thread-safe in-memory vault.
type Store struct {
	name   string
	logger hclog.Logger
	now    func() time.Time

	mu sync.RWMutex
	// Structure: [topic][canonical index]item
	data map[string]map[string]Item

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a memory vault from its configuration options.
func New(name string, options map[string]any, logger hclog.Logger) (*Store, error) {
	var opts Options
	if err := vault.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Store{
		name:   name,
		logger: logger,
		now:    time.Now,
		data:   make(map[string]map[string]Item),
		stop:   make(chan struct{}),
	}
	if opts.Sweep > 0 {
		s.wg.Add(1)
		go s.sweep(opts.Sweep)
	}
	return s, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		Get: true, MGet: true, Set: true, Add: true, Touch: true, Del: true,
		List: true, ApplyDiff: true,
	}
}

func (s *Store) DefaultHandler() engine.Handler[Key, Item] {
	return engine.Handler[Key, Item]{
		CreateKey: func(topic string, index schema.Index) (Key, error) {
			return Key{Topic: topic, Index: index.Query()}, nil
		},
		ParseKey: func(key Key) (schema.Ref, error) {
			index, err := schema.ParseQuery(key.Index)
			if err != nil {
				return schema.Ref{}, err
			}
			return schema.Ref{Topic: key.Topic, Index: index}, nil
		},
		Serialize: func(v *value.Value) (Item, error) {
			data, err := deepCopy(v.Data())
			if err != nil {
				return Item{}, err
			}
			return Item{MediaType: v.MediaType(), Encoding: v.Encoding(), Data: data}, nil
		},
		Deserialize: func(item Item, v *value.Value) error {
			if err := v.SetData(item.Data, item.MediaType, item.Encoding); err != nil {
				return err
			}
			v.SetExpires(item.Expires)
			return nil
		},
	}
}

func (s *Store) Get(_ context.Context, key Key) (Item, error) {
	s.mu.RLock()
	item, ok := s.lookup(key)
	s.mu.RUnlock()
	if !ok {
		return Item{}, engine.ErrNotFound
	}
	return copyItem(item)
}

func (s *Store) MGet(_ context.Context, keys []Key) ([]engine.Entry[Item], error) {
	entries := make([]engine.Entry[Item], len(keys))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, key := range keys {
		item, ok := s.lookup(key)
		if !ok {
			continue
		}
		c, err := copyItem(item)
		if err != nil {
			return nil, err
		}
		entries[i] = engine.Entry[Item]{Payload: c, Found: true}
	}
	return entries, nil
}

func (s *Store) Set(_ context.Context, key Key, item Item, ttl time.Duration) error {
	item.Expires = engine.ExpiresAt(s.now(), ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, item)
	return nil
}

func (s *Store) Add(_ context.Context, key Key, item Item, ttl time.Duration) error {
	item.Expires = engine.ExpiresAt(s.now(), ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return engine.ErrAlreadyExists
	}
	s.put(key, item)
	return nil
}

func (s *Store) Touch(_ context.Context, key Key, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.lookup(key)
	if !ok {
		return nil
	}
	item.Expires = engine.ExpiresAt(s.now(), ttl)
	s.put(key, item)
	return nil
}

func (s *Store) Del(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if topic, ok := s.data[key.Topic]; ok {
		delete(topic, key.Index)
		if len(topic) == 0 {
			delete(s.data, key.Topic)
		}
	}
	return nil
}

func (s *Store) List(_ context.Context, topic string, _ schema.Index) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var keys []Key
	for index, item := range s.data[topic] {
		if item.expired(now) {
			continue
		}
		keys = append(keys, Key{Topic: topic, Index: index})
	}
	return keys, nil
}

// ApplyDiff patches the stored payload under the write lock, so concurrent
// diffs against the same key never interleave.
func (s *Store) ApplyDiff(_ context.Context, key Key, ops []value.DiffOp, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.lookup(key)
	if !ok {
		return engine.ErrNotFound
	}
	patched, err := value.Patch(item.MediaType, item.Data, item.Encoding, ops)
	if err != nil {
		return err
	}
	item.Data = patched
	item.Encoding = value.EncodingLive
	if ttl > 0 {
		item.Expires = engine.ExpiresAt(s.now(), ttl)
	}
	s.put(key, item)
	return nil
}

// Close stops the sweeper and waits for it to exit.
func (s *Store) Close(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of stored items, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, topic := range s.data {
		n += len(topic)
	}
	return n
}

// lookup MUST be called while holding s.mu.
func (s *Store) lookup(key Key) (Item, bool) {
	item, ok := s.data[key.Topic][key.Index]
	if !ok || item.expired(s.now()) {
		return Item{}, false
	}
	return item, true
}

// put MUST be called while holding s.mu for writing.
func (s *Store) put(key Key, item Item) {
	if s.data[key.Topic] == nil {
		s.data[key.Topic] = make(map[string]Item)
	}
	s.data[key.Topic][key.Index] = item
}

func (s *Store) sweep(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *Store) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for topic, items := range s.data {
		for index, item := range items {
			if item.expired(now) {
				delete(items, index)
				evicted++
			}
		}
		if len(items) == 0 {
			delete(s.data, topic)
		}
	}
	if evicted > 0 {
		s.logger.Debug("evicted expired items", "count", evicted)
	}
}

func copyItem(item Item) (Item, error) {
	data, err := deepCopy(item.Data)
	if err != nil {
		return Item{}, err
	}
	item.Data = data
	return item, nil
}

func deepCopy(data any) (any, error) {
	if data == nil {
		return nil, nil
	}
	return copystructure.Copy(data)
}
