package archivist

import (
	"context"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/celerix-dev/archivist/internal/vault/client"
	"github.com/celerix-dev/archivist/internal/vault/file"
	"github.com/celerix-dev/archivist/internal/vault/memory"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

type published struct {
	shard schema.Shard
	event schema.Event
}

type recorder struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (r *recorder) Publish(_ context.Context, shard schema.Shard, ev schema.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, published{shard, ev})
	return nil
}

func (r *recorder) take() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

// fixture registers two memory vaults (primary, backup), a file vault on an
// in-memory filesystem (files) and a push vault (live).
type fixture struct {
	a       *Archivist
	reg     *engine.Registry
	primary *memory.Store
	backup  *memory.Store
	fs      afero.Fs
	live    *recorder
}

func newRegistry(t *testing.T) (*engine.Registry, *fixture) {
	t.Helper()
	f := &fixture{reg: engine.NewRegistry(), fs: afero.NewMemMapFs(), live: &recorder{}}

	var err error
	if f.primary, err = memory.New("primary", nil, nil); err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}
	if f.backup, err = memory.New("backup", nil, nil); err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}
	files, err := file.NewWithFs("files", f.fs, map[string]any{"dir": "/data"}, nil)
	if err != nil {
		t.Fatalf("file.NewWithFs failed: %v", err)
	}
	live, err := client.New("live", nil, f.live, nil)
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}

	for _, err := range []error{
		engine.Register[memory.Key, memory.Item](f.reg, f.primary),
		engine.Register[memory.Key, memory.Item](f.reg, f.backup),
		engine.Register[string, engine.Record](f.reg, files),
		engine.Register[schema.Ref, schema.Event](f.reg, live),
	} {
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	t.Cleanup(func() { f.reg.Close(context.Background()) })
	return f.reg, f
}

func newFixture(t *testing.T, topics map[string]TopicConfig, opts ...Option) *fixture {
	t.Helper()
	reg, f := newRegistry(t)
	a, err := Setup(Config{Topics: topics}, reg, opts...)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	f.a = a
	return f
}

// inventoryTopics is the usual topology: a store plus live pushes to the owner.
func inventoryTopics() map[string]TopicConfig {
	return map[string]TopicConfig{
		"inventory": {Index: []string{"userId"}, Write: []string{"primary", "live"}, Shard: "index:userId"},
		"user":      {Index: []string{"userId"}, Write: []string{"primary"}},
	}
}

func user(id string) schema.Index {
	return schema.Index{"userId": id}
}

// seed writes data to topic through a throwaway coordinator.
func (f *fixture) seed(t *testing.T, topic string, index schema.Index, data any, opts ...WriteOption) {
	t.Helper()
	c := f.a.New()
	if _, err := c.Set(topic, index, data, opts...); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Distribute(context.Background()); err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	f.live.take()
}

func (f *fixture) read(t *testing.T, topic string, index schema.Index) *value.Value {
	t.Helper()
	v, err := f.a.New().Get(context.Background(), topic, index)
	if err != nil {
		t.Fatalf("Get %s failed: %v", schema.Ref{Topic: topic, Index: index}, err)
	}
	return v
}
