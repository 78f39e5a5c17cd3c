package archivist

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

func replace(path string, raw string) []value.DiffOp {
	return []value.DiffOp{{Op: "replace", Path: path, Value: json.RawMessage(raw)}}
}

func TestInventoryScenario(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	ctx := context.Background()

	c := f.a.New()
	if _, err := c.Set("inventory", user("u1"), map[string]any{"money": 50}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Distribute(ctx); err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}

	v := f.read(t, "inventory", user("u1"))
	if diff := cmp.Diff(map[string]any{"money": 50}, v.Data()); diff != "" {
		t.Errorf("stored data mismatch (-want +got):\n%s", diff)
	}

	events := f.live.take()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if !got.shard.Allows("u1") || got.shard.Allows("u2") || got.shard.Public {
		t.Errorf("expected the event to be addressed to u1 only, got %+v", got.shard)
	}
	want := schema.Event{
		Kind:      schema.EventCreate,
		Key:       schema.Ref{Topic: "inventory", Index: user("u1")},
		Data:      json.RawMessage(`{"money":50}`),
		MediaType: string(value.MediaJSON),
		Encoding:  string(value.EncodingLive),
	}
	if diff := cmp.Diff(want, got.event); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyDiff_PushesUpdateWithDiff(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	f.seed(t, "inventory", user("u1"), map[string]any{"money": 50})
	ctx := context.Background()

	c := f.a.New()
	v, err := c.ApplyDiff(ctx, "inventory", user("u1"), replace("/money", "60"))
	if err != nil {
		t.Fatalf("ApplyDiff failed: %v", err)
	}
	if err := c.Distribute(ctx); err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if v.HasDiff() {
		t.Error("expected Distribute to drain the journal")
	}

	stored := f.read(t, "inventory", user("u1"))
	if diff := cmp.Diff(map[string]any{"money": float64(60)}, stored.Data()); diff != "" {
		t.Errorf("stored data mismatch (-want +got):\n%s", diff)
	}

	events := f.live.take()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0].event
	if ev.Kind != schema.EventUpdate || ev.Data != nil {
		t.Errorf("expected an update without data, got %+v", ev)
	}
	if string(ev.Diff) != `[{"op":"replace","path":"/money","value":60}]` {
		t.Errorf("unexpected diff %s", ev.Diff)
	}
}

func TestApplyDiff_Errors(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	f.seed(t, "inventory", user("u1"), map[string]any{"money": 50})
	ctx := context.Background()
	c := f.a.New()

	if _, err := c.ApplyDiff(ctx, "inventory", user("missing"), replace("/money", "1")); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.ApplyDiff(ctx, "inventory", user("u1"), replace("/gems/0", "1")); !errors.Is(err, engine.ErrMalformedDiff) {
		t.Errorf("expected ErrMalformedDiff, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("expected failed diffs not to be queued, got %d", c.Pending())
	}
}

func TestSet_ExistingRecordPushesUpdate(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	f.seed(t, "inventory", user("u1"), map[string]any{"money": 50})
	ctx := context.Background()

	c := f.a.New()
	v, err := c.Get(ctx, "inventory", user("u1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := v.Set("/money", 70); err != nil {
		t.Fatalf("Set path failed: %v", err)
	}
	if _, err := c.Set("inventory", user("u1"), v.Data()); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Distribute(ctx); err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}

	events := f.live.take()
	if len(events) != 1 || events[0].event.Kind != schema.EventUpdate || events[0].event.Diff != nil {
		t.Fatalf("expected one full update, got %+v", events)
	}
	if string(events[0].event.Data) != `{"money":70}` {
		t.Errorf("unexpected data %s", events[0].event.Data)
	}
}

func TestAdd(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	f.seed(t, "user", user("u1"), map[string]any{"name": "ana"})
	ctx := context.Background()

	t.Run("known to exist", func(t *testing.T) {
		c := f.a.New()
		if _, err := c.Get(ctx, "user", user("u1")); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if _, err := c.Add("user", user("u1"), map[string]any{}); !errors.Is(err, engine.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("exists in vault", func(t *testing.T) {
		c := f.a.New()
		if _, err := c.Add("user", user("u1"), map[string]any{}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		err := c.Distribute(ctx)
		failures := Failures(err)
		if len(failures) != 1 || failures[0].Vault != "primary" || failures[0].Op != engine.OpAdd {
			t.Fatalf("expected one add failure on primary, got %v", err)
		}
		if !errors.Is(err, engine.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("fresh", func(t *testing.T) {
		c := f.a.New()
		if _, err := c.Add("user", user("u2"), map[string]any{"name": "bo"}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := c.Distribute(ctx); err != nil {
			t.Fatalf("Distribute failed: %v", err)
		}
		if diff := cmp.Diff(map[string]any{"name": "bo"}, f.read(t, "user", user("u2")).Data()); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestDel_Idempotent(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	f.seed(t, "user", user("u1"), map[string]any{"name": "ana"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		c := f.a.New()
		if err := c.Del("user", user("u1")); err != nil {
			t.Fatalf("Del failed: %v", err)
		}
		if err := c.Distribute(ctx); err != nil {
			t.Fatalf("Distribute %d failed: %v", i, err)
		}
	}
	if f.primary.Len() != 0 {
		t.Errorf("expected an empty vault, got %d records", f.primary.Len())
	}
}

func TestTouch(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, inventoryTopics(), WithClock(func() time.Time { return now }))
	f.seed(t, "inventory", user("u1"), map[string]any{"money": 50})
	ctx := context.Background()

	c := f.a.New()
	v, err := c.Get(ctx, "inventory", user("u1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := c.Touch("inventory", user("u1"), time.Hour); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if !v.Expires().Equal(now.Add(time.Hour)) {
		t.Errorf("expected the cached value to expire at %v, got %v", now.Add(time.Hour), v.Expires())
	}
	if err := c.Touch("inventory", user("absent"), time.Hour); err != nil {
		t.Fatalf("Touch of an absent record failed: %v", err)
	}
	if err := c.Distribute(ctx); err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}

	events := f.live.take()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	want := schema.Event{Kind: schema.EventTouch, Key: schema.Ref{Topic: "inventory", Index: user("u1")}, TTL: 3600}
	if diff := cmp.Diff(want, events[0].event); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
	if stored := f.read(t, "inventory", user("u1")); stored.Expires().IsZero() {
		t.Error("expected the stored record to expire")
	}
}

func TestWrite_TopicTTL(t *testing.T) {
	topics := inventoryTopics()
	cfg := topics["inventory"]
	cfg.TTL = "10m"
	topics["inventory"] = cfg
	f := newFixture(t, topics)
	ctx := context.Background()

	c := f.a.New()
	if _, err := c.Set("inventory", user("u1"), map[string]any{"money": 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := c.Set("inventory", user("u2"), map[string]any{"money": 2}, WithTTL(0)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Distribute(ctx); err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}

	events := f.live.take()
	if len(events) != 2 || events[0].event.TTL != 600 || events[1].event.TTL != 0 {
		t.Errorf("expected ttls 600 and 0, got %+v", events)
	}
}

func TestWrite_MediaTypes(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	ctx := context.Background()

	c := f.a.New()
	if _, err := c.Set("user", user("u1"), "hello", WithMediaType(value.MediaText), WithEncoding(value.EncodingUTF8)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := c.Set("user", user("u2"), 42, WithMediaType(value.MediaText)); !errors.Is(err, engine.ErrUnsupportedMediaType) {
		t.Errorf("expected ErrUnsupportedMediaType for live text, got %v", err)
	}
	if err := c.Distribute(ctx); err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}

	v := f.read(t, "user", user("u1"))
	if v.MediaType() != value.MediaText || v.Data() != "hello" {
		t.Errorf("expected text payload, got %s %v", v.MediaType(), v.Data())
	}
}

func TestQueue_MergesPerRecord(t *testing.T) {
	ctx := context.Background()
	set := func(c *Coordinator) error {
		_, err := c.Set("user", user("u1"), map[string]any{"money": 5})
		return err
	}
	add := func(c *Coordinator) error {
		_, err := c.Add("user", user("u1"), map[string]any{"money": 5})
		return err
	}
	diff := func(c *Coordinator) error {
		_, err := c.ApplyDiff(ctx, "user", user("u1"), replace("/money", "7"))
		return err
	}
	del := func(c *Coordinator) error { return c.Del("user", user("u1")) }
	touch := func(ttl time.Duration) func(c *Coordinator) error {
		return func(c *Coordinator) error { return c.Touch("user", user("u1"), ttl) }
	}

	tests := []struct {
		name  string
		steps []func(*Coordinator) error
		op    engine.Op
		ttl   time.Duration
	}{
		{"add then set", []func(*Coordinator) error{add, set}, engine.OpAdd, 0},
		{"set then diff", []func(*Coordinator) error{set, diff}, engine.OpSet, 0},
		{"add then diff", []func(*Coordinator) error{add, diff}, engine.OpAdd, 0},
		{"diff then diff", []func(*Coordinator) error{diff, diff}, engine.OpApplyDiff, 0},
		{"touch then diff", []func(*Coordinator) error{touch(time.Minute), diff}, engine.OpApplyDiff, time.Minute},
		{"set then del", []func(*Coordinator) error{set, del}, engine.OpDel, 0},
		{"diff then del", []func(*Coordinator) error{diff, del}, engine.OpDel, 0},
		{"del then set", []func(*Coordinator) error{del, set}, engine.OpSet, 0},
		{"del then add", []func(*Coordinator) error{del, add}, engine.OpSet, 0},
		{"set then touch", []func(*Coordinator) error{set, touch(time.Hour)}, engine.OpSet, time.Hour},
		{"del then touch", []func(*Coordinator) error{del, touch(time.Hour)}, engine.OpDel, 0},
		{"touch then touch", []func(*Coordinator) error{touch(time.Hour), touch(time.Minute)}, engine.OpTouch, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, inventoryTopics())
			f.seed(t, "user", user("u1"), map[string]any{"money": 1})

			c := f.a.New()
			for i, step := range tt.steps {
				if err := step(c); err != nil {
					t.Fatalf("step %d failed: %v", i, err)
				}
			}
			if c.Pending() != 1 {
				t.Fatalf("expected 1 pending mutation, got %d", c.Pending())
			}
			m := c.mutations[schema.Ref{Topic: "user", Index: user("u1")}.String()]
			if m.op != tt.op || m.ttl != tt.ttl {
				t.Errorf("got %s ttl %v, want %s ttl %v", m.op, m.ttl, tt.op, tt.ttl)
			}
		})
	}
}

func TestDistribute_VaultFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	boom := errors.New("socket closed")
	f.live.err = boom
	ctx := context.Background()

	c := f.a.New()
	for _, id := range []string{"u1", "u2"} {
		if _, err := c.Set("inventory", user(id), map[string]any{"money": 1}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	err := c.Distribute(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the publisher error, got %v", err)
	}

	var got []string
	for _, failure := range Failures(err) {
		got = append(got, failure.Vault+" "+failure.Index.Query())
	}
	if diff := cmp.Diff([]string{"live userId=u1", "live userId=u2"}, got); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
	if f.primary.Len() != 2 {
		t.Errorf("expected both records stored, got %d", f.primary.Len())
	}
}

func TestDistribute_ClosesCoordinator(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	ctx := context.Background()

	c := f.a.New()
	if err := c.Distribute(ctx); err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if err := c.Distribute(ctx); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("expected ErrClosed from a second Distribute, got %v", err)
	}
	if _, err := c.Get(ctx, "user", user("u1")); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("expected ErrClosed from Get, got %v", err)
	}
	if _, err := c.Set("user", user("u1"), map[string]any{}); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("expected ErrClosed from Set, got %v", err)
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t, inventoryTopics())
	ctx := context.Background()

	c := f.a.New()
	if _, err := c.Set("inventory", user("u1"), map[string]any{"money": 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	c.Discard()
	c.Discard()

	if c.Pending() != 0 {
		t.Errorf("expected no pending mutations, got %d", c.Pending())
	}
	if err := c.Distribute(ctx); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if f.primary.Len() != 0 || len(f.live.take()) != 0 {
		t.Error("expected nothing to be written")
	}
}
