package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// The integration tests need a running server:
//
//	ARCHIVIST_PG_TEST="postgres://localhost/archivist_test?sslmode=disable" go test ./internal/vault/postgres
func testConnStr(t *testing.T) string {
	t.Helper()
	connStr := os.Getenv("ARCHIVIST_PG_TEST")
	if connStr == "" {
		t.Log("postgres vault tests require setting ARCHIVIST_PG_TEST")
		t.Skip()
	}
	return connStr
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	connStr := testConnStr(t)
	schemaName := fmt.Sprintf("archivist_test_%d", time.Now().UnixNano())

	s, err := New("pg", map[string]any{"connStr": connStr, "schema": schemaName, "timeout": "5s"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		db, err := sql.Open("postgres", connStr)
		if err == nil {
			db.Exec(fmt.Sprintf("DROP SCHEMA %s CASCADE", pq.QuoteIdentifier(schemaName)))
			db.Close()
		}
		s.Close(context.Background())
	})
	return s
}

func TestStore_Integration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := engine.NewRegistry()
	if err := engine.Register[Key, engine.Record](r, s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	b, err := r.Bind("pg", "inventory")
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	missing := value.New("inventory", schema.Index{"userId": "u1"})
	if found, err := b.Get(ctx, missing); found || err != nil {
		t.Fatalf("Expected absent row before the table exists, got found=%v err=%v", found, err)
	}

	v := value.New("inventory", schema.Index{"userId": "u1"})
	v.SetData(map[string]any{"money": 50}, value.MediaJSON, value.EncodingLive)
	if err := b.Write(ctx, engine.Write{Op: engine.OpAdd, Value: v}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := b.Write(ctx, engine.Write{Op: engine.OpAdd, Value: v}); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	v.Set("/money", 10)
	if err := b.Write(ctx, engine.Write{Op: engine.OpApplyDiff, Value: v, Diff: v.GetDiff()}); err != nil {
		t.Fatalf("ApplyDiff failed: %v", err)
	}

	got := value.New("inventory", schema.Index{"userId": "u1"})
	if found, err := b.Get(ctx, got); !found || err != nil {
		t.Fatalf("Get failed: found=%v err=%v", found, err)
	}
	if got.Data().(map[string]any)["money"] != float64(10) {
		t.Errorf("Expected patched money 10, got %v", got.Data())
	}

	indexes, err := b.List(ctx, schema.Index{})
	if err != nil || len(indexes) != 1 || !indexes[0].Equal(schema.Index{"userId": "u1"}) {
		t.Errorf("List = %v, %v", indexes, err)
	}

	if err := b.Write(ctx, engine.Write{Op: engine.OpTouch, Value: got, TTL: time.Hour}); err != nil {
		t.Errorf("Touch failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := b.Write(ctx, engine.Write{Op: engine.OpDel, Value: got}); err != nil {
			t.Errorf("Del #%d failed: %v", i+1, err)
		}
	}
}
