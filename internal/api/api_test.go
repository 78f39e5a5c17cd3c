package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"github.com/celerix-dev/archivist/pkg/archivist"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/sdk"
)

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, schema.Shard, schema.Event) error {
	return errors.New("socket closed")
}

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := archivist.Config{
		Vaults: map[string]archivist.VaultConfig{
			"primary": {Type: "memory"},
			"backup":  {Type: "memory"},
			"live":    {Type: "client"},
		},
		Topics: map[string]archivist.TopicConfig{
			"inventory": {Index: []string{"userId"}, Write: []string{"primary"}, Shard: "index:userId"},
			"user":      {Index: []string{"userId"}, Write: []string{"primary"}},
			"notify":    {Index: []string{"userId"}, Write: []string{"live"}, Shard: "public"},
		},
	}
	a, err := sdk.Open(context.Background(), cfg, sdk.WithPublisher(brokenPublisher{}))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { a.Registry().Close(context.Background()) })

	h := &Handler{Archivist: a}
	r := gin.New()
	h.Routes(r)
	return r
}

func do(r *gin.Engine, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSetAndGet(t *testing.T) {
	r := setupTestRouter(t)

	w := do(r, "PUT", "/topics/user?userId=u1", map[string]any{"name": "ana"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/topics/user?userId=u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	rec := decode[Record](t, w)
	if rec.MediaType != "application/json" || string(rec.Data) != `{"name":"ana"}` || rec.Key.Topic != "user" {
		t.Errorf("unexpected record %+v (%s)", rec, rec.Data)
	}
	if w.Header().Get(headerRequestID) == "" {
		t.Error("expected a request id header")
	}
}

func TestGet_Errors(t *testing.T) {
	r := setupTestRouter(t)
	do(r, "PUT", "/topics/inventory?userId=u1", map[string]any{"money": 50})

	tests := []struct {
		name    string
		path    string
		headers []string
		want    int
	}{
		{"not found", "/topics/user?userId=nobody", nil, http.StatusNotFound},
		{"optional miss", "/topics/user?userId=nobody&optional=true", nil, http.StatusNoContent},
		{"unknown topic", "/topics/shop?userId=u1", nil, http.StatusBadRequest},
		{"missing index field", "/topics/user", nil, http.StatusBadRequest},
		{"other actor", "/topics/inventory?userId=u1", []string{headerActor, "u2"}, http.StatusForbidden},
		{"owner", "/topics/inventory?userId=u1", []string{headerActor, "u1"}, http.StatusOK},
		{"write-only topic", "/topics/notify?userId=u1", nil, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(r, "GET", tt.path, nil, tt.headers...); w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAdd(t *testing.T) {
	r := setupTestRouter(t)

	if w := do(r, "POST", "/topics/user?userId=u1", map[string]any{"name": "ana"}); w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	w := do(r, "POST", "/topics/user?userId=u1", map[string]any{"name": "bo"})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d: %s", w.Code, w.Body.String())
	}
	body := decode[struct{ Failures []Failure }](t, w)
	if len(body.Failures) != 1 || body.Failures[0].Vault != "primary" || body.Failures[0].Op != engine.OpAdd {
		t.Errorf("unexpected failures %+v", body.Failures)
	}
}

func TestApplyDiffAndDelete(t *testing.T) {
	r := setupTestRouter(t)
	do(r, "PUT", "/topics/user?userId=u1", map[string]any{"name": "ana", "level": 1})

	w := do(r, "PATCH", "/topics/user?userId=u1", `[{"op":"replace","path":"/level","value":2}]`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if rec := decode[Record](t, w); string(rec.Data) != `{"level":2,"name":"ana"}` {
		t.Errorf("unexpected data %s", rec.Data)
	}

	if w := do(r, "PATCH", "/topics/user?userId=u1", `[{"op":"remove","path":"/missing"}]`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(r, "PATCH", "/topics/user?userId=u1", `{"op":"remove"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
	}

	for i := 0; i < 2; i++ {
		if w := do(r, "DELETE", "/topics/user?userId=u1", nil); w.Code != http.StatusOK {
			t.Fatalf("Expected status 200 on delete %d, got %d", i, w.Code)
		}
	}
	if w := do(r, "GET", "/topics/user?userId=u1", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestTouch(t *testing.T) {
	r := setupTestRouter(t)
	do(r, "PUT", "/topics/user?userId=u1", map[string]any{"name": "ana"})

	if w := do(r, "POST", "/topics/user/touch?userId=u1&ttl=1h", nil); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	rec := decode[Record](t, do(r, "GET", "/topics/user?userId=u1", nil))
	if rec.Expires.IsZero() {
		t.Error("expected the record to expire")
	}
	if w := do(r, "POST", "/topics/user/touch?userId=u1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without ttl, got %d", w.Code)
	}
}

func TestSet_TextPayload(t *testing.T) {
	r := setupTestRouter(t)

	req, _ := http.NewRequest("PUT", "/topics/user?userId=u1&ttl=10m", bytes.NewBufferString("hello"))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	rec := decode[Record](t, do(r, "GET", "/topics/user?userId=u1", nil))
	if rec.MediaType != "text/plain" || string(rec.Data) != `"hello"` || rec.Expires.IsZero() {
		t.Errorf("unexpected record %+v (%s)", rec, rec.Data)
	}

	if w := do(r, "PUT", "/topics/user?userId=u1&ttl=soon", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a bad ttl, got %d", w.Code)
	}
}

func TestList(t *testing.T) {
	r := setupTestRouter(t)
	for i := 1; i <= 3; i++ {
		do(r, "PUT", fmt.Sprintf("/topics/user?userId=u%d", i), map[string]any{"n": i})
	}

	w := do(r, "GET", "/topics/user/list", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[[]schema.Index](t, w); len(got) != 3 {
		t.Errorf("expected 3 indexes, got %v", got)
	}

	got := decode[[]schema.Index](t, do(r, "GET", "/topics/user/list?userId=u2", nil))
	if diff := cmp.Diff([]schema.Index{{"userId": "u2"}}, got); diff != "" {
		t.Errorf("partial list mismatch (-want +got):\n%s", diff)
	}
}

func TestMGet(t *testing.T) {
	r := setupTestRouter(t)
	do(r, "PUT", "/topics/user?userId=u1", map[string]any{"name": "ana"})

	input := map[string]any{
		"refs": []schema.Ref{
			{Topic: "user", Index: schema.Index{"userId": "u1"}},
			{Topic: "user", Index: schema.Index{"userId": "missing"}},
			{Topic: "shop", Index: schema.Index{"userId": "u1"}},
		},
		"optional": true,
	}
	w := do(r, "POST", "/mget", input)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode[struct {
		Records []*Record         `json:"records"`
		Errors  map[string]string `json:"errors"`
	}](t, w)
	if len(body.Records) != 3 || body.Records[0] == nil || body.Records[1] != nil || body.Records[2] != nil {
		t.Errorf("unexpected records %+v", body.Records)
	}
	if _, ok := body.Errors["2"]; !ok || len(body.Errors) != 1 {
		t.Errorf("expected one error at position 2, got %v", body.Errors)
	}

	input["strict"] = true
	if w := do(r, "POST", "/mget", input); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a strict mget, got %d", w.Code)
	}
}

func TestDistributeFailure(t *testing.T) {
	r := setupTestRouter(t)

	w := do(r, "PUT", "/topics/notify?userId=u1", map[string]any{"text": "hi"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d: %s", w.Code, w.Body.String())
	}
	body := decode[struct{ Failures []Failure }](t, w)
	if len(body.Failures) != 1 || body.Failures[0].Vault != "live" || body.Failures[0].Key != "notify?userId=u1" {
		t.Errorf("unexpected failures %+v", body.Failures)
	}
}

func TestMigrateAndTopics(t *testing.T) {
	r := setupTestRouter(t)
	do(r, "PUT", "/topics/user?userId=u1", map[string]any{"name": "ana"})
	do(r, "PUT", "/topics/user?userId=u2", map[string]any{"name": "bo"})

	w := do(r, "POST", "/migrate", map[string]any{"topic": "user", "from": "primary", "to": "backup"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]int](t, w); got["migrated"] != 2 {
		t.Errorf("expected 2 migrated records, got %v", got)
	}

	if w := do(r, "POST", "/migrate", map[string]any{"topic": "user"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing vaults, got %d", w.Code)
	}

	topics := decode[[]string](t, do(r, "GET", "/topics", nil))
	if diff := cmp.Diff([]string{"inventory", "notify", "user"}, topics); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}
}
