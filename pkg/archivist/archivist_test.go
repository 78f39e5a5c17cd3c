package archivist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/value"
)

func TestSetup_Validation(t *testing.T) {
	tests := []struct {
		name  string
		topic TopicConfig
	}{
		{"no index", TopicConfig{Write: []string{"primary"}}},
		{"no vaults", TopicConfig{Index: []string{"userId"}}},
		{"unknown vault", TopicConfig{Index: []string{"userId"}, Write: []string{"nowhere"}}},
		{"push without shard", TopicConfig{Index: []string{"userId"}, Write: []string{"primary", "live"}}},
		{"push as read vault", TopicConfig{Index: []string{"userId"}, Read: []string{"live"}, Write: []string{"primary"}, Shard: "public"}},
		{"invalid ttl", TopicConfig{Index: []string{"userId"}, Write: []string{"primary"}, TTL: "soon"}},
		{"negative ttl", TopicConfig{Index: []string{"userId"}, Write: []string{"primary"}, TTL: "-1m"}},
		{"shard on undeclared field", TopicConfig{Index: []string{"userId"}, Write: []string{"primary"}, Shard: "index:guildId"}},
		{"unknown shard form", TopicConfig{Index: []string{"userId"}, Write: []string{"primary"}, Shard: "owner"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newRegistry(t)
			_, err := Setup(Config{Topics: map[string]TopicConfig{"broken": tt.topic}}, reg)
			if !errors.Is(err, engine.ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestSetup_ReportsEveryTopic(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := Setup(Config{Topics: map[string]TopicConfig{
		"a":  {Write: []string{"primary"}},
		"b":  {Index: []string{"id"}, Write: []string{"nowhere"}},
		"ok": {Index: []string{"id"}, Write: []string{"primary"}},
	}}, reg)

	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("expected a multierror, got %v", err)
	}
	if len(merr.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(merr.Errors), merr.Errors)
	}
}

func TestSetup_ReadVaults(t *testing.T) {
	f := newFixture(t, map[string]TopicConfig{
		"inventory": {Index: []string{"userId"}, Write: []string{"primary", "live"}, Shard: "index:userId"},
		"profile":   {Index: []string{"userId"}, Read: []string{"primary", "backup"}, Write: []string{"backup"}},
		"notify":    {Index: []string{"userId"}, Write: []string{"live"}, Shard: "index:userId"},
	})

	tests := []struct {
		topic     string
		read      []string
		write     []string
		writeOnly bool
		hasACL    bool
	}{
		{"inventory", []string{"primary"}, []string{"primary", "live"}, false, true},
		{"profile", []string{"primary", "backup"}, []string{"backup"}, false, false},
		{"notify", []string{}, []string{"live"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			topic, err := f.a.topic(tt.topic)
			if err != nil {
				t.Fatalf("topic failed: %v", err)
			}
			if diff := cmp.Diff(tt.read, vaultNames(topic.read)); diff != "" {
				t.Errorf("read vaults mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.write, vaultNames(topic.write)); diff != "" {
				t.Errorf("write vaults mismatch (-want +got):\n%s", diff)
			}
			if topic.writeOnly() != tt.writeOnly {
				t.Errorf("writeOnly = %v, want %v", topic.writeOnly(), tt.writeOnly)
			}
			if (topic.acl != nil) != tt.hasACL {
				t.Errorf("acl set = %v, want %v", topic.acl != nil, tt.hasACL)
			}
		})
	}

	if diff := cmp.Diff([]string{"inventory", "notify", "profile"}, f.a.Topics()); diff != "" {
		t.Errorf("Topics mismatch (-want +got):\n%s", diff)
	}
	if _, err := f.a.topic("shop"); !errors.Is(err, engine.ErrUnknownTopic) {
		t.Errorf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archivist.json")
	raw := `{
		"vaults": {
			"primary": {"type": "memory", "options": {"sweep": "1m"}},
			"live": {"type": "client"}
		},
		"topics": {
			"inventory": {
				"index": ["userId"],
				"write": ["primary", "live"],
				"shard": "index:userId",
				"ttl": "10m",
				"readOptions": {"encodings": ["utf8"], "optional": true}
			}
		}
	}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	want := &Config{
		Vaults: map[string]VaultConfig{
			"primary": {Type: "memory", Options: map[string]any{"sweep": "1m"}},
			"live":    {Type: "client"},
		},
		Topics: map[string]TopicConfig{
			"inventory": {
				Index:       []string{"userId"},
				Write:       []string{"primary", "live"},
				Shard:       "index:userId",
				TTL:         "10m",
				ReadOptions: ReadOptions{Encodings: []value.Encoding{value.EncodingUTF8}, Optional: true},
			},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected an error for malformed JSON")
	}
}

func TestConfig_MergeReplacesEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Topics["user"] = TopicConfig{Index: []string{"userId"}, Write: []string{"primary"}, TTL: "1h"}

	cfg.Merge(&Config{Topics: map[string]TopicConfig{
		"user": {Index: []string{"userId"}, Write: []string{"files"}},
	}})

	want := TopicConfig{Index: []string{"userId"}, Write: []string{"files"}}
	if diff := cmp.Diff(want, cfg.Topics["user"]); diff != "" {
		t.Errorf("merged topic mismatch (-want +got):\n%s", diff)
	}
}
