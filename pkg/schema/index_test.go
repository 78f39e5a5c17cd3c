package schema

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIndex_CanonicalIsOrderIndependent(t *testing.T) {
	a := Index{"a": 1, "b": 2}
	b := Index{"b": 2, "a": 1}

	if diff := cmp.Diff(a.Canonical(), b.Canonical()); diff != "" {
		t.Errorf("Canonical mismatch (-a +b):\n%s", diff)
	}
	if a.Query() != "a=1&b=2" {
		t.Errorf("Expected a=1&b=2, got %q", a.Query())
	}
}

func TestIndex_QueryRoundTrip(t *testing.T) {
	tests := []Index{
		{"userId": "u1"},
		{"userId": "a b&c=d", "slot": 3},
		{"flag": true, "score": 4.5},
		{},
	}

	for _, ix := range tests {
		t.Run(ix.Query(), func(t *testing.T) {
			parsed, err := ParseQuery(ix.Query())
			if err != nil {
				t.Fatalf("ParseQuery failed: %v", err)
			}
			if !parsed.Equal(ix) {
				t.Errorf("Expected %v, got %v", ix, parsed)
			}
		})
	}
}

func TestIndex_Validate(t *testing.T) {
	fields := []string{"userId", "slot"}

	tests := []struct {
		name    string
		index   Index
		partial bool
		wantErr bool
	}{
		{name: "complete", index: Index{"userId": "u1", "slot": 1}},
		{name: "missing field", index: Index{"userId": "u1"}, wantErr: true},
		{name: "missing field partial", index: Index{"userId": "u1"}, partial: true},
		{name: "undeclared field", index: Index{"userId": "u1", "slot": 1, "x": 1}, wantErr: true},
		{name: "null value", index: Index{"userId": nil, "slot": 1}, wantErr: true},
		{name: "non-scalar", index: Index{"userId": []string{"a"}, "slot": 1}, wantErr: true},
		{name: "empty partial", index: Index{}, partial: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.partial {
				err = tt.index.ValidatePartial(fields)
			} else {
				err = tt.index.Validate(fields)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidIndex) {
				t.Errorf("Expected ErrInvalidIndex, got %v", err)
			}
		})
	}
}

func TestIndex_EqualAcrossNumericForms(t *testing.T) {
	if !(Index{"id": 42}).Equal(Index{"id": float64(42)}) {
		t.Error("42 and 42.0 should identify the same record")
	}
	if (Index{"id": 42}).Equal(Index{"id": 43}) {
		t.Error("42 and 43 should differ")
	}
	if (Index{"id": 42}).Equal(Index{"other": 42}) {
		t.Error("different field names should differ")
	}
}

func TestIndex_Matches(t *testing.T) {
	ix := Index{"userId": "u1", "slot": 2}

	if !ix.Matches(Index{}) {
		t.Error("empty partial should match everything")
	}
	if !ix.Matches(Index{"slot": "2"}) {
		t.Error("partial with string form should match")
	}
	if ix.Matches(Index{"userId": "u2"}) {
		t.Error("partial with different value should not match")
	}
}

func TestRef_String(t *testing.T) {
	ref := Ref{Topic: "inventory", Index: Index{"userId": "u1"}}
	if ref.String() != "inventory?userId=u1" {
		t.Errorf("Expected inventory?userId=u1, got %q", ref.String())
	}
}

func TestShard_Allows(t *testing.T) {
	tests := []struct {
		name  string
		shard Shard
		actor string
		want  bool
	}{
		{name: "public", shard: Public(), actor: "anyone", want: true},
		{name: "single match", shard: Actors("u1"), actor: "u1", want: true},
		{name: "single mismatch", shard: Actors("u1"), actor: "u2", want: false},
		{name: "set membership", shard: Actors("u1", "u2"), actor: "u2", want: true},
		{name: "empty", shard: Shard{}, actor: "u1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.shard.Allows(tt.actor); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.actor, got, tt.want)
			}
		})
	}
}
