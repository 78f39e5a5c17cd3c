// Package schema defines universal data structures shared by the archivist,
// its vaults and the live push channel.
package schema

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidIndex is returned when an index does not match the shape declared
// for its topic.
var ErrInvalidIndex = errors.New("invalid index")

// Index identifies one record within a topic. Values must be scalars.
type Index map[string]any

// Field is one canonicalized index entry.
type Field struct {
	Name  string
	Value string
}

// Ref addresses a single record.
type Ref struct {
	Topic string `json:"topic"`
	Index Index  `json:"index"`
}

// String renders the ref as topic?field=value, which is stable for any field order.
func (r Ref) String() string {
	return r.Topic + "?" + r.Index.Query()
}

// Fields returns the field names sorted alphabetically.
func (ix Index) Fields() []string {
	names := make([]string, 0, len(ix))
	for name := range ix {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Canonical returns the index entries sorted by field name, with every value
// rendered to its string form. Two indexes describing the same record always
// produce the same canonical form.
func (ix Index) Canonical() []Field {
	names := ix.Fields()
	fields := make([]Field, len(names))
	for i, name := range names {
		fields[i] = Field{Name: name, Value: FormatScalar(ix[name])}
	}
	return fields
}

// Query renders the canonical form as a url-encoded query string.
func (ix Index) Query() string {
	var b strings.Builder
	for i, f := range ix.Canonical() {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String()
}

// ParseQuery is the inverse of Query. Values come back as strings.
func ParseQuery(query string) (Index, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIndex, err)
	}
	ix := make(Index, len(values))
	for name, vals := range values {
		if len(vals) != 1 {
			return nil, fmt.Errorf("%w: field %q appears %d times", ErrInvalidIndex, name, len(vals))
		}
		ix[name] = vals[0]
	}
	return ix, nil
}

// Equal reports whether both indexes identify the same record. Values are
// compared by canonical string form so that an index parsed back from a
// storage key equals the index it was built from.
func (ix Index) Equal(other Index) bool {
	if len(ix) != len(other) {
		return false
	}
	for name, v := range ix {
		o, ok := other[name]
		if !ok || FormatScalar(v) != FormatScalar(o) {
			return false
		}
	}
	return true
}

// Matches reports whether every field of partial has the same value in ix.
func (ix Index) Matches(partial Index) bool {
	for name, want := range partial {
		got, ok := ix[name]
		if !ok || FormatScalar(got) != FormatScalar(want) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy; values are scalars so this is a full copy.
func (ix Index) Clone() Index {
	if ix == nil {
		return nil
	}
	out := make(Index, len(ix))
	for k, v := range ix {
		out[k] = v
	}
	return out
}

// Validate checks that ix carries exactly the declared fields, all non-nil scalars.
func (ix Index) Validate(fields []string) error {
	if err := ix.ValidatePartial(fields); err != nil {
		return err
	}
	for _, name := range fields {
		if _, ok := ix[name]; !ok {
			return fmt.Errorf("%w: missing field %q", ErrInvalidIndex, name)
		}
	}
	return nil
}

// ValidatePartial checks that ix only uses declared fields, all non-nil scalars.
func (ix Index) ValidatePartial(fields []string) error {
	for name, v := range ix {
		if !contains(fields, name) {
			return fmt.Errorf("%w: undeclared field %q", ErrInvalidIndex, name)
		}
		if v == nil {
			return fmt.Errorf("%w: field %q is null", ErrInvalidIndex, name)
		}
		if !IsScalar(v) {
			return fmt.Errorf("%w: field %q has non-scalar type %T", ErrInvalidIndex, name, v)
		}
	}
	return nil
}

// IsScalar reports whether v may be used as an index value.
func IsScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// FormatScalar renders an index value. Integral floats render without a
// fraction so that 42 and 42.0 (as decoded from JSON) agree.
func FormatScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
