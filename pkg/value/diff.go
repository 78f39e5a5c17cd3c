package value

import (
	"encoding/json"
	"fmt"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"
)

// DiffOp is one JSON Patch (RFC 6902) operation.
type DiffOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

var diffOps = map[string]bool{
	"add": true, "remove": true, "replace": true,
	"move": true, "copy": true, "test": true,
}

// Add builds an add operation. It panics if v cannot be marshaled to JSON.
func Add(path string, v any) DiffOp {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("value: marshal diff operand: %v", err))
	}
	return DiffOp{Op: "add", Path: path, Value: raw}
}

// Remove builds a remove operation.
func Remove(path string) DiffOp {
	return DiffOp{Op: "remove", Path: path}
}

// Set adds or replaces the member at path and records the change.
func (v *Value) Set(path string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	return v.ApplyDiff([]DiffOp{{Op: "add", Path: path, Value: raw}})
}

// Del removes the member at path and records the change.
func (v *Value) Del(path string) error {
	return v.ApplyDiff([]DiffOp{Remove(path)})
}

// ApplyDiff patches the live payload in place and appends ops to the journal.
// The payload is left untouched when any operation fails.
func (v *Value) ApplyDiff(ops []DiffOp) error {
	if len(ops) == 0 {
		return nil
	}
	if !Structured(v.mediaType) {
		return fmt.Errorf("%w: %s payloads cannot be patched", ErrMalformedDiff, v.mediaType)
	}
	patched, err := Patch(v.mediaType, v.data, v.encoding, ops)
	if err != nil {
		return err
	}
	v.data = patched
	v.encoding = EncodingLive
	v.journal = append(v.journal, ops...)
	return nil
}

// Patch applies ops to data and returns the live result.
func Patch(mt MediaType, data any, enc Encoding, ops []DiffOp) (any, error) {
	for _, op := range ops {
		if !diffOps[op.Op] {
			return nil, fmt.Errorf("%w: unknown operation %q", ErrMalformedDiff, op.Op)
		}
	}
	live, err := Convert(mt, data, enc, EncodingLive)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(live)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	rawOps, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	patch, err := jsonpatch.DecodePatch(rawOps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	return result, nil
}

// GetDiff drains the journal. A second call without intervening changes
// returns nil.
func (v *Value) GetDiff() []DiffOp {
	ops := v.journal
	v.journal = nil
	return ops
}

// HasDiff reports whether the journal holds undrained operations.
func (v *Value) HasDiff() bool {
	return len(v.journal) > 0
}
