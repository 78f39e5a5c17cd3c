// Package value holds the in-memory representation of one stored record.
package value

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mitchellh/copystructure"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/celerix-dev/archivist/pkg/schema"
)

// Value is one record's payload together with its identity and metadata.
// A Value is owned by a single request and is not safe for concurrent use.
type Value struct {
	Topic string
	Index schema.Index

	data      any
	mediaType MediaType
	encoding  Encoding
	expires   time.Time
	existed   bool
	journal   []DiffOp
}

// New creates an empty value for the given record.
func New(topic string, index schema.Index) *Value {
	return &Value{Topic: topic, Index: index.Clone()}
}

// Ref returns the record address.
func (v *Value) Ref() schema.Ref {
	return schema.Ref{Topic: v.Topic, Index: v.Index}
}

// SetData replaces the payload. Any pending diff is discarded because the new
// payload is a full replacement.
func (v *Value) SetData(data any, mt MediaType, enc Encoding) error {
	if mt == "" {
		mt = MediaJSON
	}
	if enc == "" {
		enc = EncodingLive
	}
	if !Supports(mt, enc) {
		return fmt.Errorf("%w: %s cannot be %s encoded", ErrUnsupportedMediaType, mt, enc)
	}
	if err := checkShape(data, enc); err != nil {
		return err
	}
	v.data = data
	v.mediaType = mt
	v.encoding = enc
	v.journal = nil
	return nil
}

func checkShape(data any, enc Encoding) error {
	switch enc {
	case EncodingUTF8, EncodingBase64:
		if _, ok := data.(string); !ok {
			return fmt.Errorf("%w: %s data must be a string, got %T", ErrUnsupportedMediaType, enc, data)
		}
	case EncodingBuffer:
		if _, ok := data.([]byte); !ok {
			return fmt.Errorf("%w: buffer data must be []byte, got %T", ErrUnsupportedMediaType, data)
		}
	}
	return nil
}

// Data returns the payload in its current encoding.
func (v *Value) Data() any { return v.data }

func (v *Value) MediaType() MediaType { return v.mediaType }

func (v *Value) Encoding() Encoding { return v.encoding }

// HasData reports whether a payload has been set.
func (v *Value) HasData() bool { return v.mediaType != "" }

// SetEncoding re-encodes the payload into the first supported encoding of
// preferred. It is a no-op when the current encoding is already preferred.
func (v *Value) SetEncoding(preferred ...Encoding) error {
	if len(preferred) == 0 || slices.Contains(preferred, v.encoding) {
		return nil
	}
	for _, enc := range preferred {
		if !Supports(v.mediaType, enc) {
			continue
		}
		data, err := Convert(v.mediaType, v.data, v.encoding, enc)
		if err != nil {
			return err
		}
		v.data = data
		v.encoding = enc
		return nil
	}
	return fmt.Errorf("%w: %s has no encoding in %v", ErrUnsupportedMediaType, v.mediaType, preferred)
}

// Encoded returns the payload in enc without changing the value.
func (v *Value) Encoded(enc Encoding) (any, error) {
	return Convert(v.mediaType, v.data, v.encoding, enc)
}

// Bytes returns the payload in buffer form.
func (v *Value) Bytes() ([]byte, error) {
	data, err := v.Encoded(EncodingBuffer)
	if err != nil {
		return nil, err
	}
	return data.([]byte), nil
}

// Expires returns the expiration time, or the zero time when the value never expires.
func (v *Value) Expires() time.Time { return v.expires }

func (v *Value) SetExpires(t time.Time) { v.expires = t }

// TTL returns the time left before expiration relative to now. Zero means no
// expiration; expired values report a minimal positive duration.
func (v *Value) TTL(now time.Time) time.Duration {
	if v.expires.IsZero() {
		return 0
	}
	ttl := v.expires.Sub(now)
	if ttl <= 0 {
		return time.Nanosecond
	}
	return ttl
}

// Existed reports whether the value was loaded from a vault.
func (v *Value) Existed() bool { return v.existed }

// SetExisted records whether the value was loaded from a vault.
func (v *Value) SetExisted(existed bool) { v.existed = existed }

// Decode unmarshals a structured payload into target.
func (v *Value) Decode(target any) error {
	switch v.mediaType {
	case MediaJSON:
		buf, err := v.Bytes()
		if err != nil {
			return err
		}
		return json.Unmarshal(buf, target)
	case MediaMsgpack:
		buf, err := v.Bytes()
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(buf, target)
	}
	return fmt.Errorf("%w: cannot decode %s", ErrUnsupportedMediaType, v.mediaType)
}

// Clone returns a deep copy of the value including its pending diff.
func (v *Value) Clone() (*Value, error) {
	var data any
	if v.data != nil {
		var err error
		if data, err = copystructure.Copy(v.data); err != nil {
			return nil, fmt.Errorf("clone %s: %w", v.Ref(), err)
		}
	}
	c := *v
	c.Index = v.Index.Clone()
	c.data = data
	c.journal = slices.Clone(v.journal)
	return &c, nil
}
