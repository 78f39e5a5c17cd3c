package engine

import (
	"time"

	"github.com/celerix-dev/archivist/pkg/value"
)

// Record is the payload shape shared by vaults that store bytes.
type Record struct {
	MediaType value.MediaType `json:"mediaType"`
	Data      []byte          `json:"data"`
	Expires   time.Time       `json:"expires,omitzero"`
}

// RecordFrom serializes v into its buffer form.
func RecordFrom(v *value.Value) (Record, error) {
	data, err := v.Bytes()
	if err != nil {
		return Record{}, err
	}
	return Record{MediaType: v.MediaType(), Data: data, Expires: v.Expires()}, nil
}

// Into loads the record into v in its most native encoding.
func (r Record) Into(v *value.Value) error {
	if err := v.SetData(r.Data, r.MediaType, value.EncodingBuffer); err != nil {
		return err
	}
	if err := v.SetEncoding(value.EncodingLive, value.EncodingUTF8); err != nil && value.Structured(r.MediaType) {
		return err
	}
	v.SetExpires(r.Expires)
	return nil
}

// Expired reports whether the record's expiration has passed.
func (r Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// ExpiresAt converts a ttl into an absolute expiration; zero means never.
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
