package value

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MediaType describes what kind of payload a value holds.
type MediaType string

const (
	MediaJSON    MediaType = "application/json"
	MediaMsgpack MediaType = "application/x-msgpack"
	MediaText    MediaType = "text/plain"
	MediaBinary  MediaType = "application/octet-stream"
)

// Encoding describes how a payload is currently represented in memory.
//
//	live   - native Go form (maps, slices, scalars)
//	utf8   - string
//	buffer - []byte
//	base64 - base64 encoded string
type Encoding string

const (
	EncodingLive   Encoding = "live"
	EncodingUTF8   Encoding = "utf8"
	EncodingBuffer Encoding = "buffer"
	EncodingBase64 Encoding = "base64"
)

// codec converts a media type between its encodings. Every conversion passes
// through the buffer form.
type codec struct {
	toBuffer   map[Encoding]func(any) ([]byte, error)
	fromBuffer map[Encoding]func([]byte) (any, error)
}

var codecs = map[MediaType]codec{
	MediaJSON: {
		toBuffer: map[Encoding]func(any) ([]byte, error){
			EncodingLive:   func(d any) ([]byte, error) { return json.Marshal(d) },
			EncodingUTF8:   stringToBuffer,
			EncodingBuffer: bufferToBuffer,
			EncodingBase64: base64ToBuffer,
		},
		fromBuffer: map[Encoding]func([]byte) (any, error){
			EncodingLive: func(b []byte) (any, error) {
				var d any
				if err := json.Unmarshal(b, &d); err != nil {
					return nil, err
				}
				return d, nil
			},
			EncodingUTF8:   bufferToString,
			EncodingBuffer: bufferFromBuffer,
			EncodingBase64: bufferToBase64,
		},
	},
	MediaMsgpack: {
		toBuffer: map[Encoding]func(any) ([]byte, error){
			EncodingLive:   func(d any) ([]byte, error) { return msgpack.Marshal(d) },
			EncodingBuffer: bufferToBuffer,
			EncodingBase64: base64ToBuffer,
		},
		fromBuffer: map[Encoding]func([]byte) (any, error){
			EncodingLive: func(b []byte) (any, error) {
				var d any
				if err := msgpack.Unmarshal(b, &d); err != nil {
					return nil, err
				}
				return d, nil
			},
			EncodingBuffer: bufferFromBuffer,
			EncodingBase64: bufferToBase64,
		},
	},
	MediaText: {
		toBuffer: map[Encoding]func(any) ([]byte, error){
			EncodingUTF8:   stringToBuffer,
			EncodingBuffer: bufferToBuffer,
			EncodingBase64: base64ToBuffer,
		},
		fromBuffer: map[Encoding]func([]byte) (any, error){
			EncodingUTF8:   bufferToString,
			EncodingBuffer: bufferFromBuffer,
			EncodingBase64: bufferToBase64,
		},
	},
}

// opaque handles application/octet-stream and any media type we do not know.
var opaque = codec{
	toBuffer: map[Encoding]func(any) ([]byte, error){
		EncodingBuffer: bufferToBuffer,
		EncodingBase64: base64ToBuffer,
	},
	fromBuffer: map[Encoding]func([]byte) (any, error){
		EncodingBuffer: bufferFromBuffer,
		EncodingBase64: bufferToBase64,
	},
}

func codecFor(mt MediaType) codec {
	if c, ok := codecs[mt]; ok {
		return c
	}
	return opaque
}

// Supports reports whether mt can be represented in enc.
func Supports(mt MediaType, enc Encoding) bool {
	_, ok := codecFor(mt).fromBuffer[enc]
	return ok
}

// Structured reports whether mt has a live form that diffs can be applied to.
func Structured(mt MediaType) bool {
	return mt == MediaJSON || mt == MediaMsgpack
}

// Convert re-encodes data of media type mt from one encoding to another.
func Convert(mt MediaType, data any, from, to Encoding) (any, error) {
	if from == to {
		return data, nil
	}
	c := codecFor(mt)
	encode, ok := c.toBuffer[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be %s encoded", ErrUnsupportedMediaType, mt, from)
	}
	decode, ok := c.fromBuffer[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be %s encoded", ErrUnsupportedMediaType, mt, to)
	}
	buf, err := encode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s from %s: %v", ErrUnsupportedMediaType, mt, from, err)
	}
	out, err := decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s to %s: %v", ErrUnsupportedMediaType, mt, to, err)
	}
	return out, nil
}

func stringToBuffer(d any) ([]byte, error) {
	s, ok := d.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", d)
	}
	return []byte(s), nil
}

func bufferToBuffer(d any) ([]byte, error) {
	b, ok := d.([]byte)
	if !ok {
		return nil, fmt.Errorf("expected []byte, got %T", d)
	}
	return b, nil
}

func base64ToBuffer(d any) ([]byte, error) {
	s, ok := d.(string)
	if !ok {
		return nil, fmt.Errorf("expected base64 string, got %T", d)
	}
	return base64.StdEncoding.DecodeString(s)
}

func bufferToString(b []byte) (any, error) {
	return string(b), nil
}

func bufferFromBuffer(b []byte) (any, error) {
	return b, nil
}

func bufferToBase64(b []byte) (any, error) {
	return base64.StdEncoding.EncodeToString(b), nil
}
