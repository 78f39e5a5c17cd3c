// Package objectstore implements a vault on S3 compatible object storage.
// Each record is one object; its expiration is kept in object metadata.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-hclog"

	"github.com/celerix-dev/archivist/internal/vault"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

const metaExpires = "archivist-expires"

// s3API is the subset of *s3.Client the vault uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options configures an object store vault.
type Options struct {
	Bucket    string        `mapstructure:"bucket"`
	Prefix    string        `mapstructure:"prefix"`
	Region    string        `mapstructure:"region"`
	Endpoint  string        `mapstructure:"endpoint"`
	PathStyle bool          `mapstructure:"pathStyle"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Store is an object store vault.
type Store struct {
	name    string
	bucket  string
	prefix  string
	timeout time.Duration
	client  s3API
	logger  hclog.Logger
	now     func() time.Time
}

// New loads the default AWS credential chain and builds the client.
func New(name string, options map[string]any, logger hclog.Logger) (*Store, error) {
	opts := Options{Timeout: 30 * time.Second}
	if err := vault.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: object store vault %q needs a bucket", engine.ErrConfig, name)
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: object store vault %q: %v", engine.ErrConfig, name, err)
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return newStore(name, opts, client, logger), nil
}

func newStore(name string, opts Options, client s3API, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{
		name:    name,
		bucket:  opts.Bucket,
		prefix:  prefix,
		timeout: opts.Timeout,
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Store) Name() string { return s.name }

func (s *Store) Capabilities() engine.Capabilities {
	return engine.Capabilities{Get: true, Set: true, Add: true, Touch: true, Del: true, List: true}
}

func (s *Store) DefaultHandler() engine.Handler[string, engine.Record] {
	return engine.Handler[string, engine.Record]{
		CreateKey:   s.CreateKey,
		ParseKey:    s.ParseKey,
		Serialize:   engine.RecordFrom,
		Deserialize: func(r engine.Record, v *value.Value) error { return r.Into(v) },
	}
}

// CreateKey renders prefix/topic/field=value&field=value.
func (s *Store) CreateKey(topic string, index schema.Index) (string, error) {
	if strings.Contains(topic, "/") {
		return "", fmt.Errorf("%w: topic %q cannot contain '/'", schema.ErrInvalidIndex, topic)
	}
	return s.prefix + topic + "/" + index.Query(), nil
}

// ParseKey is the inverse of CreateKey.
func (s *Store) ParseKey(key string) (schema.Ref, error) {
	rest, ok := strings.CutPrefix(key, s.prefix)
	if !ok {
		return schema.Ref{}, fmt.Errorf("%w: object %q is outside prefix %q", schema.ErrInvalidIndex, key, s.prefix)
	}
	topic, query, ok := strings.Cut(rest, "/")
	if !ok {
		return schema.Ref{}, fmt.Errorf("%w: object %q has no index", schema.ErrInvalidIndex, key)
	}
	index, err := schema.ParseQuery(query)
	if err != nil {
		return schema.Ref{}, err
	}
	return schema.Ref{Topic: topic, Index: index}, nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) Get(ctx context.Context, key string) (engine.Record, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec, _, err := s.get(ctx, key)
	if err != nil {
		return engine.Record{}, err
	}
	if rec.Expired(s.now()) {
		return engine.Record{}, engine.ErrNotFound
	}
	return rec, nil
}

func (s *Store) get(ctx context.Context, key string) (engine.Record, string, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return engine.Record{}, "", engine.ErrNotFound
		}
		return engine.Record{}, "", engine.IOError("get", err)
	}
	defer output.Body.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, output.Body); err != nil {
		return engine.Record{}, "", engine.IOError("get", err)
	}

	rec := engine.Record{MediaType: value.MediaType(aws.ToString(output.ContentType)), Data: buf.Bytes()}
	if raw, ok := output.Metadata[metaExpires]; ok {
		if rec.Expires, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return engine.Record{}, "", engine.IOError("get", fmt.Errorf("object %q has a malformed expiry: %w", key, err))
		}
	}
	return rec, aws.ToString(output.ETag), nil
}

func (s *Store) putInput(key string, rec engine.Record) *s3.PutObjectInput {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(rec.Data),
		ContentLength: aws.Int64(int64(len(rec.Data))),
		ContentType:   aws.String(string(rec.MediaType)),
	}
	if !rec.Expires.IsZero() {
		input.Metadata = map[string]string{metaExpires: rec.Expires.UTC().Format(time.RFC3339Nano)}
		input.Expires = aws.Time(rec.Expires)
	}
	return input
}

func (s *Store) Set(ctx context.Context, key string, rec engine.Record, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec.Expires = engine.ExpiresAt(s.now(), ttl)
	if _, err := s.client.PutObject(ctx, s.putInput(key, rec)); err != nil {
		return engine.IOError("set", err)
	}
	return nil
}

// Add writes conditionally on the object being absent. An expired object is
// replaced conditionally on its ETag.
func (s *Store) Add(ctx context.Context, key string, rec engine.Record, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec.Expires = engine.ExpiresAt(s.now(), ttl)
	input := s.putInput(key, rec)
	input.IfNoneMatch = aws.String("*")
	_, err := s.client.PutObject(ctx, input)
	if err == nil {
		return nil
	}
	if !isPreconditionFailed(err) {
		return engine.IOError("add", err)
	}

	existing, etag, err := s.get(ctx, key)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return engine.ErrAlreadyExists
	case err != nil:
		return err
	case !existing.Expired(s.now()):
		return engine.ErrAlreadyExists
	}

	input = s.putInput(key, rec)
	input.IfMatch = aws.String(etag)
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return engine.ErrAlreadyExists
		}
		return engine.IOError("add", err)
	}
	return nil
}

// Touch rewrites the object with a new expiry, conditional on its ETag.
func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec, etag, err := s.get(ctx, key)
	if errors.Is(err, engine.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Expired(s.now()) {
		return nil
	}

	rec.Expires = engine.ExpiresAt(s.now(), ttl)
	input := s.putInput(key, rec)
	input.IfMatch = aws.String(etag)
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			s.logger.Debug("touch lost a race", "key", key)
			return nil
		}
		return engine.IOError("touch", err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return engine.IOError("del", err)
	}
	return nil
}

// List pages through the topic's objects. Listing does not read metadata, so
// expired objects that were never read again are included.
func (s *Store) List(ctx context.Context, topic string, _ schema.Index) ([]string, error) {
	const maxKeys = 1000

	ctx, cancel := s.bound(ctx)
	defer cancel()

	params := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.prefix + topic + "/"),
		MaxKeys: aws.Int32(maxKeys),
	}

	var keys []string
	pg := s3.NewListObjectsV2Paginator(s.client, params)
	for pg.HasMorePages() {
		page, err := pg.NextPage(ctx)
		if err != nil {
			return nil, engine.IOError("list", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var nk *types.NoSuchKey
	if errors.As(err, &nk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
