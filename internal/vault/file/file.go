// Package file implements a flat-file vault: one JSON document per record,
// named after the url-escaped key "topic?field=value&field=value".
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/celerix-dev/archivist/internal/vault"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

const ext = ".json"

// Options configures a file vault.
type Options struct {
	Dir string `mapstructure:"dir"`
	// SealKey is an optional hex AES key; when set, files are sealed at rest.
	SealKey string `mapstructure:"sealKey"`
}

// Store keeps records as files in a directory.
type Store struct {
	name    string
	dir     string
	fs      afero.Fs
	sealKey []byte
	logger  hclog.Logger
	now     func() time.Time

	mu sync.Mutex // Protects concurrent writes to the filesystem
}

// New builds a file vault on the operating system's filesystem.
func New(name string, options map[string]any, logger hclog.Logger) (*Store, error) {
	return NewWithFs(name, afero.NewOsFs(), options, logger)
}

// NewWithFs builds a file vault on fsys.
func NewWithFs(name string, fsys afero.Fs, options map[string]any, logger hclog.Logger) (*Store, error) {
	var opts Options
	if err := vault.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: file vault %q needs a dir", engine.ErrConfig, name)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Store{name: name, dir: opts.Dir, fs: fsys, logger: logger, now: time.Now}
	if opts.SealKey != "" {
		key, err := vault.ParseKey(opts.SealKey)
		if err != nil {
			return nil, fmt.Errorf("%w: file vault %q: %v", engine.ErrConfig, name, err)
		}
		s.sealKey = key
	}

	// Ensure the data directory exists
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return nil, engine.IOError("mkdir", err)
	}
	return s, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Capabilities() engine.Capabilities {
	return engine.Capabilities{Get: true, Set: true, Add: true, Touch: true, Del: true, List: true}
}

func (s *Store) DefaultHandler() engine.Handler[string, engine.Record] {
	return engine.Handler[string, engine.Record]{
		CreateKey:   CreateKey,
		ParseKey:    ParseKey,
		Serialize:   engine.RecordFrom,
		Deserialize: func(r engine.Record, v *value.Value) error { return r.Into(v) },
	}
}

// CreateKey renders topic?field=value with fields sorted by name.
func CreateKey(topic string, index schema.Index) (string, error) {
	if strings.ContainsAny(topic, "?/") {
		return "", fmt.Errorf("%w: topic %q cannot be used as a file name", schema.ErrInvalidIndex, topic)
	}
	return schema.Ref{Topic: topic, Index: index}.String(), nil
}

// ParseKey is the inverse of CreateKey.
func ParseKey(key string) (schema.Ref, error) {
	topic, query, ok := strings.Cut(key, "?")
	if !ok {
		return schema.Ref{}, fmt.Errorf("%w: key %q has no index", schema.ErrInvalidIndex, key)
	}
	index, err := schema.ParseQuery(query)
	if err != nil {
		return schema.Ref{}, err
	}
	return schema.Ref{Topic: topic, Index: index}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+ext)
}

func (s *Store) Get(_ context.Context, key string) (engine.Record, error) {
	rec, err := s.read(key)
	if err != nil {
		return engine.Record{}, err
	}
	if rec.Expired(s.now()) {
		return engine.Record{}, engine.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Set(_ context.Context, key string, rec engine.Record, ttl time.Duration) error {
	rec.Expires = engine.ExpiresAt(s.now(), ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, rec)
}

func (s *Store) Add(_ context.Context, key string, rec engine.Record, ttl time.Duration) error {
	rec.Expires = engine.ExpiresAt(s.now(), ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.read(key)
	switch {
	case err == nil && !existing.Expired(s.now()):
		return engine.ErrAlreadyExists
	case err != nil && !errors.Is(err, engine.ErrNotFound):
		return err
	}
	return s.write(key, rec)
}

func (s *Store) Touch(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(key)
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
	return s.write(key, rec)
}

func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return engine.IOError("remove", err)
	}
	return nil
}

// List scans the directory for the topic's files.
func (s *Store) List(_ context.Context, topic string, _ schema.Index) ([]string, error) {
	files, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, engine.IOError("readdir", err)
	}

	now := s.now()
	var keys []string
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != ext {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ext))
		if err != nil {
			s.logger.Warn("skipping file with unreadable name", "file", name, "error", err)
			continue
		}
		if !strings.HasPrefix(key, topic+"?") {
			continue
		}
		rec, err := s.read(key)
		if err != nil {
			s.logger.Warn("skipping unreadable record", "file", name, "error", err)
			continue
		}
		if rec.Expired(now) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Store) read(key string) (engine.Record, error) {
	content, err := afero.ReadFile(s.fs, s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return engine.Record{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Record{}, engine.IOError("read", err)
	}
	if s.sealKey != nil {
		if content, err = vault.Open(content, s.sealKey); err != nil {
			return engine.Record{}, engine.IOError("open", err)
		}
	}

	var rec engine.Record
	if err := json.Unmarshal(content, &rec); err != nil {
		return engine.Record{}, engine.IOError("decode", err)
	}
	return rec, nil
}

// write MUST be called while holding s.mu.
func (s *Store) write(key string, rec engine.Record) error {
	filePath := s.path(key)
	tempPath := filePath + ".tmp"

	content, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if s.sealKey != nil {
		if content, err = vault.Seal(content, s.sealKey); err != nil {
			return err
		}
	}

	// Write to a temporary file first, then swap it in so readers see
	// either the old record or the new one, never a torn write.
	if err := afero.WriteFile(s.fs, tempPath, content, 0o644); err != nil {
		return engine.IOError("write", err)
	}
	if err := s.fs.Rename(tempPath, filePath); err != nil {
		return engine.IOError("rename", err)
	}
	return nil
}
