// Package postgres implements a relational vault on lib/pq. Each topic maps
// to a table whose primary key columns are the topic's index fields.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lib/pq"

	"github.com/celerix-dev/archivist/internal/vault"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// Column is one primary key column and its value.
type Column struct {
	Name  string
	Value string
}

// Key addresses a row: the table plus its primary key columns, sorted by name.
type Key struct {
	Topic   string
	Table   string
	Columns []Column
}

// Options configures a postgres vault.
type Options struct {
	ConnStr            string            `mapstructure:"connStr"`
	Schema             string            `mapstructure:"schema"`
	Tables             map[string]string `mapstructure:"tables"`
	SkipSchemaCreation bool              `mapstructure:"skipSchemaCreation"`
	SkipTableCreation  bool              `mapstructure:"skipTableCreation"`
	Timeout            time.Duration     `mapstructure:"timeout"`
	MaxOpenConns       int               `mapstructure:"maxOpenConns"`
}

// Store is a postgres vault. The connection pool is shared by every
// coordinator of the process.
type Store struct {
	name   string
	db     *sql.DB
	opts   Options
	logger hclog.Logger

	mu      sync.Mutex
	created map[string]bool
	owners  map[string]string // table -> topic
}

var tableName = regexp.MustCompile(`[^a-z0-9_]+`)

// New opens the connection pool and prepares the schema.
func New(name string, options map[string]any, logger hclog.Logger) (*Store, error) {
	opts := Options{Schema: "archivist", Timeout: 10 * time.Second}
	if err := vault.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.ConnStr == "" {
		return nil, fmt.Errorf("%w: postgres vault %q needs a connStr", engine.ErrConfig, name)
	}
	db, err := sql.Open("postgres", opts.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres vault %q: %v", engine.ErrConfig, name, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	return open(name, db, opts, logger)
}

func open(name string, db *sql.DB, opts Options, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Store{name: name, db: db, opts: opts, logger: logger, created: make(map[string]bool)}

	if !opts.SkipSchemaCreation {
		ctx, cancel := s.bound(context.Background())
		defer cancel()

		// CREATE SCHEMA IF NOT EXISTS needs a privilege the role may lack,
		// so look first.
		var count int
		query := `select count(1) from information_schema.schemata where schema_name = $1`
		if err := db.QueryRowContext(ctx, query, opts.Schema).Scan(&count); err != nil {
			return nil, engine.IOError("schema lookup", err)
		}
		if count < 1 {
			query = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(opts.Schema))
			if _, err := db.ExecContext(ctx, query); err != nil {
				return nil, engine.IOError("create schema", err)
			}
		}
	}
	return s, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		Get: true, Set: true, Add: true, Touch: true, Del: true,
		List: true, ApplyDiff: true,
	}
}

func (s *Store) DefaultHandler() engine.Handler[Key, engine.Record] {
	return engine.Handler[Key, engine.Record]{
		CreateKey:   s.createKey,
		ParseKey:    parseKey,
		Serialize:   engine.RecordFrom,
		Deserialize: func(r engine.Record, v *value.Value) error { return r.Into(v) },
	}
}

// TableFor returns the table that stores topic.
func (s *Store) TableFor(topic string) string {
	if t, ok := s.opts.Tables[topic]; ok {
		return t
	}
	return strings.Trim(tableName.ReplaceAllString(strings.ToLower(topic), "_"), "_")
}

func (s *Store) createKey(topic string, index schema.Index) (Key, error) {
	if len(index) == 0 {
		return Key{}, fmt.Errorf("%w: postgres rows need at least one key column", schema.ErrInvalidIndex)
	}
	table := s.TableFor(topic)
	if table == "" {
		return Key{}, fmt.Errorf("%w: topic %q has no usable table name, map it in the tables option", engine.ErrConfig, topic)
	}
	if err := s.claim(table, topic); err != nil {
		return Key{}, err
	}
	key := Key{Topic: topic, Table: table}
	for _, f := range index.Canonical() {
		key.Columns = append(key.Columns, Column{Name: f.Name, Value: f.Value})
	}
	return key, nil
}

// claim binds table to topic. Two topics whose names normalize to the same
// table would share rows, so the second one is rejected.
func (s *Store) claim(table, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners == nil {
		s.owners = make(map[string]string)
	}
	owner, ok := s.owners[table]
	if !ok {
		s.owners[table] = topic
		return nil
	}
	if owner != topic {
		return fmt.Errorf("%w: topics %q and %q both map to table %q, map one of them in the tables option", engine.ErrConfig, owner, topic, table)
	}
	return nil
}

func parseKey(key Key) (schema.Ref, error) {
	index := make(schema.Index, len(key.Columns))
	for _, c := range key.Columns {
		index[c.Name] = c.Value
	}
	return schema.Ref{Topic: key.Topic, Index: index}, nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

func (s *Store) Get(ctx context.Context, key Key) (engine.Record, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query, args := selectQuery(s.opts.Schema, key, false)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
		return engine.Record{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Record{}, engine.IOError("get", err)
	}
	return rec, nil
}

func (s *Store) Set(ctx context.Context, key Key, rec engine.Record, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.ensureTable(ctx, key); err != nil {
		return err
	}

	query, args := upsertQuery(s.opts.Schema, key, rec, expiry(ttl))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return engine.IOError("set", err)
	}
	return nil
}

// Add clears an expired row and inserts in one transaction. A unique
// violation means a live row exists.
func (s *Store) Add(ctx context.Context, key Key, rec engine.Record, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.ensureTable(ctx, key); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.IOError("add", err)
	}
	defer tx.Rollback()

	query, args := deleteQuery(s.opts.Schema, key, true)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return engine.IOError("add", err)
	}
	query, args = insertQuery(s.opts.Schema, key, rec, expiry(ttl))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return engine.ErrAlreadyExists
		}
		return engine.IOError("add", err)
	}
	if err := tx.Commit(); err != nil {
		return engine.IOError("add", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, key Key, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query, args := touchQuery(s.opts.Schema, key, expiry(ttl))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil && !isUndefinedTable(err) {
		return engine.IOError("touch", err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, key Key) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query, args := deleteQuery(s.opts.Schema, key, false)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil && !isUndefinedTable(err) {
		return engine.IOError("del", err)
	}
	return nil
}

// List selects the key columns of every live row matching partial. The
// column set comes from the table itself so callers need not know it.
func (s *Store) List(ctx context.Context, topic string, partial schema.Index) ([]Key, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	table := s.TableFor(topic)
	columns, err := s.keyColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, nil
	}
	for name := range partial {
		if !contains(columns, name) {
			return nil, fmt.Errorf("%w: table %q has no column %q", schema.ErrInvalidIndex, table, name)
		}
	}

	query, args := listQuery(s.opts.Schema, table, columns, partial)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.IOError("list", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		vals := make([]string, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, engine.IOError("list", err)
		}
		key := Key{Topic: topic, Table: table}
		for i, name := range columns {
			key.Columns = append(key.Columns, Column{Name: name, Value: vals[i]})
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.IOError("list", err)
	}
	return keys, nil
}

// ApplyDiff locks the row, patches it and writes it back.
func (s *Store) ApplyDiff(ctx context.Context, key Key, ops []value.DiffOp, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.IOError("applyDiff", err)
	}
	defer tx.Rollback()

	query, args := selectQuery(s.opts.Schema, key, true)
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
		return engine.ErrNotFound
	}
	if err != nil {
		return engine.IOError("applyDiff", err)
	}

	patched, err := value.Patch(rec.MediaType, rec.Data, value.EncodingBuffer, ops)
	if err != nil {
		return err
	}
	buf, err := value.Convert(rec.MediaType, patched, value.EncodingLive, value.EncodingBuffer)
	if err != nil {
		return err
	}
	rec.Data = buf.([]byte)

	expires := sql.NullTime{Time: rec.Expires, Valid: !rec.Expires.IsZero()}
	if ttl > 0 {
		expires = expiry(ttl)
	}
	query, args = upsertQuery(s.opts.Schema, key, rec, expires)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return engine.IOError("applyDiff", err)
	}
	if err := tx.Commit(); err != nil {
		return engine.IOError("applyDiff", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func (s *Store) ensureTable(ctx context.Context, key Key) error {
	if s.opts.SkipTableCreation {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[key.Table] {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableQuery(s.opts.Schema, key)); err != nil {
		return engine.IOError("create table", err)
	}
	s.created[key.Table] = true
	s.logger.Debug("table ready", "table", key.Table)
	return nil
}

func (s *Store) keyColumns(ctx context.Context, table string) ([]string, error) {
	const query = `SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = to_regclass($1) AND i.indisprimary
		ORDER BY a.attname`
	rows, err := s.db.QueryContext(ctx, query, qualified(s.opts.Schema, table))
	if err != nil {
		return nil, engine.IOError("list", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, engine.IOError("list", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

func scanRecord(row *sql.Row) (engine.Record, error) {
	var (
		rec     engine.Record
		mt      string
		expires sql.NullTime
	)
	if err := row.Scan(&mt, &rec.Data, &expires); err != nil {
		return engine.Record{}, err
	}
	rec.MediaType = value.MediaType(mt)
	if expires.Valid {
		rec.Expires = expires.Time
	}
	return rec, nil
}

func expiry(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
