// Package postgres provides a Postgres-backed DocumentStore. Documents live in
// one table keyed by (collection, id) with their attributes in a JSONB column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

var (
	json           = jsoniter.ConfigCompatibleWithStandardLibrary
	validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	validFieldName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const (
	defaultTable       = "documents"
	uniqueViolation    = "23505"
	schemaTemplate     = `
CREATE TABLE IF NOT EXISTS %[1]s (
	collection text NOT NULL,
	id text NOT NULL,
	fields jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS %[1]s_external_id_idx ON %[1]s (collection, (fields->>'externalId'));
CREATE INDEX IF NOT EXISTS %[1]s_brand_idx ON %[1]s (collection, (fields->>'brand'));`
)

// Config controls the Postgres connection pool used for documents.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// DocumentStore implements crawler.DocumentStore on Postgres.
type DocumentStore struct {
	pool  pgxPool
	table string
	now   func() time.Time
}

// NewDocumentStore creates a Postgres-backed DocumentStore using the provided config.
func NewDocumentStore(ctx context.Context, cfg Config) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewDocumentStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDocumentStoreWithPool(pool pgxPool, table string) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DocumentStore{
		pool:  pool,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the documents table and its lookup indexes.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schemaTemplate, s.table)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping checks that the database answers a trivial query.
func (s *DocumentStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// CreateDocument inserts a new document. A reused id yields ErrConflict.
func (s *DocumentStore) CreateDocument(
	ctx context.Context,
	collection, id string,
	fields crawler.Fields,
) (crawler.Document, error) {
	if id == "" {
		return crawler.Document{}, fmt.Errorf("document id is required")
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("marshal fields: %w", err)
	}
	now := s.now()
	query := fmt.Sprintf(`
INSERT INTO %s (collection, id, fields, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query, collection, id, payload, now, now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return crawler.Document{}, fmt.Errorf("%s/%s: %w", collection, id, crawler.ErrConflict)
		}
		return crawler.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return crawler.Document{ID: id, Fields: fields.Clone(), CreatedAt: now, UpdatedAt: now}, nil
}

// UpdateDocument merges fields into the stored JSONB object.
func (s *DocumentStore) UpdateDocument(
	ctx context.Context,
	collection, id string,
	fields crawler.Fields,
) (crawler.Document, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("marshal fields: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET fields = fields || $3::jsonb, updated_at = $4
WHERE collection = $1 AND id = $2
RETURNING fields, created_at, updated_at`, s.table)
	var (
		raw     []byte
		created time.Time
		updated time.Time
	)
	err = s.pool.QueryRow(ctx, query, collection, id, payload, s.now()).Scan(&raw, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Document{}, fmt.Errorf("%s/%s: %w", collection, id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("update document: %w", err)
	}
	return decodeDocument(id, raw, created, updated)
}

// GetDocument fetches one document by id.
func (s *DocumentStore) GetDocument(ctx context.Context, collection, id string) (crawler.Document, error) {
	query := fmt.Sprintf(`
SELECT fields, created_at, updated_at FROM %s
WHERE collection = $1 AND id = $2`, s.table)
	var (
		raw     []byte
		created time.Time
		updated time.Time
	)
	err := s.pool.QueryRow(ctx, query, collection, id).Scan(&raw, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Document{}, fmt.Errorf("%s/%s: %w", collection, id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("get document: %w", err)
	}
	return decodeDocument(id, raw, created, updated)
}

// ListDocuments translates the query's filters into JSONB text comparisons.
func (s *DocumentStore) ListDocuments(
	ctx context.Context,
	collection string,
	q crawler.Query,
) ([]crawler.Document, error) {
	query, args, err := s.buildList(collection, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.Document, 0)
	for rows.Next() {
		var (
			id      string
			raw     []byte
			created time.Time
			updated time.Time
		)
		if err := rows.Scan(&id, &raw, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeDocument(id, raw, created, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *DocumentStore) buildList(collection string, q crawler.Query) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, fields, created_at, updated_at FROM %s WHERE collection = $1", s.table)
	args := []any{collection}
	for _, f := range q.Filters {
		if !validFieldName.MatchString(f.Field) {
			return "", nil, fmt.Errorf("invalid filter field %q", f.Field)
		}
		switch f.Op {
		case crawler.FilterEqual:
			if len(f.Values) != 1 {
				return "", nil, fmt.Errorf("equality filter on %q needs one value", f.Field)
			}
			args = append(args, textValue(f.Values[0]))
			fmt.Fprintf(&b, " AND fields->>'%s' = $%d", f.Field, len(args))
		case crawler.FilterIn:
			values := make([]string, 0, len(f.Values))
			for _, v := range f.Values {
				values = append(values, textValue(v))
			}
			args = append(args, values)
			fmt.Fprintf(&b, " AND fields->>'%s' = ANY($%d)", f.Field, len(args))
		default:
			return "", nil, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	if q.OrderByDesc != "" {
		if !validFieldName.MatchString(q.OrderByDesc) {
			return "", nil, fmt.Errorf("invalid order field %q", q.OrderByDesc)
		}
		fmt.Fprintf(&b, " ORDER BY fields->>'%s' DESC", q.OrderByDesc)
	} else {
		b.WriteString(" ORDER BY created_at, id")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

// textValue renders a filter value the way ->> renders JSON scalars.
func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func decodeDocument(id string, raw []byte, created, updated time.Time) (crawler.Document, error) {
	fields := crawler.Fields{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return crawler.Document{}, fmt.Errorf("decode document %s: %w", id, err)
		}
	}
	return crawler.Document{ID: id, Fields: fields, CreatedAt: created, UpdatedAt: updated}, nil
}
