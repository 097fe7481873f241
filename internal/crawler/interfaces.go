package crawler

import (
	"context"
	"io"
	"net/url"
	"time"
)

// Fields is the attribute map of one stored document.
type Fields map[string]any

// Document is a stored record keyed by collection and ID.
type Document struct {
	ID        string
	Fields    Fields
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FilterOp selects how a Filter matches a field.
type FilterOp string

// Supported filter operators.
const (
	FilterEqual FilterOp = "eq"
	FilterIn    FilterOp = "in"
)

// Filter restricts ListDocuments results on one field.
type Filter struct {
	Field  string
	Op     FilterOp
	Values []any
}

// Equal builds an equality filter.
func Equal(field string, value any) Filter {
	return Filter{Field: field, Op: FilterEqual, Values: []any{value}}
}

// In builds a "value in list" filter.
func In[T any](field string, values []T) Filter {
	vals := make([]any, 0, len(values))
	for _, v := range values {
		vals = append(vals, v)
	}
	return Filter{Field: field, Op: FilterIn, Values: vals}
}

// Query describes a ListDocuments request.
type Query struct {
	Filters     []Filter
	OrderByDesc string
	Limit       int
}

// DocumentStore is the persistence collaborator for submissions and crawl state.
type DocumentStore interface {
	CreateDocument(ctx context.Context, collection, id string, fields Fields) (Document, error)
	UpdateDocument(ctx context.Context, collection, id string, fields Fields) (Document, error)
	// GetDocument returns ErrNotFound when the document does not exist.
	GetDocument(ctx context.Context, collection, id string) (Document, error)
	ListDocuments(ctx context.Context, collection string, query Query) ([]Document, error)
}

// CatalogClient performs GET requests against remote catalogs.
// Failures are reported as *FetchError.
type CatalogClient interface {
	Get(ctx context.Context, rawURL string, params url.Values) ([]byte, error)
}

// Source fetches and normalizes one page of an external catalog.
// Implementations are stateless; all progress lives in the cursor.
type Source interface {
	Name() SourceName
	Fetch(ctx context.Context, cursor Cursor, pageSize int) (Page, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time and blocks for rate-limit pauses.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration)
}

// IDGenerator produces session and document IDs.
type IDGenerator interface {
	NewID() (string, error)
}
