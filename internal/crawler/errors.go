package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict signals that a document with the same ID already exists.
	ErrConflict = errors.New("document already exists")
)

// FetchErrorKind separates transport failures from HTTP status failures.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchErrorNetwork FetchErrorKind = "network"
	FetchErrorStatus  FetchErrorKind = "status"
)

// FetchError is returned by CatalogClient implementations.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchErrorStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsStatusError reports whether err is an HTTP status failure.
func IsStatusError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchErrorStatus
}

// IsNetworkError reports whether err is a transport or timeout failure.
func IsNetworkError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchErrorNetwork
}
