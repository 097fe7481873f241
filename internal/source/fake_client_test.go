package source

import (
	"context"
	"net/url"
	"sync"
)

type call struct {
	URL    string
	Params url.Values
}

// fakeClient returns canned bodies in order and records every request.
type fakeClient struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
	calls  []call
}

func (f *fakeClient) Get(_ context.Context, rawURL string, params url.Values) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{URL: rawURL, Params: params})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.bodies) == 0 {
		return []byte(`{}`), nil
	}
	body := f.bodies[0]
	f.bodies = f.bodies[1:]
	return body, nil
}
