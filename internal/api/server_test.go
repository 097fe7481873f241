package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/kibble-harvester/internal/config"
	"github.com/JakeFAU/kibble-harvester/internal/crawler"
	"github.com/JakeFAU/kibble-harvester/internal/dedup"
)

func TestServer_StartRun_UsesDefaults(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: crawler.RunSummary{Success: true, SessionID: "s-1", Processed: 3}}
	server := newTestServer(runner, &fakeStates{}, &fakeDups{})

	rec := serve(server, http.MethodPost, "/v1/runs", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"sessionId":"s-1"`)
	require.Equal(t, 55*time.Minute, runner.budget)
	require.Equal(t, 500, runner.maxProducts)
}

func TestServer_StartRun_Overrides(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: crawler.RunSummary{Success: true}}
	server := newTestServer(runner, &fakeStates{}, &fakeDups{})

	rec := serve(server, http.MethodPost, "/v1/runs", `{"budget_seconds":120,"max_products":5}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2*time.Minute, runner.budget)
	require.Equal(t, 5, runner.maxProducts)
}

func TestServer_StartRun_FailedSummaryIs500(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: crawler.RunSummary{Success: false, Message: "state error"}}
	rec := serve(newTestServer(runner, &fakeStates{}, &fakeDups{}), http.MethodPost, "/v1/runs", "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "state error")
}

func TestServer_StartRun_Conflict(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{busy: true}
	rec := serve(newTestServer(runner, &fakeStates{}, &fakeDups{}), http.MethodPost, "/v1/runs", "")

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_StartRun_BadInput(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := newTestServer(runner, &fakeStates{}, &fakeDups{})
	for _, body := range []string{
		"{invalid",
		`{"budget_seconds":-1}`,
		`{"budget_seconds":86401}`,
		`{"budget_seconds":9300000000}`,
		`{"max_products":-3}`,
		`{"max_products":0}`,
	} {
		rec := serve(server, http.MethodPost, "/v1/runs", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	require.Zero(t, runner.calls)
}

func TestServer_GetState(t *testing.T) {
	t.Parallel()

	states := &fakeStates{state: crawler.CrawlState{
		ID:             "dog_food_crawler",
		ActiveSource:   crawler.SourceOpenFoodFacts,
		TotalProcessed: 42,
	}}
	rec := serve(newTestServer(&fakeRunner{}, states, &fakeDups{}), http.MethodGet, "/v1/state", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"activeSource":"openfoodfacts"`)
	require.Contains(t, rec.Body.String(), `"totalProcessed":42`)

	states.err = errors.New("store down")
	rec = serve(newTestServer(&fakeRunner{}, states, &fakeDups{}), http.MethodGet, "/v1/state", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ResetState(t *testing.T) {
	t.Parallel()

	states := &fakeStates{state: crawler.CrawlState{ID: "dog_food_crawler"}}
	server := newTestServer(&fakeRunner{}, states, &fakeDups{})

	rec := serve(server, http.MethodPost, "/v1/state/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, states.resets)

	busy := newTestServer(&fakeRunner{busy: true}, states, &fakeDups{})
	rec = serve(busy, http.MethodPost, "/v1/state/reset", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, 1, states.resets)
}

func TestServer_FindSimilar(t *testing.T) {
	t.Parallel()

	dups := &fakeDups{similar: []dedup.SimilarProduct{{SubmissionID: "sub-1", Name: "Adult Lamb", Score: 0.9}}}
	server := newTestServer(&fakeRunner{}, &fakeStates{}, dups)

	rec := serve(server, http.MethodGet, "/v1/similar?name=Adult+Lamb+Formula&brand=Acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "sub-1")
	require.Equal(t, "Acme", dups.brand)

	rec = serve(server, http.MethodGet, "/v1/similar?name=x", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CheckDuplicates(t *testing.T) {
	t.Parallel()

	dups := &fakeDups{batch: map[string]bool{"4006158026240": true, "5000000000000": false}}
	server := newTestServer(&fakeRunner{}, &fakeStates{}, dups)

	rec := serve(server, http.MethodPost, "/v1/duplicates", `{"external_ids":["4006158026240","5000000000000"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"duplicates":{"4006158026240":true,"5000000000000":false}}`, rec.Body.String())

	rec = serve(server, http.MethodPost, "/v1/duplicates", `{"external_ids":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	dups.err = errors.New("boom")
	rec = serve(server, http.MethodPost, "/v1/duplicates", `{"external_ids":["1"]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRunner{}, &fakeStates{}, &fakeDups{}, Options{
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/state", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRunner{}, &fakeStates{}, &fakeDups{}, Options{
		Ready: func(context.Context) error { return errors.New("db down") },
	}, zap.NewNop())
	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodGet, "/readyz", "").Code)

	ok := newTestServer(&fakeRunner{}, &fakeStates{}, &fakeDups{})
	require.Equal(t, http.StatusOK, serve(ok, http.MethodGet, "/readyz", "").Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(&fakeRunner{}, &fakeStates{}, &fakeDups{}), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, &fakeStates{}, &fakeDups{})
	rec := serve(server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestServer(runner Runner, states StateManager, dups DuplicateFinder) *Server {
	return NewServer(runner, states, dups, Options{
		Budget:      55 * time.Minute,
		MaxProducts: 500,
	}, zap.NewNop())
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeRunner struct {
	mu          sync.Mutex
	busy        bool
	summary     crawler.RunSummary
	budget      time.Duration
	maxProducts int
	calls       int
}

func (f *fakeRunner) TryRun(_ context.Context, budget time.Duration, maxProducts int) (crawler.RunSummary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return crawler.RunSummary{}, false
	}
	f.calls++
	f.budget = budget
	f.maxProducts = maxProducts
	return f.summary, true
}

func (f *fakeRunner) TryExclusive(fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false
	}
	fn()
	return true
}

type fakeStates struct {
	mu     sync.Mutex
	state  crawler.CrawlState
	err    error
	resets int
}

func (f *fakeStates) Load(context.Context) (crawler.CrawlState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}

func (f *fakeStates) Reset(context.Context) (crawler.CrawlState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return crawler.CrawlState{}, f.err
	}
	f.resets++
	return f.state, nil
}

type fakeDups struct {
	similar []dedup.SimilarProduct
	batch   map[string]bool
	err     error
	brand   string
}

func (f *fakeDups) FindSimilarProducts(_ context.Context, _ string, brand string) ([]dedup.SimilarProduct, error) {
	f.brand = brand
	return f.similar, f.err
}

func (f *fakeDups) BatchCheckDuplicates(context.Context, []string) (map[string]bool, error) {
	return f.batch, f.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
