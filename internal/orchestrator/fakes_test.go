package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
	"github.com/JakeFAU/kibble-harvester/internal/dedup"
	pubmem "github.com/JakeFAU/kibble-harvester/internal/publisher/memory"
	"github.com/JakeFAU/kibble-harvester/internal/state"
	"github.com/JakeFAU/kibble-harvester/internal/storage/memory"
	"github.com/JakeFAU/kibble-harvester/internal/validate"
)

const (
	submissionsCollection = "submissions"
	stateCollection       = "crawl_state"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeClock only moves when slept or advanced.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

// catalogSource serves a fixed catalog in 1-based pages.
type catalogSource struct {
	name    crawler.SourceName
	mu      sync.Mutex
	records []crawler.CandidateProduct
	err     error
	fetches int
}

func newCatalog(name crawler.SourceName, records ...crawler.CandidateProduct) *catalogSource {
	return &catalogSource{name: name, records: records}
}

func (s *catalogSource) Name() crawler.SourceName { return s.name }

func (s *catalogSource) Fetch(_ context.Context, cur crawler.Cursor, size int) (crawler.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return crawler.Page{}, s.err
	}
	page := max(cur.Page, 1)
	start := (page - 1) * size
	if start >= len(s.records) {
		return crawler.Page{Next: cur}, nil
	}
	end := min(start+size, len(s.records))
	out := append([]crawler.CandidateProduct(nil), s.records[start:end]...)
	return crawler.Page{Records: out, Next: crawler.Cursor{Page: page + 1}}, nil
}

func (s *catalogSource) replace(records ...crawler.CandidateProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

func (s *catalogSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// recordingDocs counts writes, can charge clock time per submission and can
// fail submission creates on demand.
type recordingDocs struct {
	crawler.DocumentStore
	mu          sync.Mutex
	clock       *fakeClock
	createCost  time.Duration
	creates     map[string]int
	updates     map[string]int
	createAt    []time.Time
	failCreates int
}

func (d *recordingDocs) CreateDocument(ctx context.Context, c, id string, f crawler.Fields) (crawler.Document, error) {
	d.mu.Lock()
	if c == submissionsCollection {
		d.createAt = append(d.createAt, d.clock.Now())
		if d.failCreates > 0 {
			d.failCreates--
			d.mu.Unlock()
			return crawler.Document{}, fmt.Errorf("transient store error")
		}
		if d.createCost > 0 {
			d.clock.Advance(d.createCost)
		}
	}
	d.creates[c]++
	d.mu.Unlock()
	return d.DocumentStore.CreateDocument(ctx, c, id, f)
}

func (d *recordingDocs) UpdateDocument(ctx context.Context, c, id string, f crawler.Fields) (crawler.Document, error) {
	d.mu.Lock()
	d.updates[c]++
	d.mu.Unlock()
	return d.DocumentStore.UpdateDocument(ctx, c, id, f)
}

func (d *recordingDocs) writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.creates {
		total += n
	}
	for _, n := range d.updates {
		total += n
	}
	return total
}

func (d *recordingDocs) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creates = map[string]int{}
	d.updates = map[string]int{}
	d.createAt = nil
}

// countingState wraps the real state store.
type countingState struct {
	inner   *state.Store
	mu      sync.Mutex
	saves   int
	saveErr error
	loadErr error
}

func (s *countingState) Load(ctx context.Context) (crawler.CrawlState, error) {
	if s.loadErr != nil {
		return crawler.CrawlState{}, s.loadErr
	}
	return s.inner.Load(ctx)
}

func (s *countingState) Save(ctx context.Context, st crawler.CrawlState) error {
	s.mu.Lock()
	s.saves++
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Save(ctx, st)
}

type harness struct {
	clock   *fakeClock
	mem     *memory.DocumentStore
	docs    *recordingDocs
	state   *countingState
	pub     *pubmem.Publisher
	blobs   *memory.BlobStore
	sources map[crawler.SourceName]*catalogSource
	orch    *Orchestrator
}

func testConfig() Config {
	return Config{
		SafetyMargin:      60 * time.Second,
		PageSize:          50,
		CheckpointEvery:   10,
		RequestDelay:      time.Second,
		RetryDelay:        5 * time.Second,
		MaxSourceFailures: 3,
		Submissions:       submissionsCollection,
		NotifyTopic:       "submissions-queued",
		ArchivePrefix:     "runs",
	}
}

func newHarness(t *testing.T, cfg Config, sources ...*catalogSource) *harness {
	t.Helper()
	clock := newFakeClock()
	mem := memory.NewDocumentStore()
	docs := &recordingDocs{DocumentStore: mem, clock: clock}
	docs.reset()

	names := make([]crawler.SourceName, 0, len(sources))
	byName := make(map[crawler.SourceName]crawler.Source, len(sources))
	fakes := make(map[crawler.SourceName]*catalogSource, len(sources))
	for _, s := range sources {
		names = append(names, s.name)
		byName[s.name] = s
		fakes[s.name] = s
	}
	rotation, err := crawler.NewRotation(names)
	require.NoError(t, err)

	st := &countingState{inner: state.NewStore(docs, stateCollection, "", rotation, nil)}
	pub := pubmem.New()
	blobs := memory.NewBlobStore()
	orch, err := New(Dependencies{
		Rotation: rotation,
		Sources:  byName,
		State:    st,
		NewDedup: func() Deduplicator {
			return dedup.NewService(docs, submissionsCollection)
		},
		Validator: validate.New(),
		Documents: docs,
		Clock:     clock,
		IDs:       &seqIDs{},
		Publisher: pub,
		Archive:   blobs,
	}, cfg, nil)
	require.NoError(t, err)
	return &harness{
		clock: clock, mem: mem, docs: docs, state: st, pub: pub, blobs: blobs,
		sources: fakes, orch: orch,
	}
}

func (h *harness) loadState(t *testing.T) crawler.CrawlState {
	t.Helper()
	st, err := h.state.inner.Load(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) submissions(t *testing.T) []crawler.Document {
	t.Helper()
	docs, err := h.mem.ListDocuments(context.Background(), submissionsCollection, crawler.Query{})
	require.NoError(t, err)
	return docs
}

// ean builds a valid EAN-13 from a small integer.
func ean(i int) string {
	prefix := fmt.Sprintf("4000000%05d", i)
	return fmt.Sprintf("%s%d", prefix, validate.EAN13CheckDigit(prefix))
}

func product(externalID string) crawler.CandidateProduct {
	return crawler.CandidateProduct{
		ExternalID: externalID,
		Brand:      "Acme",
		Name:       "Beef Chunks " + externalID,
		Protein:    22,
		Fat:        10,
		CrudeFiber: 3,
		Ash:        7,
		Moisture:   10,
		SourceName: "test",
	}
}

func products(n int) []crawler.CandidateProduct {
	out := make([]crawler.CandidateProduct, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, product(ean(i)))
	}
	return out
}
