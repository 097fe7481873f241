package crawler

import (
	"time"
)

// SourceName identifies one external catalog in the rotation.
type SourceName string

// Known catalog sources, listed in default rotation order.
const (
	SourceOpenPetFoodFacts SourceName = "openpetfoodfacts"
	SourceOpenFoodFacts    SourceName = "openfoodfacts"
	SourceCatalogFeed      SourceName = "catalogfeed"
)

// DefaultRotation is the cyclic order used when configuration does not override it.
var DefaultRotation = []SourceName{
	SourceOpenPetFoodFacts,
	SourceOpenFoodFacts,
	SourceCatalogFeed,
}

// SubmissionStatus represents the moderation state of a submission.
type SubmissionStatus string

// Submission status values persisted in the submissions collection.
const (
	StatusPending  SubmissionStatus = "pending"
	StatusApproved SubmissionStatus = "approved"
	StatusRejected SubmissionStatus = "rejected"
)

// CandidateProduct is a freshly parsed, not-yet-validated product record.
// Nutrient values are percentages; missing values are coerced to zero by parsers.
type CandidateProduct struct {
	ExternalID string  `json:"externalId"`
	Brand      string  `json:"brand"`
	Name       string  `json:"name"`
	Protein    float64 `json:"protein"`
	Fat        float64 `json:"fat"`
	CrudeFiber float64 `json:"crudeFiber"`
	Ash        float64 `json:"ash"`
	Moisture   float64 `json:"moisture"`
	Additives  string  `json:"additives,omitempty"`
	ImageURL   string  `json:"imageUrl,omitempty"`
	SourceName string  `json:"sourceName"`
}

// NutrientSum returns protein+fat+fiber+ash+moisture.
func (c CandidateProduct) NutrientSum() float64 {
	return c.Protein + c.Fat + c.CrudeFiber + c.Ash + c.Moisture
}

// SubmissionRecord is persisted once per accepted candidate.
type SubmissionRecord struct {
	CandidateProduct
	Status         SubmissionStatus `json:"status"`
	SubmittedAt    time.Time        `json:"submittedAt"`
	ReviewedAt     *time.Time       `json:"reviewedAt"`
	CrawlSessionID string           `json:"crawlSessionId"`
	Source         SourceName       `json:"source"`
}

// Cursor is an opaque position within one source's catalog.
type Cursor struct {
	Page    int    `json:"page,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	LastKey string `json:"lastKey,omitempty"`
}

// IsZero reports whether the cursor has never advanced.
func (c Cursor) IsZero() bool {
	return c == Cursor{}
}

// SourceStats counts outcomes for one source over the pipeline's lifetime.
type SourceStats struct {
	Pages       int64 `json:"pages"`
	Fetched     int64 `json:"fetched"`
	Processed   int64 `json:"processed"`
	Duplicates  int64 `json:"duplicates"`
	Errors      int64 `json:"errors"`
	FetchErrors int64 `json:"fetchErrors"`
}

// OutcomeStats counts per-record outcomes over the pipeline's lifetime.
type OutcomeStats struct {
	Processed     int64 `json:"processed"`
	Duplicates    int64 `json:"duplicates"`
	Invalid       int64 `json:"invalid"`
	PersistFailed int64 `json:"persistFailed"`
	Skipped       int64 `json:"skipped"`
}

// Statistics is serialized into the crawl-state document as an opaque blob.
type Statistics struct {
	Sources  map[SourceName]SourceStats `json:"sources"`
	Outcomes OutcomeStats               `json:"outcomes"`
	Runs     int64                      `json:"runs"`
}

// Source returns the stats recorded for name.
func (s *Statistics) Source(name SourceName) SourceStats {
	if s.Sources == nil {
		return SourceStats{}
	}
	return s.Sources[name]
}

// SetSource stores stats for name.
func (s *Statistics) SetSource(name SourceName, stats SourceStats) {
	if s.Sources == nil {
		s.Sources = make(map[SourceName]SourceStats)
	}
	s.Sources[name] = stats
}

// CrawlState is the single persisted cursor document for one pipeline.
type CrawlState struct {
	ID                 string                `json:"id"`
	ActiveSource       SourceName            `json:"activeSource"`
	SourceCursor       map[SourceName]Cursor `json:"sourceCursor"`
	LastSeenExternalID string                `json:"lastSeenExternalId"`
	TotalProcessed     int64                 `json:"totalProcessed"`
	LastRunAt          *time.Time            `json:"lastRunAt"`
	LastError          string                `json:"lastError"`
	LastErrorAt        *time.Time            `json:"lastErrorAt"`
	Statistics         Statistics            `json:"statistics"`
}

// CursorFor returns the cursor recorded for name (zero when absent).
func (s *CrawlState) CursorFor(name SourceName) Cursor {
	if s.SourceCursor == nil {
		return Cursor{}
	}
	return s.SourceCursor[name]
}

// SetCursor records the cursor for name.
func (s *CrawlState) SetCursor(name SourceName, cur Cursor) {
	if s.SourceCursor == nil {
		s.SourceCursor = make(map[SourceName]Cursor)
	}
	s.SourceCursor[name] = cur
}

// Clone returns a deep copy so callers can compare before/after snapshots.
func (s CrawlState) Clone() CrawlState {
	out := s
	if s.SourceCursor != nil {
		out.SourceCursor = make(map[SourceName]Cursor, len(s.SourceCursor))
		for k, v := range s.SourceCursor {
			out.SourceCursor[k] = v
		}
	}
	if s.Statistics.Sources != nil {
		out.Statistics.Sources = make(map[SourceName]SourceStats, len(s.Statistics.Sources))
		for k, v := range s.Statistics.Sources {
			out.Statistics.Sources[k] = v
		}
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		out.LastRunAt = &t
	}
	if s.LastErrorAt != nil {
		t := *s.LastErrorAt
		out.LastErrorAt = &t
	}
	return out
}

// StopReason explains why a run ended.
type StopReason string

// Run exit reasons reported in RunSummary.
const (
	StopTimeBudget       StopReason = "time_budget"
	StopProductCap       StopReason = "product_cap"
	StopSourcesExhausted StopReason = "sources_exhausted"
	StopCanceled         StopReason = "context_canceled"
	StopStateError       StopReason = "state_error"
)

// RunSummary is the structured result of one invocation.
type RunSummary struct {
	Success      bool       `json:"success"`
	SessionID    string     `json:"sessionId"`
	DurationMs   int64      `json:"durationMs"`
	Processed    int        `json:"processed"`
	Duplicates   int        `json:"duplicates"`
	Errors       int        `json:"errors"`
	Skipped      int        `json:"skipped"`
	Message      string     `json:"message"`
	StopReason   StopReason `json:"stopReason"`
	ActiveSource SourceName `json:"activeSource"`
	StartedAt    time.Time  `json:"startedAt"`
}

// Page is one fetched slice of a source's catalog.
type Page struct {
	Records []CandidateProduct
	Next    Cursor
}
