// Package dedup decides whether a candidate barcode is already queued for
// moderation. Lookups hit a run-scoped session cache first and fall back to
// the submissions collection, which is always the source of truth.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

const (
	// DefaultSimilarityThreshold is the minimum Dice score for a near-duplicate.
	DefaultSimilarityThreshold = 0.8
	// similarScanLimit bounds how many same-brand submissions are compared.
	similarScanLimit = 100
	// batchChunkSize bounds the number of values in one "in" filter.
	batchChunkSize = 30

	brandMemoTTL     = 5 * time.Minute
	brandMemoCleanup = 10 * time.Minute
)

// SimilarProduct is one advisory near-duplicate match.
type SimilarProduct struct {
	SubmissionID string                   `json:"submissionId"`
	ExternalID   string                   `json:"externalId"`
	Brand        string                   `json:"brand"`
	Name         string                   `json:"name"`
	Status       crawler.SubmissionStatus `json:"status"`
	Score        float64                  `json:"score"`
}

// Option customizes a Service.
type Option func(*Service)

// WithCacheSize sets the session cache capacity.
func WithCacheSize(n int) Option {
	return func(s *Service) {
		s.cache = NewSessionCache(n)
	}
}

// WithSimilarityThreshold sets the minimum score reported by FindSimilarProducts.
func WithSimilarityThreshold(th float64) Option {
	return func(s *Service) {
		if th > 0 && th <= 1 {
			s.threshold = th
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service implements the two-tier duplicate check.
type Service struct {
	store      crawler.DocumentStore
	collection string
	cache      *SessionCache
	brands     *gocache.Cache
	threshold  float64
	logger     *zap.Logger
}

// NewService wires a Service over the submissions collection of store.
func NewService(store crawler.DocumentStore, collection string, opts ...Option) *Service {
	s := &Service{
		store:      store,
		collection: collection,
		cache:      NewSessionCache(DefaultCacheSize),
		brands:     gocache.New(brandMemoTTL, brandMemoCleanup),
		threshold:  DefaultSimilarityThreshold,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("dedup")
	return s
}

// IsDuplicate reports whether externalID is already queued. Store hits are
// back-filled into the session cache.
func (s *Service) IsDuplicate(ctx context.Context, externalID string) (bool, error) {
	if s.cache.Contains(externalID) {
		return true, nil
	}
	docs, err := s.store.ListDocuments(ctx, s.collection, crawler.Query{
		Filters: []crawler.Filter{crawler.Equal("externalId", externalID)},
		Limit:   1,
	})
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", externalID, err)
	}
	if len(docs) == 0 {
		return false, nil
	}
	s.cache.Add(externalID)
	return true, nil
}

// AddToCache records externalID as queued for the rest of the session.
func (s *Service) AddToCache(externalID string) {
	s.cache.Add(externalID)
}

// CacheLen returns the number of ids in the session cache.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

// BatchCheckDuplicates resolves many ids at once, querying the store only for
// session-cache misses.
func (s *Service) BatchCheckDuplicates(ctx context.Context, externalIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(externalIDs))
	misses := make([]string, 0, len(externalIDs))
	for _, id := range externalIDs {
		if _, seen := result[id]; seen {
			continue
		}
		if s.cache.Contains(id) {
			result[id] = true
			continue
		}
		result[id] = false
		misses = append(misses, id)
	}

	for start := 0; start < len(misses); start += batchChunkSize {
		end := min(start+batchChunkSize, len(misses))
		chunk := misses[start:end]
		docs, err := s.store.ListDocuments(ctx, s.collection, crawler.Query{
			Filters: []crawler.Filter{crawler.In("externalId", chunk)},
		})
		if err != nil {
			return nil, fmt.Errorf("batch lookup: %w", err)
		}
		for _, doc := range docs {
			id := doc.Fields.String("externalId")
			if _, asked := result[id]; asked {
				result[id] = true
				s.cache.Add(id)
			}
		}
	}
	return result, nil
}

// FindSimilarProducts returns pending or approved submissions of the same brand
// whose name scores at or above the threshold, best match first. The result is
// advisory and never used to block ingestion.
func (s *Service) FindSimilarProducts(ctx context.Context, name, brand string) ([]SimilarProduct, error) {
	brand = strings.TrimSpace(brand)
	if brand == "" || strings.TrimSpace(name) == "" {
		return []SimilarProduct{}, nil
	}
	listing, err := s.brandListing(ctx, brand)
	if err != nil {
		return nil, err
	}
	out := make([]SimilarProduct, 0)
	for _, doc := range listing {
		other := doc.Fields.String("name")
		score := DiceCoefficient(name, other)
		if score < s.threshold {
			continue
		}
		out = append(out, SimilarProduct{
			SubmissionID: doc.ID,
			ExternalID:   doc.Fields.String("externalId"),
			Brand:        doc.Fields.String("brand"),
			Name:         other,
			Status:       crawler.SubmissionStatus(doc.Fields.String("status")),
			Score:        score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// ForgetBrand drops the memoized listing for brand so the next similarity
// lookup sees freshly persisted submissions.
func (s *Service) ForgetBrand(brand string) {
	s.brands.Delete(strings.TrimSpace(brand))
}

func (s *Service) brandListing(ctx context.Context, brand string) ([]crawler.Document, error) {
	if cached, ok := s.brands.Get(brand); ok {
		if docs, ok := cached.([]crawler.Document); ok {
			return docs, nil
		}
	}
	docs, err := s.store.ListDocuments(ctx, s.collection, crawler.Query{
		Filters: []crawler.Filter{
			crawler.Equal("brand", brand),
			crawler.In("status", []string{string(crawler.StatusPending), string(crawler.StatusApproved)}),
		},
		OrderByDesc: "submittedAt",
		Limit:       similarScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list brand %q: %w", brand, err)
	}
	s.brands.SetDefault(brand, docs)
	s.logger.Debug("brand listing loaded", zap.String("brand", brand), zap.Int("count", len(docs)))
	return docs, nil
}
