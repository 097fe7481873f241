// Package state persists the crawl cursor singleton. The document is the only
// way progress survives between invocations; a single writer is assumed and
// concurrent saves are last-write-wins.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultPipelineID keys the crawl-state document.
const DefaultPipelineID = "dog_food_crawler"

// Store loads and saves CrawlState through a DocumentStore.
type Store struct {
	docs       crawler.DocumentStore
	collection string
	pipelineID string
	rotation   crawler.Rotation
	logger     *zap.Logger
}

// NewStore wires a Store for one pipeline.
func NewStore(
	docs crawler.DocumentStore,
	collection, pipelineID string,
	rotation crawler.Rotation,
	logger *zap.Logger,
) *Store {
	if pipelineID == "" {
		pipelineID = DefaultPipelineID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		docs:       docs,
		collection: collection,
		pipelineID: pipelineID,
		rotation:   rotation,
		logger:     logger.Named("state"),
	}
}

// PipelineID returns the document id used by this store.
func (s *Store) PipelineID() string {
	return s.pipelineID
}

// Default returns the first-run state: first source active, every cursor at
// its initial position.
func (s *Store) Default() crawler.CrawlState {
	return crawler.CrawlState{
		ID:           s.pipelineID,
		ActiveSource: s.rotation.First(),
		SourceCursor: make(map[crawler.SourceName]crawler.Cursor),
		Statistics: crawler.Statistics{
			Sources: make(map[crawler.SourceName]crawler.SourceStats),
		},
	}
}

// Load returns the persisted state, or Default when none exists yet.
func (s *Store) Load(ctx context.Context) (crawler.CrawlState, error) {
	doc, err := s.docs.GetDocument(ctx, s.collection, s.pipelineID)
	if errors.Is(err, crawler.ErrNotFound) {
		s.logger.Info("no crawl state found; starting fresh", zap.String("pipeline_id", s.pipelineID))
		return s.Default(), nil
	}
	if err != nil {
		return crawler.CrawlState{}, fmt.Errorf("load crawl state: %w", err)
	}
	st, err := decode(doc)
	if err != nil {
		return crawler.CrawlState{}, err
	}
	st.ID = s.pipelineID
	if !s.rotation.Contains(st.ActiveSource) {
		s.logger.Warn("active source not in rotation; restarting rotation",
			zap.String("active_source", string(st.ActiveSource)))
		st.ActiveSource = s.rotation.First()
	}
	return st, nil
}

// Save writes st, creating the document on first use. Repeated saves of the
// same state are idempotent.
func (s *Store) Save(ctx context.Context, st crawler.CrawlState) error {
	fields, err := encode(st)
	if err != nil {
		return err
	}
	_, err = s.docs.UpdateDocument(ctx, s.collection, s.pipelineID, fields)
	if err == nil {
		return nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return fmt.Errorf("save crawl state: %w", err)
	}
	_, err = s.docs.CreateDocument(ctx, s.collection, s.pipelineID, fields)
	if errors.Is(err, crawler.ErrConflict) {
		// Created between our update and create; retry once as an update.
		_, err = s.docs.UpdateDocument(ctx, s.collection, s.pipelineID, fields)
	}
	if err != nil {
		return fmt.Errorf("save crawl state: %w", err)
	}
	return nil
}

// Reset rewinds every cursor and the active source. Lifetime counters and
// statistics are kept.
func (s *Store) Reset(ctx context.Context) (crawler.CrawlState, error) {
	current, err := s.Load(ctx)
	if err != nil {
		return crawler.CrawlState{}, err
	}
	next := s.Default()
	next.TotalProcessed = current.TotalProcessed
	next.Statistics = current.Clone().Statistics
	next.LastRunAt = current.LastRunAt
	if err := s.Save(ctx, next); err != nil {
		return crawler.CrawlState{}, err
	}
	s.logger.Info("crawl state reset", zap.String("pipeline_id", s.pipelineID))
	return next, nil
}

func encode(st crawler.CrawlState) (crawler.Fields, error) {
	cursors := st.SourceCursor
	if cursors == nil {
		cursors = map[crawler.SourceName]crawler.Cursor{}
	}
	cursorBlob, err := json.MarshalToString(cursors)
	if err != nil {
		return nil, fmt.Errorf("encode source cursor: %w", err)
	}
	statsBlob, err := json.MarshalToString(st.Statistics)
	if err != nil {
		return nil, fmt.Errorf("encode statistics: %w", err)
	}
	return crawler.Fields{
		"activeSource":       string(st.ActiveSource),
		"sourceCursor":       cursorBlob,
		"lastSeenExternalId": st.LastSeenExternalID,
		"totalProcessed":     st.TotalProcessed,
		"lastRunAt":          timestampOrNil(st.LastRunAt),
		"lastError":          st.LastError,
		"lastErrorAt":        timestampOrNil(st.LastErrorAt),
		"statistics":         statsBlob,
	}, nil
}

func decode(doc crawler.Document) (crawler.CrawlState, error) {
	f := doc.Fields
	st := crawler.CrawlState{
		ID:                 doc.ID,
		ActiveSource:       crawler.SourceName(f.String("activeSource")),
		LastSeenExternalID: f.String("lastSeenExternalId"),
		TotalProcessed:     int64(f.Float("totalProcessed")),
		LastError:          f.String("lastError"),
		SourceCursor:       make(map[crawler.SourceName]crawler.Cursor),
	}
	if blob := f.String("sourceCursor"); blob != "" {
		if err := json.UnmarshalFromString(blob, &st.SourceCursor); err != nil {
			return crawler.CrawlState{}, fmt.Errorf("decode source cursor: %w", err)
		}
	}
	if blob := f.String("statistics"); blob != "" {
		if err := json.UnmarshalFromString(blob, &st.Statistics); err != nil {
			return crawler.CrawlState{}, fmt.Errorf("decode statistics: %w", err)
		}
	}
	if st.Statistics.Sources == nil {
		st.Statistics.Sources = make(map[crawler.SourceName]crawler.SourceStats)
	}
	var err error
	if st.LastRunAt, err = optionalTimestamp(f, "lastRunAt"); err != nil {
		return crawler.CrawlState{}, err
	}
	if st.LastErrorAt, err = optionalTimestamp(f, "lastErrorAt"); err != nil {
		return crawler.CrawlState{}, err
	}
	return st, nil
}

func timestampOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return crawler.FormatTimestamp(*t)
}

func optionalTimestamp(f crawler.Fields, key string) (*time.Time, error) {
	raw := f.String(key)
	if raw == "" {
		return nil, nil
	}
	t, err := crawler.ParseTimestamp(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &t, nil
}
