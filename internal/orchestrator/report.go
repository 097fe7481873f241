package orchestrator

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SubmissionNotice is published after every queued submission.
type SubmissionNotice struct {
	SubmissionID string `json:"submissionId"`
	ExternalID   string `json:"externalId"`
	Brand        string `json:"brand"`
	Name         string `json:"name"`
	Source       string `json:"source"`
	SessionID    string `json:"sessionId"`
	SubmittedAt  string `json:"submittedAt"`
}

// notify publishes a SubmissionNotice. Failures are logged only; the
// submission is already persisted.
func (o *Orchestrator) notify(ctx context.Context, rec crawler.SubmissionRecord, docID string, logger *zap.Logger) {
	if o.deps.Publisher == nil || o.cfg.NotifyTopic == "" {
		return
	}
	notice := SubmissionNotice{
		SubmissionID: docID,
		ExternalID:   rec.ExternalID,
		Brand:        rec.Brand,
		Name:         rec.Name,
		Source:       string(rec.Source),
		SessionID:    rec.CrawlSessionID,
		SubmittedAt:  rec.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.NotifyTopic, notice); err != nil {
		logger.Warn("publish submission notice failed",
			zap.String("submission_id", docID),
			zap.String("topic", o.cfg.NotifyTopic),
			zap.Error(err),
		)
	}
}

// ReportPath returns the archive location of a run report.
func ReportPath(prefix string, startedAt time.Time, sessionID string) string {
	day := startedAt.UTC().Format("2006/01/02")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(day, sessionID+".json")
	}
	return path.Join(prefix, day, sessionID+".json")
}

// archive writes the run summary to the blob store. Failures are logged only.
func (o *Orchestrator) archive(ctx context.Context, summary crawler.RunSummary, logger *zap.Logger) {
	if o.deps.Archive == nil {
		return
	}
	body, err := json.Marshal(summary)
	if err != nil {
		logger.Warn("encode run report failed", zap.Error(err))
		return
	}
	p := ReportPath(o.cfg.ArchivePrefix, summary.StartedAt, summary.SessionID)
	uri, err := o.deps.Archive.PutObject(ctx, p, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive run report failed", zap.String("path", p), zap.Error(err))
		return
	}
	logger.Debug("run report archived", zap.String("uri", uri))
}
