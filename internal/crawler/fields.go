package crawler

import (
	"fmt"
	"time"
)

// TimestampLayout formats stored timestamps so that lexical order matches
// chronological order in every DocumentStore implementation.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp is the inverse of FormatTimestamp. It also accepts RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// String returns the value stored under key as a string, or "" when it is
// absent or of another type.
func (f Fields) String(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// Float returns the numeric value stored under key, or 0.
func (f Fields) Float(key string) float64 {
	switch v := f[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	default:
		return 0
	}
}

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// SubmissionFields flattens a record into the document layout of the
// submissions collection.
func SubmissionFields(rec SubmissionRecord) Fields {
	fields := Fields{
		"externalId":     rec.ExternalID,
		"brand":          rec.Brand,
		"name":           rec.Name,
		"protein":        rec.Protein,
		"fat":            rec.Fat,
		"crudeFiber":     rec.CrudeFiber,
		"ash":            rec.Ash,
		"moisture":       rec.Moisture,
		"sourceName":     rec.SourceName,
		"status":         string(rec.Status),
		"submittedAt":    FormatTimestamp(rec.SubmittedAt),
		"reviewedAt":     nil,
		"crawlSessionId": rec.CrawlSessionID,
		"source":         string(rec.Source),
	}
	if rec.Additives != "" {
		fields["additives"] = rec.Additives
	}
	if rec.ImageURL != "" {
		fields["imageUrl"] = rec.ImageURL
	}
	if rec.ReviewedAt != nil {
		fields["reviewedAt"] = FormatTimestamp(*rec.ReviewedAt)
	}
	return fields
}

// SubmissionFromDocument rebuilds a SubmissionRecord from a stored document.
func SubmissionFromDocument(doc Document) SubmissionRecord {
	f := doc.Fields
	rec := SubmissionRecord{
		CandidateProduct: CandidateProduct{
			ExternalID: f.String("externalId"),
			Brand:      f.String("brand"),
			Name:       f.String("name"),
			Protein:    f.Float("protein"),
			Fat:        f.Float("fat"),
			CrudeFiber: f.Float("crudeFiber"),
			Ash:        f.Float("ash"),
			Moisture:   f.Float("moisture"),
			Additives:  f.String("additives"),
			ImageURL:   f.String("imageUrl"),
			SourceName: f.String("sourceName"),
		},
		Status:         SubmissionStatus(f.String("status")),
		CrawlSessionID: f.String("crawlSessionId"),
		Source:         SourceName(f.String("source")),
	}
	if ts, err := ParseTimestamp(f.String("submittedAt")); err == nil {
		rec.SubmittedAt = ts
	}
	if raw := f.String("reviewedAt"); raw != "" {
		if ts, err := ParseTimestamp(raw); err == nil {
			rec.ReviewedAt = &ts
		}
	}
	return rec
}
