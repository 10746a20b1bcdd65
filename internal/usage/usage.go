// Package usage enforces per-chat consumption caps and records usage and
// audit events.
package usage

import (
	"context"
	"fmt"

	"github.com/blazehq/blaze/internal/store"
	"github.com/blazehq/blaze/model"
)

// Recorder writes usage and audit records and enforces caps. A zero cap
// means unlimited.
type Recorder struct {
	store *store.Store
	caps  map[model.UsageMetric]int64
}

// New creates a Recorder backed by st with the given per-context caps.
func New(st *store.Store, requestCap, tokenCap int64) *Recorder {
	return &Recorder{
		store: st,
		caps: map[model.UsageMetric]int64{
			model.MetricRequests: requestCap,
			model.MetricTokens:   tokenCap,
		},
	}
}

// EnforceAndRecordUsage checks the record's context against the metric's cap
// and, when within it, persists the record. An over-cap increment is an
// error and is not recorded.
func (r *Recorder) EnforceAndRecordUsage(ctx context.Context, rec model.UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Value < 0 {
		return fmt.Errorf("usage value must be non-negative, got %d", rec.Value)
	}
	if limit := r.caps[rec.Metric]; limit > 0 {
		total, err := r.store.SumUsage(rec.Context, rec.Metric)
		if err != nil {
			return fmt.Errorf("summing %s usage for %s: %w", rec.Metric, rec.Context, err)
		}
		if total+rec.Value > limit {
			return fmt.Errorf("%s cap exceeded for %s: %d + %d > %d",
				rec.Metric, rec.Context, total, rec.Value, limit)
		}
	}
	return r.store.AddUsageRecord(&rec)
}

// WriteAuditEvent persists one audit event.
func (r *Recorder) WriteAuditEvent(ctx context.Context, ev model.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.store.AddAuditEvent(&ev)
}
