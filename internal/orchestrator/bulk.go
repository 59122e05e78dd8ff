package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/audit"
)

// BulkItem is the outcome for one report id. Exactly one of Result and
// Error is set.
type BulkItem struct {
	ReportID string  `json:"reportId"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// BulkSummary aggregates a batch.
type BulkSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Compliant  int `json:"compliant"`
	Eligible   int `json:"eligible"`
	Cached     int `json:"cached"`
}

// BulkResult lists successful and failed ids in input order.
type BulkResult struct {
	Successful []string    `json:"successful"`
	Failed     []string    `json:"failed"`
	Results    []BulkItem  `json:"results"`
	Summary    BulkSummary `json:"summary"`
}

// BulkVerifyReports re-verifies stored reports. Each id is processed
// independently; a failure is recorded against its id and never aborts
// the batch. force bypasses the verification cache. Nonces are not
// consumed: stored reports were admitted when first submitted.
func (o *Orchestrator) BulkVerifyReports(ctx context.Context, ids []string, force bool) *BulkResult {
	items := make([]BulkItem, len(ids))

	var g errgroup.Group
	limit := o.cfg.BulkConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			items[i] = o.bulkOne(ctx, id, force)
			return nil
		})
	}
	_ = g.Wait()

	out := &BulkResult{
		Successful: []string{},
		Failed:     []string{},
		Results:    items,
		Summary:    BulkSummary{Total: len(ids)},
	}
	for _, it := range items {
		if it.Error != "" {
			out.Failed = append(out.Failed, it.ReportID)
			continue
		}
		out.Successful = append(out.Successful, it.ReportID)
		if it.Result.PolicyCompliant {
			out.Summary.Compliant++
		}
		if it.Result.EligibleForTrust {
			out.Summary.Eligible++
		}
		if it.Result.Cached {
			out.Summary.Cached++
		}
	}
	out.Summary.Successful = len(out.Successful)
	out.Summary.Failed = len(out.Failed)

	o.logger.Info("bulk verification finished",
		zap.Int("total", out.Summary.Total),
		zap.Int("successful", out.Summary.Successful),
		zap.Int("failed", out.Summary.Failed))
	o.record(ctx, audit.NewEvent(audit.EventBulkVerified, "", "", "done").
		With("total", fmt.Sprint(out.Summary.Total)).
		With("failed", fmt.Sprint(out.Summary.Failed)))
	return out
}

func (o *Orchestrator) bulkOne(ctx context.Context, id string, force bool) (item BulkItem) {
	item.ReportID = id
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("bulk verification panicked", zap.String("report_id", id), zap.Any("panic", p))
			item = BulkItem{ReportID: id, Error: fmt.Sprintf("internal error: %v", p)}
		}
	}()

	if err := ctx.Err(); err != nil {
		item.Error = err.Error()
		return item
	}
	r, err := o.loadReport(ctx, id)
	if err != nil {
		item.Error = err.Error()
		return item
	}
	res, err := o.verify(ctx, r, nil, nil, verifyOptions{force: force})
	if err != nil {
		item.Error = err.Error()
		return item
	}
	item.Result = res
	return item
}

func (o *Orchestrator) loadReport(ctx context.Context, id string) (*attestation.Report, error) {
	if o.reports == nil {
		return nil, ErrNoReportStore
	}
	r, err := o.reports.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	return r, nil
}

// Report returns a stored report.
func (o *Orchestrator) Report(ctx context.Context, id string) (*attestation.Report, error) {
	return o.loadReport(ctx, id)
}
