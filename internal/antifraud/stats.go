package antifraud

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loyaltyhub/antifraud/internal/pagination"
)

// History sizes returned by CustomerHistory.
const (
	historyOperations = 50
	historyChecks     = 50
	topFactorsLimit   = 5
	defaultStatsDays  = 30
)

// FactorCount is one entry of the top-factors ranking.
type FactorCount struct {
	Factor string `json:"factor"`
	Count  int    `json:"count"`
}

// Stats summarizes the scored checks of a merchant over a period.
type Stats struct {
	Period               string        `json:"period"`
	TotalChecks          int           `json:"totalChecks"`
	BlockedTransactions  int           `json:"blockedTransactions"`
	ReviewedTransactions int           `json:"reviewedTransactions"`
	BlockRate            string        `json:"blockRate"`
	ReviewRate           string        `json:"reviewRate"`
	TopFactors           []FactorCount `json:"topFactors"`
}

// CustomerHistory is the recent activity of one customer at a merchant.
type CustomerHistory struct {
	Operations []OperationSummary `json:"operations"`
	Checks     []*AuditRecord     `json:"checks"`
}

var errMerchantRequired = fmt.Errorf("%w: merchantId is required", ErrInvalidRequest)

// Reviewer answers the read-side questions of the review API and records
// reviewer feedback.
type Reviewer struct {
	ops   OperationLog
	audit AuditStore
	now   func() time.Time
}

// NewReviewer creates a reviewer over the operation log and audit store.
func NewReviewer(ops OperationLog, audit AuditStore, now func() time.Time) *Reviewer {
	if now == nil {
		now = time.Now
	}
	return &Reviewer{ops: ops, audit: audit, now: now}
}

// Stats computes check statistics over the trailing days (30 when days <= 0).
// Blocked counts CRITICAL checks, reviewed counts HIGH ones.
func (r *Reviewer) Stats(ctx context.Context, merchantID string, days int) (*Stats, error) {
	if merchantID == "" {
		return nil, errMerchantRequired
	}
	if days <= 0 {
		days = defaultStatsDays
	}
	records, err := r.audit.ListSince(ctx, merchantID, r.now().Add(-time.Duration(days)*day))
	if err != nil {
		return nil, fmt.Errorf("antifraud: load checks: %w", err)
	}

	st := &Stats{Period: fmt.Sprintf("%d days", days), TotalChecks: len(records)}
	counts := map[string]int{}
	for _, rec := range records {
		switch rec.Level {
		case LevelCritical:
			st.BlockedTransactions++
		case LevelHigh:
			st.ReviewedTransactions++
		}
		for _, f := range rec.Factors {
			counts[FactorKey(f)]++
		}
	}
	st.BlockRate = rate(st.BlockedTransactions, st.TotalChecks)
	st.ReviewRate = rate(st.ReviewedTransactions, st.TotalChecks)
	st.TopFactors = topFactors(counts, topFactorsLimit)
	return st, nil
}

func rate(n, total int) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", float64(n)*100/float64(total))
}

// topFactors ranks by count, then by name for a stable order.
func topFactors(counts map[string]int, limit int) []FactorCount {
	out := make([]FactorCount, 0, len(counts))
	for f, n := range counts {
		out = append(out, FactorCount{Factor: f, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Factor < out[j].Factor
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CustomerHistory returns the last 50 operations and the last 50 checks of
// the customer, newest first.
func (r *Reviewer) CustomerHistory(ctx context.Context, merchantID, customerID string) (*CustomerHistory, error) {
	if merchantID == "" {
		return nil, errMerchantRequired
	}
	if customerID == "" {
		return nil, fmt.Errorf("%w: customerId is required", ErrInvalidRequest)
	}
	ops, err := r.ops.FindRecentOperations(ctx, merchantID, customerID, historyOperations)
	if err != nil {
		return nil, fmt.Errorf("antifraud: load operations: %w", err)
	}
	checks, err := r.audit.ListByCustomer(ctx, merchantID, customerID, historyChecks)
	if err != nil {
		return nil, fmt.Errorf("antifraud: load checks: %w", err)
	}
	if ops == nil {
		ops = []OperationSummary{}
	}
	if checks == nil {
		checks = []*AuditRecord{}
	}
	return &CustomerHistory{Operations: ops, Checks: checks}, nil
}

// RecordFeedback appends a reviewer verdict.
func (r *Reviewer) RecordFeedback(ctx context.Context, fb *Feedback) error {
	if fb.MerchantID == "" {
		return errMerchantRequired
	}
	if fb.TransactionID == "" {
		return fmt.Errorf("%w: transactionId is required", ErrInvalidRequest)
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = r.now()
	}
	if err := r.audit.RecordFeedback(ctx, fb); err != nil {
		return fmt.Errorf("antifraud: record feedback: %w", err)
	}
	return nil
}

// ExportQuery selects a page of scored checks for export.
type ExportQuery struct {
	MerchantID  string
	Days        int
	Cursor      string
	Limit       int
	BlockedOnly bool
}

// CheckPage is one page of exported checks, oldest first.
type CheckPage struct {
	Checks     []*AuditRecord `json:"checks"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

// ExportChecks pages through the merchant's checks of the trailing days
// in (createdAt, id) order, for offline labelling and model training.
func (r *Reviewer) ExportChecks(ctx context.Context, q ExportQuery) (*CheckPage, error) {
	if q.MerchantID == "" {
		return nil, errMerchantRequired
	}
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if q.Days <= 0 {
		q.Days = defaultStatsDays
	}
	if q.Limit <= 0 {
		q.Limit = pagination.DefaultLimit
	}
	q.Limit = min(q.Limit, pagination.MaxLimit)

	records, err := r.audit.ListSince(ctx, q.MerchantID, r.now().Add(-time.Duration(q.Days)*day))
	if err != nil {
		return nil, fmt.Errorf("antifraud: load checks: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})

	selected := make([]*AuditRecord, 0, q.Limit+1)
	for _, rec := range records {
		if !cursor.After(rec.CreatedAt, rec.ID) || (q.BlockedOnly && !rec.Blocked) {
			continue
		}
		selected = append(selected, rec)
		if len(selected) > q.Limit {
			break
		}
	}
	page, next, more := pagination.ComputePage(selected, q.Limit, func(rec *AuditRecord) (time.Time, string) {
		return rec.CreatedAt, rec.ID
	})
	return &CheckPage{Checks: page, NextCursor: next, HasMore: more}, nil
}
