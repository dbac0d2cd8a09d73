package antifraud

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedChecks(t *testing.T, s *MemoryStore, levels []Level, factors [][]string, age time.Duration) {
	t.Helper()
	for i, level := range levels {
		require.NoError(t, s.Record(context.Background(), &AuditRecord{
			MerchantID: "m1", CustomerID: "c1", Level: level, Factors: factors[i],
			CreatedAt: testNow.Add(-age),
		}))
	}
}

func TestStats(t *testing.T) {
	s := NewMemoryStore()
	seedChecks(t, s,
		[]Level{LevelCritical, LevelHigh, LevelLow, LevelLow},
		[][]string{
			{"blacklisted_customer", "new_device"},
			{"high_hourly_velocity:9", "new_device"},
			{"round_amount"},
			{"high_hourly_velocity:6"},
		}, time.Hour)
	seedChecks(t, s, []Level{LevelCritical}, [][]string{{"old"}}, 40*24*time.Hour)

	st, err := NewReviewer(s, s, fixedClock).Stats(context.Background(), "m1", 0)
	require.NoError(t, err)
	assert.Equal(t, "30 days", st.Period)
	assert.Equal(t, 4, st.TotalChecks)
	assert.Equal(t, 1, st.BlockedTransactions)
	assert.Equal(t, 1, st.ReviewedTransactions)
	assert.Equal(t, "25.00%", st.BlockRate)
	assert.Equal(t, "25.00%", st.ReviewRate)
	assert.Equal(t, []FactorCount{
		{Factor: "high_hourly_velocity", Count: 2},
		{Factor: "new_device", Count: 2},
		{Factor: "blacklisted_customer", Count: 1},
		{Factor: "round_amount", Count: 1},
	}, st.TopFactors)
}

func TestStats_EmptyPeriod(t *testing.T) {
	s := NewMemoryStore()
	st, err := NewReviewer(s, s, fixedClock).Stats(context.Background(), "m1", 7)
	require.NoError(t, err)
	assert.Equal(t, "7 days", st.Period)
	assert.Equal(t, "0%", st.BlockRate)
	assert.Equal(t, "0%", st.ReviewRate)
	assert.NotNil(t, st.TopFactors)
	assert.Empty(t, st.TopFactors)
}

func TestStats_TopFactorsCappedAtFive(t *testing.T) {
	counts := map[string]int{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6}
	top := topFactors(counts, topFactorsLimit)
	require.Len(t, top, 5)
	assert.Equal(t, "f", top[0].Factor)
	assert.Equal(t, "b", top[4].Factor)
}

func TestCustomerHistory(t *testing.T) {
	s := NewMemoryStore()
	r := NewReviewer(s, s, fixedClock)
	ctx := context.Background()

	h, err := r.CustomerHistory(ctx, "m1", "c1")
	require.NoError(t, err)
	assert.NotNil(t, h.Operations)
	assert.NotNil(t, h.Checks)

	for i := 0; i < 60; i++ {
		s.AddOperation(OperationSummary{MerchantID: "m1", CustomerID: "c1", CreatedAt: testNow.Add(-time.Duration(i) * time.Minute)})
	}
	seedChecks(t, s, []Level{LevelLow}, [][]string{nil}, time.Minute)

	h, err = r.CustomerHistory(ctx, "m1", "c1")
	require.NoError(t, err)
	assert.Len(t, h.Operations, 50)
	assert.Len(t, h.Checks, 1)

	_, err = r.CustomerHistory(ctx, "m1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = r.CustomerHistory(ctx, "", "c1")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRecordFeedback(t *testing.T) {
	s := NewMemoryStore()
	r := NewReviewer(s, s, fixedClock)
	ctx := context.Background()

	require.NoError(t, r.RecordFeedback(ctx, &Feedback{ID: "fb_1", MerchantID: "m1", TransactionID: "tx-1", IsFraud: true}))
	got := s.Feedback()
	require.Len(t, got, 1)
	assert.Equal(t, testNow, got[0].CreatedAt)
	assert.True(t, got[0].IsFraud)

	assert.ErrorIs(t, r.RecordFeedback(ctx, &Feedback{MerchantID: "m1"}), ErrInvalidRequest)

	s.FailWith(errors.New("db down"))
	err := r.RecordFeedback(ctx, &Feedback{MerchantID: "m1", TransactionID: "tx-2"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
}

func TestExportChecks_Pages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	// Two checks share a timestamp so the id breaks the tie.
	for i, id := range []string{"fc_e", "fc_d", "fc_c", "fc_b", "fc_a"} {
		at := testNow.Add(-time.Duration(5-i/2) * time.Hour)
		require.NoError(t, s.Record(ctx, &AuditRecord{
			ID: id, MerchantID: "m1", CustomerID: "c1", CreatedAt: at, Blocked: i%2 == 0,
		}))
	}
	require.NoError(t, s.Record(ctx, &AuditRecord{ID: "fc_other", MerchantID: "m2", CreatedAt: testNow}))
	require.NoError(t, s.Record(ctx, &AuditRecord{ID: "fc_old", MerchantID: "m1", CreatedAt: testNow.Add(-60 * 24 * time.Hour)}))
	r := NewReviewer(s, s, fixedClock)

	var ids []string
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		page, err := r.ExportChecks(ctx, ExportQuery{MerchantID: "m1", Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		for _, c := range page.Checks {
			ids = append(ids, c.ID)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"fc_d", "fc_e", "fc_b", "fc_c", "fc_a"}, ids)

	page, err := r.ExportChecks(ctx, ExportQuery{MerchantID: "m1", BlockedOnly: true})
	require.NoError(t, err)
	require.Len(t, page.Checks, 3)
	for _, c := range page.Checks {
		assert.True(t, c.Blocked)
	}
}

func TestExportChecks_Validation(t *testing.T) {
	s := NewMemoryStore()
	r := NewReviewer(s, s, fixedClock)
	ctx := context.Background()

	_, err := r.ExportChecks(ctx, ExportQuery{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = r.ExportChecks(ctx, ExportQuery{MerchantID: "m1", Cursor: "%%%"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	s.FailWith(errors.New("db down"))
	_, err = r.ExportChecks(ctx, ExportQuery{MerchantID: "m1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
}
