package antifraud

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/loyaltyhub/antifraud/internal/alerts"
	"github.com/loyaltyhub/antifraud/internal/logging"
	"github.com/loyaltyhub/antifraud/internal/merchants"
)

// testNow is a Wednesday afternoon in Moscow, outside the unusual hours.
var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type fixture struct {
	store    *MemoryStore
	settings *merchants.MemoryStore
	alerts   *alerts.MemoryPublisher
	guard    *Guard
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		settings: merchants.NewMemoryStore(),
		alerts:   alerts.NewMemoryPublisher(),
	}
	// A known device with history well before the last 24h.
	f.store.RegisterDevice("m1", "POS-1", "dev-1")
	f.store.AddOperation(OperationSummary{
		ID: "seed", MerchantID: "m1", CustomerID: "someone-else", Type: TypeEarn,
		Amount: decimal.NewFromInt(10), DeviceID: "dev-1", CreatedAt: testNow.Add(-72 * time.Hour),
	})

	base := []Option{WithClock(fixedClock), WithLogger(logging.Discard())}
	f.guard = NewGuard(Deps{
		Operations: f.store,
		Settings:   f.settings,
		Blacklist:  f.store,
		Holds:      f.store,
		Devices:    f.store,
		Audit:      f.store,
		Publishers: []AlertPublisher{f.alerts},
	}, append(base, opts...)...)
	return f
}

// addOps appends n operations of the template, age before testNow.
func (f *fixture) addOps(n int, tmpl OperationSummary, age time.Duration) {
	for i := 0; i < n; i++ {
		op := tmpl
		if op.MerchantID == "" {
			op.MerchantID = "m1"
		}
		if op.Type == "" {
			op.Type = TypeEarn
		}
		if op.Amount.IsZero() {
			op.Amount = decimal.NewFromInt(100)
		}
		op.CreatedAt = testNow.Add(-age)
		f.store.AddOperation(op)
	}
}

func (f *fixture) setRules(t *testing.T, merchantID, rules string) {
	t.Helper()
	require.NoError(t, f.settings.PutSettings(context.Background(), &merchants.Settings{
		MerchantID: merchantID,
		RulesJSON:  json.RawMessage(rules),
		Timezone:   "Europe/Moscow",
	}))
}

func (f *fixture) evaluate(t *testing.T, req *Request) (*Result, error) {
	t.Helper()
	res, err := f.guard.Evaluate(context.Background(), req)
	f.guard.Sink().Flush()
	return res, err
}

// cleanCommit is a commit that triggers no risk signal apart from the
// amount-driven ones.
func cleanCommit(amount int64) *Request {
	return &Request{
		Kind:       KindCommit,
		MerchantID: "m1",
		CustomerID: "c1",
		OutletID:   "o1",
		StaffID:    "s1",
		DeviceCode: "pos 1",
		Type:       TypeEarn,
		Amount:     decimal.NewFromInt(amount),
		IPAddress:  "203.0.113.7",
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64)",
	}
}

func cleanContext(amount int64) *OperationContext {
	return &OperationContext{
		MerchantID: "m1",
		CustomerID: "c1",
		OutletID:   "o1",
		StaffID:    "s1",
		DeviceID:   "dev-1",
		Type:       TypeEarn,
		Amount:     decimal.NewFromInt(amount),
		IPAddress:  "203.0.113.7",
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64)",
	}
}
