package antifraud

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loyaltyhub/antifraud/internal/logging"
	"github.com/loyaltyhub/antifraud/internal/merchants"
)

type failingSettings struct{ err error }

func (f failingSettings) GetSettings(context.Context, string) (*merchants.Settings, error) {
	return nil, f.err
}

func resolverWith(t *testing.T, rules string) *Resolver {
	t.Helper()
	store := merchants.NewMemoryStore()
	require.NoError(t, store.PutSettings(context.Background(), &merchants.Settings{
		MerchantID: "m1",
		RulesJSON:  json.RawMessage(rules),
		Timezone:   "Asia/Yekaterinburg",
	}))
	return NewResolver(store, CompiledDefaults(), logging.Discard())
}

func TestCompiledDefaults(t *testing.T) {
	d := CompiledDefaults()
	assert.Equal(t, ScopeLimit{Limit: 5, WindowSec: 120}, d.Customer.ScopeLimit)
	assert.Equal(t, ScopeLimit{Limit: 20, WindowSec: 600}, d.Outlet)
	assert.Equal(t, ScopeLimit{Limit: 60, WindowSec: 600}, d.Staff)
	assert.Equal(t, ScopeLimit{Limit: 200, WindowSec: 3600}, d.Merchant)
	assert.Zero(t, d.Customer.DailyCap)
	assert.Zero(t, d.Customer.MonthlyCap)
}

func TestSanitize_ReplacesNonPositive(t *testing.T) {
	d := DefaultLimits{
		Merchant: ScopeLimit{Limit: -1, WindowSec: 0, DailyCap: -5},
		Customer: CustomerLimit{ScopeLimit: ScopeLimit{Limit: 3, WindowSec: 60}, PointsCap: -1},
	}.Sanitize()

	assert.Equal(t, 200, d.Merchant.Limit)
	assert.Equal(t, 3600, d.Merchant.WindowSec)
	assert.Zero(t, d.Merchant.DailyCap)
	assert.Equal(t, 3, d.Customer.Limit)
	assert.Equal(t, 60, d.Customer.WindowSec)
	assert.Zero(t, d.Customer.PointsCap)
	assert.Equal(t, 20, d.Outlet.Limit)
}

func TestResolve_NoSettingsUsesDefaults(t *testing.T) {
	r := NewResolver(merchants.NewMemoryStore(), CompiledDefaults(), logging.Discard())
	limits := r.Resolve(context.Background(), "unknown")

	assert.Equal(t, CompiledDefaults().Customer, limits.Customer)
	assert.Equal(t, limits.Customer, limits.Platform)
	assert.Empty(t, limits.BlockFactors)
	assert.Equal(t, merchants.DefaultTimezone, limits.Location.String())
}

func TestResolve_NilSettingsSource(t *testing.T) {
	r := NewResolver(nil, CompiledDefaults(), nil)
	limits := r.Resolve(context.Background(), "m1")
	assert.Equal(t, 200, limits.Merchant.Limit)
}

func TestResolve_LoadErrorFallsBack(t *testing.T) {
	r := NewResolver(failingSettings{err: errors.New("db down")}, CompiledDefaults(), logging.Discard())
	limits := r.Resolve(context.Background(), "m1")
	assert.Equal(t, CompiledDefaults().Outlet, limits.Outlet)
}

func TestResolve_PerFieldOverrides(t *testing.T) {
	r := resolverWith(t, `{"af":{
		"customer":{"limit":3,"dailyCap":"10","windowSec":"abc","monthlyCap":100,"blockDaily":true},
		"staff":{"weeklyCap":500},
		"blockFactors":["no_outlet_id"," ",7]
	}}`)
	limits := r.Resolve(context.Background(), "m1")

	assert.Equal(t, 3, limits.Customer.Limit)
	assert.Equal(t, 120, limits.Customer.WindowSec, "non-numeric keeps the default")
	assert.Equal(t, 10, limits.Customer.DailyCap, "numeric strings are accepted")
	assert.Equal(t, 100, limits.Customer.MonthlyCap)
	assert.True(t, limits.Customer.BlockDaily)
	assert.Equal(t, 60, limits.Staff.Limit)
	assert.Equal(t, 500, limits.Staff.WeeklyCap)
	assert.Equal(t, []string{"no_outlet_id", "7"}, limits.BlockFactors)
	assert.Equal(t, CompiledDefaults().Customer, limits.Platform, "platform limits stay unmerged")
	assert.Equal(t, "Asia/Yekaterinburg", limits.Location.String())
}

func TestResolve_ZeroAndNegativeKeepDefaults(t *testing.T) {
	r := resolverWith(t, `{"af":{"customer":{"limit":0,"windowSec":-5,"dailyCap":0}}}`)
	limits := r.Resolve(context.Background(), "m1")
	assert.Equal(t, CompiledDefaults().Customer, limits.Customer)
}

func TestResolve_DeviceAliasForOutlet(t *testing.T) {
	r := resolverWith(t, `{"af":{"device":{"limit":7}}}`)
	assert.Equal(t, 7, r.Resolve(context.Background(), "m1").Outlet.Limit)

	r = resolverWith(t, `{"af":{"device":{"limit":7},"outlet":{"limit":9}}}`)
	assert.Equal(t, 9, r.Resolve(context.Background(), "m1").Outlet.Limit, "outlet wins over device")
}

func TestResolve_MalformedSectionsIgnored(t *testing.T) {
	r := resolverWith(t, `{"af":{"customer":[1,2],"merchant":"lots","outlet":{"limit":4}}}`)
	limits := r.Resolve(context.Background(), "m1")
	assert.Equal(t, CompiledDefaults().Customer, limits.Customer)
	assert.Equal(t, 200, limits.Merchant.Limit)
	assert.Equal(t, 4, limits.Outlet.Limit)
}

func TestResolve_MalformedDocumentFallsBack(t *testing.T) {
	r := resolverWith(t, `{"af": {`)
	limits := r.Resolve(context.Background(), "m1")
	assert.Equal(t, CompiledDefaults().Outlet, limits.Outlet)
	assert.Empty(t, limits.BlockFactors)
}

func TestResolve_AfNotObject(t *testing.T) {
	r := resolverWith(t, `{"af":"disabled","other":{"x":1}}`)
	limits := r.Resolve(context.Background(), "m1")
	assert.Equal(t, CompiledDefaults().Merchant, limits.Merchant)
}

func TestResolve_Resets(t *testing.T) {
	r := resolverWith(t, `{"af":{"reset":{
		"merchant":"2026-10-14T10:00:00Z",
		"customer":{"c1":"2026-10-14 11:30:00","c2":"garbage"},
		"outlet":{"o1":"2026-10-13"}
	}}}`)
	limits := r.Resolve(context.Background(), "m1")

	assert.Equal(t, time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC), limits.Resets.At(ScopeMerchant, ""))
	assert.Equal(t, time.Date(2026, 10, 14, 11, 30, 0, 0, time.UTC), limits.Resets.At(ScopeCustomer, "c1"))
	assert.True(t, limits.Resets.At(ScopeCustomer, "c2").IsZero())
	assert.Equal(t, time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC), limits.Resets.At(ScopeOutlet, "o1"))
	assert.True(t, limits.Resets.At(ScopeStaff, "s1").IsZero())
}

func TestResolve_IsFreshPerCall(t *testing.T) {
	store := merchants.NewMemoryStore()
	r := NewResolver(store, CompiledDefaults(), logging.Discard())
	ctx := context.Background()

	assert.Equal(t, 5, r.Resolve(ctx, "m1").Customer.Limit)
	require.NoError(t, store.PutSettings(ctx, &merchants.Settings{
		MerchantID: "m1",
		RulesJSON:  json.RawMessage(`{"af":{"customer":{"limit":2}}}`),
	}))
	assert.Equal(t, 2, r.Resolve(ctx, "m1").Customer.Limit)
}

func TestOptionalInt(t *testing.T) {
	cases := []struct {
		in    string
		want  int
		valid bool
	}{
		{`5`, 5, true},
		{`"12"`, 12, true},
		{`7.9`, 7, true},
		{`0`, 0, false},
		{`-3`, 0, false},
		{`"x"`, 0, false},
		{`null`, 0, false},
		{`true`, 0, false},
		{`{}`, 0, false},
		{`1e12`, 0, false},
	}
	for _, tc := range cases {
		var o OptionalInt
		require.NoError(t, json.Unmarshal([]byte(tc.in), &o), tc.in)
		assert.Equal(t, tc.valid, o.Valid, tc.in)
		assert.Equal(t, tc.want, o.Value, tc.in)
	}
}

func TestParseOverrides_Empty(t *testing.T) {
	ov, err := ParseOverrides(nil)
	require.NoError(t, err)
	assert.Nil(t, ov.Customer)

	_, err = ParseOverrides(json.RawMessage(`[1]`))
	assert.Error(t, err)
}
