package antifraud

import (
	"context"
	"fmt"
	"math"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Contribution is a signal's partial score.
type Contribution struct {
	Score   int
	Factors []string
}

func (c *Contribution) add(points int, factor string) {
	c.Score += points
	c.Factors = append(c.Factors, factor)
}

// Signal is one independent scoring check. Implementations must be safe
// for concurrent use and must not keep state between calls.
type Signal interface {
	Name() string
	Evaluate(ctx context.Context, op *OperationContext) (Contribution, error)
}

// Scoring thresholds.
var (
	largeAmount          = decimal.NewFromInt(10000)
	roundAmountStep      = decimal.NewFromInt(1000)
	roundAmountFloor     = decimal.NewFromInt(5000)
	excessiveRedeem      = decimal.NewFromInt(50000)
	suspiciousEarnAmount = decimal.NewFromInt(100000)
	spikeMultiplier      = decimal.NewFromInt(3)
	manipulationRatio    = decimal.NewFromFloat(1.5)
)

const (
	hourlyVelocityLimit = 5
	dailyVelocityLimit  = 20
	rapidVelocityLimit  = 2
	behaviorHistory     = 100
	spikeMinHistory     = 10
	redeemsPerDayLimit  = 3
	devicesPerWeekLimit = 3
	unusualHourStart    = 2
	unusualHourEnd      = 5
)

// velocitySignal scores recent activity of the customer at the merchant.
type velocitySignal struct {
	ops OperationLog
	now func() time.Time
}

func (s *velocitySignal) Name() string { return "velocity" }

func (s *velocitySignal) Evaluate(ctx context.Context, op *OperationContext) (Contribution, error) {
	var c Contribution
	now := s.now()
	count := func(window time.Duration) (int, error) {
		return s.ops.CountOperations(ctx, OperationFilter{
			MerchantID: op.MerchantID,
			CustomerID: op.CustomerID,
			Since:      now.Add(-window),
		})
	}

	hourly, err := count(time.Hour)
	if err != nil {
		return c, err
	}
	if hourly > hourlyVelocityLimit {
		c.add(30, fmt.Sprintf("high_hourly_velocity:%d", hourly))
	}

	daily, err := count(day)
	if err != nil {
		return c, err
	}
	if daily > dailyVelocityLimit {
		c.add(20, fmt.Sprintf("high_daily_velocity:%d", daily))
	}

	rapid, err := count(5 * time.Minute)
	if err != nil {
		return c, err
	}
	if rapid > rapidVelocityLimit {
		c.add(25, fmt.Sprintf("rapid_transactions:%d_in_5min", rapid))
	}
	return c, nil
}

type amountSignal struct{}

func (amountSignal) Name() string { return "amount" }

func (amountSignal) Evaluate(_ context.Context, op *OperationContext) (Contribution, error) {
	var c Contribution
	amount := op.Amount.Abs()
	if amount.GreaterThan(largeAmount) {
		c.add(15, "large_amount:"+amount.String())
	}
	if amount.GreaterThanOrEqual(roundAmountFloor) && amount.Mod(roundAmountStep).IsZero() {
		c.add(10, "round_amount")
	}
	if op.Type == TypeRedeem && amount.GreaterThan(excessiveRedeem) {
		c.add(30, "excessive_redeem_amount")
	}
	return c, nil
}

// timeSignal looks at the merchant's local wall clock.
type timeSignal struct {
	now func() time.Time
}

func (s *timeSignal) Name() string { return "time" }

func (s *timeSignal) Evaluate(_ context.Context, op *OperationContext) (Contribution, error) {
	var c Contribution
	loc := op.Zone
	if loc == nil {
		loc = time.UTC
	}
	local := s.now().In(loc)
	if h := local.Hour(); h >= unusualHourStart && h <= unusualHourEnd {
		c.add(15, fmt.Sprintf("unusual_hour:%d", h))
	}
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		c.add(5, "weekend_transaction")
	}
	return c, nil
}

var technicalUserAgent = regexp.MustCompile(`(?i)curl|wget|httpie|python-requests|postman`)

type clientSignal struct{}

func (clientSignal) Name() string { return "client" }

func (clientSignal) Evaluate(_ context.Context, op *OperationContext) (Contribution, error) {
	var c Contribution
	switch ua := strings.TrimSpace(op.UserAgent); {
	case ua == "":
		c.add(5, "no_user_agent")
	case technicalUserAgent.MatchString(ua):
		c.add(10, "technical_user_agent")
	}
	if isLocalAddress(op.IPAddress) {
		c.add(5, "local_ip")
	}
	return c, nil
}

func isLocalAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	if strings.Contains(strings.ToLower(addr), "localhost") {
		return true
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// behaviorSignal compares the operation with the customer's recent history.
type behaviorSignal struct {
	ops OperationLog
	now func() time.Time
}

func (s *behaviorSignal) Name() string { return "behavior" }

func (s *behaviorSignal) Evaluate(ctx context.Context, op *OperationContext) (Contribution, error) {
	var c Contribution
	history, err := s.ops.FindRecentOperations(ctx, op.MerchantID, op.CustomerID, behaviorHistory)
	if err != nil {
		return c, err
	}

	amount := op.Amount.Abs()
	if len(history) > spikeMinHistory {
		total := decimal.Zero
		for _, h := range history {
			total = total.Add(h.Amount.Abs())
		}
		mean := total.Div(decimal.NewFromInt(int64(len(history))))
		if mean.IsPositive() && amount.GreaterThan(mean.Mul(spikeMultiplier)) {
			c.add(20, "amount_spike:"+amount.Div(mean).StringFixed(1)+"x")
		}
	}

	if op.Type == TypeRedeem {
		since := s.now().Add(-day)
		redeems := 0
		for _, h := range history {
			if h.Type == TypeRedeem && h.CreatedAt.After(since) {
				redeems++
			}
		}
		if redeems > redeemsPerDayLimit {
			c.add(15, fmt.Sprintf("multiple_redeems:%d_per_day", redeems))
		}
	}

	earned, redeemed := decimal.Zero, decimal.Zero
	for _, h := range history {
		switch h.Type {
		case TypeEarn:
			earned = earned.Add(h.Amount)
		case TypeRedeem:
			redeemed = redeemed.Add(h.Amount)
		}
	}
	redeemed = redeemed.Abs()
	if earned.IsPositive() && redeemed.GreaterThan(earned.Mul(manipulationRatio)) {
		c.add(25, "balance_manipulation")
	}
	return c, nil
}

// geoSignal flags a jump from the last geo-tagged operation. It only runs
// when the operation carries a coordinate.
type geoSignal struct {
	ops           OperationLog
	maxDistanceKm float64
}

func (s *geoSignal) Name() string { return "geo" }

func (s *geoSignal) Evaluate(ctx context.Context, op *OperationContext) (Contribution, error) {
	var c Contribution
	if op.Location == nil {
		return c, nil
	}
	last, err := s.ops.LastLocatedOperation(ctx, op.MerchantID, op.CustomerID)
	if err != nil {
		return c, err
	}
	if last == nil || last.Location == nil {
		return c, nil
	}
	if km := distanceKm(*last.Location, *op.Location); km > s.maxDistanceKm {
		c.add(30, fmt.Sprintf("location_jump:%dkm", int(math.Round(km))))
	}
	return c, nil
}

const earthRadiusKm = 6371.0

// distanceKm is the haversine great-circle distance.
func distanceKm(a, b GeoPoint) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

type deviceSignal struct {
	ops OperationLog
	now func() time.Time
}

func (s *deviceSignal) Name() string { return "device" }

func (s *deviceSignal) Evaluate(ctx context.Context, op *OperationContext) (Contribution, error) {
	var c Contribution
	if op.DeviceID == "" {
		c.add(10, "no_device_id")
		return c, nil
	}
	now := s.now()

	older, err := s.ops.CountOperations(ctx, OperationFilter{
		MerchantID: op.MerchantID,
		DeviceID:   op.DeviceID,
		Before:     now.Add(-day),
	})
	if err != nil {
		return c, err
	}
	if older == 0 {
		c.add(15, "new_device")
	}

	devices, err := s.ops.CountDistinctDevices(ctx, op.MerchantID, op.CustomerID, now.Add(-week))
	if err != nil {
		return c, err
	}
	if devices > devicesPerWeekLimit {
		c.add(20, fmt.Sprintf("multiple_devices:%d", devices))
	}
	return c, nil
}

type knownPatternSignal struct {
	blacklist Blacklist
}

func (s *knownPatternSignal) Name() string { return "known_patterns" }

func (s *knownPatternSignal) Evaluate(ctx context.Context, op *OperationContext) (Contribution, error) {
	var c Contribution
	if strings.Contains(op.CustomerID, "test") || strings.Contains(op.CustomerID, "demo") {
		c.add(5, "test_account")
	}
	if op.Type == TypeEarn && op.Amount.Abs().GreaterThan(suspiciousEarnAmount) {
		c.add(40, "suspicious_earn_amount")
	}
	if s.blacklist != nil && op.MerchantID != "" && op.CustomerID != "" {
		listed, err := s.blacklist.IsBlacklisted(ctx, op.MerchantID, op.CustomerID)
		if err != nil {
			return c, err
		}
		if listed {
			c.add(100, "blacklisted_customer")
		}
	}
	return c, nil
}
