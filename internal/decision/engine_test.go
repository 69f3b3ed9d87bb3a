package decision

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-guard/internal/aggregator"
	"yield-guard/internal/ratehistory"
)

var (
	vault = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	now   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type stubCollector struct {
	col aggregator.Collection
}

func (s stubCollector) Collect(context.Context, common.Address) aggregator.Collection {
	return s.col
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func snap(id, rate string, balance uint64) aggregator.Snapshot {
	return aggregator.Snapshot{
		SourceID:    id,
		AnnualRate:  dec(rate),
		HeldBalance: *uint256.NewInt(balance),
		ObservedAt:  now,
		Origin:      aggregator.FromPrimary,
	}
}

func newHistory() *ratehistory.Store {
	h := ratehistory.New(ratehistory.Options{}, zerolog.Nop())
	h.SetClock(func() time.Time { return now })
	return h
}

func record(h *ratehistory.Store, id, rate string, at time.Time) {
	h.Record(ratehistory.Sample{SourceID: id, Rate: dec(rate), ObservedAt: at, Origin: ratehistory.OriginPrimary})
}

func newEngine(history *ratehistory.Store, opts Options, snaps ...aggregator.Snapshot) *Engine {
	col := aggregator.Collection{Snapshots: snaps, DataOrigin: aggregator.DataPrimary}
	return New(stubCollector{col: col}, history, opts, zerolog.Nop())
}

func TestCompareYieldsRecommendsMove(t *testing.T) {
	e := newEngine(newHistory(), Options{UseTimeWeighted: true, DetectAnomalies: true},
		snap("aave", "0.03", 1_000_000),
		snap("comp", "0.0525", 0),
	)

	got := e.CompareYields(context.Background(), vault)
	assert.True(t, got.ShouldMove)
	assert.Empty(t, got.RejectReason)
	assert.Equal(t, "comp", got.BestSource)
	require.NotNil(t, got.CurrentSource)
	assert.Equal(t, "aave", *got.CurrentSource)
	assert.True(t, got.RateDifferentialBps.Equal(dec("225")), "got %s", got.RateDifferentialBps)
	assert.False(t, got.UsedTimeWeighted)
	assert.Equal(t, aggregator.DataPrimary, got.DataOrigin)
}

func TestCompareYieldsRejectReasons(t *testing.T) {
	tests := []struct {
		name    string
		snaps   []aggregator.Snapshot
		reason  string
		current string
	}{
		{
			name:   "no funds anywhere",
			snaps:  []aggregator.Snapshot{snap("aave", "0.03", 0), snap("comp", "0.09", 0)},
			reason: ReasonNoFunds,
		},
		{
			name:    "already in best",
			snaps:   []aggregator.Snapshot{snap("aave", "0.06", 10), snap("comp", "0.05", 0)},
			reason:  ReasonAlreadyInBest,
			current: "aave",
		},
		{
			name:    "tie with best",
			snaps:   []aggregator.Snapshot{snap("aave", "0.05", 0), snap("comp", "0.05", 10)},
			reason:  ReasonAlreadyInBest,
			current: "comp",
		},
		{
			name:    "below threshold",
			snaps:   []aggregator.Snapshot{snap("aave", "0.03", 10), snap("comp", "0.034", 0)},
			reason:  ReasonBelowThreshold,
			current: "aave",
		},
		{
			name:    "largest balance is current",
			snaps:   []aggregator.Snapshot{snap("aave", "0.03", 5), snap("comp", "0.031", 50), snap("well", "0.0312", 0)},
			reason:  ReasonBelowThreshold,
			current: "comp",
		},
		{
			name:   "no snapshots",
			reason: ReasonNoFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newEngine(newHistory(), Options{MinDifferentialBps: dec("50")}, tt.snaps...).CompareYields(context.Background(), vault)
			assert.False(t, got.ShouldMove)
			assert.Equal(t, tt.reason, got.RejectReason)
			if tt.current == "" {
				assert.Nil(t, got.CurrentSource)
			} else {
				require.NotNil(t, got.CurrentSource)
				assert.Equal(t, tt.current, *got.CurrentSource)
			}
		})
	}
}

func TestCompareYieldsAnomalousTargetBlocksMove(t *testing.T) {
	history := newHistory()
	record(history, "comp", "0.05", now.Add(-30*time.Minute))
	record(history, "comp", "0.10", now)

	e := newEngine(history, Options{DetectAnomalies: true},
		snap("aave", "0.03", 1000),
		snap("comp", "0.10", 0),
	)
	got := e.CompareYields(context.Background(), vault)

	assert.False(t, got.ShouldMove)
	assert.Equal(t, ReasonTargetAnomalous, got.RejectReason)
	assert.True(t, got.RateDifferentialBps.Equal(dec("700")))
	verdict := got.AnomaliesBySource["comp"]
	assert.True(t, verdict.Suspicious)
	assert.Equal(t, ratehistory.ReasonVelocity, verdict.Reason)
}

func TestCompareYieldsEarlierRuleWinsOverAnomaly(t *testing.T) {
	history := newHistory()
	record(history, "comp", "0.05", now.Add(-30*time.Minute))
	record(history, "comp", "0.10", now)

	e := newEngine(history, Options{DetectAnomalies: true},
		snap("aave", "0.03", 0),
		snap("comp", "0.10", 0),
	)
	got := e.CompareYields(context.Background(), vault)
	assert.Equal(t, ReasonNoFunds, got.RejectReason)
	assert.True(t, got.AnomaliesBySource["comp"].Suspicious)
}

func TestCompareYieldsAnomalyOnCurrentSourceDoesNotBlock(t *testing.T) {
	history := newHistory()
	record(history, "aave", "0.01", now.Add(-30*time.Minute))
	record(history, "aave", "0.03", now)

	e := newEngine(history, Options{DetectAnomalies: true},
		snap("aave", "0.03", 1000),
		snap("comp", "0.05", 0),
	)
	got := e.CompareYields(context.Background(), vault)
	assert.True(t, got.ShouldMove)
	assert.True(t, got.AnomaliesBySource["aave"].Suspicious)
}

func TestCompareYieldsUsesTimeWeightedRates(t *testing.T) {
	history := newHistory()
	record(history, "comp", "0.04", now.Add(-2*time.Hour))
	record(history, "comp", "0.06", now.Add(-time.Hour))

	e := newEngine(history, Options{UseTimeWeighted: true},
		snap("aave", "0.03", 1000),
		snap("comp", "0.07", 0),
	)
	got := e.CompareYields(context.Background(), vault)

	assert.True(t, got.UsedTimeWeighted)
	comp, ok := got.Snapshot("comp")
	require.True(t, ok)
	assert.True(t, comp.AnnualRate.Equal(dec("0.05")), "got %s", comp.AnnualRate)
	assert.True(t, got.SpotRates["comp"].Equal(dec("0.07")))
	assert.True(t, got.RateDifferentialBps.Equal(dec("200")), "got %s", got.RateDifferentialBps)

	aave, _ := got.Snapshot("aave")
	assert.True(t, aave.AnnualRate.Equal(dec("0.03")), "single-sample sources keep the spot rate")
}

func TestCompareYieldsCustomThreshold(t *testing.T) {
	e := newEngine(newHistory(), Options{MinDifferentialBps: dec("300")},
		snap("aave", "0.03", 1000),
		snap("comp", "0.0525", 0),
	)
	got := e.CompareYields(context.Background(), vault)
	assert.Equal(t, ReasonBelowThreshold, got.RejectReason)
}

func TestCompareYieldsZeroThresholdAllowsAnyGain(t *testing.T) {
	e := newEngine(newHistory(), Options{MinDifferentialBps: decimal.Zero},
		snap("aave", "0.03", 1000),
		snap("comp", "0.0301", 0),
	)
	got := e.CompareYields(context.Background(), vault)
	assert.True(t, got.ShouldMove)
	assert.True(t, got.RateDifferentialBps.Equal(dec("1")), "got %s", got.RateDifferentialBps)
}

func TestCompareYieldsEmptyCollection(t *testing.T) {
	e := New(stubCollector{col: aggregator.Collection{Missing: []string{"aave"}, DataOrigin: aggregator.DataNone}},
		newHistory(), Options{}, zerolog.Nop())
	got := e.CompareYields(context.Background(), vault)
	assert.False(t, got.ShouldMove)
	assert.Equal(t, ReasonNoFunds, got.RejectReason)
	assert.Equal(t, aggregator.DataNone, got.DataOrigin)
}
