package decision

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-guard/internal/aggregator"
	"yield-guard/internal/ratehistory"
)

// Reject reasons, in evaluation order.
const (
	ReasonNoFunds         = "no_funds_to_move"
	ReasonAlreadyInBest   = "already_in_best_source"
	ReasonBelowThreshold  = "apy_differential_below_threshold"
	ReasonTargetAnomalous = "target_source_anomaly_detected"
)

var bpsPerUnit = decimal.NewFromInt(10_000)

// Collector produces one cycle's snapshots.
type Collector interface {
	Collect(ctx context.Context, holder common.Address) aggregator.Collection
}

// Options tune the decision rule.
type Options struct {
	MinDifferentialBps decimal.Decimal
	UseTimeWeighted    bool
	TWAPWindow         time.Duration
	DetectAnomalies    bool
	StaleAfter         time.Duration
}

// Comparison is the outcome of one decision cycle and the sole input to
// proposal creation.
type Comparison struct {
	// Snapshots carry effective rates: time-weighted where enough history exists.
	Snapshots           []aggregator.Snapshot
	SpotRates           map[string]decimal.Decimal
	BestSource          string
	CurrentSource       *string
	RateDifferentialBps decimal.Decimal
	ShouldMove          bool
	RejectReason        string
	UsedTimeWeighted    bool
	AnomaliesBySource   map[string]ratehistory.AnomalyVerdict
	DataOrigin          aggregator.DataOrigin
}

// Snapshot returns the effective snapshot for a source.
func (c Comparison) Snapshot(id string) (aggregator.Snapshot, bool) {
	for _, s := range c.Snapshots {
		if s.SourceID == id {
			return s, true
		}
	}
	return aggregator.Snapshot{}, false
}

// Engine decides whether moving funds between sources is justified.
type Engine struct {
	collector Collector
	history   *ratehistory.Store
	opts      Options
	logger    zerolog.Logger
}

// New constructs the decision engine.
func New(collector Collector, history *ratehistory.Store, opts Options, logger zerolog.Logger) *Engine {
	if opts.TWAPWindow <= 0 {
		opts.TWAPWindow = 6 * time.Hour
	}
	return &Engine{
		collector: collector,
		history:   history,
		opts:      opts,
		logger:    logger.With().Str("component", "decision").Logger(),
	}
}

// CompareYields collects snapshots for the vault and applies the decision rule.
func (e *Engine) CompareYields(ctx context.Context, vault common.Address) Comparison {
	col := e.collector.Collect(ctx, vault)
	result := Comparison{
		Snapshots:           make([]aggregator.Snapshot, 0, len(col.Snapshots)),
		SpotRates:           make(map[string]decimal.Decimal, len(col.Snapshots)),
		AnomaliesBySource:   make(map[string]ratehistory.AnomalyVerdict),
		DataOrigin:          col.DataOrigin,
		RateDifferentialBps: decimal.Zero,
	}

	for _, snap := range col.Snapshots {
		result.SpotRates[snap.SourceID] = snap.AnnualRate
		if e.history != nil {
			if e.opts.UseTimeWeighted && e.history.CountWithin(snap.SourceID, e.opts.TWAPWindow) >= 2 {
				if twap := e.history.TimeWeightedAverage(snap.SourceID, e.opts.TWAPWindow); twap != nil {
					snap.AnnualRate = twap.Value
					result.UsedTimeWeighted = true
				}
			}
			if e.opts.DetectAnomalies {
				verdict := e.history.DetectAnomaly(snap.SourceID, nil)
				result.AnomaliesBySource[snap.SourceID] = verdict
				if verdict.Suspicious {
					e.logger.Warn().Str("source", snap.SourceID).
						Str("reason", verdict.Reason).
						Str("severity", string(verdict.Severity)).
						Str("change", verdict.ChangeFraction.String()).
						Msg("rate anomaly detected")
				}
			}
			if e.opts.StaleAfter > 0 && e.history.IsStale(snap.SourceID, e.opts.StaleAfter) {
				e.logger.Warn().Str("source", snap.SourceID).Dur("max_age", e.opts.StaleAfter).Msg("source rate is stale")
			}
		}
		result.Snapshots = append(result.Snapshots, snap)
	}

	e.decide(&result)

	e.logger.Info().
		Str("best", result.BestSource).
		Str("differential_bps", result.RateDifferentialBps.StringFixed(2)).
		Bool("should_move", result.ShouldMove).
		Str("reason", result.RejectReason).
		Str("origin", string(result.DataOrigin)).
		Msg("yield comparison complete")
	return result
}

func (e *Engine) decide(result *Comparison) {
	if len(result.Snapshots) == 0 {
		result.RejectReason = ReasonNoFunds
		return
	}

	best := result.Snapshots[0]
	for _, s := range result.Snapshots[1:] {
		if s.AnnualRate.GreaterThan(best.AnnualRate) {
			best = s
		}
	}
	result.BestSource = best.SourceID

	var current *aggregator.Snapshot
	for i := range result.Snapshots {
		s := &result.Snapshots[i]
		if s.HeldBalance.IsZero() {
			continue
		}
		if current == nil || s.HeldBalance.Gt(&current.HeldBalance) {
			current = s
		}
	}

	if current == nil {
		result.RejectReason = ReasonNoFunds
		return
	}
	currentID := current.SourceID
	result.CurrentSource = &currentID

	if current.SourceID == best.SourceID || current.AnnualRate.GreaterThanOrEqual(best.AnnualRate) {
		result.RejectReason = ReasonAlreadyInBest
		return
	}

	result.RateDifferentialBps = best.AnnualRate.Sub(current.AnnualRate).Mul(bpsPerUnit)
	if result.RateDifferentialBps.LessThan(e.opts.MinDifferentialBps) {
		result.RejectReason = ReasonBelowThreshold
		return
	}

	if verdict, ok := result.AnomaliesBySource[best.SourceID]; ok && verdict.Suspicious {
		result.RejectReason = ReasonTargetAnomalous
		return
	}

	result.ShouldMove = true
}
