package aggregator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"yield-guard/internal/ratehistory"
	"yield-guard/internal/source"
)

// DataOrigin summarises where a cycle's rates came from.
type DataOrigin string

const (
	DataPrimary  DataOrigin = "primary"
	DataFallback DataOrigin = "fallback"
	DataMixed    DataOrigin = "mixed"
	// DataNone means no source produced a rate this cycle.
	DataNone DataOrigin = "none"
)

// SnapshotOrigin records how a single snapshot's rate was resolved.
type SnapshotOrigin string

const (
	FromPrimary   SnapshotOrigin = "primary"
	FromFallback  SnapshotOrigin = "fallback"
	FromLastKnown SnapshotOrigin = "last_known"
)

// Snapshot is one source's view for the current cycle.
type Snapshot struct {
	SourceID    string
	DisplayName string
	AnnualRate  decimal.Decimal
	HeldBalance uint256.Int
	ObservedAt  time.Time
	Origin      SnapshotOrigin
}

// Collection is the result of one aggregation pass.
type Collection struct {
	Snapshots  []Snapshot
	DataOrigin DataOrigin
	Missing    []string
}

// Aggregator merges primary readers with a fallback source and rate history.
type Aggregator struct {
	sources  []source.Source
	fallback source.FallbackRates
	history  *ratehistory.Store
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs an aggregator. fallback may be nil.
func New(sources []source.Source, fallback source.FallbackRates, history *ratehistory.Store, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		sources:  sources,
		fallback: fallback,
		history:  history,
		logger:   logger.With().Str("component", "aggregator").Logger(),
		now:      time.Now,
	}
}

// Sources returns the tracked sources in configuration order.
func (a *Aggregator) Sources() []source.Source {
	out := make([]source.Source, len(a.sources))
	copy(out, a.sources)
	return out
}

type readResult struct {
	snapshot Snapshot
	ok       bool
}

// Collect reads every source concurrently. Individual failures degrade to
// the fallback source, then to the last known rate; they never fail the cycle.
func (a *Aggregator) Collect(ctx context.Context, holder common.Address) Collection {
	results := make([]readResult, len(a.sources))

	// goroutines never return an error so one source cannot cancel its siblings
	var g errgroup.Group
	for i, src := range a.sources {
		g.Go(func() error {
			results[i] = a.resolve(ctx, src, holder)
			return nil
		})
	}
	_ = g.Wait()

	out := Collection{Snapshots: make([]Snapshot, 0, len(a.sources))}
	primary, degraded := 0, 0
	for i, res := range results {
		if !res.ok {
			out.Missing = append(out.Missing, a.sources[i].ID)
			continue
		}
		out.Snapshots = append(out.Snapshots, res.snapshot)
		if res.snapshot.Origin == FromPrimary {
			primary++
		} else {
			degraded++
		}
	}

	switch {
	case len(out.Snapshots) == 0:
		out.DataOrigin = DataNone
	case degraded == 0:
		out.DataOrigin = DataPrimary
	case primary == 0:
		out.DataOrigin = DataFallback
	default:
		out.DataOrigin = DataMixed
	}
	return out
}

func (a *Aggregator) resolve(ctx context.Context, src source.Source, holder common.Address) readResult {
	log := a.logger.With().Str("source", src.ID).Logger()

	if src.Reader != nil {
		reading, err := src.Reader.Read(ctx, holder)
		if err == nil {
			observed := a.now().UTC()
			a.record(src.ID, reading.Rate, observed, ratehistory.OriginPrimary)
			return readResult{ok: true, snapshot: Snapshot{
				SourceID:    src.ID,
				DisplayName: src.DisplayName,
				AnnualRate:  reading.Rate,
				HeldBalance: reading.Balance,
				ObservedAt:  observed,
				Origin:      FromPrimary,
			}}
		}
		log.Warn().Err(err).Msg("primary read failed, trying fallback")
	}

	if rate, ok := a.readFallback(ctx, src.ID, log); ok {
		observed := a.now().UTC()
		a.record(src.ID, rate, observed, ratehistory.OriginFallback)
		return readResult{ok: true, snapshot: Snapshot{
			SourceID:    src.ID,
			DisplayName: src.DisplayName,
			AnnualRate:  rate,
			ObservedAt:  observed,
			Origin:      FromFallback,
		}}
	}

	if a.history != nil {
		if last, ok := a.history.Latest(src.ID); ok {
			log.Warn().Time("observed_at", last.ObservedAt).Msg("using last known rate")
			return readResult{ok: true, snapshot: Snapshot{
				SourceID:    src.ID,
				DisplayName: src.DisplayName,
				AnnualRate:  last.Rate,
				ObservedAt:  last.ObservedAt,
				Origin:      FromLastKnown,
			}}
		}
	}

	log.Error().Msg("no rate available from primary, fallback or history")
	return readResult{}
}

func (a *Aggregator) readFallback(ctx context.Context, id string, log zerolog.Logger) (decimal.Decimal, bool) {
	if a.fallback == nil {
		return decimal.Zero, false
	}
	rates, err := a.fallback.CurrentRates(ctx, []string{id})
	if err != nil {
		log.Warn().Err(err).Msg("fallback read failed")
		return decimal.Zero, false
	}
	rate, ok := rates[id]
	return rate, ok
}

func (a *Aggregator) record(id string, rate decimal.Decimal, at time.Time, origin ratehistory.Origin) {
	if a.history == nil {
		return
	}
	a.history.Record(ratehistory.Sample{SourceID: id, Rate: rate, ObservedAt: at, Origin: origin})
}
