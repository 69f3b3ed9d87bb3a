package ratehistory

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Origin tags where a sample's rate came from.
type Origin string

const (
	OriginPrimary  Origin = "primary"
	OriginFallback Origin = "fallback"
)

// VelocityWindow is the fixed lookback used by anomaly detection.
const VelocityWindow = time.Hour

// maxTailWeight caps how much the most recent sample contributes for the
// time elapsed since it was observed.
const maxTailWeight = time.Hour

// Sample is one observed annualised rate for a source.
type Sample struct {
	SourceID   string
	Rate       decimal.Decimal
	ObservedAt time.Time
	Origin     Origin
}

// TimeWeightedRate is a derived average over a window.
type TimeWeightedRate struct {
	Value       decimal.Decimal
	SampleCount int
	WindowStart time.Time
	WindowEnd   time.Time
}

// Options bound the store and tune anomaly detection.
type Options struct {
	Retention          time.Duration
	MaxSamples         int
	VelocityThreshold  decimal.Decimal
	VelocityHigh       decimal.Decimal
	DeviationThreshold decimal.Decimal
	DeviationHigh      decimal.Decimal
}

// DefaultOptions mirror the documented configuration defaults.
func DefaultOptions() Options {
	return Options{
		Retention:          24 * time.Hour,
		MaxSamples:         1440,
		VelocityThreshold:  decimal.RequireFromString("0.5"),
		VelocityHigh:       decimal.RequireFromString("1.0"),
		DeviationThreshold: decimal.RequireFromString("0.2"),
		DeviationHigh:      decimal.RequireFromString("0.5"),
	}
}

// Store keeps a bounded, per-source window of rate samples.
type Store struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	samples map[string][]Sample
}

// New constructs an empty store. Zero-valued options fall back to defaults.
func New(opts Options, logger zerolog.Logger) *Store {
	def := DefaultOptions()
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = def.MaxSamples
	}
	if !opts.VelocityThreshold.IsPositive() {
		opts.VelocityThreshold = def.VelocityThreshold
	}
	if !opts.VelocityHigh.IsPositive() {
		opts.VelocityHigh = def.VelocityHigh
	}
	if !opts.DeviationThreshold.IsPositive() {
		opts.DeviationThreshold = def.DeviationThreshold
	}
	if !opts.DeviationHigh.IsPositive() {
		opts.DeviationHigh = def.DeviationHigh
	}
	return &Store{
		opts:    opts,
		logger:  logger.With().Str("component", "rate_history").Logger(),
		now:     time.Now,
		samples: make(map[string][]Sample),
	}
}

// SetClock replaces the wall clock, for tests and replays.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Record appends a sample and prunes the source's window.
func (s *Store) Record(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := append(s.samples[sample.SourceID], sample)
	// out-of-order arrivals are kept sorted so weighting stays monotonic
	if n := len(series); n > 1 && series[n-1].ObservedAt.Before(series[n-2].ObservedAt) {
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].ObservedAt.Before(series[j].ObservedAt)
		})
	}
	s.samples[sample.SourceID] = s.prune(series)
}

func (s *Store) prune(series []Sample) []Sample {
	cutoff := s.now().Add(-s.opts.Retention)
	drop := 0
	for drop < len(series) && series[drop].ObservedAt.Before(cutoff) {
		drop++
	}
	series = series[drop:]
	if excess := len(series) - s.opts.MaxSamples; excess > 0 {
		series = series[excess:]
	}
	out := make([]Sample, len(series))
	copy(out, series)
	return out
}

// Latest returns the most recent sample for a source.
func (s *Store) Latest(sourceID string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.samples[sourceID]
	if len(series) == 0 {
		return Sample{}, false
	}
	return series[len(series)-1], true
}

// IsStale reports whether the newest sample is older than maxAge. A source
// with no samples is stale.
func (s *Store) IsStale(sourceID string, maxAge time.Duration) bool {
	latest, ok := s.Latest(sourceID)
	if !ok {
		return true
	}
	return s.clock().Sub(latest.ObservedAt) > maxAge
}

// Count returns the number of retained samples for a source.
func (s *Store) Count(sourceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples[sourceID])
}

// CountWithin returns the number of samples observed inside the trailing window.
func (s *Store) CountWithin(sourceID string, window time.Duration) int {
	return len(s.window(sourceID, window))
}

// Sources lists the ids that currently hold samples.
func (s *Store) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.samples))
	for id, series := range s.samples {
		if len(series) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Reset drops every sample.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = make(map[string][]Sample)
}

// TimeWeightedAverage averages a source's rate over the trailing window.
// It returns nil when the window holds no samples.
func (s *Store) TimeWeightedAverage(sourceID string, window time.Duration) *TimeWeightedRate {
	now := s.clock()
	series := s.window(sourceID, window)
	if len(series) == 0 {
		return nil
	}

	result := &TimeWeightedRate{
		SampleCount: len(series),
		WindowStart: now.Add(-window),
		WindowEnd:   now,
	}
	if len(series) == 1 {
		result.Value = series[0].Rate
		return result
	}

	weighted := decimal.Zero
	totalWeight := decimal.Zero
	for i := 0; i < len(series)-1; i++ {
		gap := decimal.NewFromInt(series[i+1].ObservedAt.Sub(series[i].ObservedAt).Milliseconds())
		weighted = weighted.Add(series[i].Rate.Mul(gap))
		totalWeight = totalWeight.Add(gap)
	}

	last := series[len(series)-1]
	tail := now.Sub(last.ObservedAt)
	if tail > maxTailWeight {
		tail = maxTailWeight
	}
	if tail > 0 {
		w := decimal.NewFromInt(tail.Milliseconds())
		weighted = weighted.Add(last.Rate.Mul(w))
		totalWeight = totalWeight.Add(w)
	}

	if totalWeight.IsZero() {
		result.Value = last.Rate
		return result
	}
	result.Value = weighted.Div(totalWeight)
	return result
}

func (s *Store) window(sourceID string, window time.Duration) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.samples[sourceID]
	start := s.now().Add(-window)
	idx := sort.Search(len(series), func(i int) bool {
		return !series[i].ObservedAt.Before(start)
	})
	out := make([]Sample, len(series)-idx)
	copy(out, series[idx:])
	return out
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}
