package ratehistory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity grades a suspicious verdict.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Verdict reasons.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonVelocity         = "velocity_exceeded"
	ReasonDeviation        = "twap_deviation_exceeded"
)

// AnomalyVerdict describes whether a source's current rate looks manipulated.
// It withholds trust; it does not assert that manipulation happened.
type AnomalyVerdict struct {
	Suspicious     bool            `json:"suspicious"`
	Reason         string          `json:"reason,omitempty"`
	Severity       Severity        `json:"severity,omitempty"`
	CurrentRate    decimal.Decimal `json:"current_rate"`
	ReferenceRate  decimal.Decimal `json:"reference_rate"`
	// ChangeFraction is zero when the reference rate is zero.
	ChangeFraction decimal.Decimal `json:"change_fraction"`
	Window         time.Duration   `json:"window"`
}

// DetectAnomaly runs the velocity check and, if that passes, the TWAP
// deviation check over the last hour. override replaces the newest sample
// as the current rate when non-nil.
func (s *Store) DetectAnomaly(sourceID string, override *decimal.Decimal) AnomalyVerdict {
	series := s.window(sourceID, VelocityWindow)
	verdict := AnomalyVerdict{Window: VelocityWindow}
	if len(series) < 2 {
		verdict.Reason = ReasonInsufficientData
		if len(series) == 1 {
			verdict.CurrentRate = series[0].Rate
		}
		return verdict
	}

	oldest := series[0].Rate
	current := series[len(series)-1].Rate
	if override != nil {
		current = *override
	}
	verdict.CurrentRate = current
	verdict.ReferenceRate = oldest

	change, bounded := fractionalChange(current, oldest)
	verdict.ChangeFraction = change
	if !bounded || change.GreaterThan(s.opts.VelocityThreshold) {
		verdict.Suspicious = true
		verdict.Reason = ReasonVelocity
		verdict.Severity = SeverityHigh
		if bounded {
			verdict.Severity = grade(change, s.opts.VelocityHigh)
		}
		return verdict
	}

	twap := s.TimeWeightedAverage(sourceID, VelocityWindow)
	if twap == nil {
		return verdict
	}
	deviation, bounded := fractionalChange(current, twap.Value)
	if !bounded || deviation.GreaterThan(s.opts.DeviationThreshold) {
		verdict.Suspicious = true
		verdict.Reason = ReasonDeviation
		verdict.Severity = SeverityHigh
		if bounded {
			verdict.Severity = grade(deviation, s.opts.DeviationHigh)
		}
		verdict.ReferenceRate = twap.Value
		verdict.ChangeFraction = deviation
	}
	return verdict
}

// fractionalChange is |current-reference|/|reference|. A move away from a zero
// reference is unbounded and reported with bounded=false and a zero fraction.
func fractionalChange(current, reference decimal.Decimal) (change decimal.Decimal, bounded bool) {
	if reference.IsZero() {
		return decimal.Zero, current.IsZero()
	}
	return current.Sub(reference).Abs().Div(reference.Abs()), true
}

func grade(change, high decimal.Decimal) Severity {
	if change.GreaterThan(high) {
		return SeverityHigh
	}
	return SeverityMedium
}
