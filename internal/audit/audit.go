package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names a proposal lifecycle transition.
type EventType string

const (
	ProposalCreated    EventType = "proposal_created"
	ApprovalRequested  EventType = "approval_requested"
	Approved           EventType = "approved"
	Rejected           EventType = "rejected"
	Expired            EventType = "expired"
	SessionKeySigned   EventType = "session_key_signed"
	ExecutionStarted   EventType = "execution_started"
	ExecutionSucceeded EventType = "execution_succeeded"
	ExecutionFailed    EventType = "execution_failed"
)

// Event is one audit record.
type Event struct {
	ID              uuid.UUID         `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	EventType       EventType         `json:"event_type"`
	ProposalID      string            `json:"proposal_id,omitempty"`
	TargetEntityID  string            `json:"target_entity_id"`
	InstructionHash string            `json:"instruction_hash,omitempty"`
	SettlementRef   string            `json:"settlement_ref,omitempty"`
	Details         map[string]string `json:"details,omitempty"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(eventType EventType, proposalID, target string, at time.Time) Event {
	return Event{
		ID:             uuid.New(),
		Timestamp:      at.UTC(),
		EventType:      eventType,
		ProposalID:     proposalID,
		TargetEntityID: target,
	}
}

// Sink receives audit events. Callers log sink failures and carry on.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	ev := s.logger.Info().
		Str("audit_id", e.ID.String()).
		Str("event_type", string(e.EventType)).
		Str("target", e.TargetEntityID)
	if e.ProposalID != "" {
		ev = ev.Str("proposal_id", e.ProposalID)
	}
	if e.InstructionHash != "" {
		ev = ev.Str("instruction_hash", e.InstructionHash)
	}
	if e.SettlementRef != "" {
		ev = ev.Str("settlement_ref", e.SettlementRef)
	}
	if len(e.Details) > 0 {
		dict := zerolog.Dict()
		for k, v := range e.Details {
			dict = dict.Str(k, v)
		}
		ev = ev.Dict("details", dict)
	}
	ev.Time("at", e.Timestamp).Msg("audit event")
	return nil
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lister reads recent audit events back.
type Lister interface {
	ListRecentAuditEvents(ctx context.Context, proposalID string, limit int) ([]Event, error)
}
