package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Record(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	a := NewEvent(ProposalCreated, "p1", "0xaa", at)
	b := NewEvent(ProposalCreated, "p1", "0xaa", at)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, time.UTC, a.Timestamp.Location())
}

func TestLogSinkWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	e := NewEvent(ExecutionSucceeded, "p1", "0xaa", time.Now())
	e.SettlementRef = "0xref"
	e.Details = map[string]string{"block": "12"}
	require.NoError(t, sink.Record(context.Background(), e))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "execution_succeeded", line["event_type"])
	assert.Equal(t, "p1", line["proposal_id"])
	assert.Equal(t, "0xref", line["settlement_ref"])
	assert.Equal(t, "audit", line["component"])
	assert.Equal(t, map[string]any{"block": "12"}, line["details"])
	assert.NotContains(t, line, "instruction_hash")
}

func TestMultiDeliversToAllSinks(t *testing.T) {
	first := &recordingSink{err: errors.New("db down")}
	second := &recordingSink{}

	err := Multi{first, nil, second}.Record(context.Background(), NewEvent(Rejected, "p1", "0xaa", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)
}
