package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-guard/internal/aggregator"
	"yield-guard/internal/approval"
	"yield-guard/internal/audit"
	"yield-guard/internal/custody"
	"yield-guard/internal/decision"
	"yield-guard/internal/instruction"
	"yield-guard/internal/ratehistory"
)

var (
	epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	vault = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type stubComparer struct {
	cmp   decision.Comparison
	calls int
}

func (s *stubComparer) CompareYields(context.Context, common.Address) decision.Comparison {
	s.calls++
	return s.cmp
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.EventType
}

func (r *recordingSink) Record(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.EventType)
	return nil
}

func (r *recordingSink) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.EventType(nil), r.events...)
}

type captureNotifier struct {
	notes []approval.Notification
	err   error
}

func (c *captureNotifier) Notify(_ context.Context, note approval.Notification) error {
	c.notes = append(c.notes, note)
	return c.err
}

type fakeSubmitter struct {
	submitErr error
	pending   int
	outcome   instruction.Outcome
	submitted []instruction.Signed
}

func (f *fakeSubmitter) Submit(_ context.Context, s instruction.Signed) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, s)
	return "ref-1", nil
}

func (f *fakeSubmitter) Await(_ context.Context, ref string) (instruction.Outcome, error) {
	if f.pending > 0 {
		f.pending--
		return instruction.Outcome{}, instruction.ErrNotYetIncluded
	}
	out := f.outcome
	out.Ref = ref
	return out, nil
}

type memSamples struct {
	saved   []ratehistory.Sample
	stored  []ratehistory.Sample
	pruned  []time.Time
	loadErr error
}

func (m *memSamples) InsertRateSample(_ context.Context, s ratehistory.Sample) error {
	m.saved = append(m.saved, s)
	return nil
}

func (m *memSamples) ListSamplesSince(_ context.Context, since time.Time) ([]ratehistory.Sample, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make([]ratehistory.Sample, 0, len(m.stored))
	for _, s := range m.stored {
		if !s.ObservedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSamples) DeleteSamplesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.pruned = append(m.pruned, cutoff)
	return 0, nil
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// moveComparison is 3.00% on aave (holding funds) against 5.25% on comp.
func moveComparison(balance uint64) decision.Comparison {
	current := "aave"
	return decision.Comparison{
		Snapshots: []aggregator.Snapshot{
			{SourceID: "aave", AnnualRate: dec("0.03"), HeldBalance: *uint256.NewInt(balance), ObservedAt: epoch, Origin: aggregator.FromPrimary},
			{SourceID: "comp", AnnualRate: dec("0.0525"), ObservedAt: epoch, Origin: aggregator.FromFallback},
			{SourceID: "well", AnnualRate: dec("0.01"), ObservedAt: epoch.Add(-time.Hour), Origin: aggregator.FromLastKnown},
		},
		SpotRates:           map[string]decimal.Decimal{"aave": dec("0.03"), "comp": dec("0.0525"), "well": dec("0.01")},
		BestSource:          "comp",
		CurrentSource:       &current,
		RateDifferentialBps: dec("225"),
		ShouldMove:          true,
	}
}

type harness struct {
	agent     *Agent
	approvals *approval.Manager
	sink      *recordingSink
	notifier  *captureNotifier
	samples   *memSamples
	comparer  *stubComparer
}

func newHarness(t *testing.T, threshold uint64, keys KeySource, submitter instruction.Submitter, opts Options) *harness {
	t.Helper()
	sink := &recordingSink{}
	approvals := approval.NewManager(approval.Options{
		Timeout:              time.Hour,
		AutoExecuteThreshold: *uint256.NewInt(threshold),
		BaseURL:              "https://approve.example/approve",
		AssetDecimals:        6,
		AssetSymbol:          "USDC",
	}, instruction.KeccakHasher{}, sink, nil, zerolog.Nop())
	approvals.SetClock(func() time.Time { return epoch })

	builder := instruction.NewSequentialBuilder(8453, 2*time.Hour)
	comparer := &stubComparer{cmp: moveComparison(2_000_000_000)}
	notifier := &captureNotifier{}
	samples := &memSamples{}

	opts.Vault = vault
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	deps := Deps{
		Engine:    comparer,
		Approvals: approvals,
		Builder:   builder,
		Hasher:    instruction.KeccakHasher{},
		Notifier:  notifier,
		Samples:   samples,
	}
	if keys != nil {
		deps.Keys = keys
	}
	if submitter != nil {
		deps.Submitter = submitter
	}
	a := New(opts, deps, zerolog.Nop())
	a.SetClock(func() time.Time { return epoch })
	return &harness{agent: a, approvals: approvals, sink: sink, notifier: notifier, samples: samples, comparer: comparer}
}

func newCustody(t *testing.T, spendLimit uint64) *custody.Manager {
	t.Helper()
	m, err := custody.NewManager(custody.DeriveDevelopmentMasterKey("agent-test"), nil, zerolog.Nop())
	require.NoError(t, err)
	_, err = m.Generate(context.Background(), time.Now().Add(time.Hour), *uint256.NewInt(spendLimit))
	require.NoError(t, err)
	return m
}

func TestRunCycleHumanLane(t *testing.T) {
	h := newHarness(t, 0, nil, nil, Options{})

	res, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, LaneHuman, res.Lane)
	require.NotNil(t, res.Proposal)
	assert.Equal(t, approval.StatusPendingApproval, res.Proposal.Status)
	assert.Equal(t, "aave", res.Proposal.FromSource)
	assert.Equal(t, "comp", res.Proposal.ToSource)
	assert.True(t, res.Proposal.FromRate.Equal(dec("0.03")))
	assert.True(t, res.Proposal.ToRate.Equal(dec("0.0525")))
	assert.Equal(t, uint64(2_000_000_000), res.Proposal.Amount.Uint64())

	require.Len(t, h.notifier.notes, 1)
	assert.Equal(t, res.Proposal.ID, h.notifier.notes[0].ProposalID)
	_, ok := h.approvals.Request(res.Proposal.ID)
	assert.True(t, ok)
	assert.Equal(t, []audit.EventType{audit.ProposalCreated, audit.ApprovalRequested}, h.sink.types())
}

func TestRunCyclePersistsLiveSamplesOnly(t *testing.T) {
	h := newHarness(t, 0, nil, nil, Options{SampleRetention: 48 * time.Hour})
	h.comparer.cmp.ShouldMove = false

	res, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipNoMove, res.Skipped)

	require.Len(t, h.samples.saved, 2)
	assert.Equal(t, ratehistory.OriginPrimary, h.samples.saved[0].Origin)
	assert.Equal(t, ratehistory.OriginFallback, h.samples.saved[1].Origin)
	assert.Equal(t, []time.Time{epoch.Add(-48 * time.Hour)}, h.samples.pruned)
	assert.Empty(t, h.notifier.notes)
}

func TestRunCycleSkipsWhileProposalOpen(t *testing.T) {
	h := newHarness(t, 0, nil, nil, Options{})

	_, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)
	res, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SkipProposalOpen, res.Skipped)
	assert.Nil(t, res.Proposal)
	assert.Len(t, h.notifier.notes, 1)
	assert.Len(t, h.approvals.PendingApprovals(), 1)
}

func TestRunCycleMoveFraction(t *testing.T) {
	h := newHarness(t, 0, nil, nil, Options{MoveFraction: dec("0.5")})

	res, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Proposal)
	assert.Equal(t, uint64(1_000_000_000), res.Proposal.Amount.Uint64())
}

func TestRunCycleAutoLaneExecutes(t *testing.T) {
	keys := newCustody(t, 5_000_000_000)
	sub := &fakeSubmitter{pending: 2, outcome: instruction.Outcome{Success: true, BlockNumber: 42}}
	h := newHarness(t, 10_000_000_000, keys, sub, Options{})

	res, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, LaneAuto, res.Lane)
	require.NotNil(t, res.Proposal)
	assert.Equal(t, approval.StatusExecuted, res.Proposal.Status)
	assert.Equal(t, "ref-1", res.Proposal.SettlementRef)
	require.Len(t, sub.submitted, 1)
	assert.Equal(t, instruction.SchemeSessionKey, sub.submitted[0].Signature.Scheme)
	assert.Empty(t, h.notifier.notes)
	assert.Equal(t, []audit.EventType{
		audit.ProposalCreated,
		audit.SessionKeySigned,
		audit.Approved,
		audit.ExecutionStarted,
		audit.ExecutionSucceeded,
	}, h.sink.types())
}

func TestRunCycleSpendLimitFallsBackToHuman(t *testing.T) {
	keys := newCustody(t, 1_000_000)
	sub := &fakeSubmitter{outcome: instruction.Outcome{Success: true}}
	h := newHarness(t, 10_000_000_000, keys, sub, Options{})

	res, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, LaneHuman, res.Lane)
	assert.Empty(t, sub.submitted)
	assert.Len(t, h.notifier.notes, 1)
}

func TestRunCycleAutoLaneWithoutRelayFails(t *testing.T) {
	keys := newCustody(t, 5_000_000_000)
	h := newHarness(t, 10_000_000_000, keys, nil, Options{})

	res, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Proposal)
	assert.Equal(t, approval.StatusFailed, res.Proposal.Status)
	assert.Equal(t, "no execution relay configured", res.Proposal.FailureReason)

	_, open := h.approvals.Open()
	assert.False(t, open)
}

func TestExecuteApprovedFailures(t *testing.T) {
	tests := []struct {
		name   string
		sub    *fakeSubmitter
		reason string
	}{
		{"submit error", &fakeSubmitter{submitErr: errors.New("relay down")}, "relay down"},
		{"reverted", &fakeSubmitter{outcome: instruction.Outcome{Success: false, Reason: "reverted"}}, "reverted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := newCustody(t, 5_000_000_000)
			h := newHarness(t, 10_000_000_000, keys, tt.sub, Options{})

			res, err := h.agent.RunCycle(context.Background())
			require.NoError(t, err)
			require.NotNil(t, res.Proposal)
			assert.Equal(t, approval.StatusFailed, res.Proposal.Status)
			assert.Equal(t, tt.reason, res.Proposal.FailureReason)
			assert.Contains(t, h.sink.types(), audit.ExecutionFailed)
		})
	}
}

func TestHumanApprovalThenDispatch(t *testing.T) {
	sub := &fakeSubmitter{outcome: instruction.Outcome{Success: true}}
	h := newHarness(t, 0, nil, sub, Options{})

	res, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Proposal)

	signed, err := h.approvals.ProcessApproval(context.Background(), approval.Response{
		ProposalID: res.Proposal.ID,
		Approved:   true,
		Approver:   common.HexToAddress("0x00000000000000000000000000000000000000ee"),
		Assertion:  &instruction.BiometricAssertion{CredentialID: "cred", Signature: []byte{1, 2, 3}},
	})
	require.NoError(t, err)

	h.agent.Dispatch(context.Background(), res.Proposal.ID, signed)
	h.agent.Wait()

	p, ok := h.approvals.Proposal(res.Proposal.ID)
	require.True(t, ok)
	assert.Equal(t, approval.StatusExecuted, p.Status)
	require.Len(t, sub.submitted, 1)
	assert.Equal(t, instruction.SchemeBiometric, sub.submitted[0].Signature.Scheme)
}

func TestWarmReplaysHistory(t *testing.T) {
	history := ratehistory.New(ratehistory.Options{Retention: 24 * time.Hour}, zerolog.Nop())
	history.SetClock(func() time.Time { return epoch })
	samples := &memSamples{stored: []ratehistory.Sample{
		{SourceID: "aave", Rate: dec("0.03"), ObservedAt: epoch.Add(-48 * time.Hour)},
		{SourceID: "aave", Rate: dec("0.031"), ObservedAt: epoch.Add(-2 * time.Hour)},
		{SourceID: "comp", Rate: dec("0.05"), ObservedAt: epoch.Add(-time.Hour)},
	}}

	a := New(Options{HistoryRetention: 24 * time.Hour}, Deps{History: history, Samples: samples}, zerolog.Nop())
	a.SetClock(func() time.Time { return epoch })

	n, err := a.Warm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	latest, ok := history.Latest("aave")
	require.True(t, ok)
	assert.True(t, latest.Rate.Equal(dec("0.031")))
}

func TestWarmWithoutStore(t *testing.T) {
	history := ratehistory.New(ratehistory.Options{}, zerolog.Nop())
	a := New(Options{}, Deps{History: history}, zerolog.Nop())

	n, err := a.Warm(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLastCycle(t *testing.T) {
	h := newHarness(t, 0, nil, nil, Options{})
	_, ok := h.agent.LastCycle()
	assert.False(t, ok)

	_, err := h.agent.RunCycle(context.Background())
	require.NoError(t, err)
	last, ok := h.agent.LastCycle()
	require.True(t, ok)
	assert.Equal(t, LaneHuman, last.Lane)
	assert.Equal(t, 1, h.comparer.calls)
}

func TestMoveAmount(t *testing.T) {
	assert.Equal(t, uint64(333), func() uint64 { v := moveAmount(*uint256.NewInt(1000), dec("0.3333")); return v.Uint64() }())
	assert.Equal(t, uint64(1000), func() uint64 { v := moveAmount(*uint256.NewInt(1000), dec("1")); return v.Uint64() }())
}

type stubBuilder struct {
	validUntil time.Time
	err        error
}

func (b *stubBuilder) Build(_ context.Context, target common.Address, calls []instruction.Call) (instruction.Unsigned, error) {
	if b.err != nil {
		return instruction.Unsigned{}, b.err
	}
	return instruction.Unsigned{ChainID: 8453, Target: target, Calls: calls, ValidUntil: b.validUntil}, nil
}

func TestRunCycleBuildFailureLeavesNoProposal(t *testing.T) {
	h := newHarness(t, 0, nil, nil, Options{})
	working := h.agent.deps.Builder
	h.agent.deps.Builder = &stubBuilder{err: errors.New("nonce unavailable")}

	res, err := h.agent.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, res.Proposal)
	_, open := h.approvals.Open()
	assert.False(t, open)
	assert.NotContains(t, h.sink.types(), audit.ProposalCreated)

	h.agent.deps.Builder = working
	res, err = h.agent.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LaneHuman, res.Lane)
	require.NotNil(t, res.Proposal)
	assert.Equal(t, approval.StatusPendingApproval, res.Proposal.Status)
}

func TestRunCycleRoutingFailureAbandonsProposal(t *testing.T) {
	h := newHarness(t, 0, nil, nil, Options{})
	working := h.agent.deps.Builder
	h.agent.deps.Builder = &stubBuilder{validUntil: epoch.Add(time.Minute)}

	res, err := h.agent.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before approval deadline")
	require.NotNil(t, res.Proposal)
	assert.Equal(t, approval.StatusRejected, res.Proposal.Status)
	_, open := h.approvals.Open()
	assert.False(t, open)
	assert.Empty(t, h.notifier.notes)

	h.agent.deps.Builder = working
	res, err = h.agent.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LaneHuman, res.Lane)
	assert.Len(t, h.approvals.PendingApprovals(), 1)
}
