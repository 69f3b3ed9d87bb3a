package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-guard/internal/aggregator"
	"yield-guard/internal/alerting"
	"yield-guard/internal/approval"
	"yield-guard/internal/custody"
	"yield-guard/internal/decision"
	"yield-guard/internal/instruction"
	"yield-guard/internal/ratehistory"
)

// Lane names the authorization path a proposal took.
type Lane string

const (
	LaneNone  Lane = ""
	LaneAuto  Lane = "auto"
	LaneHuman Lane = "human"
)

// Skip reasons reported on a cycle that produced no proposal.
const (
	SkipNoMove       = "no_move"
	SkipProposalOpen = "proposal_open"
	SkipZeroAmount   = "zero_amount"
)

// Comparer runs the decision rule for one vault.
type Comparer interface {
	CompareYields(ctx context.Context, vault common.Address) decision.Comparison
}

// KeySource hands out session keys for the auto lane.
type KeySource interface {
	Active() (custody.KeyInfo, bool)
	DecryptForSigning(owner common.Address) (*custody.SigningKey, error)
	CleanupExpired(ctx context.Context) int
}

// SampleStore persists observed rates so history survives restarts.
type SampleStore interface {
	InsertRateSample(ctx context.Context, sample ratehistory.Sample) error
	ListSamplesSince(ctx context.Context, since time.Time) ([]ratehistory.Sample, error)
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options tune proposal sizing and execution.
type Options struct {
	Vault            common.Address
	MoveFraction     decimal.Decimal
	EstimatedFee     uint256.Int
	PollInterval     time.Duration
	AwaitTimeout     time.Duration
	HistoryRetention time.Duration
	SampleRetention  time.Duration
}

// Deps are the collaborators of an Agent. Keys, Submitter, Samples and
// History may be nil.
type Deps struct {
	Engine    Comparer
	Approvals *approval.Manager
	Builder   instruction.Builder
	Hasher    instruction.Hasher
	Keys      KeySource
	Submitter instruction.Submitter
	Notifier  alerting.Notifier
	History   *ratehistory.Store
	Samples   SampleStore
}

// CycleResult summarises one decision cycle.
type CycleResult struct {
	StartedAt  time.Time
	Comparison decision.Comparison
	Proposal   *approval.Proposal
	Lane       Lane
	Skipped    string
	Expired    int
}

// Agent runs decision cycles and drives proposals through authorization and
// execution.
type Agent struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	cycleMu sync.Mutex
	wg      sync.WaitGroup

	mu   sync.RWMutex
	last *CycleResult
}

// New wires an agent.
func New(opts Options, deps Deps, logger zerolog.Logger) *Agent {
	if !opts.MoveFraction.IsPositive() || opts.MoveFraction.GreaterThan(decimal.NewFromInt(1)) {
		opts.MoveFraction = decimal.NewFromInt(1)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = 5 * time.Minute
	}
	if deps.Notifier == nil {
		deps.Notifier = alerting.NewLogNotifier(logger)
	}
	return &Agent{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "agent").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (a *Agent) SetClock(now func() time.Time) {
	a.now = now
}

// Warm replays persisted samples into the in-memory history.
func (a *Agent) Warm(ctx context.Context) (int, error) {
	if a.deps.History == nil {
		return 0, nil
	}
	if a.deps.Samples == nil {
		a.logger.Warn().Msg("no database configured; rate history starts empty and is lost on restart")
		return 0, nil
	}
	retention := a.opts.HistoryRetention
	if retention <= 0 {
		retention = ratehistory.DefaultOptions().Retention
	}
	samples, err := a.deps.Samples.ListSamplesSince(ctx, a.now().Add(-retention))
	if err != nil {
		return 0, eris.Wrap(err, "agent: load rate samples")
	}
	for _, s := range samples {
		a.deps.History.Record(s)
	}
	a.logger.Info().Int("samples", len(samples)).Msg("rate history warmed")
	return len(samples), nil
}

// RunCycle performs one decision cycle. Errors are returned only when a
// proposal could not be created or routed; data problems degrade inside the
// comparison.
func (a *Agent) RunCycle(ctx context.Context) (CycleResult, error) {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	result := CycleResult{StartedAt: a.now().UTC()}
	defer a.remember(&result)

	result.Expired = a.deps.Approvals.CleanupExpired(ctx)
	if a.deps.Keys != nil {
		a.deps.Keys.CleanupExpired(ctx)
	}

	cmp := a.deps.Engine.CompareYields(ctx, a.opts.Vault)
	result.Comparison = cmp
	a.persistSamples(ctx, cmp)

	if !cmp.ShouldMove || cmp.CurrentSource == nil {
		result.Skipped = SkipNoMove
		return result, nil
	}
	if open, ok := a.deps.Approvals.Open(); ok {
		a.logger.Info().Str("proposal_id", open.ID).Str("status", string(open.Status)).
			Msg("proposal already open; skipping")
		result.Skipped = SkipProposalOpen
		return result, nil
	}

	from, _ := cmp.Snapshot(*cmp.CurrentSource)
	to, _ := cmp.Snapshot(cmp.BestSource)
	amount := moveAmount(from.HeldBalance, a.opts.MoveFraction)
	if amount.IsZero() {
		result.Skipped = SkipZeroAmount
		return result, nil
	}

	call, err := instruction.RebalanceCall(a.opts.Vault, from.SourceID, to.SourceID, amount)
	if err != nil {
		return result, eris.Wrap(err, "agent: encode rebalance")
	}
	unsigned, err := a.deps.Builder.Build(ctx, a.opts.Vault, []instruction.Call{call})
	if err != nil {
		return result, eris.Wrap(err, "agent: build instruction")
	}

	proposal, err := a.deps.Approvals.CreateProposal(ctx, approval.ProposalInput{
		Target:       a.opts.Vault,
		FromSource:   from.SourceID,
		ToSource:     to.SourceID,
		Amount:       amount,
		FromRate:     from.AnnualRate,
		ToRate:       to.AnnualRate,
		EstimatedFee: a.opts.EstimatedFee,
	})
	if err != nil {
		return result, eris.Wrap(err, "agent: create proposal")
	}
	result.Proposal = &proposal

	if !a.deps.Approvals.RequiresHumanApproval(proposal.Amount) {
		signed, ok := a.signWithSessionKey(proposal, unsigned)
		if ok {
			approved, err := a.deps.Approvals.AuthorizeWithSessionKey(ctx, proposal.ID, signed)
			if err != nil {
				a.abandon(ctx, &result, proposal.ID)
				return result, eris.Wrap(err, "agent: authorize with session key")
			}
			result.Proposal = &approved
			result.Lane = LaneAuto
			a.ExecuteApproved(ctx, approved.ID, signed)
			if p, found := a.deps.Approvals.Proposal(approved.ID); found {
				result.Proposal = &p
			}
			return result, nil
		}
	}

	if _, note, err := a.deps.Approvals.RequestApproval(ctx, proposal.ID, a.opts.Vault, unsigned); err != nil {
		a.abandon(ctx, &result, proposal.ID)
		return result, eris.Wrap(err, "agent: request approval")
	} else if err := a.deps.Notifier.Notify(ctx, note); err != nil {
		a.logger.Error().Err(err).Str("proposal_id", proposal.ID).Msg("failed to deliver approval notification")
	}
	result.Lane = LaneHuman
	if p, found := a.deps.Approvals.Proposal(proposal.ID); found {
		result.Proposal = &p
	}
	return result, nil
}

// abandon rejects a proposal the cycle could not route so it does not block
// later cycles.
func (a *Agent) abandon(ctx context.Context, result *CycleResult, id string) {
	if _, err := a.deps.Approvals.RejectProposal(ctx, id, "agent_error"); err != nil {
		a.logger.Error().Err(err).Str("proposal_id", id).Msg("failed to abandon proposal")
	}
	if p, found := a.deps.Approvals.Proposal(id); found {
		result.Proposal = &p
	}
}

// signWithSessionKey signs on the auto lane. A false return routes the
// proposal to the human lane instead.
func (a *Agent) signWithSessionKey(p approval.Proposal, unsigned instruction.Unsigned) (instruction.Signed, bool) {
	if a.deps.Keys == nil {
		a.logger.Info().Str("proposal_id", p.ID).Msg("no custody configured; using human approval")
		return instruction.Signed{}, false
	}
	info, ok := a.deps.Keys.Active()
	if !ok {
		a.logger.Warn().Str("proposal_id", p.ID).Msg("no active session key; using human approval")
		return instruction.Signed{}, false
	}

	key, err := a.deps.Keys.DecryptForSigning(info.Owner)
	if err != nil {
		a.logger.Error().Err(err).Str("owner", info.Owner.Hex()).Msg("session key unavailable; using human approval")
		return instruction.Signed{}, false
	}
	defer key.Zero()

	if !key.Allows(p.Amount) {
		a.logger.Warn().Str("proposal_id", p.ID).Str("amount", p.Amount.Dec()).
			Str("spend_limit", key.SpendLimit.Dec()).Msg("amount exceeds session key spend limit; using human approval")
		return instruction.Signed{}, false
	}

	signed, err := instruction.SignWithSessionKey(unsigned, a.deps.Hasher, key.Key)
	if err != nil {
		a.logger.Error().Err(err).Str("proposal_id", p.ID).Msg("session key signing failed; using human approval")
		return instruction.Signed{}, false
	}
	return signed, true
}

// ExecuteApproved submits an approved instruction and settles the proposal
// with the outcome. Failures are terminal; nothing is retried.
func (a *Agent) ExecuteApproved(ctx context.Context, proposalID string, signed instruction.Signed) {
	log := a.logger.With().Str("proposal_id", proposalID).Str("hash", signed.Hash.Hex()).Logger()

	if a.deps.Submitter == nil {
		log.Warn().Msg("no execution relay configured")
		a.settleFailed(ctx, proposalID, "no execution relay configured")
		return
	}

	ref, err := a.deps.Submitter.Submit(ctx, signed)
	if err != nil {
		log.Error().Err(err).Msg("instruction submission failed")
		a.settleFailed(ctx, proposalID, err.Error())
		return
	}
	if err := a.deps.Approvals.MarkExecutionStarted(ctx, proposalID, ref); err != nil {
		log.Error().Err(err).Str("ref", ref).Msg("failed to record execution start")
		return
	}

	awaitCtx, cancel := context.WithTimeout(ctx, a.opts.AwaitTimeout)
	defer cancel()
	outcome, err := instruction.AwaitOutcome(awaitCtx, a.deps.Submitter, ref, a.opts.PollInterval)
	switch {
	case err != nil:
		log.Error().Err(err).Str("ref", ref).Msg("awaiting settlement failed")
		a.settleFailed(ctx, proposalID, err.Error())
	case !outcome.Success:
		a.settleFailed(ctx, proposalID, outcome.Reason)
	default:
		if err := a.deps.Approvals.MarkExecuted(ctx, proposalID, ref); err != nil {
			log.Error().Err(err).Msg("failed to record execution")
			return
		}
		log.Info().Str("ref", ref).Uint64("block", outcome.BlockNumber).Msg("rebalance executed")
	}
}

// Dispatch runs ExecuteApproved in the background. Wait blocks until every
// dispatched execution has settled.
func (a *Agent) Dispatch(ctx context.Context, proposalID string, signed instruction.Signed) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.ExecuteApproved(context.WithoutCancel(ctx), proposalID, signed)
	}()
}

func (a *Agent) Wait() {
	a.wg.Wait()
}

// LastCycle returns the most recent cycle result.
func (a *Agent) LastCycle() (CycleResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return CycleResult{}, false
	}
	return *a.last, true
}

func (a *Agent) settleFailed(ctx context.Context, proposalID, reason string) {
	if reason == "" {
		reason = "execution failed"
	}
	if err := a.deps.Approvals.MarkFailed(ctx, proposalID, reason); err != nil && !errors.Is(err, approval.ErrNotFound) {
		a.logger.Error().Err(err).Str("proposal_id", proposalID).Msg("failed to record execution failure")
	}
}

func (a *Agent) remember(result *CycleResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := *result
	a.last = &r
}

func (a *Agent) persistSamples(ctx context.Context, cmp decision.Comparison) {
	if a.deps.Samples == nil {
		return
	}
	for _, snap := range cmp.Snapshots {
		origin, ok := sampleOrigin(snap.Origin)
		if !ok {
			continue
		}
		rate, found := cmp.SpotRates[snap.SourceID]
		if !found {
			rate = snap.AnnualRate
		}
		sample := ratehistory.Sample{SourceID: snap.SourceID, Rate: rate, ObservedAt: snap.ObservedAt, Origin: origin}
		if err := a.deps.Samples.InsertRateSample(ctx, sample); err != nil {
			a.logger.Error().Err(err).Str("source", snap.SourceID).Msg("failed to persist rate sample")
		}
	}
	if a.opts.SampleRetention > 0 {
		removed, err := a.deps.Samples.DeleteSamplesBefore(ctx, a.now().Add(-a.opts.SampleRetention))
		if err != nil {
			a.logger.Error().Err(err).Msg("failed to prune rate samples")
		} else if removed > 0 {
			a.logger.Debug().Int64("removed", removed).Msg("pruned rate samples")
		}
	}
}

// sampleOrigin maps live snapshot origins; last-known values were persisted
// when first observed.
func sampleOrigin(o aggregator.SnapshotOrigin) (ratehistory.Origin, bool) {
	switch o {
	case aggregator.FromPrimary:
		return ratehistory.OriginPrimary, true
	case aggregator.FromFallback:
		return ratehistory.OriginFallback, true
	}
	return "", false
}

// moveAmount is floor(balance × fraction).
func moveAmount(balance uint256.Int, fraction decimal.Decimal) uint256.Int {
	if fraction.Equal(decimal.NewFromInt(1)) {
		return balance
	}
	scaled := decimal.NewFromBigInt(balance.ToBig(), 0).Mul(fraction).Floor()
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return balance
	}
	return *out
}
