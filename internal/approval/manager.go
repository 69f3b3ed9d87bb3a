package approval

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-guard/internal/audit"
	"yield-guard/internal/instruction"
)

const (
	DefaultTimeout = 24 * time.Hour
	maxAmountBits  = 128
	// resolved proposals are kept this long for lookups, then dropped
	resolvedRetention = 7 * 24 * time.Hour
)

// Options configure the approval workflow.
type Options struct {
	Timeout time.Duration
	// AutoExecuteThreshold of zero sends every proposal to a human.
	AutoExecuteThreshold uint256.Int
	BaseURL              string
	AssetDecimals        int32
	AssetSymbol          string
}

// PendingRecord is the persisted form of an outstanding approval.
type PendingRecord struct {
	Proposal Proposal `json:"proposal"`
	Request  *Request `json:"request,omitempty"`
}

// Store persists outstanding approvals so a restart does not drop them.
type Store interface {
	SavePendingApproval(ctx context.Context, rec PendingRecord) error
	DeletePendingApproval(ctx context.Context, proposalID string) error
	ListPendingApprovals(ctx context.Context) ([]PendingRecord, error)
}

// Manager owns proposals and their approval requests.
type Manager struct {
	opts   Options
	hasher instruction.Hasher
	sink   audit.Sink
	store  Store
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string

	mu        sync.Mutex
	proposals map[string]*Proposal
	requests  map[string]Request
}

// NewManager wires the state machine. sink and store may be nil.
func NewManager(opts Options, hasher instruction.Hasher, sink audit.Sink, store Store, logger zerolog.Logger) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if hasher == nil {
		hasher = instruction.KeccakHasher{}
	}
	return &Manager{
		opts:      opts,
		hasher:    hasher,
		sink:      sink,
		store:     store,
		logger:    logger.With().Str("component", "approval").Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
		proposals: make(map[string]*Proposal),
		requests:  make(map[string]Request),
	}
}

// SetClock replaces the wall clock.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Restore reloads persisted approvals. Anything already past its expiry is
// expired on the spot.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		m.logger.Warn().Msg("no approval store configured; pending approvals will not survive a restart")
		return 0, nil
	}
	records, err := m.store.ListPendingApprovals(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "approval: restore pending")
	}

	m.mu.Lock()
	for _, rec := range records {
		p := rec.Proposal
		m.proposals[p.ID] = &p
		if rec.Request != nil {
			m.requests[p.ID] = *rec.Request
		}
	}
	m.mu.Unlock()

	expired := m.CleanupExpired(ctx)
	m.logger.Info().Int("restored", len(records)).Int("expired", expired).Msg("pending approvals restored")
	return len(records) - expired, nil
}

// CreateProposal records a new PENDING_APPROVAL proposal.
func (m *Manager) CreateProposal(ctx context.Context, in ProposalInput) (Proposal, error) {
	if in.FromSource == "" || in.ToSource == "" || in.FromSource == in.ToSource {
		return Proposal{}, eris.Errorf("approval: invalid route %q -> %q", in.FromSource, in.ToSource)
	}
	if in.Amount.IsZero() {
		return Proposal{}, eris.New("approval: amount must be positive")
	}
	if in.Amount.BitLen() > maxAmountBits {
		return Proposal{}, eris.Errorf("approval: amount %s exceeds 128 bits", in.Amount.Dec())
	}

	m.mu.Lock()
	now := m.now().UTC()
	p := &Proposal{
		ID:           m.newID(),
		Target:       in.Target,
		FromSource:   in.FromSource,
		ToSource:     in.ToSource,
		Amount:       in.Amount,
		FromRate:     in.FromRate,
		ToRate:       in.ToRate,
		RateDelta:    in.ToRate.Sub(in.FromRate),
		EstimatedFee: in.EstimatedFee,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.opts.Timeout),
		Status:       StatusPendingApproval,
	}
	m.proposals[p.ID] = p
	out := *p
	m.mu.Unlock()

	m.persist(ctx, out, nil)
	ev := m.event(audit.ProposalCreated, out)
	ev.Details = map[string]string{
		"from":   out.FromSource,
		"to":     out.ToSource,
		"amount": out.Amount.Dec(),
		"delta":  out.RateDelta.String(),
	}
	m.emit(ctx, ev)

	m.logger.Info().Str("proposal_id", out.ID).Str("from", out.FromSource).Str("to", out.ToSource).
		Str("amount", out.Amount.Dec()).Time("expires_at", out.ExpiresAt).Msg("proposal created")
	return out, nil
}

// RequiresHumanApproval reports whether amount must go through the human lane.
func (m *Manager) RequiresHumanApproval(amount uint256.Int) bool {
	if m.opts.AutoExecuteThreshold.IsZero() {
		return true
	}
	return amount.Gt(&m.opts.AutoExecuteThreshold)
}

// AuthorizeWithSessionKey approves a low-value proposal signed by a session key.
func (m *Manager) AuthorizeWithSessionKey(ctx context.Context, id string, signed instruction.Signed) (Proposal, error) {
	if signed.Signature.Scheme != instruction.SchemeSessionKey {
		return Proposal{}, newError(KindInvalidState, id, "signature is not a session key signature")
	}

	m.mu.Lock()
	p, ok := m.proposals[id]
	if !ok {
		m.mu.Unlock()
		return Proposal{}, newError(KindNotFound, id, "")
	}
	if p.Status != StatusPendingApproval {
		m.mu.Unlock()
		return Proposal{}, newError(KindInvalidState, id, string(p.Status))
	}
	if m.now().After(p.ExpiresAt) {
		p.Status = StatusExpired
		out := *p
		m.mu.Unlock()
		m.forget(ctx, out, audit.Expired)
		return Proposal{}, newError(KindExpired, id, "")
	}
	if m.RequiresHumanApproval(p.Amount) {
		m.mu.Unlock()
		return Proposal{}, newError(KindInvalidState, id, "amount requires human approval")
	}
	if _, pending := m.requests[id]; pending {
		m.mu.Unlock()
		return Proposal{}, newError(KindInvalidState, id, "approval already requested")
	}
	p.Status = StatusApproved
	p.InstructionHash = signed.Hash.Hex()
	out := *p
	m.mu.Unlock()

	m.deletePersisted(ctx, id)
	signedEv := m.event(audit.SessionKeySigned, out)
	signedEv.InstructionHash = out.InstructionHash
	signedEv.Details = map[string]string{"signer": signed.Signature.Signer.Hex()}
	m.emit(ctx, signedEv)
	approvedEv := m.event(audit.Approved, out)
	approvedEv.InstructionHash = out.InstructionHash
	approvedEv.Details = map[string]string{"scheme": string(instruction.SchemeSessionKey)}
	m.emit(ctx, approvedEv)

	m.logger.Info().Str("proposal_id", id).Str("hash", out.InstructionHash).Msg("proposal approved with session key")
	return out, nil
}

// RequestApproval opens the human lane for a pending proposal and returns the
// notification to deliver.
func (m *Manager) RequestApproval(ctx context.Context, proposalID string, target common.Address, unsigned instruction.Unsigned) (Request, Notification, error) {
	hash, err := m.hasher.Hash(unsigned)
	if err != nil {
		return Request{}, Notification{}, eris.Wrap(err, "approval: hash instruction")
	}

	m.mu.Lock()
	p, ok := m.proposals[proposalID]
	if !ok {
		m.mu.Unlock()
		return Request{}, Notification{}, newError(KindNotFound, proposalID, "")
	}
	if p.Status != StatusPendingApproval {
		m.mu.Unlock()
		return Request{}, Notification{}, newError(KindInvalidState, proposalID, string(p.Status))
	}
	if _, exists := m.requests[proposalID]; exists {
		m.mu.Unlock()
		return Request{}, Notification{}, newError(KindInvalidState, proposalID, "approval already requested")
	}
	if unsigned.ValidUntil.Before(p.ExpiresAt) {
		m.mu.Unlock()
		return Request{}, Notification{}, newError(KindInvalidState, proposalID,
			"instruction valid until "+unsigned.ValidUntil.UTC().Format(time.RFC3339)+", before approval deadline")
	}
	p.InstructionHash = hash.Hex()
	display := m.display(*p)
	req := Request{
		ProposalID:          p.ID,
		TargetEntityID:      target,
		InstructionHash:     hash,
		UnsignedInstruction: unsigned,
		DisplayData:         display,
		ApprovalURL:         m.approvalURL(p.ID, hash, target),
		ExpiresAt:           p.ExpiresAt,
	}
	m.requests[proposalID] = req
	out := *p
	m.mu.Unlock()

	m.persist(ctx, out, &req)
	ev := m.event(audit.ApprovalRequested, out)
	ev.TargetEntityID = target.Hex()
	ev.InstructionHash = hash.Hex()
	m.emit(ctx, ev)

	note := Notification{
		ProposalID:  out.ID,
		ApprovalURL: req.ApprovalURL,
		Message:     renderMessage(display, m.opts.AssetSymbol),
		DisplayData: display,
		ExpiresAt:   out.ExpiresAt,
	}
	m.logger.Info().Str("proposal_id", out.ID).Str("hash", hash.Hex()).Msg("approval requested")
	return req, note, nil
}

// ProcessApproval resolves a human-lane request.
func (m *Manager) ProcessApproval(ctx context.Context, resp Response) (instruction.Signed, error) {
	id := resp.ProposalID

	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		detail := ""
		if p, exists := m.proposals[id]; exists {
			detail = "status " + string(p.Status)
		}
		m.mu.Unlock()
		return instruction.Signed{}, newError(KindNotFound, id, detail)
	}
	p := m.proposals[id]

	if m.now().After(req.ExpiresAt) {
		p.Status = StatusExpired
		delete(m.requests, id)
		out := *p
		m.mu.Unlock()
		m.forget(ctx, out, audit.Expired)
		return instruction.Signed{}, newError(KindExpired, id, "")
	}

	if !resp.Approved {
		p.Status = StatusRejected
		delete(m.requests, id)
		out := *p
		m.mu.Unlock()
		m.forget(ctx, out, audit.Rejected, "source", "approver", "reason", resp.Reason)
		return instruction.Signed{}, newError(KindRejected, id, resp.Reason)
	}

	if resp.Assertion.Empty() {
		m.mu.Unlock()
		return instruction.Signed{}, newError(KindMissingSignature, id, "")
	}

	signed := instruction.WithBiometric(req.UnsignedInstruction, req.InstructionHash, resp.Approver, *resp.Assertion)
	p.Status = StatusApproved
	delete(m.requests, id)
	out := *p
	m.mu.Unlock()

	m.deletePersisted(ctx, id)
	ev := m.event(audit.Approved, out)
	ev.TargetEntityID = req.TargetEntityID.Hex()
	ev.InstructionHash = req.InstructionHash.Hex()
	ev.Details = map[string]string{
		"scheme":        string(instruction.SchemeBiometric),
		"approver":      resp.Approver.Hex(),
		"credential_id": resp.Assertion.CredentialID,
	}
	m.emit(ctx, ev)

	m.logger.Info().Str("proposal_id", id).Str("approver", resp.Approver.Hex()).Msg("proposal approved")
	return signed, nil
}

// RejectProposal rejects a pending proposal from a side channel. It returns
// false without error when the proposal is already resolved.
func (m *Manager) RejectProposal(ctx context.Context, id, source string) (bool, error) {
	m.mu.Lock()
	p, ok := m.proposals[id]
	if !ok {
		m.mu.Unlock()
		return false, newError(KindNotFound, id, "")
	}
	if p.Status != StatusPendingApproval {
		m.mu.Unlock()
		return false, nil
	}
	p.Status = StatusRejected
	delete(m.requests, id)
	out := *p
	m.mu.Unlock()

	m.forget(ctx, out, audit.Rejected, "source", source)
	m.logger.Info().Str("proposal_id", id).Str("source", source).Msg("proposal rejected")
	return true, nil
}

// CleanupExpired expires every pending proposal past its deadline and drops
// long-resolved proposals. It returns how many proposals expired.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	m.mu.Lock()
	now := m.now()
	var expired []Proposal
	for id, p := range m.proposals {
		switch {
		case p.Status == StatusPendingApproval && now.After(p.ExpiresAt):
			p.Status = StatusExpired
			delete(m.requests, id)
			expired = append(expired, *p)
		case p.Status.Terminal() && now.Sub(p.ExpiresAt) > resolvedRetention:
			delete(m.proposals, id)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.forget(ctx, p, audit.Expired)
	}
	if len(expired) > 0 {
		m.logger.Info().Int("count", len(expired)).Msg("expired proposals swept")
	}
	return len(expired)
}

// PendingApprovals lists outstanding human-lane requests, soonest expiry first.
func (m *Manager) PendingApprovals() []Request {
	m.mu.Lock()
	out := make([]Request, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Proposal returns a copy of a proposal.
func (m *Manager) Proposal(id string) (Proposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

// Request returns the outstanding request for a proposal.
func (m *Manager) Request(id string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	return r, ok
}

// Open returns a proposal that is still pending or approved but not yet settled.
func (m *Manager) Open() (Proposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Proposal
	for _, p := range m.proposals {
		if p.Status.Terminal() {
			continue
		}
		if found == nil || p.CreatedAt.Before(found.CreatedAt) {
			found = p
		}
	}
	if found == nil {
		return Proposal{}, false
	}
	return *found, true
}

// MarkExecutionStarted records that an approved instruction was handed to the
// execution boundary.
func (m *Manager) MarkExecutionStarted(ctx context.Context, id, settlementRef string) error {
	m.mu.Lock()
	p, ok := m.proposals[id]
	if !ok {
		m.mu.Unlock()
		return newError(KindNotFound, id, "")
	}
	if p.Status != StatusApproved {
		m.mu.Unlock()
		return newError(KindInvalidState, id, string(p.Status))
	}
	p.SettlementRef = settlementRef
	out := *p
	m.mu.Unlock()

	ev := m.event(audit.ExecutionStarted, out)
	ev.InstructionHash = out.InstructionHash
	ev.SettlementRef = settlementRef
	m.emit(ctx, ev)
	return nil
}

// MarkExecuted moves an approved proposal to EXECUTED.
func (m *Manager) MarkExecuted(ctx context.Context, id, settlementRef string) error {
	return m.settle(ctx, id, StatusExecuted, settlementRef, "")
}

// MarkFailed moves an approved proposal to FAILED. It is not retried.
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) error {
	return m.settle(ctx, id, StatusFailed, "", reason)
}

func (m *Manager) settle(ctx context.Context, id string, status Status, ref, reason string) error {
	m.mu.Lock()
	p, ok := m.proposals[id]
	if !ok {
		m.mu.Unlock()
		return newError(KindNotFound, id, "")
	}
	if p.Status != StatusApproved {
		m.mu.Unlock()
		return newError(KindInvalidState, id, string(p.Status))
	}
	p.Status = status
	if ref != "" {
		p.SettlementRef = ref
	}
	p.FailureReason = reason
	out := *p
	m.mu.Unlock()

	eventType := audit.ExecutionSucceeded
	if status == StatusFailed {
		eventType = audit.ExecutionFailed
	}
	ev := m.event(eventType, out)
	ev.InstructionHash = out.InstructionHash
	ev.SettlementRef = out.SettlementRef
	if reason != "" {
		ev.Details = map[string]string{"reason": reason}
	}
	m.emit(ctx, ev)

	log := m.logger.Info()
	if status == StatusFailed {
		log = m.logger.Error()
	}
	log.Str("proposal_id", id).Str("status", string(status)).Str("settlement_ref", out.SettlementRef).
		Str("reason", reason).Msg("proposal settled")
	return nil
}

// forget removes a resolved proposal from persistence and audits the transition.
func (m *Manager) forget(ctx context.Context, p Proposal, eventType audit.EventType, details ...string) {
	m.deletePersisted(ctx, p.ID)
	ev := m.event(eventType, p)
	ev.InstructionHash = p.InstructionHash
	if len(details) > 0 {
		ev.Details = make(map[string]string, len(details)/2)
		for i := 0; i+1 < len(details); i += 2 {
			if details[i+1] != "" {
				ev.Details[details[i]] = details[i+1]
			}
		}
	}
	m.emit(ctx, ev)
}

func (m *Manager) event(t audit.EventType, p Proposal) audit.Event {
	return audit.NewEvent(t, p.ID, p.Target.Hex(), m.clock())
}

func (m *Manager) emit(ctx context.Context, ev audit.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Record(ctx, ev); err != nil {
		m.logger.Error().Err(err).Str("proposal_id", ev.ProposalID).
			Str("event_type", string(ev.EventType)).Msg("failed to record audit event")
	}
}

func (m *Manager) persist(ctx context.Context, p Proposal, req *Request) {
	if m.store == nil {
		return
	}
	if err := m.store.SavePendingApproval(ctx, PendingRecord{Proposal: p, Request: req}); err != nil {
		m.logger.Error().Err(err).Str("proposal_id", p.ID).Msg("failed to persist pending approval")
	}
}

func (m *Manager) deletePersisted(ctx context.Context, id string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeletePendingApproval(ctx, id); err != nil {
		m.logger.Error().Err(err).Str("proposal_id", id).Msg("failed to delete pending approval")
	}
}

func (m *Manager) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}

func (m *Manager) approvalURL(id string, hash common.Hash, target common.Address) string {
	base := strings.TrimRight(m.opts.BaseURL, "?")
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sid=%s&hash=%s&target=%s", base, sep,
		url.QueryEscape(id), url.QueryEscape(hash.Hex()), url.QueryEscape(target.Hex()))
}

var hundred = decimal.NewFromInt(100)

func (m *Manager) display(p Proposal) DisplayData {
	return DisplayData{
		FromSource:   p.FromSource,
		ToSource:     p.ToSource,
		Amount:       formatUnits(p.Amount, m.opts.AssetDecimals),
		FromRate:     p.FromRate.Mul(hundred).StringFixed(2) + "%",
		ToRate:       p.ToRate.Mul(hundred).StringFixed(2) + "%",
		RateDelta:    p.RateDelta.Mul(decimal.NewFromInt(10_000)).StringFixed(0) + " bps",
		EstimatedFee: formatUnits(p.EstimatedFee, m.opts.AssetDecimals),
		ExpiresAt:    p.ExpiresAt,
	}
}

func formatUnits(v uint256.Int, decimals int32) string {
	return decimal.NewFromBigInt(v.ToBig(), -decimals).String()
}

func renderMessage(d DisplayData, symbol string) string {
	var b strings.Builder
	b.WriteString("[Rebalance approval]\n")
	fmt.Fprintf(&b, "Move: %s %s\n", d.Amount, symbol)
	fmt.Fprintf(&b, "From: %s (%s)\n", d.FromSource, d.FromRate)
	fmt.Fprintf(&b, "To: %s (%s)\n", d.ToSource, d.ToRate)
	fmt.Fprintf(&b, "Gain: %s\n", d.RateDelta)
	fmt.Fprintf(&b, "Est. fee: %s %s\n", d.EstimatedFee, symbol)
	fmt.Fprintf(&b, "Expires: %s UTC", d.ExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}
