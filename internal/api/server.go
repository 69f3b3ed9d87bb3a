package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"yield-guard/internal/agent"
	"yield-guard/internal/approval"
	"yield-guard/internal/instruction"
)

const maxBodyBytes = 64 << 10

// Approvals is the slice of the approval manager the API exposes.
type Approvals interface {
	PendingApprovals() []approval.Request
	Proposal(id string) (approval.Proposal, bool)
	Request(id string) (approval.Request, bool)
	ProcessApproval(ctx context.Context, resp approval.Response) (instruction.Signed, error)
	RejectProposal(ctx context.Context, id, source string) (bool, error)
}

// Executor takes approved instructions to settlement in the background.
type Executor interface {
	Dispatch(ctx context.Context, proposalID string, signed instruction.Signed)
}

// CycleReporter exposes the last decision cycle for health checks.
type CycleReporter interface {
	LastCycle() (agent.CycleResult, bool)
}

// Server is the approval callback API.
type Server struct {
	approvals Approvals
	executor  Executor
	cycles    CycleReporter
	logger    zerolog.Logger
	router    chi.Router
}

// NewServer wires routes. executor and cycles may be nil.
func NewServer(approvals Approvals, executor Executor, cycles CycleReporter, allowedOrigins []string, logger zerolog.Logger) *Server {
	s := &Server{
		approvals: approvals,
		executor:  executor,
		cycles:    cycles,
		logger:    logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.health)
	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/approvals", s.listApprovals)
		v1.Get("/approvals/{id}", s.getApproval)
		v1.Post("/approvals/{id}", s.respondApproval)
		v1.Post("/proposals/{id}/reject", s.rejectProposal)
	})
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("approval api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("approval api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("approval api shutdown: %w", err)
		}
		return nil
	}
}

type healthResponse struct {
	Status         string     `json:"status"`
	PendingCount   int        `json:"pending_approvals"`
	LastCycleAt    *time.Time `json:"last_cycle_at,omitempty"`
	LastCycleLane  string     `json:"last_cycle_lane,omitempty"`
	LastCycleSkip  string     `json:"last_cycle_skipped,omitempty"`
	LastDataOrigin string     `json:"last_data_origin,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", PendingCount: len(s.approvals.PendingApprovals())}
	if s.cycles != nil {
		if last, ok := s.cycles.LastCycle(); ok {
			at := last.StartedAt
			resp.LastCycleAt = &at
			resp.LastCycleLane = string(last.Lane)
			resp.LastCycleSkip = last.Skipped
			resp.LastDataOrigin = string(last.Comparison.DataOrigin)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.approvals.PendingApprovals()})
}

type approvalView struct {
	ProposalID      string                `json:"proposal_id"`
	Status          approval.Status       `json:"status"`
	TargetEntityID  string                `json:"target_entity_id,omitempty"`
	InstructionHash string                `json:"instruction_hash,omitempty"`
	DisplayData     *approval.DisplayData `json:"display_data,omitempty"`
	ExpiresAt       time.Time             `json:"expires_at"`
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if req, ok := s.approvals.Request(id); ok {
		display := req.DisplayData
		status := approval.StatusPendingApproval
		if p, found := s.approvals.Proposal(id); found {
			status = p.Status
		}
		writeJSON(w, http.StatusOK, approvalView{
			ProposalID:      id,
			Status:          status,
			TargetEntityID:  req.TargetEntityID.Hex(),
			InstructionHash: req.InstructionHash.Hex(),
			DisplayData:     &display,
			ExpiresAt:       req.ExpiresAt,
		})
		return
	}

	p, ok := s.approvals.Proposal(id)
	if !ok {
		writeError(w, http.StatusNotFound, approval.KindNotFound, "proposal not found")
		return
	}
	status := http.StatusConflict
	if p.Status == approval.StatusExpired {
		status = http.StatusGone
	}
	writeJSON(w, status, approvalView{
		ProposalID:      p.ID,
		Status:          p.Status,
		InstructionHash: p.InstructionHash,
		ExpiresAt:       p.ExpiresAt,
	})
}

type approvalBody struct {
	Approved  bool                            `json:"approved"`
	Approver  common.Address                  `json:"approver"`
	Assertion *instruction.BiometricAssertion `json:"assertion,omitempty"`
	Reason    string                          `json:"reason,omitempty"`
	Hash      string                          `json:"hash,omitempty"`
}

func (s *Server) respondApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body approvalBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	req, hadRequest := s.approvals.Request(id)
	if hadRequest && body.Approved && !strings.EqualFold(body.Hash, req.InstructionHash.Hex()) {
		s.logger.Warn().Str("proposal_id", id).Str("hash", body.Hash).Msg("approval hash mismatch")
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":            "approval is for a different instruction",
			"kind":             "hash_mismatch",
			"instruction_hash": req.InstructionHash.Hex(),
		})
		return
	}
	signed, err := s.approvals.ProcessApproval(r.Context(), approval.Response{
		ProposalID: id,
		Approved:   body.Approved,
		Approver:   body.Approver,
		Assertion:  body.Assertion,
		Reason:     body.Reason,
	})
	if err != nil {
		if !body.Approved && hadRequest && errors.Is(err, approval.ErrRejected) {
			writeJSON(w, http.StatusOK, map[string]any{"proposal_id": id, "status": approval.StatusRejected})
			return
		}
		s.writeApprovalError(w, id, err)
		return
	}

	if s.executor != nil {
		s.executor.Dispatch(r.Context(), id, signed)
	}
	s.logger.Info().Str("proposal_id", id).Str("approver", body.Approver.Hex()).Msg("approval accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"proposal_id":      id,
		"status":           approval.StatusApproved,
		"instruction_hash": signed.Hash.Hex(),
	})
}

type rejectBody struct {
	Source string `json:"source"`
}

func (s *Server) rejectProposal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body := rejectBody{Source: "api"}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	rejected, err := s.approvals.RejectProposal(r.Context(), id, body.Source)
	if err != nil {
		s.writeApprovalError(w, id, err)
		return
	}
	if !rejected {
		resp := map[string]any{"proposal_id": id, "rejected": false}
		if p, ok := s.approvals.Proposal(id); ok {
			resp["status"] = p.Status
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposal_id": id, "rejected": true, "status": approval.StatusRejected})
}

func (s *Server) writeApprovalError(w http.ResponseWriter, id string, err error) {
	var apErr *approval.Error
	if !errors.As(err, &apErr) {
		s.logger.Error().Err(err).Str("proposal_id", id).Msg("approval request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	status := http.StatusConflict
	switch apErr.Kind {
	case approval.KindNotFound:
		if p, ok := s.approvals.Proposal(id); ok {
			if p.Status == approval.StatusExpired {
				status = http.StatusGone
			}
			writeJSON(w, status, map[string]any{"error": apErr.Error(), "kind": apErr.Kind, "status": p.Status})
			return
		}
		status = http.StatusNotFound
	case approval.KindExpired:
		status = http.StatusGone
	case approval.KindMissingSignature:
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, apErr.Kind, apErr.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeError[K ~string](w http.ResponseWriter, status int, kind K, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
