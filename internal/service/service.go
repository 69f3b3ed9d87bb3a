package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"yield-guard/internal/agent"
	"yield-guard/internal/scheduler"
)

// Cycler runs one decision cycle and can drain background executions.
type Cycler interface {
	RunCycle(ctx context.Context) (agent.CycleResult, error)
	Wait()
}

// Listener serves the approval API until ctx ends.
type Listener interface {
	ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error
}

// ListenerConfig binds a Listener to an address.
type ListenerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Service orchestrates scheduled decision cycles alongside the approval API.
type Service struct {
	scheduler *scheduler.Scheduler
	agent     Cycler
	listener  Listener
	listenCfg ListenerConfig
	logger    zerolog.Logger
}

// New constructs the agent service. listener may be nil.
func New(sched *scheduler.Scheduler, cycler Cycler, listener Listener, listenCfg ListenerConfig, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: sched,
		agent:     cycler,
		listener:  listener,
		listenCfg: listenCfg,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run blocks until ctx is cancelled or a component fails, then waits for
// in-flight executions to settle.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.agent == nil {
		return fmt.Errorf("agent not configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduler.Run(gctx, s.ProcessBucket)
	})
	if s.listener != nil {
		g.Go(func() error {
			return s.listener.ListenAndServe(gctx, s.listenCfg.Addr, s.listenCfg.ReadTimeout, s.listenCfg.WriteTimeout)
		})
	}

	err := g.Wait()
	s.agent.Wait()
	return err
}

// ProcessBucket 执行单个周期的收益比较与提案流程。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	res, err := s.agent.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("decision cycle: %w", err)
	}

	ev := s.logger.Info().Time("bucket", bucket).
		Str("best", res.Comparison.BestSource).
		Str("differential_bps", res.Comparison.RateDifferentialBps.StringFixed(2)).
		Str("origin", string(res.Comparison.DataOrigin))
	if res.Expired > 0 {
		ev = ev.Int("expired", res.Expired)
	}
	switch {
	case res.Proposal != nil:
		ev.Str("proposal_id", res.Proposal.ID).
			Str("lane", string(res.Lane)).
			Str("status", string(res.Proposal.Status)).
			Msg("cycle produced proposal")
	case res.Skipped != "":
		ev.Str("skipped", res.Skipped).Str("reason", res.Comparison.RejectReason).Msg("cycle complete")
	default:
		ev.Msg("cycle complete")
	}
	return nil
}
