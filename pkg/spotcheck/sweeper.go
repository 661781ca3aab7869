package spotcheck

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 8
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Agents    int `json:"agents"`
	Scheduled int `json:"scheduled"`
	Ran       int `json:"ran"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (r *SweepReport) add(o SweepReport) {
	r.Agents += o.Agents
	r.Scheduled += o.Scheduled
	r.Ran += o.Ran
	r.Passed += o.Passed
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// Sweeper walks all verified agents in fixed-size batches. Within a batch
// agents are handled concurrently up to a bound, so one slow webhook holds
// a single slot rather than the whole sweep.
type Sweeper struct {
	svc         *Service
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

func NewSweeper(svc *Service, batchSize, concurrency int) *Sweeper {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Sweeper{
		svc:         svc,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "spotcheck_sweeper"),
	}
}

// Sweep refreshes every verified agent's tier, runs its due spot checks and
// schedules the next one when none is pending. Per-agent failures are
// counted in the report; only listing failures and cancellation abort.
func (s *Sweeper) Sweep(ctx context.Context) (report SweepReport, err error) {
	ctx, done := s.svc.obs.TrackOperation(ctx, "spot_check_sweep")
	defer func() { done(err) }()

	var mu sync.Mutex
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.svc.store.ListVerifiedAgents(ctx, after, s.batchSize)
		if err != nil {
			return report, err
		}
		if len(page) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for _, v := range page {
			agentID := v.AgentID
			g.Go(func() error {
				r := s.sweepAgent(ctx, agentID)
				mu.Lock()
				report.add(r)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		after = page[len(page)-1].AgentID
		if len(page) < s.batchSize {
			break
		}
	}

	s.logger.InfoContext(ctx, "spot check sweep finished",
		"agents", report.Agents,
		"scheduled", report.Scheduled,
		"ran", report.Ran,
		"failed", report.Failed,
		"errors", report.Errors,
	)
	return report, ctx.Err()
}

func (s *Sweeper) sweepAgent(ctx context.Context, agentID string) SweepReport {
	r := SweepReport{Agents: 1}
	fail := func(msg string, err error) SweepReport {
		s.logger.WarnContext(ctx, msg, "agent_id", agentID, "error", err)
		r.Errors++
		return r
	}

	at, err := s.svc.trust.Refresh(ctx, agentID)
	if err != nil {
		return fail("tier refresh failed", err)
	}
	if at == nil || !at.Verified {
		return r
	}

	pending, err := s.svc.store.LoadPendingSpotChecks(ctx, agentID)
	if err != nil {
		return fail("loading spot checks failed", err)
	}

	now := s.svc.clock().UTC()
	remaining := len(pending)
	for _, sc := range pending {
		if sc.ScheduledFor.After(now) {
			continue
		}
		if ctx.Err() != nil {
			return r
		}
		res, err := s.svc.RunSpotCheck(ctx, sc.ID)
		if err != nil {
			return fail("spot check failed", err)
		}
		if res == nil {
			// Revoked while the sweep was running.
			return r
		}
		remaining--
		r.Ran++
		switch {
		case res.Skipped != nil:
			r.Skipped++
		case *res.Passed:
			r.Passed++
		default:
			r.Failed++
		}
	}

	if remaining == 0 {
		sc, err := s.svc.ScheduleSpotCheck(ctx, agentID)
		if err != nil {
			return fail("scheduling spot check failed", err)
		}
		if sc != nil {
			r.Scheduled++
		}
	}
	return r
}
