package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/statestore"
)

// Executor runs one run's graph with bounded parallelism and persists every
// step transition.
type Executor struct {
	store       statestore.Store
	maxParallel int

	// sleep waits between attempts. Tests replace it to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewExecutor creates an Executor running at most maxParallel steps at once.
func NewExecutor(store statestore.Store, maxParallel int) *Executor {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Executor{
		store:       store,
		maxParallel: maxParallel,
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

type stepResult struct {
	name string
	err  error
}

// Execute runs every step of g not present in carried. Carried steps are
// recorded as SUCCEEDED without executing. A step starts only after all its
// upstreams succeeded; when a step fails its whole downstream subtree is
// SKIPPED while unrelated branches continue.
func (e *Executor) Execute(ctx context.Context, rc *RunContext, g *Graph, carried map[string]*domain.StepExecution) map[string]*domain.StepExecution {
	log := logger.FromContext(ctx)

	steps := make(map[string]*domain.StepExecution, g.Len())
	for _, name := range g.Order() {
		if prior, ok := carried[name]; ok && prior.Status == domain.StepSucceeded {
			c := *prior
			c.RunID = rc.RunID
			steps[name] = &c
		} else {
			steps[name] = &domain.StepExecution{RunID: rc.RunID, StepName: name, Status: domain.StepQueued}
		}
		e.persist(ctx, steps[name])
	}

	results := make(chan stepResult)
	running := 0

	for {
		if ctx.Err() == nil {
			for _, name := range g.Order() {
				if running >= e.maxParallel {
					break
				}
				if steps[name].Status != domain.StepQueued || !e.ready(g, steps, name) {
					continue
				}

				node, _ := g.Node(name)
				exec := steps[name]
				exec.Status = domain.StepRunning
				started := e.now()
				exec.StartedAt = &started
				e.persist(ctx, exec)

				running++
				go func(node *Node, exec *domain.StepExecution) {
					results <- stepResult{name: node.Name(), err: e.runStep(ctx, rc, node, exec)}
				}(node, exec)
			}
		}

		if running == 0 {
			break
		}

		res := <-results
		running--

		exec := steps[res.name]
		ended := e.now()
		exec.EndedAt = &ended
		exec.Assertions = rc.Assertions(res.name)

		if res.err == nil {
			exec.Status = domain.StepSucceeded
			exec.ErrorKind, exec.ErrorDetail = "", ""
			e.persist(ctx, exec)
			continue
		}

		kind := failure.KindOf(res.err)
		exec.Status = domain.StepFailed
		exec.ErrorKind = string(kind)
		exec.ErrorDetail = failure.DetailOf(res.err)
		e.persist(ctx, exec)

		log.Error().
			Err(res.err).
			Str("step", res.name).
			Str("error_kind", string(kind)).
			Int("attempts", exec.Attempts).
			Msg("Step failed")

		skipKind := failure.UpstreamFailed
		if kind == failure.AssertionFailure {
			skipKind = failure.UpstreamInvalid
		}
		for _, d := range g.Downstream(res.name) {
			if steps[d].Status != domain.StepQueued {
				continue
			}
			steps[d].Status = domain.StepSkipped
			steps[d].ErrorKind = string(skipKind)
			steps[d].ErrorDetail = fmt.Sprintf("upstream step %s: %s", res.name, kind)
			e.persist(ctx, steps[d])
		}
	}

	if err := ctx.Err(); err != nil {
		for _, name := range g.Order() {
			if steps[name].Status == domain.StepQueued {
				steps[name].Status = domain.StepSkipped
				steps[name].ErrorKind = string(failure.Cancelled)
				steps[name].ErrorDetail = err.Error()
				e.persist(ctx, steps[name])
			}
		}
	}

	return steps
}

func (e *Executor) ready(g *Graph, steps map[string]*domain.StepExecution, name string) bool {
	node, _ := g.Node(name)
	for _, up := range node.Upstream {
		if steps[up].Status != domain.StepSucceeded {
			return false
		}
	}
	return true
}

// runStep executes one step, retrying transient failures with backoff.
func (e *Executor) runStep(ctx context.Context, rc *RunContext, node *Node, exec *domain.StepExecution) (err error) {
	ctx = logger.ForStep(ctx, node.Name())
	log := logger.FromContext(ctx)
	policy := node.Retry

	for attempt := 1; ; attempt++ {
		exec.Attempts = attempt
		if attempt > 1 {
			e.persist(ctx, exec)
		}

		err = e.invoke(ctx, rc, node.Step)
		if err == nil {
			log.Info().Int("attempt", attempt).Msg("Step succeeded")
			return nil
		}

		if ctx.Err() != nil {
			return failure.Wrap(failure.Cancelled, "Execute", err)
		}
		if !failure.IsTransient(err) || attempt >= policy.Attempts() {
			return err
		}

		backoff := policy.Backoff(attempt)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", policy.Attempts()).
			Dur("backoff", backoff).
			Msg("Transient step failure, retrying")

		if serr := e.sleep(ctx, backoff); serr != nil {
			return failure.Wrap(failure.Cancelled, "Execute", err)
		}
	}
}

func (e *Executor) invoke(ctx context.Context, rc *RunContext, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.Newf(failure.Internal, "Execute", "panic in step %s: %v", step.Name(), r)
		}
	}()
	return step.Execute(ctx, rc)
}

// persist writes a step record. The run keeps going when the store is
// unavailable so the failure surfaces in the final run record instead.
func (e *Executor) persist(ctx context.Context, exec *domain.StepExecution) {
	snapshot := *exec
	if err := e.store.SaveStep(context.WithoutCancel(ctx), &snapshot); err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("run_id", exec.RunID).
			Str("step", exec.StepName).
			Str("status", string(exec.Status)).
			Msg("Failed to persist step execution")
	}
}
