package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scout-interest/scout/internal/estimate"
	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/internal/store"
)

// ErrJobRunning is returned when a project already has a batch running in
// this process.
var ErrJobRunning = eris.New("pipeline: batch already running")

// Runner ties an Orchestrator to the store. It opens and closes runs, keeps
// one background job per project, and answers progress polls.
type Runner struct {
	orch  *Orchestrator
	store store.Store
	sink  Sink

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

type job struct {
	runID    string
	cancel   context.CancelFunc
	progress *Progress
}

// NewRunner creates a Runner that records outcomes through a StoreSink.
func NewRunner(orch *Orchestrator, st store.Store) *Runner {
	return &Runner{
		orch:  orch,
		store: st,
		sink:  NewStoreSink(st),
		jobs:  make(map[string]*job),
	}
}

// Run processes every postal code of a project and blocks until the batch
// finishes. The project ends completed or failed.
func (r *Runner) Run(ctx context.Context, projectID string) (*model.BatchSummary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j, codes, spec, err := r.open(ctx, projectID, cancel)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, projectID, j, codes, spec)
}

// Start launches a background batch and returns its run id. The batch
// outlives ctx; use Stop to cancel it.
func (r *Runner) Start(ctx context.Context, projectID string) (string, error) {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j, codes, spec, err := r.open(ctx, projectID, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		if _, err := r.execute(bgCtx, projectID, j, codes, spec); err != nil {
			zap.L().Error("pipeline: background batch failed",
				zap.String("project_id", projectID),
				zap.String("run_id", j.runID),
				zap.Error(err),
			)
		}
	}()
	return j.runID, nil
}

// Stop cancels a running batch. It reports whether a job was found.
func (r *Runner) Stop(projectID string) bool {
	r.mu.Lock()
	j, ok := r.jobs[projectID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// Wait blocks until every background job has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every running job and waits for them to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, j := range r.jobs {
		j.cancel()
	}
	r.mu.Unlock()
	return r.Wait(ctx)
}

// Running reports whether a batch for the project is active in this process.
func (r *Runner) Running(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[projectID]
	return ok
}

// Status returns live counters while a batch runs here, and the stored
// counters otherwise. It never blocks on the batch.
func (r *Runner) Status(ctx context.Context, projectID string) (*model.BatchStatus, error) {
	r.mu.Lock()
	j, ok := r.jobs[projectID]
	r.mu.Unlock()
	if ok {
		s := j.progress.Snapshot()
		return &s, nil
	}

	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &model.BatchStatus{
		ProjectID:  p.ID,
		Status:     p.Status,
		Total:      p.TotalPostalCodes,
		Processed:  p.ProcessedPostalCodes,
		Successful: p.SuccessfulPostalCodes(),
		Errors:     p.ErrorPostalCodes,
	}, nil
}

// RecoverStale closes runs left in processing by a previous process. Jobs
// running in this process are left alone.
func (r *Runner) RecoverStale(ctx context.Context) (int, error) {
	projects, err := r.store.ListProjects(ctx, store.ProjectFilter{Status: model.ProjectStatusProcessing, Limit: 1000})
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list processing projects")
	}
	n := 0
	for _, p := range projects {
		if r.Running(p.ID) {
			continue
		}
		if _, err := r.store.FinishRun(ctx, p.ID, p.CurrentRunID, "interrupted"); err != nil {
			zap.L().Warn("pipeline: could not close stale run",
				zap.String("project_id", p.ID),
				zap.Error(err),
			)
			continue
		}
		n++
	}
	return n, nil
}

// open validates the project, claims the per-project job slot, and begins
// a run in the store.
func (r *Runner) open(ctx context.Context, projectID string, cancel context.CancelFunc) (*job, []string, *model.TargetingSpec, error) {
	if err := r.orch.estimator.CheckConfig(); err != nil {
		return nil, nil, nil, err
	}

	j := &job{
		runID:    uuid.New().String(),
		progress: NewProgress(projectID),
		cancel:   cancel,
	}
	r.mu.Lock()
	if _, ok := r.jobs[projectID]; ok {
		r.mu.Unlock()
		return nil, nil, nil, eris.Wrapf(ErrJobRunning, "project %s", projectID)
	}
	r.jobs[projectID] = j
	r.mu.Unlock()

	p, err := r.store.BeginRun(ctx, projectID, j.runID)
	if err != nil {
		r.release(projectID, j)
		return nil, nil, nil, eris.Wrap(err, "pipeline: begin run")
	}
	codes, err := r.store.ListPostalCodes(ctx, projectID)
	if err != nil {
		r.finish(ctx, projectID, j.runID, "could not load postal codes")
		r.release(projectID, j)
		return nil, nil, nil, eris.Wrap(err, "pipeline: list postal codes")
	}
	return j, codes, p.TargetingSpec, nil
}

func (r *Runner) execute(ctx context.Context, projectID string, j *job, codes []string, spec *model.TargetingSpec) (*model.BatchSummary, error) {
	defer r.release(projectID, j)

	summary, err := r.orch.ProcessBatch(ctx, Batch{
		ProjectID:   projectID,
		RunID:       j.runID,
		PostalCodes: codes,
		Targeting:   spec,
	}, r.sink, j.progress)

	detail := ""
	switch {
	case err != nil && estimate.IsFatal(err):
		detail = err.Error()
	case err != nil:
		detail = "batch error: " + err.Error()
	case summary != nil && summary.Cancelled:
		detail = "cancelled"
	}
	r.finish(ctx, projectID, j.runID, detail)

	if err != nil {
		return summary, eris.Wrap(err, "pipeline: process batch")
	}
	return summary, nil
}

func (r *Runner) finish(ctx context.Context, projectID, runID, detail string) {
	p, err := r.store.FinishRun(context.WithoutCancel(ctx), projectID, runID, detail)
	if err != nil {
		zap.L().Error("pipeline: finish run", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	zap.L().Info("pipeline: run closed",
		zap.String("project_id", projectID),
		zap.String("run_id", runID),
		zap.String("status", string(p.Status)),
		zap.String("detail", p.StatusDetail),
		zap.Int("processed", p.ProcessedPostalCodes),
		zap.Int("total", p.TotalPostalCodes),
	)
}

func (r *Runner) release(projectID string, j *job) {
	r.mu.Lock()
	if r.jobs[projectID] == j {
		delete(r.jobs, projectID)
	}
	r.mu.Unlock()
}
