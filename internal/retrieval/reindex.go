package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/evidex-go/internal/rag"
)

// AllEngagements selects every engagement in a reindex request.
const AllEngagements = "*"

// finishedJobTTL is how long a finished job stays queryable.
const finishedJobTTL = time.Hour

// JobState is the lifecycle state of a reindex job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// ReindexJob is a snapshot of a reindex job's progress.
type ReindexJob struct {
	ID           string     `json:"job_id"`
	EngagementID string     `json:"engagement_id"`
	Force        bool       `json:"force"`
	State        JobState   `json:"state"`
	Total        int        `json:"total"`
	Reindexed    int        `json:"reindexed"`
	Skipped      int        `json:"skipped"`
	Failed       int        `json:"failed"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ErrShuttingDown is returned by StartReindex once Shutdown has been called.
var ErrShuttingDown = errors.New("retrieval: shutting down")

// jobRegistry tracks reindex jobs in memory. Background jobs run under
// root, which Shutdown cancels.
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*ReindexJob
	wg   sync.WaitGroup

	root   context.Context
	cancel context.CancelFunc
}

func newJobRegistry() *jobRegistry {
	root, cancel := context.WithCancel(context.Background())
	return &jobRegistry{jobs: make(map[string]*ReindexJob), root: root, cancel: cancel}
}

// begin reserves a slot for a background job, or reports false once the
// registry has been stopped.
func (r *jobRegistry) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root.Err() != nil {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *jobRegistry) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
}

func (r *jobRegistry) add(engagementID string, force bool) *ReindexJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, j := range r.jobs {
		if j.FinishedAt != nil && now.Sub(*j.FinishedAt) > finishedJobTTL {
			delete(r.jobs, id)
		}
	}
	j := &ReindexJob{
		ID:           uuid.NewString(),
		EngagementID: engagementID,
		Force:        force,
		State:        JobRunning,
		StartedAt:    now.UTC(),
	}
	r.jobs[j.ID] = j
	return j
}

func (r *jobRegistry) update(j *ReindexJob, fn func(*ReindexJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(j)
}

func (r *jobRegistry) get(id string) (ReindexJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ReindexJob{}, false
	}
	return *j, true
}

func (r *jobRegistry) snapshot(j *ReindexJob) ReindexJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *j
}

// StartReindex starts a background job that re-ingests the documents of
// engagementID (AllEngagements for every engagement) from the catalog and
// returns immediately. The job outlives ctx but not Shutdown.
func (c *Coordinator) StartReindex(ctx context.Context, engagementID string, force bool) (ReindexJob, error) {
	if err := c.checkReindex(engagementID); err != nil {
		return ReindexJob{}, err
	}
	if !c.jobs.begin() {
		return ReindexJob{}, ErrShuttingDown
	}
	j := c.jobs.add(engagementID, force)

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(c.jobs.root, cancel)
	go func() {
		defer c.jobs.wg.Done()
		defer cancel()
		defer unlink()
		c.runReindex(jobCtx, j)
	}()
	return c.jobs.snapshot(j), nil
}

// Reindex runs a reindex job synchronously and returns its final state.
func (c *Coordinator) Reindex(ctx context.Context, engagementID string, force bool) (ReindexJob, error) {
	if err := c.checkReindex(engagementID); err != nil {
		return ReindexJob{}, err
	}
	j := c.jobs.add(engagementID, force)
	c.runReindex(ctx, j)
	return c.jobs.snapshot(j), nil
}

// Job returns the current state of a reindex job.
func (c *Coordinator) Job(id string) (ReindexJob, bool) {
	return c.jobs.get(id)
}

// Wait blocks until every background reindex job has finished.
func (c *Coordinator) Wait() {
	c.jobs.wg.Wait()
}

// Shutdown cancels running background reindex jobs and waits until they
// have recorded their final state or ctx is done. Cancelled jobs finish
// as failed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.jobs.stop()
	done := make(chan struct{})
	go func() {
		c.jobs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retrieval: waiting for reindex jobs: %w", ctx.Err())
	}
}

func (c *Coordinator) checkReindex(engagementID string) error {
	if strings.TrimSpace(engagementID) == "" {
		return &rag.ValidationError{Field: "engagement_id", Reason: `must be an engagement ID or "*"`}
	}
	if !c.Enabled() {
		return c.disabledErr()
	}
	return nil
}

// runReindex re-ingests catalogued documents on the worker pool. Without
// force, documents whose stored index signature matches the current
// settings and that are not waiting for the primary are skipped.
func (c *Coordinator) runReindex(ctx context.Context, j *ReindexJob) {
	log := c.log.With(slog.String("job_id", j.ID), slog.String("engagement_id", j.EngagementID))
	log.InfoContext(ctx, "reindex started", slog.Bool("force", j.Force))

	scope := j.EngagementID
	if scope == AllEngagements {
		scope = ""
	}
	recs, err := c.catalog.ListDocuments(ctx, scope)
	if err != nil {
		c.finishJob(ctx, log, j, fmt.Errorf("retrieval: list documents: %w", err))
		return
	}
	c.jobs.update(j, func(j *ReindexJob) { j.Total = len(recs) })

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i := range recs {
		rec := &recs[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				c.countReindex(j, "failed")
				return nil
			}
			if !j.Force && !rec.PendingPrimary && rec.IndexSignature != "" && rec.IndexSignature == c.signature(&rec.Document) {
				c.countReindex(j, "skipped")
				return nil
			}
			res, err := c.Ingest(ctx, &rec.Document)
			switch {
			case err != nil:
				log.WarnContext(ctx, "reindex of document failed",
					slog.String("document_id", rec.ID), slog.String("error", err.Error()))
				c.countReindex(j, "failed")
			case res.Status == rag.IngestFailed:
				c.countReindex(j, "failed")
			case res.Status == rag.IngestSuperseded:
				c.countReindex(j, "skipped")
			default:
				c.countReindex(j, "reindexed")
			}
			return nil
		})
	}
	_ = g.Wait()
	c.finishJob(ctx, log, j, ctx.Err())
}

func (c *Coordinator) countReindex(j *ReindexJob, outcome string) {
	c.metrics.reindexDocs.WithLabelValues(outcome).Inc()
	c.jobs.update(j, func(j *ReindexJob) {
		switch outcome {
		case "skipped":
			j.Skipped++
		case "failed":
			j.Failed++
		default:
			j.Reindexed++
		}
	})
}

func (c *Coordinator) finishJob(ctx context.Context, log *slog.Logger, j *ReindexJob, err error) {
	c.jobs.update(j, func(j *ReindexJob) {
		now := time.Now().UTC()
		j.FinishedAt = &now
		j.State = JobCompleted
		if err != nil {
			j.State = JobFailed
			j.Error = err.Error()
		}
	})
	snap := c.jobs.snapshot(j)
	log.InfoContext(ctx, "reindex finished",
		slog.String("state", string(snap.State)),
		slog.Int("total", snap.Total),
		slog.Int("reindexed", snap.Reindexed),
		slog.Int("skipped", snap.Skipped),
		slog.Int("failed", snap.Failed),
	)
}
