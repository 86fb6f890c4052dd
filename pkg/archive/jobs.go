package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/index"
)

// JobState is the lifecycle of an asynchronous archive job.
type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job tracks one asynchronous compress or extract.
type Job struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"` // compress, extract
	UserID     string           `json:"-"`
	State      JobState         `json:"state"`
	Error      string           `json:"error,omitempty"`
	Result     *index.FileEntry `json:"result,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Jobs runs archive operations in the background and retains finished jobs
// for polling until retention expires.
type Jobs struct {
	service   *Service
	retention time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewJobs wires a job runner. Finished jobs stay pollable for retention.
func NewJobs(service *Service, retention time.Duration) *Jobs {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Jobs{
		service:   service,
		retention: retention,
		jobs:      make(map[string]*Job),
	}
}

// StartCompress launches a compress in the background and returns its job.
func (j *Jobs) StartCompress(ctx context.Context, userID string, req CompressRequest) *Job {
	return j.start(ctx, userID, "compress", func(ctx context.Context) (*index.FileEntry, error) {
		return j.service.Compress(ctx, userID, req)
	})
}

// StartExtract launches an extract in the background and returns its job.
func (j *Jobs) StartExtract(ctx context.Context, userID string, req ExtractRequest) *Job {
	return j.start(ctx, userID, "extract", func(ctx context.Context) (*index.FileEntry, error) {
		return j.service.Extract(ctx, userID, req)
	})
}

// Get returns a job visible to the user.
func (j *Jobs) Get(userID, jobID string) (*Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sweepLocked()
	job, ok := j.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

func (j *Jobs) start(ctx context.Context, userID, kind string, fn func(context.Context) (*index.FileEntry, error)) *Job {
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		UserID:    userID,
		State:     JobRunning,
		CreatedAt: time.Now().UTC(),
	}
	j.mu.Lock()
	j.sweepLocked()
	j.jobs[job.ID] = job
	j.mu.Unlock()

	// The job must outlive the request that started it; only the request
	// metadata is carried over.
	jobCtx := context.Background()
	if lc := logger.FromContext(ctx); lc != nil {
		jobCtx = logger.WithContext(jobCtx, lc)
	}

	go func() {
		entry, err := fn(jobCtx)
		now := time.Now().UTC()
		j.mu.Lock()
		defer j.mu.Unlock()
		job.FinishedAt = &now
		if err != nil {
			job.State = JobFailed
			job.Error = err.Error()
			logger.Warn("archive job failed", "job_id", job.ID, "kind", kind, "error", err)
			return
		}
		job.State = JobDone
		job.Result = entry
	}()

	snapshot := *job
	return &snapshot
}

// sweepLocked drops finished jobs past retention. Caller holds the mutex.
func (j *Jobs) sweepLocked() {
	cutoff := time.Now().Add(-j.retention)
	for id, job := range j.jobs {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(j.jobs, id)
		}
	}
}
