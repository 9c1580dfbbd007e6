package queue

import (
	"context"
	"errors"
	"time"
)

// Job is a broker row: a work item bound to a named queue with its retry
// budget. The broker owns a job until a worker claims it; at-least-once
// delivery means a claimed job whose worker dies is handed out again after
// its expiry window.
type Job struct {
	ID         string
	Queue      string
	Data       []byte
	RetryLimit int
	RetryCount int
	RetryDelay time.Duration
	ExpireIn   time.Duration
	StartAfter time.Time
	CreatedAt  time.Time
}

// Stats is a per-state job count snapshot.
type Stats struct {
	Created   int64 `json:"created"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// JobSummary is a read-only broker row view for the admin surfaces.
type JobSummary struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	State      string    `json:"state"`
	RetryCount int       `json:"retry_count"`
	RetryLimit int       `json:"retry_limit"`
	StartAfter time.Time `json:"start_after"`
	CreatedAt  time.Time `json:"created_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// ErrJobNotFound is returned for completion/failure of an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// Store is the persistent broker behind the queue manager. Implementations
// must be safe for concurrent use by every worker in the process.
type Store interface {
	// Enqueue persists a new job.
	Enqueue(ctx context.Context, job Job) error

	// Fetch claims up to limit due jobs from queues matching the glob
	// pattern (e.g. "mail-*"). Claimed jobs are invisible to other workers
	// until completed, failed or reaped.
	Fetch(ctx context.Context, pattern string, limit int) ([]Job, error)

	// Complete acknowledges a claimed job; the item is destroyed.
	Complete(ctx context.Context, id string) error

	// Fail records a failed attempt. The job is rescheduled after its retry
	// delay unless the retry budget is exhausted, in which case it is
	// dead-lettered and terminal is true.
	Fail(ctx context.Context, id string, reason string) (terminal bool, err error)

	// ReapExpired returns claimed jobs whose expiry window has passed back
	// to their queues, counting the lost claim as an attempt. This is the
	// crash-recovery half of at-least-once delivery.
	ReapExpired(ctx context.Context) (int, error)

	// Purge deletes completed and dead-lettered jobs older than the
	// retention window, returning the number removed.
	Purge(ctx context.Context, retention time.Duration) (int, error)

	// Stats returns per-state job counts.
	Stats(ctx context.Context) (Stats, error)

	// List returns a snapshot of jobs, newest first, optionally filtered
	// by state. Listing does not claim anything.
	List(ctx context.Context, state string, limit int) ([]JobSummary, error)

	// Close releases broker resources.
	Close()
}
