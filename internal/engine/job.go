package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pbaille/classifier/internal/domain"
)

// job is the mutable state behind a domain.Job
type job struct {
	mu     sync.Mutex
	state  domain.Job
	cancel context.CancelFunc
}

func (j *job) snapshot() domain.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *job) status() domain.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Status
}

// start moves a waiting job to running. It reports false when the job
// was cancelled meanwhile.
func (j *job) start(now time.Time, cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Status != domain.JobWaiting {
		return false
	}
	j.state.Status = domain.JobRunning
	j.state.StartedAt = &now
	j.cancel = cancel
	return true
}

// advance raises progress; it never goes back
func (j *job) advance(progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Status == domain.JobRunning && progress > j.state.Progress {
		j.state.Progress = progress
	}
}

// finish moves a running job to a terminal status. A job cancelled in the
// meantime stays cancelled.
func (j *job) finish(status domain.JobStatus, errMsg string, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Status != domain.JobRunning {
		return false
	}
	j.state.Status = status
	j.state.Error = errMsg
	j.state.FinishedAt = &now
	if status == domain.JobComplete {
		j.state.Progress = 100
	}
	j.cancel = nil
	return true
}

// abort cancels a waiting or running job
func (j *job) abort(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Status.Terminal() {
		return false
	}
	j.state.Status = domain.JobCancelled
	j.state.FinishedAt = &now
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	return true
}
