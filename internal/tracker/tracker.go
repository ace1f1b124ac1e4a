package tracker

import (
	"sync"
	"time"

	"github.com/italolelis/torbox_watcher/internal/torbox"
)

// Job is a submitted download the watcher is waiting on. The identifier is
// the service-assigned id when the submission returned one, otherwise the
// content hash.
type Job struct {
	Identifier   string
	Kind         torbox.Kind
	Name         string
	OriginFile   string // local file the submission came from, empty for dashboard jobs
	ServiceID    string // TorBox-side id, preferred for status queries when set
	Hash         string
	DownloadDir  string
	MultiFile    bool
	FailureCount int
	SubmittedAt  time.Time
}

// Tracker is the in-memory registry of jobs between submission and final
// file placement. It is the only owner of Job records; callers get copies.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func New() *Tracker {
	return &Tracker{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Track inserts a new job record. It returns false without mutating anything
// when the identifier is already tracked, so callers must not proceed with a
// duplicate submission path.
func (t *Tracker) Track(job Job) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.jobs[job.Identifier]; ok {
		return false
	}

	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = t.now()
	}

	job.FailureCount = 0
	t.jobs[job.Identifier] = &job

	return true
}

// Lookup returns a copy of the job and whether it is tracked.
func (t *Tracker) Lookup(identifier string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[identifier]
	if !ok {
		return Job{}, false
	}

	return *job, true
}

// IncrementFailure bumps the consecutive-failure counter and returns the new
// count. The second return is false for unknown identifiers.
func (t *Tracker) IncrementFailure(identifier string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[identifier]
	if !ok {
		return 0, false
	}

	job.FailureCount++

	return job.FailureCount, true
}

// ResetFailure clears the consecutive-failure counter after a successful check.
func (t *Tracker) ResetFailure(identifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if job, ok := t.jobs[identifier]; ok {
		job.FailureCount = 0
	}
}

// UpdateName renames a job after the remote side reveals its real name or
// multi-file nature. Used before a download begins.
func (t *Tracker) UpdateName(identifier, name string, multiFile bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if job, ok := t.jobs[identifier]; ok {
		job.Name = name
		job.MultiFile = multiFile
	}
}

// Remove deletes a job from tracking. Removing an unknown identifier is a no-op.
func (t *Tracker) Remove(identifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.jobs, identifier)
}

// Snapshot returns copies of all tracked jobs, for the poll loop to iterate
// without holding the tracker lock.
func (t *Tracker) Snapshot() []Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	jobs := make([]Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		jobs = append(jobs, *job)
	}

	return jobs
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.jobs)
}

// EvictStale removes jobs submitted longer than maxAge ago and returns how
// many were removed. This keeps the tracker bounded when jobs never complete
// server-side.
func (t *Tracker) EvictStale(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	removed := 0

	for id, job := range t.jobs {
		if job.SubmittedAt.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}

	return removed
}
