package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/user/wacopilot/internal/types"
)

// OutboxStore stores each outbox job as its own JSON file at
// outbox/<jobID>.json.
type OutboxStore struct {
	root string
	mu   sync.RWMutex
}

// NewOutboxStore creates a new file-backed OutboxStore rooted at the given directory.
func NewOutboxStore(root string) *OutboxStore {
	return &OutboxStore{root: root}
}

func (o *OutboxStore) jobsDir() string {
	return filepath.Join(o.root, "outbox")
}

func (o *OutboxStore) jobPath(id types.JobID) string {
	return filepath.Join(o.jobsDir(), string(id)+".json")
}

func (o *OutboxStore) readJob(path string) (*types.OutboxJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var job types.OutboxJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", filepath.Base(path), err)
	}
	return &job, nil
}

func (o *OutboxStore) writeJob(job *types.OutboxJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return writeFileAtomic(o.jobPath(job.ID), data)
}

// Put stores a new job. It fails if a job with the same ID exists.
func (o *OutboxStore) Put(_ context.Context, job *types.OutboxJob) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := os.Stat(o.jobPath(job.ID)); err == nil {
		return fmt.Errorf("job already exists: %s", job.ID)
	}
	return o.writeJob(job)
}

// Update replaces a stored job.
func (o *OutboxStore) Update(_ context.Context, job *types.OutboxJob) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := os.Stat(o.jobPath(job.ID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("job %s: %w", job.ID, types.ErrNotFound)
		}
		return fmt.Errorf("stat job: %w", err)
	}
	return o.writeJob(job)
}

// Delete removes a job. Deleting a missing job is not an error.
func (o *OutboxStore) Delete(_ context.Context, id types.JobID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := os.Remove(o.jobPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

// Get returns the job with the given ID.
func (o *OutboxStore) Get(_ context.Context, id types.JobID) (*types.OutboxJob, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	job, err := o.readJob(o.jobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

// List returns every job, oldest first.
func (o *OutboxStore) List(_ context.Context) ([]*types.OutboxJob, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(o.jobsDir(), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob jobs: %w", err)
	}

	jobs := make([]*types.OutboxJob, 0, len(matches))
	for _, path := range matches {
		job, err := o.readJob(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt < jobs[j].CreatedAt
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}
