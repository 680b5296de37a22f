// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/wacopilot/internal/types"
)

// Job is a named maintenance task run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Entry describes a registered job.
type Entry struct {
	Name     string
	Schedule string
	Next     time.Time
}

// Scheduler runs maintenance jobs on cron schedules.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []Job
	ids    map[string]cron.EntryID
	cron   *cron.Cron
	logger *slog.Logger
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ids:    make(map[string]cron.EntryID),
		cron:   cron.New(cron.WithParser(cronParser)),
		logger: logger.With("component", "scheduler"),
	}
}

// Add registers a job. Jobs added after Start take effect on the next Reload.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run func")
	}
	if err := ValidateSchedule(job.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start registers every job as a cron entry and starts the cron ticker.
// Job runs receive a context that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		id, err := s.cron.AddFunc(job.Schedule, func() {
			s.logger.Debug("cron firing job", "name", job.Name)
			if err := job.Run(ctx); err != nil {
				s.logger.Error("scheduled job failed", "name", job.Name, "error", err)
			}
		})
		if err != nil {
			s.logger.Error("invalid cron schedule", "name", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		s.ids[job.Name] = id
		s.logger.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one, and starts it again.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	s.cron = cron.New(cron.WithParser(cronParser))
	s.ids = make(map[string]cron.EntryID)
	s.mu.Unlock()
	return s.Start(ctx)
}

// Stop stops the cron ticker and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-c.Stop().Done()
}

// Entries lists registered jobs with their next run time, by name. Next is
// zero before Start.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, job := range s.jobs {
		e := Entry{Name: job.Name, Schedule: job.Schedule}
		if id, ok := s.ids[job.Name]; ok {
			e.Next = s.cron.Entry(id).Next
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PruneJob deletes conversations, and their messages, not updated within
// retention.
func PruneJob(schedule string, store types.ConversationStore, retention time.Duration, now func() time.Time, logger *slog.Logger) Job {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name:     "prune-conversations",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := store.PruneStale(ctx, now().Add(-retention))
			if err != nil {
				return fmt.Errorf("prune conversations: %w", err)
			}
			if n > 0 {
				logger.Info("pruned stale conversations", "count", n, "retention", retention)
			}
			return nil
		},
	}
}

// Recoverer returns stuck jobs to the queue.
type Recoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// RecoverJob requeues outbox jobs left processing for longer than olderThan.
func RecoverJob(schedule string, queue Recoverer, olderThan time.Duration) Job {
	return Job{
		Name:     "recover-stale-jobs",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := queue.RecoverStale(ctx, olderThan)
			return err
		},
	}
}
