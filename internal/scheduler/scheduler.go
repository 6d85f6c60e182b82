// Package scheduler runs the daemon's recurring jobs: interval tasks
// (inbound polling, outbound sending, connection screening) and daily
// tasks (follow-up cadence, learning cycle).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/growlancer/sdr/internal/logging"
)

// TaskFunc is the work executed on each tick.
type TaskFunc func(ctx context.Context) error

// Schedule is either an interval or a daily time, never both.
type Schedule struct {
	Every time.Duration `json:"every,omitempty"`
	At    string        `json:"at,omitempty"` // "15:04" local to the scheduler timezone
}

// Task is a registered job plus its run history.
type Task struct {
	Name       string        `json:"name"`
	Schedule   Schedule      `json:"schedule"`
	Timeout    time.Duration `json:"timeout"`
	RunOnStart bool          `json:"run_on_start"`

	fn         TaskFunc
	lastRun    *time.Time
	nextRun    *time.Time
	runCount   int64
	errorCount int64
	lastError  string
}

// TaskStatus is a read-only snapshot of one task, safe to serialize.
type TaskStatus struct {
	Name       string     `json:"name"`
	Schedule   Schedule   `json:"schedule"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
}

// Stats aggregates the run history across all tasks.
type Stats struct {
	Started     bool   `json:"started"`
	Tasks       int    `json:"tasks"`
	TotalRuns   int64  `json:"total_runs"`
	TotalErrors int64  `json:"total_errors"`
	Timezone    string `json:"timezone"`
}

const defaultTimeout = 5 * time.Minute

// Scheduler owns one goroutine per task. Stop cancels the tick loops
// but lets in-flight handlers finish up to their timeout.
type Scheduler struct {
	mu       sync.RWMutex
	tasks    []*Task
	timezone *time.Location
	logger   *logging.Logger

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. An empty or unknown timezone falls back to
// the system local zone.
func New(timezone string) *Scheduler {
	tz, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		tz = time.Local
	}
	return &Scheduler{
		timezone: tz,
		logger:   logging.WithField("component", "scheduler"),
	}
}

// AddInterval registers a task that runs every interval. When
// runOnStart is set the first run happens immediately after Start.
func (s *Scheduler) AddInterval(name string, every, timeout time.Duration, runOnStart bool, fn TaskFunc) error {
	if every <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	return s.add(&Task{
		Name:       name,
		Schedule:   Schedule{Every: every},
		Timeout:    timeout,
		RunOnStart: runOnStart,
		fn:         fn,
	})
}

// AddDaily registers a task that runs once a day at the given "15:04"
// time in the scheduler timezone.
func (s *Scheduler) AddDaily(name, at string, timeout time.Duration, fn TaskFunc) error {
	if _, err := time.Parse("15:04", at); err != nil {
		return fmt.Errorf("task %s: bad daily time %q: %w", name, at, err)
	}
	return s.add(&Task{
		Name:     name,
		Schedule: Schedule{At: at},
		Timeout:  timeout,
		fn:       fn,
	})
}

func (s *Scheduler) add(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if task.fn == nil {
		return fmt.Errorf("task %s: handler is required", task.Name)
	}
	if s.started {
		return fmt.Errorf("task %s: scheduler already started", task.Name)
	}
	if task.Timeout <= 0 {
		task.Timeout = defaultTimeout
	}
	for _, existing := range s.tasks {
		if existing.Name == task.Name {
			return fmt.Errorf("task %s: already registered", task.Name)
		}
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Start launches one loop per task. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.runLoop(loopCtx, task)
	}

	s.logger.WithField("tasks", len(s.tasks)).Info("scheduler started")
	return nil
}

// Stop cancels scheduling and waits for in-flight runs to finish. Each
// run is bounded by its task timeout, so Stop is bounded too.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	if task.RunOnStart {
		s.execute(task)
	}

	for {
		next := s.nextRun(task.Schedule)
		s.mu.Lock()
		task.nextRun = &next
		s.mu.Unlock()

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.execute(task)
		}
	}
}

// execute runs one tick. The handler gets a fresh timeout context
// detached from the loop context so a shutdown mid-run does not cut
// the tick short.
func (s *Scheduler) execute(task *Task) {
	now := time.Now()
	s.mu.Lock()
	task.lastRun = &now
	task.runCount++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	defer cancel()

	start := time.Now()
	err := task.fn(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	if err != nil {
		task.errorCount++
		task.lastError = err.Error()
	} else {
		task.lastError = ""
	}
	s.mu.Unlock()

	log := s.logger.WithFields(map[string]interface{}{
		"task":        task.Name,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		log.Error("task failed: %v", err)
	} else {
		log.Debug("task complete")
	}
}

func (s *Scheduler) nextRun(schedule Schedule) time.Time {
	now := time.Now().In(s.timezone)

	if schedule.Every > 0 {
		return now.Add(schedule.Every)
	}

	at, err := time.Parse("15:04", schedule.At)
	if err != nil {
		// Validated at registration. Re-arm in an hour rather than spin.
		return now.Add(time.Hour)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, s.timezone)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunNow triggers a task out of band, bypassing its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	var task *Task
	for _, t := range s.tasks {
		if t.Name == name {
			task = t
			break
		}
	}
	s.mu.RUnlock()

	if task == nil {
		return fmt.Errorf("task not found: %s", name)
	}
	go s.execute(task)
	return nil
}

// Snapshot returns the current state of every task in registration
// order.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		status := TaskStatus{
			Name:       t.Name,
			Schedule:   t.Schedule,
			RunCount:   t.runCount,
			ErrorCount: t.errorCount,
			LastError:  t.lastError,
		}
		if t.lastRun != nil {
			lr := *t.lastRun
			status.LastRun = &lr
		}
		if t.nextRun != nil {
			nr := *t.nextRun
			status.NextRun = &nr
		}
		out = append(out, status)
	}
	return out
}

// GetStats aggregates run counts across all tasks.
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:  s.started,
		Tasks:    len(s.tasks),
		Timezone: s.timezone.String(),
	}
	for _, t := range s.tasks {
		stats.TotalRuns += t.runCount
		stats.TotalErrors += t.errorCount
	}
	return stats
}
