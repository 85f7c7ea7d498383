package loom

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a recurring agent run: every Every, Prompt is sent to a fresh
// agent built from AgentOpts and the result is handed to OnResult.
type Job struct {
	Name      string
	Every     time.Duration
	Prompt    string
	AgentOpts []Option
	// OnResult receives the run outcome. Nil means fire-and-forget.
	OnResult func(Result)
}

// schedJob is a registered job plus its timer bookkeeping. gen increments
// on every replacement so stale timers and in-flight runs from an older
// registration can be recognized and discarded.
type schedJob struct {
	def     Job
	timer   *time.Timer
	gen     uint64
	running bool
}

// TaskSupervisor tracks spawned job runs so a shutdown can wait for them.
// Panics in a task are recovered and logged; one crashing job never takes
// the supervisor down.
type TaskSupervisor struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewTaskSupervisor returns a supervisor logging recovered panics to l.
func NewTaskSupervisor(l *slog.Logger) *TaskSupervisor {
	if l == nil {
		l = nopLogger
	}
	return &TaskSupervisor{logger: l}
}

// Go runs fn on a new goroutine under the supervisor.
func (s *TaskSupervisor) Go(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("supervised task panicked", "task", name, "panic", p)
			}
		}()
		fn()
	}()
}

// Wait blocks until every spawned task has returned.
func (s *TaskSupervisor) Wait() { s.wg.Wait() }

// Scheduler fires registered jobs on fixed intervals with at-most-one run
// in flight per job: a tick that lands while the previous run is still
// going is skipped, never queued. Results from runs whose job was removed
// or replaced mid-flight are discarded.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*schedJob
	sup     *TaskSupervisor
	ownSup  bool
	logger  *slog.Logger
	started bool
	stopped bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithJobs registers jobs before start.
func WithJobs(jobs ...Job) SchedulerOption {
	return func(s *Scheduler) {
		for _, j := range jobs {
			s.jobs[j.Name] = &schedJob{def: j}
		}
	}
}

// WithTaskSupervisor shares an external supervisor. The scheduler's Stop
// then leaves in-flight runs to the supervisor's owner.
func WithTaskSupervisor(sup *TaskSupervisor) SchedulerOption {
	return func(s *Scheduler) {
		s.sup = sup
		s.ownSup = false
	}
}

// WithSchedulerLogger sets the structured logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler builds a scheduler. Without WithTaskSupervisor it owns a
// private supervisor and Stop waits for in-flight runs.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:   make(map[string]*schedJob),
		logger: nopLogger,
		ownSup: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sup == nil {
		s.sup = NewTaskSupervisor(s.logger)
	}
	return s
}

// Start arms the interval timer of every registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	for name, job := range s.jobs {
		s.armLocked(name, job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// armLocked schedules the next tick for job. Caller holds mu.
func (s *Scheduler) armLocked(name string, job *schedJob) {
	gen := job.gen
	job.timer = time.AfterFunc(job.def.Every, func() { s.tick(name, gen) })
}

// tick fires on a job's interval. A run still in flight means this tick
// is skipped; the next interval gets a fresh chance.
func (s *Scheduler) tick(name string, gen uint64) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok || job.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.armLocked(name, job)
	if job.running {
		s.logger.Debug("tick skipped, job still running", "job", name)
		s.mu.Unlock()
		return
	}
	job.running = true
	def := job.def
	s.mu.Unlock()

	s.sup.Go(name, func() { s.runJob(name, gen, def) })
}

// runJob executes one job run on a fresh agent state and settles the
// outcome. A run that outlived its registration (job removed or replaced)
// is orphaned: its result is discarded without touching the new entry.
func (s *Scheduler) runJob(name string, gen uint64, def Job) {
	// The slot must be freed even when the run panics out through the
	// supervisor's recover, or every later tick would be skipped.
	settled := false
	defer func() {
		if !settled {
			s.releaseSlot(name, gen)
		}
	}()

	result := s.execute(name, def)

	settled = true
	if !s.releaseSlot(name, gen) {
		s.logger.Warn("discarding result from orphaned run", "job", name)
		return
	}
	if def.OnResult != nil {
		def.OnResult(result)
	}
}

// releaseSlot clears a job's running flag. False means the run was
// orphaned: the job was removed or replaced after the run started.
func (s *Scheduler) releaseSlot(name string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok || job.gen != gen {
		return false
	}
	job.running = false
	return true
}

// execute builds a one-shot agent state for the job and runs its prompt.
func (s *Scheduler) execute(name string, def Job) Result {
	cfg := NewConfig(def.AgentOpts...)
	state, err := NewState(cfg)
	if err != nil {
		s.logger.Error("job agent construction failed", "job", name, "error", err)
		return Result{Status: StatusError, Error: err.Error()}
	}
	state.Messages = append(state.Messages, UserText(def.Prompt))
	return RunLoop(context.Background(), state, RunOptions{})
}

// AddJob registers or replaces a job. Replacing bumps the generation, so
// an in-flight run of the old registration is orphaned and its result
// discarded.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.jobs[job.Name]; ok {
		if old.timer != nil {
			old.timer.Stop()
		}
		old.def = job
		old.gen++
		old.running = false
		if s.started {
			s.armLocked(job.Name, old)
		}
		return
	}
	entry := &schedJob{def: job}
	s.jobs[job.Name] = entry
	if s.started {
		s.armLocked(job.Name, entry)
	}
}

// ListJobs snapshots the registered job definitions.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.def)
	}
	return jobs
}

// RemoveJob unregisters a job. An in-flight run is orphaned.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return ErrJobNotFound
	}
	if job.timer != nil {
		job.timer.Stop()
	}
	delete(s.jobs, name)
	return nil
}

// Trigger runs a job immediately, off-schedule. The interval timer is
// untouched. ErrJobRunning when a run is already in flight.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok || s.stopped {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.running {
		s.mu.Unlock()
		return ErrJobRunning
	}
	job.running = true
	gen := job.gen
	def := job.def
	s.mu.Unlock()

	s.sup.Go(name, func() { s.runJob(name, gen, def) })
	return nil
}

// Stop disarms every timer. With an owned supervisor it also waits for
// in-flight runs; a shared supervisor is left to its owner.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, job := range s.jobs {
		if job.timer != nil {
			job.timer.Stop()
		}
	}
	s.mu.Unlock()

	if s.ownSup {
		s.sup.Wait()
	}
	s.logger.Info("scheduler stopped")
}
