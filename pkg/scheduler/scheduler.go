package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/robfig/cron/v3"

	"github.com/raterudder/optimshine/pkg/log"
	"github.com/raterudder/optimshine/pkg/metrics"
)

// Action is a unit of work fired by the Scheduler. The context it receives
// is detached from the scheduler's cancellation so an in-flight action always
// runs to completion.
type Action func(ctx context.Context) Result

// Event is a job lifecycle transition.
type Event string

const (
	EventSubmitted Event = "submitted"
	EventMissed    Event = "missed"
	EventExecuted  Event = "executed"
	EventErrored   Event = "errored"
)

// oneShot is a cron.Schedule that fires exactly once. cron asks for the next
// activation once when the entry becomes active and once after every run, so
// the second call retires the entry.
type oneShot struct {
	mu     sync.Mutex
	at     time.Time
	issued bool
}

func (o *oneShot) Next(time.Time) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.issued {
		return time.Time{}
	}
	o.issued = true
	return o.at
}

type job struct {
	id           string
	entryID      cron.EntryID
	at           time.Time
	registeredAt time.Time
	action       Action
}

// Scheduler holds named, replaceable one-shot actions on top of a cron
// timer. It tracks which jobs are running and which were missed so the main
// loop can tell when it's safe to exit.
type Scheduler struct {
	cron         *cron.Cron
	misfireGrace time.Duration
	drainPoll    time.Duration
	now          func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	pending  map[string]*job
	running  map[string]struct{}
	missed   map[string]struct{}
	stopping bool
}

// New returns a Scheduler. It doesn't fire anything until Start.
func New() *Scheduler {
	return &Scheduler{
		misfireGrace: time.Minute,
		drainPoll:    5 * time.Second,
		now:          time.Now,
		ctx:          context.Background(),
		pending:      make(map[string]*job),
		running:      make(map[string]struct{}),
		missed:       make(map[string]struct{}),
	}
}

// Configured sets up flags for the Scheduler and returns the instance.
func Configured() *Scheduler {
	s := New()
	misfireGrace := lflag.Duration("scheduler-misfire-grace", s.misfireGrace, "How late a job may fire before it's considered missed")
	drainPoll := lflag.Duration("scheduler-drain-poll", s.drainPoll, "How often to check for running jobs while shutting down")

	lflag.Do(func() {
		s.misfireGrace = *misfireGrace
		s.drainPoll = *drainPoll
	})
	return s
}

// Start starts the underlying timer. Jobs receive a context derived from
// ctx, which also carries the logger.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(log.NewCronLogger(ctx)),
	)
	for _, j := range s.pending {
		j.entryID = s.cron.Schedule(&oneShot{at: j.at}, s.wrap(j))
	}
	s.mu.Unlock()

	s.cron.Start()
	log.Ctx(ctx).DebugContext(ctx, "scheduler started")
}

// Schedule registers action under id to fire at at, replacing any pending
// job with the same id. A trigger in the past fires as soon as possible.
func (s *Scheduler) Schedule(id string, at time.Time, action Action) {
	if action == nil {
		panic(fmt.Sprintf("nil action scheduled under %s", id))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		log.Ctx(s.ctx).WarnContext(s.ctx, "scheduler is shutting down, job not added", slog.String("jobID", id))
		return
	}

	if old, ok := s.pending[id]; ok && s.cron != nil {
		s.cron.Remove(old.entryID)
	}

	j := &job{
		id:           id,
		at:           at,
		registeredAt: s.now(),
		action:       action,
	}
	if s.cron != nil {
		j.entryID = s.cron.Schedule(&oneShot{at: at}, s.wrap(j))
	}
	s.pending[id] = j
	metrics.SchedulerPendingJobs.Set(float64(len(s.pending)))

	log.Ctx(s.ctx).DebugContext(s.ctx, "job scheduled", slog.String("jobID", id), slog.Time("at", at))
}

func (s *Scheduler) wrap(j *job) cron.Job {
	return cron.FuncJob(func() {
		due := j.at
		if j.registeredAt.After(due) {
			due = j.registeredAt
		}

		// leaving pending and joining running happen under one lock so Idle
		// never sees a firing job as gone
		s.mu.Lock()
		ctx := s.ctx
		stopping := s.stopping
		if cur, ok := s.pending[j.id]; ok && cur == j {
			delete(s.pending, j.id)
			metrics.SchedulerPendingJobs.Set(float64(len(s.pending)))
		}
		if s.cron != nil {
			s.cron.Remove(j.entryID)
		}
		late := s.now().Sub(due)
		missed := late > s.misfireGrace
		if !stopping && !missed {
			s.running[j.id] = struct{}{}
		}
		s.mu.Unlock()

		ctx = log.WithJob(context.WithoutCancel(ctx), j.id)
		if stopping {
			log.Ctx(ctx).WarnContext(ctx, "scheduler is shutting down, job skipped")
			return
		}
		if missed {
			log.Ctx(ctx).WarnContext(ctx, "job missed its trigger time", slog.Duration("late", late))
			s.event(ctx, EventMissed, j.id, nil)
			return
		}

		s.event(ctx, EventSubmitted, j.id, nil)
		res := run(ctx, j.action)
		switch res.Outcome {
		case OutcomeHardFailure:
			s.event(ctx, EventErrored, j.id, res.Err)
		case OutcomeSoftFailure:
			log.Ctx(ctx).WarnContext(ctx, "job finished with a handled failure", slog.Any("error", res.Err))
			s.event(ctx, EventExecuted, j.id, nil)
		default:
			s.event(ctx, EventExecuted, j.id, nil)
		}
	})
}

func run(ctx context.Context, action Action) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = HardFailure(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return action(ctx)
}

// event applies a lifecycle transition to the running and missed sets.
// Submission and miss detection can race for the same id, so each side
// undoes the other instead of double counting.
func (s *Scheduler) event(ctx context.Context, e Event, id string, err error) {
	metrics.SchedulerEventsTotal.WithLabelValues(string(e)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch e {
	case EventSubmitted:
		// a job may already be marked running when it fired, so this is
		// idempotent
		if _, ok := s.missed[id]; ok {
			delete(s.missed, id)
			delete(s.running, id)
			return
		}
		s.running[id] = struct{}{}
	case EventMissed:
		if _, ok := s.running[id]; ok {
			delete(s.running, id)
			return
		}
		s.missed[id] = struct{}{}
	case EventExecuted:
		delete(s.running, id)
		log.Ctx(ctx).DebugContext(ctx, "job executed")
	case EventErrored:
		delete(s.running, id)
		if err == nil {
			err = errors.New("unknown error")
		}
		log.Ctx(ctx).ErrorContext(ctx, "job raised an exception", slog.Any("error", err))
	}
}

// Jobs enumerates pending jobs ordered by trigger time. Every call takes a
// fresh snapshot.
func (s *Scheduler) Jobs() iter.Seq2[string, time.Time] {
	return func(yield func(string, time.Time) bool) {
		s.mu.Lock()
		jobs := make([]*job, 0, len(s.pending))
		for _, j := range s.pending {
			jobs = append(jobs, j)
		}
		s.mu.Unlock()

		slices.SortFunc(jobs, func(a, b *job) int {
			if c := a.at.Compare(b.at); c != 0 {
				return c
			}
			if a.id < b.id {
				return -1
			}
			if a.id > b.id {
				return 1
			}
			return 0
		})
		for _, j := range jobs {
			if !yield(j.id, j.at) {
				return
			}
		}
	}
}

// LogJobs writes the pending jobs to the log as an audit trail.
func (s *Scheduler) LogJobs(ctx context.Context) {
	var n int
	for id, at := range s.Jobs() {
		n++
		log.Ctx(ctx).InfoContext(ctx, fmt.Sprintf("Job ID: %s, Next run: %s", id, at.UTC().Format(time.RFC3339)))
	}
	if n == 0 {
		log.Ctx(ctx).InfoContext(ctx, "No scheduled jobs")
	}
}

// Running returns the ids of jobs that are executing.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.running)
}

// Missed returns the ids of jobs whose trigger was missed.
func (s *Scheduler) Missed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.missed)
}

// Pending returns the number of jobs waiting for their trigger.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Idle reports whether nothing is scheduled and nothing is running.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && len(s.running) == 0
}

// Stopping reports whether Shutdown was called.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Shutdown stops accepting triggers, waits for running jobs to finish and
// then stops the timer. There is no deadline unless ctx carries one, in
// which case ctx.Err() is returned with jobs still running.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	c := s.cron
	s.mu.Unlock()

	ticker := time.NewTicker(s.drainPoll)
	defer ticker.Stop()
	for {
		running := s.Running()
		if len(running) == 0 {
			break
		}
		log.Ctx(ctx).InfoContext(ctx, "waiting for running jobs to finish", slog.Any("running", running))
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "scheduler stopped")
	return nil
}
