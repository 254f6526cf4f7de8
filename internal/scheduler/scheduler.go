// Package scheduler runs lifecycle polling: a recurring sweep over active
// requests, one-shot checks keyed by request id, and independent
// housekeeping jobs. Polls run on a fixed worker pool with a per-job timeout.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/lifecycle"
	"github.com/Cypherspark/signalerr/internal/metrics"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type Options struct {
	SweepInterval time.Duration // recurring sweep cadence
	RecheckDelay  time.Duration // one-shot reschedule while approved/downloading
	JobTimeout    time.Duration // bound on a single poll
	Concurrency   int           // pool size
}

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.RecheckDelay <= 0 {
		o.RecheckDelay = 5 * time.Minute
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Poller is the part of the lifecycle engine the scheduler drives.
type Poller interface {
	Poll(ctx context.Context, id int64, grace time.Duration) (lifecycle.PollResult, error)
}

// ActiveLister enumerates non-terminal requests.
type ActiveLister interface {
	ListActiveRequests(ctx context.Context) ([]core.Request, error)
}

type Notifier interface {
	StatusChanged(ctx context.Context, r core.Request) (bool, error)
}

// GraceFunc returns the current pending-request grace period.
type GraceFunc func(ctx context.Context) time.Duration

type job struct {
	requestID int64
	oneShot   bool
	attempt   int
	done      func()
}

type check struct {
	due     time.Time
	attempt int
	seq     uint64
	timer   clockwork.Timer
}

type periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

type Scheduler struct {
	poller   Poller
	active   ActiveLister
	notifier Notifier
	grace    GraceFunc
	clock    clockwork.Clock
	log      *zap.Logger
	opt      Options

	mu      sync.Mutex
	checks  map[int64]*check
	seq     uint64
	stopped bool

	sendMu  sync.RWMutex // guards jobs against close while sending
	jobs    chan job
	closing chan struct{}
	workers sync.WaitGroup
	loops   sync.WaitGroup
	base    context.Context

	housekeeping []periodic
	started      bool
}

func New(p Poller, active ActiveLister, n Notifier, grace GraceFunc, clock clockwork.Clock, log *zap.Logger, opt Options) *Scheduler {
	opt = opt.withDefaults()
	return &Scheduler{
		poller:   p,
		active:   active,
		notifier: n,
		grace:    grace,
		clock:    clock,
		log:      log.Named("scheduler"),
		opt:      opt,
		checks:   map[int64]*check{},
		jobs:     make(chan job, opt.Concurrency*4),
		closing:  make(chan struct{}),
		base:     context.Background(),
	}
}

// Every registers a housekeeping job. It must be called before Start. Each
// job runs on its own goroutine and never shares the poll pool.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.housekeeping = append(s.housekeeping, periodic{name: name, interval: interval, fn: fn})
}

// Start launches the pool, the sweep loop and housekeeping. Tickers are
// created before Start returns.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	// in-flight jobs outlive shutdown; each one is bounded by JobTimeout
	s.base = context.WithoutCancel(ctx)

	s.workers.Add(s.opt.Concurrency)
	for i := 0; i < s.opt.Concurrency; i++ {
		go func() {
			defer s.workers.Done()
			for j := range s.jobs {
				s.run(j)
			}
		}()
	}

	sweep := s.clock.NewTicker(s.opt.SweepInterval)
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		defer sweep.Stop()
		for {
			select {
			case <-s.closing:
				return
			case <-sweep.Chan():
				s.Sweep()
			}
		}
	}()

	for _, p := range s.housekeeping {
		t := s.clock.NewTicker(p.interval)
		s.loops.Add(1)
		go func(p periodic) {
			defer s.loops.Done()
			defer t.Stop()
			for {
				select {
				case <-s.closing:
					return
				case <-t.Chan():
					ctx, cancel := context.WithTimeout(s.base, s.opt.JobTimeout)
					if err := p.fn(ctx); err != nil {
						s.log.Error("housekeeping failed", zap.String("job", p.name), zap.Error(err))
					}
					cancel()
				}
			}
		}(p)
	}
	s.log.Info("scheduler started",
		zap.Duration("sweep_interval", s.opt.SweepInterval),
		zap.Int("concurrency", s.opt.Concurrency),
		zap.Int("housekeeping_jobs", len(s.housekeeping)))
}

// Stop cancels not-yet-due checks, stops the loops, and waits for in-flight
// jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, c := range s.checks {
		c.timer.Stop()
		delete(s.checks, id)
	}
	metrics.PendingChecks.Set(0)
	started := s.started
	s.mu.Unlock()

	close(s.closing)
	s.loops.Wait()

	s.sendMu.Lock()
	close(s.jobs)
	s.sendMu.Unlock()
	if started {
		s.workers.Wait()
	}
	s.log.Info("scheduler stopped")
}

// Run starts the scheduler and stops it when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) enqueue(j job) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.jobs <- j:
		return true
	case <-s.closing:
		return false
	}
}

// ScheduleCheck arranges a one-shot poll of id after delay. An existing
// check for the same id is replaced and the later due time wins. It returns
// the due time in effect.
func (s *Scheduler) ScheduleCheck(id int64, delay time.Duration) time.Time {
	return s.schedule(id, delay, 0)
}

func (s *Scheduler) schedule(id int64, delay time.Duration, attempt int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.clock.Now().Add(delay)
	if s.stopped {
		return due
	}
	if c, ok := s.checks[id]; ok {
		if !due.After(c.due) {
			return c.due
		}
		c.timer.Stop()
		if attempt < c.attempt {
			attempt = c.attempt
		}
	}
	s.seq++
	seq := s.seq
	c := &check{due: due, attempt: attempt, seq: seq}
	c.timer = s.clock.AfterFunc(delay, func() { s.fire(id, seq) })
	s.checks[id] = c
	metrics.PendingChecks.Set(float64(len(s.checks)))
	s.log.Debug("check scheduled", zap.Int64("request_id", id), zap.Time("due", due), zap.Int("attempt", attempt))
	return due
}

// Pending reports the due time of the check waiting for id.
func (s *Scheduler) Pending(id int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checks[id]
	if !ok {
		return time.Time{}, false
	}
	return c.due, true
}

// PendingCount is the number of one-shot checks waiting to fire.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checks)
}

func (s *Scheduler) fire(id int64, seq uint64) {
	s.mu.Lock()
	c, ok := s.checks[id]
	if !ok || c.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.checks, id)
	metrics.PendingChecks.Set(float64(len(s.checks)))
	attempt := c.attempt
	s.mu.Unlock()

	if !s.enqueue(job{requestID: id, oneShot: true, attempt: attempt}) {
		s.log.Debug("check dropped during shutdown", zap.Int64("request_id", id))
	}
}

// Sweep polls every active request once and waits for the polls to finish.
func (s *Scheduler) Sweep() {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(s.base, s.opt.JobTimeout)
	reqs, err := s.active.ListActiveRequests(ctx)
	cancel()
	if err != nil {
		s.log.Error("sweep: list active requests", zap.Error(err))
		return
	}
	var wg sync.WaitGroup
	for _, r := range reqs {
		wg.Add(1)
		if !s.enqueue(job{requestID: r.ID, done: wg.Done}) {
			wg.Done()
			break
		}
	}
	wg.Wait()
	metrics.SweepDuration.Observe(s.clock.Since(start).Seconds())
	s.log.Debug("sweep finished", zap.Int("requests", len(reqs)))
}

func (s *Scheduler) run(j job) {
	if j.done != nil {
		defer j.done()
	}
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	ctx, cancel := context.WithTimeout(s.base, s.opt.JobTimeout)
	defer cancel()
	log := s.log.With(zap.Int64("request_id", j.requestID))

	res, err := s.poller.Poll(ctx, j.requestID, s.grace(ctx))
	if err != nil {
		// routine noise: logged, retried by the next sweep, admins not paged
		log.Warn("poll failed", zap.Error(err), zap.Bool("one_shot", j.oneShot))
	} else if res.Outcome == lifecycle.Changed {
		if _, err := s.notifier.StatusChanged(ctx, res.Request); err != nil {
			log.Error("status notification failed", zap.Error(err))
		}
	}

	if j.oneShot {
		switch res.Request.Status {
		case core.StatusApproved, core.StatusDownloading:
			s.schedule(j.requestID, s.opt.RecheckDelay, j.attempt+1)
		}
	}
}
