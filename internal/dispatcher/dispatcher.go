// Package dispatcher drains the intent queue: it dequeues, executes through
// a per-action executor, keeps the resource lease alive while the call is in
// flight, and completes or requeues according to the outcome.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/msageha/tempvoice/internal/lock"
	"github.com/msageha/tempvoice/internal/logging"
	"github.com/msageha/tempvoice/internal/model"
	"github.com/msageha/tempvoice/internal/queue"
)

// Recorder accounts for outbound calls; the governor implements it.
type Recorder interface {
	Record() bool
}

type Options struct {
	Workers             int
	PollInterval        time.Duration
	ExecuteTimeout      time.Duration
	MinInterActionDelay time.Duration
	Backoff             Backoff
}

func OptionsFromConfig(cfg model.Config) Options {
	return Options{
		Workers:             cfg.Dispatcher.Workers,
		PollInterval:        model.Millis(cfg.Dispatcher.PollIntervalMs),
		ExecuteTimeout:      model.Millis(cfg.Dispatcher.ExecuteTimeoutMs),
		MinInterActionDelay: model.Millis(cfg.Queue.MinInterActionDelayMs),
		Backoff: ExponentialBackoff{
			Initial: model.Millis(cfg.Dispatcher.RetryBackoffInitialMs),
			Max:     model.Millis(cfg.Dispatcher.RetryBackoffMaxMs),
			Jitter:  true,
		},
	}
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.ExecuteTimeout <= 0 {
		o.ExecuteTimeout = 30 * time.Second
	}
	if o.MinInterActionDelay < 0 {
		o.MinInterActionDelay = 0
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff()
	}
}

type Stats struct {
	Executed  uint64 `json:"executed" yaml:"executed"`
	Succeeded uint64 `json:"succeeded" yaml:"succeeded"`
	Retried   uint64 `json:"retried" yaml:"retried"`
	Failed    uint64 `json:"failed" yaml:"failed"`
	InFlight  int64  `json:"in_flight" yaml:"in_flight"`
}

type Dispatcher struct {
	queue    *queue.Queue
	locks    *lock.Manager
	registry *Registry
	recorder Recorder
	opts     Options
	limiter  *rate.Limiter
	logger   *logging.Logger
	wake     chan struct{}

	executed  atomic.Uint64
	succeeded atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	inFlight  atomic.Int64
}

func New(q *queue.Queue, locks *lock.Manager, registry *Registry, opts Options, logger *logging.Logger) *Dispatcher {
	opts.applyDefaults()
	limit := rate.Inf
	if opts.MinInterActionDelay > 0 {
		limit = rate.Every(opts.MinInterActionDelay)
	}
	return &Dispatcher{
		queue:    q,
		locks:    locks,
		registry: registry,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With("dispatcher"),
		wake:     make(chan struct{}, 1),
	}
}

// SetRecorder wires outbound-call accounting. Must be called before Run.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// Wake nudges an idle worker. Never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Sink returns a queue sink that wakes the dispatcher on every enqueue.
func (d *Dispatcher) Sink() queue.Sink {
	return wakeSink{d: d}
}

type wakeSink struct {
	queue.NopSink
	d *Dispatcher
}

func (s wakeSink) OnEnqueued(*model.Intent) { s.d.Wake() }

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Executed:  d.executed.Load(),
		Succeeded: d.succeeded.Load(),
		Retried:   d.retried.Load(),
		Failed:    d.failed.Load(),
		InFlight:  d.inFlight.Load(),
	}
}

// Run blocks until ctx is cancelled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Infof("start workers=%d min_delay=%s", d.opts.Workers, d.opts.MinInterActionDelay)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			return d.work(gctx, worker)
		})
	}
	err := g.Wait()
	d.logger.Infof("stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) error {
	idle := time.NewTimer(d.opts.PollInterval)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		in := d.queue.Dequeue()
		if in == nil {
			idle.Reset(d.opts.PollInterval)
			select {
			case <-ctx.Done():
				return nil
			case <-d.wake:
			case <-idle.C:
			}
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			// Shutting down before the call went out: hand the intent back untouched.
			d.queue.Requeue(in)
			return nil
		}
		d.execute(ctx, worker, in)
	}
}

func (d *Dispatcher) execute(ctx context.Context, worker int, in *model.Intent) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	d.executed.Add(1)

	d.transition(in, model.StatusExecuting)
	if d.recorder != nil {
		d.recorder.Record()
	}

	started := time.Now()
	err := d.run(ctx, in)
	elapsed := time.Since(started).Round(time.Millisecond)

	switch {
	case err == nil:
		d.transition(in, model.StatusCompleted)
		d.queue.Complete(in.ID)
		d.succeeded.Add(1)
		d.logger.Infof("completed worker=%d id=%s action=%s resource=%s elapsed=%s",
			worker, in.ID, in.Action, in.ResourceID, elapsed)

	case errors.Is(err, ErrPermanent):
		d.transition(in, model.StatusFailed)
		in.LastError = err.Error()
		d.queue.Complete(in.ID)
		d.failed.Add(1)
		d.logger.Errorf("failed worker=%d id=%s action=%s err=%v", worker, in.ID, in.Action, err)

	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Interrupted by shutdown; not the intent's fault.
		d.transition(in, model.StatusPending)
		d.queue.Requeue(in)
		d.logger.Infof("interrupted worker=%d id=%s", worker, in.ID)

	default:
		in.Attempts++
		in.LastError = err.Error()
		delay := retryDelay(d.opts.Backoff, in.Attempts, err)
		in.NotBefore = time.Now().Add(delay)
		if d.queue.Requeue(in) {
			d.retried.Add(1)
			d.logger.Warnf("retry worker=%d id=%s action=%s attempt=%d/%d delay=%s err=%v",
				worker, in.ID, in.Action, in.Attempts, in.MaxAttempts, delay.Round(time.Millisecond), err)
			return
		}
		d.failed.Add(1)
		d.logger.Errorf("gave_up worker=%d id=%s action=%s status=%s attempts=%d err=%v",
			worker, in.ID, in.Action, in.Status, in.Attempts, err)
	}
}

// transition sets in's status, logging moves the lifecycle does not allow.
func (d *Dispatcher) transition(in *model.Intent, to model.Status) {
	if err := model.ValidateIntentTransition(in.Status, to); err != nil {
		d.logger.Warnf("transition id=%s err=%v", in.ID, err)
	}
	in.Status = to
}

// run executes in with a timeout while a helper keeps the resource lease alive.
func (d *Dispatcher) run(ctx context.Context, in *model.Intent) error {
	exec, err := d.registry.Lookup(in.Action)
	if err != nil {
		return Permanent(err)
	}

	execCtx, cancel := context.WithTimeout(ctx, d.opts.ExecuteTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.renewLease(execCtx, in)
	}()
	defer wg.Wait()
	defer cancel()

	return exec.Execute(execCtx, in)
}

// renewLease re-acquires the intent's lease every half lease period until
// ctx is done. A renewal never shortens a longer lease already held.
func (d *Dispatcher) renewLease(ctx context.Context, in *model.Intent) {
	lease := d.queue.Options().LeaseOnDequeue
	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.locks.Holder(in.ResourceID) == in.ID && d.locks.RemainingTime(in.ResourceID) >= lease {
				continue
			}
			if !d.locks.Acquire(in.ResourceID, in.ID, lease, "renew:"+string(in.Action)) {
				d.logger.Warnf("lease_lost id=%s resource=%s holder=%s", in.ID, in.ResourceID, d.locks.Holder(in.ResourceID))
				continue
			}
			d.logger.Debugf("lease_renewed id=%s resource=%s", in.ID, in.ResourceID)
		}
	}
}
