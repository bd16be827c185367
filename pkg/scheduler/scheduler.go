// Package scheduler runs periodic background jobs. Each job has its own
// goroutine, so a slow run delays only the next run of the same job.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/metrics"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	// RunOnStart runs the job once immediately instead of waiting a full
	// interval.
	RunOnStart bool
}

// Locker provides a fleet-wide lease so only one node runs a job per tick.
// cache.Cache satisfies it.
type Locker interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, ttl time.Duration, keys ...string) error
}

// LockPrefix namespaces job leases in the shared cache.
const LockPrefix = "lock:job:"

// Runner runs jobs until stopped.
type Runner struct {
	jobs    []Job
	locker  Locker
	nodeID  string
	logger  *zap.Logger
	metrics *metrics.Metrics

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner. locker may be nil, in which case every node
// runs every job.
func NewRunner(locker Locker, nodeID string, logger *zap.Logger) *Runner {
	return &Runner{
		locker: locker,
		nodeID: nodeID,
		logger: logger,
	}
}

// SetMetrics attaches Prometheus metrics.
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Add registers a job. Jobs must be added before Start.
func (r *Runner) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and run function required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	if atomic.LoadInt32(&r.running) == 1 {
		return fmt.Errorf("job %s: runner already started", job.Name)
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Start launches one loop per job.
func (r *Runner) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return fmt.Errorf("scheduler already running")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	for _, job := range r.jobs {
		r.logger.Info("Scheduling job",
			zap.String("job", job.Name),
			zap.Duration("interval", job.Interval),
		)
		r.wg.Add(1)
		go r.loop(job)
	}
	return nil
}

// Stop cancels every loop and waits for in-flight runs to return.
func (r *Runner) Stop() {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Scheduler stopped")
}

func (r *Runner) loop(job Job) {
	defer r.wg.Done()

	if job.RunOnStart {
		r.runOnce(job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			// The ticker drops ticks while runOnce is busy, so runs of
			// the same job never overlap.
			r.runOnce(job)
		}
	}
}

func (r *Runner) runOnce(job Job) {
	if r.locker != nil {
		// The lease expires just before the next tick on any node.
		lease := job.Interval - job.Interval/10
		ok, err := r.locker.SetNX(r.ctx, LockPrefix+job.Name, r.nodeID, lease)
		if err != nil {
			r.logger.Warn("Job lease unavailable, running locally",
				zap.String("job", job.Name),
				zap.Error(err),
			)
		} else if !ok {
			r.metrics.RecordJobRun(job.Name, "skipped")
			r.logger.Debug("Job held by another node", zap.String("job", job.Name))
			return
		} else {
			stop := r.renewLease(job.Name, lease)
			defer stop()
		}
	}

	start := time.Now()
	err := job.Run(r.ctx)
	if err != nil {
		r.metrics.RecordJobRun(job.Name, "error")
		r.logger.Error("Job failed",
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	r.metrics.RecordJobRun(job.Name, "success")
	r.logger.Debug("Job complete",
		zap.String("job", job.Name),
		zap.Duration("duration", time.Since(start)),
	)
}

// renewLease keeps the lease of a long run alive so no other node starts
// the same job before it returns. The returned func stops renewal.
func (r *Runner) renewLease(name string, lease time.Duration) func() {
	every := lease / 3
	if every <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if err := r.locker.Expire(r.ctx, lease, LockPrefix+name); err != nil {
					r.logger.Debug("Job lease renewal failed",
						zap.String("job", name),
						zap.Error(err),
					)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
