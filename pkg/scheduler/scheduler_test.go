package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/cache"
	"github.com/codelaboratoryltd/hotspot/pkg/clock"
	"github.com/codelaboratoryltd/hotspot/pkg/scheduler"
)

func TestScheduler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduler Suite")
}

var _ = Describe("Runner", func() {
	var runner *scheduler.Runner

	BeforeEach(func() {
		runner = scheduler.NewRunner(nil, "node-a", zap.NewNop())
	})

	AfterEach(func() {
		runner.Stop()
	})

	It("should reject invalid jobs", func() {
		Expect(runner.Add(scheduler.Job{Name: "x", Interval: time.Second})).NotTo(Succeed())
		Expect(runner.Add(scheduler.Job{Name: "x", Run: func(context.Context) error { return nil }})).NotTo(Succeed())
	})

	It("should run a job repeatedly", func() {
		var runs int32
		Expect(runner.Add(scheduler.Job{
			Name:     "collect",
			Interval: 10 * time.Millisecond,
			Run: func(context.Context) error {
				atomic.AddInt32(&runs, 1)
				return nil
			},
		})).To(Succeed())
		Expect(runner.Start(context.Background())).To(Succeed())

		Eventually(func() int32 { return atomic.LoadInt32(&runs) }).Should(BeNumerically(">=", 3))
	})

	It("should never overlap runs of the same job", func() {
		var inFlight, maxInFlight, runs int32
		Expect(runner.Add(scheduler.Job{
			Name:       "slow",
			Interval:   5 * time.Millisecond,
			RunOnStart: true,
			Run: func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				atomic.AddInt32(&runs, 1)
				return nil
			},
		})).To(Succeed())
		Expect(runner.Start(context.Background())).To(Succeed())

		Eventually(func() int32 { return atomic.LoadInt32(&runs) }).Should(BeNumerically(">=", 3))
		Expect(atomic.LoadInt32(&maxInFlight)).To(Equal(int32(1)))
	})

	It("should keep other jobs running while one is slow or failing", func() {
		var fast int32
		block := make(chan struct{})
		DeferCleanup(func() { close(block) })

		Expect(runner.Add(scheduler.Job{
			Name:       "stuck",
			Interval:   5 * time.Millisecond,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				select {
				case <-block:
				case <-ctx.Done():
				}
				return errors.New("gave up")
			},
		})).To(Succeed())
		Expect(runner.Add(scheduler.Job{
			Name:     "fast",
			Interval: 5 * time.Millisecond,
			Run: func(context.Context) error {
				atomic.AddInt32(&fast, 1)
				return nil
			},
		})).To(Succeed())
		Expect(runner.Start(context.Background())).To(Succeed())

		Eventually(func() int32 { return atomic.LoadInt32(&fast) }).Should(BeNumerically(">=", 3))
	})

	It("should refuse to start twice", func() {
		Expect(runner.Start(context.Background())).To(Succeed())
		Expect(runner.Start(context.Background())).NotTo(Succeed())
	})

	Context("with a shared lease", func() {
		It("should let only one node run a tick", func() {
			shared := cache.NewMemoryCache(clock.Real())
			var runs int32
			job := scheduler.Job{
				Name:       "reconcile",
				Interval:   time.Hour,
				RunOnStart: true,
				Run: func(context.Context) error {
					atomic.AddInt32(&runs, 1)
					return nil
				},
			}

			a := scheduler.NewRunner(shared, "node-a", zap.NewNop())
			b := scheduler.NewRunner(shared, "node-b", zap.NewNop())
			Expect(a.Add(job)).To(Succeed())
			Expect(b.Add(job)).To(Succeed())
			Expect(a.Start(context.Background())).To(Succeed())
			Expect(b.Start(context.Background())).To(Succeed())
			DeferCleanup(a.Stop)
			DeferCleanup(b.Stop)

			Eventually(func() int32 { return atomic.LoadInt32(&runs) }).Should(Equal(int32(1)))
			Consistently(func() int32 { return atomic.LoadInt32(&runs) }, 50*time.Millisecond).Should(Equal(int32(1)))

			holder, err := shared.Get(context.Background(), scheduler.LockPrefix+"reconcile")
			Expect(err).NotTo(HaveOccurred())
			Expect(holder).To(BeElementOf("node-a", "node-b"))
		})

		It("should hold the lease for the whole of a run longer than the interval", func() {
			shared := cache.NewMemoryCache(clock.Real())
			release := make(chan struct{})
			var started, runsB int32

			slow := scheduler.Job{
				Name:       "collect",
				Interval:   30 * time.Millisecond,
				RunOnStart: true,
				Run: func(ctx context.Context) error {
					atomic.AddInt32(&started, 1)
					select {
					case <-release:
					case <-ctx.Done():
					}
					return nil
				},
			}
			other := slow
			other.Run = func(context.Context) error {
				atomic.AddInt32(&runsB, 1)
				return nil
			}

			a := scheduler.NewRunner(shared, "node-a", zap.NewNop())
			Expect(a.Add(slow)).To(Succeed())
			Expect(a.Start(context.Background())).To(Succeed())
			DeferCleanup(a.Stop)
			DeferCleanup(func() { close(release) })
			Eventually(func() int32 { return atomic.LoadInt32(&started) }).Should(Equal(int32(1)))

			// Several lease lengths pass while the run is still going.
			time.Sleep(100 * time.Millisecond)
			holder, err := shared.Get(context.Background(), scheduler.LockPrefix+"collect")
			Expect(err).NotTo(HaveOccurred())
			Expect(holder).To(Equal("node-a"))

			b := scheduler.NewRunner(shared, "node-b", zap.NewNop())
			Expect(b.Add(other)).To(Succeed())
			Expect(b.Start(context.Background())).To(Succeed())
			DeferCleanup(b.Stop)
			Consistently(func() int32 { return atomic.LoadInt32(&runsB) }, 100*time.Millisecond).Should(BeZero())
		})
	})
})
