package accounting_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/accounting"
	"github.com/codelaboratoryltd/hotspot/pkg/clock"
	"github.com/codelaboratoryltd/hotspot/pkg/session"
)

type staticSessions []*session.Session

func (s staticSessions) List(context.Context) []*session.Session { return s }

type recordingEnforcer struct {
	mu         sync.Mutex
	terminated []string
}

func (e *recordingEnforcer) Terminate(_ context.Context, voucherCode string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = append(e.terminated, voucherCode)
	return true
}

var _ = Describe("Reconciler", func() {
	var (
		clk  *clock.Fake
		repo *accounting.MemoryRepository
		cfg  accounting.Config
		ctx  context.Context
	)

	ptr := func(t time.Time) *time.Time { return &t }
	secs := func(n int64) *int64 { return &n }

	insert := func(rec accounting.Record) {
		ok, err := repo.Insert(ctx, rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	}

	activeSession := func(voucher, mac string, created time.Time, days int) *session.Session {
		return &session.Session{
			VoucherCode:     voucher,
			MACAddress:      mac,
			IsActive:        true,
			EntitlementDays: days,
			CreatedAt:       created,
			ExpiresAt:       created.Add(time.Duration(days) * 24 * time.Hour),
		}
	}

	BeforeEach(func() {
		clk = clock.NewFake(time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC))
		repo = accounting.NewMemoryRepository()
		cfg = accounting.DefaultConfig()
		ctx = context.Background()
	})

	kinds := func(r *accounting.Report) []accounting.FindingKind {
		var out []accounting.FindingKind
		for _, f := range r.Findings {
			out = append(out, f.Kind)
		}
		return out
	}

	It("should report nothing when accounting matches sessions", func() {
		created := clk.Now().Add(-2 * time.Hour)
		insert(accounting.Record{
			SessionUniqueID: "u1", Username: "V100",
			StartTime: ptr(created.Add(time.Minute)), SessionDurationSeconds: secs(3600),
		})
		sessions := staticSessions{activeSession("V100", "AA:BB:CC:DD:EE:01", created, 1)}

		r := accounting.NewReconciler(repo, sessions, nil, clk, cfg, zap.NewNop())
		report, err := r.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Findings).To(BeEmpty())
		Expect(report.Sessions).To(Equal(1))
		Expect(report.Records).To(Equal(1))
		Expect(r.LastReport()).To(Equal(report))
	})

	It("should match by calling station when the username differs", func() {
		created := clk.Now().Add(-2 * time.Hour)
		insert(accounting.Record{
			SessionUniqueID: "u1", Username: "portal-user", CallingStationID: "AA:BB:CC:DD:EE:01",
			StartTime: ptr(created.Add(time.Minute)),
		})
		sessions := staticSessions{activeSession("V100", "aa:bb:cc:dd:ee:01", created, 1)}

		report, err := accounting.NewReconciler(repo, sessions, nil, clk, cfg, zap.NewNop()).Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Findings).To(BeEmpty())
	})

	It("should flag an active session with no accounting after the grace period", func() {
		sessions := staticSessions{
			activeSession("V100", "AA:BB:CC:DD:EE:01", clk.Now().Add(-time.Hour), 1),
			activeSession("V101", "AA:BB:CC:DD:EE:02", clk.Now().Add(-time.Minute), 1),
		}

		report, err := accounting.NewReconciler(repo, sessions, nil, clk, cfg, zap.NewNop()).Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Findings).To(HaveLen(1))
		Expect(report.Findings[0].Kind).To(Equal(accounting.SessionWithoutAccounting))
		Expect(report.Findings[0].VoucherCode).To(Equal("V100"))
	})

	It("should flag open accounting with no session", func() {
		insert(accounting.Record{SessionUniqueID: "u9", Username: "V999", StartTime: ptr(clk.Now().Add(-time.Hour))})
		insert(accounting.Record{
			SessionUniqueID: "u10", Username: "V998",
			StartTime: ptr(clk.Now().Add(-time.Hour)), StopTime: ptr(clk.Now().Add(-30 * time.Minute)),
		})

		report, err := accounting.NewReconciler(repo, staticSessions{}, nil, clk, cfg, zap.NewNop()).Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(kinds(report)).To(ConsistOf(accounting.AccountingWithoutSession))
		Expect(report.Findings[0].SessionUniqueID).To(Equal("u9"))
	})

	It("should flag usage after termination", func() {
		created := clk.Now().Add(-3 * time.Hour)
		ended := clk.Now().Add(-2 * time.Hour)
		sess := activeSession("V100", "AA:BB:CC:DD:EE:01", created, 1)
		sess.IsActive = false
		sess.EndedAt = &ended

		insert(accounting.Record{SessionUniqueID: "u1", Username: "V100", StartTime: ptr(created), StopTime: ptr(ended)})
		insert(accounting.Record{SessionUniqueID: "u2", Username: "V100", StartTime: ptr(ended.Add(10 * time.Minute))})

		report, err := accounting.NewReconciler(repo, staticSessions{sess}, nil, clk, cfg, zap.NewNop()).Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(kinds(report)).To(ConsistOf(accounting.UsageAfterTermination))
		Expect(report.Findings[0].SessionUniqueID).To(Equal("u2"))
	})

	Context("when a voucher is shared by several devices", func() {
		var sessions staticSessions

		BeforeEach(func() {
			created := clk.Now().Add(-20 * time.Hour)
			sessions = staticSessions{activeSession("V100", "AA:BB:CC:DD:EE:01", created, 1)}
			insert(accounting.Record{SessionUniqueID: "u1", Username: "V100", StartTime: ptr(created), SessionDurationSeconds: secs(20 * 3600)})
			insert(accounting.Record{SessionUniqueID: "u2", Username: "V100", StartTime: ptr(created), SessionDurationSeconds: secs(20 * 3600)})
		})

		It("should report overuse without enforcing by default", func() {
			enforcer := &recordingEnforcer{}
			report, err := accounting.NewReconciler(repo, sessions, enforcer, clk, cfg, zap.NewNop()).Reconcile(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(kinds(report)).To(ConsistOf(accounting.Overuse))
			Expect(report.Counts).To(HaveKeyWithValue("overuse", 1))
			Expect(enforcer.terminated).To(BeEmpty())
		})

		It("should terminate when enforcement is enabled", func() {
			cfg.EnforceOveruse = true
			enforcer := &recordingEnforcer{}
			report, err := accounting.NewReconciler(repo, sessions, enforcer, clk, cfg, zap.NewNop()).Reconcile(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Enforced).To(Equal(1))
			Expect(enforcer.terminated).To(Equal([]string{"V100"}))
		})
	})

	It("should not modify accounting records", func() {
		insert(accounting.Record{SessionUniqueID: "u1", Username: "V999", StartTime: ptr(clk.Now().Add(-time.Hour))})
		before, _ := repo.ListSince(ctx, time.Time{})

		r := accounting.NewReconciler(repo, staticSessions{}, nil, clk, cfg, zap.NewNop())
		first, err := r.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		second, err := r.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())

		after, _ := repo.ListSince(ctx, time.Time{})
		Expect(after).To(Equal(before))
		Expect(second.Findings).To(Equal(first.Findings))
	})
})
