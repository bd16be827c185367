package accounting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/clock"
	"github.com/codelaboratoryltd/hotspot/pkg/macaddr"
	"github.com/codelaboratoryltd/hotspot/pkg/metrics"
	"github.com/codelaboratoryltd/hotspot/pkg/session"
)

// FindingKind classifies a reconciliation discrepancy.
type FindingKind string

const (
	SessionWithoutAccounting FindingKind = "session_without_accounting"
	AccountingWithoutSession FindingKind = "accounting_without_session"
	UsageAfterTermination    FindingKind = "usage_after_termination"
	Overuse                  FindingKind = "overuse"
)

// Finding is one discrepancy between accounting and session state.
type Finding struct {
	Kind            FindingKind `json:"kind"`
	VoucherCode     string      `json:"voucher_code,omitempty"`
	SessionUniqueID string      `json:"session_unique_id,omitempty"`
	Detail          string      `json:"detail"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	StartedAt time.Time      `json:"started_at"`
	Sessions  int            `json:"sessions"`
	Records   int            `json:"records"`
	Findings  []Finding      `json:"findings"`
	Enforced  int            `json:"enforced"`
	Counts    map[string]int `json:"counts"`
}

// SessionLister lists cached sessions.
type SessionLister interface {
	List(ctx context.Context) []*session.Session
}

// Enforcer terminates a session.
type Enforcer interface {
	Terminate(ctx context.Context, voucherCode string) bool
}

// EnforcerFunc adapts a function to Enforcer.
type EnforcerFunc func(ctx context.Context, voucherCode string) bool

func (f EnforcerFunc) Terminate(ctx context.Context, voucherCode string) bool {
	return f(ctx, voucherCode)
}

// Reconciler cross-checks collected accounting against the session store.
// It only reads accounting records.
type Reconciler struct {
	repo     Repository
	sessions SessionLister
	enforcer Enforcer
	clock    clock.Clock
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu   sync.RWMutex
	last *Report
}

// NewReconciler creates a reconciler. enforcer may be nil.
func NewReconciler(repo Repository, sessions SessionLister, enforcer Enforcer, clk clock.Clock, config Config, logger *zap.Logger) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Reconciler{
		repo:     repo,
		sessions: sessions,
		enforcer: enforcer,
		clock:    clk,
		config:   config,
		logger:   logger,
	}
}

// SetMetrics attaches Prometheus metrics.
func (r *Reconciler) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// belongsTo is the matching policy: the RADIUS username is the voucher
// code, or the Calling-Station-Id is the session MAC and the record
// started after the session was created.
func belongsTo(rec *Record, sess *session.Session) bool {
	if rec.Username != "" && rec.Username == sess.VoucherCode {
		return true
	}
	if sess.MACAddress == "" || !macaddr.Equal(rec.CallingStationID, sess.MACAddress) {
		return false
	}
	return rec.StartTime != nil && !rec.StartTime.Before(sess.CreatedAt)
}

// Reconcile runs one pass. Findings are the same for unchanged inputs;
// enforcement goes through Terminate, which is idempotent.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	now := r.clock.Now()
	report := &Report{StartedAt: now, Counts: make(map[string]int)}

	records, err := r.repo.ListSince(ctx, now.Add(-r.config.ReconcileWindow))
	if err != nil {
		return nil, fmt.Errorf("list accounting records: %w", err)
	}
	sessions := r.sessions.List(ctx)
	report.Records = len(records)
	report.Sessions = len(sessions)

	matched := make([]bool, len(records))
	for _, sess := range sessions {
		var used time.Duration
		var hits int
		for i := range records {
			rec := &records[i]
			if !belongsTo(rec, sess) {
				continue
			}
			matched[i] = true
			hits++
			used += rec.Duration(now)

			if !sess.IsActive && sess.EndedAt != nil && rec.StartTime != nil && rec.StartTime.After(*sess.EndedAt) {
				report.add(Finding{
					Kind:            UsageAfterTermination,
					VoucherCode:     sess.VoucherCode,
					SessionUniqueID: rec.SessionUniqueID,
					Detail:          fmt.Sprintf("started %s after termination at %s", rec.StartTime.Format(time.RFC3339), sess.EndedAt.Format(time.RFC3339)),
				})
			}
		}

		if !sess.IsActive {
			continue
		}
		if hits == 0 && now.Sub(sess.CreatedAt) > r.config.Grace {
			report.add(Finding{
				Kind:        SessionWithoutAccounting,
				VoucherCode: sess.VoucherCode,
				Detail:      fmt.Sprintf("active since %s with no accounting", sess.CreatedAt.Format(time.RFC3339)),
			})
		}
		if entitlement := sess.Entitlement(); entitlement > 0 && used > entitlement {
			report.add(Finding{
				Kind:        Overuse,
				VoucherCode: sess.VoucherCode,
				Detail:      fmt.Sprintf("accounted %s exceeds entitlement %s", used.Round(time.Second), entitlement),
			})
			if r.config.EnforceOveruse && r.enforcer != nil && r.enforcer.Terminate(ctx, sess.VoucherCode) {
				report.Enforced++
			}
		}
	}

	for i := range records {
		if matched[i] || !records[i].Open() {
			continue
		}
		report.add(Finding{
			Kind:            AccountingWithoutSession,
			VoucherCode:     records[i].Username,
			SessionUniqueID: records[i].SessionUniqueID,
			Detail:          "open accounting record has no session",
		})
	}

	r.metrics.SetReconcileFindings(report.Counts)
	r.logger.Info("Accounting reconciliation complete",
		zap.Int("sessions", report.Sessions),
		zap.Int("records", report.Records),
		zap.Int("findings", len(report.Findings)),
		zap.Int("enforced", report.Enforced),
	)

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

func (rep *Report) add(f Finding) {
	rep.Findings = append(rep.Findings, f)
	rep.Counts[string(f.Kind)]++
}

// LastReport returns the most recent report or nil.
func (r *Reconciler) LastReport() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Run is the scheduler entry point.
func (r *Reconciler) Run(ctx context.Context) error {
	_, err := r.Reconcile(ctx)
	return err
}
