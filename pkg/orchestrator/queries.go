package orchestrator

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/session"
)

// Decision is the admission verdict for a voucher.
type Decision struct {
	Allowed bool             `json:"allowed"`
	Reason  string           `json:"reason"`
	Session *session.Session `json:"session,omitempty"`
}

// Admit decides whether the holder of voucherCode may use the network.
// When the cache cannot answer, the configured FailurePolicy decides.
func (o *Orchestrator) Admit(ctx context.Context, voucherCode string) Decision {
	sess, res := o.store.Lookup(ctx, voucherCode)

	var d Decision
	switch {
	case res == session.Unavailable:
		d = Decision{Allowed: o.config.FailurePolicy == FailOpen, Reason: "cache_unavailable"}
		o.logger.Warn("Admission without session cache",
			zap.String("voucher_code", voucherCode),
			zap.String("policy", string(o.config.FailurePolicy)),
		)
	case res == session.NotFound:
		d = Decision{Reason: "not_found"}
	case !sess.IsActive:
		d = Decision{Reason: "terminated", Session: sess}
	case !o.clock.Now().Before(sess.ExpiresAt):
		d = Decision{Reason: "expired", Session: sess}
	default:
		d = Decision{Allowed: true, Reason: "active", Session: sess}
	}

	decision := "deny"
	if d.Allowed {
		decision = "allow"
	}
	o.metrics.RecordAdmission(decision, d.Reason)
	return d
}

// Session returns the stored session for voucherCode.
func (o *Orchestrator) Session(ctx context.Context, voucherCode string) (*session.Session, bool) {
	return o.store.Get(ctx, voucherCode)
}

// RemainingTTL returns the seconds left on the session of voucherCode.
func (o *Orchestrator) RemainingTTL(ctx context.Context, voucherCode string) (int64, bool) {
	return o.store.RemainingTTL(ctx, voucherCode)
}

// ActiveSessions returns every active session, oldest first.
func (o *Orchestrator) ActiveSessions(ctx context.Context) []*session.Session {
	return o.filter(ctx, func(s *session.Session) bool { return s.IsActive })
}

// ActiveSessionsByRouter returns the active sessions on routerID.
func (o *Orchestrator) ActiveSessionsByRouter(ctx context.Context, routerID string) []*session.Session {
	return o.filter(ctx, func(s *session.Session) bool {
		return s.IsActive && s.RouterID == routerID
	})
}

func (o *Orchestrator) filter(ctx context.Context, keep func(*session.Session) bool) []*session.Session {
	var out []*session.Session
	for _, s := range o.store.List(ctx) {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats summarises sessions for dashboards.
type Stats struct {
	Total          int            `json:"total"`
	Active         int            `json:"active"`
	Inactive       int            `json:"inactive"`
	ActiveByRouter map[string]int `json:"active_by_router"`
	ExpiringSoon   int            `json:"expiring_within_hour"`
}

// SessionStatistics aggregates the stored sessions.
func (o *Orchestrator) SessionStatistics(ctx context.Context) Stats {
	stats := Stats{ActiveByRouter: make(map[string]int)}
	soon := o.clock.Now().Add(time.Hour)

	for _, s := range o.store.List(ctx) {
		stats.Total++
		if !s.IsActive {
			stats.Inactive++
			continue
		}
		stats.Active++
		stats.ActiveByRouter[s.RouterID]++
		if s.ExpiresAt.Before(soon) {
			stats.ExpiringSoon++
		}
	}

	o.metrics.SetActiveSessions(stats.ActiveByRouter)
	return stats
}
