package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/notify"
	"github.com/codelaboratoryltd/hotspot/pkg/radius"
	"github.com/codelaboratoryltd/hotspot/pkg/session"
)

// GuardPrefix namespaces the fleet-wide termination guard.
const GuardPrefix = "terminate:"

// Terminate ends the session of voucherCode by administrative request.
func (o *Orchestrator) Terminate(ctx context.Context, voucherCode string) bool {
	return o.TerminateWithCause(ctx, voucherCode, CauseAdminReset)
}

// TerminateWithCause marks the session inactive, persists it and then asks
// the NAS to disconnect the device. The stored termination stands even if
// the NAS never acts on the disconnect. Repeat calls return true without
// sending another disconnect. An unknown voucher returns false.
func (o *Orchestrator) TerminateWithCause(ctx context.Context, voucherCode, cause string) bool {
	voucherCode = session.NormalizeVoucherCode(voucherCode)
	if voucherCode == "" {
		return false
	}

	unlock := o.locks.Lock(voucherCode)
	defer unlock()

	sess, res := o.store.Lookup(ctx, voucherCode)
	if res != session.Found {
		o.logger.Debug("Terminate for unknown session",
			zap.String("voucher_code", voucherCode),
			zap.Stringer("lookup", res),
		)
		return false
	}
	if !sess.IsActive {
		return true
	}

	// Another node may be terminating the same voucher right now.
	guardKey := GuardPrefix + voucherCode
	held, err := o.store.Cache().SetNX(ctx, guardKey, o.config.NodeID, o.config.TerminateGuardTTL)
	if err != nil {
		o.logger.Warn("Termination guard unavailable, continuing with local lock",
			zap.String("voucher_code", voucherCode),
			zap.Error(err),
		)
	} else if !held {
		o.logger.Info("Termination already in progress elsewhere",
			zap.String("voucher_code", voucherCode),
		)
		return true
	}

	now := o.clock.Now()
	sess.IsActive = false
	sess.EndedAt = &now
	sess.TerminateCause = cause

	if !o.store.Put(ctx, sess) {
		// Nothing was persisted; let a retry take the guard again.
		if err := o.store.Cache().DeleteIfValue(ctx, o.config.NodeID, guardKey); err != nil {
			o.logger.Debug("Termination guard release failed", zap.String("key", guardKey), zap.Error(err))
		}
		o.logger.Error("Failed to persist session termination",
			zap.String("voucher_code", voucherCode),
		)
		return false
	}

	o.metrics.RecordSessionTerminated(cause)
	o.logger.Info("Session terminated",
		zap.String("voucher_code", voucherCode),
		zap.String("cause", cause),
		zap.String("mac", sess.MACAddress),
	)

	o.disconnect(ctx, sess)
	o.notify(ctx, notify.SessionTerminated, sess, "", map[string]string{"cause": cause})
	return true
}

// disconnect is best effort: the result is logged and otherwise ignored.
func (o *Orchestrator) disconnect(ctx context.Context, sess *session.Session) {
	nas := o.nasFor(sess)
	if nas == "" {
		o.logger.Warn("No NAS known for session, device stays online until expiry",
			zap.String("voucher_code", sess.VoucherCode),
			zap.String("router_id", sess.RouterID),
		)
		return
	}
	if !o.coa.Disconnect(ctx, o.coaUsername(sess), nas) {
		o.logger.Warn("Disconnect not delivered, device stays online until expiry",
			zap.String("voucher_code", sess.VoucherCode),
			zap.String("nas", nas),
		)
	}
}

// Extend adds days to an active session and pushes the new Session-Timeout
// to the NAS.
func (o *Orchestrator) Extend(ctx context.Context, voucherCode string, days int) (*session.Session, error) {
	if days <= 0 {
		return nil, ErrInvalidRequest
	}
	voucherCode = session.NormalizeVoucherCode(voucherCode)

	unlock := o.locks.Lock(voucherCode)
	defer unlock()

	sess, err := o.activeSession(ctx, voucherCode)
	if err != nil {
		return nil, err
	}
	extended, ok := o.store.Extend(ctx, sess.VoucherCode, days)
	if !ok {
		return nil, ErrStoreUnavailable
	}

	if nas := o.nasFor(extended); nas != "" {
		remaining := extended.ExpiresAt.Sub(o.clock.Now())
		attrs := []radius.Attribute{radius.SessionTimeoutAttribute(uint32(remaining / time.Second))}
		o.coa.Modify(ctx, o.coaUsername(extended), nas, attrs)
	}

	o.logger.Info("Session extended",
		zap.String("voucher_code", voucherCode),
		zap.Int("days", days),
		zap.Time("expires_at", extended.ExpiresAt),
	)
	o.notify(ctx, notify.SessionExtended, extended, "", nil)
	return extended, nil
}

// Throttle sends attrs to the NAS for the live session of voucherCode.
func (o *Orchestrator) Throttle(ctx context.Context, voucherCode string, attrs []radius.Attribute) error {
	sess, err := o.activeSession(ctx, voucherCode)
	if err != nil {
		return err
	}
	nas := o.nasFor(sess)
	if nas == "" {
		return ErrCoAFailed
	}
	if !o.coa.Modify(ctx, o.coaUsername(sess), nas, attrs) {
		return ErrCoAFailed
	}
	return nil
}

// ApplyPolicy throttles a session to a named QoS policy.
func (o *Orchestrator) ApplyPolicy(ctx context.Context, voucherCode, policyName string) error {
	policy := o.policies.GetPolicy(policyName)
	if policy == nil {
		return ErrUnknownPolicy
	}
	attrs, err := policy.Attributes()
	if err != nil {
		return err
	}
	return o.Throttle(ctx, voucherCode, attrs)
}

func (o *Orchestrator) activeSession(ctx context.Context, voucherCode string) (*session.Session, error) {
	sess, res := o.store.Lookup(ctx, voucherCode)
	switch res {
	case session.Unavailable:
		return nil, ErrStoreUnavailable
	case session.NotFound:
		return nil, ErrSessionNotFound
	}
	if !sess.IsActive {
		return nil, ErrSessionTerminated
	}
	return sess, nil
}
