// Package orchestrator is the entry point other subsystems call to create,
// reconnect, query and terminate hotspot sessions. It keeps the session
// store, device identities and the NAS consistent with each other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/clock"
	"github.com/codelaboratoryltd/hotspot/pkg/fingerprint"
	"github.com/codelaboratoryltd/hotspot/pkg/macaddr"
	"github.com/codelaboratoryltd/hotspot/pkg/metrics"
	"github.com/codelaboratoryltd/hotspot/pkg/notify"
	"github.com/codelaboratoryltd/hotspot/pkg/radius"
	"github.com/codelaboratoryltd/hotspot/pkg/session"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrVoucherInUse      = errors.New("voucher already active on another device")
	ErrSessionTerminated = errors.New("session has been terminated")
	ErrSessionNotFound   = errors.New("session not found")
	ErrStoreUnavailable  = errors.New("session store unavailable")
	ErrUnknownPolicy     = errors.New("unknown QoS policy")
	ErrCoAFailed         = errors.New("NAS did not accept the change")
)

// FailurePolicy decides admission when the session cache cannot answer.
type FailurePolicy string

const (
	// FailClosed denies access while the cache is unreachable.
	FailClosed FailurePolicy = "fail_closed"
	// FailOpen admits while the cache is unreachable.
	FailOpen FailurePolicy = "fail_open"
)

// Terminate causes recorded on sessions (RADIUS Acct-Terminate-Cause names).
const (
	CauseAdminReset     = "Admin-Reset"
	CauseSessionTimeout = "Session-Timeout"
	CauseOveruse        = "Overuse"
)

// Config tunes the orchestrator.
type Config struct {
	// Routers maps a router id to the NAS address that accepts CoA for it.
	Routers       map[string]string `mapstructure:"routers" yaml:"routers"`
	FailurePolicy FailurePolicy     `mapstructure:"failure_policy" yaml:"failure_policy" validate:"oneof=fail_closed fail_open"`
	// DisconnectBy selects the User-Name sent to the NAS: the session MAC
	// or the voucher code, depending on how the NAS names hotspot users.
	DisconnectBy string `mapstructure:"disconnect_by" yaml:"disconnect_by" validate:"oneof=mac voucher"`
	// TerminateGuardTTL is how long the fleet-wide termination guard is held.
	TerminateGuardTTL time.Duration `mapstructure:"terminate_guard_ttl" yaml:"terminate_guard_ttl"`
	NodeID            string        `mapstructure:"node_id" yaml:"node_id"`
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Routers:           map[string]string{},
		FailurePolicy:     FailClosed,
		DisconnectBy:      "mac",
		TerminateGuardTTL: 30 * time.Second,
	}
}

// CoA is the subset of the CoA client the orchestrator drives.
type CoA interface {
	Disconnect(ctx context.Context, username, nasAddress string) bool
	Modify(ctx context.Context, username, nasAddress string, attrs []radius.Attribute) bool
}

// DeviceResolver records device sightings.
type DeviceResolver interface {
	Resolve(ctx context.Context, obs fingerprint.Observation) (*fingerprint.DeviceIdentity, error)
}

// CreateRequest is a voucher redemption.
type CreateRequest struct {
	VoucherCode     string `validate:"required,max=64"`
	MACAddress      string `validate:"required,macaddr"`
	IPAddress       string `validate:"omitempty,ip"`
	EntitlementDays int    `validate:"gt=0"`
	RouterID        string
	NASAddress      string
	PhoneNumber     string

	// Signals are hashed into the device fingerprint. Fingerprint may be
	// given instead when the portal already hashed them.
	Signals     *fingerprint.Signals
	Fingerprint string `validate:"omitempty,len=64,hexadecimal"`
}

// ReconnectRequest finds a session by token, then device, then voucher.
type ReconnectRequest struct {
	Token       string
	Fingerprint string
	Signals     *fingerprint.Signals
	VoucherCode string
	MACAddress  string `validate:"omitempty,macaddr"`
	IPAddress   string `validate:"omitempty,ip"`
}

// Orchestrator coordinates the session store, device resolver and CoA client.
type Orchestrator struct {
	store    *session.Store
	coa      CoA
	devices  DeviceResolver
	notifier notify.Notifier
	policies *radius.PolicyManager
	clock    clock.Clock
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	validate *validator.Validate
	locks    *keyedMutex
}

// New creates an orchestrator. devices and notifier may be nil.
func New(store *session.Store, coa CoA, devices DeviceResolver, notifier notify.Notifier, clk clock.Clock, config Config, logger *zap.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if config.FailurePolicy == "" {
		config.FailurePolicy = FailClosed
	}
	if config.DisconnectBy == "" {
		config.DisconnectBy = "mac"
	}
	if config.TerminateGuardTTL <= 0 {
		config.TerminateGuardTTL = 30 * time.Second
	}
	if config.Routers == nil {
		config.Routers = map[string]string{}
	}

	return &Orchestrator{
		store:    store,
		coa:      coa,
		devices:  devices,
		notifier: notifier,
		policies: radius.NewPolicyManager(),
		clock:    clk,
		config:   config,
		logger:   logger,
		validate: newValidator(),
		locks:    newKeyedMutex(),
	}
}

// SetMetrics attaches Prometheus metrics.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// SetPolicies replaces the QoS policy set used by ApplyPolicy.
func (o *Orchestrator) SetPolicies(pm *radius.PolicyManager) {
	o.policies = pm
}

// CreateSession activates a voucher for a device. Redeeming an active
// voucher again from the same device refreshes its addresses.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (*session.Session, error) {
	req.VoucherCode = session.NormalizeVoucherCode(req.VoucherCode)
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	hash, err := o.fingerprintOf(req.Signals, req.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	mac := macaddr.Normalize(req.MACAddress)

	unlock := o.locks.Lock(req.VoucherCode)
	defer unlock()

	existing, res := o.store.Lookup(ctx, req.VoucherCode)
	switch {
	case res == session.Unavailable:
		return nil, ErrStoreUnavailable
	case res == session.Found && !existing.IsActive:
		return nil, ErrSessionTerminated
	case res == session.Found:
		if !sameDevice(existing, hash, mac) {
			o.logger.Warn("Voucher redeemed from a second device",
				zap.String("voucher_code", req.VoucherCode),
				zap.String("mac", mac),
				zap.String("active_mac", existing.MACAddress),
			)
			return nil, ErrVoucherInUse
		}
		return o.refresh(ctx, existing, hash, mac, req.IPAddress, req.PhoneNumber)
	}

	now := o.clock.Now()
	sess := &session.Session{
		VoucherCode:       req.VoucherCode,
		DeviceFingerprint: hash,
		ReconnectionToken: uuid.NewString(),
		MACAddress:        mac,
		IPAddress:         req.IPAddress,
		RouterID:          req.RouterID,
		NASAddress:        req.NASAddress,
		IsActive:          true,
		EntitlementDays:   req.EntitlementDays,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(req.EntitlementDays) * 24 * time.Hour),
	}
	if sess.NASAddress == "" {
		sess.NASAddress = o.config.Routers[req.RouterID]
	}

	o.resolveDevice(ctx, hash, sess, req.PhoneNumber)

	if !o.store.Claim(ctx, sess) {
		return nil, ErrStoreUnavailable
	}

	o.metrics.RecordSessionCreated(sess.RouterID)
	o.logger.Info("Session created",
		zap.String("voucher_code", sess.VoucherCode),
		zap.String("mac", sess.MACAddress),
		zap.String("router_id", sess.RouterID),
		zap.Int("entitlement_days", sess.EntitlementDays),
	)
	o.notify(ctx, notify.SessionCreated, sess, req.PhoneNumber, nil)
	return sess, nil
}

// Reconnect re-attaches a returning device to its session, following the
// reconnection token, the device fingerprint, the MAC and finally the
// voucher code, so a lost secondary index still resolves.
func (o *Orchestrator) Reconnect(ctx context.Context, req ReconnectRequest) (*session.Session, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	hash, err := o.fingerprintOf(req.Signals, req.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	mac := macaddr.Normalize(req.MACAddress)

	sess := o.find(ctx, req.Token, hash, mac, session.NormalizeVoucherCode(req.VoucherCode))
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	unlock := o.locks.Lock(sess.VoucherCode)
	defer unlock()

	// Re-read under the lock so a concurrent termination is observed.
	current, res := o.store.Lookup(ctx, sess.VoucherCode)
	switch res {
	case session.Unavailable:
		return nil, ErrStoreUnavailable
	case session.NotFound:
		return nil, ErrSessionNotFound
	}
	if !current.IsActive {
		return nil, ErrSessionTerminated
	}
	return o.refresh(ctx, current, hash, mac, req.IPAddress, "")
}

func (o *Orchestrator) find(ctx context.Context, token, hash, mac, voucherCode string) *session.Session {
	if token != "" {
		if s, ok := o.store.GetByToken(ctx, token); ok {
			return s
		}
	}
	if hash != "" {
		if s, ok := o.store.GetByDevice(ctx, hash); ok {
			return s
		}
	}
	if mac != "" {
		if s, ok := o.store.GetByDevice(ctx, mac); ok {
			return s
		}
	}
	if voucherCode != "" {
		if s, ok := o.store.Get(ctx, voucherCode); ok {
			return s
		}
	}
	return nil
}

// refresh updates the addresses of an active session and rewrites it.
// Caller holds the voucher lock.
func (o *Orchestrator) refresh(ctx context.Context, sess *session.Session, hash, mac, ip, phone string) (*session.Session, error) {
	var stale []string
	if mac != "" && mac != sess.MACAddress {
		if sess.MACAddress != "" {
			stale = append(stale, session.DeviceKey(sess.MACAddress))
		}
		o.logger.Info("Session device changed MAC address",
			zap.String("voucher_code", sess.VoucherCode),
			zap.String("old_mac", sess.MACAddress),
			zap.String("mac", mac),
		)
		sess.MACAddress = mac
	}
	if ip != "" {
		sess.IPAddress = ip
	}
	if hash != "" && sess.DeviceFingerprint == "" {
		sess.DeviceFingerprint = hash
	}

	o.resolveDevice(ctx, hash, sess, phone)

	if !o.store.Put(ctx, sess) {
		return nil, ErrStoreUnavailable
	}
	o.store.DeleteIndexes(ctx, sess.VoucherCode, stale...)
	return sess, nil
}

// resolveDevice records the sighting. A resolver failure never blocks
// session creation.
func (o *Orchestrator) resolveDevice(ctx context.Context, hash string, sess *session.Session, phone string) {
	if o.devices == nil || hash == "" {
		return
	}
	_, err := o.devices.Resolve(ctx, fingerprint.Observation{
		Hash:        hash,
		VoucherCode: sess.VoucherCode,
		PhoneNumber: phone,
		MACAddress:  sess.MACAddress,
		IPAddress:   sess.IPAddress,
	})
	if err != nil {
		o.logger.Warn("Device identity not recorded",
			zap.String("voucher_code", sess.VoucherCode),
			zap.Error(err),
		)
	}
}

// newValidator adds the "macaddr" tag, which accepts every MAC form a NAS
// may report, bare hex included.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("macaddr", func(fl validator.FieldLevel) bool {
		_, ok := macaddr.Parse(fl.Field().String())
		return ok
	})
	return v
}

func (o *Orchestrator) fingerprintOf(signals *fingerprint.Signals, given string) (string, error) {
	if signals != nil {
		return fingerprint.Hash(*signals)
	}
	return strings.ToLower(strings.TrimSpace(given)), nil
}

func sameDevice(sess *session.Session, hash, mac string) bool {
	if hash != "" && sess.DeviceFingerprint != "" {
		return hash == sess.DeviceFingerprint
	}
	return macaddr.Equal(sess.MACAddress, mac)
}

// nasFor returns the NAS that enforces sess.
func (o *Orchestrator) nasFor(sess *session.Session) string {
	if sess.NASAddress != "" {
		return sess.NASAddress
	}
	return o.config.Routers[sess.RouterID]
}

func (o *Orchestrator) coaUsername(sess *session.Session) string {
	if o.config.DisconnectBy == "voucher" {
		return sess.VoucherCode
	}
	return sess.MACAddress
}

func (o *Orchestrator) notify(ctx context.Context, t notify.EventType, sess *session.Session, phone string, attrs map[string]string) {
	o.notifier.Notify(ctx, notify.Event{
		ID:          uuid.NewString(),
		Type:        t,
		VoucherCode: sess.VoucherCode,
		MACAddress:  sess.MACAddress,
		RouterID:    sess.RouterID,
		PhoneNumber: phone,
		OccurredAt:  o.clock.Now(),
		Attributes:  attrs,
	})
}
