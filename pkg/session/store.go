package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/cache"
	"github.com/codelaboratoryltd/hotspot/pkg/clock"
	"github.com/codelaboratoryltd/hotspot/pkg/metrics"
)

// LookupResult qualifies a primary lookup so admission can tell a missing
// session from an unreachable cache.
type LookupResult int

const (
	NotFound LookupResult = iota
	Found
	Unavailable
)

func (r LookupResult) String() string {
	switch r {
	case Found:
		return "found"
	case Unavailable:
		return "unavailable"
	default:
		return "not_found"
	}
}

// Config tunes the store.
type Config struct {
	// OpTimeout bounds every cache call. A timeout is treated as a miss.
	OpTimeout time.Duration `mapstructure:"op_timeout" yaml:"op_timeout" validate:"gte=0"`
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		OpTimeout: 250 * time.Millisecond,
	}
}

// Store is the session store over the shared cache. Cache failures never
// escape: they are logged, counted and reported as a miss or false.
type Store struct {
	cache   cache.Cache
	clock   clock.Clock
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewStore creates a store over c.
func NewStore(c cache.Cache, clk clock.Clock, config Config, logger *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = DefaultConfig().OpTimeout
	}
	return &Store{
		cache:  c,
		clock:  clk,
		config: config,
		logger: logger,
	}
}

// SetMetrics attaches Prometheus metrics.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Cache returns the backing cache.
func (s *Store) Cache() cache.Cache {
	return s.cache
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

// Put writes the session and the indexes it still owns with TTL equal to
// the remaining entitlement. A device key now held by another voucher is
// left to that voucher. An expired entitlement is not written.
func (s *Store) Put(ctx context.Context, sess *Session) bool {
	return s.write(ctx, sess, false)
}

// Claim is Put for a newly redeemed session: its device keys are taken over
// from any earlier voucher on the same device.
func (s *Store) Claim(ctx context.Context, sess *Session) bool {
	return s.write(ctx, sess, true)
}

func (s *Store) write(ctx context.Context, sess *Session, claim bool) bool {
	if sess == nil {
		return false
	}
	sess.VoucherCode = NormalizeVoucherCode(sess.VoucherCode)
	if sess.VoucherCode == "" {
		return false
	}

	ttl := sess.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		s.logger.Debug("Not storing expired session",
			zap.String("voucher_code", sess.VoucherCode),
			zap.Time("expires_at", sess.ExpiresAt),
		)
		s.metrics.RecordStoreOp("put", "expired")
		return false
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		s.logger.Error("Failed to encode session",
			zap.String("voucher_code", sess.VoucherCode),
			zap.Error(err),
		)
		s.metrics.RecordStoreOp("put", "error")
		return false
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	err = s.cache.PutIndexed(opCtx, PrimaryKey(sess.VoucherCode), string(payload), sess.VoucherCode, sess.IndexKeys(), claim, ttl)
	if err != nil {
		s.logger.Warn("Session cache write failed",
			zap.String("voucher_code", sess.VoucherCode),
			zap.Error(err),
		)
		s.metrics.RecordStoreOp("put", "error")
		return false
	}

	s.metrics.RecordStoreOp("put", "ok")
	return true
}

// Get returns the session for voucherCode.
func (s *Store) Get(ctx context.Context, voucherCode string) (*Session, bool) {
	sess, res := s.Lookup(ctx, voucherCode)
	return sess, res == Found
}

// Lookup is Get with the reason for a miss.
func (s *Store) Lookup(ctx context.Context, voucherCode string) (*Session, LookupResult) {
	voucherCode = NormalizeVoucherCode(voucherCode)
	if voucherCode == "" {
		return nil, NotFound
	}

	sess, res := s.load(ctx, voucherCode)
	if res == Found {
		s.repair(ctx, sess)
	}
	return sess, res
}

func (s *Store) load(ctx context.Context, voucherCode string) (*Session, LookupResult) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.cache.Get(opCtx, PrimaryKey(voucherCode))
	if errors.Is(err, cache.ErrMiss) {
		s.metrics.RecordStoreOp("get", "miss")
		return nil, NotFound
	}
	if err != nil {
		s.logger.Warn("Session cache read failed",
			zap.String("voucher_code", voucherCode),
			zap.Error(err),
		)
		s.metrics.RecordStoreOp("get", "error")
		return nil, Unavailable
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.logger.Error("Corrupt session record",
			zap.String("voucher_code", voucherCode),
			zap.Error(err),
		)
		s.metrics.RecordStoreOp("get", "error")
		return nil, NotFound
	}

	s.metrics.RecordStoreOp("get", "hit")
	return &sess, Found
}

// repair recreates secondary keys that went missing, for instance after a
// node crashed part way through a write on a backend without MULTI.
func (s *Store) repair(ctx context.Context, sess *Session) {
	keys := sess.IndexKeys()
	if len(keys) == 0 {
		return
	}
	ttl := sess.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	for _, key := range keys {
		created, err := s.cache.SetNX(opCtx, key, sess.VoucherCode, ttl)
		if err != nil {
			s.logger.Debug("Session index repair failed",
				zap.String("key", key),
				zap.Error(err),
			)
			return
		}
		if created {
			s.metrics.RecordStoreOp("repair", "ok")
			s.logger.Debug("Repaired session index",
				zap.String("voucher_code", sess.VoucherCode),
				zap.String("key", key),
			)
		}
	}
}

// resolve follows a secondary key to its voucher code.
func (s *Store) resolve(ctx context.Context, op, key string) (string, bool) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	voucherCode, err := s.cache.Get(opCtx, key)
	if errors.Is(err, cache.ErrMiss) {
		s.metrics.RecordStoreOp(op, "miss")
		return "", false
	}
	if err != nil {
		s.logger.Warn("Session index read failed",
			zap.String("key", key),
			zap.Error(err),
		)
		s.metrics.RecordStoreOp(op, "error")
		return "", false
	}
	return voucherCode, true
}

// GetByDevice returns the session indexed by a fingerprint hash or MAC.
func (s *Store) GetByDevice(ctx context.Context, device string) (*Session, bool) {
	if strings.TrimSpace(device) == "" {
		return nil, false
	}
	key := DeviceKey(device)
	voucherCode, ok := s.resolve(ctx, "get_by_device", key)
	if !ok {
		return nil, false
	}
	sess, ok := s.Get(ctx, voucherCode)
	if !ok || !sess.ownsDeviceKey(key) {
		return nil, false
	}
	return sess, true
}

// GetByToken returns the session issued reconnection token.
func (s *Store) GetByToken(ctx context.Context, token string) (*Session, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, false
	}
	voucherCode, ok := s.resolve(ctx, "get_by_token", TokenKey(token))
	if !ok {
		return nil, false
	}
	sess, ok := s.Get(ctx, voucherCode)
	if !ok || sess.ReconnectionToken != token {
		return nil, false
	}
	return sess, true
}

// Delete removes the session and the indexes that still point at it.
func (s *Store) Delete(ctx context.Context, voucherCode string) bool {
	voucherCode = NormalizeVoucherCode(voucherCode)
	if voucherCode == "" {
		return false
	}
	sess, res := s.load(ctx, voucherCode)
	if res == Unavailable {
		return false
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	err := s.cache.Delete(opCtx, PrimaryKey(voucherCode))
	if err == nil && sess != nil {
		err = s.cache.DeleteIfValue(opCtx, voucherCode, sess.IndexKeys()...)
	}
	if err != nil {
		s.logger.Warn("Session cache delete failed",
			zap.String("voucher_code", voucherCode),
			zap.Error(err),
		)
		s.metrics.RecordStoreOp("delete", "error")
		return false
	}
	s.metrics.RecordStoreOp("delete", "ok")
	return sess != nil
}

// DeleteIndexes drops secondary keys voucherCode no longer owns, such as the
// MAC key left behind after a device reconnects with a new address. Keys
// since taken by another voucher are kept.
func (s *Store) DeleteIndexes(ctx context.Context, voucherCode string, keys ...string) {
	if len(keys) == 0 {
		return
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.cache.DeleteIfValue(opCtx, NormalizeVoucherCode(voucherCode), keys...); err != nil {
		s.logger.Debug("Stale index cleanup failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// Extend adds days to the entitlement and re-arms every key.
func (s *Store) Extend(ctx context.Context, voucherCode string, days int) (*Session, bool) {
	if days <= 0 {
		return nil, false
	}
	sess, ok := s.Get(ctx, voucherCode)
	if !ok {
		return nil, false
	}

	sess.EntitlementDays += days
	sess.ExpiresAt = sess.ExpiresAt.Add(time.Duration(days) * 24 * time.Hour)
	if !s.Put(ctx, sess) {
		return nil, false
	}
	return sess, true
}

// RemainingTTL returns the remaining lifetime of the session in seconds.
func (s *Store) RemainingTTL(ctx context.Context, voucherCode string) (int64, bool) {
	voucherCode = NormalizeVoucherCode(voucherCode)
	if voucherCode == "" {
		return 0, false
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	ttl, err := s.cache.TTL(opCtx, PrimaryKey(voucherCode))
	if errors.Is(err, cache.ErrMiss) {
		return 0, false
	}
	if err != nil {
		s.logger.Warn("Session TTL read failed",
			zap.String("voucher_code", voucherCode),
			zap.Error(err),
		)
		s.metrics.RecordStoreOp("ttl", "error")
		return 0, false
	}
	return int64(ttl / time.Second), true
}

// List returns every stored session. It scans the keyspace and is meant
// for dashboards and background jobs, not the admission path.
func (s *Store) List(ctx context.Context) []*Session {
	keys, err := s.cache.KeysWithPrefix(ctx, PrefixSession)
	if err != nil {
		s.logger.Warn("Session scan failed", zap.Error(err))
		s.metrics.RecordStoreOp("list", "error")
		return nil
	}

	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		sess, res := s.load(ctx, strings.TrimPrefix(key, PrefixSession))
		if res == Found {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}
