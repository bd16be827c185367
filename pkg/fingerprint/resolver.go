package fingerprint

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/clock"
	"github.com/codelaboratoryltd/hotspot/pkg/macaddr"
	"github.com/codelaboratoryltd/hotspot/pkg/metrics"
)

// Resolver maps fingerprint hashes to device identities.
type Resolver struct {
	repo    Repository
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewResolver creates a resolver over repo.
func NewResolver(repo Repository, clk clock.Clock, logger *zap.Logger) *Resolver {
	if clk == nil {
		clk = clock.Real()
	}
	return &Resolver{
		repo:   repo,
		clock:  clk,
		logger: logger,
	}
}

// SetMetrics attaches Prometheus metrics.
func (r *Resolver) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Resolve records a sighting of the device identified by obs.Hash and
// returns its updated identity. Unknown hashes create a new identity.
func (r *Resolver) Resolve(ctx context.Context, obs Observation) (*DeviceIdentity, error) {
	obs.Hash = strings.ToLower(strings.TrimSpace(obs.Hash))
	if obs.Hash == "" {
		return nil, ErrInvalidHash
	}
	obs.MACAddress = macaddr.Normalize(obs.MACAddress)
	obs.IPAddress = strings.TrimSpace(obs.IPAddress)
	obs.VoucherCode = strings.TrimSpace(obs.VoucherCode)

	res, err := r.repo.Upsert(ctx, obs, r.clock.Now())
	if err != nil {
		r.metrics.RecordDeviceResolution("error")
		r.logger.Warn("Device identity resolution failed",
			zap.String("fingerprint", obs.Hash),
			zap.Error(err),
		)
		return nil, err
	}

	if res.Created {
		r.metrics.RecordDeviceResolution("new")
		r.logger.Debug("New device identity",
			zap.String("fingerprint", obs.Hash),
			zap.String("mac", obs.MACAddress),
			zap.String("voucher_code", obs.VoucherCode),
		)
		return res.Identity, nil
	}

	r.metrics.RecordDeviceResolution("seen")
	if res.MACChanged {
		r.metrics.RecordDeviceAddressChange("mac")
		r.logger.Info("Device MAC address changed",
			zap.String("fingerprint", obs.Hash),
			zap.String("mac", res.Identity.LastMACAddress),
			zap.Int("mac_change_count", res.Identity.MACChangeCount),
		)
	}
	if res.IPChanged {
		r.metrics.RecordDeviceAddressChange("ip")
	}
	return res.Identity, nil
}

// LookupByHash returns the identity for hash. Repository failures are
// logged and reported as not found.
func (r *Resolver) LookupByHash(ctx context.Context, hash string) (*DeviceIdentity, bool) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash == "" {
		return nil, false
	}
	d, err := r.repo.GetByHash(ctx, hash)
	if err != nil {
		r.logger.Warn("Device lookup by fingerprint failed",
			zap.String("fingerprint", hash),
			zap.Error(err),
		)
		return nil, false
	}
	return d, d != nil
}

// LookupByVoucher returns the device that most recently redeemed voucherCode.
func (r *Resolver) LookupByVoucher(ctx context.Context, voucherCode string) (*DeviceIdentity, bool) {
	voucherCode = strings.TrimSpace(voucherCode)
	if voucherCode == "" {
		return nil, false
	}
	d, err := r.repo.GetByVoucher(ctx, voucherCode)
	if err != nil {
		r.logger.Warn("Device lookup by voucher failed",
			zap.String("voucher_code", voucherCode),
			zap.Error(err),
		)
		return nil, false
	}
	return d, d != nil
}
