package fingerprint

import (
	"context"
	"sync"
	"time"
)

// Repository persists device identities. Upsert must be atomic per hash.
// Getters return (nil, nil) when nothing matches.
type Repository interface {
	Upsert(ctx context.Context, obs Observation, now time.Time) (*Resolution, error)
	GetByHash(ctx context.Context, hash string) (*DeviceIdentity, error)
	GetByVoucher(ctx context.Context, voucherCode string) (*DeviceIdentity, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu        sync.RWMutex
	byHash    map[string]*DeviceIdentity
	byVoucher map[string]string // voucher code -> most recent hash
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byHash:    make(map[string]*DeviceIdentity),
		byVoucher: make(map[string]string),
	}
}

// Upsert creates or updates the identity for obs.Hash.
func (r *MemoryRepository) Upsert(_ context.Context, obs Observation, now time.Time) (*Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Resolution{}
	d, ok := r.byHash[obs.Hash]
	if !ok {
		d = newIdentity(obs, now)
		r.byHash[obs.Hash] = d
		res.Created = true
	} else {
		res.MACChanged, res.IPChanged = d.apply(obs, now)
	}
	if obs.VoucherCode != "" {
		r.byVoucher[obs.VoucherCode] = obs.Hash
	}

	cp := *d
	res.Identity = &cp
	return res, nil
}

// GetByHash returns a copy of the identity for hash.
func (r *MemoryRepository) GetByHash(_ context.Context, hash string) (*DeviceIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byHash[hash]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

// GetByVoucher returns the device that most recently redeemed voucherCode.
func (r *MemoryRepository) GetByVoucher(ctx context.Context, voucherCode string) (*DeviceIdentity, error) {
	r.mu.RLock()
	hash, ok := r.byVoucher[voucherCode]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.GetByHash(ctx, hash)
}
