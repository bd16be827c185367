// Package session keeps the fleet-wide record of active hotspot entitlements.
//
// A session is stored once under its voucher code. Device (fingerprint or
// MAC) and reconnection-token keys hold only the voucher code, so every
// secondary lookup resolves through the primary record and copies never
// drift apart.
package session

import (
	"strings"
	"time"

	"github.com/codelaboratoryltd/hotspot/pkg/macaddr"
)

// Key namespaces in the shared cache.
const (
	PrefixSession = "session:"
	PrefixDevice  = "device:"
	PrefixToken   = "token:"
)

// Session is one voucher entitlement on the hotspot.
type Session struct {
	VoucherCode       string `json:"voucher_code"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	ReconnectionToken string `json:"reconnection_token,omitempty"`
	MACAddress        string `json:"mac_address"`
	IPAddress         string `json:"ip_address,omitempty"`
	RouterID          string `json:"router_id,omitempty"`
	NASAddress        string `json:"nas_address,omitempty"`

	IsActive        bool       `json:"is_active"`
	EntitlementDays int        `json:"entitlement_days"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	TerminateCause  string     `json:"terminate_cause,omitempty"`
}

// Entitlement is the length of the purchased access.
func (s *Session) Entitlement() time.Duration {
	return time.Duration(s.EntitlementDays) * 24 * time.Hour
}

// NormalizeVoucherCode is the canonical form of a voucher code used for
// keys and locks.
func NormalizeVoucherCode(code string) string {
	return strings.TrimSpace(code)
}

// PrimaryKey is the cache key holding the serialised session.
func PrimaryKey(voucherCode string) string {
	return PrefixSession + voucherCode
}

// DeviceKey is the cache key for a fingerprint hash or MAC address.
// MACs are normalised, fingerprints are lower-cased.
func DeviceKey(device string) string {
	if mac, ok := macaddr.Parse(device); ok {
		return PrefixDevice + mac
	}
	return PrefixDevice + strings.ToLower(strings.TrimSpace(device))
}

// TokenKey is the cache key for a reconnection token.
func TokenKey(token string) string {
	return PrefixToken + token
}

// IndexKeys lists the secondary keys this session owns.
func (s *Session) IndexKeys() []string {
	var keys []string
	if s.DeviceFingerprint != "" {
		keys = append(keys, DeviceKey(s.DeviceFingerprint))
	}
	if s.MACAddress != "" {
		keys = append(keys, DeviceKey(s.MACAddress))
	}
	if s.ReconnectionToken != "" {
		keys = append(keys, TokenKey(s.ReconnectionToken))
	}
	return keys
}

// ownsDeviceKey reports whether key is one of this session's device indexes.
// A stale index left by an earlier MAC must not resolve to the new record.
func (s *Session) ownsDeviceKey(key string) bool {
	if s.DeviceFingerprint != "" && DeviceKey(s.DeviceFingerprint) == key {
		return true
	}
	return s.MACAddress != "" && DeviceKey(s.MACAddress) == key
}
