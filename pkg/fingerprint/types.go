package fingerprint

import "time"

// DeviceIdentity is the long-lived record of one physical device.
// Rows are never deleted; they form the abuse history of the device.
type DeviceIdentity struct {
	FingerprintHash string `json:"fingerprint_hash"`

	FirstMACAddress string `json:"first_mac_address,omitempty"`
	LastMACAddress  string `json:"last_mac_address,omitempty"`
	MACChangeCount  int    `json:"mac_change_count"`

	FirstIPAddress string `json:"first_ip_address,omitempty"`
	LastIPAddress  string `json:"last_ip_address,omitempty"`
	IPChangeCount  int    `json:"ip_change_count"`

	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	AccessCount int64     `json:"access_count"`

	LastVoucherCode string `json:"last_voucher_code,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
}

// Observation is one sighting of a device, reported on voucher redemption
// or reconnection.
type Observation struct {
	Hash        string
	VoucherCode string
	PhoneNumber string
	MACAddress  string
	IPAddress   string
}

// Resolution is the outcome of folding one observation into the store.
type Resolution struct {
	Identity   *DeviceIdentity
	Created    bool
	MACChanged bool
	IPChanged  bool
}

// apply folds an observation into the identity using the upsert rules:
// "last" fields follow the observation, change counters only move when a
// reported address differs from the stored one. Blank addresses are ignored.
func (d *DeviceIdentity) apply(obs Observation, now time.Time) (macChanged, ipChanged bool) {
	if obs.MACAddress != "" {
		if d.FirstMACAddress == "" {
			d.FirstMACAddress = obs.MACAddress
		}
		if d.LastMACAddress != "" && d.LastMACAddress != obs.MACAddress {
			d.MACChangeCount++
			macChanged = true
		}
		d.LastMACAddress = obs.MACAddress
	}

	if obs.IPAddress != "" {
		if d.FirstIPAddress == "" {
			d.FirstIPAddress = obs.IPAddress
		}
		if d.LastIPAddress != "" && d.LastIPAddress != obs.IPAddress {
			d.IPChangeCount++
			ipChanged = true
		}
		d.LastIPAddress = obs.IPAddress
	}

	if obs.VoucherCode != "" {
		d.LastVoucherCode = obs.VoucherCode
	}
	if obs.PhoneNumber != "" {
		d.PhoneNumber = obs.PhoneNumber
	}

	if now.After(d.LastSeen) {
		d.LastSeen = now
	}
	d.AccessCount++
	return macChanged, ipChanged
}

// newIdentity seeds an identity from its first observation.
func newIdentity(obs Observation, now time.Time) *DeviceIdentity {
	return &DeviceIdentity{
		FingerprintHash: obs.Hash,
		FirstMACAddress: obs.MACAddress,
		LastMACAddress:  obs.MACAddress,
		FirstIPAddress:  obs.IPAddress,
		LastIPAddress:   obs.IPAddress,
		FirstSeen:       now,
		LastSeen:        now,
		AccessCount:     1,
		LastVoucherCode: obs.VoucherCode,
		PhoneNumber:     obs.PhoneNumber,
	}
}
