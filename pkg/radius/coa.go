// Package radius sends RFC 5176 dynamic authorization requests
// (Disconnect-Request and CoA-Request) to hotspot NAS devices.
package radius

import (
	"encoding/binary"
	"fmt"

	"layeh.com/radius"
)

// RADIUS attribute types (RFC 2865)
const (
	AttrUserName         = 1
	AttrNASIPAddress     = 4
	AttrFramedIPAddress  = 8
	AttrFilterID         = 11
	AttrSessionTimeout   = 27
	AttrIdleTimeout      = 28
	AttrCalledStationID  = 30
	AttrCallingStationID = 31
	AttrNASIdentifier    = 32
	AttrAcctSessionID    = 44
	AttrVendorSpecific   = 26
)

// MikroTik vendor-specific attributes
const (
	VendorMikrotik         = 14988
	MikrotikRateLimitType  = 8
	mikrotikVSAHeaderBytes = 2
)

// Error-Cause attribute values reported in NAKs (RFC 5176 §3.5)
const (
	ErrorCauseMissingAttribute           = 402
	ErrorCauseNASIdentificationMismatch  = 403
	ErrorCauseInvalidRequest             = 404
	ErrorCauseAdministrativelyProhibited = 501
	ErrorCauseSessionContextNotFound     = 503
	ErrorCauseSessionContextNotRemovable = 504
)

// Attribute represents a RADIUS attribute
type Attribute struct {
	Type  uint8
	Value []byte
}

func (a Attribute) String() string {
	return fmt.Sprintf("type=%d len=%d", a.Type, len(a.Value))
}

// SessionTimeoutAttribute overrides the remaining session time in seconds.
func SessionTimeoutAttribute(seconds uint32) Attribute {
	return uint32Attribute(AttrSessionTimeout, seconds)
}

// IdleTimeoutAttribute sets the idle timeout in seconds.
func IdleTimeoutAttribute(seconds uint32) Attribute {
	return uint32Attribute(AttrIdleTimeout, seconds)
}

// FilterIDAttribute names a filter or QoS profile configured on the NAS.
func FilterIDAttribute(name string) Attribute {
	return Attribute{Type: AttrFilterID, Value: []byte(name)}
}

// RateLimitAttribute builds a Mikrotik-Rate-Limit VSA ("rx/tx" from the
// router's point of view, so upload first). Rates are bits per second.
func RateLimitAttribute(uploadBPS, downloadBPS uint64) (Attribute, error) {
	value := fmt.Sprintf("%s/%s", formatRate(uploadBPS), formatRate(downloadBPS))
	if len(value)+mikrotikVSAHeaderBytes > 255 {
		return Attribute{}, fmt.Errorf("rate limit value too long")
	}

	inner := make([]byte, 0, mikrotikVSAHeaderBytes+len(value))
	inner = append(inner, MikrotikRateLimitType, byte(mikrotikVSAHeaderBytes+len(value)))
	inner = append(inner, value...)

	vsa, err := radius.NewVendorSpecific(VendorMikrotik, radius.Attribute(inner))
	if err != nil {
		return Attribute{}, fmt.Errorf("vendor specific: %w", err)
	}
	return Attribute{Type: AttrVendorSpecific, Value: vsa}, nil
}

// formatRate renders bps with the k/M suffixes RouterOS accepts. Zero means
// unlimited.
func formatRate(bps uint64) string {
	switch {
	case bps == 0:
		return "0"
	case bps%1_000_000 == 0:
		return fmt.Sprintf("%dM", bps/1_000_000)
	case bps%1_000 == 0:
		return fmt.Sprintf("%dk", bps/1_000)
	default:
		return fmt.Sprintf("%d", bps)
	}
}

func uint32Attribute(t uint8, v uint32) Attribute {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Attribute{Type: t, Value: b}
}
