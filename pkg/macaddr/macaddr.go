// Package macaddr normalises MAC addresses as reported by NAS devices,
// RADIUS Calling-Station-Id values and captive portal clients.
package macaddr

import (
	"net"
	"strings"
)

// Normalize returns the upper-case, colon separated form of a MAC address
// ("AA:BB:CC:DD:EE:FF"). Values that do not parse as a MAC are trimmed and
// upper-cased so they still compare consistently.
func Normalize(s string) string {
	if mac, ok := Parse(s); ok {
		return mac
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// Parse returns the normalised form of s and whether s is a MAC address at all.
func Parse(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if hw, err := net.ParseMAC(s); err == nil && len(hw) == 6 {
		return strings.ToUpper(hw.String()), true
	}
	// Some NAS vendors send bare hex ("AABBCCDDEEFF").
	if len(s) == 12 {
		if hw, err := net.ParseMAC(s[0:2] + ":" + s[2:4] + ":" + s[4:6] + ":" + s[6:8] + ":" + s[8:10] + ":" + s[10:12]); err == nil {
			return strings.ToUpper(hw.String()), true
		}
	}
	return "", false
}

// Equal reports whether two MAC strings denote the same address.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
