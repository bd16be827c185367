// Package fingerprint derives stable device identities from client-supplied
// signals and tracks how a device's network addresses change over time.
//
// A device is identified by the SHA-256 of its browser/app signals rather
// than by its MAC address, so a client that randomises its MAC between
// connections is still recognised as the same device.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Delimiter separates signal values before hashing.
const Delimiter = "|"

var (
	// ErrHashing is returned when the digest could not be computed.
	ErrHashing = errors.New("fingerprint hashing failed")

	// ErrInvalidHash is returned when an empty fingerprint hash is resolved.
	ErrInvalidHash = errors.New("fingerprint hash required")
)

// Signals are the weak identifiers collected by the captive portal.
type Signals struct {
	UserAgent       string `json:"user_agent"`
	CanvasSignature string `json:"canvas_signature"`
	ScreenGeometry  string `json:"screen_geometry"`
	Timezone        string `json:"timezone"`
	Language        string `json:"language"`
	ClientStorageID string `json:"client_storage_id"`
}

// ordered returns the signal values in hashing order.
func (s Signals) ordered() []string {
	return []string{
		s.UserAgent,
		s.CanvasSignature,
		s.ScreenGeometry,
		s.Timezone,
		s.Language,
		s.ClientStorageID,
	}
}

// Hash returns the lowercase hex SHA-256 of the delimited signal tuple.
// The result is always 64 characters.
func Hash(s Signals) (string, error) {
	h := sha256.New()
	if _, err := io.WriteString(h, strings.Join(s.ordered(), Delimiter)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashing, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
