// Package accounting collects RADIUS accounting rows from the
// authentication server and cross-checks them against hotspot sessions.
package accounting

import (
	"strconv"
	"strings"
	"time"

	"github.com/codelaboratoryltd/hotspot/pkg/macaddr"
)

// Record is one normalised accounting row. Pointer fields are nil when the
// source value was missing or did not parse.
type Record struct {
	SessionUniqueID        string     `json:"session_unique_id"`
	Username               string     `json:"username"`
	NASIPAddress           string     `json:"nas_ip_address"`
	CalledStationID        string     `json:"called_station_id"`
	CallingStationID       string     `json:"calling_station_id"`
	FramedIPAddress        string     `json:"framed_ip_address"`
	StartTime              *time.Time `json:"start_time,omitempty"`
	StopTime               *time.Time `json:"stop_time,omitempty"`
	SessionDurationSeconds *int64     `json:"session_duration_seconds,omitempty"`
	InputOctets            *int64     `json:"input_octets,omitempty"`
	OutputOctets           *int64     `json:"output_octets,omitempty"`
	TerminateCause         string     `json:"terminate_cause"`
	CollectedAt            time.Time  `json:"collected_at"`
}

// Open reports whether the NAS has not yet sent a stop for this session.
func (r *Record) Open() bool {
	return r.StopTime == nil
}

// Duration returns the accounted session time. Open records without an
// interim duration are measured from their start to now.
func (r *Record) Duration(now time.Time) time.Duration {
	if r.SessionDurationSeconds != nil {
		return time.Duration(*r.SessionDurationSeconds) * time.Second
	}
	if r.StartTime == nil {
		return 0
	}
	end := now
	if r.StopTime != nil {
		end = *r.StopTime
	}
	if end.Before(*r.StartTime) {
		return 0
	}
	return end.Sub(*r.StartTime)
}

// RawRecord is an accounting row as text, exactly as the source returned it.
type RawRecord struct {
	SessionUniqueID  string
	Username         string
	NASIPAddress     string
	CalledStationID  string
	CallingStationID string
	FramedIPAddress  string
	StartTime        string
	StopTime         string
	SessionTime      string
	InputOctets      string
	OutputOctets     string
	TerminateCause   string
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseRecord normalises a raw row. It never fails: a field that does not
// parse is left nil and the rest of the record is kept.
func ParseRecord(raw RawRecord, collectedAt time.Time) Record {
	return Record{
		SessionUniqueID:        strings.TrimSpace(raw.SessionUniqueID),
		Username:               strings.TrimSpace(raw.Username),
		NASIPAddress:           strings.TrimSpace(raw.NASIPAddress),
		CalledStationID:        strings.TrimSpace(raw.CalledStationID),
		CallingStationID:       normalizeStation(raw.CallingStationID),
		FramedIPAddress:        strings.TrimSpace(raw.FramedIPAddress),
		StartTime:              parseTime(raw.StartTime),
		StopTime:               parseTime(raw.StopTime),
		SessionDurationSeconds: parseCount(raw.SessionTime),
		InputOctets:            parseCount(raw.InputOctets),
		OutputOctets:           parseCount(raw.OutputOctets),
		TerminateCause:         strings.TrimSpace(raw.TerminateCause),
		CollectedAt:            collectedAt,
	}
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	return nil
}

// parseCount accepts non-negative integers only.
func parseCount(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// normalizeStation rewrites MAC-shaped Calling-Station-Id values to the
// canonical form and leaves anything else as sent.
func normalizeStation(s string) string {
	if mac, ok := macaddr.Parse(s); ok {
		return mac
	}
	return strings.TrimSpace(s)
}
