package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/codelaboratoryltd/hotspot/pkg/database"
)

// Source yields accounting rows started at or after since, skipping the
// unique ids in exclude.
type Source interface {
	Fetch(ctx context.Context, since time.Time, exclude []string, limit int) ([]RawRecord, error)
}

// PostgresSource reads the FreeRADIUS radacct table. It never writes to it.
type PostgresSource struct {
	db database.Querier
}

// NewPostgresSource returns a source over the RADIUS database.
func NewPostgresSource(db database.Querier) *PostgresSource {
	return &PostgresSource{db: db}
}

// Every column is fetched as text so malformed values reach ParseRecord
// instead of failing the scan of the whole batch.
const radacctQuery = `
	SELECT
		COALESCE(acctuniqueid, ''),
		COALESCE(username, ''),
		COALESCE(host(nasipaddress), ''),
		COALESCE(calledstationid, ''),
		COALESCE(callingstationid, ''),
		COALESCE(host(framedipaddress), ''),
		COALESCE(acctstarttime::text, ''),
		COALESCE(acctstoptime::text, ''),
		COALESCE(acctsessiontime::text, ''),
		COALESCE(acctinputoctets::text, ''),
		COALESCE(acctoutputoctets::text, ''),
		COALESCE(acctterminatecause, '')
	FROM radacct
	WHERE acctstarttime >= $1
		AND NOT (acctuniqueid = ANY($2))
	ORDER BY acctstarttime
	LIMIT $3`

// Fetch runs one windowed query.
func (s *PostgresSource) Fetch(ctx context.Context, since time.Time, exclude []string, limit int) ([]RawRecord, error) {
	if exclude == nil {
		exclude = []string{}
	}

	rows, err := s.db.Query(ctx, radacctQuery, since, exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("query radacct: %w", err)
	}
	defer rows.Close()

	var out []RawRecord
	for rows.Next() {
		var r RawRecord
		if err := rows.Scan(
			&r.SessionUniqueID, &r.Username, &r.NASIPAddress,
			&r.CalledStationID, &r.CallingStationID, &r.FramedIPAddress,
			&r.StartTime, &r.StopTime, &r.SessionTime,
			&r.InputOctets, &r.OutputOctets, &r.TerminateCause,
		); err != nil {
			return nil, fmt.Errorf("scan radacct: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
