package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codelaboratoryltd/hotspot/pkg/database"
)

const recordColumns = `session_unique_id, username, nas_ip_address, called_station_id,
	calling_station_id, framed_ip_address, start_time, stop_time,
	session_duration_seconds, input_octets, output_octets, terminate_cause, collected_at`

// PostgresRepository stores records in accounting_records.
type PostgresRepository struct {
	db database.Querier
}

// NewPostgresRepository returns a repository backed by db.
func NewPostgresRepository(db database.Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounting_records WHERE session_unique_id = $1)`, id,
	).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) Insert(ctx context.Context, rec Record) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO accounting_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_unique_id) DO NOTHING`,
		rec.SessionUniqueID, rec.Username, rec.NASIPAddress, rec.CalledStationID,
		rec.CallingStationID, rec.FramedIPAddress, rec.StartTime, rec.StopTime,
		rec.SessionDurationSeconds, rec.InputOctets, rec.OutputOctets, rec.TerminateCause, rec.CollectedAt)
	if err != nil {
		return false, fmt.Errorf("insert accounting record %s: %w", rec.SessionUniqueID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) KnownIDsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT session_unique_id FROM accounting_records WHERE start_time >= $1`, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *PostgresRepository) ListSince(ctx context.Context, since time.Time) ([]Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM accounting_records
		WHERE start_time >= $1
		ORDER BY start_time`, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(
			&rec.SessionUniqueID, &rec.Username, &rec.NASIPAddress, &rec.CalledStationID,
			&rec.CallingStationID, &rec.FramedIPAddress, &rec.StartTime, &rec.StopTime,
			&rec.SessionDurationSeconds, &rec.InputOctets, &rec.OutputOctets, &rec.TerminateCause, &rec.CollectedAt,
		)
		return rec, err
	})
}

func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM accounting_records`).Scan(&n)
	return n, err
}
