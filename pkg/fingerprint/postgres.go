package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codelaboratoryltd/hotspot/pkg/database"
)

const identityColumns = `fingerprint_hash, first_mac_address, last_mac_address, mac_change_count,
	first_ip_address, last_ip_address, ip_change_count,
	first_seen, last_seen, access_count, last_voucher_code, phone_number`

// PostgresRepository stores identities in device_identities and the
// redemption history in device_vouchers.
type PostgresRepository struct {
	db database.Querier
}

// NewPostgresRepository returns a repository backed by db.
func NewPostgresRepository(db database.Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert locks the identity row (or inserts it) inside a transaction so
// concurrent resolutions of the same hash from different nodes serialise.
func (r *PostgresRepository) Upsert(ctx context.Context, obs Observation, now time.Time) (*Resolution, error) {
	var res *Resolution
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		res, err = upsertTx(ctx, tx, obs, now)
		if err != nil {
			return err
		}
		if obs.VoucherCode == "" {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO device_vouchers (fingerprint_hash, voucher_code, first_seen)
			VALUES ($1, $2, $3)
			ON CONFLICT (fingerprint_hash, voucher_code) DO NOTHING`,
			obs.Hash, obs.VoucherCode, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func upsertTx(ctx context.Context, tx pgx.Tx, obs Observation, now time.Time) (*Resolution, error) {
	selectQuery := `SELECT ` + identityColumns + ` FROM device_identities WHERE fingerprint_hash = $1 FOR UPDATE`

	// Two attempts: a concurrent first insert of the same hash makes our
	// INSERT a no-op, after which the row can be locked and updated.
	for attempt := 0; attempt < 2; attempt++ {
		d, err := scanIdentity(tx.QueryRow(ctx, selectQuery, obs.Hash))
		if err == nil {
			res := &Resolution{Identity: d}
			res.MACChanged, res.IPChanged = d.apply(obs, now)
			_, err = tx.Exec(ctx, `
				UPDATE device_identities SET
					first_mac_address = NULLIF($2, ''), last_mac_address = NULLIF($3, ''), mac_change_count = $4,
					first_ip_address = NULLIF($5, ''), last_ip_address = NULLIF($6, ''), ip_change_count = $7,
					last_seen = $8, access_count = $9,
					last_voucher_code = NULLIF($10, ''), phone_number = NULLIF($11, '')
				WHERE fingerprint_hash = $1`,
				d.FingerprintHash, d.FirstMACAddress, d.LastMACAddress, d.MACChangeCount,
				d.FirstIPAddress, d.LastIPAddress, d.IPChangeCount,
				d.LastSeen, d.AccessCount, d.LastVoucherCode, d.PhoneNumber)
			if err != nil {
				return nil, err
			}
			return res, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}

		d = newIdentity(obs, now)
		tag, err := tx.Exec(ctx, `
			INSERT INTO device_identities (`+identityColumns+`)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''))
			ON CONFLICT (fingerprint_hash) DO NOTHING`,
			d.FingerprintHash, d.FirstMACAddress, d.LastMACAddress, d.MACChangeCount,
			d.FirstIPAddress, d.LastIPAddress, d.IPChangeCount,
			d.FirstSeen, d.LastSeen, d.AccessCount, d.LastVoucherCode, d.PhoneNumber)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			return &Resolution{Identity: d, Created: true}, nil
		}
	}
	return nil, fmt.Errorf("device identity %s: concurrent insert did not become visible", obs.Hash)
}

// GetByHash returns the identity for hash.
func (r *PostgresRepository) GetByHash(ctx context.Context, hash string) (*DeviceIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM device_identities WHERE fingerprint_hash = $1`

	d, err := scanIdentity(r.db.QueryRow(ctx, query, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// GetByVoucher returns the device that most recently redeemed voucherCode.
func (r *PostgresRepository) GetByVoucher(ctx context.Context, voucherCode string) (*DeviceIdentity, error) {
	query := `
		SELECT ` + prefixed("d.", identityColumns) + `
		FROM device_identities d
		JOIN device_vouchers v ON v.fingerprint_hash = d.fingerprint_hash
		WHERE v.voucher_code = $1
		ORDER BY v.first_seen DESC
		LIMIT 1`

	d, err := scanIdentity(r.db.QueryRow(ctx, query, voucherCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func scanIdentity(row pgx.Row) (*DeviceIdentity, error) {
	var (
		d                                  DeviceIdentity
		firstMAC, lastMAC, firstIP, lastIP *string
		voucher, phone                     *string
	)
	err := row.Scan(
		&d.FingerprintHash, &firstMAC, &lastMAC, &d.MACChangeCount,
		&firstIP, &lastIP, &d.IPChangeCount,
		&d.FirstSeen, &d.LastSeen, &d.AccessCount, &voucher, &phone,
	)
	if err != nil {
		return nil, err
	}
	d.FirstMACAddress = deref(firstMAC)
	d.LastMACAddress = deref(lastMAC)
	d.FirstIPAddress = deref(firstIP)
	d.LastIPAddress = deref(lastIP)
	d.LastVoucherCode = deref(voucher)
	d.PhoneNumber = deref(phone)
	return &d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
