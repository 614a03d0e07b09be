// internal/repository/postgres/trusted_device_repo.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"fieldops-security/internal/domain/security"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TrustedDeviceRepository struct {
	db *pgxpool.Pool
}

func NewTrustedDeviceRepository(db *pgxpool.Pool) *TrustedDeviceRepository {
	return &TrustedDeviceRepository{db: db}
}

// Touch records that user signed in from the device. It reports whether the
// device had never been seen before, and whether the user already had other
// devices on record. Concurrent first sign-ins from the same device resolve to
// exactly one insert.
func (r *TrustedDeviceRepository) Touch(ctx context.Context, userID uuid.UUID, hash, name string, now time.Time) (bool, bool, error) {
	query := `
		WITH upsert AS (
			INSERT INTO trusted_devices (user_id, device_fingerprint_hash, device_name, first_seen_at, last_seen_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (user_id, device_fingerprint_hash) DO UPDATE
			SET last_seen_at = GREATEST(trusted_devices.last_seen_at, EXCLUDED.last_seen_at),
			    device_name = EXCLUDED.device_name
			RETURNING (xmax = 0) AS inserted
		)
		SELECT u.inserted,
		       EXISTS (
		           SELECT 1 FROM trusted_devices d
		           WHERE d.user_id = $1 AND d.device_fingerprint_hash <> $2
		       ) AS has_others
		FROM upsert u
	`
	var inserted, hasOthers bool
	if err := r.db.QueryRow(ctx, query, userID, hash, name, now).Scan(&inserted, &hasOthers); err != nil {
		return false, false, fmt.Errorf("failed to touch trusted device: %w", err)
	}
	return inserted, hasOthers, nil
}

func (r *TrustedDeviceRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]security.TrustedDevice, error) {
	query := `
		SELECT id, user_id, device_fingerprint_hash, device_name, first_seen_at, last_seen_at, is_active
		FROM trusted_devices
		WHERE user_id = $1
		ORDER BY last_seen_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted devices: %w", err)
	}
	defer rows.Close()

	devices := make([]security.TrustedDevice, 0)
	for rows.Next() {
		var d security.TrustedDevice
		if err := rows.Scan(&d.ID, &d.UserID, &d.DeviceFingerprintHash, &d.DeviceName,
			&d.FirstSeenAt, &d.LastSeenAt, &d.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan trusted device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
