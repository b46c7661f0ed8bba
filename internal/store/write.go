package store

import (
	"context"
	"fmt"
)

// UpsertDevice makes sure a DEVICE row exists for address and returns its id.
// An existing row keeps its id; its name is refreshed when name is non-empty.
func (s *Store) UpsertDevice(ctx context.Context, address, name string) (int64, error) {
	if address == "" {
		return 0, fmt.Errorf("device address must not be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO DEVICE (ADDRESS, NAME) VALUES (?, ?)
		ON CONFLICT (ADDRESS) DO UPDATE SET NAME = CASE WHEN excluded.NAME = '' THEN NAME ELSE excluded.NAME END
	`, address, name)
	if err != nil {
		return 0, fmt.Errorf("upsert device: %w", err)
	}

	id, ok, err := s.DeviceIDByAddress(ctx, address)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("device %q vanished after upsert", address)
	}
	return id, nil
}

// AddHeartRateSamples stores rows for deviceID in one transaction.
// A sample with an already stored (timestamp, device) key replaces the old one.
func (s *Store) AddHeartRateSamples(ctx context.Context, deviceID int64, rows []HeartRateRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO COLMI_HEART_RATE_SAMPLE (TIMESTAMP, DEVICE_ID, HEART_RATE)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare heart rate insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Timestamp, deviceID, r.HeartRate); err != nil {
			return fmt.Errorf("insert heart rate sample at %d: %w", r.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit heart rate samples: %w", err)
	}
	return nil
}

// AddActivitySamples stores rows for deviceID in one transaction.
// A sample with an already stored (timestamp, device) key replaces the old one.
func (s *Store) AddActivitySamples(ctx context.Context, deviceID int64, rows []ActivityRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO COLMI_ACTIVITY_SAMPLE (TIMESTAMP, DEVICE_ID, STEPS, CALORIES, DISTANCE)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare activity insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Timestamp, deviceID, r.Steps, r.Calories, r.Distance); err != nil {
			return fmt.Errorf("insert activity sample at %d: %w", r.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activity samples: %w", err)
	}
	return nil
}
