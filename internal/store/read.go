package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// HeartRateRow is one stored heart-rate sample.
type HeartRateRow struct {
	Timestamp int64 // unix seconds
	HeartRate int
}

// ActivityRow is one stored activity sample.
type ActivityRow struct {
	Timestamp int64 // unix seconds
	Steps     int
	Calories  int
	Distance  int
}

// DeviceIDByAddress looks up the storage id for a transport address.
// The bool result is false when no row matches.
func (s *Store) DeviceIDByAddress(ctx context.Context, address string) (int64, bool, error) {
	return s.scanDeviceID(ctx, "SELECT _id FROM DEVICE WHERE ADDRESS = ?", address)
}

// FirstDeviceID returns the id of the lowest-numbered device row, if any.
func (s *Store) FirstDeviceID(ctx context.Context) (int64, bool, error) {
	return s.scanDeviceID(ctx, "SELECT _id FROM DEVICE ORDER BY _id ASC LIMIT 1")
}

func (s *Store) scanDeviceID(ctx context.Context, query string, args ...any) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query device: %w", err)
	}
	return id, true, nil
}

// HeartRateSince returns heart-rate rows of deviceID with TIMESTAMP > since,
// ordered by timestamp ascending.
//
// Returns an empty slice (not nil) if no rows match.
func (s *Store) HeartRateSince(ctx context.Context, deviceID, since int64) ([]HeartRateRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TIMESTAMP, HEART_RATE
		FROM COLMI_HEART_RATE_SAMPLE
		WHERE DEVICE_ID = ? AND TIMESTAMP > ?
		ORDER BY TIMESTAMP ASC
	`, deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("query heart rate samples: %w", err)
	}
	defer rows.Close()

	result := []HeartRateRow{}
	for rows.Next() {
		var r HeartRateRow
		if err := rows.Scan(&r.Timestamp, &r.HeartRate); err != nil {
			return nil, fmt.Errorf("scan heart rate sample: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heart rate samples: %w", err)
	}
	return result, nil
}

// ActivitySince returns activity rows of deviceID with TIMESTAMP > since,
// ordered by timestamp ascending.
//
// Returns an empty slice (not nil) if no rows match.
func (s *Store) ActivitySince(ctx context.Context, deviceID, since int64) ([]ActivityRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TIMESTAMP, STEPS, CALORIES, DISTANCE
		FROM COLMI_ACTIVITY_SAMPLE
		WHERE DEVICE_ID = ? AND TIMESTAMP > ?
		ORDER BY TIMESTAMP ASC
	`, deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("query activity samples: %w", err)
	}
	defer rows.Close()

	result := []ActivityRow{}
	for rows.Next() {
		var r ActivityRow
		if err := rows.Scan(&r.Timestamp, &r.Steps, &r.Calories, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan activity sample: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity samples: %w", err)
	}
	return result, nil
}
