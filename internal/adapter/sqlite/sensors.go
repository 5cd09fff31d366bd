package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// InsertSensorReading stores one reading, replacing any previous reading for
// the same sensor, epiweek, and location.
func (s *Store) InsertSensorReading(ctx context.Context, reading domain.SensorReading) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx,
		`INSERT INTO sensors (name, epiweek, location, value) VALUES (?, ?, ?, ?)
         ON CONFLICT (name, epiweek, location) DO UPDATE SET value = excluded.value`,
		reading.Name, int(reading.Epiweek), reading.Location, reading.Value,
	)
	if err != nil {
		return fmt.Errorf("insert sensor reading: %w", err)
	}
	return nil
}

// MostRecentSensorWeek returns the latest epiweek with a stored reading for
// the sensor and location, or zero when there is none.
func (s *Store) MostRecentSensorWeek(ctx context.Context, name, location string) (epiweek.Week, error) {
	var week sql.NullInt64
	err := s.conn().QueryRowContext(ctx,
		`SELECT max(epiweek) FROM sensors WHERE name = ? AND location = ?`,
		name, location,
	).Scan(&week)
	if err != nil {
		return 0, fmt.Errorf("query most recent sensor week: %w", err)
	}
	if !week.Valid {
		return 0, nil
	}
	return epiweek.Week(week.Int64), nil
}

// ListSensorReadings returns every reading with first <= epiweek <= last,
// ordered by sensor, location, and week.
func (s *Store) ListSensorReadings(ctx context.Context, first, last epiweek.Week) ([]domain.SensorReading, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT name, epiweek, location, value FROM sensors
         WHERE epiweek BETWEEN ? AND ? ORDER BY name, location, epiweek`,
		int(first), int(last),
	)
	if err != nil {
		return nil, fmt.Errorf("list sensor readings: %w", err)
	}
	defer rows.Close()

	var readings []domain.SensorReading
	for rows.Next() {
		var (
			r    domain.SensorReading
			week int
		)
		if err := rows.Scan(&r.Name, &week, &r.Location, &r.Value); err != nil {
			return nil, fmt.Errorf("scan sensor reading: %w", err)
		}
		r.Epiweek = epiweek.Week(week)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// SensorWeeks returns the sorted epiweeks with a stored reading for the
// sensor and location.
func (s *Store) SensorWeeks(ctx context.Context, name, location string) ([]epiweek.Week, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT epiweek FROM sensors WHERE name = ? AND location = ? ORDER BY epiweek`,
		name, location,
	)
	if err != nil {
		return nil, fmt.Errorf("list sensor weeks: %w", err)
	}
	defer rows.Close()

	var weeks []epiweek.Week
	for rows.Next() {
		var week int
		if err := rows.Scan(&week); err != nil {
			return nil, fmt.Errorf("scan sensor week: %w", err)
		}
		weeks = append(weeks, epiweek.Week(week))
	}
	return weeks, rows.Err()
}
