package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// updatedLocation marks the freshness meta row in the nowcasts table, keyed
// by epiweek 0. Its unix timestamp is split across value and std as
// t/100000 and t%100000, keeping each half small enough to survive a
// 32-bit float column.
const (
	updatedLocation = "updated"
	timestampSplit  = 100000
)

// InsertNowcast stores one nowcast, replacing any previous estimate for the
// same epiweek and location.
func (s *Store) InsertNowcast(ctx context.Context, nc domain.Nowcast) error {
	return s.upsertNowcast(ctx, int(nc.Epiweek), nc.Location, nc.Value, nc.Stdev)
}

func (s *Store) upsertNowcast(ctx context.Context, week int, location string, value, std float64) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx,
		`INSERT INTO nowcasts (epiweek, location, value, std) VALUES (?, ?, ?, ?)
         ON CONFLICT (epiweek, location) DO UPDATE SET value = excluded.value, std = excluded.std`,
		week, location, value, std,
	)
	if err != nil {
		return fmt.Errorf("insert nowcast: %w", err)
	}
	return nil
}

// ListNowcasts returns stored nowcasts ordered by epiweek and location. A
// zero first or last leaves that end of the range open; an empty location
// matches every location. The freshness meta row is never included. Listed
// nowcasts carry only the persisted columns; identity and production time
// are not stored.
func (s *Store) ListNowcasts(ctx context.Context, first, last epiweek.Week, location string) ([]domain.Nowcast, error) {
	query := `SELECT epiweek, location, value, std FROM nowcasts WHERE location <> ?`
	args := []any{updatedLocation}
	if first != 0 {
		query += ` AND epiweek >= ?`
		args = append(args, int(first))
	}
	if last != 0 {
		query += ` AND epiweek <= ?`
		args = append(args, int(last))
	}
	if location != "" {
		query += ` AND location = ?`
		args = append(args, location)
	}
	query += ` ORDER BY epiweek, location`

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nowcasts: %w", err)
	}
	defer rows.Close()

	var nowcasts []domain.Nowcast
	for rows.Next() {
		var (
			nc   domain.Nowcast
			week int
		)
		if err := rows.Scan(&week, &nc.Location, &nc.Value, &nc.Stdev); err != nil {
			return nil, fmt.Errorf("scan nowcast: %w", err)
		}
		nc.Epiweek = epiweek.Week(week)
		nowcasts = append(nowcasts, nc)
	}
	return nowcasts, rows.Err()
}

// SetLastUpdated stamps the time of the most recent nowcast update.
func (s *Store) SetLastUpdated(ctx context.Context, t time.Time) error {
	unix := t.Unix()
	return s.upsertNowcast(ctx, 0, updatedLocation,
		float64(unix/timestampSplit), float64(unix%timestampSplit))
}

// LastUpdated returns the time of the most recent nowcast update, or the
// zero time when the database has never been stamped.
func (s *Store) LastUpdated(ctx context.Context) (time.Time, error) {
	var value, std float64
	err := s.conn().QueryRowContext(ctx,
		`SELECT value, std FROM nowcasts WHERE epiweek = 0 AND location = ?`,
		updatedLocation,
	).Scan(&value, &std)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last update time: %w", err)
	}
	return time.Unix(int64(value)*timestampSplit+int64(std), 0).UTC(), nil
}
