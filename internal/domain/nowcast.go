package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// SensorReading is one sensor's estimate of wILI for a location and epiweek.
type SensorReading struct {
	Name     string       `json:"name"`
	Location string       `json:"location"`
	Epiweek  epiweek.Week `json:"epiweek"`
	Value    float64      `json:"value"`
}

// Nowcast is a fused wILI estimate with uncertainty for one location and epiweek.
type Nowcast struct {
	ID         string       `json:"id"`
	Location   string       `json:"location"`
	Epiweek    epiweek.Week `json:"epiweek"`
	Value      float64      `json:"value"`
	Stdev      float64      `json:"std"`
	ProducedAt time.Time    `json:"produced_at"`
}

// NewNowcast builds a Nowcast with a deterministic ID and the production time
// stamped from the package clock. Successive runs for the same location and
// epiweek produce the same ID, so downstream upserts replace stale estimates
// instead of accumulating duplicates.
func NewNowcast(location string, week epiweek.Week, value, stdev float64) Nowcast {
	return Nowcast{
		ID:         nowcastID(location, week),
		Location:   location,
		Epiweek:    week,
		Value:      value,
		Stdev:      stdev,
		ProducedAt: clock.Now().UTC(),
	}
}

// nowcastID produces a deterministic ID from the nowcast's natural key.
// The epiweek and location fully identify an estimate; value and stdev are
// deliberately excluded so revised estimates keep the same ID.
func nowcastID(location string, week epiweek.Week) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", location, week)))
	return "nowcast-" + hex.EncodeToString(hash[:8])
}
