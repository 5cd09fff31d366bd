package sensor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/observability"
	"github.com/couchcryptid/flu-nowcast/internal/pipeline"
)

type fakeStore struct {
	readings  []domain.SensorReading
	recent    epiweek.Week
	insertErr error
	recentErr error
}

func (f *fakeStore) InsertSensorReading(_ context.Context, r domain.SensorReading) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeStore) MostRecentSensorWeek(context.Context, string, string) (epiweek.Week, error) {
	return f.recent, f.recentErr
}

// epicastAPI answers every epicast fit for nat with the train week's number,
// so each stored reading identifies the week it was fit from.
func epicastAPI() *fakeAPI {
	return &fakeAPI{
		delphi: func(system string, week epiweek.Week) (*epidata.Forecast, error) {
			return &epidata.Forecast{Data: map[string]epidata.ForecastLocation{
				"nat": {X1: epidata.ForecastPoint{Point: float64(week)}},
			}}, nil
		},
	}
}

func newTestUpdate(api *fakeAPI, store Store) *Update {
	fitter := NewSensors(api, "", testLogger())
	opts := pipeline.Options{MaxAttempts: 1, InitialBackoff: time.Millisecond}
	return NewUpdate(fitter, store, false, opts, testLogger(), observability.NewMetricsForTesting())
}

func TestParsePairs(t *testing.T) {
	pairs, err := ParsePairs("gft-nat,twtr-hhs,sar3-ny_state")
	require.NoError(t, err)
	assert.Equal(t, []Pair{
		{Name: "gft", Location: "nat"},
		{Name: "twtr", Location: "hhs"},
		{Name: "sar3", Location: "ny_state"},
	}, pairs)

	for _, bad := range []string{"gftnat", "gft-", "-nat", "gft-nat-extra", "gft-nat,"} {
		_, err := ParsePairs(bad)
		assert.Error(t, err, "input %q", bad)
		assert.Contains(t, err.Error(), "invalid sensor specification")
	}
}

func TestUpdateRunResumesFromStore(t *testing.T) {
	frozen := time.Date(2015, time.May, 20, 12, 0, 0, 0, time.UTC)
	domain.SetClock(clockwork.NewFakeClockAt(frozen))
	defer domain.SetClock(nil)

	api := epicastAPI()
	api.recentIssue = func(asOf epiweek.Week) (epiweek.Week, error) {
		assert.Equal(t, epiweek.FromTime(frozen), asOf)
		return 201520, nil
	}
	store := &fakeStore{recent: 201518}
	u := newTestUpdate(api, store)

	err := u.Run(context.Background(), []Pair{{Name: "epic", Location: "nat"}}, 0, 0)
	require.NoError(t, err)

	// Resumes at the stored week and runs one week past the latest issue.
	require.Len(t, store.readings, 4)
	for i, r := range store.readings {
		week := epiweek.Week(201518).Add(i)
		assert.Equal(t, domain.SensorReading{
			Name:     "epic",
			Location: "nat",
			Epiweek:  week,
			Value:    float64(week.Add(-1)),
		}, r)
	}
}

func TestUpdateRunDefaultFirstWeek(t *testing.T) {
	store := &fakeStore{}
	u := newTestUpdate(epicastAPI(), store)

	err := u.Run(context.Background(), []Pair{{Name: "epic", Location: "nat"}}, 0, 201041)
	require.NoError(t, err)
	require.Len(t, store.readings, 2)
	assert.Equal(t, epiweek.Week(201040), store.readings[0].Epiweek)
	assert.Equal(t, epiweek.Week(201041), store.readings[1].Epiweek)
}

func TestUpdateRunExplicitRange(t *testing.T) {
	// With both endpoints given, neither the issue API nor the store's last
	// reading is consulted.
	store := &fakeStore{recentErr: errors.New("should not be called")}
	u := newTestUpdate(epicastAPI(), store)

	err := u.Run(context.Background(), []Pair{{Name: "epic", Location: "nat"}}, 201519, 201520)
	require.NoError(t, err)
	require.Len(t, store.readings, 2)
	assert.Equal(t, epiweek.Week(201519), store.readings[0].Epiweek)
	assert.Equal(t, epiweek.Week(201520), store.readings[1].Epiweek)
}

func TestUpdateRunExpandsLocationGroup(t *testing.T) {
	api := &fakeAPI{
		delphi: func(system string, week epiweek.Week) (*epidata.Forecast, error) {
			data := make(map[string]epidata.ForecastLocation)
			for i := 1; i <= 10; i++ {
				data[fmt.Sprintf("hhs%d", i)] = epidata.ForecastLocation{X1: epidata.ForecastPoint{Point: float64(i)}}
			}
			return &epidata.Forecast{Data: data}, nil
		},
	}
	store := &fakeStore{}
	u := newTestUpdate(api, store)

	err := u.Run(context.Background(), []Pair{{Name: "epic", Location: "hhs"}}, 201520, 201520)
	require.NoError(t, err)
	require.Len(t, store.readings, 10)
	for i, r := range store.readings {
		assert.Equal(t, fmt.Sprintf("hhs%d", i+1), r.Location)
		assert.Equal(t, float64(i+1), r.Value)
	}
}

func TestUpdateRunSkipsFitFailures(t *testing.T) {
	api := &fakeAPI{
		gft: func(string, epiweek.Week, epiweek.Week) ([]epidata.GFTRow, error) {
			return nil, errors.New("gft is down")
		},
	}
	store := &fakeStore{}
	u := newTestUpdate(api, store)

	err := u.Run(context.Background(), []Pair{{Name: "gft", Location: "nat"}}, 201519, 201520)
	require.NoError(t, err)
	assert.Empty(t, store.readings)
}

func TestUpdateRunStoreErrorAborts(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("disk full")}
	u := newTestUpdate(epicastAPI(), store)

	err := u.Run(context.Background(), []Pair{{Name: "epic", Location: "nat"}}, 201519, 201520)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storing epic-nat reading for 201519")
}

func TestUpdateRunStoreLookupError(t *testing.T) {
	store := &fakeStore{recentErr: errors.New("db locked")}
	u := newTestUpdate(epicastAPI(), store)

	err := u.Run(context.Background(), []Pair{{Name: "epic", Location: "nat"}}, 0, 201520)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finding last epic-nat reading")
}

func TestUpdateRunUnknownLocation(t *testing.T) {
	u := newTestUpdate(epicastAPI(), &fakeStore{})

	err := u.Run(context.Background(), []Pair{{Name: "epic", Location: "narnia"}}, 201519, 201520)
	assert.ErrorIs(t, err, ErrUnknownLocation)
}

func TestUpdateRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	u := newTestUpdate(epicastAPI(), &fakeStore{})

	err := u.Run(ctx, []Pair{{Name: "epic", Location: "nat"}}, 201519, 201520)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpdateProgress(t *testing.T) {
	u := newTestUpdate(epicastAPI(), &fakeStore{})

	stored, last, ready := u.Progress()
	assert.False(t, ready)
	assert.Zero(t, stored)
	assert.Empty(t, last)

	err := u.Run(context.Background(), []Pair{{Name: "epic", Location: "nat"}}, 201519, 201520)
	require.NoError(t, err)

	stored, last, ready = u.Progress()
	assert.True(t, ready)
	assert.EqualValues(t, 2, stored)
	assert.Equal(t, "epic-nat@201520", last)
}
