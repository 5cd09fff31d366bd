package nowcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/geo"
)

type fakeTruthAPI struct {
	fluview     func(region string, from, to epiweek.Week) ([]epidata.FluviewRow, error)
	recentIssue func(asOf epiweek.Week) (epiweek.Week, error)
}

func (f *fakeTruthAPI) Fluview(ctx context.Context, region string, from, to epiweek.Week) ([]epidata.FluviewRow, error) {
	if f.fluview == nil {
		return nil, nil
	}
	return f.fluview(region, from, to)
}

func (f *fakeTruthAPI) MostRecentIssue(ctx context.Context, asOf epiweek.Week) (epiweek.Week, error) {
	if f.recentIssue == nil {
		return 0, fmt.Errorf("no issue data")
	}
	return f.recentIssue(asOf)
}

type fakeReadingStore struct {
	readings []domain.SensorReading
	err      error
}

func (f *fakeReadingStore) ListSensorReadings(ctx context.Context, first, last epiweek.Week) ([]domain.SensorReading, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.SensorReading
	for _, r := range f.readings {
		if r.Epiweek >= first && r.Epiweek <= last {
			out = append(out, r)
		}
	}
	return out, nil
}

func freezeClock(t *testing.T, at time.Time) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(at))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func TestPrefetchLoadsTruthAndReadings(t *testing.T) {
	freezeClock(t, time.Date(2015, time.November, 18, 12, 0, 0, 0, time.UTC))

	var fetched []string
	api := &fakeTruthAPI{
		recentIssue: func(asOf epiweek.Week) (epiweek.Week, error) { return 201545, nil },
		fluview: func(region string, from, to epiweek.Week) ([]epidata.FluviewRow, error) {
			fetched = append(fetched, region)
			assert.Equal(t, FirstDataWeek, from)
			assert.Equal(t, epiweek.Week(201546), to)
			switch region {
			case "nat":
				return []epidata.FluviewRow{
					{Region: "nat", Epiweek: 201540, NumProviders: 100, WILI: 2.5},
				}, nil
			case "pa":
				return []epidata.FluviewRow{
					{Region: "pa", Epiweek: 201540, NumProviders: 10, WILI: 1.8},
				}, nil
			case "vi":
				return []epidata.FluviewRow{
					{Region: "vi", Epiweek: 201540, NumProviders: 0, WILI: 3.9},
				}, nil
			default:
				return nil, nil
			}
		},
	}
	store := &fakeReadingStore{readings: []domain.SensorReading{
		{Name: "gft", Location: "nat", Epiweek: 201540, Value: 2.2},
		{Name: "gft", Location: "tx", Epiweek: 201540, Value: 9.9},
		{Name: "bogus", Location: "nat", Epiweek: 201540, Value: 1.0},
	}}
	src := NewFluDataSource(api, store, []string{"gft"}, []string{"nat", "pa"}, testLogger())

	require.NoError(t, src.Prefetch(context.Background(), 201546))
	assert.Len(t, fetched, len(geo.RegionList()))
	assert.Equal(t, epiweek.Range(FirstDataWeek, 201545), src.Weeks())

	v, ok := src.Truth(201540, "nat")
	assert.True(t, ok)
	assert.Equal(t, 2.5, v)
	v, ok = src.Truth(201540, "pa")
	assert.True(t, ok)
	assert.Equal(t, 1.8, v)

	// Zero providers means no signal, not a zero reading.
	_, ok = src.Truth(201540, "vi")
	assert.False(t, ok)
	_, ok = src.Truth(201541, "nat")
	assert.False(t, ok)

	v, ok = src.Sensor(201540, "nat", "gft")
	assert.True(t, ok)
	assert.Equal(t, 2.2, v)

	// Withheld locations and unknown sensors stay missing.
	_, ok = src.Sensor(201540, "tx", "gft")
	assert.False(t, ok)
	_, ok = src.Sensor(201540, "nat", "bogus")
	assert.False(t, ok)
}

func TestPrefetchFluviewError(t *testing.T) {
	freezeClock(t, time.Date(2015, time.November, 18, 12, 0, 0, 0, time.UTC))

	api := &fakeTruthAPI{
		recentIssue: func(asOf epiweek.Week) (epiweek.Week, error) { return 201545, nil },
		fluview: func(region string, from, to epiweek.Week) ([]epidata.FluviewRow, error) {
			if region == "hhs3" {
				return nil, fmt.Errorf("boom")
			}
			return nil, nil
		},
	}
	src := NewFluDataSource(api, &fakeReadingStore{}, DefaultSensors, geo.RegionList(), testLogger())
	err := src.Prefetch(context.Background(), 201546)
	assert.ErrorContains(t, err, "prefetching truth for hhs3")
}

func TestPrefetchStoreError(t *testing.T) {
	freezeClock(t, time.Date(2015, time.November, 18, 12, 0, 0, 0, time.UTC))

	api := &fakeTruthAPI{
		recentIssue: func(asOf epiweek.Week) (epiweek.Week, error) { return 201545, nil },
	}
	store := &fakeReadingStore{err: fmt.Errorf("database locked")}
	src := NewFluDataSource(api, store, DefaultSensors, geo.RegionList(), testLogger())
	err := src.Prefetch(context.Background(), 201546)
	assert.ErrorContains(t, err, "loading sensor readings")
}

func TestResolveWeeksCachesIssue(t *testing.T) {
	frozen := time.Date(2015, time.November, 18, 12, 0, 0, 0, time.UTC)
	freezeClock(t, frozen)

	calls := 0
	var gotAsOf epiweek.Week
	api := &fakeTruthAPI{
		recentIssue: func(asOf epiweek.Week) (epiweek.Week, error) {
			calls++
			gotAsOf = asOf
			return 201544, nil
		},
	}
	src := NewFluDataSource(api, &fakeReadingStore{}, DefaultSensors, geo.RegionList(), testLogger())

	weeks, err := src.ResolveWeeks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epiweek.Range(FirstDataWeek, 201544), weeks)
	assert.Equal(t, epiweek.FromTime(frozen), gotAsOf)

	_, err = src.ResolveWeeks(context.Background())
	require.NoError(t, err)
	require.NoError(t, src.Prefetch(context.Background(), 201545))
	assert.Equal(t, 1, calls)
}

func TestResolveWeeksIssueError(t *testing.T) {
	freezeClock(t, time.Date(2015, time.November, 18, 12, 0, 0, 0, time.UTC))

	src := NewFluDataSource(&fakeTruthAPI{}, &fakeReadingStore{}, DefaultSensors, geo.RegionList(), testLogger())
	_, err := src.ResolveWeeks(context.Background())
	assert.ErrorContains(t, err, "finding most recent issue")
}

func TestMissingLocations(t *testing.T) {
	src := NewFluDataSource(&fakeTruthAPI{}, &fakeReadingStore{}, DefaultSensors, geo.RegionList(), testLogger())

	// One reporting atom: everything else is missing.
	src.truth[truthKey{201540, "pa"}] = 1.0
	missing := src.MissingLocations(201540)
	assert.Len(t, missing, len(geo.Atoms())-1)
	assert.NotContains(t, missing, "pa")
	assert.Contains(t, missing, "tx")

	// No atom truth at all: the week is pending, nothing is missing.
	assert.Empty(t, src.MissingLocations(201541))

	// Aggregate truth does not make a week reported.
	src.truth[truthKey{201542, "nat"}] = 2.0
	assert.Empty(t, src.MissingLocations(201542))

	// Every atom reporting: nothing is missing.
	for _, atom := range geo.Atoms() {
		src.truth[truthKey{201543, atom}] = 1.0
	}
	assert.Empty(t, src.MissingLocations(201543))
}

func TestDataSourceAccessors(t *testing.T) {
	sensors := []string{"twtr", "cdc"}
	src := NewFluDataSource(&fakeTruthAPI{}, &fakeReadingStore{}, sensors, []string{"nat"}, testLogger())

	assert.Equal(t, geo.RegionList(), src.Locations())
	assert.Equal(t, sensors, src.Sensors())
	assert.Empty(t, src.Weeks())
	assert.Equal(t,
		[]string{"gft", "ght", "twtr", "wiki", "cdc", "epic", "sar3", "arch"},
		DefaultSensors)
}
