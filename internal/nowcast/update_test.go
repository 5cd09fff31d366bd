package nowcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/observability"
)

type fakeNowcastStore struct {
	nowcasts    []domain.Nowcast
	lastUpdated time.Time
	insertErr   error
	stampErr    error
}

func (f *fakeNowcastStore) InsertNowcast(ctx context.Context, nc domain.Nowcast) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.nowcasts = append(f.nowcasts, nc)
	return nil
}

func (f *fakeNowcastStore) SetLastUpdated(ctx context.Context, at time.Time) error {
	if f.stampErr != nil {
		return f.stampErr
	}
	f.lastUpdated = at
	return nil
}

type fakePublisher struct {
	published []domain.Nowcast
	err       error
}

func (f *fakePublisher) PublishNowcast(ctx context.Context, nc domain.Nowcast) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, nc)
	return nil
}

// natTruth is the national wILI series backing the update scenario.
func natTruth(week epiweek.Week) float64 {
	return 2 + 0.1*float64(week.Sub(201510))
}

// newUpdateScenario wires an Update over ten weeks of national truth
// (201510 through 201519, the most recent issue) and gft readings running
// one week further, each a constant 0.5 above truth.
func newUpdateScenario(store *fakeNowcastStore, pub Publisher) *Update {
	api := &fakeTruthAPI{
		recentIssue: func(asOf epiweek.Week) (epiweek.Week, error) { return 201519, nil },
		fluview: func(region string, from, to epiweek.Week) ([]epidata.FluviewRow, error) {
			if region != "nat" {
				return nil, nil
			}
			var rows []epidata.FluviewRow
			for _, w := range epiweek.Range(201510, 201519) {
				rows = append(rows, epidata.FluviewRow{
					Region: "nat", Epiweek: w, NumProviders: 100, WILI: natTruth(w),
				})
			}
			return rows, nil
		},
	}
	var readings []domain.SensorReading
	for _, w := range epiweek.Range(201510, 201520) {
		readings = append(readings, domain.SensorReading{
			Name: "gft", Location: "nat", Epiweek: w, Value: natTruth(w) + 0.5,
		})
	}
	source := NewFluDataSource(api, &fakeReadingStore{readings: readings},
		[]string{"gft"}, []string{"nat"}, testLogger())
	caster := New(source, nil, testLogger(), observability.NewMetricsForTesting())
	return NewUpdate(source, caster, store, pub, testLogger(), observability.NewMetricsForTesting())
}

func TestUpdateRunDefaultRange(t *testing.T) {
	frozen := time.Date(2015, time.May, 20, 12, 0, 0, 0, time.UTC)
	freezeClock(t, frozen)

	store := &fakeNowcastStore{}
	pub := &fakePublisher{}
	u := newUpdateScenario(store, pub)

	require.NoError(t, u.Run(context.Background(), 0, 0))

	// The default range repeats the most recent issue and adds the week
	// beyond it.
	require.Len(t, store.nowcasts, 2)
	for i, week := range []epiweek.Week{201519, 201520} {
		nc := store.nowcasts[i]
		assert.Equal(t, "nat", nc.Location)
		assert.Equal(t, week, nc.Epiweek)
		// A single sensor passes its reading through the fusion kernel
		// untouched, with the noise history setting the uncertainty.
		assert.InDelta(t, natTruth(week)+0.5, nc.Value, 1e-9)
		assert.InDelta(t, 0.5, nc.Stdev, 1e-6)
		assert.NotEmpty(t, nc.ID)
	}
	assert.Equal(t, store.nowcasts, pub.published)
	assert.True(t, store.lastUpdated.Equal(frozen))
}

func TestUpdateRunExplicitRange(t *testing.T) {
	freezeClock(t, time.Date(2015, time.May, 20, 12, 0, 0, 0, time.UTC))

	store := &fakeNowcastStore{}
	u := newUpdateScenario(store, nil)

	require.NoError(t, u.Run(context.Background(), 201517, 201518))
	require.Len(t, store.nowcasts, 2)
	assert.Equal(t, epiweek.Week(201517), store.nowcasts[0].Epiweek)
	assert.Equal(t, epiweek.Week(201518), store.nowcasts[1].Epiweek)
}

func TestUpdateRunIssueError(t *testing.T) {
	freezeClock(t, time.Date(2015, time.May, 20, 12, 0, 0, 0, time.UTC))

	api := &fakeTruthAPI{}
	source := NewFluDataSource(api, &fakeReadingStore{}, []string{"gft"}, []string{"nat"}, testLogger())
	caster := New(source, nil, testLogger(), observability.NewMetricsForTesting())
	u := NewUpdate(source, caster, &fakeNowcastStore{}, nil, testLogger(), observability.NewMetricsForTesting())

	err := u.Run(context.Background(), 0, 0)
	assert.ErrorContains(t, err, "finding most recent issue")
}

func TestUpdateRunStoreError(t *testing.T) {
	freezeClock(t, time.Date(2015, time.May, 20, 12, 0, 0, 0, time.UTC))

	store := &fakeNowcastStore{insertErr: fmt.Errorf("disk full")}
	u := newUpdateScenario(store, nil)

	err := u.Run(context.Background(), 0, 0)
	assert.ErrorContains(t, err, "storing nowcast for nat on 201519")
}

func TestUpdateRunStampError(t *testing.T) {
	freezeClock(t, time.Date(2015, time.May, 20, 12, 0, 0, 0, time.UTC))

	store := &fakeNowcastStore{stampErr: fmt.Errorf("disk full")}
	u := newUpdateScenario(store, nil)

	err := u.Run(context.Background(), 0, 0)
	assert.ErrorContains(t, err, "stamping update time")
	assert.Len(t, store.nowcasts, 2)
}

func TestUpdateRunPublishFailureDoesNotAbort(t *testing.T) {
	freezeClock(t, time.Date(2015, time.May, 20, 12, 0, 0, 0, time.UTC))

	store := &fakeNowcastStore{}
	pub := &fakePublisher{err: fmt.Errorf("broker down")}
	u := newUpdateScenario(store, pub)

	require.NoError(t, u.Run(context.Background(), 0, 0))
	assert.Len(t, store.nowcasts, 2)
	assert.Empty(t, pub.published)
}

func TestUpdateRunNoReadings(t *testing.T) {
	freezeClock(t, time.Date(2015, time.May, 20, 12, 0, 0, 0, time.UTC))

	api := &fakeTruthAPI{
		recentIssue: func(asOf epiweek.Week) (epiweek.Week, error) { return 201519, nil },
	}
	source := NewFluDataSource(api, &fakeReadingStore{}, []string{"gft"}, []string{"nat"}, testLogger())
	caster := New(source, nil, testLogger(), observability.NewMetricsForTesting())
	u := NewUpdate(source, caster, &fakeNowcastStore{}, nil, testLogger(), observability.NewMetricsForTesting())

	err := u.Run(context.Background(), 0, 0)
	assert.ErrorContains(t, err, "no usable sensor readings")
}
