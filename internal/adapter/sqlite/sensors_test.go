package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flu-nowcast/internal/domain"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

func insertReading(t *testing.T, store *Store, name, location string, week epiweek.Week, value float64) {
	t.Helper()
	require.NoError(t, store.InsertSensorReading(context.Background(), domain.SensorReading{
		Name: name, Location: location, Epiweek: week, Value: value,
	}))
}

func TestInsertSensorReadingUpserts(t *testing.T) {
	store := openTestStore(t, newTestPaths(t))
	ctx := context.Background()

	insertReading(t, store, "gft", "pa", 201510, 1.5)
	insertReading(t, store, "gft", "pa", 201510, 2.5)

	readings, err := store.ListSensorReadings(ctx, 201501, 201552)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, domain.SensorReading{
		Name: "gft", Location: "pa", Epiweek: 201510, Value: 2.5,
	}, readings[0])
}

func TestMostRecentSensorWeek(t *testing.T) {
	store := openTestStore(t, newTestPaths(t))
	ctx := context.Background()

	week, err := store.MostRecentSensorWeek(ctx, "gft", "nat")
	require.NoError(t, err)
	assert.Zero(t, week)

	for _, w := range []epiweek.Week{201510, 201512, 201511} {
		insertReading(t, store, "gft", "nat", w, 1)
	}
	insertReading(t, store, "gft", "pa", 201520, 1)
	insertReading(t, store, "twtr", "nat", 201530, 1)

	week, err = store.MostRecentSensorWeek(ctx, "gft", "nat")
	require.NoError(t, err)
	assert.Equal(t, epiweek.Week(201512), week)
}

func TestListSensorReadingsRange(t *testing.T) {
	store := openTestStore(t, newTestPaths(t))
	ctx := context.Background()

	insertReading(t, store, "twtr", "nat", 201509, 3.0)
	insertReading(t, store, "gft", "pa", 201510, 2.0)
	insertReading(t, store, "gft", "nat", 201510, 1.0)
	insertReading(t, store, "gft", "nat", 201508, 0.5)
	insertReading(t, store, "gft", "nat", 201512, 4.0)

	readings, err := store.ListSensorReadings(ctx, 201509, 201511)
	require.NoError(t, err)
	assert.Equal(t, []domain.SensorReading{
		{Name: "gft", Location: "nat", Epiweek: 201510, Value: 1.0},
		{Name: "gft", Location: "pa", Epiweek: 201510, Value: 2.0},
		{Name: "twtr", Location: "nat", Epiweek: 201509, Value: 3.0},
	}, readings)
}

func TestSensorWeeks(t *testing.T) {
	store := openTestStore(t, newTestPaths(t))
	ctx := context.Background()

	weeks, err := store.SensorWeeks(ctx, "gft", "nat")
	require.NoError(t, err)
	assert.Empty(t, weeks)

	for _, w := range []epiweek.Week{201512, 201510, 201511} {
		insertReading(t, store, "gft", "nat", w, 1)
	}
	insertReading(t, store, "gft", "pa", 201520, 1)
	insertReading(t, store, "twtr", "nat", 201521, 1)

	weeks, err = store.SensorWeeks(ctx, "gft", "nat")
	require.NoError(t, err)
	assert.Equal(t, []epiweek.Week{201510, 201511, 201512}, weeks)
}
