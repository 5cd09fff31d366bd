package epiweek

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinAndSplit(t *testing.T) {
	w := Join(2017, 40)
	assert.Equal(t, Week(201740), w)
	assert.Equal(t, 2017, w.Year())
	assert.Equal(t, 40, w.WeekOfYear())
	assert.Equal(t, "201740", w.String())
}

func TestParse(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		w, err := Parse("201552")
		require.NoError(t, err)
		assert.Equal(t, Week(201552), w)
	})

	t.Run("not a number", func(t *testing.T) {
		_, err := Parse("2015w52")
		require.Error(t, err)
	})

	t.Run("invalid week", func(t *testing.T) {
		_, err := Parse("201553")
		require.Error(t, err)
	})
}

func TestNumWeeks(t *testing.T) {
	// 2008 and 2014 are 53-week years under the MMWR convention.
	assert.Equal(t, 53, NumWeeks(2008))
	assert.Equal(t, 53, NumWeeks(2014))
	assert.Equal(t, 52, NumWeeks(2013))
	assert.Equal(t, 52, NumWeeks(2015))
	assert.Equal(t, 52, NumWeeks(2016))
	assert.Equal(t, 52, NumWeeks(2017))
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(201401))
	assert.NoError(t, Check(201453))
	assert.Error(t, Check(201553), "2015 has only 52 weeks")
	assert.Error(t, Check(201700))
	assert.Error(t, Check(42))
}

func TestFromTime(t *testing.T) {
	cases := []struct {
		date string
		want Week
	}{
		// Jan 1, 2016 was a Friday, so it falls in the last week of 2015.
		{"2016-01-01", 201552},
		{"2016-01-03", 201601},
		{"2015-01-04", 201501},
		{"2014-12-31", 201453},
		{"2017-10-04", 201740},
	}
	for _, tc := range cases {
		t.Run(tc.date, func(t *testing.T) {
			d, err := time.Parse("2006-01-02", tc.date)
			require.NoError(t, err)
			assert.Equal(t, tc.want, FromTime(d))
		})
	}
}

func TestStart(t *testing.T) {
	start := Week(201601).Start()
	assert.Equal(t, time.Date(2016, 1, 3, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Sunday, start.Weekday())
}

func TestAdd(t *testing.T) {
	cases := []struct {
		name string
		week Week
		n    int
		want Week
	}{
		{"within year", 201740, 12, 201752},
		{"across year boundary", 201752, 1, 201801},
		{"backwards across boundary", 201601, -1, 201552},
		{"into week 53", 201452, 1, 201453},
		{"out of week 53", 201453, 1, 201501},
		{"training window offset", 201740, -55, 201637},
		{"zero", 201740, 0, 201740},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.week.Add(tc.n))
		})
	}
}

func TestSub(t *testing.T) {
	assert.Equal(t, 1, Week(201601).Sub(201552))
	assert.Equal(t, -1, Week(201552).Sub(201601))
	assert.Equal(t, 0, Week(201740).Sub(201740))
	// Across the 53-week year 2014.
	assert.Equal(t, 53, Week(201501).Sub(201401))
}

func TestSeason(t *testing.T) {
	assert.Equal(t, 2017, Week(201740).Season())
	assert.Equal(t, 2017, Week(201839).Season())
	assert.Equal(t, 2017, Week(201752).Season())
	assert.Equal(t, 2016, Week(201739).Season())
}

func TestRange(t *testing.T) {
	t.Run("across year boundary", func(t *testing.T) {
		weeks := Range(201750, 201803)
		assert.Equal(t, []Week{201750, 201751, 201752, 201801, 201802, 201803}, weeks)
	})

	t.Run("single week", func(t *testing.T) {
		assert.Equal(t, []Week{201740}, Range(201740, 201740))
	})

	t.Run("reversed bounds", func(t *testing.T) {
		assert.Empty(t, Range(201740, 201739))
	})
}
