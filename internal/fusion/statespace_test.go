package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flu-nowcast/internal/geo"
)

func TestDetermineStatespaceUS(t *testing.T) {
	t.Run("all locations reporting", func(t *testing.T) {
		inputs := geo.RegionList()
		ss, err := DetermineStatespace(inputs, 0, nil)
		require.NoError(t, err)

		// With every atom reporting, statespace is the atoms themselves and
		// every location is an output.
		assert.Equal(t, geo.RegionList(), ss.Outputs)
		hRows, hCols := ss.H.Dims()
		wRows, wCols := ss.W.Dims()
		assert.Equal(t, len(inputs), hRows)
		assert.Equal(t, len(ss.Outputs), wRows)
		assert.Equal(t, hCols, wCols)
		assert.Equal(t, 54, hCols)
	})

	t.Run("national and regional only", func(t *testing.T) {
		var inputs []string
		inputs = append(inputs, "nat")
		inputs = append(inputs, geo.HHSRegions()...)
		inputs = append(inputs, geo.CensusRegions()...)

		ss, err := DetermineStatespace(inputs, 0, nil)
		require.NoError(t, err)

		_, hCols := ss.H.Dims()
		assert.Less(t, hCols, len(inputs), "regions overlap, so the latent space is smaller")
		assert.Greater(t, len(ss.Outputs), len(inputs))

		// Pennsylvania is the difference of census division 2 and HHS region
		// 2, so it is inferable; Texas is not.
		assert.Contains(t, ss.Outputs, "pa")
		assert.NotContains(t, ss.Outputs, "tx")
	})

	t.Run("hhs2 atoms", func(t *testing.T) {
		ss, err := DetermineStatespace([]string{"nj", "ny", "jfk", "pr", "vi"}, 0, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"nj", "ny", "jfk", "pr", "vi", "hhs2", "ny_state"}, ss.Outputs)
		// Outputs follow canonical order: regions before atoms, late joiners
		// last.
		assert.Equal(t, []string{"hhs2", "ny_state", "nj", "ny", "jfk", "pr", "vi"}, ss.Outputs)
		_, hCols := ss.H.Dims()
		assert.Equal(t, 5, hCols)
	})

	t.Run("hhs2 missing territories", func(t *testing.T) {
		ss, err := DetermineStatespace([]string{"hhs2", "nj", "ny", "jfk"}, 0, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"hhs2", "nj", "ny", "jfk", "ny_state"}, ss.Outputs)
		_, hCols := ss.H.Dims()
		assert.Equal(t, 4, hCols)
	})

	t.Run("hhs2 missing new york atoms", func(t *testing.T) {
		ss, err := DetermineStatespace([]string{"nj", "ny_state", "pr", "vi"}, 0, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"nj", "ny_state", "pr", "vi", "hhs2"}, ss.Outputs)
		_, hCols := ss.H.Dims()
		assert.Equal(t, 4, hCols)
	})

	t.Run("new york inferable from its parts", func(t *testing.T) {
		ss, err := DetermineStatespace([]string{"jfk", "ny"}, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"ny_state", "ny", "jfk"}, ss.Outputs)
	})

	t.Run("input excluded directly", func(t *testing.T) {
		_, err := DetermineStatespace([]string{"ar", "la"}, 0, []string{"ar"})
		require.Error(t, err)
	})

	t.Run("input excluded indirectly", func(t *testing.T) {
		atoms, err := geo.AtomsOf("hhs2", 0)
		require.NoError(t, err)
		_, err = DetermineStatespace([]string{"hhs2"}, 0, atoms)
		require.Error(t, err, "every atom of the input is excluded")
	})

	t.Run("excluded atoms renormalize regions", func(t *testing.T) {
		ss, err := DetermineStatespace([]string{"ar", "la"}, 0, []string{"nm", "ok", "tx"})
		require.NoError(t, err)
		assert.Equal(t, []string{"hhs6", "cen7", "ar", "la"}, ss.Outputs)
	})

	t.Run("territories by season", func(t *testing.T) {
		_, err := DetermineStatespace([]string{"pr"}, 2013, nil)
		require.NoError(t, err)
		_, err = DetermineStatespace([]string{"pr"}, 2012, nil)
		require.Error(t, err, "puerto rico did not report before the 2013 season")

		_, err = DetermineStatespace([]string{"vi"}, 2015, nil)
		require.NoError(t, err)
		_, err = DetermineStatespace([]string{"vi"}, 2014, nil)
		require.Error(t, err, "virgin islands did not report before the 2015 season")
	})

	t.Run("results are cached", func(t *testing.T) {
		inputs := []string{"ca", "or", "wa"}
		first, err := DetermineStatespace(inputs, 2016, nil)
		require.NoError(t, err)
		second, err := DetermineStatespace([]string{"ca", "or", "wa"}, 2016, nil)
		require.NoError(t, err)
		assert.Same(t, first, second)

		// A different season is a different entry.
		third, err := DetermineStatespace(inputs, 2017, nil)
		require.NoError(t, err)
		assert.NotSame(t, first, third)
	})
}
