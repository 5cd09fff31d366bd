package fusion

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/couchcryptid/flu-nowcast/internal/cache"
	"github.com/couchcryptid/flu-nowcast/internal/geo"
)

// Statespace relates sensor inputs and nowcast outputs through a common
// latent state. H maps statespace to input space (one row per sensor
// reading), W maps statespace to output space, and Outputs names the rows of
// W in canonical region order.
type Statespace struct {
	H       *mat.Dense
	W       *mat.Dense
	Outputs []string
}

// statespaceCacheSize bounds the cache below. Reporting location sets recur
// week after week, so a handful of entries covers a whole batch run.
const statespaceCacheSize = 16

var statespaceCache = cache.NewLRU[string, *Statespace](statespaceCacheSize)

// DetermineStatespace builds the statespace for the given sensor locations.
// Inputs may repeat when several sensors cover one location. Excluded atoms
// are removed from statespace entirely, and region weights renormalize over
// the remaining reporters; supplying an excluded location as an input is an
// error. A season of zero means current-season population weights.
//
// Results are cached by exact argument list and shared; callers must not
// modify the returned matrices.
func DetermineStatespace(inputs []string, season int, excludes []string) (*Statespace, error) {
	key := statespaceKey(inputs, season, excludes)
	if ss, ok := statespaceCache.Get(key); ok {
		return ss, nil
	}
	ss, err := buildStatespace(inputs, season, excludes)
	if err != nil {
		return nil, err
	}
	statespaceCache.Put(key, ss)
	return ss, nil
}

func buildStatespace(inputs []string, season int, excludes []string) (*Statespace, error) {
	excluded := make(map[string]bool, len(excludes))
	for _, loc := range excludes {
		excluded[loc] = true
	}
	for _, loc := range inputs {
		if excluded[loc] {
			return nil, fmt.Errorf("input location %q is excluded", loc)
		}
	}

	// Statespace columns: atoms that reported in the season and are not
	// excluded.
	var columns []string
	for _, a := range geo.Atoms() {
		if !excluded[a] && geo.Available(a, season) {
			columns = append(columns, a)
		}
	}

	h0, err := weightMatrix(inputs, season, columns)
	if err != nil {
		return nil, err
	}

	// Candidate outputs: every known location, except excluded atoms and
	// locations left with no reporting atoms at all (e.g. territories before
	// they joined ILINet).
	var outputs []string
	var w0 [][]*big.Rat
	for _, loc := range geo.RegionList() {
		if excluded[loc] {
			continue
		}
		row, err := geo.WeightRow(loc, season, columns)
		if err != nil {
			continue
		}
		outputs = append(outputs, loc)
		w0 = append(w0, row)
	}

	// When every atom is itself an input, statespace is exactly the atoms and
	// no elimination is needed.
	if coversAtoms(inputs, columns) {
		return &Statespace{H: ratToDense(h0), W: ratToDense(w0), Outputs: outputs}, nil
	}

	h, w, selected, err := determineStatespace(h0, w0)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(selected))
	for i, idx := range selected {
		names[i] = outputs[idx]
	}
	return &Statespace{H: ratToDense(h), W: ratToDense(w), Outputs: names}, nil
}

func weightMatrix(locations []string, season int, columns []string) ([][]*big.Rat, error) {
	m := make([][]*big.Rat, len(locations))
	for i, loc := range locations {
		row, err := geo.WeightRow(loc, season, columns)
		if err != nil {
			return nil, err
		}
		m[i] = row
	}
	return m, nil
}

// coversAtoms reports whether the input locations include every statespace
// column.
func coversAtoms(inputs, columns []string) bool {
	have := make(map[string]bool, len(inputs))
	for _, loc := range inputs {
		have[loc] = true
	}
	for _, c := range columns {
		if !have[c] {
			return false
		}
	}
	return true
}

func ratToDense(m [][]*big.Rat) *mat.Dense {
	rows := len(m)
	cols := len(m[0])
	d := mat.NewDense(rows, cols, nil)
	for i, row := range m {
		for j, v := range row {
			f, _ := v.Float64()
			d.Set(i, j, f)
		}
	}
	return d
}

func statespaceKey(inputs []string, season int, excludes []string) string {
	var b strings.Builder
	b.WriteString(strings.Join(inputs, ","))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(season))
	b.WriteByte('|')
	b.WriteString(strings.Join(excludes, ","))
	return b.String()
}
