// Package geo describes the geography of US influenza surveillance.
//
// Reporting is hierarchical. The finest-grained units are "atoms": the fifty
// states, the District of Columbia, New York City (which reports to ILINet
// separately from New York state, under the label "jfk"), Puerto Rico, and
// the US Virgin Islands. Every other location is a population-weighted union
// of atoms: the ten HHS regions, the nine Census divisions, combined New York
// ("ny_state"), and the nation. The atom "ny" therefore means New York state
// excluding New York City.
//
// Weights are exact rationals over 2010 census populations so that linear
// algebra downstream can decide representability without rounding error.
// Puerto Rico began reporting with the 2013-2014 season and the Virgin
// Islands with 2015-2016; for earlier seasons their atoms are dropped and
// region weights are renormalized over the remaining reporters.
package geo

import (
	"fmt"
	"math/big"
)

// atomSince holds the first flu season with ILINet reporting for the atoms
// that joined after the national system was established.
var atomSince = map[string]int{"pr": 2013, "vi": 2015}

// atomList holds every atomic location: the 51 state-level reporters in
// alphabetical order, then the late-joining reporters.
var atomList = []string{
	"ak", "al", "ar", "az", "ca", "co", "ct", "dc", "de", "fl",
	"ga", "hi", "ia", "id", "il", "in", "ks", "ky", "la", "ma",
	"md", "me", "mi", "mn", "mo", "ms", "mt", "nc", "nd", "ne",
	"nh", "nj", "nm", "nv", "ny", "oh", "ok", "or", "pa", "ri",
	"sc", "sd", "tn", "tx", "ut", "va", "vt", "wa", "wi", "wv",
	"wy",
	"jfk", "pr", "vi",
}

var hhsRegions = []string{
	"hhs1", "hhs2", "hhs3", "hhs4", "hhs5",
	"hhs6", "hhs7", "hhs8", "hhs9", "hhs10",
}

var censusRegions = []string{
	"cen1", "cen2", "cen3", "cen4", "cen5",
	"cen6", "cen7", "cen8", "cen9",
}

// regionAtoms maps each location to its constituent atoms.
var regionAtoms = map[string][]string{
	"nat": atomList,

	"hhs1":  {"ct", "ma", "me", "nh", "ri", "vt"},
	"hhs2":  {"jfk", "nj", "ny", "pr", "vi"},
	"hhs3":  {"dc", "de", "md", "pa", "va", "wv"},
	"hhs4":  {"al", "fl", "ga", "ky", "ms", "nc", "sc", "tn"},
	"hhs5":  {"il", "in", "mi", "mn", "oh", "wi"},
	"hhs6":  {"ar", "la", "nm", "ok", "tx"},
	"hhs7":  {"ia", "ks", "mo", "ne"},
	"hhs8":  {"co", "mt", "nd", "sd", "ut", "wy"},
	"hhs9":  {"az", "ca", "hi", "nv"},
	"hhs10": {"ak", "id", "or", "wa"},

	"cen1": {"ct", "ma", "me", "nh", "ri", "vt"},
	"cen2": {"jfk", "nj", "ny", "pa"},
	"cen3": {"il", "in", "mi", "oh", "wi"},
	"cen4": {"ia", "ks", "mn", "mo", "nd", "ne", "sd"},
	"cen5": {"dc", "de", "fl", "ga", "md", "nc", "pr", "sc", "va", "vi", "wv"},
	"cen6": {"al", "ky", "ms", "tn"},
	"cen7": {"ar", "la", "ok", "tx"},
	"cen8": {"az", "co", "id", "mt", "nm", "nv", "ut", "wy"},
	"cen9": {"ak", "ca", "hi", "or", "wa"},

	"ny_state": {"jfk", "ny"},
}

// population holds 2010 census resident populations. "ny" is New York state
// minus New York City; "jfk" is New York City.
var population = map[string]int{
	"ak": 710231, "al": 4779736, "ar": 2915918, "az": 6392017,
	"ca": 37253956, "co": 5029196, "ct": 3574097, "dc": 601723,
	"de": 897934, "fl": 18801310, "ga": 9687653, "hi": 1360301,
	"ia": 3046355, "id": 1567582, "il": 12830632, "in": 6483802,
	"ks": 2853118, "ky": 4339367, "la": 4533372, "ma": 6547629,
	"md": 5773552, "me": 1328361, "mi": 9883640, "mn": 5303925,
	"mo": 5988927, "ms": 2967297, "mt": 989415, "nc": 9535483,
	"nd": 672591, "ne": 1826341, "nh": 1316470, "nj": 8791894,
	"nm": 2059179, "nv": 2700551, "ny": 11202969, "oh": 11536504,
	"ok": 3751351, "or": 3831074, "pa": 12702379, "ri": 1052567,
	"sc": 4625364, "sd": 814180, "tn": 6346105, "tx": 25145561,
	"ut": 2763885, "va": 8001024, "vt": 625741, "wa": 6724540,
	"wi": 5686986, "wv": 1852994, "wy": 563626,
	"jfk": 8175133, "pr": 3725789, "vi": 106405,
}

// regionList is the canonical ordering of every known location.
var regionList = buildRegionList()

func buildRegionList() []string {
	list := []string{"nat"}
	list = append(list, hhsRegions...)
	list = append(list, censusRegions...)
	list = append(list, "ny_state")
	return append(list, atomList...)
}

// Atoms returns all atomic locations, alphabetical states first, then the
// late-joining reporters.
func Atoms() []string {
	return append([]string(nil), atomList...)
}

// States returns the 51 state-level reporters (states plus DC).
func States() []string {
	return append([]string(nil), atomList[:51]...)
}

// HHSRegions returns hhs1 through hhs10.
func HHSRegions() []string {
	return append([]string(nil), hhsRegions...)
}

// CensusRegions returns cen1 through cen9.
func CensusRegions() []string {
	return append([]string(nil), censusRegions...)
}

// RegionList returns every known location in canonical order: nat, HHS
// regions, census regions, ny_state, then atoms.
func RegionList() []string {
	return append([]string(nil), regionList...)
}

// Known reports whether the location label is recognized.
func Known(location string) bool {
	if _, ok := regionAtoms[location]; ok {
		return true
	}
	_, ok := population[location]
	return ok
}

// Available reports whether an atom reported during the given season. A
// season of zero or less disables the filter.
func Available(atom string, season int) bool {
	return availableIn(atom, season)
}

// availableIn reports whether an atom reported during the given season. A
// season of zero or less disables the filter.
func availableIn(atom string, season int) bool {
	if season <= 0 {
		return true
	}
	if since, ok := atomSince[atom]; ok {
		return season >= since
	}
	return true
}

// AtomsOf returns the atoms of a location that reported during the given
// season. The location may itself be an atom.
func AtomsOf(location string, season int) ([]string, error) {
	members, ok := regionAtoms[location]
	if !ok {
		if _, isAtom := population[location]; !isAtom {
			return nil, fmt.Errorf("unknown location %q", location)
		}
		members = []string{location}
	}
	atoms := make([]string, 0, len(members))
	for _, a := range members {
		if availableIn(a, season) {
			atoms = append(atoms, a)
		}
	}
	if len(atoms) == 0 {
		return nil, fmt.Errorf("location %q has no reporters in season %d", location, season)
	}
	return atoms, nil
}

// WeightRow expresses a location as exact population weights over the given
// atom columns. Weights are renormalized over the location's atoms that both
// reported in the season and appear in columns; entries for other columns are
// zero. It is an error if no such atom remains.
func WeightRow(location string, season int, columns []string) ([]*big.Rat, error) {
	atoms, err := AtomsOf(location, season)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}

	total := 0
	present := make(map[string]bool, len(atoms))
	for _, a := range atoms {
		if _, ok := index[a]; !ok {
			continue
		}
		present[a] = true
		total += population[a]
	}
	if total == 0 {
		return nil, fmt.Errorf("location %q has no atoms among the given columns", location)
	}

	row := make([]*big.Rat, len(columns))
	for i := range row {
		row[i] = new(big.Rat)
	}
	for a := range present {
		row[index[a]].SetFrac64(int64(population[a]), int64(total))
	}
	return row, nil
}

// Population returns the 2010 census population of an atom.
func Population(atom string) (int, bool) {
	p, ok := population[atom]
	return p, ok
}
