// Package domain models US influenza surveillance data for nowcasting.
//
// # Ground Truth
//
// The prediction target is (w)ILI: the (weighted) percentage of outpatient
// visits with influenza-like illness, published weekly by the CDC through
// ILINet. National and regional values are population-weighted ("wILI");
// state-level values are unweighted ("ILI"). Publication runs on MMWR
// epiweeks (see the epiweek package) with a lag of roughly one week, and
// already-published weeks are revised for several weeks afterward as late
// reports arrive ("backfill").
//
// Issue semantics:
//
//	The "issue" of a report is the epiweek in which it was published. The
//	value of week W as of issue W+1 is its first, "unstable" version; the
//	value with all revisions applied is "stable". Training against unstable
//	values matters because that is what a real-time system would have seen.
//
// # Sensors
//
// A sensor is a digital surveillance signal regressed against (w)ILI so that
// it reads in (w)ILI units. One sensor reading is a (name, location, epiweek,
// value) tuple. Sensor names are short lowercase codes:
//
//	gft   Google Flu Trends (frozen October 2015)
//	ght   Google Health Trends
//	ghtf  Google Health Trends, externally fetched term file
//	twtr  HealthTweets
//	wiki  Wikipedia access counts
//	cdc   CDC page hits
//	epic  Epicast forecasts
//	quid  Quidel flu test data
//	sar3  seasonal autoregression (3 lags)
//	arch  archefilter
//
// Readings are unitless percentages in the same range as wILI, roughly 0-10
// with historical extremes below 25.
//
// # Locations
//
// Location labels follow the geo package: "nat", HHS regions "hhs1".."hhs10",
// census divisions "cen1".."cen9", two-letter state codes plus "dc",
// "ny_state", and the atoms "jfk" (New York City), "pr", and "vi". ILINet
// treats New York City as a reporter separate from the rest of New York
// state, so "ny" alone means upstate New York.
//
// # Nowcasts
//
// A nowcast is a fused estimate of wILI for one location and epiweek,
// produced by combining all available sensor readings through the fusion
// package. Unlike raw sensor readings, nowcasts carry a standard deviation
// describing the uncertainty of the estimate. IDs are deterministic, derived
// from location and epiweek, so downstream consumers can upsert
// idempotently (ON CONFLICT DO UPDATE) and tolerate replays. See
// [Nowcast.ID].
package domain
