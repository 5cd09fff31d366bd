// Package sensor turns raw surveillance signals into wILI sensor readings.
//
// A sensor reading is a prediction of wILI for one location and week, made
// from a single data source. Most sources go through the weighted regression
// in fit.go; sar3 and arch are self-contained models over ILINet history, and
// epic passes an upstream forecast through unchanged.
//
// Every fitter takes the training week (the most recently published week) and
// predicts the week after it. In valid mode a fitter refuses to substitute
// stable wILI where only preliminary values would have existed at the time.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/adapter/trendfile"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/geo"
)

const (
	// signalFirst is the earliest week any signal is fetched from.
	signalFirst epiweek.Week = 200330
	// historyLast caps the ILINet history window for the sar3 and arch models.
	historyLast epiweek.Week = 202330
	// DefaultFirstWeek is where a sensor's history starts when the store has
	// no prior reading for it.
	DefaultFirstWeek epiweek.Week = 201040
)

var (
	ErrUnknownSensor   = errors.New("unknown sensor")
	ErrUnknownLocation = errors.New("unknown location")
)

// Names returns the supported sensor names.
func Names() []string {
	return []string{"gft", "ght", "ghtf", "twtr", "wiki", "cdc", "epic", "quid", "sar3", "arch"}
}

// Epidata is the slice of the epidata client the sensors consume.
type Epidata interface {
	Fluview(ctx context.Context, region string, from, to epiweek.Week) ([]epidata.FluviewRow, error)
	FluviewIssue(ctx context.Context, region string, from, to, issue epiweek.Week) ([]epidata.FluviewRow, error)
	FluviewLag(ctx context.Context, region string, from, to epiweek.Week, lag int) ([]epidata.FluviewRow, error)
	GFT(ctx context.Context, location string, from, to epiweek.Week) ([]epidata.GFTRow, error)
	GHT(ctx context.Context, query, location string, from, to epiweek.Week) ([]epidata.GHTRow, error)
	Twitter(ctx context.Context, location string, from, to epiweek.Week) ([]epidata.TwitterRow, error)
	Wiki(ctx context.Context, articles []string, hours []int, from, to epiweek.Week) ([]epidata.WikiRow, error)
	CDC(ctx context.Context, location string, from, to epiweek.Week) ([]epidata.CDCRow, error)
	Quidel(ctx context.Context, location string, from, to epiweek.Week) ([]epidata.QuidelRow, error)
	DelphiForecast(ctx context.Context, system string, week epiweek.Week) (*epidata.Forecast, error)
	MostRecentIssue(ctx context.Context, asOf epiweek.Week) (epiweek.Week, error)
}

// Sensors fits readings for every supported sensor. The sar3 and arch models
// cache their per-location ILINet history for the lifetime of the struct, and
// the ghtf trends file is read once on first use.
type Sensors struct {
	api        Epidata
	trendsPath string
	logger     *slog.Logger

	trendsOnce sync.Once
	trends     trendfile.Series
	trendsErr  error

	sar3Models map[string]*sar3Model
	archData   map[string]*archSeasons
}

// NewSensors creates a sensor fitter over the given API client. trendsPath
// may be empty; the ghtf sensor then reports itself unconfigured.
func NewSensors(api Epidata, trendsPath string, logger *slog.Logger) *Sensors {
	return &Sensors{
		api:        api,
		trendsPath: trendsPath,
		logger:     logger.With("component", "sensor"),
		sar3Models: make(map[string]*sar3Model),
		archData:   make(map[string]*archSeasons),
	}
}

// Fit computes one sensor reading: a wILI prediction for the week after
// train, using only data published through train.
func (s *Sensors) Fit(ctx context.Context, name, location string, train epiweek.Week, valid bool) (float64, error) {
	switch name {
	case "gft":
		return s.fitLochNess(ctx, location, train, valid, name, 1, s.fetchGFT(location))
	case "ght":
		return s.fitLochNess(ctx, location, train, valid, name, 1, s.fetchGHT(location))
	case "ghtf":
		return s.fitLochNess(ctx, location, train, valid, name, 1, s.fetchTrendsFile())
	case "twtr":
		return s.fitLochNess(ctx, location, train, valid, name, 1, s.fetchTwitter(location))
	case "wiki":
		if location != "nat" {
			return 0, errors.New("wiki is only available for nat")
		}
		return s.fitLochNess(ctx, location, train, valid, name, len(wikiArticles)*len(wikiHours), s.fetchWiki())
	case "cdc":
		return s.fitLochNess(ctx, location, train, valid, name, len(cdcFields), s.fetchCDC(location))
	case "quid":
		return s.fitLochNess(ctx, location, train, valid, name, 1, s.fetchQuidel(location))
	case "epic":
		return s.fitEpicast(ctx, location, train)
	case "sar3":
		return s.fitSAR3(ctx, location, train, valid)
	case "arch":
		return s.fitArch(ctx, location, train, valid)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownSensor, name)
	}
}

// fitEpicast passes through the Epicast one-week-ahead point prediction.
func (s *Sensors) fitEpicast(ctx context.Context, location string, train epiweek.Week) (float64, error) {
	fc, err := s.api.DelphiForecast(ctx, "ec", train)
	if err != nil {
		return 0, err
	}
	if fc == nil {
		return 0, fmt.Errorf("no epicast forecast for %s", train)
	}
	loc, ok := fc.Data[location]
	if !ok {
		return 0, fmt.Errorf("epicast has no forecast for %s on %s", location, train)
	}
	return loc.X1.Point, nil
}

// trendsSeries lazily reads the configured ghtf trends file.
func (s *Sensors) trendsSeries() (trendfile.Series, error) {
	s.trendsOnce.Do(func() {
		if s.trendsPath == "" {
			s.trendsErr = errors.New("ghtf trends file not configured")
			return
		}
		s.trends, s.trendsErr = trendfile.ReadFile(s.trendsPath)
	})
	return s.trends, s.trendsErr
}

// LocationGroup expands a location argument into concrete locations: "all",
// "hhs", and "cen" name groups, anything else must be a known location.
func LocationGroup(loc string) ([]string, error) {
	switch loc {
	case "all":
		return geo.RegionList(), nil
	case "hhs":
		return geo.HHSRegions(), nil
	case "cen":
		return geo.CensusRegions(), nil
	}
	if geo.Known(loc) {
		return []string{loc}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLocation, loc)
}
