package predict

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	"github.com/couchcryptid/flu-nowcast/internal/adapter/trendfile"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// FileTruth serves truth from a local `epiweek,value` CSV for fully offline
// runs. The file is taken as a single as-of snapshot, so the issue argument
// is ignored.
type FileTruth struct {
	path   string
	series trendfile.Series
}

var _ TruthProvider = (*FileTruth)(nil)

func NewFileTruth(path string) (*FileTruth, error) {
	series, err := trendfile.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading truth file: %w", err)
	}
	return &FileTruth{path: path, series: series}, nil
}

func (f *FileTruth) Truth(_ context.Context, _ string, from, to, _ epiweek.Week) (map[epiweek.Week]float64, error) {
	truth := make(map[epiweek.Week]float64)
	for w, v := range f.series {
		if w >= from && w <= to {
			truth[w] = v
		}
	}
	return truth, nil
}

// FluviewAPI is the slice of the epidata client the API truth provider needs.
type FluviewAPI interface {
	Fluview(ctx context.Context, region string, from, to epiweek.Week) ([]epidata.FluviewRow, error)
	FluviewIssue(ctx context.Context, region string, from, to, issue epiweek.Week) ([]epidata.FluviewRow, error)
}

// APITruth serves wILI from the Delphi Epidata fluview endpoint. A non-zero
// issue asks for values as they were published in that issue; weeks the as-of
// record does not cover are backfilled from the stable record, since issues
// only exist back to when the archive started tracking them.
type APITruth struct {
	api    FluviewAPI
	logger *slog.Logger
}

var _ TruthProvider = (*APITruth)(nil)

func NewAPITruth(api FluviewAPI, logger *slog.Logger) *APITruth {
	return &APITruth{api: api, logger: logger.With("component", "truth")}
}

func (a *APITruth) Truth(ctx context.Context, location string, from, to, issue epiweek.Week) (map[epiweek.Week]float64, error) {
	truth := make(map[epiweek.Week]float64)
	if issue != 0 {
		rows, err := a.api.FluviewIssue(ctx, location, from, to, issue)
		if err != nil {
			a.logger.Warn("as-of fluview fetch failed, falling back to stable",
				"location", location, "issue", issue, "error", err)
		}
		for _, row := range rows {
			truth[row.Epiweek] = row.WILI
		}
	}
	if len(truth) >= to.Sub(from)+1 {
		return truth, nil
	}
	rows, err := a.api.Fluview(ctx, location, from, to)
	if err != nil {
		return nil, fmt.Errorf("fetching stable fluview: %w", err)
	}
	for _, row := range rows {
		if _, ok := truth[row.Epiweek]; !ok {
			truth[row.Epiweek] = row.WILI
		}
	}
	return truth, nil
}
