package sensor

import (
	"context"
	"fmt"
	"math"

	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

var (
	// wikiArticles are the flu-related articles whose access counts feed the
	// wiki sensor. Each article/hour series is fetched separately.
	wikiArticles = []string{
		"human_flu",
		"influenza",
		"influenza_a_virus",
		"influenzavirus_a",
		"influenzavirus_c",
		"oseltamivir",
		"zanamivir",
	}
	wikiHours = []int{17, 18, 21}

	// cdcFields are the CDC page hit counters used as features.
	cdcFields = []string{"num2", "num4", "num5", "num6", "num7", "num8"}
)

// ghtQuery is the Google Health Trends topic for influenza.
const ghtQuery = "/m/0cycc"

// twitterFirst is the first week of the HealthTweets dataset.
const twitterFirst epiweek.Week = 201149

func (s *Sensors) fetchGFT(location string) signalFunc {
	return func(ctx context.Context, from, to epiweek.Week) (signal, error) {
		// The 2013 GFT model update changed the signal so much that the old
		// and new versions behave like different signals. Once the window
		// reaches the new model, the old model's weeks are thrown out.
		if to >= 201340 {
			from = max(from, 201331)
		}
		rows, err := s.api.GFT(ctx, location, from, to)
		if err != nil {
			return nil, err
		}
		sig := make(signal, len(rows))
		for _, row := range rows {
			sig[row.Epiweek] = []float64{row.Num}
		}
		return sig, nil
	}
}

func (s *Sensors) fetchGHT(location string) signalFunc {
	loc := location
	if loc == "nat" {
		loc = "US"
	}
	return func(ctx context.Context, from, to epiweek.Week) (signal, error) {
		rows, err := s.api.GHT(ctx, ghtQuery, loc, from, to)
		if err != nil {
			return nil, err
		}
		sig := make(signal, len(rows))
		for _, row := range rows {
			sig[row.Epiweek] = []float64{row.Value}
		}
		return sig, nil
	}
}

func (s *Sensors) fetchTrendsFile() signalFunc {
	return func(ctx context.Context, from, to epiweek.Week) (signal, error) {
		series, err := s.trendsSeries()
		if err != nil {
			return nil, err
		}
		sig := make(signal, len(series))
		for ew, value := range series {
			if ew < from || ew > to {
				continue
			}
			sig[ew] = []float64{value}
		}
		return sig, nil
	}
}

func (s *Sensors) fetchTwitter(location string) signalFunc {
	return func(ctx context.Context, from, to epiweek.Week) (signal, error) {
		rows, err := s.api.Twitter(ctx, location, from, to)
		if err != nil {
			return nil, err
		}
		sig := make(signal, len(rows))
		for _, row := range rows {
			sig[row.Epiweek] = []float64{row.Percent}
		}
		// Weeks with zero flu tweets are absent from the response rather
		// than reported as 0%, so missing weeks since the start of the
		// dataset really are zero.
		for _, ew := range epiweek.Range(twitterFirst, to) {
			if _, ok := sig[ew]; !ok {
				sig[ew] = []float64{0}
			}
		}
		return sig, nil
	}
}

// fetchWiki downloads each article/hour series individually and pivots them
// into one row per week. A week seen in some series but not all of them makes
// the whole fetch fail.
func (s *Sensors) fetchWiki() signalFunc {
	return func(ctx context.Context, from, to epiweek.Week) (signal, error) {
		n := len(wikiArticles) * len(wikiHours)
		sig := make(signal)
		seen := make(map[epiweek.Week]int)
		field := 0
		for _, article := range wikiArticles {
			for _, hour := range wikiHours {
				rows, err := s.api.Wiki(ctx, []string{article}, []int{hour}, from, to)
				if err != nil {
					return nil, fmt.Errorf("fetching wiki %s hour %d: %w", article, hour, err)
				}
				for _, row := range rows {
					vec, ok := sig[row.Epiweek]
					if !ok {
						vec = make([]float64, n)
						sig[row.Epiweek] = vec
					}
					vec[field] = row.Value
					seen[row.Epiweek]++
				}
				field++
			}
		}
		for ew, count := range seen {
			if count != n {
				return nil, fmt.Errorf("wiki series incomplete on %s", ew)
			}
		}
		return sig, nil
	}
}

func (s *Sensors) fetchCDC(location string) signalFunc {
	return func(ctx context.Context, from, to epiweek.Week) (signal, error) {
		rows, err := s.api.CDC(ctx, location, from, to)
		if err != nil {
			return nil, err
		}
		sig := make(signal, len(rows))
		for _, row := range rows {
			// Log-transformed counts fit wILI much better than raw counts.
			sig[row.Epiweek] = []float64{
				math.Log1p(row.Num2),
				math.Log1p(row.Num4),
				math.Log1p(row.Num5),
				math.Log1p(row.Num6),
				math.Log1p(row.Num7),
				math.Log1p(row.Num8),
			}
		}
		return sig, nil
	}
}

func (s *Sensors) fetchQuidel(location string) signalFunc {
	return func(ctx context.Context, from, to epiweek.Week) (signal, error) {
		rows, err := s.api.Quidel(ctx, location, from, to)
		if err != nil {
			return nil, err
		}
		sig := make(signal, len(rows))
		for _, row := range rows {
			sig[row.Epiweek] = []float64{row.Value}
		}
		return sig, nil
	}
}
