// Command genfixture writes deterministic flu fixture files for offline
// prediction runs and the test suites. The expected-predictions file is
// produced by the actual regression engine so that fixtures track real
// pipeline behavior.
//
// Usage:
//
//	go run ./cmd/genfixture \
//	  -location nat \
//	  -first 201440 -last 201519 \
//	  -out testdata/fixtures
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/trendfile"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/predict"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	location := flag.String("location", "nat", "location label for the fixture set")
	firstFlag := flag.Int("first", 0, "first prediction target epiweek (YYYYWW)")
	lastFlag := flag.Int("last", 0, "last prediction target epiweek (YYYYWW)")
	outDir := flag.String("out", "", "output directory for fixture files")
	flag.Parse()

	if *firstFlag == 0 || *lastFlag == 0 || *outDir == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -first, -last, -out")
	}

	first, last := epiweek.Week(*firstFlag), epiweek.Week(*lastFlag)
	for _, w := range []epiweek.Week{first, last} {
		if err := epiweek.Check(w); err != nil {
			return err
		}
	}
	if last < first {
		return fmt.Errorf("-first %s is after -last %s", first, last)
	}

	// The regression trains on the 52 weeks ending 4 weeks before each
	// target, so coverage reaches back past the first target week.
	coverFirst := first.Add(-(predict.TrainSize + predict.TrainLag))
	weeks := epiweek.Range(coverFirst, last)

	trends := make([]trendfile.Row, len(weeks))
	truth := make([]trendfile.Row, len(weeks))
	for i, w := range weeks {
		trends[i] = trendfile.Row{Week: w, Value: trendAt(i)}
		truth[i] = trendfile.Row{Week: w, Value: wiliAt(i)}
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}
	trendsPath := filepath.Join(*outDir, fmt.Sprintf("trends_%s.csv", *location))
	truthPath := filepath.Join(*outDir, fmt.Sprintf("truth_%s.csv", *location))
	predsPath := filepath.Join(*outDir, fmt.Sprintf("predictions_%s.csv", *location))

	if err := writeSeriesCSV(trendsPath, trends); err != nil {
		return fmt.Errorf("writing trends fixture: %w", err)
	}
	log.Printf("wrote trends fixture: %s (%d weeks)", trendsPath, len(trends))

	if err := writeSeriesCSV(truthPath, truth); err != nil {
		return fmt.Errorf("writing truth fixture: %w", err)
	}
	log.Printf("wrote truth fixture: %s (%d weeks)", truthPath, len(truth))

	// Round-trip through the real readers and regression so the expected
	// predictions match what the predict command would produce from these
	// files.
	series, err := trendfile.ReadFile(trendsPath)
	if err != nil {
		return fmt.Errorf("reading back trends fixture: %w", err)
	}
	fileTruth, err := predict.NewFileTruth(truthPath)
	if err != nil {
		return fmt.Errorf("reading back truth fixture: %w", err)
	}
	engine := predict.NewEngine(fileTruth, quietLogger())
	rows, err := engine.MakePredictions(context.Background(), *location, first, last, series)
	if err != nil {
		return fmt.Errorf("predicting fixture range: %w", err)
	}
	if err := trendfile.WriteFile(predsPath, rows); err != nil {
		return fmt.Errorf("writing predictions fixture: %w", err)
	}
	log.Printf("wrote predictions fixture: %s (%d weeks)", predsPath, len(rows))

	printStats(weeks, trends, truth, rows)
	return nil
}

// trendAt is a smooth flu-season-shaped curve for week index i: a 52-week
// cycle with a small harmonic so the regression has structure beyond a pure
// sine. Values stay positive.
func trendAt(i int) float64 {
	phase := 2 * math.Pi * float64(i) / 52
	return 10 + 8*math.Sin(phase) + math.Sin(3*phase)
}

// wiliAt tracks the trends curve through a fixed affine map plus a small
// deterministic wobble, keeping values in a plausible wILI band.
func wiliAt(i int) float64 {
	return 0.5 + 0.35*trendAt(i) + 0.05*math.Sin(7*float64(i))
}

// writeSeriesCSV writes `epiweek,value` rows in the shape the trends reader
// accepts.
func writeSeriesCSV(path string, rows []trendfile.Row) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"epiweek", "value"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(int(row.Week)),
			strconv.FormatFloat(row.Value, 'f', 6, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// quietLogger keeps engine progress out of the stats output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func printStats(weeks []epiweek.Week, trends, truth, preds []trendfile.Row) {
	fmt.Println("\n=== Stats for updating test assertions ===")
	fmt.Printf("Coverage: %s-%s (%d weeks)\n", weeks[0], weeks[len(weeks)-1], len(weeks))

	lo, hi := seriesBounds(trends)
	fmt.Printf("Trends: min=%.6f max=%.6f\n", lo, hi)
	lo, hi = seriesBounds(truth)
	fmt.Printf("Truth: min=%.6f max=%.6f\n", lo, hi)

	fmt.Printf("Predictions: %d rows\n", len(preds))
	if len(preds) == 0 {
		return
	}
	fmt.Printf("First: %d=%.6f\n", int(preds[0].Week), preds[0].Value)
	fmt.Printf("Last:  %d=%.6f\n", int(preds[len(preds)-1].Week), preds[len(preds)-1].Value)

	truthByWeek := make(map[epiweek.Week]float64, len(truth))
	for _, row := range truth {
		truthByWeek[row.Week] = row.Value
	}
	peak := preds[0]
	var absErr float64
	for _, row := range preds {
		if row.Value > peak.Value {
			peak = row
		}
		absErr += math.Abs(row.Value - truthByWeek[row.Week])
	}
	fmt.Printf("Peak: %d=%.6f\n", int(peak.Week), peak.Value)
	fmt.Printf("Mean abs error vs truth: %.6f\n", absErr/float64(len(preds)))
}

func seriesBounds(rows []trendfile.Row) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, row := range rows {
		lo = math.Min(lo, row.Value)
		hi = math.Max(hi, row.Value)
	}
	return lo, hi
}
