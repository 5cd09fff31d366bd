// Command validate performs end-to-end integrity checks across a flu fixture
// set: the trends CSV, the truth CSV, and the expected-predictions CSV. It
// verifies week coverage, value sanity, and that the predictions reproduce
// exactly when the actual regression engine is re-run on the inputs.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -trends testdata/fixtures/trends_nat.csv \
//	  -truth testdata/fixtures/truth_nat.csv \
//	  -predictions testdata/fixtures/predictions_nat.csv
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/trendfile"
	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/predict"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	trendsPath := flag.String("trends", "", "path to trends CSV (epiweek,value)")
	truthPath := flag.String("truth", "", "path to truth CSV (epiweek,value)")
	predsPath := flag.String("predictions", "", "path to predictions CSV (epiweek,prediction)")
	location := flag.String("location", "nat", "location label for regression error messages")
	flag.Parse()

	if *trendsPath == "" || *truthPath == "" || *predsPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*trendsPath, *truthPath, *predsPath, *location); code != 0 {
		os.Exit(code)
	}
}

func run(trendsPath, truthPath, predsPath, location string) int {
	// ── Load all data sources ──
	fmt.Println("=== Flu Fixture Integrity Validation ===")
	fmt.Println()

	trends, err := trendfile.ReadFile(trendsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load trends CSV: %v\n", err)
		return 1
	}

	truth, err := trendfile.ReadFile(truthPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load truth CSV: %v\n", err)
		return 1
	}

	preds, err := loadPredictions(predsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load predictions CSV: %v\n", err)
		return 1
	}

	// ── Run validation phases ──
	phases := []*phase{
		validateCoverageParity(trends, truth),
		validateSeriesValues(trends, truth),
		validateReproducibility(location, trends, truthPath, preds),
		validateOutputShape(preds),
	}

	// ── Report results ──
	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Rows: %d trends, %d truth, %d predictions\n", len(trends), len(truth), len(preds))

	// Print detailed errors.
	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

// loadPredictions parses an `epiweek,prediction` CSV, keeping file order so
// the output-shape phase can check ordering. The header must name both
// columns; extra columns are ignored.
func loadPredictions(path string) ([]trendfile.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	weekCol, valueCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "epiweek":
			weekCol = i
		case "prediction":
			valueCol = i
		}
	}
	if weekCol < 0 || valueCol < 0 {
		return nil, fmt.Errorf("header must name epiweek and prediction columns, got %q", strings.Join(header, ","))
	}

	var rows []trendfile.Row
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(record) <= weekCol || len(record) <= valueCol {
			return nil, fmt.Errorf("line %d: row has %d columns", line, len(record))
		}
		week, err := epiweek.Parse(strings.TrimSpace(record[weekCol]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[valueCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse prediction: %w", line, err)
		}
		rows = append(rows, trendfile.Row{Week: week, Value: value})
	}
	return rows, nil
}

// ── Phase 1: Coverage Parity ──
// Trends and truth must cover the same continuous week range.

func validateCoverageParity(trends, truth trendfile.Series) *phase {
	p := &phase{name: "Phase 1: Coverage Parity (trends vs truth)"}

	if len(trends) == 0 {
		p.errorf("trends series is empty")
	}
	if len(truth) == 0 {
		p.errorf("truth series is empty")
	}
	if !p.passed() {
		return p
	}

	tw, uw := trends.SortedWeeks(), truth.SortedWeeks()
	tFirst, tLast := tw[0], tw[len(tw)-1]
	uFirst, uLast := uw[0], uw[len(uw)-1]

	if tFirst != uFirst || tLast != uLast {
		p.errorf("range mismatch: trends %s-%s, truth %s-%s", tFirst, tLast, uFirst, uLast)
	}

	checkContinuity(p, "trends", trends, tFirst, tLast)
	checkContinuity(p, "truth", truth, uFirst, uLast)
	return p
}

func checkContinuity(p *phase, name string, s trendfile.Series, first, last epiweek.Week) {
	for _, w := range epiweek.Range(first, last) {
		if _, ok := s[w]; !ok {
			p.errorf("%s: missing week %s", name, w)
		}
	}
}

// ── Phase 2: Series Values ──
// Input values must be finite and in plausible bands.

func validateSeriesValues(trends, truth trendfile.Series) *phase {
	p := &phase{name: "Phase 2: Series Values (input sanity)"}

	for _, w := range trends.SortedWeeks() {
		v := trends[w]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			p.errorf("trends %s: value %v is not finite", w, v)
		} else if v < 0 {
			p.errorf("trends %s: negative value %g", w, v)
		}
	}

	for _, w := range truth.SortedWeeks() {
		v := truth[w]
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			p.errorf("truth %s: value %v is not finite", w, v)
		case v <= 0:
			p.errorf("truth %s: wILI %g is not positive", w, v)
		case v > 30:
			p.errorf("truth %s: wILI %g is implausibly high", w, v)
		}
	}
	return p
}

// ── Phase 3: Prediction Reproducibility ──
// Re-runs the actual regression on the inputs and compares each prediction.

func validateReproducibility(location string, trends trendfile.Series, truthPath string, preds []trendfile.Row) *phase {
	p := &phase{name: "Phase 3: Prediction Reproducibility"}

	fileTruth, err := predict.NewFileTruth(truthPath)
	if err != nil {
		p.errorf("loading truth for regression: %v", err)
		return p
	}
	engine := predict.NewEngine(fileTruth, quietLogger())

	ctx := context.Background()
	for _, row := range preds {
		got, err := engine.MakePredictions(ctx, location, row.Week, row.Week, trends)
		if err != nil {
			p.errorf("week %s: regression failed: %v", row.Week, err)
			continue
		}
		if !floatEq(got[0].Value, row.Value) {
			p.errorf("week %s: expected %g from inputs, file has %g", row.Week, got[0].Value, row.Value)
		}
	}
	return p
}

// ── Phase 4: Output Shape ──
// The predictions file must be sorted, duplicate-free, continuous, and finite.

func validateOutputShape(preds []trendfile.Row) *phase {
	p := &phase{name: "Phase 4: Output Shape (predictions)"}

	if len(preds) == 0 {
		p.errorf("predictions file has no rows")
		return p
	}

	for i, row := range preds {
		if math.IsNaN(row.Value) || math.IsInf(row.Value, 0) {
			p.errorf("week %s: prediction %v is not finite", row.Week, row.Value)
		}
		if i == 0 {
			continue
		}
		prev := preds[i-1].Week
		switch {
		case row.Week == prev:
			p.errorf("duplicate week %s", row.Week)
		case row.Week < prev:
			p.errorf("week %s out of order after %s", row.Week, prev)
		case row.Week != prev.Add(1):
			p.errorf("gap between %s and %s", prev, row.Week)
		}
	}
	return p
}

// ── Helpers ──

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func floatEq(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
