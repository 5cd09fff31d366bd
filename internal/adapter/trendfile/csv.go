package trendfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// Series maps epiweeks to trend values.
type Series map[epiweek.Week]float64

// SortedWeeks returns the series' weeks in ascending order.
func (s Series) SortedWeeks() []epiweek.Week {
	weeks := make([]epiweek.Week, 0, len(s))
	for w := range s {
		weeks = append(weeks, w)
	}
	sort.Slice(weeks, func(i, j int) bool { return weeks[i] < weeks[j] })
	return weeks
}

// Row is one (epiweek, value) record of a trends or prediction file.
type Row struct {
	Week  epiweek.Week
	Value float64
}

// ReadFile parses a trends CSV into an epiweek-keyed series. The header must
// name an "epiweek" and a "value" column; extra columns are ignored.
// Duplicate weeks and malformed rows are errors.
func ReadFile(path string) (Series, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trends file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	weekCol, valueCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "epiweek":
			weekCol = i
		case "value":
			valueCol = i
		}
	}
	if weekCol < 0 || valueCol < 0 {
		return nil, fmt.Errorf("%s: header must name epiweek and value columns, got %q", path, strings.Join(header, ","))
	}

	series := make(Series)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if len(record) <= weekCol || len(record) <= valueCol {
			return nil, fmt.Errorf("%s:%d: row has %d columns", path, line, len(record))
		}
		week, err := epiweek.Parse(strings.TrimSpace(record[weekCol]))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[valueCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parse value: %w", path, line, err)
		}
		if _, ok := series[week]; ok {
			return nil, fmt.Errorf("%s:%d: duplicate epiweek %d", path, line, week)
		}
		series[week] = value
	}
	return series, nil
}

// WriteFile writes (epiweek, prediction) rows sorted by epiweek.
func WriteFile(path string, rows []Row) error {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Week < sorted[j].Week })

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create predictions file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"epiweek", "prediction"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range sorted {
		record := []string{
			strconv.Itoa(int(row.Week)),
			strconv.FormatFloat(row.Value, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write row for %d: %w", row.Week, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush predictions file: %w", err)
	}
	return nil
}
