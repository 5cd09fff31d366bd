package main

import (
	"errors"

	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// resolveSensorRange turns the sensors command's week flags into a range.
// A single --epiweek pins both ends and excludes --first and --last. Zero
// values stay zero, deferring to the updater's resume logic.
func resolveSensorRange(first, last, week int) (epiweek.Week, epiweek.Week, error) {
	if week != 0 {
		if first != 0 || last != 0 {
			return 0, 0, errors.New("--epiweek overrides --first and --last")
		}
		first, last = week, week
	}
	if err := checkWeekFlags(first, last); err != nil {
		return 0, 0, err
	}
	if first != 0 && last != 0 && first > last {
		return 0, 0, errors.New("--first must not be greater than --last")
	}
	return epiweek.Week(first), epiweek.Week(last), nil
}

// resolveUpdateRange turns the update command's week flags into a range. The
// flags come together or not at all; neither means nowcasting the most
// recent issue and the week after it.
func resolveUpdateRange(first, last int) (epiweek.Week, epiweek.Week, error) {
	if (first == 0) != (last == 0) {
		return 0, 0, errors.New("--first and --last must be used together")
	}
	if err := checkWeekFlags(first, last); err != nil {
		return 0, 0, err
	}
	if first > last {
		return 0, 0, errors.New("--first must not be greater than --last")
	}
	return epiweek.Week(first), epiweek.Week(last), nil
}

// requireRange validates a range where both ends are mandatory.
func requireRange(first, last int) (epiweek.Week, epiweek.Week, error) {
	if first == 0 || last == 0 {
		return 0, 0, errors.New("both --first and --last are required")
	}
	if err := checkWeekFlags(first, last); err != nil {
		return 0, 0, err
	}
	if first > last {
		return 0, 0, errors.New("--first must not be greater than --last")
	}
	return epiweek.Week(first), epiweek.Week(last), nil
}

func checkWeekFlags(weeks ...int) error {
	for _, w := range weeks {
		if w == 0 {
			continue
		}
		if err := epiweek.Check(epiweek.Week(w)); err != nil {
			return err
		}
	}
	return nil
}
