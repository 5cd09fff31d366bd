// Package trendfile handles the file-based exchange with the external search
// trends fetch program. The program is opaque; the only contract is that a
// run for (location, first, last) leaves a CSV at a known path under the
// output directory, with an epiweek column and a value column.
package trendfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

// Fetcher invokes the external fetch program.
type Fetcher struct {
	script    string
	args      []string
	outputDir string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewFetcher creates a fetcher for the configured external program.
func NewFetcher(script string, args []string, outputDir string, timeout time.Duration, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		script:    script,
		args:      args,
		outputDir: outputDir,
		timeout:   timeout,
		logger:    logger,
	}
}

// FilePath returns the CSV path the external program writes for a query.
func (f *Fetcher) FilePath(location string, first, last epiweek.Week) string {
	name := fmt.Sprintf("ght_%s_%d_%d.csv", location, first, last)
	return filepath.Join(f.outputDir, name)
}

// Fetch runs the external program for one query and verifies that the
// expected file appears. The program is invoked as
//
//	script [args...] location first last outputDir
//
// and its exit status plus the presence of the output file decide success.
func (f *Fetcher) Fetch(ctx context.Context, location string, first, last epiweek.Week) (string, error) {
	if f.script == "" {
		return "", fmt.Errorf("trends fetch script not configured")
	}
	if err := os.MkdirAll(f.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	argv := append(append([]string{}, f.args...),
		location, strconv.Itoa(int(first)), strconv.Itoa(int(last)), f.outputDir)
	cmd := exec.CommandContext(ctx, f.script, argv...)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("trends fetch %s %d-%d: %w: %s", location, first, last, err, tail(output))
	}

	path := f.FilePath(location, first, last)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("trends fetch completed but %s was not written: %w", path, err)
	}

	f.logger.Info("fetched trends file",
		"location", location,
		"first", int(first),
		"last", int(last),
		"path", path,
		"duration", time.Since(start))
	return path, nil
}

// tail returns the last part of command output for error messages.
func tail(output []byte) string {
	const max = 512
	if len(output) > max {
		output = output[len(output)-max:]
	}
	return string(output)
}
