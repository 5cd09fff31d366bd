package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/flu-nowcast/internal/adapter/epidata"
	httpadapter "github.com/couchcryptid/flu-nowcast/internal/adapter/http"
	"github.com/couchcryptid/flu-nowcast/internal/adapter/sqlite"
	"github.com/couchcryptid/flu-nowcast/internal/adapter/trendfile"
	"github.com/couchcryptid/flu-nowcast/internal/config"
	"github.com/couchcryptid/flu-nowcast/internal/observability"
	"github.com/couchcryptid/flu-nowcast/internal/pipeline"
)

// metricsFactory is swapped in tests, where many command invocations share
// one process and the default prometheus registry tolerates only one
// registration.
var metricsFactory = observability.NewMetrics

// commandContext lazily builds what every subcommand needs: configuration,
// the run-scoped logger, and the metrics registry. Each invocation gets a
// fresh run ID stamped on all log lines and published records.
type commandContext struct {
	configFlag *string
	logFlag    *string

	initOnce sync.Once
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	runID    string
	initErr  error
}

func newCommandContext(configFlag, logFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, logFlag: logFlag}
}

func (c *commandContext) init() error {
	c.initOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.initErr = err
			return
		}
		level := cfg.Logging.Level
		if c.logFlag != nil && strings.TrimSpace(*c.logFlag) != "" {
			level = strings.TrimSpace(*c.logFlag)
		}
		c.cfg = cfg
		c.runID = uuid.NewString()
		c.logger = observability.NewLogger(level, cfg.Logging.Format).With("run_id", c.runID)
		c.metrics = metricsFactory()
	})
	return c.initErr
}

// epidataClient builds the Delphi Epidata API client from configuration.
func (c *commandContext) epidataClient() *epidata.Client {
	e := c.cfg.Epidata
	auth := epidata.Auth{
		Fluview: e.FluviewAuth,
		GHT:     e.GHTAuth,
		Twitter: e.TwitterAuth,
		CDC:     e.CDCAuth,
		Quidel:  e.QuidelAuth,
	}
	return epidata.NewClient(e.BaseURL, auth, c.cfg.EpidataTimeout(), e.CacheSize, c.metrics, c.logger)
}

// openStore opens a read-write database session. In test mode all writes are
// rolled back when the session closes.
func (c *commandContext) openStore(testMode bool) (*sqlite.Store, error) {
	d := c.cfg.Database
	return sqlite.Open(d.Path, d.LockPath, c.cfg.LockTimeout(), testMode, c.logger)
}

// openStoreReadOnly opens a database session that takes no writer lock, so
// reads proceed even while a mutating run holds the database.
func (c *commandContext) openStoreReadOnly() (*sqlite.Store, error) {
	return sqlite.OpenReadOnly(c.cfg.Database.Path, c.logger)
}

// trendsFetcher builds the external search trends fetcher from configuration.
func (c *commandContext) trendsFetcher() *trendfile.Fetcher {
	t := c.cfg.Trends
	return trendfile.NewFetcher(t.Script, t.Args, t.OutputDir, c.cfg.TrendsTimeout(), c.logger)
}

// pipelineOptions maps the pipeline configuration onto engine options.
// Backoff timings keep their built-in defaults.
func (c *commandContext) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		BatchSize:   c.cfg.Pipeline.BatchSize,
		MaxAttempts: c.cfg.Pipeline.MaxAttempts,
	}
}

// serveOps starts the health and metrics listener for the duration of a long
// run, returning a shutdown function. With no listener configured it is a
// no-op.
func (c *commandContext) serveOps(progress httpadapter.ProgressReporter) func() {
	if c.cfg.HTTP.Addr == "" {
		return func() {}
	}
	srv := httpadapter.NewServer(c.cfg.HTTP.Addr, progress, c.logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("http server error", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("http server shutdown error", "error", err)
		}
	}
}

func shouldSkipInit(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
