package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateHome points HOME at a temp dir so the default config path never
// resolves to a real file on the test machine.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".local/share/flu-nowcast/flu.db"), cfg.Database.Path)
	assert.Equal(t, cfg.Database.Path+".lock", cfg.Database.LockPath)
	assert.Equal(t, "https://api.delphi.cmu.edu/epidata", cfg.Epidata.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.EpidataTimeout())
	assert.Equal(t, 1000, cfg.Epidata.CacheSize)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "flu-nowcasts", cfg.Kafka.Topic)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, DefaultSensors, cfg.Sensor.Names)
	assert.Equal(t, 201040, cfg.Nowcast.FirstEpiweek)
	assert.Equal(t, 5, cfg.Nowcast.MinObservations)
	assert.Equal(t, "bd2", cfg.Nowcast.Shrinkage)
	assert.Equal(t, 50, cfg.Pipeline.BatchSize)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout())
}

func TestLoadFromFile(t *testing.T) {
	isolateHome(t)
	path := writeConfig(t, `
shutdown_timeout_seconds = 30

[database]
path = "/var/lib/flu/flu.db"

[epidata]
base_url = "http://localhost:10080/epidata"
timeout_seconds = 5

[kafka]
enabled = true
brokers = ["broker1:9092", "broker2:9092"]
topic = "custom-nowcasts"

[logging]
level = "debug"
format = "pretty"

[sensor]
names = ["sar3", "wiki"]
locations = ["nat", "hhs1"]

[nowcast]
first_epiweek = 201440
min_observations = 3
shrinkage = "bd0"

[pipeline]
batch_size = 10
max_attempts = 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/flu/flu.db", cfg.Database.Path)
	assert.Equal(t, "/var/lib/flu/flu.db.lock", cfg.Database.LockPath)
	assert.Equal(t, "http://localhost:10080/epidata", cfg.Epidata.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.EpidataTimeout())
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "custom-nowcasts", cfg.Kafka.Topic)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "pretty", cfg.Logging.Format)
	assert.Equal(t, []string{"sar3", "wiki"}, cfg.Sensor.Names)
	assert.Equal(t, []string{"nat", "hhs1"}, cfg.Sensor.Locations)
	assert.Equal(t, 201440, cfg.Nowcast.FirstEpiweek)
	assert.Equal(t, 3, cfg.Nowcast.MinObservations)
	assert.Equal(t, "bd0", cfg.Nowcast.Shrinkage)
	assert.Equal(t, 10, cfg.Pipeline.BatchSize)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolateHome(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	isolateHome(t)
	path := writeConfig(t, `
[kafka]
enabled = false
topic = "from-file"

[logging]
level = "info"
`)
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "env1:9092, env2:9092,")
	t.Setenv("KAFKA_TOPIC", "from-env")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("FLUVIEW_AUTH", "secret-token")
	t.Setenv("EPIDATA_TIMEOUT_SECONDS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"env1:9092", "env2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "from-env", cfg.Kafka.Topic)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "secret-token", cfg.Epidata.FluviewAuth)
	assert.Equal(t, 7*time.Second, cfg.EpidataTimeout())
}

func TestLoadInvalidEnvInt(t *testing.T) {
	isolateHome(t)
	t.Setenv("EPIDATA_TIMEOUT_SECONDS", "not-a-number")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EPIDATA_TIMEOUT_SECONDS")
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad log level",
			content: "[logging]\nlevel = \"verbose\"\n",
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			content: "[logging]\nformat = \"xml\"\n",
			wantErr: "logging.format",
		},
		{
			name:    "bad shrinkage",
			content: "[nowcast]\nshrinkage = \"lw\"\n",
			wantErr: "nowcast.shrinkage",
		},
		{
			name:    "bad first epiweek",
			content: "[nowcast]\nfirst_epiweek = 202399\n",
			wantErr: "nowcast.first_epiweek",
		},
		{
			name:    "zero epidata timeout",
			content: "[epidata]\ntimeout_seconds = 0\n",
			wantErr: "epidata.timeout_seconds",
		},
		{
			name:    "kafka enabled without topic",
			content: "[kafka]\nenabled = true\ntopic = \"\"\n",
			wantErr: "kafka.topic",
		},
		{
			name:    "zero min observations",
			content: "[nowcast]\nmin_observations = 0\n",
			wantErr: "nowcast.min_observations",
		},
		{
			name:    "zero pipeline batch size",
			content: "[pipeline]\nbatch_size = 0\n",
			wantErr: "pipeline.batch_size",
		},
		{
			name:    "negative pipeline attempts",
			content: "[pipeline]\nmax_attempts = -1\n",
			wantErr: "pipeline.max_attempts",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			isolateHome(t)
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestCreateSampleRoundTrip(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, CreateSample(path))

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want.Epidata.BaseURL, cfg.Epidata.BaseURL)
	assert.Equal(t, want.Sensor.Names, cfg.Sensor.Names)
	assert.Equal(t, want.Nowcast, cfg.Nowcast)
	assert.Equal(t, want.Kafka.Topic, cfg.Kafka.Topic)
}
