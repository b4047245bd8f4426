package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "data/log", cfg.Log.ImportDir)
	assert.Equal(t, "https://www.boe.es/diario_borme/xml.php?id=%s", cfg.Borme.SummaryURL)
	assert.Equal(t, "https://www.boe.es", cfg.Borme.BaseURL)
	assert.Equal(t, "A", cfg.Borme.Section)
	assert.Equal(t, 1, cfg.Borme.Workers)
	assert.False(t, cfg.Borme.Strict)
	assert.True(t, cfg.Borme.Snapshots)
	assert.Equal(t, 5*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Zero(t, cfg.Server.DailyInterval)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: borme.db
log:
  level: debug
  format: console
borme:
  workers: 4
  strict: true
  parser_command: bormeparser-json --section A
server:
  port: 9090
  daily_interval: 6h
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "borme.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Borme.Workers)
	assert.True(t, cfg.Borme.Strict)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 6*time.Hour, cfg.Server.DailyInterval)
	// Defaults still apply for unset values
	assert.Equal(t, "data/pdf", cfg.Borme.PDFDir)

	bin, args := cfg.Borme.ParserArgs()
	assert.Equal(t, "bormeparser-json", bin)
	assert.Equal(t, []string{"--section", "A"}, args)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LIBREBORME_STORE_DRIVER", "postgres")
	t.Setenv("LIBREBORME_LOG_LEVEL", "warn")
	t.Setenv("LIBREBORME_LOCK_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load("")
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Lock.RedisURL)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadExplicitPath(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "prod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\nborme:\n  workers: 3\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Borme.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadExplicitPathMissing(t *testing.T) {
	chdirTemp(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParserArgs_Empty(t *testing.T) {
	bin, args := BormeConfig{}.ParserArgs()
	assert.Empty(t, bin)
	assert.Nil(t, args)
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/borme"
	cfg.Borme.Workers = 1
	cfg.Borme.Section = "A"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate(t *testing.T) {
	for _, mode := range []string{"migrate", "import", "serve"} {
		assert.NoError(t, validDefaults().Validate(mode), mode)
	}
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	// SQLite falls back to a local file.
	cfg.Store.Driver = "sqlite"
	assert.NoError(t, cfg.Validate("migrate"))

	cfg = validDefaults()
	cfg.Store.Driver = "mysql"
	err = cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidate_Import(t *testing.T) {
	cfg := validDefaults()
	cfg.Borme.Workers = 0
	cfg.Borme.Section = ""
	cfg.Lock.RedisURL = "redis://localhost:6379"

	err := cfg.Validate("import")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "borme.workers must be between 1 and 32")
	assert.Contains(t, err.Error(), "borme.section is required")
	assert.Contains(t, err.Error(), "lock.ttl must be > 0")

	// Migrations do not care about import settings.
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidate_Serve(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("import"))
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestYAML_Redacts(t *testing.T) {
	cfg := validDefaults()
	cfg.Lock.RedisURL = "redis://:secret@localhost:6379"
	cfg.Lock.TTL = time.Minute

	out, err := cfg.YAML()
	require.NoError(t, err)
	s := string(out)
	assert.NotContains(t, s, "postgres://localhost/borme")
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, "driver: postgres")
	assert.Contains(t, s, "ttl: 1m0s")
	// The receiver is untouched.
	assert.Equal(t, "postgres://localhost/borme", cfg.Store.DatabaseURL)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func TestDayLogPaths(t *testing.T) {
	info, errs := DayLogPaths("/var/log/borme", time.Date(2015, 3, 2, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "/var/log/borme/imports/2015-03/02_info.txt", info)
	assert.Equal(t, "/var/log/borme/imports/2015-03/02_error.txt", errs)
}

func TestDayLogger(t *testing.T) {
	dir := t.TempDir()
	date := time.Date(2015, 3, 2, 0, 0, 0, 0, time.UTC)
	core, observed := observer.New(zap.DebugLevel)

	log, closer, err := DayLogger(zap.New(core), dir, date)
	require.NoError(t, err)
	log.Debug("debug line")
	log.Info("info line")
	log.Warn("warn line")
	closer()

	assert.Equal(t, 3, observed.Len())

	infoPath, errPath := DayLogPaths(dir, date)
	info, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(info), "debug line"))
	assert.Contains(t, string(info), "info line")
	assert.Contains(t, string(info), "warn line")

	warn, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.NotContains(t, string(warn), "info line")
	assert.Contains(t, string(warn), "warn line")
}
