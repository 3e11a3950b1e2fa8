package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromDefaults(t *testing.T) {
	c, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	pv := c.PageView
	assert.Equal(t, 20*time.Second, pv.ThrottleWindow())
	assert.Equal(t, 100, pv.BatchSize)
	assert.Equal(t, 300*time.Second, pv.BufferTimeout())
	assert.Equal(t, 10*time.Second, pv.FlushInterval())
	assert.Equal(t, 24*time.Hour, pv.StaleBuffer())
	assert.Equal(t, DefaultBotPatterns, pv.BotPatterns)
	assert.True(t, pv.ExcludeAdmin)
	assert.True(t, pv.ExcludeAJAX)
	assert.Equal(t, "/admin/", pv.AdminPrefix)
	assert.Equal(t, []string{"/static/", "/media/"}, pv.ExcludePaths)
	assert.Equal(t, IPPolicyNone, pv.IPPolicy)
	assert.Equal(t, "sessionid", pv.SessionCookie)
	assert.Equal(t, AsyncAuto, pv.AsyncProcessing)
	assert.Equal(t, "@daily", pv.RetentionSchedule)
	assert.Equal(t, 2*time.Second, pv.StoreTimeout())
	assert.Equal(t, 10*time.Minute, pv.RetentionTimeout())
	assert.Equal(t, 10*time.Second, pv.ShutdownTimeout())
	assert.Equal(t, time.UTC, pv.TimeLocation())
	assert.Equal(t, "mysql", c.DBDriver)
}

func TestLoadFromJSONKeepsExplicitFalse(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"Driver": "sqlite", "SQLitePath": "tmp/pv.db"},
		"pageview": {
			"ThrottleSeconds": 5,
			"ExcludeAdmin": false,
			"ExcludeAJAX": false,
			"ExcludePaths": [],
			"AsyncProcessing": true,
			"BotPatterns": ["robot"]
		}
	}`)

	c, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.DBDriver)
	assert.Equal(t, 5, c.PageView.ThrottleSeconds)
	assert.False(t, c.PageView.ExcludeAdmin)
	assert.False(t, c.PageView.ExcludeAJAX)
	assert.Empty(t, c.PageView.ExcludePaths)
	assert.Equal(t, AsyncOn, c.PageView.AsyncProcessing)
	assert.Equal(t, []string{"robot"}, c.PageView.BotPatterns)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PAGEVIEW_BATCH_SIZE", "25")
	t.Setenv("PAGEVIEW_EXCLUDE_IP_ADDRESSES", "10.0.0.1, 10.0.0.2")
	t.Setenv("PAGEVIEW_EXCLUDE_AJAX", "false")
	t.Setenv("PAGEVIEW_IP_POLICY", "truncate")

	c, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 25, c.PageView.BatchSize)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, c.PageView.ExcludeIPs)
	assert.False(t, c.PageView.ExcludeAJAX)
	assert.Equal(t, IPPolicyTruncate, c.PageView.IPPolicy)
}

func TestLoadFromRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct {
		env   map[string]string
		field string
	}{
		"negative batch size": {env: map[string]string{"PAGEVIEW_BATCH_SIZE": "-1"}, field: "BatchSize"},
		"negative throttle":   {env: map[string]string{"PAGEVIEW_THROTTLE_SECONDS": "-5"}, field: "ThrottleSeconds"},
		"bad integer":         {env: map[string]string{"PAGEVIEW_BATCH_SIZE": "many"}, field: "PAGEVIEW_BATCH_SIZE"},
		"bad boolean":         {env: map[string]string{"PAGEVIEW_EXCLUDE_ADMIN": "maybe"}, field: "PAGEVIEW_EXCLUDE_ADMIN"},
		"unknown ip policy":   {env: map[string]string{"PAGEVIEW_IP_POLICY": "drop"}, field: "IPPolicy"},
		"hash without key":    {env: map[string]string{"PAGEVIEW_IP_POLICY": "hash"}, field: "IPHashKey"},
		"unknown driver":      {env: map[string]string{"DB_DRIVER": "oracle"}, field: "DBDriver"},
		"stale below timeout": {env: map[string]string{"PAGEVIEW_BUFFER_TIMEOUT": "90000"}, field: "StaleBufferHours"},
		"bad async mode":      {env: map[string]string{"PAGEVIEW_ASYNC_PROCESSING": "sometimes"}, field: "AsyncProcessing"},
		"retention too long":  {env: map[string]string{"PAGEVIEW_RETENTION_DAYS": "36501"}, field: "RetentionDays"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestLoadFromRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"pageview": `)
	_, err := LoadFrom(path)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestUseAsync(t *testing.T) {
	pv := PageViewConfig{AsyncProcessing: AsyncAuto}
	assert.True(t, pv.UseAsync(true))
	assert.False(t, pv.UseAsync(false))

	pv.AsyncProcessing = AsyncOff
	assert.False(t, pv.UseAsync(true))

	pv.AsyncProcessing = AsyncOn
	assert.True(t, pv.UseAsync(false))
}

func TestInitDatabaseSQLite(t *testing.T) {
	t.Cleanup(func() { db = nil })
	type widget struct {
		ID   uint
		Name string
	}
	c := AppConfig{DBDriver: "sqlite", DatabaseURI: "file::memory:?cache=shared", LogLevel: "silent"}
	conn, err := InitDatabase(c, &widget{})
	require.NoError(t, err)
	assert.True(t, conn.Migrator().HasTable(&widget{}))
}
