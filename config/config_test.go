package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwkit/wikibot"
)

func TestLoadDefaultTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg, "the starter template should parse back to the defaults")
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefault(path))

	err := WriteDefault(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestLoadOverrides(t *testing.T) {
	const doc = `user_agent: "ExampleBot/1.0 (ops@example.org)"
write_delay: 2s
maxlag:
  retries: 7
families:
  - name: mywiki
    url: https://wiki.example.org/w/api.php
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ExampleBot/1.0 (ops@example.org)", cfg.UserAgent)
	assert.Equal(t, 2*time.Second, cfg.WriteDelay)
	assert.Equal(t, 7, cfg.Maxlag.Retries)
	assert.True(t, cfg.Maxlag.On, "defaults should survive a partial override")
	assert.Equal(t, []FamilyConfig{
		{Name: "mywiki", URL: "https://wiki.example.org/w/api.php"},
	}, cfg.Families)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WIKIBOT_USER_AGENT", "EnvBot/1.0 (ops@example.org)")
	t.Setenv("WIKIBOT_MAXLAG_TIMEOUT", "8")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "EnvBot/1.0 (ops@example.org)", cfg.UserAgent)
	assert.Equal(t, "8", cfg.Maxlag.Timeout)
}

func TestRegistryRequiresUserAgent(t *testing.T) {
	_, err := Default().Registry(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_agent")
}

func TestRegistryBuildsSites(t *testing.T) {
	cfg := Default()
	cfg.UserAgent = "ExampleBot/1.0 (ops@example.org)"
	cfg.Families = []FamilyConfig{
		{Name: "mywiki", URL: "https://wiki.example.org/w/api.php"},
	}

	r, err := cfg.Registry(nil)
	require.NoError(t, err)

	s, err := r.Site("wikipedia", "en")
	require.NoError(t, err)
	assert.Equal(t, "wikipedia:en", s.String())

	s, err = r.Site("mywiki", "xx")
	require.NoError(t, err)
	assert.Equal(t, "mywiki:xx", s.String())

	_, err = r.Site("nosuch", "en")
	require.Error(t, err)
}

func TestSettings(t *testing.T) {
	cfg := Default()
	cfg.UserAgent = "ExampleBot/1.0 (ops@example.org)"
	cfg.Cache.Path = "responses.db"
	cfg.Cache.TTL = time.Hour

	s := cfg.Settings()
	assert.Equal(t, cfg.UserAgent, s.UserAgent)
	assert.Equal(t, wikibot.DefaultWriteDelay, s.WriteDelay)
	assert.Equal(t, "responses.db", s.CachePath)
	assert.Equal(t, time.Hour, s.CacheTTL)
	assert.Equal(t, wikibot.DefaultQueueConfig(), s.Queue)
}

func TestCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	in := Credentials{Username: "ExampleBot@job", Password: "hunter2"}
	require.NoError(t, SaveCredentials(path, in))

	out, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm(), "credentials should be owner-only")
}
