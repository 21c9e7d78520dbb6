package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rootshare.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

// TestLoadDefaults checks an empty path yields a usable config.
func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8000", c.Addr)
	assert.True(t, filepath.IsAbs(c.StateDir))
	assert.Equal(t, 5*time.Hour, c.Session.TTL)
	assert.Equal(t, "ip", c.Session.Binding)
	assert.True(t, c.SinglePerUser())
	assert.Equal(t, time.Minute, c.Session.ExtendInterval)
	assert.Zero(t, c.Links.TTL)
	assert.Equal(t, "json", c.Store.Driver)
	assert.Equal(t, int64(10240)<<20, c.MaxUploadBytes())
	assert.Equal(t, 10, c.Login.MaxAttempts)
}

func TestLoadYAML(t *testing.T) {
	p := writeConfig(t, `
addr: 127.0.0.1:9000
state_dir: /var/lib/rootshare
log:
  level: debug
  json: true
session:
  ttl: 2h
  binding: none
  single_per_user: false
links:
  ttl: 72h
  base_url: https://files.example.org/
store:
  driver: bolt
roots:
  - id: media
    path: /srv/media
follow_symlinks: true
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", c.Addr)
	assert.Equal(t, 2*time.Hour, c.Session.TTL)
	assert.False(t, c.SinglePerUser())
	assert.Equal(t, 72*time.Hour, c.Links.TTL)
	assert.Equal(t, "https://files.example.org", c.Links.BaseURL)
	assert.Equal(t, "bolt", c.Store.Driver)
	require.Len(t, c.Roots, 1)
	assert.Equal(t, "media", c.Roots[0].ID)
	assert.True(t, c.FollowSymlinks)
	assert.True(t, c.Log.JSON)
}

func TestValidateRejects(t *testing.T) {
	for _, body := range []string{
		"session:\n  binding: cookie\n",
		"session:\n  ttl: 10s\n",
		"store:\n  driver: postgres\n",
		"links:\n  base_url: files.example.org\n",
		"roots:\n  - id: x\n",
		"upload:\n  max_mb: -1\n",
	} {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, body)
	}
}
