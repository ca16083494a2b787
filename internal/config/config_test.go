package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty directory so no stray .env is loaded.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("SOKONI_HOME", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090", cfg.Backend.URL)
	assert.Equal(t, 64, cfg.Delivery.PendingEventLimit)
	assert.Equal(t, filepath.Join(dir, "client.db"), cfg.Cache.Path)
	assert.Equal(t, "cookie", cfg.Server.Auth)
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)

	file := filepath.Join(dir, "sokoni.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
backend:
  url: https://market.example.com/api
  user_id: from-file
delivery:
  pending_event_limit: 8
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SOKONI_SESSION_COOKIE=from-dotenv\n"), 0o600))
	t.Setenv("SOKONI_USER_ID", "from-env")
	// godotenv sets the process environment directly
	t.Cleanup(func() { os.Unsetenv("SOKONI_SESSION_COOKIE") })

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "https://market.example.com/api", cfg.Backend.URL)
	assert.Equal(t, "from-env", cfg.Backend.UserID)
	assert.Equal(t, "from-dotenv", cfg.Backend.SessionCookie)
	assert.Equal(t, 8, cfg.Delivery.PendingEventLimit)
	assert.NoError(t, cfg.ValidateClient())
}

func TestLoadMissingFile(t *testing.T) {
	isolate(t)
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestResolvedPushURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  BackendConfig
		want string
	}{
		{name: "http", cfg: BackendConfig{URL: "http://localhost:8090"}, want: "ws://localhost:8090/ws"},
		{name: "https with path", cfg: BackendConfig{URL: "https://market.example.com/api/"}, want: "wss://market.example.com/api/ws"},
		{name: "explicit", cfg: BackendConfig{URL: "https://a.example.com", PushURL: "wss://push.example.com/socket"}, want: "wss://push.example.com/socket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.ResolvedPushURL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateClient(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_cookie")
	assert.Contains(t, err.Error(), "user_id")

	cfg.Backend.SessionCookie = "abc"
	cfg.Backend.UserID = "u1"
	assert.NoError(t, cfg.ValidateClient())

	cfg.Backend.URL = "localhost:8090"
	assert.Error(t, cfg.ValidateClient())

	cfg.Backend.URL = "http://localhost:8090"
	cfg.Backend.PushURL = "http://localhost:8090/ws"
	assert.Error(t, cfg.ValidateClient())
}

func TestValidateServer(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.ValidateServer())

	cfg.Server.Auth = "tailscale"
	assert.Error(t, cfg.ValidateServer())
	cfg.Tailnet.Enabled = true
	assert.NoError(t, cfg.ValidateServer())

	cfg.Server.Auth = "magic"
	assert.Error(t, cfg.ValidateServer())
}
