package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("NARRATOR_TEST_HOST", "db.internal")

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"set variable", "host: ${NARRATOR_TEST_HOST}", "host: db.internal"},
		{"set variable ignores default", "host: ${NARRATOR_TEST_HOST:localhost}", "host: db.internal"},
		{"unset with default", "port: ${NARRATOR_TEST_UNSET:5432}", "port: 5432"},
		{"unset with empty default", "password: ${NARRATOR_TEST_UNSET:}", "password: "},
		{"unset without default kept", "key: ${NARRATOR_TEST_UNSET}", "key: ${NARRATOR_TEST_UNSET}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, expandEnv(tc.in))
		})
	}
}

func TestLoadFrom_DefaultsWithoutFiles(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Narration.RecentWindow)
	assert.Equal(t, 3, cfg.Narration.MaxAttempts)
	assert.Equal(t, 120*time.Second, cfg.Narration.CallTimeout)
	assert.Equal(t, "latest_wins", cfg.Narration.ContradictionPolicy)
	assert.Equal(t, "NARRATION_LOG", cfg.Narration.NarrationTag)
	assert.Contains(t, cfg.Narration.StructuralMarkers, "THINKING")
	assert.Equal(t, 8080, cfg.Server.HTTP.Port)
}

func TestLoadFrom_EnvironmentOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APP_ENV", "test")
	t.Setenv("NARRATOR_TEST_WINDOW", "4")

	base := "narration:\n  recent_window: 8\n  contradiction_policy: keep_existing\n"
	overlay := "narration:\n  recent_window: ${NARRATOR_TEST_WINDOW:20}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(base), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.test.yaml"), []byte(overlay), 0o644))

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Narration.RecentWindow)
	assert.Equal(t, "keep_existing", cfg.Narration.ContradictionPolicy)
}

func TestLoadFrom_RejectsUnknownPolicy(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APP_ENV", "development")
	body := "narration:\n  contradiction_policy: coin_flip\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))

	_, err := LoadFrom(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coin_flip")
}

func TestLoadFrom_StreamDispatchNeedsSharedLock(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APP_ENV", "development")
	body := "narration:\n  async_dispatch: stream\n  lock_backend: memory\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))

	_, err := LoadFrom(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_backend=redis")
}
