package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringIntBool(t *testing.T) {
	t.Setenv("PLANSYNC_TEST_STR", "  value ")
	t.Setenv("PLANSYNC_TEST_INT", "42")
	t.Setenv("PLANSYNC_TEST_BAD_INT", "-3")
	t.Setenv("PLANSYNC_TEST_BOOL", "true")

	assert.Equal(t, "value", String("PLANSYNC_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", String("PLANSYNC_TEST_MISSING", "fallback"))
	assert.Equal(t, 42, Int("PLANSYNC_TEST_INT", 1))
	assert.Equal(t, 1, Int("PLANSYNC_TEST_BAD_INT", 1))
	assert.True(t, Bool("PLANSYNC_TEST_BOOL", false))
	assert.False(t, Bool("PLANSYNC_TEST_MISSING", false))
}

func TestDuration(t *testing.T) {
	t.Setenv("PLANSYNC_TEST_MS", "750")
	t.Setenv("PLANSYNC_TEST_DUR", "2s")
	t.Setenv("PLANSYNC_TEST_BAD", "soon")

	assert.Equal(t, 750*time.Millisecond, Duration("PLANSYNC_TEST_MS", time.Second))
	assert.Equal(t, 2*time.Second, Duration("PLANSYNC_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, Duration("PLANSYNC_TEST_BAD", time.Second))
}

func TestCSVDedupes(t *testing.T) {
	t.Setenv("PLANSYNC_TEST_CSV", "a, b,,a ,c")
	assert.Equal(t, []string{"a", "b", "c"}, CSV("PLANSYNC_TEST_CSV", nil))
	assert.Equal(t, []string{"x"}, CSV("PLANSYNC_TEST_MISSING", []string{"x"}))
}

func TestLoadSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PLANSYNC_FROM_DOTENV=loaded\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("PLANSYNC_FROM_DOTENV") })

	require.NoError(t, Load(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "loaded", String("PLANSYNC_FROM_DOTENV", ""))
}
