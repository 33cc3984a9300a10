package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetEnvFallback(t *testing.T) {
	require.Equal(t, "default", GetEnv("GEOETL_TEST_VAR_UNSET", "default"))

	t.Setenv("GEOETL_TEST_VAR", "set")
	require.Equal(t, "set", GetEnv("GEOETL_TEST_VAR", "default"))
}

func TestLoadTuningMissingFileIsNotAnError(t *testing.T) {
	tf, err := LoadTuning(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Empty(t, tf.Workflows)
}

func TestLoadTuningParsesWorkflowOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	contents := `
workflows:
  - job_type: raster_tiling
    stages:
      - number: 2
        failure: tolerant
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	tf, err := LoadTuning(path)
	require.NoError(t, err)

	policy, ok := tf.FailurePolicyFor("raster_tiling", 2)
	require.True(t, ok)
	require.Equal(t, "tolerant", policy)

	_, ok = tf.FailurePolicyFor("raster_tiling", 1)
	require.False(t, ok)

	_, ok = tf.FailurePolicyFor("unknown_job_type", 2)
	require.False(t, ok)
}
