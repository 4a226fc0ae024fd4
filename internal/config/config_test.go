package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 70.0, cfg.Generation.AcceptanceThreshold)
	assert.Equal(t, 2, cfg.Generation.MaxRevisions)
	assert.Equal(t, 80.0, cfg.Priority.MustThreshold)
	assert.Equal(t, 45, cfg.Research.MaxSearchesPerHour)
	assert.InDelta(t, 1.0, cfg.Quality.Weights.Sum(), 0.001)
	assert.InDelta(t, 1.0, cfg.Priority.Weights.Sum(), 0.001)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backlogd.yaml")
	yaml := `
generation:
  acceptance_threshold: 85
  max_revisions: 3
jira:
  project_key: PROD
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 85.0, cfg.Generation.AcceptanceThreshold)
	assert.Equal(t, 3, cfg.Generation.MaxRevisions)
	assert.Equal(t, "PROD", cfg.Jira.ProjectKey)
	// Untouched sections keep defaults.
	assert.Equal(t, 60.0, cfg.Priority.ShouldThreshold)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Quality.Weights.Clarity = 0.9
	err = cfg.Validate()
	assert.ErrorContains(t, err, "quality weights")
}

func TestValidateRejectsDisorderedThresholds(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Priority.ShouldThreshold = 90 // above must_threshold
	err = cfg.Validate()
	assert.ErrorContains(t, err, "thresholds")
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
