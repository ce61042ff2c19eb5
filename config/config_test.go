package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: ./records.db
  image_root: ./images
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Index.Dimension)
	assert.Equal(t, 16, cfg.Index.M)
	assert.Equal(t, 200, cfg.Index.EF)
	assert.Equal(t, 400, cfg.Index.EFSearch)
	assert.InDelta(t, 0.3, cfg.Index.CompactionRatio, 1e-9)
	assert.InDelta(t, 0.995, cfg.Dedup.IngestThreshold, 1e-6)
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout.Std())
	assert.Equal(t, 4, cfg.Ingest.Workers)
}

func TestLoadExpandsRelativePaths(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: ./records.db
  index_path: vectors
  image_root: ./images
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "records.db"), cfg.Storage.DatabasePath)
	assert.Equal(t, filepath.Join(dir, "vectors"), cfg.Storage.IndexPath)
	assert.Equal(t, filepath.Join(dir, "images"), cfg.Storage.ImageRoot)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: /data/records.db
  image_root: /data/images
index:
  dimension: 768
  ef_search: 256
dedup:
  ingest_threshold: 0.98
fetch:
  retries: 5
  timeout: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 768, cfg.Index.Dimension)
	assert.Equal(t, 256, cfg.Index.EFSearch)
	assert.InDelta(t, 0.98, cfg.Dedup.IngestThreshold, 1e-6)
	assert.Equal(t, 5, cfg.Fetch.Retries)
	assert.Equal(t, 3*time.Second, cfg.Fetch.Timeout.Std())
	assert.Equal(t, "/data/records.db", cfg.Storage.DatabasePath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: ./records.db
  image_root: ./images
index:
  compaction_ratio: 1.5
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "compaction ratio")
}

func TestValidateRequiresPaths(t *testing.T) {
	cfg := Default()
	assert.ErrorContains(t, cfg.Validate(), "database_path")

	cfg.Storage.DatabasePath = "/data/records.db"
	assert.ErrorContains(t, cfg.Validate(), "image_root")

	cfg.Storage.ImageRoot = "/data/images"
	assert.NoError(t, cfg.Validate())
}
