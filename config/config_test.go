package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/meshline/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "step.js", `function step() {}`)
	cfgPath := writeFile(t, dir, "pipeline.json", `{
		"name": "relay",
		"scripts": ["step.js"],
		"source_pipeline_count": 1,
		"target_pipeline_names": ["sink"]
	}`)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "relay", cfg.Name)
	assert.True(t, cfg.HasInput())
	assert.True(t, cfg.HasOutput())
	assert.Equal(t, filepath.Join(dir, "step.js"), cfg.ScriptPath("step.js"))
}

func TestLoadRejectsBadName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "step.js", `function step() {}`)
	cfgPath := writeFile(t, dir, "pipeline.json", `{
		"name": "1x",
		"scripts": ["step.js"],
		"source_pipeline_count": 0
	}`)

	_, err := config.Load(cfgPath)
	require.Error(t, err)
}

func TestLoadRejectsMissingScript(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "pipeline.json", `{
		"name": "relay",
		"scripts": ["missing.js"],
		"source_pipeline_count": 0
	}`)

	_, err := config.Load(cfgPath)
	require.Error(t, err)
}

func TestLoadRejectsWrongExtension(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "step.py", `pass`)
	cfgPath := writeFile(t, dir, "pipeline.json", `{
		"name": "relay",
		"scripts": ["step.py"],
		"source_pipeline_count": 0
	}`)

	_, err := config.Load(cfgPath)
	require.Error(t, err)
}

func TestLoadRejectsEmptyScripts(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "pipeline.json", `{
		"name": "relay",
		"scripts": [],
		"source_pipeline_count": 0
	}`)

	_, err := config.Load(cfgPath)
	require.Error(t, err)
}

func TestLoadRejectsNegativeSourceCount(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "step.js", `function step() {}`)
	cfgPath := writeFile(t, dir, "pipeline.json", `{
		"name": "relay",
		"scripts": ["step.js"],
		"source_pipeline_count": -1
	}`)

	_, err := config.Load(cfgPath)
	require.Error(t, err)
}

func TestHasInputHasOutputDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "step.js", `function step() {}`)
	cfgPath := writeFile(t, dir, "pipeline.json", `{
		"name": "source-only",
		"scripts": ["step.js"],
		"source_pipeline_count": 0
	}`)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.False(t, cfg.HasInput())
	assert.False(t, cfg.HasOutput())
}
