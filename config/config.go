// Package config loads and validates the JSON pipeline configuration
// file (spec.md §6).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/creastat/meshline/core"
)

// Config is one pipeline's configuration, as parsed from its JSON file.
type Config struct {
	Name                string   `json:"name"`
	Scripts             []string `json:"scripts"`
	SourcePipelineCount int      `json:"source_pipeline_count"`
	TargetPipelineNames []string `json:"target_pipeline_names"`

	// dir is the directory the config file lives in; script paths are
	// resolved relative to it.
	dir string
}

// scriptExtension is the extension every configured script path must
// carry. goja hosts JavaScript, not the original runtime's .py scripts
// (spec.md §6 expansion).
const scriptExtension = ".js"

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks every rule spec.md §6 names: a well-formed name, at
// least one script with the expected extension that exists on disk,
// and a non-negative source count.
func (c *Config) Validate() error {
	if err := core.PipelineName(c.Name).Validate(); err != nil {
		return err
	}

	if len(c.Scripts) == 0 {
		return fmt.Errorf("scripts: must be non-empty")
	}
	for _, rel := range c.Scripts {
		if filepath.Ext(rel) != scriptExtension {
			return fmt.Errorf("script %q: must have extension %s", rel, scriptExtension)
		}
		abs := c.ScriptPath(rel)
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("script %q: %w", rel, err)
		}
	}

	if c.SourcePipelineCount < 0 {
		return fmt.Errorf("source_pipeline_count: must be >= 0")
	}

	return nil
}

// ScriptPath resolves a configured script path relative to the config
// file's directory.
func (c *Config) ScriptPath(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.dir, rel)
}

// HasInput reports whether this pipeline expects upstream sources.
func (c *Config) HasInput() bool {
	return c.SourcePipelineCount > 0
}

// HasOutput reports whether this pipeline forwards to downstream
// targets.
func (c *Config) HasOutput() bool {
	return len(c.TargetPipelineNames) > 0
}
