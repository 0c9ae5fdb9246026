// Package storeconfig loads memstore tuning parameters from a JWCC
// (JSON-with-comments) file, merging global, project, and explicit
// config files with programmatic overrides.
package storeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds every tunable named in the store's configuration surface.
// All fields have defaults; see [Default].
type Config struct {
	InitialCapacity        uint32  `json:"initial_capacity"`
	GraphM                 uint32  `json:"graph_m"`
	GraphEfConstruction    uint32  `json:"graph_ef_construction"`
	GraphEfSearch          uint32  `json:"graph_ef_search"`
	MaxLevel               uint32  `json:"max_level"`
	BlobGrowthFactor       float64 `json:"blob_growth_factor"`
	ConnectionGrowthFactor float64 `json:"connection_growth_factor"`
	SnapshotUseReflink     bool    `json:"snapshot_use_reflink"`

	// HeaderChecksumFooter reserves the version-3 header checksum footer
	// hinted at but never specified by the sources. Off by default.
	HeaderChecksumFooter bool `json:"header_checksum_footer"`
}

// Default returns the engine's documented defaults.
func Default() Config {
	return Config{
		InitialCapacity:        100_000,
		GraphM:                 16,
		GraphEfConstruction:    200,
		GraphEfSearch:          50,
		MaxLevel:               16,
		BlobGrowthFactor:       1.5,
		ConnectionGrowthFactor: 2.0,
		SnapshotUseReflink:     true,
	}
}

// Sources tracks which config files were loaded, for diagnostics.
type Sources struct {
	Global  string
	Project string
}

// FileName is the default project-local config file name.
const FileName = ".memstore.json"

// globalConfigPath resolves $XDG_CONFIG_HOME/memstore/config.json, falling
// back to ~/.config/memstore/config.json. Returns "" if undeterminable.
func globalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "memstore", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "memstore", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "memstore", "config.json")
	}

	return ""
}

// Load loads configuration with the following precedence (highest wins):
//  1. [Default]
//  2. global user config
//  3. project config at workDir/[FileName], or an explicit configPath
//  4. overrides
func Load(workDir, configPath string, overrides Config, hasOverrides bool, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, globalPath, err := loadOptional(globalConfigPath(env))
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProject(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	if hasOverrides {
		cfg = merge(cfg, overrides)
	}

	if err := validate(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadProject(workDir, configPath string) (Config, string, error) {
	var path string

	var mustExist bool

	if configPath != "" {
		path = configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		path = filepath.Join(workDir, FileName)
	}

	cfg, loaded, err := loadFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadOptional(path string) (Config, string, error) {
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled configuration
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JWCC: %w", err)
	}

	var partial struct {
		InitialCapacity        *uint32  `json:"initial_capacity"`
		GraphM                 *uint32  `json:"graph_m"`
		GraphEfConstruction    *uint32  `json:"graph_ef_construction"`
		GraphEfSearch          *uint32  `json:"graph_ef_search"`
		MaxLevel               *uint32  `json:"max_level"`
		BlobGrowthFactor       *float64 `json:"blob_growth_factor"`
		ConnectionGrowthFactor *float64 `json:"connection_growth_factor"`
		SnapshotUseReflink     *bool    `json:"snapshot_use_reflink"`
		HeaderChecksumFooter   *bool    `json:"header_checksum_footer"`
	}

	if err := json.Unmarshal(standardized, &partial); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	var cfg Config
	if partial.InitialCapacity != nil {
		cfg.InitialCapacity = *partial.InitialCapacity
	}

	if partial.GraphM != nil {
		cfg.GraphM = *partial.GraphM
	}

	if partial.GraphEfConstruction != nil {
		cfg.GraphEfConstruction = *partial.GraphEfConstruction
	}

	if partial.GraphEfSearch != nil {
		cfg.GraphEfSearch = *partial.GraphEfSearch
	}

	if partial.MaxLevel != nil {
		cfg.MaxLevel = *partial.MaxLevel
	}

	if partial.BlobGrowthFactor != nil {
		cfg.BlobGrowthFactor = *partial.BlobGrowthFactor
	}

	if partial.ConnectionGrowthFactor != nil {
		cfg.ConnectionGrowthFactor = *partial.ConnectionGrowthFactor
	}

	if partial.SnapshotUseReflink != nil {
		cfg.SnapshotUseReflink = *partial.SnapshotUseReflink
	}

	if partial.HeaderChecksumFooter != nil {
		cfg.HeaderChecksumFooter = *partial.HeaderChecksumFooter
	}

	return cfg, nil
}

// merge overlays the non-zero fields of overlay onto base.
func merge(base, overlay Config) Config {
	if overlay.InitialCapacity != 0 {
		base.InitialCapacity = overlay.InitialCapacity
	}

	if overlay.GraphM != 0 {
		base.GraphM = overlay.GraphM
	}

	if overlay.GraphEfConstruction != 0 {
		base.GraphEfConstruction = overlay.GraphEfConstruction
	}

	if overlay.GraphEfSearch != 0 {
		base.GraphEfSearch = overlay.GraphEfSearch
	}

	if overlay.MaxLevel != 0 {
		base.MaxLevel = overlay.MaxLevel
	}

	if overlay.BlobGrowthFactor != 0 {
		base.BlobGrowthFactor = overlay.BlobGrowthFactor
	}

	if overlay.ConnectionGrowthFactor != 0 {
		base.ConnectionGrowthFactor = overlay.ConnectionGrowthFactor
	}

	// Booleans have no "unset" sentinel in JSON merge-by-value, so they are
	// OR-merged: once any layer (overrides included) turns one on, no later
	// layer can turn it back off.
	base.SnapshotUseReflink = base.SnapshotUseReflink || overlay.SnapshotUseReflink
	base.HeaderChecksumFooter = base.HeaderChecksumFooter || overlay.HeaderChecksumFooter

	return base
}

func validate(cfg Config) error {
	if cfg.InitialCapacity == 0 {
		return ErrInitialCapacityZero
	}

	if cfg.GraphM == 0 {
		return ErrGraphMZero
	}

	if cfg.MaxLevel == 0 {
		return ErrMaxLevelZero
	}

	if cfg.BlobGrowthFactor <= 1.0 {
		return ErrGrowthFactorTooSmall
	}

	if cfg.ConnectionGrowthFactor <= 1.0 {
		return ErrGrowthFactorTooSmall
	}

	return nil
}

// Format renders cfg as indented JSON, for CLI display.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}
