// Package pmconfig implements the pipeline configuration loader and
// hot-reload watcher (component C9), generalizing the teacher's
// internal/config viper-based layered loader from quorum's workflow
// Config to the stage pipeline's PipelineConfig.
package pmconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// StageConfig holds per-stage enable/effort overrides.
type StageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Effort  string `mapstructure:"effort"`
}

// PipelineConfig is the merged configuration for one stage-pipeline run.
type PipelineConfig struct {
	Stages             map[string]StageConfig `mapstructure:"stages"`
	QualityGatesOn     bool                    `mapstructure:"quality_gates_on"`
	StrictPrereqs      bool                    `mapstructure:"strict_prereqs"`
	ACEEnabled         bool                    `mapstructure:"ace_enabled"`
	RerunWindowSeconds int                     `mapstructure:"rerun_window_seconds"`
	Model              string                  `mapstructure:"model"`
	Provider           string                  `mapstructure:"provider"`
	AutoUpgrade        bool                    `mapstructure:"auto_upgrade"`

	// Extra preserves unknown TOML keys, mirroring viper's AllSettings
	// remainder so round-tripping an unfamiliar config file doesn't drop data.
	Extra map[string]interface{} `mapstructure:"-"`
}

const envPrefix = "CODEX"

// defaultStages lists every stage SPEC_FULL.md names, enabled by default.
var defaultStages = []string{
	"specify", "clarify", "plan", "tasks", "analyze", "checklist", "implement", "audit", "unlock",
}

// Loader loads a PipelineConfig from the three-layer precedence chain:
// built-in defaults, ~/.code/config.toml, a per-spec docs/{spec-id}/pipeline.toml
// override, and finally CLI overrides applied by the caller via Set.
type Loader struct {
	v         *viper.Viper
	mu        sync.Mutex
	specID    string
	userPath  string
	specPath  string
}

// NewLoader creates a loader for a given spec id. userPath and specPath may
// be overridden for testing; pass "" to use the default locations
// (~/.code/config.toml and docs/{specID}/pipeline.toml).
func NewLoader(specID, userPath, specPath string) *Loader {
	if userPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			userPath = filepath.Join(home, ".code", "config.toml")
		}
	}
	if specPath == "" && specID != "" {
		specPath = filepath.Join("docs", specID, "pipeline.toml")
	}
	return &Loader{v: viper.New(), specID: specID, userPath: userPath, specPath: specPath}
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("quality_gates_on", true)
	l.v.SetDefault("strict_prereqs", false)
	l.v.SetDefault("ace_enabled", true)
	l.v.SetDefault("rerun_window_seconds", 3600)
	l.v.SetDefault("model", "")
	l.v.SetDefault("provider", "")
	l.v.SetDefault("auto_upgrade", false)
	for _, stage := range defaultStages {
		l.v.SetDefault("stages."+stage+".enabled", true)
		l.v.SetDefault("stages."+stage+".effort", "medium")
	}
}

// Load merges defaults -> user config -> spec config -> environment. CLI
// overrides should be applied afterward via (*PipelineConfig) ApplyOverrides.
func (l *Loader) Load() (*PipelineConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.SetConfigType("toml")
	l.setDefaults()

	if l.userPath != "" {
		if err := mergeTOMLFile(l.v, l.userPath); err != nil {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}
	if l.specPath != "" {
		if err := mergeTOMLFile(l.v, l.specPath); err != nil {
			return nil, fmt.Errorf("loading spec config: %w", err)
		}
	}

	applyCodexEnv(l.v)

	var cfg PipelineConfig
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling pipeline config: %w", err)
	}
	cfg.Extra = remainderKeys(l.v.AllSettings())
	return &cfg, nil
}

// Load loads the root CLI's config layer: defaults -> userPath (or
// ~/.code/config.toml when empty) -> CODEX_PM_* environment, returning the
// merged viper instance so callers can read arbitrary top-level keys
// (socket, log.level, log.format) without pmconfig needing to know the
// CLI's flag set. This is the shared loader cmd/pm/cmd/root.go's
// initConfig calls into, rather than re-implementing viper setup inline.
func Load(userPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if userPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			userPath = filepath.Join(home, ".code", "config.toml")
		}
	}
	if err := mergeTOMLFile(v, userPath); err != nil {
		return nil, fmt.Errorf("loading user config: %w", err)
	}

	v.SetEnvPrefix("CODEX_PM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// mergeTOMLFile merges a TOML file's contents into v if it exists; a
// missing file is treated as empty, matching the teacher's "ignore not
// found" convention in internal/config/loader.go.
func mergeTOMLFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	v.SetConfigFile(path)
	return v.MergeInConfig()
}

// applyCodexEnv reads CODEX_MODEL, CODEX_PROVIDER, CODEX_AUTO_UPGRADE (and
// any other CODEX_ prefixed var matching a known key) applying a permissive
// bool-ish parser for the auto_upgrade flag.
func applyCodexEnv(v *viper.Viper) {
	if val, ok := os.LookupEnv(envPrefix + "_MODEL"); ok {
		v.Set("model", val)
	}
	if val, ok := os.LookupEnv(envPrefix + "_PROVIDER"); ok {
		v.Set("provider", val)
	}
	if val, ok := os.LookupEnv(envPrefix + "_AUTO_UPGRADE"); ok {
		if b, err := parseBoolish(val); err == nil {
			v.Set("auto_upgrade", b)
		}
	}
}

// parseBoolish accepts true/false/1/0/yes/no/on/off (case-insensitive), the
// original's permissive environment-variable boolean grammar.
func parseBoolish(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		if b, err := strconv.ParseBool(s); err == nil {
			return b, nil
		}
		return false, fmt.Errorf("not a recognized boolean: %q", s)
	}
}

var knownTopLevelKeys = map[string]bool{
	"stages": true, "quality_gates_on": true, "strict_prereqs": true, "ace_enabled": true,
	"rerun_window_seconds": true, "model": true, "provider": true, "auto_upgrade": true,
}

func remainderKeys(all map[string]interface{}) map[string]interface{} {
	extra := make(map[string]interface{})
	for k, v := range all {
		if !knownTopLevelKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// StageOverrides captures CLI-layer overrides (--skip-x, --only-x, --stages=a,b,c).
type StageOverrides struct {
	Skip  []string
	Only  []string
	Exact []string // from --stages=a,b,c; when non-empty, wins over Skip/Only
}

// ApplyOverrides mutates cfg in place to reflect CLI overrides, the highest
// precedence layer.
func (cfg *PipelineConfig) ApplyOverrides(o StageOverrides) {
	if cfg.Stages == nil {
		cfg.Stages = make(map[string]StageConfig)
	}
	if len(o.Exact) > 0 {
		exact := make(map[string]bool, len(o.Exact))
		for _, s := range o.Exact {
			exact[s] = true
		}
		for name, sc := range cfg.Stages {
			sc.Enabled = exact[name]
			cfg.Stages[name] = sc
		}
		return
	}
	for _, name := range o.Skip {
		sc := cfg.Stages[name]
		sc.Enabled = false
		cfg.Stages[name] = sc
	}
	if len(o.Only) == 0 {
		return
	}
	only := make(map[string]bool, len(o.Only))
	for _, s := range o.Only {
		only[s] = true
	}
	for name, sc := range cfg.Stages {
		sc.Enabled = only[name]
		cfg.Stages[name] = sc
	}
}
