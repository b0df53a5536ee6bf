package taskconfig

import (
	"fmt"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// configFileBase is the name lazy.config.{json,js,...} variants share; only
// the JSON form is read directly, the way the teacher config layer reads a
// single JSON document and leaves richer formats to a future loader.
const configFileBase = "lazy.config"

// Resolver answers TaskConfig questions for a project. It is built once per
// run from the root lazy.config.json (if present) and handed to the graph
// builder as the Config half of the Project/Config collaborator contract.
type Resolver struct {
	defaults TaskConfig
	perTask  map[string]TaskConfig
}

// Load reads `lazy.config.json` from rootDir, if present, and returns a
// Resolver that serves resolved TaskConfig values. A missing config file is
// not an error: every script falls back to the zero-configuration default.
func Load(rootDir string) (*Resolver, error) {
	expanded, err := expandHome(rootDir)
	if err != nil {
		return nil, errors.Wrap(err, "expanding root dir")
	}

	v := viper.New()
	v.SetConfigName(configFileBase)
	v.SetConfigType("json")
	v.AddConfigPath(expanded)

	raw := struct {
		Pipeline map[string]rawTaskConfig `mapstructure:"pipeline"`
	}{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading lazy.config.json")
		}
		return &Resolver{defaults: defaultTaskConfig(), perTask: map[string]TaskConfig{}}, nil
	}

	if err := v.Unmarshal(&raw); err != nil {
		return nil, errors.Wrap(err, "parsing lazy.config.json")
	}

	resolver := &Resolver{defaults: defaultTaskConfig(), perTask: map[string]TaskConfig{}}
	for script, cfg := range raw.Pipeline {
		resolved, err := cfg.resolve(resolver.defaults)
		if err != nil {
			return nil, errors.Wrapf(err, "pipeline entry %q", script)
		}
		resolver.perTask[script] = resolved
	}
	return resolver, nil
}

// GetTaskConfig returns the resolved TaskConfig for a script, independent of
// which workspace requests it: the pipeline config in lazy.config.json is
// keyed by script name only, mirroring how the teacher's pipeline applies
// one definition across every package that declares the script.
func (r *Resolver) GetTaskConfig(scriptName string) TaskConfig {
	if cfg, ok := r.perTask[scriptName]; ok {
		return cfg
	}
	return r.defaults
}

func defaultTaskConfig() TaskConfig {
	return TaskConfig{
		Mode:     Independent,
		Parallel: true,
		Cache: CacheRules{
			Output:           nil,
			InheritBaseCache: true,
		},
	}
}

// rawTaskConfig mirrors the JSON shape of one pipeline entry before
// defaults are applied; every field is optional.
type rawTaskConfig struct {
	Mode        string              `mapstructure:"mode"`
	Parallel    *bool               `mapstructure:"parallel"`
	RunsAfter   []RunsAfterRelation `mapstructure:"runsAfter"`
	Cache       *CacheRules         `mapstructure:"cache"`
	BaseCommand string              `mapstructure:"baseCommand"`
}

func (r rawTaskConfig) resolve(defaults TaskConfig) (TaskConfig, error) {
	cfg := defaults
	if r.Mode != "" {
		switch ExecutionMode(r.Mode) {
		case Independent, Dependent, TopLevel:
			cfg.Mode = ExecutionMode(r.Mode)
		default:
			return TaskConfig{}, fmt.Errorf("unknown mode %q", r.Mode)
		}
	}
	if r.Parallel != nil {
		cfg.Parallel = *r.Parallel
	}
	if r.RunsAfter != nil {
		cfg.RunsAfter = make([]RunsAfterRelation, len(r.RunsAfter))
		copy(cfg.RunsAfter, r.RunsAfter)
		for i, rel := range cfg.RunsAfter {
			if rel.Scope == "" {
				cfg.RunsAfter[i].Scope = ScopeAll
			}
		}
	}
	if r.Cache != nil {
		cfg.Cache = *r.Cache
	}
	if r.BaseCommand != "" {
		cfg.BaseCommand = r.BaseCommand
	}
	return cfg, nil
}

// expandHome resolves a leading ~ in a config-supplied path, the way
// mitchellh/go-homedir is used elsewhere in the ambient stack.
func expandHome(path string) (string, error) {
	return homedir.Expand(path)
}
