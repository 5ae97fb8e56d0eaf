package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// HomeEnv overrides the per-user configuration directory (~/.matbench).
const HomeEnv = "MATBENCH_HOME"

// ResultsEnv supplies the results directory when no flag or profile does.
const ResultsEnv = "MATBENCH_RESULTS"

// Config is the per-user configuration file.
type Config struct {
	Defaults Profile            `json:"defaults" yaml:"defaults"`
	Profiles map[string]Profile `json:"profiles" yaml:"profiles"`
	path     string
}

// A Profile holds default locations and choices for runs.
type Profile struct {
	ResultsDir   string `json:"results_dir" yaml:"results_dir"`
	ExecDir      string `json:"exec_dir" yaml:"exec_dir"`
	Workload     string `json:"workload" yaml:"workload"`
	RemoteScript string `json:"remote_script" yaml:"remote_script"`
	Journal      string `json:"journal" yaml:"journal"`
	StopOnError  *bool  `json:"stop_on_error" yaml:"stop_on_error"`
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Dir returns the per-user configuration directory. It is not created:
// only the journal writes there.
func Dir() (string, error) {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".matbench")
	}
	return dir, nil
}

func defaultConfigPaths() ([]string, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
		filepath.Join(dir, "config.json"),
	}, nil
}

// Load reads the first per-user configuration file found.
// It returns nil, nil when there is none.
func Load() (*Config, error) {
	paths, err := defaultConfigPaths()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		cfg := &Config{
			Profiles: make(map[string]Profile),
			path:     path,
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return cfg, nil
		}
		if err := unmarshalConfigData(data, filepath.Ext(path), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.Profiles == nil {
			cfg.Profiles = make(map[string]Profile)
		}
		return cfg, nil
	}
	return nil, nil
}

// PathHint describes where Load looks, for error messages.
func PathHint() string {
	dir, err := Dir()
	if err != nil {
		return "~/.matbench/config.(json|yaml)"
	}
	return fmt.Sprintf("%s/config.(json|yaml)", dir)
}

// Resolve merges the defaults with the named profile.
// Fields set in the profile win over the defaults.
// A nil Config resolves to the zero Profile unless a name is requested.
func (c *Config) Resolve(name string) (Profile, error) {
	if c == nil {
		if name != "" {
			return Profile{}, fmt.Errorf("profile %q requested but no config file found (expected %s)", name, PathHint())
		}
		return Profile{}, nil
	}
	p := c.Defaults
	if name == "" {
		return p, nil
	}
	prof, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found in %s", name, c.path)
	}
	p.apply(prof)
	return p, nil
}

func (p *Profile) apply(over Profile) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&p.ResultsDir, over.ResultsDir)
	set(&p.ExecDir, over.ExecDir)
	set(&p.Workload, over.Workload)
	set(&p.RemoteScript, over.RemoteScript)
	set(&p.Journal, over.Journal)
	if over.StopOnError != nil {
		v := *over.StopOnError
		p.StopOnError = &v
	}
}

func unmarshalConfigData(data []byte, ext string, target any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(trimmed, target)
	default:
		if err := json.Unmarshal(trimmed, target); err == nil {
			return nil
		}
		return yaml.Unmarshal(trimmed, target)
	}
}

// ExpandPath resolves a leading ~ and makes p absolute.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		rest := strings.TrimPrefix(p, "~")
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			p = home
		} else {
			p = filepath.Join(home, rest)
		}
	}
	return filepath.Abs(p)
}
