// Package config holds the on-disk configuration shared by all dead
// binaries: where the build cache, logs and patches live, and which
// compiler projects are known.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v2"

	"github.com/DeadCodeProductions/dead/go/compilers"
	"github.com/DeadCodeProductions/dead/go/util"
)

// Config is the deserialized JSON config file.
type Config struct {
	// CacheRoot is the directory holding the installed compiler cache.
	CacheRoot string `json:"cachedir"`
	// LogDir receives one log file per build attempt.
	LogDir string `json:"logdir"`
	// PatchDir holds the patch files the patch database refers to.
	PatchDir string `json:"patchdir"`
	// PatchDB is the path of the patch database JSON file.
	PatchDB string `json:"patchdb"`
	// CacheGroup, if set, is the unix group shared cache entries belong to.
	CacheGroup string `json:"cache_group,omitempty"`
	// Cores is the default build parallelism; 0 means one job per CPU.
	Cores int `json:"cores,omitempty"`
	// Projects are the compiler projects available for building and
	// bisecting.
	Projects []compilers.Project `json:"projects"`
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".config", "dead", "config.json")
}

// Default returns a config with all paths rooted under the user's cache
// directory. Projects must still be filled in.
func Default() *Config {
	base := "dead"
	if cache, err := os.UserCacheDir(); err == nil {
		base = filepath.Join(cache, "dead")
	}
	return &Config{
		CacheRoot: filepath.Join(base, "compiler_cache"),
		LogDir:    filepath.Join(base, "logs"),
		PatchDir:  filepath.Join(base, "patches"),
		PatchDB:   filepath.Join(base, "patchdb.json"),
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read config file %s", path)
	}
	c := Default()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "Failed to parse config file %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "Invalid config file %s", path)
	}
	return c, nil
}

// Store writes the config to the given path, creating parent directories as
// needed.
func (c *Config) Store(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "Failed to create config directory")
	}
	b, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return errors.Wrap(err, "Failed to serialize config")
	}
	return util.WriteFileAtomic(path, b, 0644)
}

// Validate checks that all required fields are present.
func (c *Config) Validate() error {
	if c.CacheRoot == "" {
		return errors.New("cachedir must be set")
	}
	if c.LogDir == "" {
		return errors.New("logdir must be set")
	}
	if c.PatchDir == "" {
		return errors.New("patchdir must be set")
	}
	if c.PatchDB == "" {
		return errors.New("patchdb must be set")
	}
	for _, p := range c.Projects {
		if p.Name == "" {
			return errors.New("every project needs a name")
		}
		if p.RepoPath == "" {
			return errors.Errorf("project %s needs a repo path", p.Name)
		}
		if p.MainBranch == "" {
			return errors.Errorf("project %s needs a main branch", p.Name)
		}
	}
	return nil
}

// Project returns the configured project with the given name.
func (c *Config) Project(name string) (compilers.Project, error) {
	// "llvm" is a common way to refer to the clang project.
	if name == "llvm" {
		name = "clang"
	}
	for _, p := range c.Projects {
		if p.Name == name {
			return p, nil
		}
	}
	return compilers.Project{}, errors.Errorf("project %q is not configured", name)
}

// AsCliFlags returns the config file flag for a cli.App.
func AsCliFlags(configPath *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Destination: configPath,
			Name:        "config",
			Value:       DefaultPath(),
			Usage:       "The config file to use.",
		},
	}
}
