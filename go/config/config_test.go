package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeadCodeProductions/dead/go/compilers"
)

func validConfig(t *testing.T) *Config {
	base := t.TempDir()
	return &Config{
		CacheRoot: filepath.Join(base, "cache"),
		LogDir:    filepath.Join(base, "logs"),
		PatchDir:  filepath.Join(base, "patches"),
		PatchDB:   filepath.Join(base, "patchdb.json"),
		Projects: []compilers.Project{
			{Name: "gcc", RepoPath: "/repos/gcc", MainBranch: "master"},
			{Name: "clang", RepoPath: "/repos/llvm-project", MainBranch: "main"},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	c := validConfig(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, c.Store(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}

func TestValidate(t *testing.T) {
	c := validConfig(t)
	require.NoError(t, c.Validate())

	c.Projects[0].MainBranch = ""
	require.Error(t, c.Validate())

	c = validConfig(t)
	c.CacheRoot = ""
	require.Error(t, c.Validate())
}

func TestLoadRejectsInvalid(t *testing.T) {
	c := validConfig(t)
	c.PatchDB = ""
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, c.Store(path))

	_, err := Load(path)
	require.Error(t, err)
}

func TestProjectLookup(t *testing.T) {
	c := validConfig(t)

	p, err := c.Project("gcc")
	require.NoError(t, err)
	assert.Equal(t, "master", p.MainBranch)

	// llvm is an alias for clang.
	p, err = c.Project("llvm")
	require.NoError(t, err)
	assert.Equal(t, "clang", p.Name)

	_, err = c.Project("icc")
	require.Error(t, err)
}
