// Package compilers models the compiler projects under test and knows how
// to drive their build systems.
package compilers

import (
	"path/filepath"
)

// Project identifies one compiler project and where its sources live.
type Project struct {
	// Name is the project identity used for cache directory prefixes and
	// PatchDB entries, e.g. "gcc" or "clang".
	Name string `json:"name"`
	// RepoPath is the local clone of the project's repository.
	RepoPath string `json:"repo"`
	// MainBranch is the name of the trunk branch, e.g. "master" for gcc and
	// "main" for llvm-project.
	MainBranch string `json:"main_branch"`
	// Releases lists release tags worth prebuilding into the cache.
	Releases []string `json:"releases"`
}

// BinaryPath returns the path of the compiler executable inside an
// installed prefix, i.e. <prefix>/bin/<name>.
func (p Project) BinaryPath(prefix string) string {
	return filepath.Join(prefix, "bin", p.Name)
}

// Setting is a fully specified compilation configuration used in a test
// case.
type Setting struct {
	Project Project `json:"project"`
	Rev     string  `json:"rev"`
	// OptLevel carries the complete optimization flag, e.g. "-O3", not the
	// bare level; it is passed to the compiler verbatim.
	OptLevel     string   `json:"opt_level"`
	Flags        []string `json:"flags,omitempty"`
	IncludePaths []string `json:"include_paths,omitempty"`
}

// ComparableTo reports whether two settings may be bisected against each
// other: they must target the same project at the same optimization level.
func (s Setting) ComparableTo(o Setting) bool {
	return s.Project.Name == o.Project.Name && s.OptLevel == o.OptLevel
}

// FlagArgs returns the command line arguments implied by the setting's
// flags and include paths, not including the optimization level.
func (s Setting) FlagArgs() []string {
	args := make([]string, 0, len(s.Flags)+len(s.IncludePaths))
	args = append(args, s.Flags...)
	for _, p := range s.IncludePaths {
		args = append(args, "-isystem"+p)
	}
	return args
}
