package builder

import (
	"fmt"
	"strings"
)

// BuildFailure means the toolchain could not produce an installed compiler
// for a (project, revision, patch-set) combination. It is recoverable
// during bisection: the bisector steps over the unbuildable commit.
type BuildFailure struct {
	Project string
	Rev     string
	Patches []string
	Err     error
}

func (e *BuildFailure) Error() string {
	msg := fmt.Sprintf("failed to build %s %s", e.Project, e.Rev)
	if len(e.Patches) > 0 {
		msg += fmt.Sprintf(" with patches [%s]", strings.Join(e.Patches, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildFailure) Unwrap() error {
	return e.Err
}

// CompileError means a working compiler failed to compile a specific test
// program. This is not a toolchain build problem: during cache-phase
// bisection the candidate is simply discarded and the search continues.
type CompileError struct {
	Compiler string
	Err      error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("%s failed to compile the test program", e.Compiler)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
