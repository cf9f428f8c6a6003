package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/DeadCodeProductions/dead/go/bisection"
	"github.com/DeadCodeProductions/dead/go/builder"
	"github.com/DeadCodeProductions/dead/go/exec"
	"github.com/DeadCodeProductions/dead/go/util"
)

// markerOracle is the interestingness test for dead-code cases: a commit is
// interesting iff the case's marker survives into the assembly the compiler
// at that commit emits for the (reduced) test program.
type markerOracle struct {
	bldr *builder.Builder
	cse  *bisection.Case
}

func (o *markerOracle) IsInteresting(ctx context.Context, commit string) (bool, error) {
	setting := o.cse.BadSetting
	setting.Rev = commit
	bin, err := o.bldr.CompilerExecutable(ctx, setting)
	if err != nil {
		return false, err
	}

	code := o.cse.Code
	if n := len(o.cse.ReducedCode); n > 0 {
		code = o.cse.ReducedCode[n-1]
	}
	dir, err := os.MkdirTemp("", "dead-oracle-")
	if err != nil {
		return false, errors.Wrap(err, "Failed to create temporary directory")
	}
	defer util.RemoveAll(dir)
	src := filepath.Join(dir, "case.c")
	if err := os.WriteFile(src, []byte(code), 0644); err != nil {
		return false, errors.Wrap(err, "Failed to write test program")
	}

	args := append(setting.FlagArgs(), setting.OptLevel, "-S", "-o-", src)
	asm, err := exec.RunCommand(ctx, &exec.Command{
		Name:    bin,
		Args:    args,
		Timeout: 2 * time.Minute,
		Quiet:   true,
	})
	if err != nil {
		return false, &builder.CompileError{Compiler: bin, Err: err}
	}
	return strings.Contains(asm, o.cse.Marker), nil
}
