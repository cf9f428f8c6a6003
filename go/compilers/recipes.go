package compilers

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/DeadCodeProductions/dead/go/exec"
)

// RunBuild drives the project-specific toolchain build: sources in srcDir
// are configured and installed into prefix, using at most cores parallel
// jobs. All toolchain output is captured in buildLog.
func RunBuild(ctx context.Context, p Project, srcDir, prefix string, cores int, buildLog io.Writer) error {
	buildDir := filepath.Join(srcDir, "build")
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return errors.Wrap(err, "Failed to create build directory")
	}
	switch p.Name {
	case "gcc":
		return runGccBuild(ctx, srcDir, buildDir, prefix, cores, buildLog)
	case "clang":
		return runClangBuild(ctx, srcDir, buildDir, prefix, cores, buildLog)
	default:
		return errors.Errorf("no build recipe for project %q", p.Name)
	}
}

func runGccBuild(ctx context.Context, srcDir, buildDir, prefix string, cores int, buildLog io.Writer) error {
	if err := exec.Run(ctx, &exec.Command{
		Name:           "./contrib/download_prerequisites",
		Dir:            srcDir,
		CombinedOutput: buildLog,
	}); err != nil {
		return errors.Wrap(err, "download_prerequisites failed")
	}
	if err := exec.Run(ctx, &exec.Command{
		Name: "../configure",
		Args: []string{
			"--disable-multilib",
			"--disable-bootstrap",
			"--enable-languages=c,c++",
			"--prefix=" + prefix,
		},
		Dir:            buildDir,
		CombinedOutput: buildLog,
	}); err != nil {
		return errors.Wrap(err, "configure failed")
	}
	if err := exec.Run(ctx, &exec.Command{
		Name:           "make",
		Args:           []string{"-j", fmt.Sprintf("%d", cores)},
		Dir:            buildDir,
		CombinedOutput: buildLog,
	}); err != nil {
		return errors.Wrap(err, "make failed")
	}
	if err := exec.Run(ctx, &exec.Command{
		Name:           "make",
		Args:           []string{"install"},
		Dir:            buildDir,
		CombinedOutput: buildLog,
	}); err != nil {
		return errors.Wrap(err, "make install failed")
	}
	return nil
}

func runClangBuild(ctx context.Context, srcDir, buildDir, prefix string, cores int, buildLog io.Writer) error {
	if err := exec.Run(ctx, &exec.Command{
		Name: "cmake",
		Args: []string{
			"-G", "Ninja",
			"-DCMAKE_BUILD_TYPE=Release",
			"-DLLVM_ENABLE_PROJECTS=clang",
			"-DLLVM_INCLUDE_BENCHMARKS=OFF",
			"-DLLVM_INCLUDE_TESTS=OFF",
			"-DLLVM_TARGETS_TO_BUILD=X86",
			"-DCMAKE_INSTALL_PREFIX=" + prefix,
			filepath.Join(srcDir, "llvm"),
		},
		// Building a historical clang with a modern host clang is much less
		// fragile than with whatever cc happens to be the default.
		Env:            []string{"CC=clang", "CXX=clang++"},
		InheritPath:    true,
		Dir:            buildDir,
		CombinedOutput: buildLog,
	}); err != nil {
		return errors.Wrap(err, "cmake failed")
	}
	if err := exec.Run(ctx, &exec.Command{
		Name:           "ninja",
		Args:           []string{"-j", fmt.Sprintf("%d", cores), "install"},
		Dir:            buildDir,
		CombinedOutput: buildLog,
	}); err != nil {
		return errors.Wrap(err, "ninja install failed")
	}
	return nil
}
