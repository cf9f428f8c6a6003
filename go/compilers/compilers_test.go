package compilers

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeadCodeProductions/dead/go/exec"
)

func TestComparableTo(t *testing.T) {
	gcc := Project{Name: "gcc"}
	clang := Project{Name: "clang"}

	a := Setting{Project: gcc, OptLevel: "-O3", Rev: "c1"}
	assert.True(t, a.ComparableTo(Setting{Project: gcc, OptLevel: "-O3", Rev: "c2"}))
	assert.False(t, a.ComparableTo(Setting{Project: gcc, OptLevel: "-O2", Rev: "c2"}))
	assert.False(t, a.ComparableTo(Setting{Project: clang, OptLevel: "-O3", Rev: "c2"}))
}

func TestFlagArgs(t *testing.T) {
	s := Setting{
		Flags:        []string{"-fno-inline", "-w"},
		IncludePaths: []string{"/usr/include/csmith"},
	}
	assert.Equal(t, []string{"-fno-inline", "-w", "-isystem/usr/include/csmith"}, s.FlagArgs())
}

func TestBinaryPath(t *testing.T) {
	p := Project{Name: "clang"}
	assert.Equal(t, "/cache/clang-abc/bin/clang", p.BinaryPath("/cache/clang-abc"))
}

func TestRunBuildUnknownProject(t *testing.T) {
	collector := exec.CommandCollector{}
	ctx := exec.NewContext(context.Background(), collector.Run)
	err := RunBuild(ctx, Project{Name: "icc"}, t.TempDir(), "/prefix", 4, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no build recipe")
}

func TestRunGccBuild(t *testing.T) {
	collector := exec.CommandCollector{}
	ctx := exec.NewContext(context.Background(), collector.Run)
	srcDir := t.TempDir()

	require.NoError(t, RunBuild(ctx, Project{Name: "gcc"}, srcDir, "/prefix", 8, &bytes.Buffer{}))
	assert.DirExists(t, filepath.Join(srcDir, "build"))

	var lines []string
	for _, cmd := range collector.Commands() {
		lines = append(lines, exec.DebugString(cmd))
	}
	require.Len(t, lines, 4)
	assert.Equal(t, "./contrib/download_prerequisites", lines[0])
	assert.Contains(t, lines[1], "../configure")
	assert.Contains(t, lines[1], "--prefix=/prefix")
	assert.Equal(t, "make -j 8", lines[2])
	assert.Equal(t, "make install", lines[3])
}

func TestRunClangBuild(t *testing.T) {
	collector := exec.CommandCollector{}
	ctx := exec.NewContext(context.Background(), collector.Run)
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "llvm"), 0755))

	require.NoError(t, RunBuild(ctx, Project{Name: "clang"}, srcDir, "/prefix", 8, &bytes.Buffer{}))

	commands := collector.Commands()
	require.Len(t, commands, 2)
	cmake := exec.DebugString(commands[0])
	assert.True(t, strings.Contains(cmake, "cmake"), cmake)
	assert.Contains(t, cmake, "-DCMAKE_INSTALL_PREFIX=/prefix")
	assert.Contains(t, cmake, "CC=clang")
	assert.Equal(t, "ninja -j 8 install", exec.DebugString(commands[1]))
}
