package builder

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/DeadCodeProductions/dead/go/compilers"
	"github.com/DeadCodeProductions/dead/go/exec"
	"github.com/DeadCodeProductions/dead/go/patchdb"
)

const testHash = "abc1230000000000000000000000000000000000"

// fakeToolchain stands in for git and the compiler build tools. It answers
// the exact commands the Builder issues and counts how often a full build
// was started.
type fakeToolchain struct {
	t *testing.T

	mtx        sync.Mutex
	hashes     map[string]string
	timestamps map[string]int64
	failBuild  bool
	builds     int
	configures []*exec.Command
	lines      []string
}

func newFakeToolchain(t *testing.T) *fakeToolchain {
	return &fakeToolchain{
		t:          t,
		hashes:     map[string]string{"master": testHash, testHash: testHash},
		timestamps: map[string]int64{},
	}
}

func (f *fakeToolchain) buildCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.builds
}

func (f *fakeToolchain) Run(ctx context.Context, cmd *exec.Command) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.lines = append(f.lines, exec.DebugString(cmd))

	if cmd.Name == "git" {
		switch cmd.Args[0] {
		case "rev-parse":
			hash, ok := f.hashes[cmd.Args[1]]
			if !ok {
				return errors.Errorf("unknown revision %q", cmd.Args[1])
			}
			_, err := cmd.CombinedOutput.Write([]byte(hash + "\n"))
			return err
		case "log":
			ts, ok := f.timestamps[cmd.Args[3]]
			if !ok {
				return errors.Errorf("unknown revision %q", cmd.Args[3])
			}
			_, err := cmd.CombinedOutput.Write([]byte(strconv.FormatInt(ts, 10) + "\n"))
			return err
		case "worktree", "apply":
			return nil
		}
		return errors.Errorf("unexpected git command: %s", exec.DebugString(cmd))
	}
	if strings.HasSuffix(cmd.Name, "configure") {
		f.builds++
		f.configures = append(f.configures, cmd)
		if f.failBuild {
			return errors.New("configure exited with status 1")
		}
		return nil
	}
	// download_prerequisites, make, chmod, chgrp.
	return nil
}

func newTestBuilder(t *testing.T, f *fakeToolchain) (context.Context, *Builder, *patchdb.DB) {
	tmp := t.TempDir()
	repoDir := filepath.Join(tmp, "repo")
	require.NoError(t, os.MkdirAll(repoDir, 0755))
	patchDir := filepath.Join(tmp, "patches")
	require.NoError(t, os.MkdirAll(patchDir, 0755))

	db, err := patchdb.New(filepath.Join(tmp, "patchdb.json"), patchDir)
	require.NoError(t, err)

	b, err := New(filepath.Join(tmp, "cache"), filepath.Join(tmp, "logs"), "", db, 2)
	require.NoError(t, err)
	b.pollInterval = 5 * time.Millisecond

	ctx := exec.NewContext(context.Background(), f.Run)
	return ctx, b, db
}

// testGccProject returns a gcc project whose repo path exists; all git
// traffic is faked by fakeToolchain.
func testGccProject(t *testing.T) compilers.Project {
	return compilers.Project{Name: "gcc", RepoPath: t.TempDir(), MainBranch: "master"}
}

func TestBuildCachesResult(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)

	prefix, err := b.Build(ctx, p, testHash)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.cacheRoot, "gcc-"+testHash), prefix)
	assert.FileExists(t, filepath.Join(prefix, successMarker))
	assert.NoFileExists(t, filepath.Join(prefix, leaseFile))
	require.Equal(t, 1, f.buildCount())

	// The second request is a pure cache hit.
	again, err := b.Build(ctx, p, testHash)
	require.NoError(t, err)
	assert.Equal(t, prefix, again)
	assert.Equal(t, 1, f.buildCount())
}

func TestBuildCreatesAlias(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)

	prefix, err := b.Build(ctx, p, "trunk")
	require.NoError(t, err)

	alias := filepath.Join(b.cacheRoot, "gcc-trunk")
	fi, err := os.Lstat(alias)
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSymlink)
	target, err := os.Readlink(alias)
	require.NoError(t, err)
	assert.Equal(t, prefix, target)
}

func TestAliasConflictIsMovedAside(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)

	alias := filepath.Join(b.cacheRoot, "gcc-trunk")
	require.NoError(t, os.MkdirAll(alias, 0755))

	prefix, err := b.Build(ctx, p, "trunk")
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(b.cacheRoot, "conflict_gcc-trunk"))
	target, err := os.Readlink(alias)
	require.NoError(t, err)
	assert.Equal(t, prefix, target)
}

func TestBuildFailureRemovesEntryAndRecordsBad(t *testing.T) {
	f := newFakeToolchain(t)
	f.failBuild = true
	ctx, b, db := newTestBuilder(t, f)
	p := testGccProject(t)

	_, err := b.Build(ctx, p, testHash)
	require.Error(t, err)
	var bf *BuildFailure
	require.True(t, errors.As(err, &bf))
	assert.Equal(t, "gcc", bf.Project)
	assert.Equal(t, testHash, bf.Rev)

	assert.NoDirExists(t, filepath.Join(b.cacheRoot, "gcc-"+testHash))
	bad, err := db.IsKnownBad(nil, "gcc", testHash)
	require.NoError(t, err)
	assert.True(t, bad)
}

func TestKnownBadGate(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, db := newTestBuilder(t, f)
	p := testGccProject(t)
	require.NoError(t, db.SaveBad(nil, "gcc", testHash))

	_, err := b.Build(ctx, p, testHash)
	var bf *BuildFailure
	require.True(t, errors.As(err, &bf))
	assert.Equal(t, 0, f.buildCount())

	// Force overrides the gate and a success clears the record.
	prefix, err := b.BuildWithOptions(ctx, p, testHash, Options{Force: true})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(prefix, successMarker))
	bad, err := db.IsKnownBad(nil, "gcc", testHash)
	require.NoError(t, err)
	assert.False(t, bad)
}

func TestManualGate(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, db := newTestBuilder(t, f)
	p := testGccProject(t)
	require.NoError(t, db.MarkManual("gcc", testHash))

	_, err := b.Build(ctx, p, testHash)
	var bf *BuildFailure
	require.True(t, errors.As(err, &bf))
	assert.Contains(t, err.Error(), "manual intervention")
	assert.Equal(t, 0, f.buildCount())
}

func TestPatchesAreAppliedAndRecorded(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, db := newTestBuilder(t, f)
	p := testGccProject(t)

	patch := filepath.Join(t.TempDir(), "fix-build.patch")
	require.NoError(t, os.WriteFile(patch, []byte("--- a\n+++ b\n"), 0644))

	_, err := b.BuildWithOptions(ctx, p, testHash, Options{ExtraPatches: []string{patch}})
	require.NoError(t, err)

	f.mtx.Lock()
	var applies []string
	for _, line := range f.lines {
		if strings.Contains(line, "git apply") {
			applies = append(applies, line)
		}
	}
	f.mtx.Unlock()
	require.Len(t, applies, 2)
	assert.Contains(t, applies[0], "--check")
	assert.NotContains(t, applies[1], "--check")

	// Success persists the patch association.
	required, err := db.RequiredPatches(testHash)
	require.NoError(t, err)
	require.Len(t, required, 1)
	assert.Equal(t, "fix-build.patch", filepath.Base(required[0]))
}

func TestToolchainRunsDetachedFromCaller(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)

	_, err := b.Build(ctx, p, testHash)
	require.NoError(t, err)

	// The build tools run in their own process group so that a canceled or
	// killed caller cannot leave a half-written cache entry behind.
	f.mtx.Lock()
	defer f.mtx.Unlock()
	require.Len(t, f.configures, 1)
	require.NotNil(t, f.configures[0].SysProcAttr)
	assert.True(t, f.configures[0].SysProcAttr.Setpgid)
}

func TestConcurrentBuildsShareOneToolchainRun(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)

	var eg errgroup.Group
	prefixes := make([]string, 4)
	for i := 0; i < 4; i++ {
		i := i
		eg.Go(func() error {
			prefix, err := b.Build(ctx, p, testHash)
			prefixes[i] = prefix
			return err
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, 1, f.buildCount())
	for _, prefix := range prefixes {
		assert.Equal(t, prefixes[0], prefix)
	}
}

func TestStaleLeaseIsReclaimed(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)
	b.leaseExpiry = time.Nanosecond

	// A leftover claim from a crashed process: directory without a success
	// marker, with an expired heartbeat.
	stale := filepath.Join(b.cacheRoot, "gcc-"+testHash)
	require.NoError(t, os.MkdirAll(stale, 0775))
	time.Sleep(10 * time.Millisecond)

	prefix, err := b.Build(ctx, p, testHash)
	require.NoError(t, err)
	assert.Equal(t, stale, prefix)
	assert.FileExists(t, filepath.Join(prefix, successMarker))
	assert.Equal(t, 1, f.buildCount())
}

func TestFindCachedRevisions(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)

	revs, err := b.FindCachedRevisions("gcc")
	require.NoError(t, err)
	assert.Empty(t, revs)

	// The alias symlink must not show up as a second revision, and
	// incomplete entries are invisible.
	_, err = b.Build(ctx, p, "trunk")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(b.cacheRoot, "gcc-deadbeef"), 0775))

	revs, err = b.FindCachedRevisions("gcc")
	require.NoError(t, err)
	assert.Equal(t, []string{testHash}, revs)
}

func TestCompilerExecutable(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)

	bin, err := b.CompilerExecutable(ctx, compilers.Setting{Project: p, Rev: testHash})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.cacheRoot, "gcc-"+testHash, "bin", "gcc"), bin)
}

func TestBuildReleases(t *testing.T) {
	f := newFakeToolchain(t)
	otherHash := "def4560000000000000000000000000000000000"
	f.hashes["releases/gcc-12"] = otherHash
	f.hashes[otherHash] = otherHash
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)
	p.Releases = []string{testHash, "releases/gcc-12"}

	require.NoError(t, b.BuildReleases(ctx, []compilers.Project{p}))
	assert.Equal(t, 2, f.buildCount())

	revs, err := b.FindCachedRevisions("gcc")
	require.NoError(t, err)
	assert.Equal(t, []string{testHash, otherHash}, revs)
}

func TestDecimate(t *testing.T) {
	f := newFakeToolchain(t)
	ctx, b, _ := newTestBuilder(t, f)
	p := testGccProject(t)

	now := time.Now()
	mkEntry := func(hash string, age time.Duration) string {
		f.hashes[hash] = hash
		f.timestamps[hash] = now.Add(-age).Unix()
		prefix := filepath.Join(b.cacheRoot, "gcc-"+hash)
		require.NoError(t, os.MkdirAll(prefix, 0775))
		require.NoError(t, os.WriteFile(filepath.Join(prefix, successMarker), nil, 0664))
		return prefix
	}
	oldest := mkEntry("1111111111111111111111111111111111111111", 96*time.Hour)
	middle := mkEntry("2222222222222222222222222222222222222222", 72*time.Hour)
	older := mkEntry("3333333333333333333333333333333333333333", 48*time.Hour)
	recent := mkEntry("4444444444444444444444444444444444444444", time.Hour)

	removed, err := b.Decimate(ctx, p, 24*time.Hour)
	require.NoError(t, err)

	// Every second old entry goes, recent ones are untouched.
	assert.Equal(t, []string{middle}, removed)
	assert.DirExists(t, oldest)
	assert.NoDirExists(t, middle)
	assert.DirExists(t, older)
	assert.DirExists(t, recent)
}
