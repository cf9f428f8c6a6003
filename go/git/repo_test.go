package git

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeadCodeProductions/dead/go/exec"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hashC = "cccccccccccccccccccccccccccccccccccccccc"
)

// gitStub answers recorded git command lines with canned output and lets a
// test mark individual command lines as failing.
type gitStub struct {
	collector exec.CommandCollector
	outputs   map[string]string
	failing   map[string]bool
}

func newGitStub(t *testing.T) (*gitStub, context.Context) {
	s := &gitStub{
		outputs: map[string]string{},
		failing: map[string]bool{},
	}
	s.collector.SetDelegateRun(func(ctx context.Context, cmd *exec.Command) error {
		line := exec.DebugString(cmd)
		if s.failing[line] {
			return fmt.Errorf("exit status 1")
		}
		out, ok := s.outputs[line]
		if !ok {
			return fmt.Errorf("unexpected command: %s", line)
		}
		if cmd.CombinedOutput != nil {
			_, err := cmd.CombinedOutput.Write([]byte(out))
			require.NoError(t, err)
		}
		return nil
	})
	return s, exec.NewContext(context.Background(), s.collector.Run)
}

func (s *gitStub) numCalls() int {
	return len(s.collector.Commands())
}

func testRepo(t *testing.T) (*Repo, *gitStub, context.Context) {
	stub, ctx := newGitStub(t)
	repo, err := NewRepo(t.TempDir(), "main")
	require.NoError(t, err)
	return repo, stub, ctx
}

func TestNewRepoMissingDir(t *testing.T) {
	_, err := NewRepo("/this/path/does/not/exist", "main")
	require.Error(t, err)
}

func TestResolveRev(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs["git rev-parse main"] = hashA + "\n"

	// Symbolic names for the main branch all resolve through it.
	for _, name := range []string{"trunk", "master", "main"} {
		hash, err := repo.ResolveRev(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, hashA, hash)
	}

	// Resolution is memoized; the three calls above hit git once.
	assert.Equal(t, 1, stub.numCalls())
}

func TestResolveRevInvalidOutput(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs["git rev-parse short"] = "abc123\n"
	_, err := repo.ResolveRev(ctx, "short")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid commit hash")
}

func TestIsAncestor(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs["git rev-parse "+hashA] = hashA + "\n"
	stub.outputs["git rev-parse "+hashB] = hashB + "\n"
	stub.outputs[fmt.Sprintf("git merge-base --is-ancestor %s %s", hashA, hashB)] = ""

	ok, err := repo.IsAncestor(ctx, hashA, hashB)
	require.NoError(t, err)
	assert.True(t, ok)

	// A non-zero exit code means "not an ancestor", not a hard failure.
	stub.failing[fmt.Sprintf("git merge-base --is-ancestor %s %s", hashB, hashA)] = true
	ok, err = repo.IsAncestor(ctx, hashB, hashA)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommonAncestor(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs["git rev-parse "+hashA] = hashA + "\n"
	stub.outputs["git rev-parse "+hashB] = hashB + "\n"
	stub.outputs[fmt.Sprintf("git merge-base %s %s", hashA, hashB)] = hashC + "\n"

	ca, err := repo.CommonAncestor(ctx, hashA, hashB)
	require.NoError(t, err)
	assert.Equal(t, hashC, ca)

	before := stub.numCalls()
	ca, err = repo.CommonAncestor(ctx, hashA, hashB)
	require.NoError(t, err)
	assert.Equal(t, hashC, ca)
	assert.Equal(t, before, stub.numCalls(), "second lookup must be served from cache")
}

func TestFirstParentPath(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs["git rev-parse "+hashA] = hashA + "\n"
	stub.outputs["git rev-parse "+hashC] = hashC + "\n"
	stub.outputs[fmt.Sprintf("git rev-list --first-parent %s ^%s", hashC, hashA)] = hashC + "\n" + hashB + "\n"

	path, err := repo.FirstParentPath(ctx, hashA, hashC)
	require.NoError(t, err)
	// Newest first, with the older boundary appended.
	assert.Equal(t, []string{hashC, hashB, hashA}, path)
}

func TestNextBisectionCandidate(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs[fmt.Sprintf("git rev-list --bisect %s ^%s", hashC, hashA)] = hashB + "\n"
	mid, err := repo.NextBisectionCandidate(ctx, hashA, hashC)
	require.NoError(t, err)
	assert.Equal(t, hashB, mid)

	// Adjacent range: git produces no output.
	stub.outputs[fmt.Sprintf("git rev-list --bisect %s ^%s", hashB, hashA)] = "\n"
	mid, err = repo.NextBisectionCandidate(ctx, hashA, hashB)
	require.NoError(t, err)
	assert.Equal(t, "", mid)
}

func TestApply(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs["git apply --check /patches/fix.patch"] = ""
	require.NoError(t, repo.Apply(ctx, []string{"/patches/fix.patch"}, true))

	stub.outputs["git apply /patches/fix.patch"] = ""
	stub.outputs["sh /patches/setup.sh"] = ""
	require.NoError(t, repo.Apply(ctx, []string{"/patches/fix.patch", "/patches/setup.sh"}, false))

	cmds := stub.collector.Commands()
	var lines []string
	for _, c := range cmds {
		lines = append(lines, exec.DebugString(c))
	}
	assert.Contains(t, strings.Join(lines, "\n"), "sh /patches/setup.sh")
}

func TestApplyFailureIsReported(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.failing["git apply --check /patches/broken.patch"] = true
	err := repo.Apply(ctx, []string{"/patches/broken.patch"}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git apply failed")
}

func TestWorktree(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs["git worktree add /tmp/wt "+hashA+" -f"] = ""
	require.NoError(t, repo.Worktree(ctx, "/tmp/wt", hashA))

	stub.outputs["git worktree remove --force /tmp/wt"] = ""
	require.NoError(t, repo.RemoveWorktree(ctx, "/tmp/wt"))
}

func TestTimestamp(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs["git log -1 --format=%at "+hashA] = "1700000000\n"
	ts, err := repo.Timestamp(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())
}

func TestRevBefore(t *testing.T) {
	repo, stub, ctx := testRepo(t)
	stub.outputs["git rev-parse "+hashC+"~2"] = hashA + "\n"
	hash, err := repo.RevBefore(ctx, hashC, 2)
	require.NoError(t, err)
	assert.Equal(t, hashA, hash)
}
