package git

/*
	Read-only ancestry and bisection queries over a local clone of a
	compiler project repository. Repo never mutates the clone itself; the
	only write operations exposed are worktree bookkeeping, which the
	Builder uses to materialize isolated checkouts.
*/

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Repo wraps a local git clone and answers the commit graph queries the
// bisection algorithm needs.
type Repo struct {
	GitDir
	mainBranch string

	// mtx protects resolveCache and ancestorCache. Resolution of a fixed
	// revision never changes for a fixed repository state, so memoizing is
	// safe for the lifetime of one process.
	mtx           sync.Mutex
	resolveCache  map[string]string
	ancestorCache map[string]string
}

// NewRepo returns a Repo based in the given directory. The directory must
// already contain a clone of the project.
func NewRepo(path, mainBranch string) (*Repo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "there is a problem with the git directory %s", path)
	}
	return &Repo{
		GitDir:        GitDir(path),
		mainBranch:    mainBranch,
		resolveCache:  map[string]string{},
		ancestorCache: map[string]string{},
	}, nil
}

// ResolveRev converts any revision (commit, tag, branch) into its full
// commit hash. The symbolic names "trunk", "master" and "main" all map to
// the configured main branch.
func (r *Repo) ResolveRev(ctx context.Context, rev string) (string, error) {
	if rev == "trunk" || rev == "master" || rev == "main" {
		rev = r.mainBranch
	}
	r.mtx.Lock()
	cached, ok := r.resolveCache[rev]
	r.mtx.Unlock()
	if ok {
		return cached, nil
	}
	hash, err := r.RevParse(ctx, rev)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to resolve revision %q", rev)
	}
	r.mtx.Lock()
	r.resolveCache[rev] = hash
	r.mtx.Unlock()
	return hash, nil
}

// IsAncestor returns true iff a is an ancestor of b, i.e. b is reachable
// from a purely via parent edges. Returns an error only if either revision
// does not resolve.
func (r *Repo) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	hashA, err := r.ResolveRev(ctx, a)
	if err != nil {
		return false, err
	}
	hashB, err := r.ResolveRev(ctx, b)
	if err != nil {
		return false, err
	}
	// merge-base --is-ancestor answers via the exit code.
	if _, err := r.Git(ctx, "merge-base", "--is-ancestor", hashA, hashB); err != nil {
		return false, nil
	}
	return true, nil
}

// CommonAncestor returns the best common ancestor of the two given
// revisions, as computed by "git merge-base".
func (r *Repo) CommonAncestor(ctx context.Context, a, b string) (string, error) {
	hashA, err := r.ResolveRev(ctx, a)
	if err != nil {
		return "", err
	}
	hashB, err := r.ResolveRev(ctx, b)
	if err != nil {
		return "", err
	}
	key := hashA + " " + hashB
	r.mtx.Lock()
	cached, ok := r.ancestorCache[key]
	r.mtx.Unlock()
	if ok {
		return cached, nil
	}
	out, err := r.Git(ctx, "merge-base", hashA, hashB)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to compute common ancestor of %s and %s", a, b)
	}
	ca := strings.TrimSpace(out)
	r.mtx.Lock()
	r.ancestorCache[key] = ca
	r.mtx.Unlock()
	return ca, nil
}

// FirstParentPath returns the commits from younger down to older inclusive,
// following only first-parent edges. Commits absorbed via merge side
// branches are excluded. The result is ordered newest first, so the last
// element is always older itself.
func (r *Repo) FirstParentPath(ctx context.Context, older, younger string) ([]string, error) {
	hashOlder, err := r.ResolveRev(ctx, older)
	if err != nil {
		return nil, err
	}
	hashYounger, err := r.ResolveRev(ctx, younger)
	if err != nil {
		return nil, err
	}
	commits, err := r.RevList(ctx, "--first-parent", hashYounger, "^"+hashOlder)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to list first-parent path %s..%s", older, younger)
	}
	return append(commits, hashOlder), nil
}

// NextBisectionCandidate returns the commit which most evenly splits the
// graph between good and bad, as computed by "git rev-list --bisect". This
// is a graph-aware midpoint, not the middle of a flat list. Returns the
// empty string when there is no midpoint left, i.e. good and bad are
// adjacent.
func (r *Repo) NextBisectionCandidate(ctx context.Context, good, bad string) (string, error) {
	out, err := r.Git(ctx, "rev-list", "--bisect", bad, "^"+good)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to pick bisection candidate in %s..%s", good, bad)
	}
	return strings.TrimSpace(out), nil
}

// RevBefore resolves rev~n, the commit n first-parent steps before rev.
func (r *Repo) RevBefore(ctx context.Context, rev string, n int) (string, error) {
	return r.ResolveRev(ctx, rev+"~"+strconv.Itoa(n))
}

// Worktree checks out the given commit into dir as a linked worktree of the
// underlying clone.
func (r *Repo) Worktree(ctx context.Context, dir, commit string) error {
	if _, err := r.Git(ctx, "worktree", "add", dir, commit, "-f"); err != nil {
		return errors.Wrapf(err, "Failed to create worktree for %s at %s", commit, dir)
	}
	return nil
}

// RemoveWorktree removes a worktree previously created with Worktree.
func (r *Repo) RemoveWorktree(ctx context.Context, dir string) error {
	if _, err := r.Git(ctx, "worktree", "remove", "--force", dir); err != nil {
		return errors.Wrapf(err, "Failed to remove worktree %s", dir)
	}
	return nil
}
