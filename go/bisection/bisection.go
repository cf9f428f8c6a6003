// Package bisection finds the commit at which a test program's behavior
// under a compiler changes, using as few expensive compiler builds as it
// can get away with: cached builds are binary-searched first, and only
// then does the search fall back to graph bisection with fresh builds.
package bisection

import (
	"context"

	"github.com/pkg/errors"

	"github.com/DeadCodeProductions/dead/go/builder"
	"github.com/DeadCodeProductions/dead/go/logging"
	"github.com/DeadCodeProductions/dead/go/util"
)

// Repo is the commit graph query surface the bisector needs. *git.Repo
// implements it.
type Repo interface {
	ResolveRev(ctx context.Context, rev string) (string, error)
	IsAncestor(ctx context.Context, a, b string) (bool, error)
	CommonAncestor(ctx context.Context, a, b string) (string, error)
	FirstParentPath(ctx context.Context, older, younger string) ([]string, error)
	NextBisectionCandidate(ctx context.Context, good, bad string) (string, error)
	RevBefore(ctx context.Context, rev string, n int) (string, error)
}

// RevCache reports which revisions of a project already have a complete
// build in the cache. *builder.Builder implements it.
type RevCache interface {
	FindCachedRevisions(project string) ([]string, error)
}

// Oracle answers whether the behavior under investigation shows up when the
// test program is compiled with the compiler at the given commit. It may
// fail with *builder.BuildFailure (the commit cannot be built, the search
// steps around it) or *builder.CompileError (the compiler works but rejects
// this program, the candidate is dropped).
type Oracle interface {
	IsInteresting(ctx context.Context, commit string) (bool, error)
}

// Bisector narrows a (good, bad) commit range down to the boundary commit
// where the oracle's answer flips.
type Bisector struct {
	repo  Repo
	cache RevCache

	// maxBuildFailures bounds consecutive unbuildable midpoints before the
	// bisection gives up.
	maxBuildFailures int
	// maxIterations is a hard cap on search steps, independent of the
	// failure counter, so a non-converging search always terminates.
	maxIterations int
}

// New returns a Bisector working against the given commit graph and build
// cache.
func New(repo Repo, cache RevCache) *Bisector {
	return &Bisector{
		repo:             repo,
		cache:            cache,
		maxBuildFailures: 2,
		maxIterations:    100,
	}
}

// Bisect finds the commit introducing the interesting behavior of the given
// case. It picks the most suitable good setting, classifies the topology of
// good vs. bad, runs the two-phase search and verifies the result. The
// returned commit is the first (oldest) interesting one.
func (b *Bisector) Bisect(ctx context.Context, c *Case, oracle Oracle) (string, error) {
	bad, err := b.repo.ResolveRev(ctx, c.BadSetting.Rev)
	if err != nil {
		return "", err
	}
	good, err := b.chooseGoodCommit(ctx, c, bad)
	if err != nil {
		return "", err
	}

	// Topology: if good is an ancestor of bad the regression lies on the
	// path between them. Otherwise look at their common ancestor CA: a
	// non-interesting CA moves the search to [CA, bad]; an interesting CA
	// means the change to find is a fix on the good branch, which is not
	// supported.
	isAncestor, err := b.repo.IsAncestor(ctx, good, bad)
	if err != nil {
		return "", err
	}
	if !isAncestor {
		ca, err := b.repo.CommonAncestor(ctx, good, bad)
		if err != nil {
			return "", err
		}
		interesting, err := oracle.IsInteresting(ctx, ca)
		if err != nil {
			return "", err
		}
		if interesting {
			return "", newError(KindDivergentBranch,
				"common ancestor %s of good %s and bad %s is interesting", ca, good, bad)
		}
		logging.S().Infof("Good %s is not an ancestor of bad %s; bisecting from common ancestor %s", good, bad, ca)
		good = ca
	}

	result, err := b.bisectRange(ctx, oracle, c.BadSetting.Project.Name, good, bad, true)
	if err != nil {
		return "", err
	}
	if err := b.verifyBoundary(ctx, oracle, result, true); err != nil {
		return "", err
	}
	return result, nil
}

// chooseGoodCommit selects, among the good settings comparable to the bad
// one, the commit whose common ancestor with bad is most recent. Bisecting
// from a closer branch point is strictly less work.
func (b *Bisector) chooseGoodCommit(ctx context.Context, c *Case, bad string) (string, error) {
	var candidates []string
	for _, gs := range c.GoodSettings {
		if gs.ComparableTo(c.BadSetting) {
			candidates = append(candidates, gs.Rev)
		}
	}
	if len(candidates) == 0 {
		return "", newError(KindNoComparableSetting,
			"no good setting matches %s at optimization level %q",
			c.BadSetting.Project.Name, c.BadSetting.OptLevel)
	}

	best := ""
	bestCA := ""
	for _, rev := range candidates {
		good, err := b.repo.ResolveRev(ctx, rev)
		if err != nil {
			return "", err
		}
		ca, err := b.repo.CommonAncestor(ctx, good, bad)
		if err != nil {
			return "", err
		}
		if best == "" {
			best, bestCA = good, ca
			continue
		}
		// ca is more recent than bestCA iff bestCA is its ancestor.
		newer, err := b.repo.IsAncestor(ctx, bestCA, ca)
		if err != nil {
			return "", err
		}
		if newer {
			best, bestCA = good, ca
		}
	}
	return best, nil
}

// bisectRange runs the two-phase search over [good, bad] and returns the
// boundary commit. With interestingIsBad a regression is searched: the
// result is the oldest interesting commit. With it false the direction is
// inverted and a fix is searched instead.
func (b *Bisector) bisectRange(ctx context.Context, oracle Oracle, project, good, bad string, interestingIsBad bool) (string, error) {
	good, bad, err := b.bisectCached(ctx, oracle, project, good, bad, interestingIsBad)
	if err != nil {
		return "", err
	}
	return b.bisectBuilding(ctx, oracle, good, bad, interestingIsBad)
}

// bisectCached is phase 1: binary search restricted to commits on the
// first-parent path that already have a cached build, so narrowing the
// range here costs no builds at all. Returns the narrowed (good, bad).
func (b *Bisector) bisectCached(ctx context.Context, oracle Oracle, project, good, bad string, interestingIsBad bool) (string, string, error) {
	path, err := b.repo.FirstParentPath(ctx, good, bad)
	if err != nil {
		return "", "", err
	}
	cachedRevs, err := b.cache.FindCachedRevisions(project)
	if err != nil {
		return "", "", err
	}
	// Keep only cached revisions on the path, ordered as the path is:
	// newest first, so index 0 is closest to bad.
	onPath := map[string]bool{}
	for _, rev := range cachedRevs {
		onPath[rev] = true
	}
	var cached []string
	for _, rev := range path {
		if onPath[rev] {
			cached = append(cached, rev)
		}
	}
	logging.S().Infof("Bisecting in cache: %d of %d commits on the path are prebuilt", len(cached), len(path))

	midpoint := ""
	for len(cached) > 0 {
		idx := len(cached) / 2
		oldMidpoint := midpoint
		midpoint = cached[idx]
		if midpoint == oldMidpoint {
			break
		}
		interesting, err := oracle.IsInteresting(ctx, midpoint)
		if err != nil {
			var ce *builder.CompileError
			if errors.As(err, &ce) {
				// The cached compiler cannot handle this program; drop the
				// candidate and keep going.
				logging.S().Warnf("Dropping cached candidate %s: %s", midpoint, err)
				cached = append(cached[:idx], cached[idx+1:]...)
				midpoint = oldMidpoint
				continue
			}
			return "", "", err
		}
		if interesting == interestingIsBad {
			bad = midpoint
			cached = cached[idx+1:]
		} else {
			good = midpoint
			cached = cached[:idx]
		}
	}
	return good, bad, nil
}

// bisectBuilding is phase 2: graph-aware bisection that builds whatever
// midpoint the commit graph suggests. Unbuildable midpoints trigger the
// adaptive stepping scheme: alternately jump 90% of the remaining range
// back from bad and 20% of the range past the failed midpoint, trying to
// step over the unbuildable region.
func (b *Bisector) bisectBuilding(ctx context.Context, oracle Oracle, good, bad string, interestingIsBad bool) (string, error) {
	midpoint := ""
	failedToBuild := false
	failures := 0
	for iteration := 0; ; iteration++ {
		if iteration >= b.maxIterations {
			return "", newError(KindIterationLimit,
				"no convergence after %d steps between good %s and bad %s", iteration, good, bad)
		}
		if !failedToBuild {
			oldMidpoint := midpoint
			m, err := b.repo.NextBisectionCandidate(ctx, good, bad)
			if err != nil {
				return "", err
			}
			midpoint = m
			failures = 0
			if midpoint == "" || midpoint == oldMidpoint {
				break
			}
		} else {
			if failures >= b.maxBuildFailures {
				return "", newError(KindTooManyBuildFailures,
					"%d consecutive unbuildable midpoints near %s", failures+1, midpoint)
			}
			var err error
			if failures%2 == 0 {
				// Jump 90% of the remaining distance back from bad.
				path, perr := b.repo.FirstParentPath(ctx, midpoint, bad)
				if perr != nil {
					return "", perr
				}
				step := util.MaxInt(int(0.9*float64(len(path))), 1)
				midpoint, err = b.repo.RevBefore(ctx, bad, step)
			} else {
				// Jump 20% of the distance from good past the failed
				// midpoint, in the other direction.
				path, perr := b.repo.FirstParentPath(ctx, good, midpoint)
				if perr != nil {
					return "", perr
				}
				step := util.MaxInt(int(0.2*float64(len(path))), 1)
				midpoint, err = b.repo.RevBefore(ctx, midpoint, step)
			}
			if err != nil {
				return "", err
			}
			failures++
			failedToBuild = false
		}

		logging.S().Infof("Testing midpoint %s", midpoint)
		interesting, err := oracle.IsInteresting(ctx, midpoint)
		if err != nil {
			var bf *builder.BuildFailure
			if errors.As(err, &bf) {
				logging.S().Warnf("Could not build %s: %s", midpoint, err)
				failedToBuild = true
				continue
			}
			return "", err
		}
		if interesting == interestingIsBad {
			bad = midpoint
		} else {
			good = midpoint
		}
	}
	return bad, nil
}

// verifyBoundary checks the invariant the search is supposed to establish:
// the boundary is interesting while its first parent is not (inverted when
// searching for a fix). A violation means the oracle is flaky or the search
// is broken, so it is surfaced as a hard error.
func (b *Bisector) verifyBoundary(ctx context.Context, oracle Oracle, boundary string, interestingIsBad bool) error {
	parent, err := b.repo.RevBefore(ctx, boundary, 1)
	if err != nil {
		return err
	}
	atBoundary, err := oracle.IsInteresting(ctx, boundary)
	if err != nil {
		return err
	}
	atParent, err := oracle.IsInteresting(ctx, parent)
	if err != nil {
		return err
	}
	if atBoundary != interestingIsBad || atParent == interestingIsBad {
		return newError(KindInconsistentResult,
			"boundary %s: interesting=%t, parent %s: interesting=%t", boundary, atBoundary, parent, atParent)
	}
	return nil
}
