package builder

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/DeadCodeProductions/dead/go/compilers"
	"github.com/DeadCodeProductions/dead/go/logging"
	"github.com/DeadCodeProductions/dead/go/util"
)

// FindCachedRevisions returns the commit hashes of all complete cache
// entries for the given project. Aliases (symlinks) and entries still
// missing their success marker are skipped.
func (b *Builder) FindCachedRevisions(project string) ([]string, error) {
	entries, err := os.ReadDir(b.cacheRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read cache root %s", b.cacheRoot)
	}
	var revs []string
	for _, e := range entries {
		if e.Type()&os.ModeSymlink != 0 {
			continue
		}
		if !e.IsDir() || !strings.HasPrefix(e.Name(), project+"-") {
			continue
		}
		if !b.isDone(filepath.Join(b.cacheRoot, e.Name())) {
			continue
		}
		revs = append(revs, strings.TrimPrefix(e.Name(), project+"-"))
	}
	sort.Strings(revs)
	return revs, nil
}

// CompilerExecutable builds the compiler for the given setting and returns
// the path to its installed binary.
func (b *Builder) CompilerExecutable(ctx context.Context, s compilers.Setting) (string, error) {
	prefix, err := b.Build(ctx, s.Project, s.Rev)
	if err != nil {
		return "", err
	}
	return s.Project.BinaryPath(prefix), nil
}

// BuildReleases builds every release revision listed by the given projects.
// All failures are collected; a BuildFailure for one release does not stop
// the others.
func (b *Builder) BuildReleases(ctx context.Context, projects []compilers.Project) error {
	var result *multierror.Error
	for _, p := range projects {
		for _, rev := range p.Releases {
			if _, err := b.Build(ctx, p, rev); err != nil {
				logging.S().Errorf("Failed to build release %s %s: %s", p.Name, rev, err)
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// Decimate thins out the cache for a project: entries younger than
// keepWithin are untouched, of the older ones every second entry (by commit
// time) is removed. Returns the removed cache prefixes.
func (b *Builder) Decimate(ctx context.Context, project compilers.Project, keepWithin time.Duration) ([]string, error) {
	repo, err := b.Repo(project)
	if err != nil {
		return nil, err
	}
	revs, err := b.FindCachedRevisions(project.Name)
	if err != nil {
		return nil, err
	}

	type entry struct {
		rev string
		ts  time.Time
	}
	var old []entry
	cutoff := time.Now().Add(-keepWithin)
	for _, rev := range revs {
		ts, err := repo.Timestamp(ctx, rev)
		if err != nil {
			// Entries for commits the repository no longer knows about are
			// kept; removing them would be guessing.
			logging.S().Warnf("No timestamp for cached revision %s: %s", rev, err)
			continue
		}
		if ts.Before(cutoff) {
			old = append(old, entry{rev: rev, ts: ts})
		}
	}
	sort.Slice(old, func(i, j int) bool { return old[i].ts.Before(old[j].ts) })

	var removed []string
	for i, e := range old {
		if i%2 == 0 {
			continue
		}
		prefix := filepath.Join(b.cacheRoot, project.Name+"-"+e.rev)
		logging.S().Infof("Decimating cache entry %s", prefix)
		util.RemoveAll(prefix)
		removed = append(removed, prefix)
	}
	b.removeDanglingAliases()
	return removed, nil
}

// removeDanglingAliases drops alias symlinks whose target no longer exists.
func (b *Builder) removeDanglingAliases() {
	entries, err := os.ReadDir(b.cacheRoot)
	if err != nil {
		logging.S().Warnf("Failed to read cache root %s: %s", b.cacheRoot, err)
		return
	}
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		path := filepath.Join(b.cacheRoot, e.Name())
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logging.S().Infof("Removing dangling alias %s", path)
			if err := os.Remove(path); err != nil {
				logging.S().Warnf("Failed to remove alias %s: %s", path, err)
			}
		}
	}
}
