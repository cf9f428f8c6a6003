// Package builder turns a (compiler project, revision) pair into an
// installed, ready-to-run compiler. Installed toolchains live in a
// content-addressed cache shared between independent processes; failed
// combinations are memoized in the patch database so they are not
// attempted twice.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DeadCodeProductions/dead/go/compilers"
	"github.com/DeadCodeProductions/dead/go/exec"
	"github.com/DeadCodeProductions/dead/go/git"
	"github.com/DeadCodeProductions/dead/go/logging"
	"github.com/DeadCodeProductions/dead/go/patchdb"
	"github.com/DeadCodeProductions/dead/go/util"
)

const (
	// successMarker is the file whose presence makes a cache entry Done.
	successMarker = "DONE"
	// leaseFile records which builder currently owns an in-progress entry.
	leaseFile = "LEASE"

	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultLeaseExpiry       = 5 * time.Minute
)

var (
	errStillBuilding = errors.New("cache entry still building")
	errStaleLease    = errors.New("cache entry has a stale lease")
)

// Options modify a single Build call.
type Options struct {
	// Cores overrides the builder-wide parallelism for this build.
	Cores int
	// ExtraPatches are applied in addition to the ones the patch database
	// reports as required.
	ExtraPatches []string
	// Force builds even if the combination is recorded as known-bad.
	Force bool
}

// Builder builds compilers into a shared on-disk cache.
type Builder struct {
	cacheRoot  string
	logDir     string
	cacheGroup string
	db         *patchdb.DB
	cores      int
	owner      string

	// Poll/lease tuning, overridable in tests.
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	leaseExpiry       time.Duration

	mtx   sync.Mutex
	repos map[string]*git.Repo
}

// New returns a Builder that installs compilers under cacheRoot and writes
// per-build logs to logDir. cacheGroup, if non-empty, is the group that
// should own shared cache entries. cores <= 0 means one job per CPU.
func New(cacheRoot, logDir, cacheGroup string, db *patchdb.DB, cores int) (*Builder, error) {
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if err := os.MkdirAll(cacheRoot, 0775); err != nil {
		return nil, errors.Wrap(err, "Failed to create cache root")
	}
	if err := os.MkdirAll(logDir, 0775); err != nil {
		return nil, errors.Wrap(err, "Failed to create log directory")
	}
	return &Builder{
		cacheRoot:         cacheRoot,
		logDir:            logDir,
		cacheGroup:        cacheGroup,
		db:                db,
		cores:             cores,
		owner:             uuid.NewString(),
		pollInterval:      defaultPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		leaseExpiry:       defaultLeaseExpiry,
		repos:             map[string]*git.Repo{},
	}, nil
}

// Repo returns the (cached) git repository handle for the given project.
func (b *Builder) Repo(project compilers.Project) (*git.Repo, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if r, ok := b.repos[project.Name]; ok {
		return r, nil
	}
	r, err := git.NewRepo(project.RepoPath, project.MainBranch)
	if err != nil {
		return nil, err
	}
	b.repos[project.Name] = r
	return r, nil
}

// Build installs the compiler for (project, rev) and returns the
// installation prefix. Identical requests are served from the cache.
func (b *Builder) Build(ctx context.Context, project compilers.Project, rev string) (string, error) {
	return b.BuildWithOptions(ctx, project, rev, Options{})
}

// BuildWithOptions is Build with per-call options.
func (b *Builder) BuildWithOptions(ctx context.Context, project compilers.Project, rev string, opts Options) (string, error) {
	repo, err := b.Repo(project)
	if err != nil {
		return "", err
	}
	commit, err := repo.ResolveRev(ctx, rev)
	if err != nil {
		return "", err
	}

	// The cache always works with the full commit hash. A human-readable
	// alias is created when the requested revision differs.
	prefix := filepath.Join(b.cacheRoot, project.Name+"-"+commit)
	alias := ""
	if rev != commit {
		alias = filepath.Join(b.cacheRoot, project.Name+"-"+strings.ReplaceAll(rev, "/", "-"))
	}

	for {
		if b.isDone(prefix) {
			b.maybeAlias(prefix, alias)
			return prefix, nil
		}
		if fi, err := os.Stat(prefix); err == nil && fi.IsDir() {
			// Another builder owns this entry. Wait for its outcome.
			logging.S().Infof("%s is currently building; waiting", prefix)
			if err := b.waitForOther(ctx, project, commit, prefix); err != nil {
				if errors.Is(err, errStaleLease) {
					logging.S().Warnf("Reclaiming %s: lease expired without a heartbeat", prefix)
					util.RemoveAll(prefix)
					continue
				}
				return "", err
			}
			continue
		}
		// Claim the slot. Directory creation is the mutual exclusion
		// primitive; losing the race sends us back to waiting.
		if err := os.Mkdir(prefix, 0775); err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", errors.Wrapf(err, "Failed to claim cache entry %s", prefix)
		}
		break
	}

	installed := false
	defer func() {
		if !installed {
			util.RemoveAll(prefix)
		}
	}()

	stopHeartbeat, err := b.startLease(prefix)
	if err != nil {
		return "", err
	}
	defer stopHeartbeat()

	patches, err := b.collectPatches(project, commit, opts)
	if err != nil {
		return "", err
	}

	if err := b.runBuild(ctx, repo, project, commit, rev, prefix, patches, opts); err != nil {
		return "", err
	}

	// Stop the heartbeat before dropping the lease so it cannot recreate
	// the file.
	stopHeartbeat()
	if err := os.WriteFile(filepath.Join(prefix, successMarker), []byte(time.Now().Format(time.RFC3339)+"\n"), 0664); err != nil {
		return "", errors.Wrap(err, "Failed to write success marker")
	}
	installed = true
	_ = os.Remove(filepath.Join(prefix, leaseFile))

	for _, patch := range patches {
		if err := b.db.Save(patch, []string{commit}); err != nil {
			return "", err
		}
	}
	if err := b.db.ClearBad(patches, project.Name, commit); err != nil {
		return "", err
	}
	b.shareEntry(ctx, prefix)
	b.maybeAlias(prefix, alias)
	logging.S().Infof("Successfully built %s %s into %s", project.Name, rev, prefix)
	return prefix, nil
}

// collectPatches gathers the required patch set and applies the known-bad
// and manual-intervention gates.
func (b *Builder) collectPatches(project compilers.Project, commit string, opts Options) ([]string, error) {
	patches, err := b.db.RequiredPatches(commit)
	if err != nil {
		return nil, err
	}
	patches = append(patches, opts.ExtraPatches...)

	if opts.Force {
		return patches, nil
	}
	manual, err := b.db.IsManual(project.Name, commit)
	if err != nil {
		return nil, err
	}
	if manual {
		return nil, &BuildFailure{Project: project.Name, Rev: commit, Patches: patches,
			Err: errors.New("commit is flagged as requiring manual intervention")}
	}
	known, err := b.db.IsKnownBad(patches, project.Name, commit)
	if err != nil {
		return nil, err
	}
	if known {
		return nil, &BuildFailure{Project: project.Name, Rev: commit, Patches: patches,
			Err: errors.New("known bad combination")}
	}
	return patches, nil
}

// runBuild materializes a worktree at commit, applies patches, and invokes
// the toolchain. Any failure is recorded as known-bad before returning.
func (b *Builder) runBuild(ctx context.Context, repo *git.Repo, project compilers.Project, commit, rev, prefix string, patches []string, opts Options) error {
	srcDir, err := os.MkdirTemp("", "build-"+project.Name+"-")
	if err != nil {
		return errors.Wrap(err, "Failed to create temporary build directory")
	}
	if err := repo.Worktree(ctx, srcDir, commit); err != nil {
		util.RemoveAll(srcDir)
		return &BuildFailure{Project: project.Name, Rev: commit, Err: err}
	}
	defer func() {
		if err := repo.RemoveWorktree(ctx, srcDir); err != nil {
			logging.S().Warnf("Failed to remove worktree %s: %s", srcDir, err)
		}
		util.RemoveAll(srcDir)
	}()

	if len(patches) > 0 {
		worktree := git.GitDir(srcDir)
		if err := worktree.Apply(ctx, patches, true); err != nil {
			b.saveBad(patches, project.Name, commit)
			return &BuildFailure{Project: project.Name, Rev: commit, Patches: patches,
				Err: errors.Wrap(err, "patches do not apply cleanly")}
		}
		if err := worktree.Apply(ctx, patches, false); err != nil {
			b.saveBad(patches, project.Name, commit)
			return &BuildFailure{Project: project.Name, Rev: commit, Patches: patches,
				Err: errors.Wrap(err, "failed to apply patches")}
		}
	}

	buildLog, logPath, err := b.openBuildLog(ctx, project, rev)
	if err != nil {
		return err
	}
	defer util.Close(buildLog)
	logging.S().Infof("Building %s %s; build log at %s", project.Name, rev, logPath)

	cores := b.cores
	if opts.Cores > 0 {
		cores = opts.Cores
	}
	// The toolchain runs in its own process group and is not canceled with
	// the caller: a partially written cache entry must never look like an
	// ordinary build failure to waiting builders.
	if err := compilers.RunBuild(exec.NoInterruptContext(ctx), project, srcDir, prefix, cores, buildLog); err != nil {
		b.saveBad(patches, project.Name, commit)
		return &BuildFailure{Project: project.Name, Rev: commit, Patches: patches, Err: err}
	}
	return nil
}

func (b *Builder) saveBad(patches []string, project, commit string) {
	if err := b.db.SaveBad(patches, project, commit); err != nil {
		logging.S().Errorf("Failed to record known-bad combination for %s %s: %s", project, commit, err)
	}
}

// isDone reports whether the cache entry at prefix is complete.
func (b *Builder) isDone(prefix string) bool {
	_, err := os.Stat(filepath.Join(prefix, successMarker))
	return err == nil
}

// waitForOther polls until the entry owned by another builder either
// becomes Done (nil), disappears (BuildFailure), or its lease goes stale
// (errStaleLease).
func (b *Builder) waitForOther(ctx context.Context, project compilers.Project, commit, prefix string) error {
	op := func() error {
		if b.isDone(prefix) {
			return nil
		}
		if _, err := os.Stat(prefix); os.IsNotExist(err) {
			return backoff.Permanent(&BuildFailure{Project: project.Name, Rev: commit,
				Err: errors.New("other build attempt failed")})
		}
		stale, err := b.leaseStale(prefix)
		if err == nil && stale {
			return backoff.Permanent(errStaleLease)
		}
		return errStillBuilding
	}
	return backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(b.pollInterval), ctx))
}

// lease is the claim record written into an in-progress cache entry, so a
// crashed builder's claim can eventually be reclaimed instead of blocking
// waiters forever.
type lease struct {
	Owner     string    `json:"owner"`
	Heartbeat time.Time `json:"heartbeat"`
}

// startLease writes the lease record and starts a heartbeat that keeps
// refreshing it until the returned stop function is called.
func (b *Builder) startLease(prefix string) (func(), error) {
	path := filepath.Join(prefix, leaseFile)
	write := func() error {
		data, err := json.Marshal(lease{Owner: b.owner, Heartbeat: time.Now()})
		if err != nil {
			return err
		}
		return util.WriteFileAtomic(path, data, 0664)
	}
	if err := write(); err != nil {
		return nil, errors.Wrap(err, "Failed to write lease")
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(b.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := write(); err != nil {
					logging.S().Warnf("Failed to refresh lease %s: %s", path, err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// leaseStale reports whether the entry's lease heartbeat is older than the
// expiry window. Entries without a parseable lease fall back to the
// directory's modification time.
func (b *Builder) leaseStale(prefix string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(prefix, leaseFile))
	if err == nil {
		var l lease
		if err := json.Unmarshal(data, &l); err == nil {
			return time.Since(l.Heartbeat) > b.leaseExpiry, nil
		}
	}
	fi, err := os.Stat(prefix)
	if err != nil {
		return false, err
	}
	return time.Since(fi.ModTime()) > b.leaseExpiry, nil
}

// shareEntry makes the installed tree readable by the cache group.
func (b *Builder) shareEntry(ctx context.Context, prefix string) {
	if b.cacheGroup != "" {
		if _, err := exec.RunSimple(ctx, fmt.Sprintf("chgrp -R %s %s", b.cacheGroup, prefix)); err != nil {
			logging.S().Warnf("Failed to chgrp %s: %s", prefix, err)
		}
	}
	if _, err := exec.RunSimple(ctx, "chmod -R g+rwX "+prefix); err != nil {
		logging.S().Warnf("Failed to chmod %s: %s", prefix, err)
	}
}

// openBuildLog creates the per-build log file under the log directory.
func (b *Builder) openBuildLog(ctx context.Context, project compilers.Project, rev string) (*os.File, string, error) {
	name := fmt.Sprintf("%s-%s-%s.log", time.Now().Format("20060102-150405"), project.Name, strings.ReplaceAll(rev, "/", "-"))
	path := filepath.Join(b.logDir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, "", errors.Wrapf(err, "Failed to open build log %s", path)
	}
	if b.cacheGroup != "" {
		if _, err := exec.RunSimple(ctx, fmt.Sprintf("chgrp %s %s", b.cacheGroup, path)); err != nil {
			logging.S().Warnf("Failed to chgrp build log %s: %s", path, err)
		}
	}
	return f, path, nil
}

// maybeAlias points the human-readable alias at the canonical cache entry.
func (b *Builder) maybeAlias(prefix, alias string) {
	if alias == "" {
		return
	}
	if fi, err := os.Lstat(alias); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			_ = os.Remove(alias)
		} else {
			// Something that is not an alias occupies the alias path; move
			// it aside rather than destroying it.
			conflict := filepath.Join(filepath.Dir(alias), "conflict_"+filepath.Base(alias))
			logging.S().Warnf("Found non-symlink at %s, moving to %s", alias, conflict)
			if err := os.Rename(alias, conflict); err != nil {
				logging.S().Errorf("Failed to move %s aside: %s", alias, err)
				return
			}
		}
	}
	if err := os.Symlink(prefix, alias); err != nil {
		logging.S().Errorf("Failed to create alias %s: %s", alias, err)
	}
}
