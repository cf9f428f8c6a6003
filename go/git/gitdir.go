package git

/*
	Common utils shared by Repo and the worktrees the Builder checks out.
*/

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/DeadCodeProductions/dead/go/exec"
)

// GitDir is a directory in which one may run Git commands.
type GitDir string

// Dir returns the working directory of the GitDir.
func (g GitDir) Dir() string {
	return string(g)
}

// Git runs the given git command in the GitDir.
func (g GitDir) Git(ctx context.Context, cmd ...string) (string, error) {
	return exec.RunCwd(ctx, string(g), append([]string{"git"}, cmd...)...)
}

// RevParse runs "git rev-parse <args>" and returns the result.
func (g GitDir) RevParse(ctx context.Context, args ...string) (string, error) {
	out, err := g.Git(ctx, append([]string{"rev-parse"}, args...)...)
	if err != nil {
		return "", err
	}
	// Ensure that we got a single, 40-character commit hash.
	split := strings.Fields(out)
	if len(split) != 1 {
		return "", fmt.Errorf("Unable to parse commit hash from output: %s", out)
	}
	if len(split[0]) != 40 {
		return "", fmt.Errorf("rev-parse returned invalid commit hash: %s", out)
	}
	return split[0], nil
}

// RevList runs "git rev-list <args>" and returns a slice of commit hashes.
func (g GitDir) RevList(ctx context.Context, args ...string) ([]string, error) {
	out, err := g.Git(ctx, append([]string{"rev-list"}, args...)...)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// Timestamp returns the commit time of the given revision.
func (g GitDir) Timestamp(ctx context.Context, rev string) (time.Time, error) {
	out, err := g.Git(ctx, "log", "-1", "--format=%at", rev)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "Failed to parse timestamp for %s", rev)
	}
	return time.Unix(ts, 0), nil
}

// Apply applies the given patch files to the working tree. Patches ending in
// ".sh" are executed with sh instead of "git apply"; they are expected to
// honor a trailing "--check" argument. If check is true nothing is modified,
// the patches are only verified to apply cleanly. All failures are collected
// so the caller learns about every non-applicable patch at once.
func (g GitDir) Apply(ctx context.Context, patches []string, check bool) error {
	var gitPatches, shPatches []string
	for _, p := range patches {
		if strings.HasSuffix(p, ".sh") {
			shPatches = append(shPatches, p)
		} else {
			gitPatches = append(gitPatches, p)
		}
	}

	var result *multierror.Error
	for _, p := range shPatches {
		args := []string{p}
		if check {
			args = append(args, "--check")
		}
		if _, err := exec.RunCwd(ctx, string(g), append([]string{"sh"}, args...)...); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "patch script %s failed", p))
		}
	}
	if len(gitPatches) > 0 {
		args := []string{"apply"}
		if check {
			args = append(args, "--check")
		}
		if _, err := g.Git(ctx, append(args, gitPatches...)...); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "git apply failed"))
		}
	}
	return result.ErrorOrNil()
}
