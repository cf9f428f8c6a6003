// dead finds the compiler commit that introduced a regression: it builds
// historical compiler revisions into a shared cache and bisects over the
// commit graph of the compiler's repository.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/DeadCodeProductions/dead/go/bisection"
	"github.com/DeadCodeProductions/dead/go/builder"
	"github.com/DeadCodeProductions/dead/go/config"
	"github.com/DeadCodeProductions/dead/go/git"
	"github.com/DeadCodeProductions/dead/go/logging"
	"github.com/DeadCodeProductions/dead/go/patchdb"
)

func main() {
	var configPath string

	app := &cli.App{
		Name:  "dead",
		Usage: "build historical compilers and bisect compiler regressions",
		Flags: append(config.AsCliFlags(&configPath),
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		),
		Before: func(c *cli.Context) error {
			logging.ConsoleMode()
			if c.Bool("verbose") {
				logging.SetLevel(zapcore.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			buildCommand(&configPath),
			buildReleasesCommand(&configPath),
			bisectCommand(&configPath),
			pruneCommand(&configPath),
		},
	}
	if err := app.Run(os.Args); err != nil {
		logging.S().Fatalf("%s", err)
	}
}

func openBuilder(configPath string, cores int) (*config.Config, *builder.Builder, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := patchdb.New(cfg.PatchDB, cfg.PatchDir)
	if err != nil {
		return nil, nil, err
	}
	if cores == 0 {
		cores = cfg.Cores
	}
	bldr, err := builder.New(cfg.CacheRoot, cfg.LogDir, cfg.CacheGroup, db, cores)
	if err != nil {
		return nil, nil, err
	}
	return cfg, bldr, nil
}

func buildCommand(configPath *string) *cli.Command {
	var (
		cores   int
		force   bool
		patches cli.StringSlice
	)
	return &cli.Command{
		Name:      "build",
		Usage:     "Build a compiler at a specific revision into the cache.",
		ArgsUsage: "<project> <rev>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "cores", Destination: &cores, Usage: "Number of parallel build jobs."},
			&cli.BoolFlag{Name: "force", Destination: &force, Usage: "Build even if the combination is recorded as known-bad."},
			&cli.StringSliceFlag{Name: "patch", Destination: &patches, Usage: "Additional patch file to apply; repeatable."},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("expected arguments: <project> <rev>", 1)
			}
			cfg, bldr, err := openBuilder(*configPath, cores)
			if err != nil {
				return err
			}
			project, err := cfg.Project(c.Args().Get(0))
			if err != nil {
				return err
			}
			prefix, err := bldr.BuildWithOptions(c.Context, project, c.Args().Get(1), builder.Options{
				Force:        force,
				ExtraPatches: patches.Value(),
			})
			if err != nil {
				return err
			}
			fmt.Println(prefix)
			return nil
		},
	}
}

func buildReleasesCommand(configPath *string) *cli.Command {
	var cores int
	return &cli.Command{
		Name:  "build-releases",
		Usage: "Prebuild all configured release revisions into the cache.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "cores", Destination: &cores, Usage: "Number of parallel build jobs."},
		},
		Action: func(c *cli.Context) error {
			cfg, bldr, err := openBuilder(*configPath, cores)
			if err != nil {
				return err
			}
			return bldr.BuildReleases(c.Context, cfg.Projects)
		},
	}
}

func bisectCommand(configPath *string) *cli.Command {
	var (
		cores int
		force bool
	)
	return &cli.Command{
		Name:      "bisect",
		Usage:     "Find the commit at which a case's interestingness flips.",
		ArgsUsage: "<case file>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "cores", Destination: &cores, Usage: "Number of parallel build jobs."},
			&cli.BoolFlag{Name: "force", Destination: &force, Usage: "Bisect even if the case already has a result."},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected argument: <case file>", 1)
			}
			cfg, bldr, err := openBuilder(*configPath, cores)
			if err != nil {
				return err
			}
			return bisectFile(c.Context, cfg, bldr, c.Args().Get(0), force)
		},
	}
}

func bisectFile(ctx context.Context, cfg *config.Config, bldr *builder.Builder, path string, force bool) error {
	cse, err := bisection.LoadCase(path)
	if err != nil {
		return err
	}
	if len(cse.Bisections) > 0 && !force {
		logging.S().Infof("Ignoring %s: already bisected", path)
		return nil
	}
	project, err := cfg.Project(cse.BadSetting.Project.Name)
	if err != nil {
		return err
	}
	// The case file only names the project; repo path and main branch come
	// from the local configuration.
	cse.BadSetting.Project = project

	repo, err := git.NewRepo(project.RepoPath, project.MainBranch)
	if err != nil {
		return err
	}
	bsctr := bisection.New(repo, bldr)
	commit, err := bsctr.Bisect(ctx, cse, &markerOracle{bldr: bldr, cse: cse})
	if err != nil {
		return err
	}
	fmt.Println(commit)
	cse.Bisections = append(cse.Bisections, commit)
	return cse.Store(path)
}

func pruneCommand(configPath *string) *cli.Command {
	var keepWithin time.Duration
	return &cli.Command{
		Name:      "prune",
		Usage:     "Thin out old cache entries for a project.",
		ArgsUsage: "<project>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:        "keep-within",
				Destination: &keepWithin,
				Value:       90 * 24 * time.Hour,
				Usage:       "Entries for commits younger than this are never removed.",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected argument: <project>", 1)
			}
			cfg, bldr, err := openBuilder(*configPath, 0)
			if err != nil {
				return err
			}
			project, err := cfg.Project(c.Args().Get(0))
			if err != nil {
				return err
			}
			removed, err := bldr.Decimate(c.Context, project, keepWithin)
			if err != nil {
				return err
			}
			logging.S().Infof("Removed %d cache entries", len(removed))
			return nil
		},
	}
}
