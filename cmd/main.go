package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	humanize "github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/modelhub/hubcache/internal/cmdutil"
	"github.com/modelhub/hubcache/pkg/cache/deletion"
	"github.com/modelhub/hubcache/pkg/cache/scan"
)

var log = logging.Logger("hubcache/main")

func main() {
	app := &cli.App{
		Name:  "hubcache",
		Usage: "inspect and manage the local Hub repository cache",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Value: "",
				Usage: "Cache directory to operate on. Defaults to $HUBCACHE_DIR or ~/.cache/hubcache.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "scan",
				Usage: "Scan the cache and report cached repos, revisions and disk usage.",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "verbose",
						Aliases: []string{"v"},
						Value:   false,
						Usage:   "Show one row per revision instead of per repo.",
					},
					&cli.BoolFlag{
						Name:    "json",
						Aliases: []string{"j"},
						Value:   false,
						Usage:   "Format the report as JSON.",
					},
				},
				Action: scanAction,
			},
			{
				Name:      "rm",
				Aliases:   []string{"delete"},
				Usage:     "Delete cached revisions or whole repos and free disk space.",
				UsageText: "rm <commit-hash | type/owner/name>...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Value:   false,
						Usage:   "Skip the confirmation prompt.",
					},
				},
				Action: rm,
			},
		},
	}

	// set up a context that is canceled when a command is interrupted
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// set up a signal handler to cancel the context
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			log.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		// Allow any further SIGTERM or SIGINT to kill process
		signal.Stop(interrupt)
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func scanAction(cCtx *cli.Context) error {
	dir := cmdutil.ResolveCacheDir(cCtx.String("dir"))
	c := cmdutil.MustOpenCache(dir)

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = fmt.Sprintf(" scanning cache at %s", dir)
	s.Start()
	report, err := c.Scan(cCtx.Context)
	s.Stop()
	if err != nil {
		return fmt.Errorf("scanning cache: %w", err)
	}

	if cCtx.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*scan.Report
			Warnings []string `json:"warnings"`
		}{report, report.WarningStrings()})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	if cCtx.Bool("verbose") {
		fmt.Fprintln(w, "REPO\tTYPE\tREVISION\tSIZE\tFILES\tREFS\tMODIFIED")
		for _, repo := range report.Repos {
			for _, rev := range repo.Revisions {
				refNames := strings.Join(rev.Refs, ", ")
				if refNames == "" {
					refNames = "(detached)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					repo.Repo.ID, repo.Repo.Type, rev.ShortHash(), rev.SizeOnDiskStr(),
					len(rev.Files), refNames, humanize.Time(rev.LastModified))
			}
		}
	} else {
		fmt.Fprintln(w, "REPO\tTYPE\tSIZE\tFILES\tREVISIONS\tMODIFIED")
		for _, repo := range report.Repos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				repo.Repo.ID, repo.Repo.Type, repo.SizeOnDiskStr(),
				repo.FileCount(), len(repo.Revisions), humanize.Time(repo.LastModified))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nTotal: %d repo(s), %s on disk.\n", len(report.Repos), report.SizeOnDiskStr())
	printWarnings(report)
	return nil
}

func rm(cCtx *cli.Context) error {
	args := cCtx.Args().Slice()
	if len(args) == 0 {
		return fmt.Errorf("at least one deletion target is required")
	}

	var targets []deletion.Target
	for _, arg := range args {
		target, err := cmdutil.ParseTarget(arg)
		if err != nil {
			return err
		}
		targets = append(targets, target)
	}

	dir := cmdutil.ResolveCacheDir(cCtx.String("dir"))
	c := cmdutil.MustOpenCache(dir)

	strategy, err := c.PlanDeletion(cCtx.Context, targets...)
	if err != nil {
		return fmt.Errorf("planning deletion: %w", err)
	}
	if strategy.IsEmpty() {
		fmt.Println("Nothing to delete.")
		return nil
	}

	fmt.Printf("Will delete %d snapshot(s), %d blob(s), %d ref(s), %d whole repo(s), freeing %s.\n",
		len(strategy.Snapshots()), len(strategy.Blobs()), len(strategy.Refs()),
		len(strategy.Repos()), strategy.ExpectedFreedSizeStr())

	if !cCtx.Bool("yes") {
		fmt.Print("Proceed? [y/N] ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading confirmation: %w", err)
		}
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	freed, err := c.Execute(cCtx.Context, strategy)
	if err != nil {
		return fmt.Errorf("executing deletion: %w", err)
	}
	fmt.Printf("Done. Freed %s.\n", humanize.Bytes(uint64(freed)))
	return nil
}

func printWarnings(report *scan.Report) {
	if len(report.Warnings) == 0 {
		return
	}
	fmt.Printf("\n%d warning(s) while scanning:\n", len(report.Warnings))
	for _, warning := range report.Warnings {
		fmt.Printf("  - %s\n", warning)
	}
}
