package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/eas/internal/config"
	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/synchronizer"
	"github.com/spf13/cobra"
)

// syncFlags override the configured target options for one invocation.
type syncFlags struct {
	forceScan bool
	noScan    bool
	noRemove  bool
	skipCheck bool
	workers   int
	upload    string
	download  string
}

func (f *syncFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.forceScan, "force-scan", false, "rescan folders that avoid rescans")
	cmd.Flags().BoolVar(&f.noScan, "no-scan", false, "trust the stored inventories")
	cmd.Flags().BoolVar(&f.noRemove, "no-remove", false, "never delete from the destination")
	cmd.Flags().BoolVar(&f.skipCheck, "skip-integrity-check", false, "skip the final verification")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "transfer workers per target")
	cmd.Flags().StringVar(&f.upload, "upload-limit", "", "upload rate, e.g. 2MiB")
	cmd.Flags().StringVar(&f.download, "download-limit", "", "download rate, e.g. 2MiB")
}

func (f *syncFlags) apply(cfg *config.Config) error {
	for _, t := range cfg.Targets {
		t.ForceScan = t.ForceScan || f.forceScan
		t.NoRemove = t.NoRemove || f.noRemove
		t.SkipIntegrityCheck = t.SkipIntegrityCheck || f.skipCheck
		if f.noScan {
			enable := false
			t.EnableScan = &enable
		}
		if f.workers > 0 {
			t.NWorkers = f.workers
		}
		if f.upload != "" {
			t.UploadLimit = f.upload
		}
		if f.download != "" {
			t.DownloadLimit = f.download
		}
	}
	return cfg.Validate()
}

func newSyncCmd() *cobra.Command {
	var flags syncFlags

	cmd := &cobra.Command{
		Use:   "sync [target...]",
		Short: "Synchronize the configured targets, or the named ones",
		Long: `Synchronize the configured targets in order. A target is named by its
name or by its source folder. Ctrl-C suspends the running target.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := openApp(unlockIfNeeded)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := flags.apply(a.cfg); err != nil {
				return err
			}

			ctx := cmd.Context()
			emitter := events.NewEmitter()
			targets, err := a.sess.Targets(ctx, emitter, args...)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				return errors.New("no targets to sync")
			}

			runner := synchronizer.NewRunner(emitter)
			for _, t := range targets {
				if err := runner.Add(t); err != nil {
					return err
				}
			}
			unwatch := watchProgress(cmd.OutOrStdout(), emitter)
			defer unwatch()

			stop := context.AfterFunc(ctx, runner.Stop)
			defer stop()

			return printResults(cmd.OutOrStdout(), runner.Run(ctx))
		},
	}
	flags.register(cmd)
	return cmd
}

// watchProgress prints stage changes and failures as they happen. Events
// arrive from worker goroutines.
func watchProgress(w io.Writer, emitter *events.Emitter) func() {
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, format, args...)
	}

	return emitter.OnAny(func(ev events.Event) {
		switch ev.Type {
		case events.NextTarget:
			printf("%s %s\n", cyan.Render("==>"), bold.Render(ev.Target))
		case events.StageChanged:
			printf("    %s\n", gray.Render(ev.Stage))
		case events.TaskFailed:
			printf("    %s %s: %v\n", red.Render("failed"), ev.Task, ev.Err)
		}
	})
}

func statusStyle(s synchronizer.Status) string {
	switch s {
	case synchronizer.StatusFinished:
		return green.Render(string(s))
	case synchronizer.StatusFailed:
		return red.Render(string(s))
	default:
		return yellow.Render(string(s))
	}
}

func printResults(w io.Writer, results []synchronizer.Result) error {
	failed := 0
	for _, r := range results {
		fmt.Fprintf(w, "%s %s: %s, %s, %s\n",
			statusStyle(r.Status), r.Target,
			humanize.Comma(r.Counts.Finished)+" done",
			humanize.Comma(r.Counts.Failed)+" failed",
			humanize.Comma(r.Counts.Skipped)+" skipped")
		if r.Err != nil {
			fmt.Fprintf(w, "    %s\n", red.Render(r.Err.Error()))
		}
		if r.Status == synchronizer.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(results))
	}
	return nil
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [folder...]",
		Short: "Rebuild the inventory of the configured folders, or the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := openApp(unlockIfNeeded)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			emitter := events.NewEmitter()
			for _, name := range a.folderNames(args) {
				f, err := a.sess.Folder(ctx, name)
				if err != nil {
					return err
				}
				fc, _ := a.cfg.Folder(name)
				dups, err := a.sess.Duplicates(fc.Type)
				if err != nil {
					return err
				}

				s := &synchronizer.Scanner{
					Folder:            f,
					Duplicates:        dups,
					Emitter:           emitter,
					Name:              name,
					NWorkers:          a.cfg.NScanWorkers,
					IgnoreUnreachable: a.cfg.IgnoreUnreachable,
				}
				res, err := s.Run(ctx)
				if err != nil {
					return fmt.Errorf("scan %s: %w", name, err)
				}
				if !res.Found {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: root %s does not exist\n", yellow.Render("missing"), name, f.Root())
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s nodes, %s duplicates in %s\n",
					green.Render("scanned"), name, humanize.Comma(int64(res.Nodes)),
					humanize.Comma(int64(res.Duplicates)), res.Elapsed.Round(time.Millisecond))
			}
			return nil
		},
	}
}

var diffMarks = map[store.DiffType]string{
	store.DiffNew:      green.Render("+"),
	store.DiffRm:       red.Render("-"),
	store.DiffUpdate:   yellow.Render("~"),
	store.DiffModified: cyan.Render("t"),
	store.DiffChmod:    cyan.Render("m"),
	store.DiffChown:    cyan.Render("o"),
}

func newDiffsCmd() *cobra.Command {
	var flags syncFlags

	cmd := &cobra.Command{
		Use:   "diffs [target...]",
		Short: "Show what sync would change without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := openApp(unlockIfNeeded)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := flags.apply(a.cfg); err != nil {
				return err
			}

			ctx := cmd.Context()
			targets, err := a.sess.Targets(ctx, events.NewEmitter(), args...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, t := range targets {
				if err := t.Plan(ctx); err != nil {
					if errors.Is(err, synchronizer.ErrSourceMissing) {
						fmt.Fprintf(out, "%s %s: source is missing\n", yellow.Render("skipped"), t.Name)
						continue
					}
					return fmt.Errorf("%s: %w", t.Name, err)
				}

				fmt.Fprintf(out, "%s %s\n", cyan.Render("==>"), bold.Render(t.Name))
				n := 0
				for d, err := range t.Pending() {
					if err != nil {
						return err
					}
					if t.Options.NoRemove && d.Type == store.DiffRm {
						continue
					}
					path := d.Path
					if path == "" {
						path = "."
					}
					fmt.Fprintf(out, "%s %-8s %s\n", diffMarks[d.Type], d.Type, path)
					n++
				}
				fmt.Fprintf(out, "%s differences\n", humanize.Comma(int64(n)))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newRmDupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmdup [folder...]",
		Short: "Remove superseded encrypted duplicates from storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := openApp(unlockAlways)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			for _, name := range a.folderNames(args) {
				fc, err := a.cfg.Folder(name)
				if err != nil {
					return err
				}
				if !fc.Encrypted {
					continue
				}
				f, err := a.sess.Folder(ctx, name)
				if err != nil {
					return err
				}
				dups, err := a.sess.Duplicates(fc.Type)
				if err != nil {
					return err
				}

				r := &synchronizer.DuplicateRemover{
					Folder:           f,
					Duplicates:       dups,
					SnapshotPath:     a.sess.SnapshotPath(),
					Emitter:          events.NewEmitter(),
					Name:             name,
					PreserveModified: a.cfg.PreserveModified,
				}
				res, err := r.Run(ctx)
				if err != nil {
					return fmt.Errorf("rmdup %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s removed, %s failed\n",
					name, humanize.Comma(int64(res.Removed)), humanize.Comma(int64(res.Failed)))
			}
			return nil
		},
	}
}

func newDuplicatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates [folder...]",
		Short: "List recorded duplicates of encrypted folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := openApp(unlockNever)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, name := range a.folderNames(args) {
				fc, err := a.cfg.Folder(name)
				if err != nil {
					return err
				}
				dups, err := a.sess.Duplicates(fc.Type)
				if err != nil {
					return err
				}
				for d, err := range dups.FindRecursively(fc.Root) {
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s %s %s\n", gray.Render(string(d.Kind)), d.Path, gray.Render(fmt.Sprintf("%x", d.IVs)))
				}
			}
			return nil
		},
	}
}
