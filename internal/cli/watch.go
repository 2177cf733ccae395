package cli

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gzhole/skillshield/internal/analyzer"
	"github.com/gzhole/skillshield/internal/logger"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <path>",
	Short: "Re-scan a skill package whenever its files change",
	Long: `Watch the skill package rooted at <path> and re-run the static stages
after every change, printing one verdict line per run. The LLM stage never
runs in watch mode. Press Ctrl+C to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: watchCommand,
}

func init() {
	watchCmd.Flags().DurationVarP(&watchDebounce, "debounce", "d", 300*time.Millisecond, "Quiet period after a change before re-scanning")
	watchCmd.Flags().String("sensitivity", "medium", "Sensitivity: low, medium, high or paranoid")
	rootCmd.AddCommand(watchCmd)
}

func watchCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, err := filepath.Abs(args[0])
	if err != nil {
		return errors.Wrapf(err, "resolve %s", args[0])
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	if err := addTree(ctx, watcher, root, cfg.Pipeline.Ignore); err != nil {
		return err
	}

	static := *cfg
	static.Pipeline.StaticOnly = true
	reg := analyzer.NewFromConfig(&static, loadRules(ctx, &static), nil)
	out := cmd.OutOrStdout()

	scan := func() error {
		pkg, err := loadPackage(ctx, &static, root)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, watchLine(time.Now(), reg.Run(ctx, pkg)))
		return nil
	}
	// An invalid package is fatal only on the first run; later edits may
	// break and then fix the manifest.
	if err := scan(); err != nil {
		return err
	}

	changes := make(chan struct{}, 1)
	rescan := debounce(ctx, changes, watchDebounce)
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s... Press Ctrl+C to stop\n", root)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignored(root, ev.Name, cfg.Pipeline.Ignore) {
				continue
			}
			logger.G(ctx).WithField("file", ev.Name).WithField("op", ev.Op.String()).Debug("change detected")
			if ev.Op&fsnotify.Create != 0 {
				_ = addTree(ctx, watcher, ev.Name, cfg.Pipeline.Ignore)
			}
			select {
			case changes <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.G(ctx).WithError(err).Warn("file watcher error")
		case <-rescan:
			if err := scan(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s scan failed: %v\n", time.Now().Format("15:04:05"), err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// addTree watches dir and every directory below it that is not ignored.
// A path that is not a directory is ignored.
func addTree(ctx context.Context, w *fsnotify.Watcher, dir string, ignore []string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && ignored(dir, path, ignore) {
			return filepath.SkipDir
		}
		logger.G(ctx).WithField("directory", path).Debug("adding directory to watcher")
		return errors.Wrapf(w.Add(path), "watch %s", path)
	})
}

func ignored(root, path string, patterns []string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		// Directory globs like **/.git/** should also match the directory.
		if ok, _ := doublestar.Match(p, rel+"/"); ok {
			return true
		}
	}
	return false
}

// debounce emits once per burst of signals on in, after delay without a new
// signal.
func debounce(ctx context.Context, in <-chan struct{}, delay time.Duration) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-in:
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(delay)
				fire = timer.C
			case <-fire:
				fire = nil
				select {
				case out <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()
	return out
}

func watchLine(now time.Time, rep *analyzer.Report) string {
	return fmt.Sprintf("%s %-8s score %3d  %s", now.Format("15:04:05"), rep.Verdict.Severity, rep.Verdict.Score, rep.Verdict.Summary)
}

