package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ormasoftchile/plantrace/pkg/trace"
	"github.com/spf13/cobra"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch [plan.yaml]",
	Short: "Run a plan again every time its file changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	runOnce := func() {
		watchRun(ctx, out, cmd.ErrOrStderr(), sess, filePath)
	}
	runOnce()
	fmt.Fprintf(out, "  watching %s (Ctrl-C to stop)\n", filePath)

	err = watchFile(ctx, filePath, watchDebounce, runOnce)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// watchRun validates and runs the plan once, printing a one-line summary.
// Validation and run failures are reported, not returned, so the watch goes on.
func watchRun(ctx context.Context, out, errOut io.Writer, sess *session, path string) {
	ts := time.Now().Format("15:04:05")
	p, err := loadValidPlan(errOut, path)
	if err != nil {
		fmt.Fprintf(out, "%s  %s %v\n", ts, statusIcon(false), err)
		return
	}

	start := time.Now()
	res, err := sess.execute(ctx, p, executeOptions{})
	if err != nil {
		fmt.Fprintf(out, "%s  %s persist trace: %v\n", ts, statusIcon(false), err)
		return
	}
	s := trace.Summarize(&res.Result.Trace)
	fmt.Fprintf(out, "%s  %s %s  %d steps  %s  %s\n", ts, statusIcon(res.Err == nil), p.ID,
		s.StepsCompleted, time.Since(start).Truncate(time.Millisecond), res.TracePath)
	if res.Err != nil {
		fmt.Fprintf(out, "  %s\n", failStyle.Render(res.Err.Error()))
	}
}

// watchFile calls onChange once writes to path have been quiet for
// debounce. It watches the parent directory so editors that save by
// rename are still seen. It returns when ctx is done.
func watchFile(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)

		case <-timer.C:
			onChange()
		}
	}
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 200*time.Millisecond, "Quiet period after a change before re-running")
	rootCmd.AddCommand(watchCmd)
}
