package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/flood-exposure/internal/engine"
	"github.com/sells-group/flood-exposure/internal/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and await export tasks",
}

// -- tasks list --

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded export tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		open, _ := cmd.Flags().GetBool("open")
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := st.ListTasks(ctx, store.TaskFilter{RunID: runID, Open: open, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "tasks list")
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No tasks found.")
			return nil
		}
		formatTasksList(os.Stdout, tasks)
		return nil
	},
}

// -- tasks await --

var tasksAwaitCmd = &cobra.Command{
	Use:   "await",
	Short: "Poll open export tasks until they finish and record their state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ce, err := initEngine(cfg)
		if err != nil {
			return err
		}

		runID, _ := cmd.Flags().GetString("run")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		tasks, err := st.ListTasks(ctx, store.TaskFilter{RunID: runID, Open: true})
		if err != nil {
			return eris.Wrap(err, "tasks await")
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No open tasks.")
			return nil
		}

		err = awaitTasks(ctx, ce, st, tasks, cfg.Analysis.Concurrency, engine.WithPollTimeout(timeout))
		formatTasksList(os.Stdout, tasks)
		return err
	},
}

func init() {
	tasksListCmd.Flags().String("run", "", "only tasks of this run")
	tasksListCmd.Flags().Bool("open", false, "only tasks that have not finished")
	tasksListCmd.Flags().Int("limit", 100, "max number of tasks to display")

	tasksAwaitCmd.Flags().String("run", "", "only tasks of this run")
	tasksAwaitCmd.Flags().Duration("timeout", 30*time.Minute, "give up after this long")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksAwaitCmd)
	rootCmd.AddCommand(tasksCmd)
}

// awaitTasks polls every task until it is terminal, updates tasks in place
// and records each final state. Failed and unreachable tasks are joined
// into the returned error. At most limit tasks are polled at once.
func awaitTasks(ctx context.Context, ex engine.Exporter, st store.Store, tasks []store.Task, limit int, opts ...engine.PollOption) error {
	errs := make([]error, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i := range tasks {
		i := i
		g.Go(func() error {
			t := &tasks[i]
			remote, err := engine.AwaitTask(gctx, ex, t.ID, opts...)
			if remote == nil {
				errs[i] = eris.Wrapf(err, "task %s", t.ID)
				return nil
			}
			t.State, t.Error = remote.State, remote.Error
			if remote.Destination != "" {
				t.Destination = remote.Destination
			}
			if err != nil {
				errs[i] = eris.Wrapf(err, "task %s (%s)", t.ID, t.Layer)
			}
			if uerr := st.SaveTask(gctx, t); uerr != nil {
				errs[i] = errors.Join(errs[i], eris.Wrapf(uerr, "record task %s", t.ID))
			}
			zap.L().Info("tasks: task settled",
				zap.String("task_id", t.ID),
				zap.String("layer", t.Layer),
				zap.String("state", string(t.State)),
			)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// formatTasksList writes a tabular list of tasks to w.
func formatTasksList(out io.Writer, tasks []store.Task) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tLAYER\tSTATE\tDESTINATION\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t---\t-----\t-----\t-----------\t-------")
	for _, t := range tasks {
		dest := t.Destination
		if t.State == engine.TaskFailed && t.Error != "" {
			dest = "error: " + t.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(t.ID),
			truncateID(t.RunID),
			t.Layer,
			t.State,
			dest,
			t.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
