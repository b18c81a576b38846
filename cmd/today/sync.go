package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
)

func syncCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes, then pull remote changes",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			res, err := a.engine.Sync(ctx, a.tracker.Owner())
			if res != nil && a.asJSON {
				if jerr := a.printJSON(res); jerr != nil {
					return jerr
				}
			} else if res != nil {
				printSyncResult(a, res)
			}
			return err
		}),
	}
}

func pullCmd(flags *globalFlags) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Merge remote changes into the local store",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			owner := a.tracker.Owner()
			if owner == "" {
				return fmt.Errorf("pull needs a signed-in user (--user or user.id)")
			}
			res, err := a.engine.Pull(ctx, syncpkg.PullOptions{OwnerID: owner, Full: full})
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(res)
			}
			a.printf("Fetched %d, applied %d, conflicts %d, removed %d\n", res.Fetched, res.Applied, res.Conflicts, res.Removed)
			if len(res.Invalid) > 0 {
				a.printf("Ignored %d invalid remote records\n", len(res.Invalid))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&full, "full", false, "ignore the watermark and drop records deleted remotely")
	return cmd
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			counts, err := a.store.CountByStatus(ctx)
			if err != nil {
				return err
			}
			stats, err := a.queue.GetStats(ctx)
			if err != nil {
				return err
			}
			next, err := a.queue.NextRetryAt(ctx)
			if err != nil {
				return err
			}
			conflicts, err := a.store.ListConflicts(ctx, 5)
			if err != nil {
				return err
			}

			if a.asJSON {
				return a.printJSON(map[string]interface{}{
					"user":             a.tracker.Owner(),
					"remote":           a.cfg.Remote.Kind,
					"records":          counts,
					"queue":            stats,
					"next_retry_at":    next,
					"recent_conflicts": conflicts,
				})
			}

			user := a.tracker.Owner()
			if user == "" {
				user = "(anonymous, local only)"
			}
			a.printf("User:     %s\n", user)
			a.printf("Remote:   %s\n", a.cfg.Remote.Kind)
			a.printf("Store:    %s\n", a.db.Path())
			for status, n := range counts {
				a.printf("  %-8s %d\n", status, n)
			}
			a.printf("Queue:    %d pending, %d retrying\n", stats.Total, stats.Retrying)
			if stats.Oldest != nil {
				a.printf("  oldest  %s\n", stats.Oldest.Local().Format(time.RFC1123))
			}
			if next != nil {
				a.printf("  retry   %s\n", next.Local().Format(time.RFC1123))
			}
			if len(conflicts) > 0 {
				a.printf("Recent conflicts:\n")
				for _, c := range conflicts {
					a.printf("  %s %s %s (%s)\n", c.DetectedAtTime().Local().Format("2006-01-02 15:04"), c.Entity, c.ItemID, c.Resolution)
				}
			}
			return nil
		}),
	}
}

func queueCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending operation queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			ops, err := a.queue.Drain(ctx)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(ops)
			}
			if len(ops) == 0 {
				a.printf("Queue is empty.\n")
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tKIND\tENTITY\tID\tRETRIES\tLAST ERROR")
			for _, op := range ops {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					op.CreatedAt.Local().Format("2006-01-02 15:04:05"), op.Kind, op.Entity, op.EntityID, op.RetryCount, op.LastError)
			}
			return tw.Flush()
		}),
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Make every backed-off operation due now",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			n, err := a.queue.RetryAll(ctx)
			if err != nil {
				return err
			}
			a.printf("Reset %d operations\n", n)
			return nil
		}),
	}

	var force bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued operation",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			if !force {
				return fmt.Errorf("clearing drops unsynced changes; pass --force to confirm")
			}
			n, err := a.queue.Clear(ctx)
			if err != nil {
				return err
			}
			a.printf("Discarded %d operations\n", n)
			return nil
		}),
	}
	clearCmd.Flags().BoolVar(&force, "force", false, "confirm discarding unsynced changes")

	cmd.AddCommand(list, retry, clearCmd)
	return cmd
}

func printSyncResult(a *app, res *syncpkg.SyncResult) {
	if d := res.Drain; d != nil {
		a.printf("Pushed %d, failed %d, conflicts %d, remaining %d\n", d.Processed, d.Failed, d.Conflicts, d.Remaining)
		if d.RetryAt != nil {
			a.printf("Next retry at %s\n", d.RetryAt.Local().Format(time.Kitchen))
		}
	}
	if p := res.Pull; p != nil {
		a.printf("Pulled %d, applied %d, conflicts %d\n", p.Fetched, p.Applied, p.Conflicts)
	}
	a.printf("Took %s\n", res.Duration.Round(time.Millisecond))
}
