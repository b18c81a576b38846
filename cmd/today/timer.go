package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/today/backend/internal/models"
	"github.com/kimhsiao/today/backend/internal/tracker"
)

func timerCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timer",
		Short: "Start and stop the task timer",
	}

	start := &cobra.Command{
		Use:   "start [task-id]",
		Short: "Start timing a task",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			sess, err := a.tracker.StartTimer(ctx, args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(sess)
			}
			a.printf("Timing %q since %s\n", sess.TaskName, sess.StartedAt.Local().Format(time.Kitchen))
			return nil
		}),
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the timer and record a time entry",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			entry, err := a.tracker.StopTimer(ctx)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(entry)
			}
			a.printf("Recorded %s on %q\n", formatDuration(entry.Duration(models.Now())), entry.TaskName)
			return nil
		}),
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the running timer",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			sess, err := a.tracker.ActiveTimer(ctx)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(map[string]interface{}{"active": sess != nil, "session": sess})
			}
			if sess == nil {
				a.printf("No timer running.\n")
				return nil
			}
			a.printf("%q running for %s\n", sess.TaskName, formatDuration(sess.Elapsed(models.Now())))
			return nil
		}),
	}

	cmd.AddCommand(start, stop, status)
	return cmd
}

func entryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Manage time entries",
	}

	var in struct {
		task, name, start, end, notes string
		duration                      time.Duration
	}
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a time entry",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			start, err := parseTimeFlag(in.start)
			if err != nil {
				return err
			}
			if start == nil {
				return fmt.Errorf("--start is required")
			}
			end, err := parseTimeFlag(in.end)
			if err != nil {
				return err
			}
			if end == nil && in.duration > 0 {
				t := start.Add(in.duration)
				end = &t
			}

			input := tracker.EntryInput{TaskName: in.name, StartTime: *start, EndTime: end, Notes: in.notes}
			if in.task != "" {
				input.TaskID = &in.task
			}
			entry, err := a.tracker.CreateTimeEntry(ctx, input)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(entry)
			}
			a.printf("Recorded %s  %s\n", entry.ID, entry.TaskName)
			return nil
		}),
	}
	add.Flags().StringVar(&in.task, "task", "", "task id")
	add.Flags().StringVar(&in.name, "name", "", "task name when no task id is given")
	add.Flags().StringVar(&in.start, "start", "", "start time (RFC 3339)")
	add.Flags().StringVar(&in.end, "end", "", "end time (RFC 3339)")
	add.Flags().DurationVar(&in.duration, "duration", 0, "length, used when --end is not given")
	add.Flags().StringVar(&in.notes, "notes", "", "notes")

	var from, to string
	list := &cobra.Command{
		Use:   "list",
		Short: "List time entries",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			f, err := parseTimeFlag(from)
			if err != nil {
				return err
			}
			t, err := parseTimeFlag(to)
			if err != nil {
				return err
			}
			items, err := a.tracker.ListTimeEntries(ctx, f, t)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(items)
			}
			return printEntries(a, items)
		}),
	}
	list.Flags().StringVar(&from, "from", "", "started at or after (RFC 3339 or YYYY-MM-DD)")
	list.Flags().StringVar(&to, "to", "", "started at or before (RFC 3339 or YYYY-MM-DD)")

	var notes, newStart, newEnd string
	var edit *cobra.Command
	edit = &cobra.Command{
		Use:   "edit [id]",
		Short: "Change a time entry",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			var patch models.TimeEntryPatch
			var err error
			if patch.StartTime, err = parseTimeFlag(newStart); err != nil {
				return err
			}
			if patch.EndTime, err = parseTimeFlag(newEnd); err != nil {
				return err
			}
			if edit.Flags().Changed("notes") {
				patch.Notes = &notes
			}
			entry, err := a.tracker.UpdateTimeEntry(ctx, args[0], patch)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(entry)
			}
			a.printf("Updated %s\n", entry.ID)
			return nil
		}),
	}
	edit.Flags().StringVar(&newStart, "start", "", "new start time (RFC 3339)")
	edit.Flags().StringVar(&newEnd, "end", "", "new end time (RFC 3339)")
	edit.Flags().StringVar(&notes, "notes", "", "new notes")

	rm := &cobra.Command{
		Use:     "rm [id]",
		Aliases: []string{"delete"},
		Short:   "Delete a time entry",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			if err := a.tracker.DeleteTimeEntry(ctx, args[0]); err != nil {
				return err
			}
			a.printf("Deleted %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, edit, rm)
	return cmd
}

func printEntries(a *app, items []tracker.EntryItem) error {
	if len(items) == 0 {
		a.printf("No time entries.\n")
		return nil
	}
	now := models.Now()
	var total time.Duration
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTART\tDURATION\tTASK\tNOTES\tSYNC")
	for _, it := range items {
		d := it.Duration(now)
		total += d
		length := formatDuration(d)
		if it.EndTime == nil {
			length += " (running)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.ID, it.StartTime.Local().Format("2006-01-02 15:04"), length, it.TaskName, it.Notes, it.Status)
	}
	fmt.Fprintf(tw, "\t\t%s\ttotal\t\t\n", formatDuration(total))
	return tw.Flush()
}

// parseTimeFlag accepts RFC 3339 timestamps or local YYYY-MM-DD dates.
// An empty value returns nil.
func parseTimeFlag(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = models.Normalize(t)
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	t = models.Normalize(t)
	return &t, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
