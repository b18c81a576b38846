package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/today/backend/internal/models"
	"github.com/kimhsiao/today/backend/internal/tracker"
)

func taskCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	add := &cobra.Command{
		Use:   "add [text...]",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			task, err := a.tracker.CreateTask(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(task)
			}
			a.printf("Added %s  %s\n", task.ID, task.Text)
			return nil
		}),
	}

	var showDone, showOpen bool
	var since, until string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			var f tracker.TaskFilter
			switch {
			case showDone && !showOpen:
				done := true
				f.Done = &done
			case showOpen && !showDone:
				done := false
				f.Done = &done
			}
			var err error
			if f.Since, err = parseTimeFlag(since); err != nil {
				return err
			}
			if f.Until, err = parseTimeFlag(until); err != nil {
				return err
			}

			items, err := a.tracker.ListTasks(ctx, f)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(items)
			}
			return printTasks(a, items)
		}),
	}
	list.Flags().BoolVar(&showDone, "done", false, "only completed tasks")
	list.Flags().BoolVar(&showOpen, "open", false, "only open tasks")
	list.Flags().StringVar(&since, "since", "", "created at or after (RFC 3339 or YYYY-MM-DD)")
	list.Flags().StringVar(&until, "until", "", "created at or before (RFC 3339 or YYYY-MM-DD)")

	done := &cobra.Command{
		Use:   "done [id]",
		Short: "Mark a task as done",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			task, err := a.tracker.SetDone(ctx, args[0], true)
			if err != nil {
				return err
			}
			return a.printTask(task)
		}),
	}

	undone := &cobra.Command{
		Use:   "undone [id]",
		Short: "Reopen a task",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			task, err := a.tracker.SetDone(ctx, args[0], false)
			if err != nil {
				return err
			}
			return a.printTask(task)
		}),
	}

	edit := &cobra.Command{
		Use:   "edit [id] [text...]",
		Short: "Change a task's text",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			text := strings.Join(args[1:], " ")
			task, err := a.tracker.UpdateTask(ctx, args[0], models.TaskPatch{Text: &text})
			if err != nil {
				return err
			}
			return a.printTask(task)
		}),
	}

	rm := &cobra.Command{
		Use:     "rm [id]",
		Aliases: []string{"delete"},
		Short:   "Delete a task; its time entries are kept",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			if err := a.tracker.DeleteTask(ctx, args[0]); err != nil {
				return err
			}
			a.printf("Deleted %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, done, undone, edit, rm)
	return cmd
}

func (a *app) printTask(task *models.Task) error {
	if a.asJSON {
		return a.printJSON(task)
	}
	a.printf("%s  %s  %s\n", task.ID, checkbox(task.Done), task.Text)
	return nil
}

func printTasks(a *app, items []tracker.TaskItem) error {
	if len(items) == 0 {
		a.printf("No tasks.\n")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDONE\tTEXT\tSYNC")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.ID, checkbox(it.Done), it.Text, it.Status)
	}
	return tw.Flush()
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}
