package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/recurrence"
)

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"tpl"},
		Short:   "Manage recurring templates",
	}
	cmd.AddCommand(templateCreateCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateShowCmd())
	cmd.AddCommand(templateTransitionCmd("pause", "Stop generating instances", engine.Engine.Pause))
	cmd.AddCommand(templateTransitionCmd("resume", "Generate instances again", engine.Engine.Resume))
	cmd.AddCommand(templateTransitionCmd("end", "End the series for good", engine.Engine.End))
	cmd.AddCommand(templateAdvanceCmd())
	cmd.AddCommand(templateHistoryCmd())
	return cmd
}

func templateCreateCmd() *cobra.Command {
	var opts engine.CreateTemplateOptions
	var start, end string
	var dayOfWeek, dayOfMonth, month int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a recurring template and its first task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				loc := ws.Config.Location()
				startDate, err := parseDate(start, loc)
				if err != nil {
					return err
				}
				opts.StartDate = startDate
				if end != "" {
					endDate, err := parseDate(end, loc)
					if err != nil {
						return err
					}
					opts.EndDate = &endDate
				}
				opts.OrgID = ws.OrgID
				opts.ActorID = viper.GetString("actor-id")
				opts.DayOfWeek = optionalInt(cmd, "day-of-week", dayOfWeek)
				opts.DayOfMonth = optionalInt(cmd, "day-of-month", dayOfMonth)
				opts.Month = optionalInt(cmd, "month", month)
				tmpl, first, err := ws.Engine.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"template": tmpl, "first_task": first})
				}
				fmt.Printf("Template %s: %s\n", tmpl.ID, recurrence.Describe(tmpl))
				fmt.Printf("First task %s due %s\n", first.ID, formatDate(first.DueDate, loc))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee of generated tasks")
	cmd.Flags().StringVar(&opts.Kind, "type", "", "recurrence type (daily, weekly, monthly, yearly, custom)")
	cmd.Flags().IntVar(&opts.Interval, "interval", 1, "repeat every N periods (custom: N days)")
	cmd.Flags().IntVar(&dayOfWeek, "day-of-week", 0, "weekday 0-6, Sunday is 0 (weekly)")
	cmd.Flags().IntVar(&dayOfMonth, "day-of-month", 0, "day 1-31 (monthly, yearly)")
	cmd.Flags().IntVar(&month, "month", 0, "month 1-12 (yearly)")
	cmd.Flags().StringVar(&start, "start", "", "start date, the first task's due date")
	cmd.Flags().StringVar(&end, "end", "", "last date an instance may be due")
	cmd.Flags().IntVar(&opts.UnlockDaysBeforeDue, "unlock-days", 0, "days before due date a task may be completed (0 for anytime)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recurring templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListTemplates(ctx, ws.OrgID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Rule", "State", "Assignee"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, recurrence.Describe(t), recurrence.Status(t), deref(t.AssigneeID)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a recurring template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.GetTemplate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

type templateTransition func(engine.Engine, context.Context, string, string) (domain.RecurringTemplate, error)

func templateTransitionCmd(use, short string, fn templateTransition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <template-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := fn(ws.Engine, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Template %s is %s\n", t.ID, recurrence.Status(t))
				return nil
			})
		},
	}
}

func templateAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <template-id>",
		Short: "Generate the next instance without finishing the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				next, err := ws.Engine.Advance(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"next": next})
				}
				if next == nil {
					fmt.Println("No instance generated (paused, superseded, or past the end date)")
					return nil
				}
				fmt.Printf("Generated %s due %s\n", next.ID, formatDate(next.DueDate, ws.Config.Location()))
				return nil
			})
		},
	}
}

func templateHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <template-id>",
		Short: "List the tasks a template generated, latest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.TemplateHistory(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderTasks(items, ws.Config.Location())
				return nil
			})
		},
	}
}
