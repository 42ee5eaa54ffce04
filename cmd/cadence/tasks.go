package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/repo"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskFinishCmd("complete", "Mark a task completed", engine.Engine.CompleteTask))
	cmd.AddCommand(taskFinishCmd("na", "Mark a task not applicable", engine.Engine.MarkNotApplicable))
	cmd.AddCommand(taskDueCmd())
	cmd.AddCommand(taskAssignCmd())
	cmd.AddCommand(taskOverdueCmd())
	cmd.AddCommand(taskHistoryCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.CreateTaskOptions
	var due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a one-off task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if due != "" {
					d, err := parseDate(due, ws.Config.Location())
					if err != nil {
						return err
					}
					opts.DueDate = &d
				}
				opts.OrgID = ws.OrgID
				opts.ActorID = viper.GetString("actor-id")
				t, err := ws.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				f.OrgID = ws.OrgID
				if status != "" {
					f.Statuses = []string{status}
				}
				tasks, err := ws.Engine.ListTasks(ctx, f, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks, ws.Config.Location())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func renderTasks(tasks []domain.Task, loc *time.Location) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Due"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, deref(t.AssigneeID), formatDate(t.DueDate, loc)})
	}
	tw.Render()
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its overdue and unlock state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				v, err := ws.Engine.TaskView(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

type taskFinisher func(engine.Engine, context.Context, string, string) (engine.TaskResult, error)

func taskFinishCmd(use, short string, fn taskFinisher) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := fn(ws.Engine, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Task %s is %s\n", res.Task.ID, res.Task.Status)
				if res.Next != nil {
					fmt.Printf("Next instance %s due %s\n", res.Next.ID, formatDate(res.Next.DueDate, ws.Config.Location()))
				}
				return nil
			})
		},
	}
}

func taskDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "due <task-id> <date>",
		Short: "Set a task's due date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				d, err := parseDate(args[1], ws.Config.Location())
				if err != nil {
					return err
				}
				t, err := ws.Engine.SetDueDate(ctx, args[0], d, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> [assignee-id]",
		Short: "Reassign a task; omit the assignee to unassign",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignee := ""
			if len(args) == 2 {
				assignee = args[1]
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.Reassign(ctx, args[0], assignee, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskOverdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List overdue tasks, most overdue first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.OverdueTasks(ctx, ws.OrgID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Assignee", "Due", "Overdue"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.Task.ID, e.Task.Title, deref(e.Task.AssigneeID), formatDate(e.Task.DueDate, ws.Config.Location()), e.Display})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show a task's audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.TaskHistory(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Who", "What"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.CreatedAt.In(ws.Config.Location()).Format("2006-01-02 15:04"), h.ActorName, h.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "request",
		Aliases: []string{"reschedule"},
		Short:   "Manage reschedule requests",
	}
	cmd.AddCommand(requestCreateCmd())
	cmd.AddCommand(requestApproveCmd())
	cmd.AddCommand(requestRejectCmd())
	cmd.AddCommand(requestListCmd())
	return cmd
}

func requestCreateCmd() *cobra.Command {
	var expiresIn int
	cmd := &cobra.Command{
		Use:   "create <task-id> <date>",
		Short: "Ask to move a task's due date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				d, err := parseDate(args[1], ws.Config.Location())
				if err != nil {
					return err
				}
				req, err := ws.Engine.CreateRequest(ctx, engine.CreateRequestOptions{
					TaskID:           args[0],
					RequestedBy:      viper.GetString("actor-id"),
					RequestedDueDate: d,
					ExpiresInDays:    expiresIn,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().IntVar(&expiresIn, "expires-in-days", 0, "days until the request auto-approves (defaults to config)")
	return cmd
}

func requestApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a reschedule request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				req, err := ws.Engine.ApproveRequest(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func requestRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a reschedule request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				req, err := ws.Engine.RejectRequest(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reschedule requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				f.OrgID = ws.OrgID
				items, err := ws.Engine.ListRequests(ctx, f, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				loc := ws.Config.Location()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "By", "From", "To", "Status", "Expires"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.TaskID, r.RequestedBy, formatDate(r.CurrentDueDate, loc), formatDate(&r.RequestedDueDate, loc), r.Status, formatDate(&r.ExpiresAt, loc)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, approved, rejected)")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.RequestedBy, "requested-by", "", "requester filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}
