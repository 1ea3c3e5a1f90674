package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"claudeflow/sdk/go/claudeflow"
)

func newTaskCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and follow tasks",
	}
	cmd.AddCommand(
		newTaskCreateCommand(a),
		newTaskGetCommand(a),
		newTaskListCommand(a),
		newTaskWaitCommand(a),
		newTaskWatchCommand(a),
		newTaskStatsCommand(a),
	)
	return cmd
}

type createFlags struct {
	id          string
	agent       string
	priority    int
	context     map[string]string
	contextJSON string
	distribute  bool
	wait        bool
	timeout     time.Duration
}

func newTaskCreateCommand(a *app) *cobra.Command {
	var f createFlags
	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Submit a task to an agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskCtx, err := buildContext(f.context, f.contextJSON)
			if err != nil {
				return err
			}
			req := claudeflow.CreateTaskRequest{
				ID:          f.id,
				Prompt:      strings.Join(args, " "),
				TargetAgent: f.agent,
				Context:     taskCtx,
				Priority:    claudeflow.Priority(f.priority),
				Distribute:  f.distribute,
			}
			task, err := a.client.CreateTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !f.wait {
				if a.jsonOutput() {
					return a.printJSON(task)
				}
				a.printf("%s %s %s\n", green("created"), task.ID, statusLabel(task.Status))
				return nil
			}
			return a.waitAndPrint(cmd, task.ID, f.timeout)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.id, "id", "", "idempotency key used as the task ID")
	flags.StringVarP(&f.agent, "agent", "a", "asistente", "target agent")
	flags.IntVarP(&f.priority, "priority", "p", claudeflow.DefaultPriority, "priority from 0 to 10")
	flags.StringToStringVarP(&f.context, "context", "c", nil, "context entries as key=value")
	flags.StringVar(&f.contextJSON, "context-json", "", "context as a JSON object")
	flags.BoolVar(&f.distribute, "distribute", false, "send the task to every agent")
	flags.BoolVarP(&f.wait, "wait", "w", false, "wait for the task to finish")
	flags.DurationVar(&f.timeout, "timeout", time.Minute, "wait timeout")
	return cmd
}

// buildContext 合并 key=value 与 JSON 两种形式的上下文，key=value 优先。
func buildContext(pairs map[string]string, raw string) (map[string]any, error) {
	out := make(map[string]any)
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid --context-json: %w", err)
		}
	}
	for k, v := range pairs {
		out[k] = v
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func newTaskGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := a.client.GetTask(cmd.Context(), args[0])
			if err != nil {
				if claudeflow.IsNotFound(err) {
					return fmt.Errorf("task %s not found", args[0])
				}
				return err
			}
			return a.printTask(task)
		},
	}
}

type listFlags struct {
	statuses  []string
	agent     string
	limit     int
	offset    int
	since     time.Duration
	hasOutput bool
	ascending bool
	query     string
}

func (f listFlags) options(cmd *cobra.Command) claudeflow.ListOptions {
	opts := claudeflow.ListOptions{
		Agent:     f.agent,
		Limit:     f.limit,
		Offset:    f.offset,
		Ascending: f.ascending,
		Query:     f.query,
	}
	for _, s := range f.statuses {
		opts.Statuses = append(opts.Statuses, claudeflow.TaskStatus(strings.TrimSpace(s)))
	}
	if f.since > 0 {
		opts.Since = time.Now().Add(-f.since)
	}
	if cmd.Flags().Changed("has-output") {
		has := f.hasOutput
		opts.HasOutput = &has
	}
	return opts
}

func newTaskListCommand(a *app) *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.client.ListTasks(cmd.Context(), f.options(cmd))
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return a.printJSON(list)
			}
			a.printTaskTable(list.Tasks)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVarP(&f.statuses, "status", "s", nil, "filter by status (repeatable or comma separated)")
	flags.StringVarP(&f.agent, "agent", "a", "", "filter by target agent")
	flags.IntVar(&f.limit, "limit", 20, "page size")
	flags.IntVar(&f.offset, "offset", 0, "page offset")
	flags.DurationVar(&f.since, "since", 0, "only tasks updated within this window")
	flags.BoolVar(&f.hasOutput, "has-output", false, "only tasks with (or, with =false, without) output")
	flags.BoolVar(&f.ascending, "asc", false, "oldest first")
	flags.StringVarP(&f.query, "query", "q", "", "free text search over prompt and output")
	return cmd
}

func newTaskWaitCommand(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Block until a task completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.waitAndPrint(cmd, args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "wait timeout")
	return cmd
}

// waitAndPrint 等待任务结束并打印结果；失败的任务以非零退出码结束。
func (a *app) waitAndPrint(cmd *cobra.Command, taskID string, timeout time.Duration) error {
	task, err := a.client.WaitForCompletion(cmd.Context(), taskID, claudeflow.WaitOptions{Timeout: timeout})
	if err != nil {
		if errors.Is(err, claudeflow.ErrWaitTimeout) && task != nil {
			_ = a.printTask(task)
		}
		return err
	}
	if err := a.printTask(task); err != nil {
		return err
	}
	if task.Status == claudeflow.StatusFailed {
		return fmt.Errorf("task %s failed: %s", task.ID, task.LastError)
	}
	return nil
}

func newTaskWatchCommand(a *app) *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Stream task and agent events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := claudeflow.StreamOptions{}
			if len(args) == 1 {
				opts.TaskID = args[0]
			}
			for _, t := range types {
				opts.Types = append(opts.Types, claudeflow.EventType(strings.TrimSpace(t)))
			}
			stream, err := a.client.Subscribe(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer stream.Close()

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case evt, ok := <-stream.Events():
					if !ok {
						return nil
					}
					a.printEvent(evt)
					if opts.TaskID != "" && evt.Task != nil && evt.Task.Status.Terminal() {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "event types to show (task:created, task:updated, task:completed, task:failed, agent:message)")
	return cmd
}

func newTaskStatsCommand(a *app) *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show task counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.client.Stats(cmd.Context(), f.options(cmd))
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return a.printJSON(stats)
			}
			a.printf("%-12s %d\n", bold("total"), stats.Total)
			a.printf("%-12s %d\n", statusLabel(claudeflow.StatusPending), stats.Pending)
			a.printf("%-12s %d\n", statusLabel(claudeflow.StatusInProgress), stats.InProgress)
			a.printf("%-12s %d\n", statusLabel(claudeflow.StatusCompleted), stats.Completed)
			a.printf("%-12s %d\n", statusLabel(claudeflow.StatusFailed), stats.Failed)
			if stats.Total > 0 {
				a.printf("%-12s %s .. %s\n", "updated", formatUnix(stats.OldestUpdatedAt), formatUnix(stats.NewestUpdatedAt))
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.agent, "agent", "a", "", "filter by target agent")
	flags.DurationVar(&f.since, "since", 0, "only tasks updated within this window")
	return cmd
}
