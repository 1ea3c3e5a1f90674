package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"claudeflow/sdk/go/claudeflow"
)

func newSwarmCommand(a *app) *cobra.Command {
	var (
		pairs   map[string]string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "swarm <prompt>",
		Short: "Send one high priority task to every agent and show each answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			taskCtx, err := buildContext(pairs, "")
			if err != nil {
				return err
			}

			var prog *progress
			if !a.jsonOutput() {
				prog = a.openProgress(ctx)
				defer prog.Close()
			}

			task, err := a.client.CreateTask(ctx, claudeflow.CreateTaskRequest{
				Prompt:     strings.Join(args, " "),
				Context:    taskCtx,
				Priority:   claudeflow.Priority(claudeflow.MaxPriority),
				Distribute: true,
			})
			if err != nil {
				return err
			}
			prog.follow(task.ID)
			if !a.jsonOutput() {
				a.printf("%s task %s dispatched to every agent\n", bold("swarm"), task.ID)
			}

			done, err := a.client.WaitForCompletion(ctx, task.ID, claudeflow.WaitOptions{Timeout: timeout})
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return a.printJSON(done)
			}
			if done.Status == claudeflow.StatusFailed {
				return fmt.Errorf("swarm task %s failed: %s", done.ID, done.LastError)
			}
			a.printOutputs(done)
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&pairs, "context", "c", nil, "context entries as key=value")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "wait timeout")
	return cmd
}
