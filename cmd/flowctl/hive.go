package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"claudeflow/sdk/go/claudeflow"
)

func newHiveCommand(a *app) *cobra.Command {
	var (
		agentName string
		priority  int
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "hive",
		Short: "Interactive session that sends every line as a task to one agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h := &hive{app: a, agent: agentName, priority: priority, timeout: timeout}
			return h.run(cmd)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&agentName, "agent", "a", "asistente", "agent that receives the prompts")
	flags.IntVarP(&priority, "priority", "p", claudeflow.DefaultPriority, "priority from 0 to 10")
	flags.DurationVar(&timeout, "timeout", 2*time.Minute, "per-task wait timeout")
	return cmd
}

// hive 是 Hive Mind 交互会话：每一行输入都成为发给同一智能体的任务。
type hive struct {
	*app
	agent    string
	priority int
	timeout  time.Duration
}

func (h *hive) run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if err := h.checkAgent(cmd); err != nil {
		return err
	}

	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".flowctl_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            h.prompt(),
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             readline.NewCancelableStdin(cmd.InOrStdin()),
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	prog := h.openProgress(ctx)
	defer prog.Close()

	h.printf("%s connected to %s as %s. Type %s to leave, %s to switch agent.\n",
		bold("hive"), h.v.GetString("server"), cyan(h.agent), bold("exit"), bold("/agent <name>"))

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case strings.HasPrefix(line, "/agent"):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/agent"))
			if name == "" {
				h.printf("current agent: %s\n", cyan(h.agent))
				continue
			}
			previous := h.agent
			h.agent = name
			if err := h.checkAgent(cmd); err != nil {
				h.agent = previous
				h.warnf("%v", err)
				continue
			}
			rl.SetPrompt(h.prompt())
			continue
		}

		if err := h.ask(cmd, prog, line); err != nil {
			h.warnf("%v", err)
		}
	}
}

func (h *hive) prompt() string {
	return cyan(h.agent) + "> "
}

// checkAgent 确认目标智能体存在于服务端。
func (h *hive) checkAgent(cmd *cobra.Command) error {
	agents, err := h.client.Agents(cmd.Context())
	if err != nil {
		return err
	}
	names := make([]string, 0, len(agents))
	for _, ag := range agents {
		if strings.EqualFold(ag.Name, h.agent) {
			return nil
		}
		names = append(names, ag.Name)
	}
	return fmt.Errorf("unknown agent %q (available: %s)", h.agent, strings.Join(names, ", "))
}

func (h *hive) ask(cmd *cobra.Command, prog *progress, prompt string) error {
	task, err := h.client.CreateTask(cmd.Context(), claudeflow.CreateTaskRequest{
		Prompt:      prompt,
		TargetAgent: h.agent,
		Priority:    claudeflow.Priority(h.priority),
		Context:     map[string]any{"source": "hive"},
	})
	if err != nil {
		return err
	}
	prog.follow(task.ID)
	defer prog.follow("")

	done, err := h.client.WaitForCompletion(cmd.Context(), task.ID, claudeflow.WaitOptions{Timeout: h.timeout})
	if err != nil {
		return err
	}
	if done.Status == claudeflow.StatusFailed {
		return fmt.Errorf("task %s failed: %s", shortID(done.ID), done.LastError)
	}
	h.printf("%s", h.render.markdown(done.Output))
	if done.Degraded {
		h.printf("%s\n", yellow("(degraded result)"))
	}
	return nil
}
