package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"

	"claudeflow/sdk/go/claudeflow"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	faint  = color.New(color.FgHiBlack).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
)

// renderer 负责把智能体输出渲染为终端 Markdown。
type renderer struct {
	md *glamour.TermRenderer
}

func newRenderer(plain bool) *renderer {
	if plain {
		return &renderer{}
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(100),
		glamour.WithEmoji(),
	)
	if err != nil {
		return &renderer{}
	}
	return &renderer{md: md}
}

func (r *renderer) markdown(text string) string {
	if r == nil || r.md == nil || strings.TrimSpace(text) == "" {
		return strings.TrimRight(text, "\n") + "\n"
	}
	out, err := r.md.Render(text)
	if err != nil {
		return strings.TrimRight(text, "\n") + "\n"
	}
	return out
}

func statusLabel(status claudeflow.TaskStatus) string {
	switch status {
	case claudeflow.StatusPending:
		return faint(string(status))
	case claudeflow.StatusInProgress:
		return blue(string(status))
	case claudeflow.StatusCompleted:
		return green(string(status))
	case claudeflow.StatusFailed:
		return red(string(status))
	default:
		return string(status)
	}
}

func formatUnix(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Local().Format(time.DateTime)
}

func targetLabel(task *claudeflow.Task) string {
	if task.Distribute {
		return "swarm"
	}
	return task.TargetAgent
}

func (a *app) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	a.printf("%s\n", data)
	return nil
}

// printTask 打印任务详情，包括分布式任务的逐个智能体输出。
func (a *app) printTask(task *claudeflow.Task) error {
	if a.jsonOutput() {
		return a.printJSON(task)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", bold("task"), task.ID)
	fmt.Fprintf(&b, "  %-10s %s", "status", statusLabel(task.Status))
	if task.Degraded {
		fmt.Fprintf(&b, " %s", yellow("(degraded)"))
	}
	if task.RetryPending {
		fmt.Fprintf(&b, " %s", yellow("(retry pending)"))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  %-10s %s\n", "agent", targetLabel(task))
	fmt.Fprintf(&b, "  %-10s %d\n", "priority", task.Priority)
	fmt.Fprintf(&b, "  %-10s %d/%d\n", "attempts", task.Attempts, task.MaxRetries)
	fmt.Fprintf(&b, "  %-10s %s\n", "prompt", task.Prompt)
	fmt.Fprintf(&b, "  %-10s %s\n", "updated", formatUnix(task.UpdatedAt))
	if task.LastError != "" {
		fmt.Fprintf(&b, "  %-10s %s %s\n", "error", red(task.LastError), faint(task.ErrorCode))
	}
	a.printf("%s", b.String())
	a.printOutputs(task)
	return nil
}

func (a *app) printOutputs(task *claudeflow.Task) {
	if len(task.Outputs) > 0 {
		names := make([]string, 0, len(task.Outputs))
		for name := range task.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a.printf("\n%s\n%s", cyan("── "+name), a.render.markdown(task.Outputs[name]))
		}
		return
	}
	if task.Output != "" {
		a.printf("\n%s", a.render.markdown(task.Output))
	}
}

func (a *app) printTaskTable(tasks []claudeflow.Task) {
	if len(tasks) == 0 {
		a.printf("%s\n", faint("no tasks"))
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-11s  %-10s  %-3s  %-19s  %s\n", "ID", "STATUS", "AGENT", "PRI", "UPDATED", "PROMPT")
	for i := range tasks {
		t := &tasks[i]
		fmt.Fprintf(&b, "%-36s  %-11s  %-10s  %-3d  %-19s  %s\n",
			t.ID, string(t.Status), targetLabel(t), t.Priority, formatUnix(t.UpdatedAt), truncate(t.Prompt, 48))
	}
	a.printf("%s", b.String())
}

func (a *app) printEvent(evt claudeflow.Event) {
	if a.jsonOutput() {
		_ = a.printJSON(evt)
		return
	}
	ts := evt.Timestamp.Local().Format(time.TimeOnly)
	switch evt.Type {
	case claudeflow.EventAgentMessage:
		a.printf("%s %s %s %s\n", faint(ts), cyan("["+evt.Agent+"]"), faint(shortID(evt.TaskID)), evt.Message)
	default:
		status := claudeflow.TaskStatus(evt.Status)
		a.printf("%s %-15s %s %s\n", faint(ts), bold(string(evt.Type)), shortID(evt.TaskID), statusLabel(status))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
