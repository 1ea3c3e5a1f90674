package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "claudeflow/internal/errors"
)

const (
	// FailMarker 出现在 prompt 中时模拟智能体返回不可重试的错误。
	FailMarker = "#fail"
	// FlakyMarker 出现在 prompt 中时首次尝试返回可重试的错误。
	FlakyMarker = "#flaky"
)

// SimulatedAgent 依据剧本生成回复，并按步骤汇报进度。
type SimulatedAgent struct {
	name    string
	profile RoleProfile
	delay   time.Duration
}

// SimulatedOption 定义模拟智能体的可选配置。
type SimulatedOption func(*SimulatedAgent)

// WithStepDelay 设置每个步骤之间的停顿。
func WithStepDelay(delay time.Duration) SimulatedOption {
	return func(a *SimulatedAgent) {
		if delay >= 0 {
			a.delay = delay
		}
	}
}

// NewSimulatedAgent 创建模拟智能体。
func NewSimulatedAgent(name string, profile RoleProfile, opts ...SimulatedOption) *SimulatedAgent {
	a := &SimulatedAgent{name: normalize(name), profile: profile}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if len(a.profile.Steps) == 0 {
		a.profile.Steps = []string{"Procesando"}
	}
	if strings.TrimSpace(a.profile.Fallback) == "" {
		a.profile.Fallback = "{agent}: {prompt}"
	}
	return a
}

// Name 实现 Agent。
func (a *SimulatedAgent) Name() string { return a.name }

// Description 实现 Agent。
func (a *SimulatedAgent) Description() string {
	if a.profile.Description != "" {
		return a.profile.Description
	}
	return "simulated agent"
}

// Handle 逐步汇报进度后返回剧本回复。
func (a *SimulatedAgent) Handle(ctx context.Context, job Job, reporter Reporter) (Result, error) {
	if reporter == nil {
		reporter = Discard
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "任务内容不能为空", xerrors.WithRetryable(false))
	}

	total := len(a.profile.Steps)
	for i, step := range a.profile.Steps {
		reporter.Report(a.name, fmt.Sprintf("[%d/%d] %s", i+1, total, step))
		if err := a.pause(ctx); err != nil {
			return Result{}, err
		}
	}

	lower := strings.ToLower(job.Prompt)
	if strings.Contains(lower, FailMarker) {
		return Result{}, xerrors.New(xerrors.CodeAgentFailure,
			fmt.Sprintf("%s no pudo completar la tarea", a.name),
			xerrors.WithRetryable(false), xerrors.WithMetadata("agent", a.name))
	}
	if strings.Contains(lower, FlakyMarker) && job.Attempt <= 1 {
		return Result{}, xerrors.New(xerrors.CodeAgentFailure,
			fmt.Sprintf("%s sufrió un error transitorio", a.name),
			xerrors.WithRetryable(true), xerrors.WithAlert(false), xerrors.WithMetadata("agent", a.name))
	}

	template := a.profile.Fallback
	if matched := a.profile.Query(job.Prompt, 1); len(matched) > 0 {
		template = matched[0].Response
	}
	return Result{Agent: a.name, Output: render(template, a.name, job.Prompt)}, nil
}

func (a *SimulatedAgent) pause(ctx context.Context) error {
	if a.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(a.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "智能体执行超时")
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewSimulatedAgents 根据剧本为每个角色创建模拟智能体。未在剧本中出现的角色使用空配置。
func NewSimulatedAgents(catalog *Catalog, roles []string, opts ...SimulatedOption) []Agent {
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	agents := make([]Agent, 0, len(roles))
	for _, role := range roles {
		profile, _ := catalog.Profile(role)
		agents = append(agents, NewSimulatedAgent(role, profile, opts...))
	}
	return agents
}

var _ Agent = (*SimulatedAgent)(nil)
