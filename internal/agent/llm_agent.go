package agent

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "claudeflow/internal/errors"
	"claudeflow/internal/llm"
)

// LLMAgent 将任务交给大模型处理，同角色的剧本作为知识卡片一并提供。
type LLMAgent struct {
	name    string
	profile RoleProfile
	client  llm.Client
	timeout time.Duration
}

// NewLLMAgent 创建大模型智能体。
func NewLLMAgent(name string, profile RoleProfile, client llm.Client, timeout time.Duration) *LLMAgent {
	return &LLMAgent{name: normalize(name), profile: profile, client: client, timeout: timeout}
}

// Name 实现 Agent。
func (a *LLMAgent) Name() string { return a.name }

// Description 实现 Agent。
func (a *LLMAgent) Description() string {
	if a.profile.Description != "" {
		return a.profile.Description + " (LLM)"
	}
	return "LLM-backed agent"
}

// Handle 调用大模型生成回复。
func (a *LLMAgent) Handle(ctx context.Context, job Job, reporter Reporter) (Result, error) {
	if reporter == nil {
		reporter = Discard
	}
	if a.client == nil {
		return Result{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "任务内容不能为空", xerrors.WithRetryable(false))
	}

	cards := make([]llm.KnowledgeCard, 0, 3)
	for _, playbook := range a.profile.Query(job.Prompt, 3) {
		cards = append(cards, llm.KnowledgeCard{Title: playbook.Title, Content: playbook.Response})
	}

	llmCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	reporter.Report(a.name, "Consultando el modelo")
	resp, err := a.client.Generate(llmCtx, llm.Request{
		Agent:     a.name,
		Persona:   a.profile.Description,
		Prompt:    job.Prompt,
		Context:   job.Context,
		Knowledge: cards,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return Result{}, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return Result{}, err
		}
		return Result{}, xerrors.Wrap(xerrors.CodeAgentFailure, err, "大模型推理失败")
	}
	if thought := strings.TrimSpace(resp.Thought); thought != "" {
		reporter.Report(a.name, thought)
	}
	return Result{Agent: a.name, Output: resp.Reply}, nil
}

var _ Agent = (*LLMAgent)(nil)
