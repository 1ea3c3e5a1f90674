package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "claudeflow/internal/errors"
)

// DefaultRoles 是未配置时注册的角色。
var DefaultRoles = []string{"asistente", "ejecutor", "profesor"}

// Registry 保存按名称索引的智能体，名称大小写不敏感。
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry 创建注册表并注册给定的智能体。
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册一个智能体，重名时返回错误。
func (r *Registry) Register(a Agent) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	key := normalize(a.Name())
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[key]; exists {
		return xerrors.New(CodeAgentDuplicate, fmt.Sprintf("agent %s 已注册", key))
	}
	r.agents[key] = a
	r.order = append(r.order, key)
	return nil
}

// Get 按名称查找智能体。
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[normalize(name)]
	return a, ok
}

// Has 判断智能体是否存在。
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names 按注册顺序返回智能体名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List 返回全部智能体的描述。
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.order))
	for _, key := range r.order {
		a := r.agents[key]
		infos = append(infos, Info{Name: key, Description: a.Description()})
	}
	return infos
}

func (r *Registry) agentsInOrder() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]Agent, 0, len(r.order))
	for _, key := range r.order {
		agents = append(agents, r.agents[key])
	}
	return agents
}

// Dispatch 根据 Job 选择执行方式：Distribute 时交给全部智能体，否则交给目标智能体。
func (r *Registry) Dispatch(ctx context.Context, job Job, reporter Reporter) (Outcome, error) {
	if reporter == nil {
		reporter = Discard
	}
	if job.Distribute {
		return Swarm(ctx, r, job, reporter)
	}
	a, ok := r.Get(job.Target)
	if !ok {
		return Outcome{}, xerrors.New(CodeAgentUnknown, fmt.Sprintf("未知的智能体: %q", job.Target),
			xerrors.WithRetryable(false), xerrors.WithMetadata("agent", job.Target))
	}
	result, err := a.Handle(ctx, job, reporter)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Output: result.Output}, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
