package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "claudeflow/internal/errors"
)

// Swarm 让注册表中的全部智能体并发处理同一个 Job 并合并输出。
// 只要有一个智能体成功即视为成功；全部失败时返回 SWARM_FAILED，
// 任一失败可重试则整体可重试。
func Swarm(ctx context.Context, registry *Registry, job Job, reporter Reporter) (Outcome, error) {
	if reporter == nil {
		reporter = Discard
	}
	agents := registry.agentsInOrder()
	if len(agents) == 0 {
		return Outcome{}, xerrors.New(CodeAgentUnknown, "没有可用的智能体", xerrors.WithRetryable(false))
	}

	var (
		mu      sync.Mutex
		outputs = make(map[string]string, len(agents))
		errs    = make(map[string]error)
		g       errgroup.Group
	)
	for _, a := range agents {
		g.Go(func() error {
			member := job
			member.Target = a.Name()
			result, err := a.Handle(ctx, member, reporter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[normalize(a.Name())] = err
				reporter.Report(a.Name(), fmt.Sprintf("falló: %v", err))
				return nil
			}
			outputs[normalize(a.Name())] = result.Output
			return nil
		})
	}
	_ = g.Wait()

	if len(outputs) == 0 {
		joined := make([]error, 0, len(errs))
		retryable := false
		for _, a := range agents {
			if err := errs[normalize(a.Name())]; err != nil {
				joined = append(joined, fmt.Errorf("%s: %w", a.Name(), err))
				retryable = retryable || xerrors.RetryableError(err)
			}
		}
		return Outcome{}, xerrors.Wrap(CodeSwarmFailed, stdErrors.Join(joined...), "swarm 中的全部智能体均失败",
			xerrors.WithRetryable(retryable))
	}

	var merged strings.Builder
	for _, a := range agents {
		key := normalize(a.Name())
		out, ok := outputs[key]
		if !ok {
			continue
		}
		if merged.Len() > 0 {
			merged.WriteString("\n\n")
		}
		fmt.Fprintf(&merged, "## %s\n\n%s", key, out)
	}
	return Outcome{Output: merged.String(), Outputs: outputs}, nil
}
