package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	xerrors "claudeflow/internal/errors"
	"claudeflow/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 4 << 20
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Generate 调用 OpenAI 兼容接口生成结构化回复。限流与服务端错误可重试，其余 4xx 不可重试。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求 OpenAI 超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "读取 OpenAI 响应失败")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		message := gjson.GetBytes(body, "error.message").String()
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		return nil, xerrors.New(xerrors.CodeAgentFailure,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, truncate(message)),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}

	if !gjson.ValidBytes(body) {
		return nil, xerrors.New(xerrors.CodeAgentFailure, "解析 OpenAI 响应失败: 非法 JSON", xerrors.WithRetryable(false))
	}
	content := strings.TrimSpace(gjson.GetBytes(body, "choices.0.message.content").String())
	if content == "" {
		return nil, xerrors.New(xerrors.CodeAgentFailure, "OpenAI 响应内容为空")
	}

	out := &llm.Response{Reply: content}
	if gjson.Valid(content) {
		parsed := gjson.Parse(content)
		if reply := strings.TrimSpace(parsed.Get("reply").String()); reply != "" {
			out.Reply = reply
			out.Thought = strings.TrimSpace(parsed.Get("thought").String())
		}
	}
	return out, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are one of the role agents of a task orchestration service. " +
	"Always respond with a compact JSON object: {\"thought\": string, \"reply\": string}. " +
	"Write the reply in Markdown, in the language of the task, and summarise the reasoning in \"thought\"."

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	if agent := strings.TrimSpace(req.Agent); agent != "" {
		builder.WriteString(fmt.Sprintf("## 角色\n%s", agent))
		if persona := strings.TrimSpace(req.Persona); persona != "" {
			builder.WriteString(fmt.Sprintf(": %s", persona))
		}
		builder.WriteString("\n\n")
	}
	builder.WriteString("## 当前任务\n")
	builder.WriteString(strings.TrimSpace(req.Prompt))
	builder.WriteString("\n")

	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for key := range req.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		builder.WriteString("\n## 上下文\n")
		for _, key := range keys {
			builder.WriteString(fmt.Sprintf("- %s: %s\n", key, truncate(fmt.Sprint(req.Context[key]))))
		}
	}

	if len(req.Knowledge) > 0 {
		builder.WriteString("\n## 参考剧本\n")
		for idx, card := range req.Knowledge {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n",
				idx+1,
				strings.TrimSpace(card.Title),
				truncate(card.Content),
			))
			if idx >= 4 {
				break
			}
		}
	}

	builder.WriteString("\n请依据上述信息给出推理 thought，以及直接交付给用户的 reply。")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 120 {
		return string([]rune(text)[:120]) + "..."
	}
	return text
}
