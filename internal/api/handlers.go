package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "claudeflow/internal/errors"
	"claudeflow/internal/task"
)

const maxRequestBody = 1 << 20

type listResponse struct {
	Tasks  []*task.Task `json:"tasks"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type agentsResponse struct {
	Agents any `json:"agents"`
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

// handleCreateTask 处理创建任务的请求。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req task.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.tasks.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	resolved := task.BuildListOptions(opts...)
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Limit: resolved.Limit, Offset: resolved.Offset})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "任务不存在"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.agents == nil {
		writeJSON(w, http.StatusOK, agentsResponse{Agents: []any{}})
		return
	}
	writeJSON(w, http.StatusOK, agentsResponse{Agents: s.agents.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

// parseListOptions 将查询参数转换为任务过滤条件。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, invalidParam("limit", raw)
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, invalidParam("offset", raw)
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, invalidParam("status", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("agent"); raw != "" {
		opts = append(opts, task.WithAgent(raw))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, invalidParam("since", raw)
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, invalidParam("until", raw)
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := query.Get("has_output"); raw != "" {
		hasOutput, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, invalidParam("has_output", raw)
		}
		opts = append(opts, task.WithOutputPresence(hasOutput))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, invalidParam("order", query.Get("order"))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

// parseTimestamp 接受 Unix 秒或 RFC3339 时间。
func parseTimestamp(raw string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(seconds, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func invalidParam(name, value string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 无效: %q", name, value),
		xerrors.WithMetadata("param", name))
}
