package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	xerrors "claudeflow/internal/errors"
	"claudeflow/internal/events"
	"claudeflow/pkg/logger"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents 将总线上的事件推送给 WebSocket 客户端。
// 每个连接独立订阅，慢连接只会丢失自己的事件。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.bus == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "事件总线未启用"))
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := s.bus.Subscribe(ctx, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}
	defer conn.Close()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()
	log := logger.Named("stream").With(slog.String("subscription", sub.ID()), slog.String("task_id", filter.TaskID))
	log.Debug("事件流已连接")

	// 读协程只负责感知客户端断开与 pong。
	pongWait := 2 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			log.Debug("事件流已断开")
			return
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				log.Debug("推送事件失败", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func parseFilter(r *http.Request) (events.Filter, error) {
	query := r.URL.Query()
	filter := events.Filter{TaskID: strings.TrimSpace(query.Get("task_id"))}
	if raw := query.Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			eventType, err := events.ParseType(part)
			if err != nil {
				return events.Filter{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "参数 types 无效",
					xerrors.WithMetadata("param", "types"))
			}
			filter.Types = append(filter.Types, eventType)
		}
	}
	return filter, nil
}
