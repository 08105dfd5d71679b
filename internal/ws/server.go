// Package ws pushes task status events to browser clients over Socket.IO.
package ws

import (
	"context"
	"net/http"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"

	"go_orchestrator/internal/auth"
	"go_orchestrator/internal/model"
)

// Event names
const (
	EventTaskStatus    = "task:status"
	EventTaskHistory   = "task:history"
	EventSubscribeTask = "subscribe:task"
	EventError         = "error"
)

// TaskReader loads tasks and their history for subscribers
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	ListEvents(ctx context.Context, taskID string) ([]model.TaskStatusEvent, error)
}

// SubscribeRequest is sent by clients to follow one task
type SubscribeRequest struct {
	TaskID string `json:"taskId"`
}

// Hub owns the Socket.IO server
type Hub struct {
	server *socketio.Server
	tasks  TaskReader
	logger *logrus.Entry
}

// NewHub creates the Socket.IO server and registers its handlers
func NewHub(tasks TaskReader, logger *logrus.Entry) *Hub {
	h := &Hub{
		tasks:  tasks,
		logger: logger.WithField("component", "ws"),
	}

	// Create server with custom transport options
	h.server = socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{
				CheckOrigin: func(r *http.Request) bool {
					return true
				},
			},
			&websocket.Transport{
				CheckOrigin: func(r *http.Request) bool {
					return true
				},
			},
		},
	})

	h.server.OnConnect("/", h.onConnect)
	h.server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		h.logger.Debugf("Client disconnected: %s, reason: %s", s.ID(), reason)
	})
	h.server.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			h.logger.WithError(e).Warn("Socket.IO error")
			return
		}
		h.logger.WithError(e).Warnf("Socket.IO error for client %s", s.ID())
	})
	h.server.OnEvent("/", EventSubscribeTask, h.onSubscribe)

	return h
}

// Serve runs the Socket.IO event loop until Close
func (h *Hub) Serve() {
	go func() {
		if err := h.server.Serve(); err != nil {
			h.logger.WithError(err).Error("Socket.IO server stopped")
		}
	}()
	h.logger.Info("Socket.IO server initialized")
}

// Close shuts the server down
func (h *Hub) Close() error {
	return h.server.Close()
}

// Handler returns the HTTP handler with handshake authentication
func (h *Hub) Handler() http.Handler {
	return WrapWithAuth(h.server, h.logger)
}

type session struct {
	userID string
	role   string
}

func (h *Hub) onConnect(s socketio.Conn) error {
	u := s.URL()
	r := &http.Request{URL: &u, Header: s.RemoteHeader()}
	claims, err := auth.ParseToken(extractToken(r))
	if err != nil {
		// the handshake was authenticated; a token that expired since is refused
		return err
	}
	s.SetContext(&session{userID: claims.UserID, role: claims.Role})
	s.Join(userRoom(claims.UserID))
	h.logger.WithField("user_id", claims.UserID).Debugf("Client connected: %s", s.ID())
	s.Emit("connected", map[string]interface{}{"ok": true})
	return nil
}

func (h *Hub) onSubscribe(s socketio.Conn, req SubscribeRequest) {
	sess, _ := s.Context().(*session)
	if sess == nil || req.TaskID == "" {
		s.Emit(EventError, map[string]interface{}{"message": "invalid subscription"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.tasks.GetTask(ctx, req.TaskID)
	if err != nil || (task.UserID != sess.userID && sess.role != auth.RoleAdmin) {
		s.Emit(EventError, map[string]interface{}{"message": "task not found", "taskId": req.TaskID})
		return
	}
	events, err := h.tasks.ListEvents(ctx, req.TaskID)
	if err != nil {
		h.logger.WithError(err).WithField("task_id", req.TaskID).Warn("Failed to load task history")
		s.Emit(EventError, map[string]interface{}{"message": "failed to load task history", "taskId": req.TaskID})
		return
	}

	s.Join(taskRoom(req.TaskID))
	s.Emit(EventTaskHistory, map[string]interface{}{
		"taskId": req.TaskID,
		"status": task.Status,
		"items":  events,
	})
}

func taskRoom(taskID string) string { return "task:" + taskID }

func userRoom(userID string) string { return "user:" + userID }
