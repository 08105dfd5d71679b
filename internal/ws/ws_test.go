package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_orchestrator/internal/auth"
	"go_orchestrator/internal/logging"
	"go_orchestrator/internal/model"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"query", "/socket.io/?token=abc", "", "abc"},
		{"query wins", "/socket.io/?token=abc", "Bearer xyz", "abc"},
		{"header", "/socket.io/", "Bearer xyz", "xyz"},
		{"wrong scheme", "/socket.io/", "Basic xyz", ""},
		{"none", "/socket.io/", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractToken(r))
		})
	}
}

func TestWrapWithAuth(t *testing.T) {
	auth.InitJWT("ws-test-secret")
	valid, err := auth.GenerateToken("user-1", "user", time.Now().Add(time.Hour), "test")
	require.NoError(t, err)
	callback, err := auth.NewCallbackIssuer("test", time.Hour).IssueCallbackToken("ws-1", "task-1")
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := WrapWithAuth(next, logging.Discard())

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"valid token", http.MethodGet, "/socket.io/?EIO=4&transport=polling&token=" + valid, http.StatusTeapot},
		{"missing token", http.MethodGet, "/socket.io/?EIO=4&transport=polling", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/socket.io/?token=nope", http.StatusUnauthorized},
		{"callback token", http.MethodGet, "/socket.io/?token=" + callback, http.StatusUnauthorized},
		{"post passes through", http.MethodPost, "/socket.io/?EIO=4&transport=polling", http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

type broadcast struct {
	room  string
	event string
	args  []interface{}
}

type recordingBroadcaster struct {
	sent []broadcast
}

func (b *recordingBroadcaster) BroadcastToRoom(namespace, room, event string, args ...interface{}) bool {
	b.sent = append(b.sent, broadcast{room: room, event: event, args: args})
	return true
}

func TestPublishTaskEvent(t *testing.T) {
	b := &recordingBroadcaster{}
	p := NewPublisher(b)

	ev := &model.TaskStatusEvent{TaskID: "task-1", ToStatus: model.TaskStatusDelegated}
	p.PublishTaskEvent(ev)
	p.PublishTaskEvent(nil)

	require.Len(t, b.sent, 1)
	assert.Equal(t, "task:task-1", b.sent[0].room)
	assert.Equal(t, EventTaskStatus, b.sent[0].event)
	assert.Equal(t, []interface{}{ev}, b.sent[0].args)

	var nilPublisher *Publisher
	assert.NotPanics(t, func() { nilPublisher.PublishTaskEvent(ev) })
}
