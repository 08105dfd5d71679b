package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h gin.HandlerFunc, after ...gin.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/tasks/:id", append([]gin.HandlerFunc{h}, after...)...)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/task-1", nil)
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestOK(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		OK(c, gin.H{"id": c.Param("id"), "status": "queued"})
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, CodeSuccess, body["code"])
	assert.Equal(t, "success", body["message"])
	assert.Equal(t, map[string]interface{}{"id": "task-1", "status": "queued"}, body["data"])
}

func TestOKMsg(t *testing.T) {
	_, body := serve(t, func(c *gin.Context) {
		OKMsg(c, "node destroy requested", gin.H{"destroying": true})
	})

	assert.Equal(t, "node destroy requested", body["message"])
	assert.Equal(t, true, body["data"].(map[string]interface{})["destroying"])
}

func TestOKItems(t *testing.T) {
	_, body := serve(t, func(c *gin.Context) {
		OKItems(c, []gin.H{{"id": "task-1"}, {"id": "task-2"}}, 7, 2, 2)
	})

	data := body["data"].(map[string]interface{})
	assert.Len(t, data["items"], 2)
	assert.EqualValues(t, 7, data["total"])
	assert.EqualValues(t, 2, data["page"])
	assert.EqualValues(t, 2, data["pageSize"])
}

func TestFailErr(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
		wantCode   int
		wantMsg    string
		wantData   interface{}
	}{
		{
			name:       "rejected transition carries allowed targets",
			err:        ErrInvalidTransition("cannot move task from completed to queued").WithData(gin.H{"from": "completed", "allowed": []string{}}),
			wantStatus: http.StatusConflict,
			wantCode:   CodeInvalidTransition,
			wantMsg:    "cannot move task from completed to queued",
			wantData:   map[string]interface{}{"from": "completed", "allowed": []interface{}{}},
		},
		{
			name:       "quota",
			err:        ErrLimitExceeded("user already has 3 of 3 allowed nodes"),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   CodeLimitExceeded,
			wantMsg:    "user already has 3 of 3 allowed nodes",
		},
		{
			name:       "cause stays out of the body",
			err:        ErrExternalError("failed to provision node", errors.New("provider token sk-123 rejected")),
			wantStatus: http.StatusBadGateway,
			wantCode:   CodeExternalError,
			wantMsg:    "failed to provision node",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(t, func(c *gin.Context) {
				FailErr(c, tt.err)
			})

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.EqualValues(t, tt.wantCode, body["code"])
			assert.Equal(t, tt.wantMsg, body["message"])
			assert.Equal(t, tt.wantData, body["data"])
			assert.NotContains(t, w.Body.String(), "sk-123")
		})
	}
}

func TestFailErr_StopsChain(t *testing.T) {
	reached := false
	w, body := serve(t, func(c *gin.Context) {
		FailErr(c, ErrForbidden("admin role required"))
	}, func(c *gin.Context) {
		reached = true
	})

	assert.False(t, reached)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.EqualValues(t, CodeForbidden, body["code"])
}
