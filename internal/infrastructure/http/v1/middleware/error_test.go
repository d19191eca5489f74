package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consecutive/internal/core/apperror"
	appctx "consecutive/internal/core/context"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, handlers ...gin.HandlerFunc) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"busy", apperror.NewBusy("seq-1", 4), http.StatusServiceUnavailable, apperror.CodeBusy},
		{"exhausted", apperror.NewSequenceExhausted("seq-1", 11, 10), http.StatusUnprocessableEntity, apperror.CodeSequenceExhausted},
		{"quota", apperror.NewQuotaExceeded("acme", "day", 5, 5), http.StatusTooManyRequests, apperror.CodeQuotaExceeded},
		{"lease lost", apperror.NewLeaseLost("seq-1"), http.StatusConflict, apperror.CodeLeaseLost},
		{"unknown", errors.New("pq: connection reset"), http.StatusInternalServerError, apperror.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(t, func(c *gin.Context) { _ = c.Error(tt.err) })

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, body["code"])
			assert.NotContains(t, w.Body.String(), "connection reset")
		})
	}
}

func TestErrorHandler_BusySetsRetryAfter(t *testing.T) {
	w, _ := serve(t, func(c *gin.Context) { _ = c.Error(apperror.NewBusy("seq-1", 4)) })
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	w, _ = serve(t, func(c *gin.Context) { _ = c.Error(apperror.NewNotFound("sequence", "x")) })
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestErrorHandler_KeepsWrittenResponse(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
		_ = c.Error(errors.New("late failure"))
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, body["ok"])
}

func TestRequireAdmin(t *testing.T) {
	withActor := func(actor *appctx.ActorContext) gin.HandlerFunc {
		return func(c *gin.Context) {
			if actor != nil {
				c.Request = c.Request.WithContext(appctx.WithActor(c.Request.Context(), actor))
			}
		}
	}
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }

	w, _ := serve(t, withActor(&appctx.ActorContext{ActorID: "ops", IsAdmin: true}), RequireAdmin(), ok)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, body := serve(t, withActor(&appctx.ActorContext{ActorID: "billing"}), RequireAdmin(), ok)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperror.CodeForbidden, body["code"])

	w, _ = serve(t, withActor(nil), RequireAdmin(), ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
