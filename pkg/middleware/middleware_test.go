package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"verdict/pkg/logging"
)

func TestIdentityMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen string
	router := gin.New()
	router.Use(IdentityMiddleware())
	router.GET("/whoami", func(c *gin.Context) {
		seen = logging.GetUserID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-User-ID", "alice")
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "alice", seen)

	seen = "unset"
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "", seen, "absent header must leave the context without a user")
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-42")
	router.ServeHTTP(recorder, req)
	assert.Equal(t, "req-42", recorder.Header().Get("X-Request-ID"))

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, recorder.Header().Get("X-Request-ID"))
}
