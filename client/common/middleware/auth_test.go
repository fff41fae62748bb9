package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fixedToken struct {
	token string
	err   error
}

func (f fixedToken) Token() (string, error) { return f.token, f.err }

func newRouter(src tokenSource) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", AuthRequired(src), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("auth_access_token"))
	})
	return r
}

func TestAuthRequired(t *testing.T) {
	r := newRouter(fixedToken{token: "secret"})

	cases := []struct {
		name   string
		target string
		header string
		status int
	}{
		{"missing", "/x", "", http.StatusUnauthorized},
		{"wrong", "/x", "Bearer nope", http.StatusUnauthorized},
		{"header", "/x", "Bearer secret", http.StatusOK},
		{"query", "/x?token=secret", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestAuthRequiredWithoutSessionToken(t *testing.T) {
	r := newRouter(fixedToken{err: errors.New("no token")})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
