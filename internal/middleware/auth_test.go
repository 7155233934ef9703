package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"nodebridge/internal/auth"
)

func newAuthTestRouter(cfg auth.TokenConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", RequireAuth(cfg), func(c *gin.Context) {
		subject, _ := SubjectFromContext(c)
		c.JSON(http.StatusOK, gin.H{"subject": subject})
	})
	return r
}

func TestRequireAuth_ValidToken(t *testing.T) {
	cfg := auth.DefaultTokenConfig("test-secret")
	token, err := auth.CreateToken("admin", cfg)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	r := newAuthTestRouter(cfg)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequireAuth_Rejections(t *testing.T) {
	cfg := auth.DefaultTokenConfig("test-secret")
	other, err := auth.CreateToken("admin", auth.DefaultTokenConfig("other-secret"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	r := newAuthTestRouter(cfg)
	cases := map[string]string{
		"missing header":    "",
		"not bearer":        "Basic abc",
		"garbage token":     "Bearer not.a.jwt",
		"wrong signing key": "Bearer " + other,
	}
	for name, header := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, w.Code)
		}
	}
}
