package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/backend/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(jwtSvc *auth.JWTService, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append([]gin.HandlerFunc{JWT(jwtSvc)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{"user_id": id.UserID})
	})
	r.GET("/me", handlers...)
	return r
}

func TestJWTMissingHeader(t *testing.T) {
	r := newRouter(auth.NewJWTService("s", 1))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTSetsIdentity(t *testing.T) {
	svc := auth.NewJWTService("s", 1)
	userID := uuid.New()
	token, err := svc.Generate(userID, "Ada", "student")
	require.NoError(t, err)

	r := newRouter(svc)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), userID.String())
}

func TestRequireRoleForbidden(t *testing.T) {
	svc := auth.NewJWTService("s", 1)
	token, err := svc.Generate(uuid.New(), "Ada", "student")
	require.NoError(t, err)

	r := newRouter(svc, RequireRole(auth.RoleAdmin))
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestKeyedLimiterBurstAndRefill(t *testing.T) {
	l := NewKeyedLimiter(60, 2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
	assert.True(t, l.Allow("u2"), "keys are independent")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("u1"))
}

func TestKeyedLimiterExpiresIdleKeys(t *testing.T) {
	l := NewKeyedLimiter(60, 1, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(2 * time.Minute)
	l.Allow("new")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.visitors, "old")
	assert.Contains(t, l.visitors, "new")
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS("http://app.test"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://app.test")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://app.test", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowed(t *testing.T) {
	check := OriginAllowed("http://app.test, http://admin.test")
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://admin.test")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.test")
	assert.False(t, check(req))

	assert.True(t, OriginAllowed("*")(req))
}
