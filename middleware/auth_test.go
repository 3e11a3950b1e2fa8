package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/pageviews/utils"
)

func adminRouter(secret string) *gin.Engine {
	r := gin.New()
	r.POST("/admin", AdminRequired(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextOperatorKey))
	})
	return r
}

func callAdmin(r *gin.Engine, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminRequired(t *testing.T) {
	r := adminRouter("s3cret")
	admin, err := utils.GenerateToken("s3cret", "ops", utils.RoleAdmin, time.Hour)
	require.NoError(t, err)
	viewer, err := utils.GenerateToken("s3cret", "bob", "viewer", time.Hour)
	require.NoError(t, err)
	forged, err := utils.GenerateToken("guess", "eve", utils.RoleAdmin, time.Hour)
	require.NoError(t, err)

	w := callAdmin(r, "Bearer "+admin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, callAdmin(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, callAdmin(r, "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, callAdmin(r, "Bearer ").Code)
	assert.Equal(t, http.StatusUnauthorized, callAdmin(r, "Bearer "+forged).Code)
	assert.Equal(t, http.StatusForbidden, callAdmin(r, "Bearer "+viewer).Code)
}

func TestAdminRequiredWithoutSecret(t *testing.T) {
	tok, err := utils.GenerateToken("s3cret", "ops", utils.RoleAdmin, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, callAdmin(adminRouter(""), "Bearer "+tok).Code)
}
