package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"dialer-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(userID, role string, chain ...gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole(t *testing.T) {
	cases := []struct {
		name    string
		role    string
		allowed []string
		want    int
	}{
		{"super admin bypasses", RoleSuperAdmin, []string{RoleOwner}, http.StatusOK},
		{"listed role", RoleFinance, []string{RoleOwner, RoleFinance}, http.StatusOK},
		{"unlisted role", RoleUser, []string{RoleOwner}, http.StatusForbidden},
		{"hidden role denied unless listed", RoleOperator, []string{RoleOwner}, http.StatusForbidden},
		{"hidden role listed", RoleOperator, []string{RoleOperator}, http.StatusOK},
		{"no role", "", []string{RoleOwner}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := serve("u", tc.role, RequireUser(), RequireAnyRole(tc.allowed...)); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestRequireUser_Missing(t *testing.T) {
	if got := serve("", RoleOwner, RequireUser(), RequireAnyRole(RoleOwner)); got != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", got)
	}
}
