package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Astemirdum/library-ledger/pkg/auth"
	md "github.com/Astemirdum/library-ledger/pkg/middleware"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

func whoAmI(c echo.Context) error {
	id, err := auth.FromContext(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"user": id.UserName, "role": id.Role, "patron": id.PatronID})
}

func TestAuthContext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		headers      map[string]string
		expectedCode int
		expectedBody string
	}{
		{
			name:         "ok",
			headers:      map[string]string{auth.XUserNameHeader: "ana", auth.XUserRoleHeader: "regular", auth.XPatronIDHeader: "3"},
			expectedCode: http.StatusOK,
			expectedBody: `{"patron":3,"role":"regular","user":"ana"}`,
		},
		{
			name:         "no user",
			headers:      map[string]string{auth.XUserRoleHeader: "regular"},
			expectedCode: http.StatusUnauthorized,
			expectedBody: `{"message":"user-name is empty"}`,
		},
		{
			name:         "bad patron",
			headers:      map[string]string{auth.XUserNameHeader: "ana", auth.XUserRoleHeader: "regular", auth.XPatronIDHeader: "abc"},
			expectedCode: http.StatusUnauthorized,
			expectedBody: `{"message":"patron-id is invalid"}`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := echo.New()
			e.GET("/me", whoAmI, md.AuthContext)

			r := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			e.ServeHTTP(w, r)

			require.Equal(t, tt.expectedCode, w.Code)
			require.Equal(t, tt.expectedBody, strings.Trim(w.Body.String(), "\n"))
		})
	}
}

func TestJwtAuthentication(t *testing.T) {
	t.Parallel()
	key := []byte("secret")
	sign := func(t *testing.T, key []byte, exp time.Time) string {
		claims := auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
			UserName:         "root",
			PatronID:         1,
			Role:             auth.RoleAdmin,
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	tests := []struct {
		name          string
		authorization string
		expectedCode  int
	}{
		{name: "ok", authorization: "Bearer " + sign(t, key, time.Now().Add(time.Hour)), expectedCode: http.StatusOK},
		{name: "expired", authorization: "Bearer " + sign(t, key, time.Now().Add(-time.Hour)), expectedCode: http.StatusUnauthorized},
		{name: "wrong key", authorization: "Bearer " + sign(t, []byte("other"), time.Now().Add(time.Hour)), expectedCode: http.StatusUnauthorized},
		{name: "no header", expectedCode: http.StatusUnauthorized},
		{name: "not bearer", authorization: "Basic abc", expectedCode: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := echo.New()
			e.GET("/me", whoAmI, md.JwtAuthentication(key), md.RequireAdmin)

			r := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
			if tt.authorization != "" {
				r.Header.Set(md.AuthorizationHeader, tt.authorization)
			}
			w := httptest.NewRecorder()
			e.ServeHTTP(w, r)

			require.Equal(t, tt.expectedCode, w.Code)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()
	e := echo.New()
	e.GET("/admin", whoAmI, md.AuthContext, md.RequireAdmin)

	r := httptest.NewRequest(http.MethodGet, "/admin", http.NoBody)
	r.Header.Set(auth.XUserNameHeader, "ana")
	r.Header.Set(auth.XUserRoleHeader, auth.RoleRegular)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/admin", http.NoBody)
	r.Header.Set(auth.XUserNameHeader, "root")
	r.Header.Set(auth.XUserRoleHeader, auth.RoleAdmin)
	w = httptest.NewRecorder()
	e.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}
