package middlewares

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	t_token "campus_connect/pkg/token"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(check SessionCheck) *fiber.App {
	app := fiber.New()
	app.Get("/me", JWTMiddleware(check), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(TokenUserID).(string) + ":" + c.Locals(TokenRole).(string))
	})
	return app
}

func call(t *testing.T, app *fiber.App, req *http.Request) (int, string) {
	t.Helper()
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestJWTMiddleware(t *testing.T) {
	tokenStr, err := t_token.GenerateJWT("buyer-1", string(t_token.RoleStudent), "test")
	require.NoError(t, err)
	app := newApp(nil)

	t.Run("header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+tokenStr)
		status, body := call(t, app, req)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "buyer-1:student", body)
	})

	t.Run("query", func(t *testing.T) {
		status, _ := call(t, app, httptest.NewRequest(http.MethodGet, "/me?"+QueryToken+"="+tokenStr, nil))
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.AddCookie(&http.Cookie{Name: CookieToken, Value: tokenStr})
		status, _ := call(t, app, req)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("missing", func(t *testing.T) {
		status, body := call(t, app, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Contains(t, body, "Missing token")
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer garbage")
		status, body := call(t, app, req)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Contains(t, body, "Invalid token")
	})
}

func TestJWTMiddlewareSessionCheck(t *testing.T) {
	tokenStr, err := t_token.GenerateJWT("buyer-1", string(t_token.RoleStudent), "test")
	require.NoError(t, err)

	var checked string
	app := newApp(func(_ context.Context, tok string) error {
		checked = tok
		return errors.New("signed out")
	})
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+tokenStr)
	status, body := call(t, app, req)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body, "Session expired")
	assert.Equal(t, tokenStr, checked)
}
