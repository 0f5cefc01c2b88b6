package middlewares

import (
	"context"

	t_token "campus_connect/pkg/token"

	"github.com/gofiber/fiber/v2"
)

const (
	//QueryToken token in query name
	QueryToken = "auth"

	//CookieToken token in cookie name
	CookieToken = "auth_token"

	//TokenUserID get user form token, set c.locals name
	TokenUserID = "UserID"
	//TokenRole get role form token, set c.locals name
	TokenRole = "role"
	//TokenRaw the token itself, set c.locals name
	TokenRaw = "token"
)

// SessionCheck reports whether the token still has a live session (not signed out)
type SessionCheck func(ctx context.Context, token string) error

// JWTMiddleware validates the JWT from the Authorization header, the auth query or the cookie.
// check may be nil.
func JWTMiddleware(check SessionCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := t_token.StripBearer(c.Get(fiber.HeaderAuthorization))

		// websocket 無法帶 header，改由查詢參數或 Cookie 取得
		if tokenStr == "" {
			tokenStr = c.Query(QueryToken)
		}
		if tokenStr == "" {
			tokenStr = c.Cookies(CookieToken)
		}

		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing token",
			})
		}

		claims, err := t_token.ParseJWTWrapper(tokenStr)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		if check != nil {
			if err := check(c.UserContext(), tokenStr); err != nil {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Session expired",
				})
			}
		}

		c.Locals(TokenUserID, claims.UserID)
		c.Locals(TokenRole, claims.Role)
		c.Locals(TokenRaw, tokenStr)
		return c.Next()
	}
}
