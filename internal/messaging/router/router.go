package router

import (
	"context"

	"campus_connect/internal/messaging/app"
	"campus_connect/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes 註冊 messaging service 的路由
// @title CampusConnect Messaging API
// @version 1.0
// @description Realtime messaging and presence for the campus marketplace
// @host localhost:8080
// @BasePath /
func RegisterRoutes(r *fiber.App, httpHandler *app.MessagingHTTPHandler, ws *app.MessagingWebsocketHandler, check middlewares.SessionCheck) {
	r.Get("/swagger/*", swagger.HandlerDefault)
	r.Get("/health", httpHandler.Health)

	auth := r.Group("/auth")
	auth.Post("/signup", httpHandler.SignUp)
	auth.Post("/login", httpHandler.Login)

	jwt := middlewares.JWTMiddleware(check)
	r.Post("/auth/logout", jwt, httpHandler.Logout)
	r.Get("/presence/online", jwt, httpHandler.OnlineUsers)
	r.Post("/files", jwt, httpHandler.UploadFile)

	r.Use("/ws", jwt, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		// 每條連線一個 Session
		ws.HandleConnection(context.Background(), c)
	}))
}
