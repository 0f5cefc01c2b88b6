package main

import (
	"campus_connect/internal/messaging/router"

	"github.com/gofiber/fiber/v2"
)

// swag init 的進入點，實際服務在 cmd/messaging_service
// swag init --output ./docs
func main() {
	app := fiber.New()
	router.RegisterRoutes(app, nil, nil, nil)
}
