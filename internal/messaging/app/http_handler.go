package app

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg"
	errprocess "campus_connect/pkg/err"
	"campus_connect/pkg/logger"
	"campus_connect/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxUploadSize largest accepted upload
const MaxUploadSize = 10 << 20

var allowedContentTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// MessagingHTTPHandler REST side of the messaging service
type MessagingHTTPHandler struct {
	store repository.Store
	auth  repository.AuthRepository
	files repository.FileStorage
}

// NewMessagingHTTPHandler create MessagingHTTPHandler
func NewMessagingHTTPHandler(store repository.Store, auth repository.AuthRepository, files repository.FileStorage) *MessagingHTTPHandler {
	return &MessagingHTTPHandler{store: store, auth: auth, files: files}
}

// Health check service status
// @Summary Check messaging service status
// @Description Returns a simple confirmation message
// @Tags Shared
// @Success 200 {string} string "messaging service start!"
// @Router /health [get]
func (h *MessagingHTTPHandler) Health(c *fiber.Ctx) error {
	return c.SendString("messaging service start!")
}

// OnlineUsers users currently online
// @Summary List online users
// @Tags Presence
// @Produce json
// @Param auth query string false "token"
// @Success 200 {object} map[string][]string "online users"
// @Failure 401 {object} map[string]string "unauthorized"
// @Router /presence/online [get]
func (h *MessagingHTTPHandler) OnlineUsers(c *fiber.Ctx) error {
	users := ListOnlineUsers(c.UserContext(), h.store)
	return c.JSON(fiber.Map{"online_users": users})
}

// UploadFile stores an image for a listing and returns its public url
// @Summary Upload listing image
// @Tags Files
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "image"
// @Success 200 {object} map[string]string "public url"
// @Failure 400 {object} map[string]string "bad request"
// @Failure 500 {object} map[string]string "upload failed"
// @Router /files [post]
func (h *MessagingHTTPHandler) UploadFile(c *fiber.Ctx) error {
	userID, _ := c.Locals(middlewares.TokenUserID).(string)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file is required"})
	}
	if fileHeader.Size > MaxUploadSize {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file too large"})
	}
	contentType := fileHeader.Header.Get(fiber.HeaderContentType)
	if !pkg.Contains(allowedContentTypes, contentType) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unsupported content type"})
	}

	f, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot read file"})
	}
	defer f.Close()

	objectPath := fmt.Sprintf("listings/%s/%s%s", userID, uuid.NewString(), strings.ToLower(path.Ext(fileHeader.Filename)))
	url, err := h.files.Upload(c.UserContext(), objectPath, f, fileHeader.Size, contentType)
	if err != nil {
		errprocess.Wrap("upload file failed", err, zap.String("userID", userID), zap.String("path", objectPath))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "upload failed"})
	}
	return c.JSON(fiber.Map{"url": url, "path": objectPath})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// SignUp create an account
// @Summary Sign up
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body credentials true "account"
// @Success 200 {object} map[string]string "user id"
// @Failure 400 {object} map[string]string "bad request"
// @Router /auth/signup [post]
func (h *MessagingHTTPHandler) SignUp(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}
	logger.Log.Debug("sign up", zap.String("email", req.Email))

	id, err := h.auth.SignUp(c.UserContext(), req.Email, req.Password, req.FullName)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"user_id": id, "message": "sign up success"})
}

// Login sign in with email and password
// @Summary Login
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body credentials true "email and password"
// @Success 200 {object} map[string]string "token"
// @Failure 401 {object} map[string]string "login failed"
// @Router /auth/login [post]
func (h *MessagingHTTPHandler) Login(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}

	sess, err := h.auth.SignIn(c.UserContext(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCredentials) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}
		errprocess.Wrap("login failed", err, zap.String("email", req.Email))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "login failed"})
	}
	c.Cookie(&fiber.Cookie{
		Name:     middlewares.CookieToken,
		Value:    sess.Token,
		Expires:  sess.ExpiresAt,
		HTTPOnly: true,
	})
	return c.JSON(fiber.Map{"token": sess.Token, "user_id": sess.UserID, "message": "login success"})
}

// Logout end the session of the current token
// @Summary Logout
// @Tags Auth
// @Produce json
// @Param auth query string false "token"
// @Success 200 {object} map[string]string "logout success"
// @Failure 500 {object} map[string]string "logout failed"
// @Router /auth/logout [post]
func (h *MessagingHTTPHandler) Logout(c *fiber.Ctx) error {
	tokenStr, ok := c.Locals(middlewares.TokenRaw).(string)
	if !ok {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": fmt.Sprintf("c.Locals(%s) is nil", middlewares.TokenRaw)})
	}
	if err := h.auth.SignOut(c.UserContext(), tokenStr); err != nil {
		errprocess.Wrap("logout failed", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "logout failed"})
	}
	c.ClearCookie(middlewares.CookieToken)
	return c.JSON(fiber.Map{"message": "logout success"})
}
