package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	_ "campus_connect/docs"
	"campus_connect/internal/messaging/app"
	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg/database"
	"campus_connect/pkg/logger"
	"campus_connect/pkg/middlewares"

	"github.com/coder/quartz"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*fiber.App, repository.Backend) {
	t.Helper()
	logger.SetNewNop()
	clock := quartz.NewReal()
	backend := repository.NewRealtimeBackend(repository.NewMemoryStore(clock), repository.NewMemoryFeed(), clock, time.Second)
	t.Cleanup(func() { _ = backend.Close() })

	auth := repository.NewAuthRepository(backend, database.NewMemoryRepository[repository.AuthSession](clock), clock)
	files := repository.NewMemoryFileStorage("http://files.test")
	check := func(ctx context.Context, tokenStr string) error {
		_, err := auth.GetSession(ctx, tokenStr)
		return err
	}

	r := fiber.New()
	RegisterRoutes(r,
		app.NewMessagingHTTPHandler(backend, auth, files),
		app.NewMessagingWebsocketHandler(backend, clock, app.SessionConfig{}),
		check,
	)
	return r, backend
}

func doJSON(t *testing.T, r *fiber.App, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := r.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func signUpAndLogin(t *testing.T, r *fiber.App, email string) (userID, token string) {
	t.Helper()
	status, body := doJSON(t, r, http.MethodPost, "/auth/signup", "", map[string]string{
		"email": email, "password": "Campus#2024", "full_name": "Test User",
	})
	require.Equal(t, http.StatusOK, status, body)
	userID, _ = body["user_id"].(string)
	require.NotEmpty(t, userID)

	status, body = doJSON(t, r, http.MethodPost, "/auth/login", "", map[string]string{
		"email": email, "password": "Campus#2024",
	})
	require.Equal(t, http.StatusOK, status, body)
	token, _ = body["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, userID, body["user_id"])
	return userID, token
}

func TestHealth(t *testing.T) {
	r, _ := newTestApp(t)

	resp, err := r.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "messaging service start!", string(body))

	resp, err = r.Test(httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthFlow(t *testing.T) {
	r, _ := newTestApp(t)
	_, token := signUpAndLogin(t, r, "Buyer@Campus.edu")

	// 同一個 email 不可重複註冊
	status, _ := doJSON(t, r, http.MethodPost, "/auth/signup", "", map[string]string{
		"email": "buyer@campus.edu", "password": "other",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := doJSON(t, r, http.MethodPost, "/auth/signup", "", map[string]string{
		"email": "weak@campus.edu", "password": "password",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "strength")

	status, _ = doJSON(t, r, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "buyer@campus.edu", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = doJSON(t, r, http.MethodPost, "/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, status, body)

	// 登出後 token 失效
	status, body = doJSON(t, r, http.MethodGet, "/presence/online", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Session expired", body["error"])
}

func TestLoginSetsCookie(t *testing.T) {
	r, _ := newTestApp(t)
	signUpAndLogin(t, r, "seller@campus.edu")

	b, _ := json.Marshal(map[string]string{"email": "seller@campus.edu", "password": "Campus#2024"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(b))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := r.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == middlewares.CookieToken {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	// cookie 也可以通過驗證
	req = httptest.NewRequest(http.MethodGet, "/presence/online", nil)
	req.AddCookie(&http.Cookie{Name: middlewares.CookieToken, Value: cookie.Value})
	resp, err = r.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOnlineUsers(t *testing.T) {
	r, backend := newTestApp(t)
	userID, token := signUpAndLogin(t, r, "buyer@campus.edu")

	status, _ := doJSON(t, r, http.MethodGet, "/presence/online", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = doJSON(t, r, http.MethodGet, "/presence/online", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := doJSON(t, r, http.MethodGet, "/presence/online", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{}, body["online_users"])

	req := domain.PresenceRequest{UserID: userID, Status: domain.StatusOnline}
	_, err := backend.CallProcedure(context.Background(), domain.ProcUpdateUserStatus, req.Args())
	require.NoError(t, err)

	status, body = doJSON(t, r, http.MethodGet, "/presence/online?auth="+token, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{userID}, body["online_users"])
}

func uploadRequest(t *testing.T, token, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/files", &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	return req
}

func TestUploadFile(t *testing.T) {
	r, _ := newTestApp(t)
	userID, token := signUpAndLogin(t, r, "seller@campus.edu")

	resp, err := r.Test(uploadRequest(t, token, "Bike.PNG", "image/png", []byte("\x89PNG fake")), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, strings.HasPrefix(out["path"], "listings/"+userID+"/"))
	assert.True(t, strings.HasSuffix(out["path"], ".png"))
	assert.Equal(t, "http://files.test/uploads/"+out["path"], out["url"])

	resp, err = r.Test(uploadRequest(t, token, "notes.txt", "text/plain", []byte("hello")), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, _ := doJSON(t, r, http.MethodPost, "/files", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	r, _ := newTestApp(t)
	_, token := signUpAndLogin(t, r, "buyer@campus.edu")

	status, _ := doJSON(t, r, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = doJSON(t, r, http.MethodGet, "/ws", token, nil)
	assert.Equal(t, http.StatusUpgradeRequired, status)
}
