package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/auth"
	"github.com/vigia-civic/vigia-api/internal/config"
	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/middleware"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/ratelimit"
	"github.com/vigia-civic/vigia-api/internal/state"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	t     *testing.T
	app   *fiber.App
	store *kvstore.MemoryStore
	auth  *auth.Service
	state *state.Store
	clock *utils.FakeClock
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := kvstore.NewMemoryStore()
	clock := utils.NewFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	authService := auth.NewService(store,
		ratelimit.NewMemoryLimiter(ratelimit.DefaultMaxAttempts, ratelimit.DefaultWindow, clock),
		logger,
		auth.WithClock(clock),
		auth.WithIDGenerator(utils.NewSequenceGenerator("u")),
	)
	stateStore, err := state.Open(context.Background(), store, logger,
		state.WithClock(clock),
		state.WithIDGenerator(utils.NewSequenceGenerator("c")),
	)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Observability.MetricsPath = "/metrics"
	cfg.Server.IdempotencyTTL = 5 * time.Minute

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	app.Use(requestid.New())
	Setup(app, Deps{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Auth:       authService,
		State:      stateStore,
		Middleware: middleware.NewManager(cfg, store, authService, nil, clock, logger),
	})

	return &testEnv{t: t, app: app, store: store, auth: authService, state: stateStore, clock: clock}
}

func (e *testEnv) do(method, path, token, body string) *http.Response {
	e.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(e.t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func errorCode(t *testing.T, resp *http.Response) apperrors.ErrorCode {
	t.Helper()
	var body apperrors.ErrorResponse
	decode(t, resp, &body)
	return body.Error.Code
}

// signUpAndIn registers an account, optionally promotes it, and opens its session
func (e *testEnv) signUpAndIn(email, name string, role models.Role) models.AuthSession {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/api/v1/auth/signup", "",
		`{"email":"`+email+`","password":"secret1","name":"`+name+`"}`)
	require.Equal(e.t, fiber.StatusCreated, resp.StatusCode)
	var user models.User
	decode(e.t, resp, &user)

	if role != models.RoleUser {
		_, err := e.auth.UpdateUser(context.Background(), user.ID, models.UserUpdate{Role: &role})
		require.NoError(e.t, err)
	}

	resp = e.do(http.MethodPost, "/api/v1/auth/signin", "", `{"email":"`+email+`","password":"secret1"}`)
	require.Equal(e.t, fiber.StatusOK, resp.StatusCode)
	var sess models.AuthSession
	decode(e.t, resp, &sess)
	return sess
}

func TestSystemEndpoints(t *testing.T) {
	env := newEnv(t)

	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		resp := env.do(http.MethodGet, path, "", "")
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, path)
	}

	resp := env.do(http.MethodGet, "/api/v1/nowhere", "", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(t, resp))
}

func TestAuthRoutes(t *testing.T) {
	env := newEnv(t)
	sess := env.signUpAndIn("ana@example.com", "Ana", models.RoleUser)
	assert.NotEmpty(t, sess.AccessToken)
	assert.Equal(t, models.RoleUser, sess.User.Role)

	t.Run("duplicate signup", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/auth/signup", "", `{"email":"ana@example.com","password":"secret1","name":"Ana"}`)
		assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
		assert.Equal(t, apperrors.CodeDuplicate, errorCode(t, resp))
	})

	t.Run("bad body", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/auth/signin", "", `{"email":`)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("session and current user follow sign in", func(t *testing.T) {
		resp := env.do(http.MethodGet, "/api/v1/auth/session", "", "")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		var body struct {
			Session *models.AuthSession `json:"session"`
		}
		decode(t, resp, &body)
		require.NotNil(t, body.Session)
		assert.Equal(t, sess.AccessToken, body.Session.AccessToken)

		resp = env.do(http.MethodGet, "/api/v1/state/me", "", "")
		var me struct {
			User *models.CurrentUser `json:"user"`
		}
		decode(t, resp, &me)
		require.NotNil(t, me.User)
		assert.Equal(t, models.CurrentUser{ID: sess.User.ID, Name: "Ana"}, *me.User)
	})

	t.Run("change password", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/auth/password/change", sess.AccessToken,
			`{"currentPassword":"wrong!","newPassword":"secret2"}`)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

		resp = env.do(http.MethodPost, "/api/v1/auth/password/change", sess.AccessToken,
			`{"currentPassword":"secret1","newPassword":"secret2"}`)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

		resp = env.do(http.MethodPost, "/api/v1/auth/password/change", "", `{}`)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("update own profile only", func(t *testing.T) {
		resp := env.do(http.MethodPatch, "/api/v1/auth/users/"+sess.User.ID, sess.AccessToken, `{"name":"Ana Paula"}`)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		var user models.User
		decode(t, resp, &user)
		assert.Equal(t, "Ana Paula", user.Name)

		resp = env.do(http.MethodPatch, "/api/v1/auth/users/someone-else", sess.AccessToken, `{"name":"X"}`)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

		resp = env.do(http.MethodPatch, "/api/v1/auth/users/"+sess.User.ID, sess.AccessToken, `{"role":"admin"}`)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	})

	t.Run("verify email", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/auth/verify-email", "", `{"email":"ana@example.com","token":"t"}`)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

		resp = env.do(http.MethodPost, "/api/v1/auth/verify-email", "", `{"email":"nobody@example.com","token":"t"}`)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	})

	t.Run("sign out", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/auth/signout", "", "")
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

		resp = env.do(http.MethodGet, "/api/v1/auth/session", "", "")
		var body map[string]interface{}
		decode(t, resp, &body)
		assert.Nil(t, body["session"])
		assert.Nil(t, env.state.CurrentUser())

		resp = env.do(http.MethodPost, "/api/v1/auth/password/change", sess.AccessToken,
			`{"currentPassword":"secret2","newPassword":"secret3"}`)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})
}

func TestPasswordResetRoutes(t *testing.T) {
	env := newEnv(t)
	env.signUpAndIn("bia@example.com", "Bia", models.RoleUser)

	resp := env.do(http.MethodPost, "/api/v1/auth/password/forgot", "", `{"email":"ghost@example.com"}`)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp = env.do(http.MethodPost, "/api/v1/auth/password/forgot", "", `{"email":"bia@example.com"}`)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	var issued models.ResetToken
	found, err := kvstore.GetJSON(context.Background(), env.store, kvstore.ResetTokenKey("bia@example.com"), &issued)
	require.NoError(t, err)
	require.True(t, found)

	resp = env.do(http.MethodPost, "/api/v1/auth/password/reset", "",
		`{"email":"bia@example.com","token":"guess","newPassword":"fresh12"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.CodeTokenInvalid, errorCode(t, resp))

	resp = env.do(http.MethodPost, "/api/v1/auth/password/reset", "",
		`{"email":"bia@example.com","token":"`+issued.Token+`","newPassword":"fresh12"}`)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp = env.do(http.MethodPost, "/api/v1/auth/signin", "", `{"email":"bia@example.com","password":"fresh12"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestCaseRoutes(t *testing.T) {
	env := newEnv(t)
	user := env.signUpAndIn("caio@example.com", "Caio", models.RoleUser)

	resp := env.do(http.MethodPost, "/api/v1/cases", "", `{"title":"Leak"}`)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp = env.do(http.MethodPost, "/api/v1/cases", user.AccessToken,
		`{"title":"Leak on 5th street","category":"water","location":{"lat":-23.5,"lng":-46.6}}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var created models.Case
	decode(t, resp, &created)
	assert.Equal(t, user.User.ID, created.UserID)
	assert.Equal(t, "Caio", created.UserName)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.Equal(t, "/api/v1/cases/"+created.ID, resp.Header.Get("Location"))

	resp = env.do(http.MethodPost, "/api/v1/cases", user.AccessToken, `{"title":""}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.CodeValidation, errorCode(t, resp))

	t.Run("queries", func(t *testing.T) {
		var list []models.Case
		decode(t, env.do(http.MethodGet, "/api/v1/cases", "", ""), &list)
		assert.Len(t, list, 1)

		decode(t, env.do(http.MethodGet, "/api/v1/cases?status=resolved", "", ""), &list)
		assert.Empty(t, list)

		decode(t, env.do(http.MethodGet, "/api/v1/cases?category=water&userId="+user.User.ID, "", ""), &list)
		assert.Len(t, list, 1)

		assert.Equal(t, fiber.StatusOK, env.do(http.MethodGet, "/api/v1/cases/"+created.ID, "", "").StatusCode)
		assert.Equal(t, fiber.StatusNotFound, env.do(http.MethodGet, "/api/v1/cases/missing", "", "").StatusCode)
	})

	t.Run("support and comment", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/cases/"+created.ID+"/support", user.AccessToken, "")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		var supported models.Case
		decode(t, resp, &supported)
		assert.Equal(t, 1, supported.Supports)

		resp = env.do(http.MethodPost, "/api/v1/cases/"+created.ID+"/comments", user.AccessToken, `{"text":"Still leaking"}`)
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)

		resp = env.do(http.MethodPost, "/api/v1/cases/"+created.ID+"/comments", user.AccessToken, `{"text":"  "}`)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

		resp = env.do(http.MethodPost, "/api/v1/cases/missing/comments", user.AccessToken, `{"text":"hi"}`)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

		var comments []models.Comment
		decode(t, env.do(http.MethodGet, "/api/v1/cases/"+created.ID+"/comments", "", ""), &comments)
		require.Len(t, comments, 1)
		assert.Equal(t, "Still leaking", comments[0].Text)
		assert.Equal(t, user.User.ID, comments[0].UserID)
	})

	t.Run("staff only mutations", func(t *testing.T) {
		resp := env.do(http.MethodPatch, "/api/v1/cases/"+created.ID, user.AccessToken, `{"status":"resolved"}`)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

		resp = env.do(http.MethodGet, "/api/v1/admin/report", user.AccessToken, "")
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	})

	admin := env.signUpAndIn("root@example.com", "Root", models.RoleAdmin)

	t.Run("admin updates, reports and deletes", func(t *testing.T) {
		resp := env.do(http.MethodPatch, "/api/v1/cases/"+created.ID, admin.AccessToken, `{"status":"resolved","iir":80}`)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		var updated models.Case
		decode(t, resp, &updated)
		assert.Equal(t, models.StatusResolved, updated.Status)
		require.NotNil(t, updated.IIR)
		assert.Equal(t, 80, *updated.IIR)

		resp = env.do(http.MethodPatch, "/api/v1/cases/missing", admin.AccessToken, `{"status":"resolved"}`)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

		resp = env.do(http.MethodGet, "/api/v1/admin/report", admin.AccessToken, "")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		var report models.Report
		decode(t, resp, &report)
		assert.Equal(t, 1, report.TotalCases)
		assert.Equal(t, 1, report.ByStatus[models.StatusResolved])
		assert.Equal(t, 0, report.ByStatus[models.StatusPending])

		resp = env.do(http.MethodGet, "/api/v1/admin/notifications", admin.AccessToken, "")
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

		resp = env.do(http.MethodDelete, "/api/v1/cases/"+created.ID, admin.AccessToken, "")
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
		resp = env.do(http.MethodDelete, "/api/v1/cases/"+created.ID, admin.AccessToken, "")
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

		assert.Empty(t, env.state.Comments(created.ID))
	})

	t.Run("replaced session is rejected", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/cases", user.AccessToken, `{"title":"Pothole"}`)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})
}

func TestCaseCreationIsIdempotent(t *testing.T) {
	env := newEnv(t)
	sess := env.signUpAndIn("dora@example.com", "Dora", models.RoleUser)

	post := func(body string) *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/cases", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
		req.Header.Set(middleware.HeaderIdempotencyKey, "3d6f0a8e-7c55-4a8e-9f0e-2b7f4b0c1d22")
		resp, err := env.app.Test(req, -1)
		require.NoError(t, err)
		return resp
	}

	first := post(`{"title":"Dark street"}`)
	require.Equal(t, fiber.StatusCreated, first.StatusCode)
	again := post(`{"title":"Dark street"}`)
	require.Equal(t, fiber.StatusCreated, again.StatusCode)
	assert.Equal(t, "true", again.Header.Get(middleware.HeaderIdempotencyCached))

	var a, b models.Case
	decode(t, first, &a)
	decode(t, again, &b)
	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, env.state.Cases(models.CaseFilter{}), 1)

	conflict := post(`{"title":"Another"}`)
	assert.Equal(t, fiber.StatusConflict, conflict.StatusCode)
}

func TestStateRoutes(t *testing.T) {
	env := newEnv(t)

	resp := env.do(http.MethodPost, "/api/v1/state/login", "", `{"name":"Eva"}`)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	sess := env.signUpAndIn("eva@example.com", "Eva", models.RoleUser)

	resp = env.do(http.MethodPost, "/api/v1/state/login", sess.AccessToken, `{"name":"Eva Alt","isAdmin":true}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var cur models.CurrentUser
	decode(t, resp, &cur)
	assert.Equal(t, "Eva Alt", cur.Name)
	assert.False(t, cur.IsAdmin, "admin flag needs an admin session")
	assert.NotEqual(t, sess.User.ID, cur.ID)

	resp = env.do(http.MethodPost, "/api/v1/state/login", sess.AccessToken, `{"name":" "}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = env.do(http.MethodPost, "/api/v1/state/logout", sess.AccessToken, "")
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Nil(t, env.state.CurrentUser())
}
