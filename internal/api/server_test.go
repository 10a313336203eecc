package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattv8/pangolin/internal/bus"
	"github.com/mattv8/pangolin/internal/sessionauth"
	"github.com/mattv8/pangolin/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	srv := NewServer(ServerConfig{
		Store:     st,
		Bus:       bus.New(nil),
		Validator: sessionauth.NewValidator(st),
	})
	return srv, st
}

func TestValidateSessionMissingCookie(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/session/validate", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"valid":false}`, rec.Body.String())
}

func TestValidateSessionWrongToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/session/validate", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "wrong"})
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"valid":false}`, rec.Body.String())
}

func TestValidateSessionValidToken(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.CreateUser(ctx, "u1", "a@x"))
	require.NoError(t, st.CreateSession(ctx, "sess1", "abc", "u1", time.Now().Add(time.Hour)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/session/validate", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "abc"})
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"valid":true`)
	require.Contains(t, rec.Body.String(), `"userId":"u1"`)
	require.Contains(t, rec.Body.String(), `"email":"a@x"`)
}

func TestValidateSessionBearerHeader(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.CreateUser(ctx, "u2", "b@x"))
	require.NoError(t, st.CreateSession(ctx, "sess2", "xyz", "u2", time.Now().Add(time.Hour)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/session/validate", nil)
	req.Header.Set("Authorization", "Bearer xyz")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"valid":true`)
}

func TestAgentConnectRejectsUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/newt/ws?id=does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentConnectRequiresID(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/olm/ws", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
