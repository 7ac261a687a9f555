package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/pawchat/internal/auth"
	"github.com/npezzotti/pawchat/internal/config"
	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/testutil"
	"github.com/npezzotti/pawchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &PawChatApp{
		log: testutil.TestLogger(t),
	}

	app.log.SetOutput(buf)

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "panic: test panic")
	assert.NotContains(t, rr.Body.String(), "test panic", "expected panic details to stay in the log")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &PawChatApp{}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_authMiddleware(t *testing.T) {
	repo := database.NewMemoryChatRepository()
	repo.AddAccount(database.Account{Id: 1, Role: types.RoleOwner, Email: "owner@example.com", Active: true})
	repo.AddAccount(database.Account{Id: 9, Role: types.RoleOwner, Email: "gone@example.com", Active: false})

	app := &PawChatApp{
		log:  testutil.TestLogger(t),
		auth: auth.NewAuthenticator(testSigningKey, repo),
	}

	var seen auth.Identity
	next := func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}

	valid, err := auth.SignToken(testSigningKey, testutil.Owner, time.Hour)
	require.NoError(t, err)
	inactive, err := auth.SignToken(testSigningKey, types.Participant{Role: types.RoleOwner, Id: 9}, time.Hour)
	require.NoError(t, err)
	expired, err := auth.SignToken(testSigningKey, testutil.Owner, -time.Hour)
	require.NoError(t, err)
	foreign, err := auth.SignToken([]byte("another-key"), testutil.Owner, time.Hour)
	require.NoError(t, err)

	tcases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		reason string
	}{
		{"no credentials", func(r *http.Request) {}, http.StatusUnauthorized, "authentication required"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: auth.TokenCookieKey, Value: valid}) }, http.StatusOK, ""},
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) }, http.StatusOK, ""},
		{"expired", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) }, http.StatusUnauthorized, "invalid token"},
		{"wrong key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+foreign) }, http.StatusUnauthorized, "invalid token"},
		{"inactive account", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+inactive) }, http.StatusUnauthorized, "user not found"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			seen = auth.Identity{}
			req := httptest.NewRequest(http.MethodGet, "/api/rooms/list", nil)
			tc.setup(req)
			rr := httptest.NewRecorder()

			app.authMiddleware(next)(rr, req)

			assert.Equal(t, tc.status, rr.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, testutil.Owner, seen.Participant())
				assert.Equal(t, "owner@example.com", seen.Email)
				assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store")
			} else {
				assert.Zero(t, seen, "expected the handler to not run")

				var apiErr ApiError
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
				assert.Equal(t, tc.status, apiErr.StatusCode)
				assert.Equal(t, tc.reason, apiErr.Message)
			}
		})
	}
}

func Test_authMiddleware_LookupFailure(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	db.On("GetAccount", mock.Anything, types.RoleOwner, 1).Return(database.Account{}, errors.New("connection reset")).Once()

	app := NewPawChatApp(http.NewServeMux(), testutil.TestLogger(t), nil, nil, db, &config.Config{SigningKey: testSigningKey})

	token, err := auth.SignToken(testSigningKey, testutil.Owner, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/list", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expected the handler to not run")
	})(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "connection reset")
}
