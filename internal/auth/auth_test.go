package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/errs"
	"github.com/npezzotti/pawchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

func newTestAuthenticator(t *testing.T) (*Authenticator, *database.MemoryChatRepository) {
	repo := database.NewMemoryChatRepository()
	repo.AddAccount(database.Account{Id: 1, Role: types.RoleOwner, Email: "owner@example.com", Active: true})
	repo.AddAccount(database.Account{Id: 1, Role: types.RoleShelter, Email: "shelter@example.com", Active: true})
	repo.AddAccount(database.Account{Id: 2, Role: types.RoleOwner, Email: "gone@example.com", Active: false})
	return NewAuthenticator(testKey, repo), repo
}

func signed(t *testing.T, p types.Participant, exp time.Duration) string {
	token, err := SignToken(testKey, p, exp)
	require.NoError(t, err, "failed to sign token")
	return token
}

func TestAuthenticate(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	owner := types.Participant{Role: types.RoleOwner, Id: 1}
	shelter := types.Participant{Role: types.RoleShelter, Id: 1}

	tcases := []struct {
		name     string
		creds    Credentials
		identity Identity
		reason   string
	}{
		{
			name:     "explicit token",
			creds:    Credentials{Token: signed(t, owner, time.Hour)},
			identity: Identity{UserId: 1, Role: types.RoleOwner, Email: "owner@example.com"},
		},
		{
			name:     "cookie token",
			creds:    Credentials{CookieHeader: "theme=dark; token=" + signed(t, shelter, time.Hour)},
			identity: Identity{UserId: 1, Role: types.RoleShelter, Email: "shelter@example.com"},
		},
		{
			name: "explicit token wins over cookie",
			creds: Credentials{
				Token:        signed(t, shelter, time.Hour),
				CookieHeader: "token=" + signed(t, owner, time.Hour),
			},
			identity: Identity{UserId: 1, Role: types.RoleShelter, Email: "shelter@example.com"},
		},
		{
			name:   "missing token",
			creds:  Credentials{CookieHeader: "theme=dark"},
			reason: "authentication required",
		},
		{
			name:   "garbage token",
			creds:  Credentials{Token: "not-a-jwt"},
			reason: "invalid token",
		},
		{
			name:   "expired token",
			creds:  Credentials{Token: signed(t, owner, -time.Minute)},
			reason: "invalid token",
		},
		{
			name:   "unknown account",
			creds:  Credentials{Token: signed(t, types.Participant{Role: types.RoleShelter, Id: 99}, time.Hour)},
			reason: "user not found",
		},
		{
			name:   "inactive account",
			creds:  Credentials{Token: signed(t, types.Participant{Role: types.RoleOwner, Id: 2}, time.Hour)},
			reason: "user not found",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := a.Authenticate(context.Background(), tc.creds)
			if tc.reason != "" {
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.Authentication), "expected authentication error, got %v", err)
				assert.Equal(t, tc.reason, errs.Reason(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.identity, id)
		})
	}
}

func TestAuthenticate_WrongSigningKey(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	token, err := SignToken([]byte("other-key"), types.Participant{Role: types.RoleOwner, Id: 1}, time.Hour)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), Credentials{Token: token})
	assert.Equal(t, "invalid token", errs.Reason(err))
}

func TestAuthenticate_InvalidClaims(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	tcases := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{
			name:   "missing exp",
			claims: jwt.MapClaims{userIdClaim: 1, roleClaim: "owner"},
		},
		{
			name:   "unknown role",
			claims: jwt.MapClaims{userIdClaim: 1, roleClaim: "admin", expClaim: time.Now().Add(time.Hour).Unix()},
		},
		{
			name:   "missing user id",
			claims: jwt.MapClaims{roleClaim: "owner", expClaim: time.Now().Add(time.Hour).Unix()},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc.claims).SignedString(testKey)
			require.NoError(t, err)

			_, err = a.Authenticate(context.Background(), Credentials{Token: token})
			assert.Equal(t, "invalid token", errs.Reason(err))
		})
	}
}

func TestAuthenticate_LookupError(t *testing.T) {
	accounts := &database.MockChatRepository{}
	defer accounts.AssertExpectations(t)
	accounts.On("GetAccount", mock.Anything, types.RoleOwner, 1).
		Return(database.Account{}, errors.New("connection refused"))

	a := NewAuthenticator(testKey, accounts)
	_, err := a.Authenticate(context.Background(), Credentials{
		Token: signed(t, types.Participant{Role: types.RoleOwner, Id: 1}, time.Hour),
	})

	assert.Error(t, err)
	assert.True(t, errs.Is(err, errs.Internal), "expected lookup failure to be internal")
}

func TestCredentialsFromRequest(t *testing.T) {
	t.Run("authorization header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
		req.Header.Set("Authorization", "Bearer header-token")
		req.AddCookie(&http.Cookie{Name: TokenCookieKey, Value: "cookie-token"})

		creds := CredentialsFromRequest(req)
		assert.Equal(t, "header-token", creds.Token)
		assert.Equal(t, "header-token", creds.bearer())
	})

	t.Run("query parameter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
		assert.Equal(t, "query-token", CredentialsFromRequest(req).bearer())
	})

	t.Run("cookie only", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.AddCookie(&http.Cookie{Name: TokenCookieKey, Value: "cookie-token"})
		assert.Equal(t, "cookie-token", CredentialsFromRequest(req).bearer())
	})
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	id := Identity{UserId: 7, Role: types.RoleShelter, Email: "s@example.com"}
	got, ok := IdentityFrom(WithIdentity(context.Background(), id))
	assert.True(t, ok)
	assert.Equal(t, id, got)
	assert.Equal(t, types.Participant{Role: types.RoleShelter, Id: 7}, got.Participant())
}
