package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/errs"
	"github.com/npezzotti/pawchat/internal/types"
)

const (
	TokenCookieKey = "token"

	userIdClaim = "userId"
	roleClaim   = "role"
	expClaim    = "exp"
)

var (
	ErrAuthRequired = errs.Authn("authentication required")
	ErrInvalidToken = errs.Authn("invalid token")
	ErrUserNotFound = errs.Authn("user not found")
)

// Identity is what a connection is bound to once authenticated.
type Identity struct {
	UserId int        `json:"user_id"`
	Role   types.Role `json:"role"`
	Email  string     `json:"email"`
}

func (i Identity) Participant() types.Participant {
	return types.Participant{Role: i.Role, Id: i.UserId}
}

// Credentials carries the places a bearer token may arrive in. Token is
// the explicit field and wins over the cookie header.
type Credentials struct {
	Token        string
	CookieHeader string
}

func CredentialsFromRequest(r *http.Request) Credentials {
	creds := Credentials{
		Token:        r.URL.Query().Get("token"),
		CookieHeader: r.Header.Get("Cookie"),
	}

	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		creds.Token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}

	return creds
}

func (c Credentials) bearer() string {
	if c.Token != "" {
		return c.Token
	}
	if c.CookieHeader == "" {
		return ""
	}

	cookies, err := http.ParseCookie(c.CookieHeader)
	if err != nil {
		return ""
	}
	for _, cookie := range cookies {
		if cookie.Name == TokenCookieKey {
			return cookie.Value
		}
	}

	return ""
}

type Authenticator struct {
	signingKey []byte
	accounts   database.AccountStore
}

func NewAuthenticator(signingKey []byte, accounts database.AccountStore) *Authenticator {
	return &Authenticator{
		signingKey: signingKey,
		accounts:   accounts,
	}
}

// Authenticate verifies the credential and resolves the account it names.
// Every failure is fatal to the connection attempt.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	tokenString := creds.bearer()
	if tokenString == "" {
		return Identity{}, ErrAuthRequired
	}

	p, err := a.verifyToken(tokenString)
	if err != nil {
		return Identity{}, errs.Wrap(errs.Authentication, ErrInvalidToken.Reason, err)
	}

	acct, err := a.accounts.GetAccount(ctx, p.Role, p.Id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Identity{}, ErrUserNotFound
		}
		return Identity{}, errs.Wrap(errs.Internal, "account lookup", err)
	}

	if !acct.Active {
		return Identity{}, ErrUserNotFound
	}

	return Identity{
		UserId: acct.Id,
		Role:   acct.Role,
		Email:  acct.Email,
	}, nil
}

func (a *Authenticator) verifyToken(tokenString string) (types.Participant, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return types.Participant{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.Participant{}, fmt.Errorf("invalid token claims")
	}

	if !claims.VerifyExpiresAt(time.Now().Unix(), true) {
		return types.Participant{}, fmt.Errorf("missing or expired exp claim")
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return types.Participant{}, fmt.Errorf("invalid user id claim")
	}

	role, _ := claims[roleClaim].(string)
	if !types.Role(role).Valid() {
		return types.Participant{}, fmt.Errorf("invalid role claim %q", role)
	}

	return types.Participant{Role: types.Role(role), Id: int(userId)}, nil
}

// SignToken mints a credential in the format Authenticate accepts. Tokens
// are normally issued by the account service; this exists for tooling and
// tests.
func SignToken(signingKey []byte, p types.Participant, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: p.Id,
		roleClaim:   string(p.Role),
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
