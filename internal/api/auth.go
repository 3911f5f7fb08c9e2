package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultJwtExpiration = time.Hour * 24
	tokenCookieKey       = "token"
	bearerPrefix         = "Bearer "

	userIdClaim = "user-id"
	expClaim    = "exp"
)

type contextKey string

const userIdKey contextKey = "user-id"

func UserId(ctx context.Context) (int, bool) {
	userId, ok := ctx.Value(userIdKey).(int)

	return userId, ok
}

func WithUserId(ctx context.Context, userId int) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

// TokenAuthenticator issues and verifies the session tokens used by both the
// HTTP API and the websocket register command.
type TokenAuthenticator struct {
	signingKey []byte
}

func NewTokenAuthenticator(signingKey []byte) *TokenAuthenticator {
	return &TokenAuthenticator{signingKey: signingKey}
}

// Authenticate returns the user id carried by a valid token.
func (a *TokenAuthenticator) Authenticate(tokenString string) (int, error) {
	token, err := a.verifyToken(tokenString)
	if err != nil {
		return 0, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}

	return userIdFromClaims(claims)
}

// userIdFromClaims accepts the user id as a JSON number or a numeric string
// and rejects anything that is not a positive integer.
func userIdFromClaims(claims jwt.MapClaims) (int, error) {
	var userId int
	switch v := claims[userIdClaim].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("invalid user id claim")
		}
		userId = int(v)
	case string:
		id, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid user id claim: %w", err)
		}
		userId = id
	default:
		return 0, fmt.Errorf("invalid user id claim")
	}

	if userId <= 0 {
		return 0, fmt.Errorf("invalid user id claim")
	}
	return userId, nil
}

func (a *TokenAuthenticator) createJwtForSession(userId int, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(a.signingKey)
}

func (a *TokenAuthenticator) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

// tokenFromRequest reads the session token from the Authorization header,
// falling back to the token cookie. It returns an empty string when neither
// is present.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}

	if c, err := r.Cookie(tokenCookieKey); err == nil {
		return c.Value
	}

	return ""
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func hashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func verifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}
