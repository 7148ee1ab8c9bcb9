// Package auth resolves the current user from bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/driver-dispatch/internal/models"
)

const (
	RoleDriver = "driver"
	RoleRider  = "rider"
)

var ErrInvalidToken = errors.New("invalid token")

// Authenticator answers "who is the current user". It never fails: an
// unauthenticated caller is reported as nil.
type Authenticator interface {
	CurrentUser(ctx context.Context) *models.User
}

type contextKey string

const userKey = contextKey("user")

// WithUser stores u in ctx.
func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFrom returns the user stored by WithUser, or nil.
func UserFrom(ctx context.Context) *models.User {
	u, _ := ctx.Value(userKey).(*models.User)
	return u
}

// Claims are the signed fields of a session token.
type Claims struct {
	UserID string `json:"user_id"`
	Phone  string `json:"phone,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWT issues and verifies HS256 session tokens.
type JWT struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

func NewJWT(secret string, ttl time.Duration) *JWT {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWT{secret: []byte(secret), ttl: ttl, issuer: "driver-dispatch", now: time.Now}
}

func (m *JWT) GenerateToken(u models.User) (string, error) {
	if strings.TrimSpace(u.ID) == "" {
		return "", fmt.Errorf("generate token: empty user id")
	}
	now := m.now()
	claims := Claims{
		UserID: u.ID,
		Phone:  u.Phone,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ParseToken validates the signature and expiry of raw and returns the user
// it names.
func (m *JWT) ParseToken(raw string) (*models.User, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &models.User{ID: claims.UserID, Phone: claims.Phone, Role: claims.Role}, nil
}

// CurrentUser returns the user attached to ctx by Middleware.
func (m *JWT) CurrentUser(ctx context.Context) *models.User {
	return UserFrom(ctx)
}

// Middleware attaches the bearer token's user to the request context.
// Requests without a valid token pass through anonymously; handlers decide
// whether a user is required. Websocket clients may send the token as the
// "token" query parameter.
func (m *JWT) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := BearerToken(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, err := m.ParseToken(raw)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

// BearerToken extracts the token from the Authorization header or the
// token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Static always reports the same user. The driver agent uses it for its own
// session.
type Static struct {
	User *models.User
}

func (s Static) CurrentUser(context.Context) *models.User { return s.User }
