package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"jobboard/internal/workflow"
	"jobboard/models"

	"github.com/golang-jwt/jwt/v5"
)

// Claims - полезная нагрузка JWT, выданного сервисом авторизации
type Claims struct {
	UserID int64       `json:"userId"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey int

const actorKey ctxKey = iota

// GenerateToken подписывает токен для пользователя (HS256)
func GenerateToken(secret string, actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: actor.UserID,
		Role:   actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID <= 0 {
		return nil, errors.New("token has no user id")
	}
	switch claims.Role {
	case models.RoleCustomer, models.RoleDealer, models.RoleTechnician, models.RoleAdmin:
	default:
		return nil, errors.New("token has unknown role")
	}
	return claims, nil
}

// JWTMiddleware проверяет токен и кладет пользователя в контекст запроса
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, r, http.StatusUnauthorized, workflow.CodeForbidden, "missing or invalid Authorization header")
				return
			}
			claims, err := parseToken(secret, parts[1])
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, workflow.CodeForbidden, "invalid or expired token")
				return
			}
			ctx := WithActor(r.Context(), models.Actor{UserID: claims.UserID, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom возвращает пользователя запроса; ok=false, если запрос не прошел JWTMiddleware
func ActorFrom(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(models.Actor)
	return actor, ok
}

// actor достает пользователя или отвечает 401
func actor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	a, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, workflow.CodeForbidden, "authentication required")
	}
	return a, ok
}
