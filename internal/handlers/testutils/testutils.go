package testutils

import (
	"context"
	"net/http"

	"jobboard/internal/handlers"
	"jobboard/models"

	"github.com/go-chi/chi/v5"
)

// WithChiURLParams подставляет параметры пути в контекст chi запроса для тестов.
func WithChiURLParams(req *http.Request, params map[string]string) *http.Request {
	chiCtx := chi.NewRouteContext()
	for k, v := range params {
		chiCtx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, chiCtx))
}

// WithActor кладет пользователя в контекст так же, как JWTMiddleware
func WithActor(req *http.Request, userID int64, role models.Role) *http.Request {
	return req.WithContext(handlers.WithActor(req.Context(), models.Actor{UserID: userID, Role: role}))
}
