package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/logging"
	"fedchat-backend/internal/models"

	"github.com/go-chi/chi/v5/middleware"
)

type UserKeyType struct{}

// AdminTokenHeader is the header the admin UI sends its session or static token in.
const AdminTokenHeader = "X-Admin-Token"

// tokenFromRequest looks at X-Admin-Token, then a bearer Authorization header,
// then the token query parameter used by EventSource and browser websockets.
func tokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(AdminTokenHeader); token != "" {
		return token
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// RequestLogger attaches a logger carrying the request id to the context.
func (h *Handler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := h.sugar
		if id := middleware.GetReqID(r.Context()); id != "" {
			logger = logger.With("request_id", id)
		}
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), logger)))
	})
}

// UserVerifier accepts a live user session first and falls back to the
// user's permanent token.
func (h *Handler) UserVerifier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token := tokenFromRequest(r)
		if token == "" {
			h.fail(w, r, apperr.Unauthorized("no token was provided"))
			return
		}

		var user *models.User
		var err error
		if userID, ok := h.sessions.ValidateUserSession(token); ok {
			user, err = h.store.GetUserByID(ctx, userID)
			if err != nil {
				h.fail(w, r, apperr.Internal(err))
				return
			}
		}
		if user == nil {
			user, err = h.store.GetUserByToken(ctx, token)
			if err != nil {
				h.fail(w, r, apperr.Internal(err))
				return
			}
		}
		if user == nil || !user.IsLocal {
			h.fail(w, r, apperr.Unauthorized("invalid token"))
			return
		}

		// this passes the authenticated user to next handler
		ctx = context.WithValue(ctx, UserKeyType{}, *user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminVerifier accepts a live admin session or the static admin token.
func (h *Handler) AdminVerifier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			h.fail(w, r, apperr.Unauthorized("no token was provided"))
			return
		}

		if h.sessions.Validate(token) {
			next.ServeHTTP(w, r)
			return
		}
		if h.cfg.AdminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		h.fail(w, r, apperr.Unauthorized("invalid admin token"))
	})
}

func userFromContext(ctx context.Context) models.User {
	return ctx.Value(UserKeyType{}).(models.User)
}
