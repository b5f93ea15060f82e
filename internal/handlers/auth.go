package handlers

import (
	"crypto/subtle"
	"net/http"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/validator"

	"golang.org/x/crypto/bcrypt"
)

const passwordCost = 12

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", apperr.Internal(err)
	}
	return string(hash), nil
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID      string  `json:"user_id"`
	Username    string  `json:"username"`
	Token       string  `json:"token"`
	DisplayName *string `json:"display_name"`
}

// Login starts a user session. Users without a password hash log in with any password.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var login loginRequest
	if err := decode(r, &login); err != nil {
		h.fail(w, r, err)
		return
	}

	user, err := h.store.GetUserByName(r.Context(), login.Username, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user == nil {
		h.fail(w, r, apperr.Unauthorized("unknown user"))
		return
	}

	if user.PasswordHash != nil {
		if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(login.Password)); err != nil {
			h.fail(w, r, apperr.Unauthorized("wrong password"))
			return
		}
	}

	session := h.sessions.CreateUserSession(user.ID, h.cfg.SessionTTL)
	h.writeJSON(w, r, loginResponse{
		UserID:      user.ID.String(),
		Username:    user.Username,
		Token:       session.Token,
		DisplayName: user.DisplayName,
	})
}

func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var login loginRequest
	if err := decode(r, &login); err != nil {
		h.fail(w, r, err)
		return
	}

	usernameOK := subtle.ConstantTimeCompare([]byte(login.Username), []byte(h.cfg.AdminUsername)) == 1
	passwordOK := subtle.ConstantTimeCompare([]byte(login.Password), []byte(h.cfg.AdminPassword)) == 1
	if !usernameOK || !passwordOK {
		h.fail(w, r, apperr.Unauthorized("wrong admin credentials"))
		return
	}

	session := h.sessions.Create(h.cfg.AdminSessionTTL)
	h.writeJSON(w, r, map[string]string{"token": session.Token})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password" validate:"required"`
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	if user.PasswordHash != nil {
		if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
			h.fail(w, r, apperr.Unauthorized("wrong current password"))
			return
		}
	}

	if err := validator.Password(req.NewPassword); err != nil {
		h.fail(w, r, apperr.BadRequest("%v", err))
		return
	}

	hash, err := hashPassword(req.NewPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.SetPasswordHash(ctx, user.ID, hash); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r)
}
