package api

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/rs/zerolog/hlog"
	"github.com/snarg/grabadora/internal/auth"
	"github.com/snarg/grabadora/internal/database"
)

const minPasswordLength = 8

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handlers) signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, KindBadRequest, "invalid JSON body")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if _, err := mail.ParseAddress(req.Email); err != nil {
		WriteError(w, http.StatusBadRequest, KindBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < minPasswordLength {
		WriteError(w, http.StatusBadRequest, KindBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not hash password")
		return
	}

	user, err := h.DB.CreateUser(r.Context(), req.Email, hash)
	if errors.Is(err, database.ErrDuplicateEmail) {
		WriteError(w, http.StatusConflict, KindConflict, "email already registered")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("signup failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not create account")
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
	})
}

// token implements the password grant: form fields username and password,
// a bearer token back.
func (h *handlers) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteError(w, http.StatusBadRequest, KindBadRequest, "invalid form body")
		return
	}
	email := strings.TrimSpace(strings.ToLower(r.PostFormValue("username")))
	password := r.PostFormValue("password")

	user, err := h.DB.GetUserByEmail(r.Context(), email)
	if err != nil || !user.IsActive || !auth.CheckPassword(user.HashedPassword, password) {
		WriteError(w, http.StatusUnauthorized, KindUnauthorized, "incorrect email or password")
		return
	}

	token, err := h.Tokens.Issue(user.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not issue token")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}
