package handlers

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	pkgauth "github.com/opirc/remoteagent/pkg/auth"
)

// TokenIssuer signs operator tokens. *auth.Issuer satisfies it.
type TokenIssuer interface {
	Issue(operator string) (string, time.Time, error)
}

// AuthHandler serves the public login endpoint for the single configured
// operator.
type AuthHandler struct {
	username     string
	passwordHash string
	issuer       TokenIssuer
	logger       *slog.Logger
}

func NewAuthHandler(username, passwordHash string, issuer TokenIssuer, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{username: username, passwordHash: passwordHash, issuer: issuer, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login handles POST /auth/login.
//
// Response codes:
//   - 200 OK: token issued
//   - 400 Bad Request: invalid JSON or missing fields
//   - 401 Unauthorized: wrong credentials (does not reveal which part)
//   - 500 Internal Server Error: signing failed
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}
	if err := validateLoginRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.username)) == 1
	passOK := pkgauth.VerifyPassword(h.passwordHash, req.Password)
	if !userOK || !passOK {
		h.logger.WarnContext(r.Context(), "login rejected", slog.String("username", req.Username), slog.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.issuer.Issue(h.username)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "issue token failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt.UTC()})
}

func validateLoginRequest(req loginRequest) error {
	if req.Username == "" {
		return errors.New("username is required")
	}
	if req.Password == "" {
		return errors.New("password is required")
	}
	return nil
}
