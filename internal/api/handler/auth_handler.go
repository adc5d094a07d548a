package handler

import (
	"crypto/subtle"
	"customer-import/internal/api/handler/dto"
	"customer-import/internal/config"
	"customer-import/internal/pkg/apperrors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 24 * time.Hour

type AuthHandler struct {
	cfg      config.AuthConfig
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

func NewAuthHandler(cfg config.AuthConfig, l *slog.Logger) *AuthHandler {
	return &AuthHandler{
		cfg:      cfg,
		validate: validator.New(),
		now:      time.Now,
		logger:   l.With("component", "AuthHandler"),
	}
}

// GenerateBearerToken handles POST /auth/token
// @Summary Issue a bearer token
// @Description Checks the configured API key and signs a 24h HS256 token for the given username.
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body dto.TokenRequest true "Username and API key"
// @Success 200 {object} map[string]string "Token issued, prefixed with Bearer"
// @Failure 400 {object} dto.ErrorResponse "Missing username or API key"
// @Failure 401 {object} dto.ErrorResponse "Wrong API key"
// @Failure 503 {object} dto.ErrorResponse "Token signing is not configured"
// @Router /auth/token [post]
func (h *AuthHandler) GenerateBearerToken(w http.ResponseWriter, r *http.Request) {
	var req dto.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to decode request body", slog.Any("error", err))
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.WarnContext(r.Context(), "Token request rejected", slog.Any("error", err))
		respondError(w, fmt.Errorf("%w: username and apiKey are required", apperrors.ErrInvalidArgument))
		return
	}
	if h.cfg.JWTSecret == "" || h.cfg.APIKey == "" {
		h.logger.ErrorContext(r.Context(), "Token signing is not configured")
		respondError(w, fmt.Errorf("%w: token signing is not configured", apperrors.ErrSetup))
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.cfg.APIKey)) != 1 {
		h.logger.WarnContext(r.Context(), "Token request with wrong API key", slog.String("username", req.Username))
		respondError(w, fmt.Errorf("%w: invalid credentials", apperrors.ErrUnauthorized))
		return
	}

	now := h.now()
	claims := jwt.MapClaims{
		"username": req.Username,
		"iat":      now.Unix(),
		"exp":      now.Add(tokenTTL).Unix(),
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to sign token", slog.Any("error", err))
		respondError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Issued bearer token", slog.String("username", req.Username))
	respondJSON(w, http.StatusOK, map[string]string{"token": "Bearer " + tokenString})
}
