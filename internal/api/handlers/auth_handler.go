package handlers

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"promptlab/internal/api/middleware"
	"promptlab/internal/pkg/errors"
	"promptlab/internal/pkg/validator"
	"promptlab/internal/platform/auth"
	"promptlab/internal/platform/email"
	"promptlab/internal/platform/metrics"
	"promptlab/internal/platform/models"
	"promptlab/internal/platform/ratelimit"
	"promptlab/internal/platform/repositories"
)

type AuthHandler struct {
	userRepo   *repositories.UserRepository
	links      *auth.MagicLinkService
	tokenSvc   *auth.TokenService
	limiter    ratelimit.Store
	mailer     email.Sender
	production bool
	now        func() time.Time
}

func NewAuthHandler(userRepo *repositories.UserRepository, links *auth.MagicLinkService, tokenSvc *auth.TokenService, limiter ratelimit.Store, mailer email.Sender, production bool) *AuthHandler {
	return &AuthHandler{
		userRepo:   userRepo,
		links:      links,
		tokenSvc:   tokenSvc,
		limiter:    limiter,
		mailer:     mailer,
		production: production,
		now:        time.Now,
	}
}

type SendMagicLinkRequest struct {
	Email string `json:"email"`
}

type SendMagicLinkResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
	DevMagicLink     string `json:"devMagicLink,omitempty"`
}

type VerifyMagicLinkRequest struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

type SessionData struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	User      models.Profile `json:"user"`
}

type VerifyMagicLinkResponse struct {
	Success bool        `json:"success"`
	Data    SessionData `json:"data"`
	Message string      `json:"message"`
}

func (h *AuthHandler) SendMagicLink(w http.ResponseWriter, r *http.Request) {
	var req SendMagicLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	addr, err := validator.ValidateEmail(req.Email)
	if err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Please provide a valid email address", nil)
		return
	}

	decision, err := h.limiter.Check(r.Context(), "magic-link:"+addr)
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	if !decision.Allowed {
		metrics.RateLimitRejections.WithLabelValues("magic_link").Inc()
		errors.WriteServiceError(w, &errors.RateLimitError{RetryAfter: decision.RetryAfter})
		return
	}

	token, _, err := h.links.Generate(addr)
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	link := h.links.Link(token, addr)
	metrics.MagicLinksIssued.Inc()

	resp := SendMagicLinkResponse{
		Success:          true,
		Message:          "Magic link sent! Check your email.",
		ExpiresInMinutes: int(h.links.TTL() / time.Minute),
	}

	if err := h.mailer.SendMagicLink(r.Context(), addr, link, h.links.TTL()); err != nil {
		if h.production {
			log.Error().Err(err).Msg("failed to send magic link email")
			errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to send magic link email", nil)
			return
		}
		log.Warn().Err(err).Msg("magic link email failed, returning link in response")
		resp.Message = "Email delivery failed. Use the link below to sign in."
	}
	if !h.production {
		resp.DevMagicLink = link
	}

	writeBody(w, http.StatusOK, resp)
}

// VerifyMagicLink accepts the token and email from the query string (GET) or
// a JSON body (POST).
func (h *AuthHandler) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var req VerifyMagicLinkRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.Token, req.Email = q.Get("token"), q.Get("email")
	} else if err := decodeJSON(w, r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if req.Token == "" || req.Email == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Token and email are required", nil)
		return
	}

	claims, err := h.links.Redeem(r.Context(), req.Token, req.Email)
	if err != nil {
		result := "error"
		var authn *errors.AuthenticationError
		if stderrors.As(err, &authn) {
			result = authn.Reason
		}
		metrics.MagicLinkVerifications.WithLabelValues(result).Inc()
		errors.WriteServiceError(w, err)
		return
	}

	user, err := h.findOrCreateUser(r, claims.Email)
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}

	token, expiresAt, err := h.tokenSvc.GenerateSessionToken(user.ID, user.Email)
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}

	if err := h.userRepo.UpdateLastLogin(r.Context(), user.ID, h.now().Unix()); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to record last login")
	}
	metrics.MagicLinkVerifications.WithLabelValues("success").Inc()

	writeBody(w, http.StatusOK, VerifyMagicLinkResponse{
		Success: true,
		Data:    SessionData{Token: token, ExpiresAt: expiresAt, User: user.Profile()},
		Message: "Successfully signed in",
	})
}

// findOrCreateUser registers a passwordless account on first sign-in.
func (h *AuthHandler) findOrCreateUser(r *http.Request, addr string) (*models.User, error) {
	ctx := r.Context()
	user, err := h.userRepo.GetByEmail(ctx, addr)
	if err != nil || user != nil {
		return user, err
	}

	now := h.now().Unix()
	user = &models.User{
		ID:            "usr_" + uuid.NewString(),
		Email:         addr,
		Name:          validator.LocalPart(addr),
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := h.userRepo.Create(ctx, user); err != nil {
		// A concurrent verify may have registered the same address.
		existing, lookupErr := h.userRepo.GetByEmail(ctx, addr)
		if lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}

	log.Info().Str("user_id", user.ID).Msg("registered user via magic link")
	return user, nil
}

// Me returns the profile of the signed-in user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	if claims == nil {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Not authenticated", nil)
		return
	}

	user, err := h.userRepo.GetByID(r.Context(), claims.UserID)
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	if user == nil {
		errors.WriteServiceError(w, errors.NewNotFound("user", claims.UserID))
		return
	}
	errors.WriteJSON(w, http.StatusOK, user.Profile())
}
