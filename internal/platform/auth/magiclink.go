package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "promptlab/internal/pkg/errors"
	"promptlab/internal/pkg/validator"
	"promptlab/internal/platform/config"
)

const magicLinkPurpose = "magic_link"

// FailureReason classifies why a magic link was rejected. It only feeds
// user-facing messages.
type FailureReason string

const (
	ReasonExpired       FailureReason = "expired"
	ReasonEmailMismatch FailureReason = "email_mismatch"
	ReasonMalformed     FailureReason = "malformed"
	ReasonAlreadyUsed   FailureReason = "already_used"
)

func (r FailureReason) Message() string {
	switch r {
	case ReasonExpired:
		return "This magic link has expired. Please request a new one."
	case ReasonEmailMismatch:
		return "This magic link was issued for a different email address."
	case ReasonAlreadyUsed:
		return "This magic link has already been used. Please request a new one."
	default:
		return "This magic link is invalid. Please request a new one."
	}
}

type MagicLinkClaims struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// ConsumedTokenStore remembers redeemed token ids until they expire.
type ConsumedTokenStore interface {
	// Consume marks id as used for ttl and reports whether this call was
	// the first.
	Consume(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

type MagicLinkService struct {
	key      []byte
	issuer   string
	ttl      time.Duration
	baseURL  string
	consumed ConsumedTokenStore
	now      func() time.Time
}

// NewMagicLinkService builds the service. consumed may be nil, in which case
// links stay valid until expiry.
func NewMagicLinkService(jwtCfg config.JWTConfig, cfg config.MagicLinkConfig, consumed ConsumedTokenStore) (*MagicLinkService, error) {
	key, err := deriveKey(jwtCfg.Secret, purposeMagicLink)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	issuer := jwtCfg.Issuer
	if issuer == "" {
		issuer = "promptlab"
	}
	return &MagicLinkService{
		key:      key,
		issuer:   issuer,
		ttl:      ttl,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		consumed: consumed,
		now:      time.Now,
	}, nil
}

func (s *MagicLinkService) TTL() time.Duration { return s.ttl }

// Generate issues a signed token bound to the normalised email.
func (s *MagicLinkService) Generate(email string) (string, time.Time, error) {
	normalized := validator.NormalizeEmail(email)
	if normalized == "" {
		return "", time.Time{}, errors.New("email is empty")
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := MagicLinkClaims{
		Email:   normalized,
		Purpose: magicLinkPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign magic link: %w", err)
	}
	return signed, expiresAt, nil
}

// Link renders the URL emailed to the user.
func (s *MagicLinkService) Link(token, email string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", validator.NormalizeEmail(email))
	return s.baseURL + "/auth/verify?" + q.Encode()
}

func (s *MagicLinkService) parse(token string) (*MagicLinkClaims, error) {
	claims := &MagicLinkClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Purpose != magicLinkPurpose {
		return nil, errors.New("invalid magic link token")
	}
	return claims, nil
}

// Verify is the authoritative check: the signature must validate, the token
// must not be expired and its email must equal the supplied one.
func (s *MagicLinkService) Verify(token, email string) bool {
	claims, err := s.parse(token)
	if err != nil {
		return false
	}
	return claims.Email == validator.NormalizeEmail(email)
}

// Redeem verifies the token and, when a consumed-token store is configured,
// burns it so it cannot be replayed.
func (s *MagicLinkService) Redeem(ctx context.Context, token, email string) (*MagicLinkClaims, error) {
	claims, err := s.parse(token)
	if err != nil || claims.Email != validator.NormalizeEmail(email) {
		reason := s.DiagnoseFailure(token, email)
		return nil, apperrors.NewAuthentication(reason.Message(), string(reason))
	}

	if s.consumed != nil {
		first, err := s.consumed.Consume(ctx, claims.ID, claims.ExpiresAt.Sub(s.now()))
		if err != nil {
			return nil, fmt.Errorf("consume magic link: %w", err)
		}
		if !first {
			return nil, apperrors.NewAuthentication(ReasonAlreadyUsed.Message(), string(ReasonAlreadyUsed))
		}
	}
	return claims, nil
}

// DecodeWithoutVerifying reads claims without checking the signature. It is a
// diagnostic aid for error messages and must never gate access.
func (s *MagicLinkService) DecodeWithoutVerifying(token string) (*MagicLinkClaims, error) {
	claims := &MagicLinkClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// DiagnoseFailure explains a failed verification for the user.
func (s *MagicLinkService) DiagnoseFailure(token, email string) FailureReason {
	claims, err := s.DecodeWithoutVerifying(token)
	if err != nil || claims.Purpose != magicLinkPurpose {
		return ReasonMalformed
	}
	if claims.ExpiresAt != nil && !s.now().Before(claims.ExpiresAt.Time) {
		return ReasonExpired
	}
	if claims.Email != validator.NormalizeEmail(email) {
		return ReasonEmailMismatch
	}
	return ReasonMalformed
}
