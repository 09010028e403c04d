package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/watchtogether/server/internal/repository"
	"github.com/watchtogether/server/pkg/randstr"
)

const (
	tokenIDPrefix     = "wt_ext_"
	tokenIDLength     = 32
	maxCookieBytes    = 1 << 20
	netscapeFieldsNum = 7
)

var (
	ErrInvalidToken        = errors.New("invalid or revoked token")
	ErrEmptyCookies        = errors.New("empty cookie content")
	ErrCookiesTooLarge     = errors.New("cookie content exceeds size limit")
	ErrInvalidCookieFormat = errors.New("invalid netscape cookie format")
)

type iUserRepo interface {
	GetUserCookies(ctx context.Context, userEmail string) (string, error)
	SaveUserCookies(ctx context.Context, userEmail, content string) error
	DeleteUserCookies(ctx context.Context, userEmail string) error
	UserHasCookies(ctx context.Context, userEmail string) (bool, error)
	SaveToken(ctx context.Context, token repository.Token) error
	GetToken(ctx context.Context, tokenID string) (repository.Token, error)
	GetUserToken(ctx context.Context, userEmail string) (repository.Token, error)
	DeleteUserToken(ctx context.Context, userEmail string) error
}

type iGenerator interface {
	GenerateRandomString(length int) string
}

type service struct {
	userRepo  iUserRepo
	generator iGenerator
	logger    *slog.Logger
}

func NewService(userRepo iUserRepo, logger *slog.Logger) *service {
	letterBytes := []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	return &service{
		userRepo:  userRepo,
		generator: randstr.New(letterBytes),
		logger:    logger,
	}
}

// GetCookies returns the user's stored credential blob. Absence is not an
// error; the caller reports it as has_cookies=false.
func (s service) GetCookies(ctx context.Context, userEmail string) (string, bool, error) {
	content, err := s.userRepo.GetUserCookies(ctx, userEmail)
	if err != nil {
		if errors.Is(err, repository.ErrCookiesNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get cookies: %w", err)
	}
	return content, true, nil
}

func (s service) SaveCookies(ctx context.Context, userEmail, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyCookies
	}
	if err := s.userRepo.SaveUserCookies(ctx, userEmail, content); err != nil {
		return fmt.Errorf("failed to save cookies: %w", err)
	}
	return nil
}

func (s service) DeleteCookies(ctx context.Context, userEmail string) error {
	if err := s.userRepo.DeleteUserCookies(ctx, userEmail); err != nil {
		return fmt.Errorf("failed to delete cookies: %w", err)
	}
	return nil
}

// GetOrCreateToken returns the user's active extension token, minting one on
// first use or after revocation.
func (s service) GetOrCreateToken(ctx context.Context, userEmail string) (repository.Token, error) {
	token, err := s.userRepo.GetUserToken(ctx, userEmail)
	if err == nil && !token.Revoked {
		return token, nil
	}
	if err != nil && !errors.Is(err, repository.ErrTokenNotFound) {
		return repository.Token{}, fmt.Errorf("failed to get user token: %w", err)
	}

	return s.createToken(ctx, userEmail)
}

// RegenerateToken revokes the user's current token and mints a fresh one.
// Reports how many tokens were revoked.
func (s service) RegenerateToken(ctx context.Context, userEmail string) (repository.Token, int, error) {
	revoked, err := s.RevokeTokens(ctx, userEmail)
	if err != nil {
		return repository.Token{}, 0, err
	}

	token, err := s.createToken(ctx, userEmail)
	if err != nil {
		return repository.Token{}, revoked, err
	}

	return token, revoked, nil
}

// RevokeTokens invalidates the user's active token, if any.
func (s service) RevokeTokens(ctx context.Context, userEmail string) (int, error) {
	token, err := s.userRepo.GetUserToken(ctx, userEmail)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get user token: %w", err)
	}
	if token.Revoked {
		return 0, nil
	}

	token.Revoked = true
	if err := s.userRepo.SaveToken(ctx, token); err != nil {
		return 0, fmt.Errorf("failed to revoke token: %w", err)
	}

	return 1, nil
}

// ValidateToken authenticates a bearer token and stamps its last use.
func (s service) ValidateToken(ctx context.Context, tokenID string) (string, error) {
	token, err := s.userRepo.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	if token.Revoked {
		return "", ErrInvalidToken
	}

	token.LastUsedAt = time.Now().Unix()
	if err := s.userRepo.SaveToken(ctx, token); err != nil {
		s.logger.WarnContext(ctx, "failed to stamp token use", "error", err)
	}

	return token.UserEmail, nil
}

// SyncCookies ingests a cookie blob pushed by the browser extension,
// authenticated by token rather than by the auth proxy.
func (s service) SyncCookies(ctx context.Context, tokenID, content string) (string, error) {
	userEmail, err := s.ValidateToken(ctx, tokenID)
	if err != nil {
		return "", err
	}

	if err := ValidateNetscape(content); err != nil {
		return "", err
	}

	if err := s.userRepo.SaveUserCookies(ctx, userEmail, content); err != nil {
		return "", fmt.Errorf("failed to save cookies: %w", err)
	}

	token, err := s.userRepo.GetToken(ctx, tokenID)
	if err == nil {
		now := time.Now().Unix()
		token.LastSyncAt = &now
		token.SyncCount++
		if err := s.userRepo.SaveToken(ctx, token); err != nil {
			s.logger.WarnContext(ctx, "failed to update token sync stats", "error", err)
		}
	}

	return userEmail, nil
}

type SyncStatus struct {
	UserEmail  string
	LastSyncAt *int64
	SyncCount  int
	HasCookies bool
}

// SyncStatus reports the token's sync history and whether the user currently
// has cookies stored.
func (s service) SyncStatus(ctx context.Context, tokenID string) (SyncStatus, error) {
	userEmail, err := s.ValidateToken(ctx, tokenID)
	if err != nil {
		return SyncStatus{}, err
	}

	token, err := s.userRepo.GetToken(ctx, tokenID)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("failed to get token: %w", err)
	}

	hasCookies, err := s.userRepo.UserHasCookies(ctx, userEmail)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("failed to check cookies: %w", err)
	}

	return SyncStatus{
		UserEmail:  userEmail,
		LastSyncAt: token.LastSyncAt,
		SyncCount:  token.SyncCount,
		HasCookies: hasCookies,
	}, nil
}

func (s service) createToken(ctx context.Context, userEmail string) (repository.Token, error) {
	now := time.Now().Unix()
	token := repository.Token{
		ID:         tokenIDPrefix + s.generator.GenerateRandomString(tokenIDLength),
		UserEmail:  userEmail,
		Name:       "default",
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := s.userRepo.SaveToken(ctx, token); err != nil {
		return repository.Token{}, fmt.Errorf("failed to save token: %w", err)
	}

	s.logger.InfoContext(ctx, "created extension token", "user_email", userEmail)
	return token, nil
}

// ValidateNetscape checks that content looks like a Netscape cookie file:
// bounded size, at least one data line, every data line exactly 7
// tab-separated fields.
func ValidateNetscape(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyCookies
	}
	if len(content) > maxCookieBytes {
		return ErrCookiesTooLarge
	}

	dataLines := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dataLines++
		if len(strings.Split(line, "\t")) != netscapeFieldsNum {
			return ErrInvalidCookieFormat
		}
	}
	if dataLines == 0 {
		return ErrInvalidCookieFormat
	}

	return nil
}
