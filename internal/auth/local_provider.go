package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/session-service/internal/domain"
	"github.com/spec-kit/session-service/internal/repository"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

// LocalProvider is a self-hosted identity provider backed by the accounts
// table. Its session lives in the given SessionStorage, so instances sharing
// that storage share the session.
type LocalProvider struct {
	accounts   repository.AccountRepository
	tokens     *TokenManager
	bcryptCost int
	logger     *zap.Logger
	holder     *sessionHolder
}

// NewLocalProvider wires the local provider.
func NewLocalProvider(accounts repository.AccountRepository, tokens *TokenManager, storage SessionStorage, bcryptCost int, logger *zap.Logger) *LocalProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalProvider{
		accounts:   accounts,
		tokens:     tokens,
		bcryptCost: bcryptCost,
		logger:     logger,
		holder:     newSessionHolder(storage),
	}
}

func (p *LocalProvider) CurrentSession(ctx context.Context) (*domain.ProviderSession, error) {
	session, err := p.holder.current(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	if _, err := p.tokens.ParseToken(session.AccessToken); err != nil {
		// expired or tampered tokens end the session
		_ = p.holder.set(ctx, domain.SessionSignedOut, nil)
		return nil, nil
	}
	return session, nil
}

func (p *LocalProvider) SignInWithPassword(ctx context.Context, email, password string) (*domain.ProviderSession, error) {
	account, err := p.accounts.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewInvalidCredentials(nil)
		}
		return nil, apperrors.NewBackendError("account lookup failed", err)
	}
	if err := ComparePassword(account.PasswordHash, password); err != nil {
		return nil, apperrors.NewInvalidCredentials(err)
	}
	return p.issue(ctx, domain.SessionSignedIn, account)
}

func (p *LocalProvider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*domain.ProviderSession, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperrors.NewValidationError("validation failed: invalid email address", map[string]any{"email": email})
	}
	if err := ValidatePassword(password); err != nil {
		return nil, apperrors.NewValidationError("validation failed: "+err.Error(), nil)
	}

	hash, err := HashPassword(password, p.bcryptCost)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	account := &domain.Account{Email: email, PasswordHash: hash, Metadata: metadata}
	if err := p.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, apperrors.NewConflict("user already registered", map[string]any{"email": email})
		}
		return nil, apperrors.NewBackendError("account creation failed", err)
	}
	p.logger.Info("account created", zap.String("account_id", account.ID))
	return p.issue(ctx, domain.SessionSignedIn, account)
}

func (p *LocalProvider) SignOut(ctx context.Context) error {
	session, err := p.holder.current(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	return p.holder.set(ctx, domain.SessionSignedOut, nil)
}

func (p *LocalProvider) OnSessionChange(fn func(domain.SessionEvent)) func() {
	return p.holder.subscribe(fn)
}

func (p *LocalProvider) UpdateSessionMetadata(ctx context.Context, metadata map[string]any) (*domain.ProviderSession, error) {
	session, err := p.holder.current(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.NewUnauthorized("no active session")
	}
	if err := p.accounts.UpdateMetadata(ctx, session.SubjectID, metadata); err != nil {
		return nil, apperrors.NewBackendError("metadata update failed", err)
	}
	account, err := p.accounts.GetByID(ctx, session.SubjectID)
	if err != nil {
		return nil, apperrors.NewBackendError("account lookup failed", err)
	}
	return p.issue(ctx, domain.SessionUserUpdated, account)
}

func (p *LocalProvider) Refresh(ctx context.Context) (*domain.ProviderSession, error) {
	session, err := p.holder.current(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.NewUnauthorized("no active session")
	}
	account, err := p.accounts.GetByID(ctx, session.SubjectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_ = p.holder.set(ctx, domain.SessionSignedOut, nil)
			return nil, apperrors.NewUnauthorized("account no longer exists")
		}
		return nil, apperrors.NewBackendError("account lookup failed", err)
	}
	return p.issue(ctx, domain.SessionTokenRefreshed, account)
}

func (p *LocalProvider) issue(ctx context.Context, eventType domain.SessionEventType, account *domain.Account) (*domain.ProviderSession, error) {
	token, _, err := p.tokens.GenerateToken(account)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	claims, err := p.tokens.ParseToken(token)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	session := sessionFromClaims(token, uuid.NewString(), claims)
	if err := p.holder.set(ctx, eventType, session); err != nil {
		return nil, err
	}
	return copySession(session), nil
}
