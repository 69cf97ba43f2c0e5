package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/session-service/internal/domain"
)

// ErrEmailTaken is returned when an account already exists for an email.
var ErrEmailTaken = errors.New("email already registered")

const uniqueViolation = "23505"

// AccountRepository stores credentials for the local identity provider.
type AccountRepository interface {
	Create(ctx context.Context, account *domain.Account) error
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error
}

type accountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository returns a Postgres-backed implementation.
func NewAccountRepository(pool *pgxpool.Pool) AccountRepository {
	return &accountRepository{pool: pool}
}

func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	const query = `
        INSERT INTO accounts (email, password_hash, metadata)
        VALUES ($1, $2, $3)
        RETURNING id::text, created_at, updated_at`

	metadata, err := json.Marshal(orEmpty(account.Metadata))
	if err != nil {
		return err
	}
	err = r.pool.QueryRow(ctx, query,
		strings.ToLower(account.Email),
		account.PasswordHash,
		metadata,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrEmailTaken
	}
	return err
}

func (r *accountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	const query = `
        SELECT id::text, email, password_hash, metadata, created_at, updated_at
        FROM accounts WHERE id=$1`
	return r.scanOne(ctx, query, id)
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	const query = `
        SELECT id::text, email, password_hash, metadata, created_at, updated_at
        FROM accounts WHERE email=$1`
	return r.scanOne(ctx, query, strings.ToLower(email))
}

func (r *accountRepository) scanOne(ctx context.Context, query string, arg any) (*domain.Account, error) {
	var account domain.Account
	var metadata []byte
	if err := r.pool.QueryRow(ctx, query, arg).Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&metadata,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &account.Metadata); err != nil {
			return nil, err
		}
	}
	return &account, nil
}

func (r *accountRepository) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	const query = `
        UPDATE accounts SET metadata=metadata || $1::jsonb, updated_at=NOW()
        WHERE id=$2`

	patch, err := json.Marshal(orEmpty(metadata))
	if err != nil {
		return err
	}
	cmd, err := r.pool.Exec(ctx, query, patch, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func orEmpty(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}

// MemoryAccountRepository keeps accounts in process memory. Lookups that
// miss return pgx.ErrNoRows like the Postgres implementation.
type MemoryAccountRepository struct {
	mu      sync.RWMutex
	byID    map[string]*domain.Account
	byEmail map[string]string
}

// NewMemoryAccountRepository returns an empty in-memory account store.
func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{
		byID:    make(map[string]*domain.Account),
		byEmail: make(map[string]string),
	}
}

func (r *MemoryAccountRepository) Create(_ context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := strings.ToLower(account.Email)
	if _, taken := r.byEmail[email]; taken {
		return ErrEmailTaken
	}
	now := time.Now().UTC()
	account.ID = uuid.NewString()
	account.Email = email
	account.CreatedAt = now
	account.UpdatedAt = now

	r.byID[account.ID] = copyAccount(account)
	r.byEmail[email] = account.ID
	return nil
}

func (r *MemoryAccountRepository) GetByID(_ context.Context, id string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return copyAccount(account), nil
}

func (r *MemoryAccountRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	r.mu.RLock()
	id, ok := r.byEmail[strings.ToLower(email)]
	r.mu.RUnlock()
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return r.GetByID(ctx, id)
}

func (r *MemoryAccountRepository) UpdateMetadata(_ context.Context, id string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if account.Metadata == nil {
		account.Metadata = make(map[string]any, len(metadata))
	}
	for key, value := range metadata {
		account.Metadata[key] = value
	}
	account.UpdatedAt = time.Now().UTC()
	return nil
}

func copyAccount(account *domain.Account) *domain.Account {
	c := *account
	if account.Metadata != nil {
		c.Metadata = make(map[string]any, len(account.Metadata))
		for key, value := range account.Metadata {
			c.Metadata[key] = value
		}
	}
	return &c
}
