package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/session-service/internal/domain"
)

// ProfileRepository is the profile service. It is authoritative for role
// and approval.
type ProfileRepository interface {
	// FetchProfile returns nil, nil when no profile exists for id.
	FetchProfile(ctx context.Context, id string) (*domain.Profile, error)
	// UpsertProfile inserts or updates the profile keyed by its id.
	UpsertProfile(ctx context.Context, profile *domain.Profile) error
	UpdateName(ctx context.Context, id, name string) error
}

type profileRepository struct {
	pool *pgxpool.Pool
}

// NewProfileRepository returns a Postgres-backed implementation.
func NewProfileRepository(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepository{pool: pool}
}

func (r *profileRepository) FetchProfile(ctx context.Context, id string) (*domain.Profile, error) {
	const query = `
        SELECT id, name, email, role, approved, approved_at, created_at, updated_at
        FROM profiles WHERE id=$1`

	var profile domain.Profile
	var role string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.Name,
		&profile.Email,
		&role,
		&profile.Approved,
		&profile.ApprovedAt,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	profile.Role = domain.ParseRole(role)
	return &profile, nil
}

func (r *profileRepository) UpsertProfile(ctx context.Context, profile *domain.Profile) error {
	const query = `
        INSERT INTO profiles (id, name, email, role, approved, approved_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            name=EXCLUDED.name,
            email=EXCLUDED.email,
            role=EXCLUDED.role,
            approved=EXCLUDED.approved,
            approved_at=CASE WHEN EXCLUDED.approved THEN COALESCE(profiles.approved_at, EXCLUDED.approved_at) END,
            updated_at=NOW()
        RETURNING approved_at, created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		profile.ID,
		profile.Name,
		strings.ToLower(profile.Email),
		string(profile.Role),
		profile.Approved,
		approvedAt(profile),
	).Scan(&profile.ApprovedAt, &profile.CreatedAt, &profile.UpdatedAt)
}

func (r *profileRepository) UpdateName(ctx context.Context, id, name string) error {
	const query = `UPDATE profiles SET name=$1, updated_at=NOW() WHERE id=$2`

	cmd, err := r.pool.Exec(ctx, query, name, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func approvedAt(profile *domain.Profile) *time.Time {
	if !profile.Approved {
		return nil
	}
	if profile.ApprovedAt != nil {
		return profile.ApprovedAt
	}
	now := time.Now().UTC()
	return &now
}

// MemoryProfileRepository keeps profiles in process memory.
type MemoryProfileRepository struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
	now      func() time.Time
}

// NewMemoryProfileRepository returns an empty in-memory profile service.
func NewMemoryProfileRepository() *MemoryProfileRepository {
	return &MemoryProfileRepository{
		profiles: make(map[string]domain.Profile),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryProfileRepository) FetchProfile(_ context.Context, id string) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[id]
	if !ok {
		return nil, nil
	}
	return &profile, nil
}

func (r *MemoryProfileRepository) UpsertProfile(_ context.Context, profile *domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stored := *profile
	stored.Email = strings.ToLower(stored.Email)
	stored.CreatedAt = now
	if existing, ok := r.profiles[profile.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		if stored.Approved && existing.ApprovedAt != nil {
			stored.ApprovedAt = existing.ApprovedAt
		}
	}
	if stored.Approved && stored.ApprovedAt == nil {
		stored.ApprovedAt = &now
	}
	if !stored.Approved {
		stored.ApprovedAt = nil
	}
	stored.UpdatedAt = now
	r.profiles[profile.ID] = stored

	profile.ApprovedAt = stored.ApprovedAt
	profile.CreatedAt = stored.CreatedAt
	profile.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryProfileRepository) UpdateName(_ context.Context, id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.profiles[id]
	if !ok {
		return pgx.ErrNoRows
	}
	profile.Name = name
	profile.UpdatedAt = r.now()
	r.profiles[id] = profile
	return nil
}

// Len reports how many profiles are stored.
func (r *MemoryProfileRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}
