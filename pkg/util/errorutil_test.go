package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_PrefersExplicitKind(t *testing.T) {
	// message says "database" but the failure site tagged it as network
	err := fmt.Errorf("wrapped: %w", NewNetworkError("database proxy unreachable", nil))
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestKindOf_LibraryErrors(t *testing.T) {
	assert.Equal(t, KindNetwork, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindBackend, KindOf(&pgconn.PgError{Code: "23505", Message: "duplicate key"}))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestToDomainError(t *testing.T) {
	de := ToDomainError(pgx.ErrNoRows)
	require.NotNil(t, de)
	assert.Equal(t, CodeNotFound, de.Code)

	de = ToDomainError(errors.New("network is down"))
	assert.Equal(t, CodeNetwork, de.Code)
	assert.Equal(t, http.StatusBadGateway, de.HTTPStatus)

	de = ToDomainError(errors.New("boom"))
	assert.Equal(t, CodeInternal, de.Code)
	assert.Equal(t, KindUnknown, de.Kind)

	original := NewPendingApproval()
	assert.Same(t, original, ToDomainError(original))
	assert.Nil(t, ToDomainError(nil))
}

func TestNewRateLimited(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err := NewRateLimited(0, now.Add(1500*time.Millisecond), now)

	de := ToDomainError(err)
	assert.Equal(t, CodeRateLimited, de.Code)
	assert.Equal(t, http.StatusTooManyRequests, de.HTTPStatus)
	assert.Equal(t, 0, de.Details["remaining"])
	assert.Equal(t, 2, de.Details["retry_after_seconds"])
	assert.True(t, IsCode(err, CodeRateLimited))
}
