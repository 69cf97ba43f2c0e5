package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/session-service/internal/auth"
	"github.com/spec-kit/session-service/internal/clock"
	"github.com/spec-kit/session-service/internal/config"
	"github.com/spec-kit/session-service/internal/diagnostics"
	"github.com/spec-kit/session-service/internal/domain"
	"github.com/spec-kit/session-service/internal/events"
	"github.com/spec-kit/session-service/internal/observability"
	"github.com/spec-kit/session-service/internal/ratelimit"
	"github.com/spec-kit/session-service/internal/repository"
	"github.com/spec-kit/session-service/internal/statestore"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

// IdentityKey is the state store key of the persisted identity.
const IdentityKey = "auth_identity"

const upsertAttempts = 3

// State is the session lifecycle state.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateInitializing    State = "initializing"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
)

// RateLimitState is the quota the UI renders after a login or signup attempt.
type RateLimitState struct {
	Operation string    `json:"operation"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Limited   bool      `json:"limited"`
}

// Snapshot is the published session state.
type Snapshot struct {
	State           State            `json:"state"`
	Identity        *domain.Identity `json:"identity,omitempty"`
	IsAuthenticated bool             `json:"isAuthenticated"`
	Loading         bool             `json:"loading"`
	Provisional     bool             `json:"provisional"`
	RateLimit       *RateLimitState  `json:"rateLimit,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	s.Identity = s.Identity.Clone()
	if s.RateLimit != nil {
		rl := *s.RateLimit
		s.RateLimit = &rl
	}
	return s
}

// SignupRequest carries the fields of a new account.
type SignupRequest struct {
	Name     string
	Email    string
	Password string
	Role     string
}

// SessionDependencies encapsulates the collaborators of the session manager.
type SessionDependencies struct {
	Provider   auth.IdentityProvider
	Profiles   repository.ProfileRepository
	Store      *statestore.Store
	Limits     *ratelimit.Registry
	Classifier *diagnostics.Classifier
	Metrics    *observability.Metrics
	Clock      clock.Clock
	Logger     *zap.Logger
}

// SessionManager owns the identity lifecycle of one instance. Transitions
// are published in order; every asynchronous step captures the generation
// it started in and publishes only if no later operation superseded it.
type SessionManager struct {
	provider   auth.IdentityProvider
	profiles   repository.ProfileRepository
	store      *statestore.Store
	limits     *ratelimit.Registry
	classifier *diagnostics.Classifier
	metrics    *observability.Metrics
	clock      clock.Clock
	logger     *zap.Logger

	autoApprove bool

	// publishMu orders deliveries; it is always taken before mu.
	publishMu  sync.Mutex
	mu         sync.Mutex
	snapshot   Snapshot
	generation uint64
	closed     bool

	nextSubscriber int
	subscribers    map[int]func(Snapshot)
	order          []int

	stopProvider func()
	stopStore    []func()
}

// NewSessionManager builds the manager in the Uninitialized state.
func NewSessionManager(cfg config.Config, deps SessionDependencies) *SessionManager {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Limits == nil {
		deps.Limits = ratelimit.NewRegistry(nil, deps.Clock)
	}
	if deps.Classifier == nil {
		deps.Classifier = diagnostics.NewClassifier(diagnostics.Options{
			Production: cfg.App.IsProduction(),
			Clock:      deps.Clock,
			Logger:     deps.Logger,
		})
	}
	if deps.Store == nil {
		deps.Store = statestore.New(statestore.Options{Clock: deps.Clock, Logger: deps.Logger})
	}

	m := &SessionManager{
		provider:    deps.Provider,
		profiles:    deps.Profiles,
		store:       deps.Store,
		limits:      deps.Limits,
		classifier:  deps.Classifier,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		logger:      deps.Logger.Named("session"),
		autoApprove: cfg.Auth.AutoApprove,
		snapshot:    Snapshot{State: StateUninitialized},
		subscribers: make(map[int]func(Snapshot)),
	}
	dispatcher := m.store.Dispatcher()
	m.stopStore = []func(){
		dispatcher.Subscribe(events.EventStateCleared, m.handleStoreEvent),
		dispatcher.Subscribe(events.EventStateChanged, m.handleStoreEvent),
	}
	return m
}

// Snapshot returns the current published state.
func (m *SessionManager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.clone()
}

// CurrentIdentity reports the admitted identity, provisional ones included.
func (m *SessionManager) CurrentIdentity() (*domain.Identity, bool) {
	snap := m.Snapshot()
	if !snap.IsAuthenticated || snap.Identity == nil {
		return nil, false
	}
	return snap.Identity, true
}

// Subscribe registers fn for every published snapshot and returns a function
// that removes it. fn runs synchronously and must not call methods that
// publish (Initialize, Login, Signup, Logout, UpdateProfile).
func (m *SessionManager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubscriber++
	id := m.nextSubscriber
	m.subscribers[id] = fn
	m.order = append(m.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subscribers, id)
			for i, existing := range m.order {
				if existing == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Initialize resolves the startup session. It runs once per lifecycle and
// never fails: any infrastructure error ends in Unauthenticated, except a
// profile outage, which degrades to a claims-only identity.
func (m *SessionManager) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.snapshot.State != StateUninitialized {
		m.mu.Unlock()
		return
	}
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	m.publish(gen, func(s *Snapshot) {
		*s = Snapshot{State: StateInitializing, Loading: true}
	})

	if persisted, ok := statestore.Load[domain.Identity](ctx, m.store, IdentityKey); ok && persisted.ID != "" && !m.store.IsStale(ctx, IdentityKey) {
		identity := persisted
		m.publish(gen, func(s *Snapshot) {
			*s = Snapshot{State: StateAuthenticated, Identity: &identity, IsAuthenticated: true, Loading: true, Provisional: true}
		})
	}

	m.watchProvider()

	session, err := m.provider.CurrentSession(ctx)
	if err != nil {
		m.classifier.Capture(err, map[string]any{"stage": "initialize", "step": "current_session"})
		m.logger.Warn("provider session lookup failed; continuing signed out", zap.Error(err))
	}
	if err != nil || session == nil {
		if m.publishUnauthenticated(gen) {
			m.store.Clear(ctx, IdentityKey)
		}
		return
	}

	profile, err := m.profiles.FetchProfile(ctx, session.SubjectID)
	if err != nil {
		m.classifier.Capture(err, map[string]any{"stage": "initialize", "step": "fetch_profile", "subject": session.SubjectID})
		m.logger.Warn("profile fetch failed; using claims identity", zap.String("subject", session.SubjectID), zap.Error(err))
		m.admit(ctx, gen, domain.IdentityFromClaims(session))
		return
	}
	if profile == nil || !profile.Approved {
		m.logger.Info("rejecting session without approved profile", zap.String("subject", session.SubjectID), zap.Bool("profile_found", profile != nil))
		if m.publishUnauthenticated(gen) {
			m.store.Clear(ctx, IdentityKey)
			m.signOutQuietly(ctx)
		}
		return
	}
	m.admit(ctx, gen, domain.IdentityFromProfile(session, profile))
}

// Login authenticates with email and password and admits the identity only
// when its profile is approved.
func (m *SessionManager) Login(ctx context.Context, email, password string) (*domain.Identity, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperrors.NewValidationError("validation failed: email and password are required", nil)
	}
	limiter := m.limits.Login()
	key := ratelimit.Key(ratelimit.OperationLogin, email)
	if err := m.consume(limiter, key); err != nil {
		m.metrics.LoginAttempt("rate_limited")
		return nil, err
	}

	gen := m.begin()
	session, err := m.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		m.metrics.LoginAttempt("rejected")
		m.publish(gen, func(s *Snapshot) { s.Loading = false })
		return nil, err
	}

	profile, err := m.profiles.FetchProfile(ctx, session.SubjectID)
	if err != nil {
		m.metrics.LoginAttempt("error")
		m.publishUnauthenticated(gen)
		m.signOutQuietly(ctx)
		return nil, asRetryable(err, "profile lookup failed")
	}
	if profile == nil || !profile.Approved {
		m.metrics.LoginAttempt("pending_approval")
		m.publishUnauthenticated(gen)
		m.signOutQuietly(ctx)
		return nil, apperrors.NewPendingApproval()
	}

	identity := domain.IdentityFromProfile(session, profile)
	if !m.admit(ctx, gen, identity) {
		return nil, apperrors.NewUnauthorized("login superseded")
	}
	limiter.Clear(key)
	m.refreshRateLimit(ratelimit.OperationLogin, limiter, key)
	m.metrics.LoginAttempt("success")
	return identity.Clone(), nil
}

// Signup creates the provider account and its profile, then admits the
// identity when profiles are auto-approved.
func (m *SessionManager) Signup(ctx context.Context, req SignupRequest) (*domain.Identity, error) {
	req.Email = normalizeEmail(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	role, err := signupRole(req.Role)
	if err != nil {
		return nil, err
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		return nil, apperrors.NewValidationError("validation failed: name, email and password are required", nil)
	}
	limiter := m.limits.Signup()
	key := ratelimit.Key(ratelimit.OperationSignup, req.Email)
	if err := m.consume(limiter, key); err != nil {
		m.metrics.LoginAttempt("rate_limited")
		return nil, err
	}

	gen := m.begin()
	session, err := m.provider.SignUp(ctx, req.Email, req.Password, map[string]any{
		domain.MetadataName: req.Name,
		domain.MetadataRole: string(role),
	})
	if err != nil {
		m.metrics.LoginAttempt("rejected")
		m.publish(gen, func(s *Snapshot) { s.Loading = false })
		return nil, err
	}

	profile := &domain.Profile{
		ID:       session.SubjectID,
		Name:     req.Name,
		Email:    req.Email,
		Role:     role,
		Approved: m.autoApprove,
	}
	err = m.classifier.Retry(ctx, upsertAttempts, func(ctx context.Context) error {
		return m.profiles.UpsertProfile(ctx, profile)
	})
	if err != nil {
		m.metrics.LoginAttempt("error")
		m.publishUnauthenticated(gen)
		m.signOutQuietly(ctx)
		return nil, asRetryable(err, "profile creation failed")
	}
	if !profile.Approved {
		m.metrics.LoginAttempt("pending_approval")
		m.publishUnauthenticated(gen)
		m.signOutQuietly(ctx)
		return nil, apperrors.NewPendingApproval()
	}

	identity := domain.IdentityFromProfile(session, profile)
	if !m.admit(ctx, gen, identity) {
		return nil, apperrors.NewUnauthorized("signup superseded")
	}
	limiter.Clear(key)
	m.refreshRateLimit(ratelimit.OperationSignup, limiter, key)
	m.metrics.LoginAttempt("success")
	return identity.Clone(), nil
}

// Logout ends the provider session, publishes Unauthenticated and wipes all
// persisted state of the namespace. The manager returns to Uninitialized.
func (m *SessionManager) Logout(ctx context.Context) {
	gen := m.begin()
	m.publishUnauthenticated(gen)
	if err := m.provider.SignOut(ctx); err != nil {
		m.classifier.Capture(err, map[string]any{"stage": "logout"})
		m.logger.Warn("provider sign-out failed", zap.Error(err))
	}
	m.store.ClearAll(ctx)
	m.publish(gen, func(s *Snapshot) {
		*s = Snapshot{State: StateUninitialized}
	})
}

// UpdateProfile pushes identity changes to the provider and, for names, to
// the profile service, then merges them into the current identity. It is a
// no-op when nobody is authenticated.
func (m *SessionManager) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) (*domain.Identity, error) {
	current, ok := m.CurrentIdentity()
	if !ok {
		return nil, nil
	}
	if update.Empty() {
		return current, nil
	}
	if update.DisplayName != nil && strings.TrimSpace(*update.DisplayName) == "" {
		return nil, apperrors.NewValidationError("validation failed: display name cannot be empty", nil)
	}
	if update.AvatarRef != nil {
		// avatar changes follow an upload and share its quota
		if err := m.consume(m.limits.Upload(), ratelimit.Key(ratelimit.OperationUpload, current.ID)); err != nil {
			return nil, err
		}
	}

	metadata := make(map[string]any, 2)
	if update.DisplayName != nil {
		metadata[domain.MetadataName] = strings.TrimSpace(*update.DisplayName)
	}
	if update.AvatarRef != nil {
		metadata[domain.MetadataAvatar] = *update.AvatarRef
	}
	if _, err := m.provider.UpdateSessionMetadata(ctx, metadata); err != nil {
		return nil, err
	}
	if update.DisplayName != nil {
		if err := m.profiles.UpdateName(ctx, current.ID, strings.TrimSpace(*update.DisplayName)); err != nil {
			return nil, asRetryable(err, "profile update failed")
		}
	}

	var merged *domain.Identity
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	published := m.publish(gen, func(s *Snapshot) {
		if !s.IsAuthenticated || s.Identity == nil || s.Identity.ID != current.ID {
			return
		}
		if update.DisplayName != nil {
			s.Identity.DisplayName = strings.TrimSpace(*update.DisplayName)
		}
		if update.AvatarRef != nil {
			s.Identity.AvatarRef = *update.AvatarRef
		}
		merged = s.Identity.Clone()
	})
	if !published || merged == nil {
		return nil, nil
	}
	m.persist(ctx, merged)
	return merged, nil
}

// Refresh asks the provider to renew its token. The provider's change event
// updates the identity.
func (m *SessionManager) Refresh(ctx context.Context) error {
	if _, ok := m.CurrentIdentity(); !ok {
		return nil
	}
	_, err := m.provider.Refresh(ctx)
	return err
}

// Close stops all subscriptions. Nothing is published afterwards.
func (m *SessionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stopProvider := m.stopProvider
	stopStore := m.stopStore
	m.stopProvider = nil
	m.stopStore = nil
	m.mu.Unlock()

	if stopProvider != nil {
		stopProvider()
	}
	for _, stop := range stopStore {
		stop()
	}
}

func (m *SessionManager) watchProvider() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopProvider != nil || m.closed {
		return
	}
	m.stopProvider = m.provider.OnSessionChange(m.handleSessionEvent)
}

// handleSessionEvent follows provider changes without consulting the
// profile service. Only the admitted subject is re-derived; a different
// subject must go through Login, Signup or Initialize.
func (m *SessionManager) handleSessionEvent(event domain.SessionEvent) {
	ctx := context.Background()
	if event.Type == domain.SessionSignedOut || event.Session == nil {
		m.revoked(ctx)
		return
	}

	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	var derived *domain.Identity
	m.publish(gen, func(s *Snapshot) {
		if !s.IsAuthenticated || s.Identity == nil || s.Identity.ID != event.Session.SubjectID {
			return
		}
		next := domain.IdentityFromClaims(event.Session)
		// role only changes through profile revalidation
		next.Role = s.Identity.Role
		if event.Session.MetadataString(domain.MetadataName) == "" {
			next.DisplayName = s.Identity.DisplayName
		}
		s.Identity = next
		s.Provisional = false
		derived = next.Clone()
	})
	if derived != nil {
		m.logger.Debug("identity re-derived from provider event", zap.String("event", string(event.Type)))
		m.persist(ctx, derived)
	}
}

// revoked handles a provider sign-out. While an identity is admitted or
// being resolved it supersedes in-flight work, so a late profile response
// cannot bring the session back.
func (m *SessionManager) revoked(ctx context.Context) {
	m.mu.Lock()
	if !m.snapshot.IsAuthenticated && m.snapshot.State != StateInitializing {
		m.mu.Unlock()
		return
	}
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	if m.publishUnauthenticated(gen) {
		m.store.Clear(ctx, IdentityKey)
	}
}

// handleStoreEvent reacts to other instances: a remote wipe of the identity
// signs this instance out, a remote identity write for the same subject is
// adopted.
func (m *SessionManager) handleStoreEvent(ctx context.Context, event events.Event) error {
	if !event.Remote {
		return nil
	}
	switch {
	case event.Type == events.EventStateCleared && (event.Key == "" || event.Key == IdentityKey):
		m.mu.Lock()
		gen := m.generation
		m.mu.Unlock()
		if m.publishUnauthenticatedIfAuthenticated(gen) {
			m.logger.Info("signed out by another instance")
			m.signOutQuietly(ctx)
		}
	case event.Type == events.EventStateChanged && event.Key == IdentityKey:
		persisted, ok := statestore.Load[domain.Identity](ctx, m.store, IdentityKey)
		if !ok {
			return nil
		}
		m.mu.Lock()
		gen := m.generation
		m.mu.Unlock()
		m.publish(gen, func(s *Snapshot) {
			if !s.IsAuthenticated || s.Identity == nil || s.Identity.ID != persisted.ID {
				return
			}
			identity := persisted
			// role stays as admitted here
			identity.Role = s.Identity.Role
			s.Identity = &identity
		})
	}
	return nil
}

// begin starts an explicit operation: it supersedes in-flight work and
// marks the snapshot as loading.
func (m *SessionManager) begin() uint64 {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()
	m.publish(gen, func(s *Snapshot) { s.Loading = true })
	return gen
}

// publish applies mutate and delivers the result when gen is still current
// and the manager is open. It reports whether the mutation was applied.
func (m *SessionManager) publish(gen uint64, mutate func(*Snapshot)) bool {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return false
	}
	before := m.snapshot.clone()
	mutate(&m.snapshot)
	snap := m.snapshot.clone()
	fns := make([]func(Snapshot), 0, len(m.order))
	for _, id := range m.order {
		fns = append(fns, m.subscribers[id])
	}
	m.mu.Unlock()

	if snap.State != before.State {
		m.metrics.SessionTransition(string(snap.State))
		m.logger.Debug("session transition", zap.String("from", string(before.State)), zap.String("to", string(snap.State)))
	}
	for _, fn := range fns {
		fn(snap.clone())
	}
	if identityChanged(before, snap) {
		_ = m.store.Dispatcher().Publish(context.Background(), events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventIdentityChanged,
			Origin:    m.store.Origin(),
			Timestamp: m.clock.Now(),
			Payload: events.IdentityChangedPayload{
				State:       string(snap.State),
				Identity:    snap.Identity.Clone(),
				Provisional: snap.Provisional,
			},
		})
	}
	return true
}

func identityChanged(before, after Snapshot) bool {
	if before.State != after.State || before.IsAuthenticated != after.IsAuthenticated || before.Provisional != after.Provisional {
		return true
	}
	switch {
	case before.Identity == nil && after.Identity == nil:
		return false
	case before.Identity == nil || after.Identity == nil:
		return true
	}
	return *before.Identity != *after.Identity
}

func (m *SessionManager) admit(ctx context.Context, gen uint64, identity *domain.Identity) bool {
	if identity == nil {
		return m.publishUnauthenticated(gen)
	}
	admitted := identity.Clone()
	ok := m.publish(gen, func(s *Snapshot) {
		rl := s.RateLimit
		*s = Snapshot{State: StateAuthenticated, Identity: admitted, IsAuthenticated: true, RateLimit: rl}
	})
	if ok {
		m.persist(ctx, admitted)
	}
	return ok
}

func (m *SessionManager) publishUnauthenticated(gen uint64) bool {
	return m.publish(gen, func(s *Snapshot) {
		rl := s.RateLimit
		*s = Snapshot{State: StateUnauthenticated, RateLimit: rl}
	})
}

func (m *SessionManager) publishUnauthenticatedIfAuthenticated(gen uint64) bool {
	changed := false
	m.publish(gen, func(s *Snapshot) {
		if !s.IsAuthenticated {
			return
		}
		*s = Snapshot{State: StateUnauthenticated}
		changed = true
	})
	return changed
}

func (m *SessionManager) persist(ctx context.Context, identity *domain.Identity) {
	if err := m.store.Save(ctx, identity, statestore.SaveOptions{Key: IdentityKey}); err != nil {
		m.logger.Error("persist identity", zap.Error(err))
	}
}

func (m *SessionManager) signOutQuietly(ctx context.Context) {
	if err := m.provider.SignOut(ctx); err != nil {
		m.classifier.Capture(err, map[string]any{"stage": "revoke"})
		m.logger.Warn("provider sign-out failed", zap.Error(err))
	}
}

// consume records one attempt. Denials surface as RATE_LIMITED and leave
// the quota in the snapshot for the UI countdown.
func (m *SessionManager) consume(limiter *ratelimit.Limiter, key string) error {
	allowed, info := limiter.Check(key)
	m.setRateLimit(limiter.Name(), info)
	if allowed {
		return nil
	}
	m.metrics.RateLimited(limiter.Name())
	m.logger.Info("attempt rate limited", zap.String("key", key), zap.Time("reset_at", info.ResetAt))
	return apperrors.NewRateLimited(info.Remaining, info.ResetAt, m.clock.Now())
}

func (m *SessionManager) refreshRateLimit(operation string, limiter *ratelimit.Limiter, key string) {
	m.setRateLimit(operation, limiter.Info(key))
}

func (m *SessionManager) setRateLimit(operation string, info ratelimit.Info) {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	m.publish(gen, func(s *Snapshot) {
		s.RateLimit = &RateLimitState{
			Operation: operation,
			Remaining: info.Remaining,
			ResetAt:   info.ResetAt,
			Limited:   info.Limited,
		}
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func signupRole(raw string) (domain.Role, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.RoleMember, nil
	}
	role := domain.Role(strings.ToLower(raw))
	if !role.Valid() {
		return "", apperrors.NewValidationError("validation failed: unknown role", map[string]any{"role": raw})
	}
	if role == domain.RoleAdmin {
		return "", apperrors.NewValidationError("validation failed: admin accounts cannot be self-registered", nil)
	}
	return role, nil
}

// asRetryable keeps tagged errors and marks untagged ones as backend failures.
func asRetryable(err error, message string) error {
	var de *apperrors.DomainError
	if errors.As(err, &de) {
		return err
	}
	if apperrors.KindOf(err) == apperrors.KindNetwork {
		return apperrors.NewNetworkError(message, err)
	}
	return apperrors.NewBackendError(message, err)
}
