package auth

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/spec-kit/session-service/internal/clock"
	"github.com/spec-kit/session-service/internal/domain"
	"github.com/spec-kit/session-service/internal/statestore"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

// IdentityProvider issues and tracks the provider session. A returned
// session is a claim about who the caller is; the profile service decides
// whether that identity is admitted.
type IdentityProvider interface {
	// CurrentSession returns nil, nil when there is no live session.
	CurrentSession(ctx context.Context) (*domain.ProviderSession, error)
	SignInWithPassword(ctx context.Context, email, password string) (*domain.ProviderSession, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*domain.ProviderSession, error)
	SignOut(ctx context.Context) error
	// OnSessionChange registers fn for every session change and returns
	// a function that removes it.
	OnSessionChange(fn func(domain.SessionEvent)) (unsubscribe func())
	UpdateSessionMetadata(ctx context.Context, metadata map[string]any) (*domain.ProviderSession, error)
	Refresh(ctx context.Context) (*domain.ProviderSession, error)
}

// DefaultSessionKey is where the provider session lives in shared storage.
// It sits outside every state namespace so a state wipe never touches it.
const DefaultSessionKey = "auth:provider_session"

// SessionStorage holds the provider session where every instance sees it.
// Load returns nil, nil when nothing is stored.
type SessionStorage interface {
	Load(ctx context.Context) (*domain.ProviderSession, error)
	Save(ctx context.Context, session *domain.ProviderSession) error
	Delete(ctx context.Context) error
}

// BackendSessionStorage keeps the session as JSON in one slot of a raw
// key/value backend, such as the durable Redis backend.
type BackendSessionStorage struct {
	backend statestore.Backend
	key     string
	clock   clock.Clock
}

// NewBackendSessionStorage stores the session under key, or DefaultSessionKey.
func NewBackendSessionStorage(backend statestore.Backend, key string, clk clock.Clock) *BackendSessionStorage {
	if key == "" {
		key = DefaultSessionKey
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &BackendSessionStorage{backend: backend, key: key, clock: clk}
}

func (s *BackendSessionStorage) Load(ctx context.Context) (*domain.ProviderSession, error) {
	raw, ok, err := s.backend.Get(ctx, s.key)
	if err != nil || !ok {
		return nil, err
	}
	var session domain.ProviderSession
	if err := json.Unmarshal(raw, &session); err != nil {
		// unreadable slots are dropped rather than failing every lookup
		_ = s.backend.Delete(ctx, s.key)
		return nil, nil
	}
	return &session, nil
}

// Save expires the slot together with the access token.
func (s *BackendSessionStorage) Save(ctx context.Context, session *domain.ProviderSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		ttl = session.ExpiresAt.Sub(s.clock.Now())
		if ttl <= 0 {
			return s.Delete(ctx)
		}
	}
	return s.backend.Set(ctx, s.key, raw, ttl)
}

func (s *BackendSessionStorage) Delete(ctx context.Context) error {
	return s.backend.Delete(ctx, s.key)
}

// sessionHolder reads and writes the session through its storage and fans
// changes out to the listeners of this instance. Listeners run
// synchronously, outside the lock, in registration order.
type sessionHolder struct {
	storage SessionStorage

	mu        sync.Mutex
	nextID    int
	order     []int
	listeners map[int]func(domain.SessionEvent)
}

// newSessionHolder falls back to a private in-memory slot when storage is
// nil; such a session is then visible to this instance only.
func newSessionHolder(storage SessionStorage) *sessionHolder {
	if storage == nil {
		storage = NewBackendSessionStorage(statestore.NewMemoryBackend(), "", nil)
	}
	return &sessionHolder{storage: storage, listeners: make(map[int]func(domain.SessionEvent))}
}

func (h *sessionHolder) current(ctx context.Context) (*domain.ProviderSession, error) {
	session, err := h.storage.Load(ctx)
	if err != nil {
		return nil, apperrors.NewBackendError("session storage unavailable", err)
	}
	return session, nil
}

// set stores session, or deletes the slot when it is nil, and notifies
// listeners. Listeners are notified even when storage fails so this
// instance never keeps trusting a session it meant to end.
func (h *sessionHolder) set(ctx context.Context, eventType domain.SessionEventType, session *domain.ProviderSession) error {
	var err error
	if session == nil {
		err = h.storage.Delete(ctx)
	} else {
		err = h.storage.Save(ctx, session)
	}

	h.mu.Lock()
	fns := make([]func(domain.SessionEvent), 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.listeners[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(domain.SessionEvent{Type: eventType, Session: copySession(session)})
	}
	if err != nil {
		return apperrors.NewBackendError("session storage unavailable", err)
	}
	return nil
}

func (h *sessionHolder) subscribe(fn func(domain.SessionEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	h.order = append(h.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.listeners, id)
			for i, existing := range h.order {
				if existing == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

func copySession(session *domain.ProviderSession) *domain.ProviderSession {
	if session == nil {
		return nil
	}
	c := *session
	if session.Metadata != nil {
		c.Metadata = make(map[string]any, len(session.Metadata))
		for key, value := range session.Metadata {
			c.Metadata[key] = value
		}
	}
	return &c
}
