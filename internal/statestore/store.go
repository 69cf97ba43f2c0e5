package statestore

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/session-service/internal/clock"
	"github.com/spec-kit/session-service/internal/events"
)

const (
	DefaultKey        = "app_state"
	DefaultTTL        = 24 * time.Hour
	DefaultStaleAfter = 30 * time.Minute
	DefaultDebounce   = 300 * time.Millisecond

	changesSuffix = "__changes"
)

// Change operations carried on the broadcast channel.
const (
	OpSet      = "set"
	OpDelete   = "delete"
	OpClearAll = "clear_all"
)

// Options configures a Store.
type Options struct {
	Namespace      string
	TTL            time.Duration
	StaleAfter     time.Duration
	DebounceWindow time.Duration
	Hooks          HookOptions

	Volatile   Backend
	Durable    DurableBackend
	Dispatcher events.Dispatcher
	Clock      clock.Clock
	Logger     *zap.Logger
	// OnOperation observes store operations (save, load, hit, miss, expire, clear, clear_all, remote).
	OnOperation func(op string)
}

// SaveOptions selects the slot and policy for one write.
type SaveOptions struct {
	Key string
	// TTL overrides the store default when positive.
	TTL time.Duration
	// Silent suppresses the local event and the cross-instance broadcast.
	Silent bool
}

type changeMessage struct {
	Key    string `json:"key,omitempty"`
	Op     string `json:"op"`
	Origin string `json:"origin"`
}

type pendingWrite struct {
	fields map[string]json.RawMessage
	opts   SaveOptions
	timer  clock.Timer
}

// Store persists namespaced TTL envelopes in a volatile and a durable backend
// and propagates changes between instances over the durable change channel.
type Store struct {
	opts    Options
	origin  string
	prefix  string
	channel string

	mu      sync.Mutex
	pending map[string]*pendingWrite
}

// New constructs a Store. Missing backends default to fresh memory backends.
func New(opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = "app"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultDebounce
	}
	if opts.Volatile == nil {
		opts.Volatile = NewMemoryBackend()
	}
	if opts.Durable == nil {
		opts.Durable = NewMemoryBackend()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = events.NewInMemoryDispatcher(opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		opts:    opts,
		origin:  uuid.NewString(),
		prefix:  opts.Namespace + ":",
		channel: opts.Namespace + ":" + changesSuffix,
		pending: make(map[string]*pendingWrite),
	}
}

// Origin identifies this instance on the change channel.
func (s *Store) Origin() string { return s.origin }

// Dispatcher returns the in-process event bus the store publishes on.
func (s *Store) Dispatcher() events.Dispatcher { return s.opts.Dispatcher }

// Save writes a complete envelope for state under opts.Key to both backends.
// It only fails when state cannot be serialized to a JSON object.
func (s *Store) Save(ctx context.Context, state any, opts SaveOptions) error {
	fields, err := payloadFields(state)
	if err != nil {
		return err
	}
	opts.Key = s.keyOrDefault(opts.Key)
	s.cancelPending(opts.Key)
	s.write(ctx, fields, opts)
	return nil
}

// SaveDebounced coalesces writes to the same key within the debounce window.
// The state is captured immediately; timestamps are taken when it is written.
func (s *Store) SaveDebounced(state any, opts SaveOptions) error {
	fields, err := payloadFields(state)
	if err != nil {
		return err
	}
	opts.Key = s.keyOrDefault(opts.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[opts.Key]; ok {
		existing.timer.Stop()
	}
	key := opts.Key
	write := &pendingWrite{fields: fields, opts: opts}
	write.timer = s.opts.Clock.AfterFunc(s.opts.DebounceWindow, func() {
		s.flushKey(context.Background(), key, write)
	})
	s.pending[key] = write
	return nil
}

// Flush synchronously writes every pending debounced save.
func (s *Store) Flush(ctx context.Context) {
	s.mu.Lock()
	writes := make([]*pendingWrite, 0, len(s.pending))
	for key, write := range s.pending {
		write.timer.Stop()
		writes = append(writes, write)
		delete(s.pending, key)
	}
	s.mu.Unlock()

	for _, write := range writes {
		s.write(ctx, write.fields, write.opts)
	}
}

// PendingWrites reports how many debounced saves are waiting.
func (s *Store) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) flushKey(ctx context.Context, key string, write *pendingWrite) {
	s.mu.Lock()
	current, ok := s.pending[key]
	if !ok || current != write {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()
	s.write(ctx, write.fields, write.opts)
}

func (s *Store) cancelPending(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if write, ok := s.pending[key]; ok {
		write.timer.Stop()
		delete(s.pending, key)
	}
}

func (s *Store) write(ctx context.Context, fields map[string]json.RawMessage, opts SaveOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.opts.TTL
	}
	envelope := newEnvelope(fields, s.opts.Clock.Now(), ttl)
	raw, err := envelope.marshal()
	if err != nil {
		s.opts.Logger.Error("encode envelope", zap.String("key", opts.Key), zap.Error(err))
		return
	}

	slot := s.slot(opts.Key)
	if err := s.opts.Volatile.Set(ctx, slot, raw, ttl); err != nil {
		s.opts.Logger.Warn("volatile write failed", zap.String("key", opts.Key), zap.Error(err))
	}
	if err := s.opts.Durable.Set(ctx, slot, raw, ttl); err != nil {
		s.opts.Logger.Warn("durable write failed", zap.String("key", opts.Key), zap.Error(err))
	}
	s.observe("save")

	if !opts.Silent {
		s.notify(ctx, events.EventStateChanged, opts.Key, OpSet)
	}
}

// LoadEnvelope returns the live envelope for key. Expired envelopes are purged
// from both backends and reported as absent.
func (s *Store) LoadEnvelope(ctx context.Context, key string) (*Envelope, bool) {
	key = s.keyOrDefault(key)
	slot := s.slot(key)
	now := s.opts.Clock.Now()
	s.observe("load")

	envelope, fromVolatile := s.read(ctx, s.opts.Volatile, slot, "volatile")
	if envelope == nil {
		envelope, _ = s.read(ctx, s.opts.Durable, slot, "durable")
	}
	if envelope == nil {
		s.observe("miss")
		return nil, false
	}
	if envelope.Expired(now) {
		s.purge(ctx, slot)
		s.observe("expire")
		return nil, false
	}
	if !fromVolatile {
		if raw, err := envelope.marshal(); err == nil {
			_ = s.opts.Volatile.Set(ctx, slot, raw, envelope.ExpiresAt.Sub(now))
		}
	}
	s.observe("hit")
	return envelope, true
}

func (s *Store) read(ctx context.Context, backend Backend, slot, name string) (*Envelope, bool) {
	raw, ok, err := backend.Get(ctx, slot)
	if err != nil {
		s.opts.Logger.Warn("state read failed", zap.String("backend", name), zap.String("slot", slot), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	envelope, err := decodeEnvelope(raw)
	if err != nil {
		s.opts.Logger.Warn("discarding corrupt envelope", zap.String("backend", name), zap.String("slot", slot), zap.Error(err))
		_ = backend.Delete(ctx, slot)
		return nil, false
	}
	return envelope, true
}

// Load decodes the live envelope for key into T. The second result is false
// when the key is absent, expired or does not decode into T.
func Load[T any](ctx context.Context, s *Store, key string) (T, bool) {
	var out T
	envelope, ok := s.LoadEnvelope(ctx, key)
	if !ok {
		return out, false
	}
	if err := envelope.Decode(&out); err != nil {
		s.opts.Logger.Warn("state does not match requested type", zap.String("key", key), zap.Error(err))
		var zero T
		return zero, false
	}
	return out, true
}

// Clear removes the given keys, or DefaultKey when none are given.
func (s *Store) Clear(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		keys = []string{DefaultKey}
	}
	for _, key := range keys {
		key = s.keyOrDefault(key)
		s.cancelPending(key)
		s.purge(ctx, s.slot(key))
		s.observe("clear")
		s.notify(ctx, events.EventStateCleared, key, OpDelete)
	}
}

// ClearAll removes every key under the namespace from both backends and drops
// pending debounced writes.
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	for key, write := range s.pending {
		write.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()

	s.deleteNamespace(ctx, s.opts.Volatile, "volatile")
	s.deleteNamespace(ctx, s.opts.Durable, "durable")
	s.observe("clear_all")
	s.notify(ctx, events.EventStateCleared, "", OpClearAll)
}

// ClearAllExcept removes every key of the namespace but the kept ones. Each
// removal is announced as a single-key clear, so listeners never see a
// namespace wipe.
func (s *Store) ClearAllExcept(ctx context.Context, keep ...string) {
	kept := make(map[string]struct{}, len(keep))
	for _, key := range keep {
		kept[s.keyOrDefault(key)] = struct{}{}
	}
	found := make(map[string]struct{})
	for _, backend := range []Backend{s.opts.Volatile, s.opts.Durable} {
		slots, err := backend.Keys(ctx, s.prefix)
		if err != nil {
			s.opts.Logger.Warn("enumerate namespace failed", zap.Error(err))
			continue
		}
		for _, slot := range slots {
			found[strings.TrimPrefix(slot, s.prefix)] = struct{}{}
		}
	}
	s.mu.Lock()
	for key := range s.pending {
		found[key] = struct{}{}
	}
	s.mu.Unlock()

	keys := make([]string, 0, len(found))
	for key := range found {
		if _, ok := kept[key]; !ok {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)
	s.Clear(ctx, keys...)
}

func (s *Store) deleteNamespace(ctx context.Context, backend Backend, name string) {
	keys, err := backend.Keys(ctx, s.prefix)
	if err != nil {
		s.opts.Logger.Warn("enumerate namespace failed", zap.String("backend", name), zap.Error(err))
		return
	}
	if err := backend.Delete(ctx, keys...); err != nil {
		s.opts.Logger.Warn("clear namespace failed", zap.String("backend", name), zap.Error(err))
	}
}

// IsStale reports whether key is absent or older than the staleness threshold.
func (s *Store) IsStale(ctx context.Context, key string) bool {
	envelope, ok := s.LoadEnvelope(ctx, key)
	if !ok {
		return true
	}
	return s.opts.Clock.Now().Sub(envelope.SavedAt) > s.opts.StaleAfter
}

// Age returns the envelope age in minutes, or +Inf when absent.
func (s *Store) Age(ctx context.Context, key string) float64 {
	envelope, ok := s.LoadEnvelope(ctx, key)
	if !ok {
		return math.Inf(1)
	}
	return s.opts.Clock.Now().Sub(envelope.SavedAt).Minutes()
}

// StartListening subscribes to the change channel. Messages from other
// instances invalidate the volatile copy and are re-raised in-process.
func (s *Store) StartListening(ctx context.Context) (func() error, error) {
	return s.opts.Durable.Subscribe(ctx, s.channel, func(payload []byte) {
		s.handleRemote(context.Background(), payload)
	})
}

func (s *Store) handleRemote(ctx context.Context, payload []byte) {
	var msg changeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.opts.Logger.Warn("malformed change message", zap.Error(err))
		return
	}
	if msg.Origin == s.origin {
		return
	}
	s.observe("remote")

	eventType := events.EventStateChanged
	switch msg.Op {
	case OpSet:
		_ = s.opts.Volatile.Delete(ctx, s.slot(msg.Key))
	case OpDelete:
		_ = s.opts.Volatile.Delete(ctx, s.slot(msg.Key))
		eventType = events.EventStateCleared
	case OpClearAll:
		s.deleteNamespace(ctx, s.opts.Volatile, "volatile")
		eventType = events.EventStateCleared
	default:
		return
	}
	s.dispatch(ctx, events.Event{Type: eventType, Key: msg.Key, Remote: true, Origin: msg.Origin})
}

func (s *Store) notify(ctx context.Context, eventType events.EventType, key, op string) {
	s.dispatch(ctx, events.Event{Type: eventType, Key: key, Origin: s.origin})

	payload, err := json.Marshal(changeMessage{Key: key, Op: op, Origin: s.origin})
	if err != nil {
		return
	}
	if err := s.opts.Durable.Publish(ctx, s.channel, payload); err != nil {
		s.opts.Logger.Warn("broadcast failed", zap.String("key", key), zap.String("op", op), zap.Error(err))
	}
}

func (s *Store) dispatch(ctx context.Context, event events.Event) {
	event.ID = uuid.NewString()
	event.Timestamp = s.opts.Clock.Now()
	_ = s.opts.Dispatcher.Publish(ctx, event)
}

func (s *Store) purge(ctx context.Context, slot string) {
	if err := s.opts.Volatile.Delete(ctx, slot); err != nil {
		s.opts.Logger.Warn("volatile delete failed", zap.String("slot", slot), zap.Error(err))
	}
	if err := s.opts.Durable.Delete(ctx, slot); err != nil {
		s.opts.Logger.Warn("durable delete failed", zap.String("slot", slot), zap.Error(err))
	}
}

func (s *Store) slot(key string) string {
	return s.prefix + key
}

func (s *Store) keyOrDefault(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return DefaultKey
	}
	return key
}

func (s *Store) observe(op string) {
	if s.opts.OnOperation != nil {
		s.opts.OnOperation(op)
	}
}
