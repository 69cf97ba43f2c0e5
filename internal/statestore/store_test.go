package statestore

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/session-service/internal/clock"
	"github.com/spec-kit/session-service/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type instance struct {
	store    *Store
	volatile *MemoryBackend
	changed  *recorder
	cleared  *recorder
	restored *recorder
}

func newInstance(durable *MemoryBackend, clk clock.Clock) *instance {
	volatile := NewMemoryBackend()
	dispatcher := events.NewInMemoryDispatcher(nil)
	inst := &instance{
		volatile: volatile,
		changed:  &recorder{},
		cleared:  &recorder{},
		restored: &recorder{},
	}
	dispatcher.Subscribe(events.EventStateChanged, inst.changed.handle)
	dispatcher.Subscribe(events.EventStateCleared, inst.cleared.handle)
	dispatcher.Subscribe(events.EventStateRestored, inst.restored.handle)
	inst.store = New(Options{
		Namespace:  "app",
		Volatile:   volatile,
		Durable:    durable,
		Dispatcher: dispatcher,
		Clock:      clk,
		Hooks:      AllHooks(),
	})
	return inst
}

func newTestStore() (*instance, *MemoryBackend, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	durable := NewMemoryBackend()
	return newInstance(durable, clk), durable, clk
}

func TestSaveLoad_TTLExpiry(t *testing.T) {
	inst, durable, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, inst.store.Save(ctx, map[string]any{"foo": 1}, SaveOptions{Key: "k", TTL: time.Second}))

	got, ok := Load[map[string]any](ctx, inst.store, "k")
	require.True(t, ok)
	assert.EqualValues(t, 1, got["foo"])
	assert.EqualValues(t, clk.Now().UnixMilli(), got["timestamp"])
	assert.EqualValues(t, clk.Now().Add(time.Second).UnixMilli(), got["expiresAt"])

	clk.Advance(1001 * time.Millisecond)
	_, ok = Load[map[string]any](ctx, inst.store, "k")
	assert.False(t, ok)

	_, present, _ := durable.Get(ctx, "app:k")
	assert.False(t, present, "expired durable slot must be purged")
	_, present, _ = inst.volatile.Get(ctx, "app:k")
	assert.False(t, present, "expired volatile slot must be purged")
}

func TestLoad_FallsBackToDurableAndBackfills(t *testing.T) {
	inst, durable, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, inst.store.Save(ctx, map[string]string{"route": "/leads"}, SaveOptions{Key: "nav"}))
	require.NoError(t, inst.volatile.Delete(ctx, "app:nav"))

	got, ok := Load[map[string]any](ctx, inst.store, "nav")
	require.True(t, ok)
	assert.Equal(t, "/leads", got["route"])

	_, present, _ := inst.volatile.Get(ctx, "app:nav")
	assert.True(t, present)

	// volatile is read first
	require.NoError(t, durable.Delete(ctx, "app:nav"))
	_, ok = Load[map[string]any](ctx, inst.store, "nav")
	assert.True(t, ok)
}

func TestLoad_TypedStruct(t *testing.T) {
	inst, _, _ := newTestStore()
	ctx := context.Background()

	type filters struct {
		Status  string `json:"status"`
		Page    int    `json:"page"`
		SavedAt int64  `json:"timestamp"`
		Expires int64  `json:"expiresAt"`
	}
	require.NoError(t, inst.store.Save(ctx, filters{Status: "open", Page: 2}, SaveOptions{Key: "leads_filters"}))

	got, ok := Load[filters](ctx, inst.store, "leads_filters")
	require.True(t, ok)
	assert.Equal(t, "open", got.Status)
	assert.Equal(t, 2, got.Page)
	assert.Equal(t, (24 * time.Hour).Milliseconds(), got.Expires-got.SavedAt)

	_, ok = Load[[]string](ctx, inst.store, "leads_filters")
	assert.False(t, ok)
}

func TestSave_RejectsNonObject(t *testing.T) {
	inst, _, _ := newTestStore()
	assert.Error(t, inst.store.Save(context.Background(), []int{1, 2}, SaveOptions{Key: "k"}))
	assert.Error(t, inst.store.Save(context.Background(), func() {}, SaveOptions{Key: "k"}))
}

func TestRoundTrip_PreservesUnknownFields(t *testing.T) {
	inst, durable, clk := newTestStore()
	ctx := context.Background()

	written := clk.Now().UnixMilli()
	raw := []byte(`{"route":"/studios","futureField":{"nested":[1,2]},"timestamp":` +
		jsonInt(written) + `,"expiresAt":` + jsonInt(written+60000) + `}`)
	require.NoError(t, durable.Set(ctx, "app:nav", raw, 0))

	envelope, ok := inst.store.LoadEnvelope(ctx, "nav")
	require.True(t, ok)
	assert.JSONEq(t, `{"nested":[1,2]}`, string(envelope.Fields["futureField"]))

	state, ok := Load[map[string]json.RawMessage](ctx, inst.store, "nav")
	require.True(t, ok)
	state["route"] = json.RawMessage(`"/leads"`)
	require.NoError(t, inst.store.Save(ctx, state, SaveOptions{Key: "nav"}))

	stored, _, _ := durable.Get(ctx, "app:nav")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(stored, &decoded))
	assert.Equal(t, "/leads", decoded["route"])
	assert.Equal(t, map[string]any{"nested": []any{float64(1), float64(2)}}, decoded["futureField"])
}

func TestLoad_DiscardsCorruptEnvelope(t *testing.T) {
	inst, durable, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, durable.Set(ctx, "app:k", []byte(`{"foo":1}`), 0))

	_, ok := inst.store.LoadEnvelope(ctx, "k")
	assert.False(t, ok)
	_, present, _ := durable.Get(ctx, "app:k")
	assert.False(t, present)
}

func TestIsStaleAndAge(t *testing.T) {
	inst, _, clk := newTestStore()
	ctx := context.Background()

	assert.True(t, inst.store.IsStale(ctx, "identity"))
	assert.True(t, math.IsInf(inst.store.Age(ctx, "identity"), 1))

	require.NoError(t, inst.store.Save(ctx, map[string]string{"id": "u-1"}, SaveOptions{Key: "identity"}))
	assert.False(t, inst.store.IsStale(ctx, "identity"))

	clk.Advance(10 * time.Minute)
	assert.InDelta(t, 10.0, inst.store.Age(ctx, "identity"), 0.001)
	assert.False(t, inst.store.IsStale(ctx, "identity"))

	clk.Advance(21 * time.Minute)
	assert.True(t, inst.store.IsStale(ctx, "identity"), "stale after 30 minutes")
	_, ok := inst.store.LoadEnvelope(ctx, "identity")
	assert.True(t, ok, "stale is not expired")
}

func TestClearAndClearAll(t *testing.T) {
	inst, durable, _ := newTestStore()
	ctx := context.Background()

	other := New(Options{Namespace: "other", Durable: durable})
	require.NoError(t, other.Save(ctx, map[string]int{"x": 1}, SaveOptions{Key: "keep"}))

	for _, key := range []string{"auth_identity", "leads_filters", DefaultKey} {
		require.NoError(t, inst.store.Save(ctx, map[string]string{"k": key}, SaveOptions{Key: key}))
	}

	inst.store.Clear(ctx)
	_, ok := inst.store.LoadEnvelope(ctx, DefaultKey)
	assert.False(t, ok)
	_, ok = inst.store.LoadEnvelope(ctx, "leads_filters")
	assert.True(t, ok)

	inst.store.ClearAll(ctx)
	volatileKeys, _ := inst.volatile.Keys(ctx, "app:")
	durableKeys, _ := durable.Keys(ctx, "app:")
	assert.Empty(t, volatileKeys)
	assert.Empty(t, durableKeys)

	_, ok = other.LoadEnvelope(ctx, "keep")
	assert.True(t, ok, "other namespaces are untouched")
}

func TestClearAllExceptKeepsNamedKeys(t *testing.T) {
	clk := clock.Fake(time.Now())
	durable := NewMemoryBackend()
	tabA := newInstance(durable, clk)
	tabB := newInstance(durable, clk)
	ctx := context.Background()
	stopB, err := tabB.store.StartListening(ctx)
	require.NoError(t, err)
	defer stopB()

	for _, key := range []string{"auth_identity", "leads_filters", DefaultKey} {
		require.NoError(t, tabA.store.Save(ctx, map[string]string{"k": key}, SaveOptions{Key: key}))
	}
	require.NoError(t, tabA.store.SaveDebounced(map[string]int{"page": 3}, SaveOptions{Key: "grid"}))

	tabA.store.ClearAllExcept(ctx, "auth_identity")

	_, ok := tabA.store.LoadEnvelope(ctx, "auth_identity")
	assert.True(t, ok)
	durableKeys, _ := durable.Keys(ctx, "app:")
	assert.Equal(t, []string{"app:auth_identity"}, durableKeys)
	assert.Zero(t, tabA.store.PendingWrites())

	var keys []string
	for _, e := range tabB.cleared.all() {
		assert.True(t, e.Remote)
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{DefaultKey, "grid", "leads_filters"}, keys, "no namespace-wide clear is broadcast")

	tabA.store.ClearAllExcept(ctx, "auth_identity")
	assert.Len(t, tabB.cleared.all(), 3, "nothing left to clear")
}

func TestSilentSaveDoesNotNotify(t *testing.T) {
	inst, _, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, inst.store.Save(ctx, map[string]int{"a": 1}, SaveOptions{Key: "k", Silent: true}))
	assert.Empty(t, inst.changed.all())

	require.NoError(t, inst.store.Save(ctx, map[string]int{"a": 2}, SaveOptions{Key: "k"}))
	require.Len(t, inst.changed.all(), 1)
	assert.False(t, inst.changed.all()[0].Remote)
}

func TestCrossInstanceBroadcast(t *testing.T) {
	clk := clock.Fake(time.Now())
	durable := NewMemoryBackend()
	tabA := newInstance(durable, clk)
	tabB := newInstance(durable, clk)
	ctx := context.Background()

	stopA, err := tabA.store.StartListening(ctx)
	require.NoError(t, err)
	defer stopA()
	stopB, err := tabB.store.StartListening(ctx)
	require.NoError(t, err)
	defer stopB()

	require.NoError(t, tabB.store.Save(ctx, map[string]string{"route": "/old"}, SaveOptions{Key: "nav"}))
	_, ok := Load[map[string]any](ctx, tabB.store, "nav")
	require.True(t, ok)

	require.NoError(t, tabA.store.Save(ctx, map[string]string{"route": "/new"}, SaveOptions{Key: "nav"}))

	remote := tabB.changed.all()
	require.Len(t, remote, 2)
	assert.False(t, remote[0].Remote)
	assert.True(t, remote[1].Remote)
	assert.Equal(t, "nav", remote[1].Key)
	assert.Equal(t, tabA.store.Origin(), remote[1].Origin)

	// tab A only hears B's broadcast as remote, never its own
	for _, e := range tabA.changed.all() {
		if e.Remote {
			assert.Equal(t, tabB.store.Origin(), e.Origin)
		}
	}

	// B's stale volatile copy was invalidated, so it sees A's write
	got, ok := Load[map[string]any](ctx, tabB.store, "nav")
	require.True(t, ok)
	assert.Equal(t, "/new", got["route"])

	tabA.store.ClearAll(ctx)
	cleared := tabB.cleared.all()
	require.Len(t, cleared, 1)
	assert.True(t, cleared[0].Remote)
	_, ok = tabB.store.LoadEnvelope(ctx, "nav")
	assert.False(t, ok)
}

func TestSaveDebounced(t *testing.T) {
	inst, durable, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, inst.store.SaveDebounced(map[string]int{"page": 1}, SaveOptions{Key: "grid"}))
	clk.Advance(100 * time.Millisecond)
	require.NoError(t, inst.store.SaveDebounced(map[string]int{"page": 2}, SaveOptions{Key: "grid"}))
	require.NoError(t, inst.store.SaveDebounced(map[string]int{"page": 3}, SaveOptions{Key: "grid"}))
	assert.Equal(t, 1, inst.store.PendingWrites())

	_, present, _ := durable.Get(ctx, "app:grid")
	assert.False(t, present)

	clk.Advance(300 * time.Millisecond)
	assert.Zero(t, inst.store.PendingWrites())
	got, ok := Load[map[string]any](ctx, inst.store, "grid")
	require.True(t, ok)
	assert.EqualValues(t, 3, got["page"])
	assert.Len(t, inst.changed.all(), 1, "coalesced into one write")
	assert.Zero(t, clk.Pending())
}

func TestSaveCancelsPendingDebounce(t *testing.T) {
	inst, _, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, inst.store.SaveDebounced(map[string]int{"page": 1}, SaveOptions{Key: "grid"}))
	require.NoError(t, inst.store.Save(ctx, map[string]int{"page": 9}, SaveOptions{Key: "grid"}))
	clk.Advance(time.Second)

	got, ok := Load[map[string]any](ctx, inst.store, "grid")
	require.True(t, ok)
	assert.EqualValues(t, 9, got["page"])
}

func TestClearAllDropsPendingWrites(t *testing.T) {
	inst, _, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, inst.store.SaveDebounced(map[string]int{"page": 1}, SaveOptions{Key: "grid"}))
	inst.store.ClearAll(ctx)
	clk.Advance(time.Second)

	_, ok := inst.store.LoadEnvelope(ctx, "grid")
	assert.False(t, ok)
}

func TestMemoryBackend_KeysByPrefix(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	_ = backend.Set(ctx, "app:a", []byte("1"), 0)
	_ = backend.Set(ctx, "app:b", []byte("2"), 0)
	_ = backend.Set(ctx, "apx:c", []byte("3"), 0)

	keys, err := backend.Keys(ctx, "app:")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"app:a", "app:b"}, keys)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `app\*:`, escapeGlob("app*:"))
	assert.Equal(t, `a\?b\[c\]`, escapeGlob("a?b[c]"))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
