package statestore

import (
	"context"
	"strings"

	"github.com/spec-kit/session-service/internal/events"
)

// NavigationKey holds the last observed route and tab indicator.
const NavigationKey = "navigation"

// HookOptions toggles the lifecycle hooks independently.
type HookOptions struct {
	Visible bool
	Focus   bool
	Hidden  bool
}

// AllHooks enables every lifecycle hook.
func AllHooks() HookOptions {
	return HookOptions{Visible: true, Focus: true, Hidden: true}
}

// Position is the observable UI position saved on hide and reconciled on show.
type Position struct {
	Route string `json:"route"`
	Tab   string `json:"tab,omitempty"`
}

// Visible reconciles the current position against the persisted snapshot.
// It returns the persisted position and true only when the two differ
// materially, so callers never navigate redundantly.
func (s *Store) Visible(ctx context.Context, current Position) (Position, bool) {
	if !s.opts.Hooks.Visible {
		return Position{}, false
	}
	persisted, ok := Load[Position](ctx, s, NavigationKey)
	if !ok {
		return Position{}, false
	}
	if !materiallyDifferent(persisted, current) {
		return Position{}, false
	}
	return Position{Route: persisted.Route, Tab: persisted.Tab}, true
}

// Focus tells consumers to re-pull persisted state instead of trusting
// in-memory values. It reports whether the notification was sent.
func (s *Store) Focus(ctx context.Context) bool {
	if !s.opts.Hooks.Focus {
		return false
	}
	s.dispatch(ctx, events.Event{Type: events.EventStateRestored, Origin: s.origin})
	return true
}

// Hidden flushes pending debounced writes and synchronously saves the
// current position. It reports whether anything was written.
func (s *Store) Hidden(ctx context.Context, current Position) bool {
	if !s.opts.Hooks.Hidden {
		return false
	}
	s.Flush(ctx)
	if current.Route == "" && current.Tab == "" {
		return true
	}
	_ = s.Save(ctx, current, SaveOptions{Key: NavigationKey, Silent: true})
	return true
}

func materiallyDifferent(persisted, current Position) bool {
	persistedRoute := normalizeRoute(persisted.Route)
	if persisted.Route != "" && persistedRoute != normalizeRoute(current.Route) {
		return true
	}
	return persisted.Tab != "" && persisted.Tab != current.Tab
}

func normalizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if len(route) > 1 {
		route = strings.TrimRight(route, "/")
	}
	if route == "" {
		return "/"
	}
	return route
}
