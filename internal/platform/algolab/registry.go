package algolab

import (
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// Registry is the set of subscriptions owned by one Client. It is restored
// on every (re)connect.
type Registry struct {
	mu   sync.RWMutex
	subs map[domain.Subscription]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[domain.Subscription]struct{})}
}

// Add registers symbols on ch and returns the ones that were new.
func (r *Registry) Add(ch domain.Channel, symbols ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var added []string
	for _, s := range symbols {
		sub := domain.Subscription{Channel: ch, Symbol: normalizeSymbol(s)}
		if sub.Symbol == "" {
			continue
		}
		if _, ok := r.subs[sub]; ok {
			continue
		}
		r.subs[sub] = struct{}{}
		added = append(added, sub.Symbol)
	}
	return added
}

// Remove unregisters symbols on ch and returns the ones that were present.
func (r *Registry) Remove(ch domain.Channel, symbols ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for _, s := range symbols {
		sub := domain.Subscription{Channel: ch, Symbol: normalizeSymbol(s)}
		if _, ok := r.subs[sub]; ok {
			delete(r.subs, sub)
			removed = append(removed, sub.Symbol)
		}
	}
	return removed
}

// Has reports whether (ch, symbol) is registered.
func (r *Registry) Has(ch domain.Channel, symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[domain.Subscription{Channel: ch, Symbol: normalizeSymbol(symbol)}]
	return ok
}

// Symbols returns the sorted symbols registered on ch.
func (r *Registry) Symbols(ch domain.Channel) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for sub := range r.subs {
		if sub.Channel == ch {
			out = append(out, sub.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Channels returns the sorted channels with at least one registration.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[domain.Channel]struct{})
	for sub := range r.subs {
		seen[sub.Channel] = struct{}{}
	}
	out := make([]domain.Channel, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// List returns every subscription sorted by channel then symbol.
func (r *Registry) List() []domain.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Subscription, 0, len(r.subs))
	for sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
