// Package registry provides the execution registry: the single place that
// knows which conversations are streaming and what each one currently looks
// like.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/logger"
)

// PendingPrefix marks keys used before the backend has assigned a conversation id
const PendingPrefix = "pending:"

var (
	ErrNotFound   = errors.New("registry entry not found")
	ErrKeyExists  = errors.New("registry key already in use")
	ErrNotPending = errors.New("source key is not a pending key")
	ErrStaleOwner = errors.New("entry is owned by another session")
)

// NewPendingKey returns a fresh key for a conversation that has no id yet
func NewPendingKey() string {
	return PendingPrefix + uuid.New().String()
}

// IsPending reports whether key is a pending key
func IsPending(key string) bool {
	return strings.HasPrefix(key, PendingPrefix)
}

// ChangeKind describes what happened to an entry
type ChangeKind string

const (
	ChangeUpserted ChangeKind = "upserted"
	ChangeMigrated ChangeKind = "migrated"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is delivered to subscribers after every mutation
type Change struct {
	Kind   ChangeKind
	Key    string
	OldKey string // set for ChangeMigrated
	State  conversation.State
}

// entry is one registry slot. owner is the token of the session allowed to
// write to it.
type entry struct {
	owner string
	state conversation.State
}

// Registry maps conversation keys to their live stream state
type Registry struct {
	entries     map[string]*entry
	subscribers map[int]func(Change)
	nextSubID   int
	mu          sync.RWMutex
	subMu       sync.RWMutex
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		subscribers: make(map[int]func(Change)),
	}
}

// Get returns a copy of the state stored under key. Reading has no side
// effects, so any conversation can be inspected whether or not it is focused.
func (r *Registry) Get(key string) (conversation.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok {
		return conversation.State{}, false
	}
	return e.state.Clone(), true
}

// Owner returns the token of the session owning key
func (r *Registry) Owner(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok {
		return "", false
	}
	return e.owner, true
}

// Upsert stores state under key and hands ownership to owner
func (r *Registry) Upsert(key, owner string, state conversation.State) {
	r.mu.Lock()
	r.entries[key] = &entry{owner: owner, state: state.Clone()}
	snapshot := state.Clone()
	r.mu.Unlock()

	r.publish(Change{Kind: ChangeUpserted, Key: key, State: snapshot})
}

// Update applies fn to the state under key if owner still owns it. Writes
// from a session that no longer owns the entry are rejected with ErrStaleOwner.
func (r *Registry) Update(key, owner string, fn func(conversation.State) conversation.State) (conversation.State, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return conversation.State{}, ErrNotFound
	}
	if e.owner != owner {
		r.mu.Unlock()
		return conversation.State{}, ErrStaleOwner
	}
	e.state = fn(e.state)
	snapshot := e.state.Clone()
	r.mu.Unlock()

	r.publish(Change{Kind: ChangeUpserted, Key: key, State: snapshot})
	return snapshot, nil
}

// Migrate atomically renames a pending entry to its real conversation key
func (r *Registry) Migrate(pendingKey, realKey string) error {
	if !IsPending(pendingKey) {
		return fmt.Errorf("%w: %s", ErrNotPending, pendingKey)
	}

	r.mu.Lock()
	e, ok := r.entries[pendingKey]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, pendingKey)
	}
	if _, exists := r.entries[realKey]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyExists, realKey)
	}
	delete(r.entries, pendingKey)
	e.state.ConversationID = realKey
	r.entries[realKey] = e
	snapshot := e.state.Clone()
	r.mu.Unlock()

	logger.Slog().Debug("registry entry migrated", "from", pendingKey, "to", realKey)
	r.publish(Change{Kind: ChangeMigrated, Key: realKey, OldKey: pendingKey, State: snapshot})
	return nil
}

// Remove deletes the entry under key and returns its final state. When owner
// is non-empty the entry is only removed if owner still owns it.
func (r *Registry) Remove(key, owner string) (conversation.State, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || (owner != "" && e.owner != owner) {
		r.mu.Unlock()
		return conversation.State{}, false
	}
	delete(r.entries, key)
	final := e.state.Clone()
	r.mu.Unlock()

	r.publish(Change{Kind: ChangeRemoved, Key: key, State: final})
	return final, true
}

// Keys returns all keys currently registered, sorted
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered entries
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribe registers fn to be called after every change. The returned
// function unsubscribes. fn runs on the mutating goroutine and must not
// block.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subscribers, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) publish(c Change) {
	r.subMu.RLock()
	subs := make([]func(Change), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.subMu.RUnlock()

	for _, fn := range subs {
		fn(c)
	}
}
