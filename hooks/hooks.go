// Package hooks provides typed subscriber registries used to fan events out
// to any number of independent listeners.
//
// A subscriber that returns an error or panics is logged and skipped; the
// remaining subscribers still receive the event.
package hooks

import (
	"fmt"
	"log"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
)

// Hook receives one published event.
type Hook[T any] func(event T) error

// HookInfo stores information about a registered hook including its priority
type HookInfo[T any] struct {
	ID       uint64  // Handle returned by Register, used to Unregister
	Name     string  // Name of the hook function
	Hook     Hook[T] // The hook function itself
	Priority int64   // Priority value (lower values run first, like Unix nice)
}

// Registry manages subscribers for a single event type
type Registry[T any] struct {
	mu     sync.RWMutex
	hooks  []HookInfo[T]
	nextID atomic.Uint64
}

// NewRegistry creates a new, empty registry
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		hooks: make([]HookInfo[T], 0),
	}
}

// Register adds a subscriber with default priority (0) and returns its handle
func (r *Registry[T]) Register(hook Hook[T]) uint64 {
	return r.RegisterWithPriority(hook, 0)
}

// Subscribe adds a subscriber that cannot fail
func (r *Registry[T]) Subscribe(fn func(event T)) uint64 {
	return r.Register(func(event T) error {
		fn(event)
		return nil
	})
}

// RegisterWithPriority adds a subscriber with the specified priority.
// Lower priority values run first; equal priorities run in registration order.
func (r *Registry[T]) RegisterWithPriority(hook Hook[T], priority int64) uint64 {
	name := runtime.FuncForPC(reflect.ValueOf(hook).Pointer()).Name()
	id := r.nextID.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = append(r.hooks, HookInfo[T]{
		ID:       id,
		Name:     name,
		Hook:     hook,
		Priority: priority,
	})
	sort.SliceStable(r.hooks, func(i, j int) bool {
		return r.hooks[i].Priority < r.hooks[j].Priority
	})

	return id
}

// Unregister removes the subscriber with the given handle. It reports
// whether a subscriber was removed.
func (r *Registry[T]) Unregister(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, h := range r.hooks {
		if h.ID == id {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers event to every subscriber in priority order.
// It returns the failures keyed by subscriber handle, or nil.
func (r *Registry[T]) Publish(event T) map[uint64]error {
	if r == nil {
		return nil
	}

	// Copy so a subscriber may (un)register without deadlocking
	r.mu.RLock()
	hooks := make([]HookInfo[T], len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	var hookErrors map[uint64]error
	for _, hookInfo := range hooks {
		if err := call(hookInfo, event); err != nil {
			if hookErrors == nil {
				hookErrors = make(map[uint64]error)
			}
			hookErrors[hookInfo.ID] = err
		}
	}
	return hookErrors
}

func call[T any](hookInfo HookInfo[T], event T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC in hook %s: %v", hookInfo.Name, r)
			err = fmt.Errorf("panic in hook %s: %v", hookInfo.Name, r)
		}
	}()

	if err = hookInfo.Hook(event); err != nil {
		log.Printf("ERROR in hook %s: %v", hookInfo.Name, err)
	}
	return err
}

// Clear removes all subscribers
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = make([]HookInfo[T], 0)
}

// Count returns the number of registered subscribers
func (r *Registry[T]) Count() int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.hooks)
}
