// Package hooking lets observers attach to the register file, the TLP engine,
// the link trainer and the owned bridge state without those components
// knowing who is listening.
package hooking

import (
	"log"
	"sync"
)

// HookPos names a site at which a hook can be triggered.
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// PosFilter wraps a hook so that it only fires at the listed positions.
func PosFilter(hook Hook, positions ...*HookPos) Hook {
	return &posFilter{inner: hook, positions: positions}
}

type posFilter struct {
	inner     Hook
	positions []*HookPos
}

func (f *posFilter) Func(ctx HookCtx) {
	for _, p := range f.positions {
		if p == ctx.Pos {
			f.inner.Func(ctx)
			return
		}
	}
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface. Hooks may be registered and invoked from different
// goroutines.
type HookableBase struct {
	lock     sync.RWMutex
	hookList []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return len(h.hookList)
}

// Hooks returns all the hooks registered.
func (h *HookableBase) Hooks() []Hook {
	h.lock.RLock()
	defer h.lock.RUnlock()

	hooks := make([]Hook, len(h.hookList))
	copy(hooks, h.hookList)

	return hooks
}

// AcceptHook register a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.lock.Lock()
	defer h.lock.Unlock()

	// Function hooks are not comparable.
	if _, isFunc := hook.(HookFunc); !isFunc {
		for _, existing := range h.hookList {
			if existing == hook {
				log.Panic("duplicated hook")
			}
		}
	}

	h.hookList = append(h.hookList, hook)
}

// InvokeHook triggers the register Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	h.lock.RLock()
	hooks := h.hookList
	h.lock.RUnlock()

	for _, hook := range hooks {
		hook.Func(ctx)
	}
}
