package vm

import "sync"

// ---------------------------------------------------------------------------
// Env: global namespace handle
// ---------------------------------------------------------------------------

// Env is the namespace a closure's free (global) identifiers resolve
// against. Each host context owns its own Env; restoring the same snapshot
// into two different Envs yields closures that see the two different
// namespaces. Envs are safe for concurrent use.
type Env struct {
	mu   sync.RWMutex
	vars map[string]Value
}

// NewEnv creates an empty environment.
func NewEnv() *Env {
	return &Env{vars: make(map[string]Value)}
}

// Define binds a name in the environment.
func (e *Env) Define(name string, v Value) {
	e.mu.Lock()
	e.vars[name] = v
	e.mu.Unlock()
}

// Lookup returns the value bound to name, or false if the name is unbound.
func (e *Env) Lookup(name string) (Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[name]
	return v, ok
}

// Has reports whether a name is bound.
func (e *Env) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.vars[name]
	return ok
}

// Delete removes a binding.
func (e *Env) Delete(name string) {
	e.mu.Lock()
	delete(e.vars, name)
	e.mu.Unlock()
}

// Len returns the number of bindings.
func (e *Env) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.vars)
}
