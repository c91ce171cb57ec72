package store

import (
	"sync"

	"github.com/kilnvm/kiln/vm"
)

// restoreCall is one in-flight restore of a key. done is closed after
// cl and err are final.
type restoreCall struct {
	env  *vm.Env
	done chan struct{}

	cl  *vm.Closure
	err error
}

// inflightTable tracks at most one running restore per key.
type inflightTable struct {
	mu    sync.Mutex
	calls map[string]*restoreCall
}

// join returns the call registered for key. The second result is true
// when the caller registered it and must run the restore; false means
// another goroutine holds the slot and the caller should wait on done.
func (t *inflightTable) join(key string, env *vm.Env) (*restoreCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls == nil {
		t.calls = make(map[string]*restoreCall)
	}
	if call, ok := t.calls[key]; ok {
		return call, false
	}
	call := &restoreCall{env: env, done: make(chan struct{})}
	t.calls[key] = call
	return call, true
}

// finish releases the slot and wakes waiters. The slot is cleared
// before done is closed so a waiter that retries finds it free.
func (t *inflightTable) finish(key string, call *restoreCall) {
	t.mu.Lock()
	delete(t.calls, key)
	t.mu.Unlock()
	close(call.done)
}
