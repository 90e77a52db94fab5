package session

import (
	"sync"
)

// State is the lifecycle position of one namespace.
type State string

const (
	Uninitialized  State = "uninitialized"
	NamespaceReady State = "namespace_ready"
	ProxyActive    State = "proxy_active"
	TornDown       State = "torn_down"
)

// entry is the in-process view of one namespace. op serializes every lifecycle call for it; state and pid are
// guarded by the registry lock. pending is only touched by the op holder.
type entry struct {
	op      sync.Mutex
	state   State
	pid     string
	pending []<-chan struct{}
}

// registry hands out one entry per namespace. Entries are never removed so a namespace always maps to the same
// mutex.
type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// acquire returns the entry of namespace with its op lock held. Callers must call release.
func (r *registry) acquire(namespace string) *entry {
	r.mu.Lock()
	e, ok := r.entries[namespace]
	if !ok {
		e = &entry{state: Uninitialized}
		r.entries[namespace] = e
	}
	r.mu.Unlock()

	e.op.Lock()
	return e
}

// release gives up the op lock of e. When the holder abandoned operations that are still running the lock is
// handed to a waiter and freed only after they have all exited.
func (r *registry) release(e *entry) {
	pending := e.pending
	e.pending = nil
	if len(pending) == 0 {
		e.op.Unlock()
		return
	}
	go func() {
		for _, done := range pending {
			<-done
		}
		e.op.Unlock()
	}()
}

// hold keeps e locked past release until done is closed.
func (r *registry) hold(e *entry, done <-chan struct{}) {
	e.pending = append(e.pending, done)
}

func (r *registry) set(e *entry, state State, pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.state = state
	e.pid = pid
}

// lookup returns the state and pid of namespace and whether it is tracked at all.
func (r *registry) lookup(namespace string) (State, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[namespace]
	if !ok {
		return Uninitialized, "", false
	}
	return e.state, e.pid, true
}

// snapshot returns every namespace that has left Uninitialized in this process.
func (r *registry) snapshot() map[string]Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Session, len(r.entries))
	for name, e := range r.entries {
		if e.state == Uninitialized {
			continue
		}
		out[name] = Session{Namespace: name, State: e.state, PID: e.pid}
	}
	return out
}

func (r *registry) countActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.state == ProxyActive {
			n++
		}
	}
	return n
}
