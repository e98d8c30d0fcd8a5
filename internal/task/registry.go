package task

import (
	"errors"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/ocx/bridge/internal/identity"
)

// ErrDuplicateID rejects a submission reusing a live task id.
var ErrDuplicateID = errors.New("task id already in use")

// Canceller terminates the child process attached to a task, reporting
// whether one was found. The executor implements it.
type Canceller interface {
	Cancel(taskID string) bool
}

// Registry tracks every task through its life: pending with an owner while
// the executor runs it, completed with a TTL once a result lands, absent
// after expiry. Completion fans out to one-shot listeners (long-poll
// waiters) in registration order, then to the task's push channel if a
// WebSocket registered one.
type Registry struct {
	mu        sync.Mutex
	pending   map[string]Task
	owners    map[string]string
	listeners map[string][]chan Result
	push      map[string]func(Result)

	completed *cache.Cache
	canceller Canceller
}

// NewRegistry builds a registry whose completed entries live for resultTTL
// and are swept every sweepInterval.
func NewRegistry(resultTTL, sweepInterval time.Duration, canceller Canceller) *Registry {
	r := &Registry{
		pending:   make(map[string]Task),
		owners:    make(map[string]string),
		listeners: make(map[string][]chan Result),
		push:      make(map[string]func(Result)),
		completed: cache.New(resultTTL, sweepInterval),
		canceller: canceller,
	}
	// Owner mappings leave in the same step as the completed entry.
	r.completed.OnEvicted(func(id string, _ interface{}) {
		r.mu.Lock()
		delete(r.owners, id)
		r.mu.Unlock()
	})
	return r
}

// Register inserts a pending task and records its owner.
func (r *Registry) Register(t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[t.ID]; exists {
		return ErrDuplicateID
	}
	if _, exists := r.completed.Get(t.ID); exists {
		return ErrDuplicateID
	}
	r.pending[t.ID] = t
	r.owners[t.ID] = t.ClientID
	return nil
}

// Complete moves a pending task to completed and fans the result out. A
// second call for the same id is a no-op; only the flow that owns the
// subprocess calls it.
func (r *Registry) Complete(id string, res Result) {
	r.mu.Lock()
	if _, ok := r.pending[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	r.completed.Set(id, res, cache.DefaultExpiration)
	waiters := r.listeners[id]
	delete(r.listeners, id)
	pushFn := r.push[id]
	delete(r.push, id)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
	if pushFn != nil {
		pushFn(res)
	}
}

// AwaitResult registers a one-shot listener for id. A result that already
// landed is delivered immediately, so callers may attach after execution
// has started without racing a fast completion. The returned cancel
// deregisters the listener; completion racing the cancel is safe because
// the channel is buffered and sent to at most once.
func (r *Registry) AwaitResult(id string) (<-chan Result, func()) {
	ch := make(chan Result, 1)
	r.mu.Lock()
	if _, pending := r.pending[id]; !pending {
		// Completion, if any, has already run its critical section.
		r.mu.Unlock()
		if res, ok := r.GetCompletedFresh(id); ok {
			ch <- res
		}
		return ch, func() {}
	}
	r.listeners[id] = append(r.listeners[id], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		ls := r.listeners[id]
		for i, c := range ls {
			if c == ch {
				r.listeners[id] = append(ls[:i], ls[i+1:]...)
				break
			}
		}
		if len(r.listeners[id]) == 0 {
			delete(r.listeners, id)
		}
	}
	return ch, cancel
}

// SetPush attaches the WebSocket delivery function for id. It fires once,
// after the listeners, and is cleared by Complete. If the result already
// landed the function fires immediately instead.
func (r *Registry) SetPush(id string, fn func(Result)) {
	r.mu.Lock()
	if _, pending := r.pending[id]; pending {
		r.push[id] = fn
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if res, ok := r.GetCompletedFresh(id); ok {
		fn(res)
	}
}

// DropPush detaches a push channel, for sockets that close early.
func (r *Registry) DropPush(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.push, id)
}

// GetPending returns the task if it is still running.
func (r *Registry) GetPending(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pending[id]
	return t, ok
}

// GetCompletedFresh returns the result if it exists and has not expired.
func (r *Registry) GetCompletedFresh(id string) (Result, bool) {
	v, ok := r.completed.Get(id)
	if !ok {
		return Result{}, false
	}
	return v.(Result), true
}

// Owner returns the identity that submitted id.
func (r *Registry) Owner(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	return owner, ok
}

// AllowedToAccess reports whether caller may poll or cancel id. The owner
// may, as may anyone asserting the owner's identity via x-client-did;
// anonymous submissions have no owner to enforce.
func (r *Registry) AllowedToAccess(id, callerID, assertedDID string) bool {
	owner, ok := r.Owner(id)
	if !ok {
		return false
	}
	if owner == identity.Anonymous || owner == callerID {
		return true
	}
	return assertedDID != "" && owner == assertedDID
}

// Cancel signals the child for id and, when one was found, removes the
// pending record. It does not wait for the child to die.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	_, pending := r.pending[id]
	r.mu.Unlock()
	if !pending {
		return false
	}
	if !r.canceller.Cancel(id) {
		return false
	}
	r.mu.Lock()
	delete(r.pending, id)
	delete(r.owners, id)
	delete(r.listeners, id)
	delete(r.push, id)
	r.mu.Unlock()
	return true
}

// Sweep evicts expired completed entries now. The cache janitor does the
// same on its own schedule; shutdown calls this for a deterministic final
// pass.
func (r *Registry) Sweep() {
	r.completed.DeleteExpired()
}

// InFlight counts pending tasks, for the drain coordinator.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PendingIDs snapshots the ids still running.
func (r *Registry) PendingIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	return ids
}
