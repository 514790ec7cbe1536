package allocator

import (
	"sync"
	"sync/atomic"
)

// mutex is a thin wrapper around sync.Mutex that additionally exposes
// IsLocked for tests and assertions, in the style of the runtime's own
// Mutex/RWMutex wrappers. It carries no fairness guarantee beyond what
// sync.Mutex itself provides, matching spec.md §5 ("bare spin/mutex with
// no fairness guarantees required beyond 'does not starve indefinitely'").
type mutex struct {
	mu     sync.Mutex
	locked int32
}

func (m *mutex) Lock() {
	m.mu.Lock()
	atomic.StoreInt32(&m.locked, 1)
}

func (m *mutex) Unlock() {
	atomic.StoreInt32(&m.locked, 0)
	m.mu.Unlock()
}

func (m *mutex) IsLocked() bool {
	return atomic.LoadInt32(&m.locked) == 1
}
