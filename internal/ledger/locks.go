package ledger

import (
	"slices"
	"sync"
)

// LockManager hands out exclusive locks on named resources (account paths,
// record ids, counters). Locks are always taken in sorted order so two
// operations with overlapping resource sets cannot deadlock.
type LockManager struct {
	locks sync.Map // string -> *sync.Mutex
}

func NewLockManager() *LockManager {
	return &LockManager{}
}

// Acquire blocks until every named resource is held and returns a release
// function. Duplicate names are collapsed.
func (lm *LockManager) Acquire(names ...string) (release func()) {
	keys := slices.Clone(names)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := lm.mutex(k)
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (lm *LockManager) mutex(name string) *sync.Mutex {
	if m, ok := lm.locks.Load(name); ok {
		return m.(*sync.Mutex)
	}
	m, _ := lm.locks.LoadOrStore(name, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// LockName returns the resource name used to serialize access to an account.
func (k AccountKey) LockName() string {
	return "account:" + k.AccountPath()
}
