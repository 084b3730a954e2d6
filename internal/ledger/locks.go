package ledger

import "sync"

// lockMap hands out one mutex per account. Entries are dropped once no
// goroutine holds or waits on them.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[string]*accountLock)}
}

// lock blocks until the account is free and returns its release func.
func (m *lockMap) lock(accountID string) func() {
	m.mu.Lock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &accountLock{}
		m.locks[accountID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, accountID)
		}
		m.mu.Unlock()
	}
}

// size is the number of live account locks.
func (m *lockMap) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
