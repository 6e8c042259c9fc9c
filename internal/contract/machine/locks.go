package machine

import "sync"

// lockTable hands out per-contract exclusive sections. Entries are
// reference counted so idle contracts hold no memory.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	refs int
	mu   sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the contract's exclusive section is held and
// returns the release func.
func (t *lockTable) acquire(contractID string) func() {
	t.mu.Lock()
	entry, ok := t.entries[contractID]
	if !ok {
		entry = &lockEntry{}
		t.entries[contractID] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			t.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(t.entries, contractID)
			}
			t.mu.Unlock()
		})
	}
}

// quarantineSet tracks contracts whose writes are halted.
type quarantineSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newQuarantineSet() *quarantineSet {
	return &quarantineSet{ids: make(map[string]struct{})}
}

func (q *quarantineSet) add(contractID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids[contractID] = struct{}{}
}

func (q *quarantineSet) has(contractID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[contractID]
	return ok
}
