package ftl

import "sync"

// latch is a thin RWMutex wrapper used for every lock this package names
// explicitly in its concurrency model (ap.lock, pool.lock, block.lock).
// Giving it a name rather than embedding sync.RWMutex directly keeps the
// lock-order comments in each struct meaningful at a glance.
type latch struct {
	mu sync.RWMutex
}

func (l *latch) Lock()    { l.mu.Lock() }
func (l *latch) Unlock()  { l.mu.Unlock() }
func (l *latch) RLock()   { l.mu.RLock() }
func (l *latch) RUnlock() { l.mu.RUnlock() }
