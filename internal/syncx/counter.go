package syncx

import "context"

// Counter is an integer guarded by a Mutex offering "increment if below limit".
type Counter struct {
	mu    *Mutex
	value int
}

// NewCounter returns a counter starting at init.
func NewCounter(init int) *Counter {
	return &Counter{mu: NewMutex(), value: init}
}

func (c *Counter) lock() {
	// Background never cancels, so Lock cannot fail.
	_ = c.mu.Lock(context.Background())
}

// CompareInc increments only while the value is strictly below limit and reports whether
// the increment was admitted. A counter therefore admits at most limit units.
func (c *Counter) CompareInc(limit int) bool {
	c.lock()
	defer c.mu.Unlock()
	if c.value < limit {
		c.value++
		return true
	}
	return false
}

// Inc increments unconditionally.
func (c *Counter) Inc() {
	c.lock()
	c.value++
	c.mu.Unlock()
}

// Dec decrements unconditionally; it rolls back an admitted increment.
func (c *Counter) Dec() {
	c.lock()
	c.value--
	c.mu.Unlock()
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.lock()
	defer c.mu.Unlock()
	return c.value
}
