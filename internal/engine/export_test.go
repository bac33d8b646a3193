package engine

// LimiterCount exposes the number of live throttle buckets to tests.
func (e *Engine) LimiterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.limiters)
}
