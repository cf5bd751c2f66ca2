package bridge

import "sync"

// controlCache is the process-local, last-write-wins snapshot of each
// device's most recent control payload. It only enriches run metadata at
// announcement time; it is never a source of correctness and is lost on
// restart. Bounded so a topic scan cannot grow it without limit.
type controlCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]map[string]interface{}
}

func newControlCache(max int) *controlCache {
	if max <= 0 {
		max = 1024
	}
	return &controlCache{
		max:     max,
		entries: make(map[string]map[string]interface{}),
	}
}

func (c *controlCache) Set(deviceID string, payload map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[deviceID]; !ok && len(c.entries) >= c.max {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[deviceID] = payload
}

func (c *controlCache) Get(deviceID string) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[deviceID]
}
