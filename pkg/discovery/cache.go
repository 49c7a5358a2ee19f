package discovery

import "sync"

type cacheEntry struct {
	hash   string
	parsed *AgentFile
}

// parseCache memoizes parsed agent files by absolute path. A hash change
// invalidates the entry, so editors that rewrite files in place are caught
// even when timestamps lie.
type parseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newParseCache() *parseCache {
	return &parseCache{entries: make(map[string]cacheEntry)}
}

// get returns the cached parse when the hash still matches.
func (c *parseCache) get(path, hash string) (*AgentFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	if !ok || entry.hash != hash {
		return nil, false
	}
	return entry.parsed, true
}

func (c *parseCache) put(path, hash string, parsed *AgentFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cacheEntry{hash: hash, parsed: parsed}
}

func (c *parseCache) drop(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}
