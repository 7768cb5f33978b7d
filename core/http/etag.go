package http

import (
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type etagEntry struct {
	size  int64
	mtime int64
	tag   string
}

// ETagCache memoizes per-path ETags so the content hash is computed once per
// file version. Entries are invalidated when size or mtime changes.
type ETagCache struct {
	mu      sync.RWMutex
	entries map[string]etagEntry
}

// NewETagCache creates an empty cache.
func NewETagCache() *ETagCache {
	return &ETagCache{entries: make(map[string]etagEntry)}
}

// Tag returns the ETag for path, hashing data only on a miss.
func (c *ETagCache) Tag(path string, st os.FileInfo, data []byte) string {
	size := st.Size()
	mtime := st.ModTime().UnixNano()

	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && e.size == size && e.mtime == mtime {
		return e.tag
	}

	tag := fmt.Sprintf("\"%x-%x\"", size, xxhash.Sum64(data))
	c.mu.Lock()
	c.entries[path] = etagEntry{size: size, mtime: mtime, tag: tag}
	c.mu.Unlock()
	return tag
}

// Len returns the number of cached entries.
func (c *ETagCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
