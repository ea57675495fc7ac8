// Package imagecache keeps the last few attached images per chat so
// vision models can follow up on an image the user did not re-attach.
package imagecache

import "sync"

// Cache is a bounded FIFO of base64 image payloads keyed by chat
// identifier. Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	max    int
	images map[string][]string
}

// NewCache creates a cache holding at most max images per chat.
func NewCache(max int) *Cache {
	if max <= 0 {
		max = 2
	}
	return &Cache{
		max:    max,
		images: make(map[string][]string),
	}
}

// Store appends an image and evicts the oldest entries beyond the cap.
func (c *Cache) Store(chatID, imageBase64 string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := append(c.images[chatID], imageBase64)
	if len(entries) > c.max {
		entries = entries[len(entries)-c.max:]
	}
	c.images[chatID] = entries
}

// Recent returns the cached images for a chat, most-recent-last.
func (c *Cache) Recent(chatID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := c.images[chatID]
	out := make([]string, len(stored))
	copy(out, stored)
	return out
}

// Latest returns the most recently stored image, if any.
func (c *Cache) Latest(chatID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := c.images[chatID]
	if len(stored) == 0 {
		return "", false
	}
	return stored[len(stored)-1], true
}

// Clear removes all cached images for a chat and reports whether any existed.
func (c *Cache) Clear(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.images[chatID]
	delete(c.images, chatID)
	return ok
}

// Size returns the number of chats with cached images.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.images)
}

// Keys returns the chat identifiers with cached images.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.images))
	for k := range c.images {
		keys = append(keys, k)
	}
	return keys
}
