// Package cache provides a small thread-safe LRU cache.
package cache

import "sync"

// LRU is a size-bounded cache with least-recently-used eviction.
type LRU[K comparable, V any] struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[K]*node[K, V]
	head       *node[K, V] // most recently used
	tail       *node[K, V] // least recently used
}

type node[K comparable, V any] struct {
	key   K
	value V
	prev  *node[K, V]
	next  *node[K, V]
}

// NewLRU returns an empty cache holding at most maxEntries entries.
func NewLRU[K comparable, V any](maxEntries int) *LRU[K, V] {
	return &LRU[K, V]{
		maxEntries: maxEntries,
		entries:    make(map[K]*node[K, V]),
	}
}

// Get returns the value cached under key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(n)
	return n.value, true
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.entries[key]; ok {
		n.value = value
		c.moveToFront(n)
		return
	}

	n := &node[K, V]{key: key, value: value}
	c.entries[key] = n
	c.addToFront(n)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *LRU[K, V]) moveToFront(n *node[K, V]) {
	if n == c.head {
		return
	}
	c.remove(n)
	c.addToFront(n)
}

func (c *LRU[K, V]) addToFront(n *node[K, V]) {
	n.next = c.head
	n.prev = nil
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *LRU[K, V]) remove(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
}

func (c *LRU[K, V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
