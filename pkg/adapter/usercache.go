package adapter

import (
	"container/list"
	"sync"
)

// userCache is a bounded LRU of user id → display name. Each adapter
// instance owns its own cache; entries never expire, they are evicted
// least-recently-used once the cache is full.
type userCache struct {
	mu    sync.Mutex
	max   int
	items map[string]*list.Element
	order *list.List
}

type userEntry struct {
	id   string
	name string
}

func newUserCache(max int) *userCache {
	if max <= 0 {
		max = 256
	}
	return &userCache{
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (c *userCache) get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*userEntry).name, true
}

func (c *userCache) put(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		el.Value.(*userEntry).name = name
		c.order.MoveToFront(el)
		return
	}
	c.items[id] = c.order.PushFront(&userEntry{id: id, name: name})
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*userEntry).id)
	}
}

func (c *userCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
