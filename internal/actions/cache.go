package actions

import (
	"container/list"
	"sync"
	"time"
)

// resultCache is an LRU of resolved action lists. Each entry carries a wall
// clock expiry (TTL) and a logical validity window over ViewingContext.Now:
// an entry computed at instant T stays correct for any now in [T, until).
type resultCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
	clock   func() time.Time
}

type cacheItem struct {
	key       string
	value     []Action
	expiresAt time.Time
	validFrom time.Time
	// validUntil is zero when no time predicate can flip.
	validUntil time.Time
}

func newResultCache(maxSize int, ttl time.Duration, clock func() time.Time) *resultCache {
	if clock == nil {
		clock = time.Now
	}
	return &resultCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   clock,
	}
}

// get returns a copy of the cached list if it is fresh and valid at now.
func (c *resultCache) get(key string, now time.Time) ([]Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if c.clock().After(item.expiresAt) {
		c.removeElement(elem)
		return nil, false
	}
	if now.Before(item.validFrom) {
		return nil, false
	}
	if !item.validUntil.IsZero() && !now.Before(item.validUntil) {
		return nil, false
	}

	c.lru.MoveToFront(elem)
	return copyActions(item.value), true
}

func (c *resultCache) set(key string, value []Action, validFrom, validUntil time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.value = copyActions(value)
		item.expiresAt = expiresAt
		item.validFrom = validFrom
		item.validUntil = validUntil
		return
	}

	elem := c.lru.PushFront(&cacheItem{
		key:        key,
		value:      copyActions(value),
		expiresAt:  expiresAt,
		validFrom:  validFrom,
		validUntil: validUntil,
	})
	c.items[key] = elem

	if c.lru.Len() > c.maxSize {
		c.removeElement(c.lru.Back())
	}
	if c.lru.Len()%100 == 0 {
		c.cleanExpired()
	}
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.lru = list.New()
}

func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *resultCache) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*cacheItem).key)
}

func (c *resultCache) cleanExpired() {
	now := c.clock()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*cacheItem).expiresAt) {
			c.removeElement(elem)
		}
		elem = prev
	}
}

func copyActions(in []Action) []Action {
	out := make([]Action, len(in))
	copy(out, in)
	return out
}
