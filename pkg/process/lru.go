package process

import "container/list"

// lruCache memoizes processed chunks keyed by (link, content hash). It is
// purely an optimization: entries may be evicted at any time without
// affecting correctness. Not safe for concurrent use; the Processor's
// lock guards it.
type lruCache struct {
	max   int
	items map[string]*list.Element
	order *list.List
}

type lruEntry struct {
	key string
	val []byte
}

func newLRUCache(max int) *lruCache {
	return &lruCache{
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (c *lruCache) get(key string) ([]byte, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).val, true
}

func (c *lruCache) set(key string, val []byte) {
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*lruEntry).val = val
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, val: val})
	for c.order.Len() > c.max {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.items, back.Value.(*lruEntry).key)
	}
}
