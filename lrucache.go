/*
Modifications Copyright 2018-2024 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

This work is derived from github.com/golang/groupcache/lru
*/

package policygate

import (
	"container/heap"
	"sort"
	"sync/atomic"
)

// lruIndex decides which cache entry is evicted next. Readers record an
// access by storing a new sequence number on the entry, without any lock.
// The index keeps the sequence it last saw for each entry and catches up
// lazily when an entry reaches the top of the heap, so the victim is always
// the entry with the lowest current sequence.
// Not thread-safe. The ObjectCache guards it with lruMu.
type lruIndex struct {
	items   map[string]*lruItem
	heap    lruHeap
	maxSize int
	size    int64
}

type lruItem struct {
	entry *cacheEntry
	// entry.lastUsed when the item was last positioned in the heap
	seq   int64
	index int
}

type lruHeap []*lruItem

func (h lruHeap) Len() int           { return len(h) }
func (h lruHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h lruHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *lruHeap) Push(x interface{}) {
	item := x.(*lruItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *lruHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func newLRUIndex(maxSize int) *lruIndex {
	return &lruIndex{
		items:   make(map[string]*lruItem),
		maxSize: maxSize,
	}
}

// Add indexes e, replacing any entry with the same key, and returns the keys
// which must be evicted to keep the index within maxSize. The key just added
// is never returned.
func (c *lruIndex) Add(e *cacheEntry) []string {
	if item, ok := c.items[e.key]; ok {
		item.entry = e
		item.seq = e.lastUse()
		heap.Fix(&c.heap, item.index)
		return nil
	}

	added := &lruItem{entry: e, seq: e.lastUse()}
	c.items[e.key] = added
	heap.Push(&c.heap, added)

	var evicted []string
	var skipped *lruItem
	for c.maxSize != 0 && len(c.items) > c.maxSize && c.heap.Len() != 0 {
		oldest := c.heap[0]
		if seq := oldest.entry.lastUse(); seq != oldest.seq {
			oldest.seq = seq
			heap.Fix(&c.heap, 0)
			continue
		}
		if oldest == added {
			skipped = heap.Pop(&c.heap).(*lruItem)
			continue
		}
		heap.Pop(&c.heap)
		delete(c.items, oldest.entry.key)
		evicted = append(evicted, oldest.entry.key)
	}
	if skipped != nil {
		heap.Push(&c.heap, skipped)
	}
	atomic.StoreInt64(&c.size, int64(len(c.items)))
	return evicted
}

// Remove removes the provided key from the index.
func (c *lruIndex) Remove(key string) {
	if item, ok := c.items[key]; ok {
		heap.Remove(&c.heap, item.index)
		delete(c.items, key)
		atomic.StoreInt64(&c.size, int64(len(c.items)))
	}
}

// Keys returns the keys from least to most recently used.
func (c *lruIndex) Keys() []string {
	items := make([]*lruItem, 0, len(c.items))
	for _, item := range c.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.lastUse() < items[j].entry.lastUse()
	})
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.entry.key
	}
	return keys
}

// Size returns the number of keys in the index. Safe to call without holding
// the lock.
func (c *lruIndex) Size() int64 {
	return atomic.LoadInt64(&c.size)
}
