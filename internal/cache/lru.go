// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package cache provides the bounded LRU set used for event deduplication
// at poll boundaries. Capacity-bounded with TTL, O(1) for every operation.
package cache

import (
	"sync"
	"time"
)

// lruEntry is one node of the doubly-linked recency list.
type lruEntry struct {
	key       string
	addedAt   time.Time
	expiresAt time.Time
	prev      *lruEntry
	next      *lruEntry
}

// LRU is a thread-safe least-recently-used set with TTL. When capacity is
// reached the least recently added key is evicted; expired keys are
// dropped lazily on access.
type LRU struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*lruEntry

	// head.next is the most recent entry, tail.prev the least recent.
	head *lruEntry
	tail *lruEntry
}

// NewLRU creates an LRU set. A non-positive capacity defaults to 1024; a
// non-positive ttl means entries never expire by age.
func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 1024
	}
	c := &LRU{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruEntry, capacity),
		head:     &lruEntry{},
		tail:     &lruEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Add records key as seen, refreshing recency and TTL if already present.
// Evicts the least recent entry when over capacity.
func (c *LRU) Add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.items[key]; ok {
		entry.addedAt = now
		entry.expiresAt = c.deadline(now)
		c.moveToFront(entry)
		return
	}

	entry := &lruEntry{key: key, addedAt: now, expiresAt: c.deadline(now)}
	c.items[key] = entry
	c.pushFront(entry)

	if len(c.items) > c.capacity {
		oldest := c.tail.prev
		c.remove(oldest)
	}
}

// Contains reports whether key is present and unexpired.
func (c *LRU) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.remove(entry)
		return false
	}
	return true
}

// Seen atomically checks-and-marks key: it returns true when key was
// already present, and records it otherwise. This is the dedup primitive;
// two concurrent calls for the same key admit it exactly once.
func (c *LRU) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.items[key]; ok {
		if entry.expiresAt.IsZero() || now.Before(entry.expiresAt) {
			c.moveToFront(entry)
			return true
		}
		c.remove(entry)
	}

	entry := &lruEntry{key: key, addedAt: now, expiresAt: c.deadline(now)}
	c.items[key] = entry
	c.pushFront(entry)
	if len(c.items) > c.capacity {
		c.remove(c.tail.prev)
	}
	return false
}

// Len returns the number of entries, including any not yet lazily expired.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Purge drops every entry.
func (c *LRU) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*lruEntry, c.capacity)
	c.head.next = c.tail
	c.tail.prev = c.head
}

func (c *LRU) deadline(now time.Time) time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(c.ttl)
}

func (c *LRU) pushFront(entry *lruEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *LRU) moveToFront(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.pushFront(entry)
}

func (c *LRU) remove(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
}
