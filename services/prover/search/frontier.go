// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import "container/heap"

// Frontier is a keyed max-priority queue.
//
// Description:
//
//	Each dedup key is queued at most once. Priorities can be replaced or
//	incremented in place and entries removed by key; the index map and the
//	heap always agree. Among equal priorities the entry queued first pops
//	first.
//
// Thread Safety:
//
//	Not safe for concurrent use.
type Frontier struct {
	items map[string]*entry
	queue entryHeap
	seq   uint64
}

type entry struct {
	key      string
	priority float64
	seq      uint64
	index    int
}

// NewFrontier creates an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{items: make(map[string]*entry)}
}

// Len returns the number of queued keys.
func (f *Frontier) Len() int {
	return len(f.queue)
}

// Contains reports whether key is queued.
func (f *Frontier) Contains(key string) bool {
	_, ok := f.items[key]
	return ok
}

// Priority returns key's current priority.
func (f *Frontier) Priority(key string) (float64, bool) {
	e, ok := f.items[key]
	if !ok {
		return 0, false
	}
	return e.priority, true
}

// Push queues key, or replaces its priority when already queued. A
// replaced entry keeps its original position among ties.
func (f *Frontier) Push(key string, priority float64) {
	if e, ok := f.items[key]; ok {
		e.priority = priority
		heap.Fix(&f.queue, e.index)
		return
	}
	f.seq++
	e := &entry{key: key, priority: priority, seq: f.seq}
	f.items[key] = e
	heap.Push(&f.queue, e)
}

// Add increments a queued key's priority. It returns false, and does
// nothing, when key is not queued.
func (f *Frontier) Add(key string, delta float64) bool {
	e, ok := f.items[key]
	if !ok {
		return false
	}
	e.priority += delta
	heap.Fix(&f.queue, e.index)
	return true
}

// Pop removes and returns the highest priority key.
func (f *Frontier) Pop() (string, float64, bool) {
	if len(f.queue) == 0 {
		return "", 0, false
	}
	e := heap.Pop(&f.queue).(*entry)
	delete(f.items, e.key)
	return e.key, e.priority, true
}

// Remove drops key from the queue.
func (f *Frontier) Remove(key string) bool {
	e, ok := f.items[key]
	if !ok {
		return false
	}
	heap.Remove(&f.queue, e.index)
	delete(f.items, key)
	return true
}

// entryHeap implements heap.Interface.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority == h[j].priority {
		return h[i].seq < h[j].seq
	}
	return h[i].priority > h[j].priority
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
