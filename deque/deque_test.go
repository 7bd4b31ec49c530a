// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package deque

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestOwnerObservesFIFO(t *testing.T) {
	q := New[int](4)

	for i := 0; i < 100; i++ {
		q.Push(i)
	}

	require.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		var v int
		require.True(t, q.Pop(&v))
		require.Equal(t, i, v)
	}

	var v int
	require.False(t, q.Pop(&v))
	require.False(t, q.Steal(&v))
}

func TestGrowthPreservesEntries(t *testing.T) {
	q := New[int](1)

	// Interleave pushes and pops so growth happens with a nonzero head.
	next := 0
	popped := 0
	for round := 0; round < 8; round++ {
		for i := 0; i < 200; i++ {
			q.Push(next)
			next++
		}
		for i := 0; i < 50; i++ {
			var v int
			require.True(t, q.Pop(&v))
			require.Equal(t, popped, v)
			popped++
		}
	}

	for {
		var v int
		if !q.Pop(&v) {
			break
		}
		require.Equal(t, popped, v)
		popped++
	}
	require.Equal(t, next, popped)
}

func TestConcurrentStealsTakeEachEntryOnce(t *testing.T) {
	const (
		entries = 20000
		thieves = 4
	)

	q := New[int](64)

	var wg sync.WaitGroup
	var pushingDone atomic.Bool
	results := make([][]int, thieves+1)

	for i := 0; i <= thieves; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for {
				var v int
				var ok bool
				if slot == 0 {
					ok = q.Pop(&v)
				} else {
					ok = q.Steal(&v)
				}
				if !ok {
					if pushingDone.Load() && q.Len() == 0 {
						return
					}
					continue
				}
				results[slot] = append(results[slot], v)
			}
		}(i)
	}

	for i := 0; i < entries; i++ {
		q.Push(i)
	}
	pushingDone.Store(true)

	wg.Wait()

	seen := make(map[int]int, entries)
	for _, r := range results {
		for _, v := range r {
			seen[v]++
		}
	}
	require.Len(t, seen, entries)
	for v, count := range seen {
		require.Equalf(t, 1, count, "entry %d consumed %d times", v, count)
	}
}

func TestQueueMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := New[int](rapid.IntRange(1, 64).Draw(t, "capacity"))
		var model []int
		next := 0

		t.Repeat(map[string]func(*rapid.T){
			"push": func(t *rapid.T) {
				q.Push(next)
				model = append(model, next)
				next++
			},
			"pop": func(t *rapid.T) {
				var v int
				ok := q.Pop(&v)
				if len(model) == 0 {
					if ok {
						t.Fatalf("popped %d from empty queue", v)
					}
					return
				}
				if !ok {
					t.Fatalf("pop failed with %d entries", len(model))
				}
				if v != model[0] {
					t.Fatalf("popped %d, want %d", v, model[0])
				}
				model = model[1:]
			},
			"steal": func(t *rapid.T) {
				var v int
				ok := q.Steal(&v)
				if len(model) == 0 {
					if ok {
						t.Fatalf("stole %d from empty queue", v)
					}
					return
				}
				if !ok {
					t.Fatalf("steal failed with %d entries", len(model))
				}
				if v != model[0] {
					t.Fatalf("stole %d, want %d", v, model[0])
				}
				model = model[1:]
			},
			"": func(t *rapid.T) {
				if q.Len() != len(model) {
					t.Fatalf("length %d, want %d", q.Len(), len(model))
				}
			},
		})
	})
}
