package rcu

import (
	"sync"
	"testing"
)

type testSet struct {
	Values map[string]int
}

func TestSnapshotLoadReplace(t *testing.T) {
	init := &testSet{Values: map[string]int{"a": 1}}
	snap := NewSnapshot(init)

	if got := snap.Load(); got != init {
		t.Fatalf("Load() returned %p, want %p", got, init)
	}

	next := &testSet{Values: map[string]int{"a": 2, "b": 3}}
	snap.Replace(next)
	got := snap.Load()
	if got != next {
		t.Fatalf("Load() after Replace returned %p, want %p", got, next)
	}
	if got.Values["b"] != 3 {
		t.Fatalf("snapshot value = %d, want 3", got.Values["b"])
	}
}

func TestSnapshotConcurrentReaders(t *testing.T) {
	snap := NewSnapshot(&testSet{Values: map[string]int{"n": 0}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s := snap.Load()
				if s == nil {
					t.Error("Load() returned nil")
					return
				}
			}
		}()
	}
	for i := 1; i <= 100; i++ {
		snap.Replace(&testSet{Values: map[string]int{"n": i}})
	}
	wg.Wait()

	if got := snap.Load().Values["n"]; got != 100 {
		t.Fatalf("final snapshot n = %d, want 100", got)
	}
}
