package ctsync_test

import (
	"sync"
	"testing"

	"ctsync/internal/ctsync"
)

func TestKeyLocker(t *testing.T) {
	l := ctsync.NewKeyLocker()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  = map[string]int{}
		overlap bool
	)
	for i := 0; i < 20; i++ {
		key := "article"
		if i%2 == 0 {
			key = "page"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(key)
			defer unlock()

			mu.Lock()
			active[key]++
			if active[key] > 1 {
				overlap = true
			}
			mu.Unlock()

			mu.Lock()
			active[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if overlap {
		t.Error("two goroutines held the same key at once")
	}
	if n := l.Held(); n != 0 {
		t.Errorf("Held() = %d after all unlocks, want 0", n)
	}
}

func TestKeyLocker_IndependentKeys(t *testing.T) {
	l := ctsync.NewKeyLocker()
	unlockA := l.Lock("article")
	unlockB := l.Lock("page")
	if n := l.Held(); n != 2 {
		t.Errorf("Held() = %d, want 2", n)
	}
	unlockA()
	unlockB()
	if n := l.Held(); n != 0 {
		t.Errorf("Held() = %d, want 0", n)
	}
}
