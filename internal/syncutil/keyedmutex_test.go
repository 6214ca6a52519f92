package syncutil

import (
	"fmt"
	"sync"
	"testing"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	var km KeyedMutex
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("ORD-AABBCCDD")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100 increments, got %d", counter)
	}
}

func TestKeyedMutex_ManyKeys(t *testing.T) {
	var km KeyedMutex
	counters := make([]int, 32)

	var wg sync.WaitGroup
	for k := 0; k < 32; k++ {
		key := fmt.Sprintf("ORD-%08X", k)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(k int) {
				defer wg.Done()
				unlock := km.Lock(key)
				defer unlock()
				counters[k]++
			}(k)
		}
	}
	wg.Wait()

	for k, c := range counters {
		if c != 50 {
			t.Errorf("key %d: expected 50 increments, got %d", k, c)
		}
	}
}
