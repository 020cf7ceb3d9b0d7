package keylock

import (
	"sync"
	"testing"
)

func TestSerializesPerKey(t *testing.T) {
	var m Map
	var mu sync.Mutex
	counters := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				m.Lock(key)
				defer m.Unlock(key)
				mu.Lock()
				counters[key]++
				mu.Unlock()
			}(key)
		}
	}
	wg.Wait()
	if counters["a"] != 50 || counters["b"] != 50 {
		t.Errorf("counters = %v, want 50 each", counters)
	}
}

func TestUnlockUnheldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Unlock of unheld key did not panic")
		}
	}()
	var m Map
	m.Unlock("nope")
}
