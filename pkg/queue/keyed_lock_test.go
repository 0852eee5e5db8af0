package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	locks := NewKeyedMutex()

	const goroutines = 32
	const iterations = 50
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				locks.Lock("card-1")
				counter++
				locks.Unlock("card-1")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*iterations, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	locks := NewKeyedMutex()
	locks.Lock("a")

	done := make(chan struct{})
	go func() {
		locks.Lock("b")
		locks.Unlock("b")
		close(done)
	}()
	<-done // must not deadlock while "a" is held

	locks.Unlock("a")
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	locks := NewKeyedMutex()
	for i := 0; i < 10; i++ {
		locks.Lock("k")
		locks.Unlock("k")
	}
	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.entries)
}
