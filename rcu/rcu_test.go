package rcu

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSynchronizeWaitsForActiveReaders(t *testing.T) {
	d := NewDomain()
	g := d.Enter(0)

	reclaimed := false
	d.Defer(func() { reclaimed = true })

	done := make(chan struct{})
	go func() {
		d.Synchronize()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Synchronize returned before the active reader exited")
	case <-time.After(20 * time.Millisecond):
	}

	g.Exit()
	<-done
	require.True(t, reclaimed)
}

func TestSynchronizeWithNoReaders(t *testing.T) {
	d := NewDomain()
	ran := false
	d.Defer(func() { ran = true })
	d.Synchronize()
	require.True(t, ran)
}

func TestConcurrentReadersAndSynchronize(t *testing.T) {
	d := NewDomain()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				g := d.Enter(tid)
				time.Sleep(time.Microsecond)
				g.Exit()
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		d.Synchronize()
	}
	wg.Wait()
}
