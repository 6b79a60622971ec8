package latches

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireLatches(t *testing.T) {
	l := NewLatches()

	wg := l.AcquireLatches([]string{"", "a", "a/42"})
	assert.Nil(t, wg)

	// can only acquire once
	wg = l.AcquireLatches([]string{""})
	assert.NotNil(t, wg)
	wg = l.AcquireLatches([]string{"a/42"})
	assert.NotNil(t, wg)

	// release then acquire is ok
	l.ReleaseLatches([]string{"a", "a/43"})
	wg = l.AcquireLatches([]string{"a"})
	assert.Nil(t, wg)
	wg = l.AcquireLatches([]string{"a/42"})
	assert.NotNil(t, wg)
}

func TestWaitForLatchesBlocksAndRetries(t *testing.T) {
	l := NewLatches()
	assert.Nil(t, l.AcquireLatches([]string{"k"}))

	done := make(chan struct{})
	go func() {
		l.WaitForLatches([]string{"k", "other"})
		l.ReleaseLatches([]string{"k", "other"})
		close(done)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.ReleaseLatches([]string{"k"})
	}()
	wg.Wait()
	<-done
}
