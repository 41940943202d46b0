package spin

import (
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/smpcore/internal/assert"
)

func TestAcquireRelease(t *testing.T) {
	var l Lock

	l.Acquire(3)
	if !l.Held() {
		t.Fatalf("lock not held after acquire")
	}
	if got := l.Holder(); got != 3 {
		t.Fatalf("holder = %d, want 3", got)
	}

	l.Release()
	if l.Held() {
		t.Fatalf("lock held after release")
	}
	if got := l.Holder(); got != NoOwner {
		t.Fatalf("holder = %d after release, want NoOwner", got)
	}
}

func TestTryAcquire(t *testing.T) {
	var l Lock

	if !l.TryAcquire(0) {
		t.Fatalf("try-acquire of free lock failed")
	}
	if l.TryAcquire(1) {
		t.Fatalf("try-acquire of held lock succeeded")
	}
	l.Release()
	if !l.TryAcquire(1) {
		t.Fatalf("try-acquire after release failed")
	}
	l.Release()
}

func TestContendedAcquireCompletes(t *testing.T) {
	var l Lock
	l.Acquire(0)

	acquired := make(chan struct{})
	go func() {
		l.Acquire(1)
		close(acquired)
		l.Release()
	}()

	select {
	case <-acquired:
		t.Fatalf("contender acquired a held lock")
	case <-time.After(10 * time.Millisecond):
	}

	l.Release()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatalf("contender never acquired after release")
	}
}

func TestMutualExclusion(t *testing.T) {
	var l Lock
	counter := 0

	var wg sync.WaitGroup
	for owner := int32(0); owner < 8; owner++ {
		wg.Add(1)
		go func(owner int32) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				l.Acquire(owner)
				counter++
				l.Release()
			}
		}(owner)
	}
	wg.Wait()

	if counter != 8000 {
		t.Fatalf("counter = %d, want 8000", counter)
	}
}

func TestRecursionAssertion(t *testing.T) {
	assert.SetEnabled(true)
	defer assert.SetEnabled(false)

	var l Lock
	l.Acquire(2)
	defer l.Release()

	defer func() {
		if recover() == nil {
			t.Fatalf("recursive acquire did not trip the assertion")
		}
	}()
	l.Acquire(2)
}

func TestReleaseUnheldAssertion(t *testing.T) {
	assert.SetEnabled(true)
	defer assert.SetEnabled(false)

	var l Lock
	defer func() {
		if recover() == nil {
			t.Fatalf("release of unheld lock did not trip the assertion")
		}
	}()
	l.Release()
}
