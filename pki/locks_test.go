package pki_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mqttadmin/mosquitto-auth/pki"
	"github.com/stretchr/testify/assert"
)

func TestLocker_Exclusive(t *testing.T) {
	l := pki.NewLocker()

	var active, peak int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(pki.LockBroker)
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
}

func TestLocker_IndependentKeys(t *testing.T) {
	l := pki.NewLocker()
	unlockA := l.Lock(pki.ClientLockKey("alice"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock(pki.ClientLockKey("bob"))
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLocker_SharedReaders(t *testing.T) {
	l := pki.NewLocker()
	unlock1 := l.RLock(pki.LockCA)
	defer unlock1()

	done := make(chan struct{})
	go func() {
		unlock := l.RLock(pki.LockCA)
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked")
	}
}

func TestLocker_WriterWaitsForReaders(t *testing.T) {
	l := pki.NewLocker()
	unlockR := l.RLock(pki.LockCA)

	acquired := make(chan struct{})
	go func() {
		unlock := l.Lock(pki.LockCA)
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired while a reader held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlockR()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired")
	}
}
