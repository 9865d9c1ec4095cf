package flavor

import "sync"

// Chan implements every primitive with channels only, the way a runtime
// without futexes or semaphores would have to.
type Chan struct{}

func (Chan) Name() string               { return "chan" }
func (Chan) NewMutex() sync.Locker      { return newChanMutex() }
func (Chan) NewRWMutex() RWLocker       { return newChanRWMutex() }
func (Chan) NewCond(l sync.Locker) Cond { return &chanCond{l: l, mu: newChanMutex()} }
func (Chan) Close() error               { return nil }

// chanMutex holds a single token; whoever took it holds the lock.
type chanMutex struct {
	ch chan struct{}
}

func newChanMutex() *chanMutex {
	m := &chanMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}

	return m
}

func (m *chanMutex) Lock() {
	<-m.ch
}

func (m *chanMutex) Unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("flavor: unlock of unlocked chan mutex")
	}
}

// chanRWMutex lets the first reader take the writer token on behalf of all
// readers and the last reader give it back. r guards the reader count.
type chanRWMutex struct {
	w       chan struct{}
	r       chan struct{}
	readers int
}

func newChanRWMutex() *chanRWMutex {
	rw := &chanRWMutex{
		w: make(chan struct{}, 1),
		r: make(chan struct{}, 1),
	}
	rw.w <- struct{}{}
	rw.r <- struct{}{}

	return rw
}

func (rw *chanRWMutex) Lock() {
	<-rw.w
}

func (rw *chanRWMutex) Unlock() {
	select {
	case rw.w <- struct{}{}:
	default:
		panic("flavor: unlock of unlocked chan rwmutex")
	}
}

func (rw *chanRWMutex) RLock() {
	<-rw.r
	if rw.readers == 0 {
		<-rw.w
	}
	rw.readers++
	rw.r <- struct{}{}
}

func (rw *chanRWMutex) RUnlock() {
	<-rw.r
	if rw.readers == 0 {
		rw.r <- struct{}{}
		panic("flavor: runlock of unlocked chan rwmutex")
	}
	rw.readers--
	if rw.readers == 0 {
		rw.w <- struct{}{}
	}
	rw.r <- struct{}{}
}

// chanCond queues one channel per waiter. A waiter enqueues itself before
// releasing l, so a notifier that holds l afterwards always sees it.
type chanCond struct {
	l       sync.Locker
	mu      *chanMutex
	waiters []chan struct{}
}

func (c *chanCond) Wait() {
	wake := make(chan struct{})

	c.mu.Lock()
	c.waiters = append(c.waiters, wake)
	c.mu.Unlock()

	c.l.Unlock()
	<-wake
	c.l.Lock()
}

func (c *chanCond) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.waiters) == 0 {
		return
	}

	close(c.waiters[0])
	c.waiters = c.waiters[1:]
}

func (c *chanCond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, wake := range c.waiters {
		close(wake)
	}

	c.waiters = nil
}
