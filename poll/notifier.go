package poll

import "sync"

// Notifier fans a readiness event out to a set of subscribers. It replaces
// the single overwritable callback slot traditional socket APIs use, so a
// wrapper can observe transport events without stealing them from the
// application.
//
// Subscribers run synchronously on the notifying goroutine, in subscription
// order. They must not block.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]func()
}

// Subscribe registers fn and returns a function that removes it again.
func (n *Notifier) Subscribe(fn func()) (cancel func()) {
	n.mu.Lock()
	if n.subs == nil {
		n.subs = make(map[int]func())
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Notify invokes every current subscriber.
func (n *Notifier) Notify() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.subs))
	// map 迭代无序，这里按 id 排一下，保证订阅顺序投递。
	for id := 0; id < n.next; id++ {
		if fn, ok := n.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
