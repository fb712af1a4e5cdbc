package mcpapps

import "sync"

// emitter is the per-dispatcher subscriber registry. Each dispatcher owns
// exactly one; there is no ambient singleton. Subscribers are invoked
// synchronously in subscription order.
type emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
	order  []int
}

func newEmitter() *emitter {
	return &emitter{
		subs: make(map[int]func(Event)),
	}
}

// subscribe registers fn and returns a disposer that removes it. Disposing
// twice is a no-op.
func (e *emitter) subscribe(fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.order = append(e.order, id)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, id := range e.order {
		if fn, ok := e.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	e.mu.Unlock()

	// Subscribers run outside the lock so they can subscribe or dispose
	// from within a callback.
	for _, fn := range fns {
		fn(ev)
	}
}

func (e *emitter) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subs = make(map[int]func(Event))
	e.order = nil
}
