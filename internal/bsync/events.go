package bsync

import (
	"sync"
	"time"
)

// CompletionEvent is emitted after every auto-sync attempt.
type CompletionEvent struct {
	HadTransfer bool      `json:"had_transfer"`
	At          time.Time `json:"at"`
}

// Events fans completion events out to callbacks and channel subscribers.
type Events struct {
	mu       sync.RWMutex
	handlers []func(CompletionEvent)
	subs     map[int]chan CompletionEvent
	nextID   int
}

func NewEvents() *Events {
	return &Events{subs: make(map[int]chan CompletionEvent)}
}

// OnCompletion registers a callback. Callbacks run synchronously on the
// emitting goroutine and must not block.
func (e *Events) OnCompletion(fn func(CompletionEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
}

// Subscribe returns a buffered channel receiving future events and a function
// that cancels the subscription and closes the channel. Events are dropped for
// subscribers whose buffer is full.
func (e *Events) Subscribe(buffer int) (<-chan CompletionEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan CompletionEvent, buffer)
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs, id)
			close(ch)
		})
	}
}

func (e *Events) emit(ev CompletionEvent) {
	e.mu.RLock()
	handlers := make([]func(CompletionEvent), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	// Callbacks run unlocked so they may register handlers or unsubscribe.
	for _, fn := range handlers {
		fn(ev)
	}

	// Sends stay under the lock: cancel closes the channel.
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
