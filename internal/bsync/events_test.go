package bsync

import (
	"testing"
	"time"
)

func TestEvents_FanOut(t *testing.T) {
	e := NewEvents()

	var got []CompletionEvent
	e.OnCompletion(func(ev CompletionEvent) { got = append(got, ev) })
	ch, cancel := e.Subscribe(1)

	e.emit(CompletionEvent{HadTransfer: true, At: t0})
	e.emit(CompletionEvent{HadTransfer: false, At: t0})

	if len(got) != 2 || !got[0].HadTransfer || got[1].HadTransfer {
		t.Errorf("callback received %+v", got)
	}

	select {
	case ev := <-ch:
		if !ev.HadTransfer {
			t.Errorf("subscriber received %+v, want the first event", ev)
		}
	default:
		t.Fatal("subscriber received nothing")
	}
	select {
	case ev := <-ch:
		t.Errorf("subscriber received %+v beyond its buffer", ev)
	default:
	}

	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
	e.emit(CompletionEvent{At: t0})
}

func TestEvents_CallbackMayReenter(t *testing.T) {
	e := NewEvents()
	ch, cancel := e.Subscribe(1)

	var late int
	e.OnCompletion(func(CompletionEvent) {
		e.OnCompletion(func(CompletionEvent) { late++ })
		cancel()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.emit(CompletionEvent{At: t0})
		e.emit(CompletionEvent{At: t0})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit deadlocked on a re-entrant callback")
	}

	if late != 1 {
		t.Errorf("handler registered during the first emit ran %d times, want 1", late)
	}
	if _, open := <-ch; open {
		t.Error("channel still open after cancel from a callback")
	}
}
