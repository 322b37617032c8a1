// Package hotkey provides global hotkeys that trigger agent flows, using
// gohook. Each key combo is bound to one Action.
package hotkey

import (
	"fmt"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// Action is the flow a hotkey triggers.
type Action int

const (
	// ActionEnroll starts the enrollment flow.
	ActionEnroll Action = iota
	// ActionAuth starts the authentication flow.
	ActionAuth
)

func (a Action) String() string {
	switch a {
	case ActionEnroll:
		return "enroll"
	case ActionAuth:
		return "auth"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Action Action
}

// Binding ties a key combo to an action. Keys are lowercase key names
// (e.g., ["ctrl", "shift", "e"]).
type Binding struct {
	Action Action
	Keys   []string
}

func (b Binding) String() string {
	return fmt.Sprintf("%s=%s", b.Action, strings.Join(b.Keys, "+"))
}

// Listener manages the global hotkeys and emits an Event per key press.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for the given bindings.
func NewListener(bindings ...Binding) *Listener {
	return &Listener{
		bindings: bindings,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Bindings returns the configured bindings.
func (l *Listener) Bindings() []Binding {
	return l.bindings
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		action := b.Action
		hook.Register(hook.KeyDown, b.Keys, func(e hook.Event) {
			l.emit(action)
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit queues an event without blocking; a press is dropped if the consumer
// is 16 events behind.
func (l *Listener) emit(a Action) {
	select {
	case l.ch <- Event{Action: a}:
	default:
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
