// Package host defines what the transcript core needs from an interactive
// shell, and provides the implementations nblog's own shell uses.
//
// Two collaborators are involved:
//
//   - Events: the execution event source that calls hooks immediately
//     before and after each execution unit.
//   - Facility: the shell's transcript-logging facility, which owns the
//     transcript file for input and framing text.
package host

import (
	stderrors "errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Event names a point in the execution of a unit.
type Event string

const (
	// PreExecute fires before a unit runs, after its input was recorded.
	PreExecute Event = "pre_execute"
	// PostExecute fires after a unit's output has been written.
	PostExecute Event = "post_execute"
)

// ErrUnknownHook is returned when unregistering a hook that is not registered.
var ErrUnknownHook = errors.New("hook is not registered")

// HookID identifies one registration. Funcs are not comparable, so
// unregistering goes through the ID returned by Register.
type HookID string

// Hook is called synchronously when its event fires.
type Hook func() error

// Events is an execution event source.
type Events interface {
	Register(event Event, hook Hook) (HookID, error)
	Unregister(event Event, id HookID) error
}

type registration struct {
	id   HookID
	hook Hook
}

// Bus is an in-process Events implementation.
type Bus struct {
	mu    sync.Mutex
	hooks map[Event][]registration
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{hooks: make(map[Event][]registration)}
}

func validEvent(event Event) bool {
	return event == PreExecute || event == PostExecute
}

// Register adds hook to event. Hooks fire in registration order.
func (b *Bus) Register(event Event, hook Hook) (HookID, error) {
	if !validEvent(event) {
		return "", errors.Errorf("unknown event %q", event)
	}
	if hook == nil {
		return "", errors.New("nil hook")
	}
	id := HookID(uuid.New().String())

	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[event] = append(b.hooks[event], registration{id: id, hook: hook})
	return id, nil
}

// Unregister removes the hook registered under id.
func (b *Bus) Unregister(event Event, id HookID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.hooks[event]
	i := slices.IndexFunc(regs, func(r registration) bool { return r.id == id })
	if i < 0 {
		return errors.Wrapf(ErrUnknownHook, "%s hook %s", event, id)
	}
	b.hooks[event] = slices.Delete(regs, i, i+1)
	return nil
}

// Len returns the number of hooks registered for event.
func (b *Bus) Len(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hooks[event])
}

// Fire calls every hook registered for event. All hooks run even when one
// fails; their errors are joined. Hooks may register or unregister while
// running; those changes apply from the next Fire.
func (b *Bus) Fire(event Event) error {
	b.mu.Lock()
	regs := slices.Clone(b.hooks[event])
	b.mu.Unlock()

	var errs []error
	for _, r := range regs {
		if err := r.hook(); err != nil {
			errs = append(errs, errors.Wrapf(err, "%s hook", event))
		}
	}
	return stderrors.Join(errs...)
}
