package application

import (
	"fmt"
	"slices"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of an application.
type State string

const (
	idle     = "idle"
	starting = "starting"
	started  = "started"
	stopping = "stopping"
	stopped  = "stopped"
	failed   = "failed"
)

// Application states. A stopped application may be started again; a failed
// one, whose plugins raised an error while starting or stopping, may be
// started or stopped again.
const (
	StateIdle     State = idle
	StateStarting State = starting
	StateStarted  State = started
	StateStopping State = stopping
	StateStopped  State = stopped
	StateFailed   State = failed
)

// State machine events.
const (
	eventStart   = "START"
	eventStarted = "STARTED"
	eventStop    = "STOP"
	eventStopped = "STOPPED"
	eventVeto    = "VETO"
	eventAbort   = "ABORT"
	eventFail    = "FAIL"
)

type machineContext struct{}

func (a *Application) buildMachine() (*statekit.Interpreter[machineContext], error) {
	machine, err := statekit.NewMachine[machineContext]("plug-application").
		WithInitial(idle).
		WithContext(machineContext{}).
		WithAction("recordFailure", func(_ *machineContext, event statekit.Event) {
			if err, ok := event.Payload.(error); ok {
				a.lastErr = err
			}
		}).
		WithAction("clearFailure", func(_ *machineContext, _ statekit.Event) {
			a.lastErr = nil
		}).
		State(idle).
		On(eventStart).Target(starting).Done().
		State(starting).
		On(eventStarted).Target(started).
		On(eventVeto).Target(idle).
		On(eventFail).Target(failed).Done().
		State(started).
		OnEntry("clearFailure").
		On(eventStop).Target(stopping).Done().
		State(stopping).
		On(eventStopped).Target(stopped).
		On(eventVeto).Target(started).
		On(eventAbort).Target(failed).
		On(eventFail).Target(failed).Done().
		State(stopped).
		OnEntry("clearFailure").
		On(eventStart).Target(starting).Done().
		State(failed).
		OnEntry("recordFailure").
		On(eventStart).Target(starting).
		On(eventStop).Target(stopping).Done().
		Build()
	if err != nil {
		return nil, err
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}

// State returns the current lifecycle state.
func (a *Application) State() State {
	return State(a.machine.State().Value)
}

// Err returns the error that moved the application to StateFailed.
func (a *Application) Err() error {
	if a.State() != StateFailed {
		return nil
	}
	return a.lastErr
}

func (a *Application) send(event string, payload any) {
	a.machine.Send(statekit.Event{Type: statekit.EventType(event), Payload: payload})
}

// EventType identifies a lifecycle event.
type EventType int

// Lifecycle events. Starting and Stopping can be vetoed.
const (
	EventStarting EventType = iota
	EventStarted
	EventStopping
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventStarting:
		return "starting"
	case EventStarted:
		return "started"
	case EventStopping:
		return "stopping"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Vetoable reports whether listeners can veto the transition.
func (t EventType) Vetoable() bool {
	return t == EventStarting || t == EventStopping
}

// Event is delivered to lifecycle listeners.
type Event struct {
	Type        EventType
	Application *Application
}

// Decision is a listener's answer to a vetoable event.
type Decision int

const (
	// Allow lets the transition go ahead.
	Allow Decision = iota
	// Veto aborts the transition, leaving the application as it was.
	Veto
)

// Listener receives lifecycle events. The decision is ignored for events
// that cannot be vetoed.
type Listener func(ev Event) Decision

type listener struct {
	id    string
	event EventType
	fn    Listener
}

// AddListener subscribes fn to events of type t and returns the
// subscription id.
func (a *Application) AddListener(t EventType, fn Listener) string {
	id := uuid.NewString()
	a.mu.Lock()
	a.listeners = append(a.listeners, listener{id: id, event: t, fn: fn})
	a.mu.Unlock()
	return id
}

// RemoveListener cancels a subscription.
func (a *Application) RemoveListener(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := slices.IndexFunc(a.listeners, func(l listener) bool { return l.id == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrListenerNotFound, id)
	}
	a.listeners = slices.Delete(a.listeners, i, i+1)
	return nil
}

// fire calls every listener of t in subscription order. The result is Veto
// if any listener vetoed a vetoable event.
func (a *Application) fire(t EventType) Decision {
	a.mu.RLock()
	snapshot := slices.Clone(a.listeners)
	a.mu.RUnlock()

	decision := Allow
	ev := Event{Type: t, Application: a}
	for _, l := range snapshot {
		if l.event != t {
			continue
		}
		if l.fn(ev) == Veto && t.Vetoable() {
			decision = Veto
		}
	}

	typ := t.String()
	if decision == Veto {
		typ += "_vetoed"
	}
	a.publish(TopicLifecycle, typ, LifecycleMessage{Application: a.id, State: a.State()})
	return decision
}

// Start fires EventStarting and, unless it is vetoed, starts every plugin
// and fires EventStarted. It reports false when the start was vetoed; the
// application is then left idle and may be started again.
//
// A plugin error is returned as is and moves the application to StateFailed.
// Plugins started before the failing one stay started.
func (a *Application) Start() (bool, error) {
	switch s := a.State(); s {
	case StateIdle, StateStopped, StateFailed:
	default:
		return false, fmt.Errorf("%w: cannot start while %s", ErrInvalidTransition, s)
	}

	log.Debug().Str("application", a.id).Msg("application starting...")
	startTime := time.Now()
	a.send(eventStart, nil)

	if a.fire(EventStarting) == Veto {
		a.send(eventVeto, nil)
		log.Info().Str("application", a.id).Msg("application start vetoed")
		return false, nil
	}

	if err := a.manager.Start(); err != nil {
		a.send(eventFail, err)
		log.Error().Str("application", a.id).Dur("duration", time.Since(startTime)).Err(err).Msg("application failed to start")
		return false, err
	}

	a.send(eventStarted, nil)
	a.fire(EventStarted)
	log.Info().Str("application", a.id).Dur("duration", time.Since(startTime)).Msg("application started")
	return true, nil
}

// Stop fires EventStopping and, unless it is vetoed, stops every plugin and
// fires EventStopped. It reports false when the stop was vetoed; the
// application then keeps running.
//
// A plugin error is returned as is and moves the application to
// StateFailed, from which Stop can be retried.
func (a *Application) Stop() (bool, error) {
	from := a.State()
	switch from {
	case StateStarted, StateFailed:
	default:
		return false, fmt.Errorf("%w: cannot stop while %s", ErrInvalidTransition, from)
	}

	log.Debug().Str("application", a.id).Msg("application stopping...")
	startTime := time.Now()
	a.send(eventStop, nil)

	if a.fire(EventStopping) == Veto {
		if from == StateFailed {
			a.send(eventAbort, a.lastErr)
		} else {
			a.send(eventVeto, nil)
		}
		log.Info().Str("application", a.id).Msg("application stop vetoed")
		return false, nil
	}

	if err := a.manager.Stop(); err != nil {
		a.send(eventFail, err)
		log.Error().Str("application", a.id).Dur("duration", time.Since(startTime)).Err(err).Msg("application failed to stop")
		return false, err
	}

	a.send(eventStopped, nil)
	a.fire(EventStopped)
	log.Info().Str("application", a.id).Dur("duration", time.Since(startTime)).Msg("application stopped")
	return true, nil
}

// Run starts the application and, if the start was not vetoed, stops it
// again.
func (a *Application) Run() error {
	ok, err := a.Start()
	if err != nil || !ok {
		return err
	}
	_, err = a.Stop()
	return err
}
