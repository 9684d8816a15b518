// Package modemgr implements the Mode Manager state machine
// (IDLE/AMBIENT/INTERACTIVE). Transitions are serialized through a single
// internal channel so there is never a data race on the mode variable, and
// so a transition already in flight can reject (not merge with) a
// concurrent request.
package modemgr

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
	"github.com/cantinaos/cantinaos/internal/service"
)

// ServiceName is this component's registered name, used for its status
// topic and log component tag.
const ServiceName = "mode_manager"

type modeRequest struct {
	target schemas.Mode
}

// Manager owns the single mode variable. It is a BaseService; construct
// with New and register the embedded *service.BaseService with the
// supervisor tree.
type Manager struct {
	*service.BaseService

	mode     atomic.Value // schemas.Mode
	requests chan modeRequest
}

// New constructs a Manager wired to b, starting in IDLE.
func New(b *bus.Bus, logger zerolog.Logger) *Manager {
	m := &Manager{
		requests: make(chan modeRequest, 1),
	}
	m.mode.Store(schemas.ModeIdle)
	m.BaseService = service.New(ServiceName, b, logger, service.RunnerFunc(m.run))
	return m
}

// Mode returns the current mode. Safe to call from any goroutine: writes
// happen only on the Manager's own goroutine, serialized through the
// request channel.
func (m *Manager) Mode() schemas.Mode {
	return m.mode.Load().(schemas.Mode)
}

func (m *Manager) run(ctx context.Context) error {
	m.Subscribe(schemas.TopicSetModeRequest, func(e bus.Event) {
		payload, ok := e.Payload.(schemas.SetModeRequestPayload)
		if !ok {
			return
		}
		m.enqueue(payload.Target)
	})
	m.Subscribe(schemas.TopicMicStartRequest, func(e bus.Event) {
		if current := m.Mode(); current != schemas.ModeInteractive {
			m.EmitError((&schemas.WrongModeError{Required: string(schemas.ModeInteractive), Current: string(current)}).Error(), schemas.SeverityWarning)
		}
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-m.requests:
			m.handleRequest(req)
		}
	}
}

// enqueue admits req into a queue of depth 1: while a transition is being
// handled, one further request can wait behind it; any request beyond that
// is rejected.
func (m *Manager) enqueue(target schemas.Mode) {
	select {
	case m.requests <- modeRequest{target: target}:
	default:
		m.EmitError(fmt.Sprintf("mode transition to %s rejected: transition already in progress", target), schemas.SeverityWarning)
	}
}

// allowed reports whether from->to is a real transition: every pair other
// than the no-op diagonal is allowed.
func allowed(from, to schemas.Mode) bool {
	return from != to
}

func (m *Manager) handleRequest(req modeRequest) {
	old := m.Mode()
	target := req.target

	if !allowed(old, target) {
		return // requesting the current mode is a no-op
	}

	m.Bus().Emit(schemas.TopicModeTransition, schemas.ModeTransitionPayload{
		Old: old, New: target, Status: schemas.TransitionStarted,
	})

	if err := m.applySideEffects(old, target); err != nil {
		m.Bus().Emit(schemas.TopicModeTransition, schemas.ModeTransitionPayload{
			Old: old, New: target, Status: schemas.TransitionFailed, Error: err.Error(),
		})
		return
	}

	m.mode.Store(target)
	m.Bus().Emit(schemas.TopicModeChange, schemas.ModeChangePayload{Old: old, New: target})
	m.Bus().Emit(schemas.TopicModeTransition, schemas.ModeTransitionPayload{
		Old: old, New: target, Status: schemas.TransitionCompleted,
	})
}

// applySideEffects performs the side effects required before the
// transition is considered complete: stop capture when leaving
// INTERACTIVE, let the music engine and eye-light controller react to
// /system/mode_change themselves (they are independent subscribers), so
// the only side effect owned here is requesting the mic stop.
func (m *Manager) applySideEffects(old, target schemas.Mode) error {
	if old == schemas.ModeInteractive {
		m.Bus().Emit(schemas.TopicMicStopRequest, nil)
	}
	return nil
}
