// Package service provides BaseService, the lifecycle/health substrate
// every CantinaOS component embeds. It implements suture.Service so the
// supervisor tree can register and restart it directly, without any
// hand-rolled restart loop.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
)

// failureWindow and failureThreshold gate failure escalation: three or
// more failures within the window push the service from DEGRADED to ERROR.
const (
	failureWindow    = 60 * time.Second
	failureThreshold = 3
)

// Runner is implemented by concrete services to supply their actual work
// loop. BaseService wraps Run with state tracking, status emission, and
// failure-escalation bookkeeping.
type Runner interface {
	// Run executes the service's main loop until ctx is canceled or an
	// unrecoverable error occurs. It should return nil on clean
	// cancellation.
	Run(ctx context.Context) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// BaseService is embedded by every CantinaOS component. It is not usable
// until constructed with New.
type BaseService struct {
	name   string
	bus    *bus.Bus
	logger zerolog.Logger
	runner Runner

	mu          sync.Mutex
	state       schemas.ServiceState
	subs        []bus.Subscription
	failures    []time.Time
	startedAt   time.Time
}

// New constructs a BaseService named name, wired to b, logging through
// logger, running runner as its work loop.
func New(name string, b *bus.Bus, logger zerolog.Logger, runner Runner) *BaseService {
	return &BaseService{
		name:   name,
		bus:    b,
		logger: logger.With().Str("service", name).Logger(),
		runner: runner,
		state:  schemas.StateInit,
	}
}

// String implements fmt.Stringer; suture uses this to label the service in
// its own diagnostics.
func (s *BaseService) String() string { return s.name }

// Name returns the service's registered name.
func (s *BaseService) Name() string { return s.name }

// Bus returns the bus this service is wired to, for use by embedding types.
func (s *BaseService) Bus() *bus.Bus { return s.bus }

// Logger returns this service's component logger.
func (s *BaseService) Logger() zerolog.Logger { return s.logger }

// Serve implements suture.Service. It transitions INIT->STARTING->RUNNING,
// runs the embedded Runner, and on return transitions to STOPPED (clean) or
// records a failure and transitions to DEGRADED/ERROR.
func (s *BaseService) Serve(ctx context.Context) error {
	s.setState(schemas.StateStarting, "")
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.setState(schemas.StateRunning, "")
	statusSub := s.bus.Subscribe(schemas.TopicServiceStatusReq, s.name, func(bus.Event) {
		s.EmitStatus()
	}, nil)

	err := s.runner.Run(ctx)

	s.bus.Unsubscribe(statusSub)
	s.UnsubscribeAll()

	if err == nil || ctx.Err() != nil {
		s.setState(schemas.StateStopped, "")
		return err
	}

	s.recordFailure(err)
	return err
}

// recordFailure transitions to DEGRADED, emits /system/error, and escalates
// to ERROR if failureThreshold failures occurred within failureWindow.
func (s *BaseService) recordFailure(err error) {
	now := time.Now()
	s.mu.Lock()
	s.failures = append(s.failures, now)
	cutoff := now.Add(-failureWindow)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = kept
	escalate := len(s.failures) >= failureThreshold
	s.mu.Unlock()

	s.EmitError(err.Error(), schemas.SeverityError)

	if escalate {
		s.setState(schemas.StateError, err.Error())
	} else {
		s.setState(schemas.StateDegraded, err.Error())
	}
}

// EmitError publishes /system/error attributed to this service.
func (s *BaseService) EmitError(message string, severity schemas.ErrorSeverity) {
	s.bus.Emit(schemas.TopicSystemError, schemas.SystemErrorPayload{
		Source:   s.name,
		Message:  message,
		Severity: severity,
	})
}

// State returns the current lifecycle state.
func (s *BaseService) State() schemas.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState is the single place state is mutated; it always emits status.
func (s *BaseService) setState(state schemas.ServiceState, detail string) {
	s.mu.Lock()
	s.state = state
	started := s.startedAt
	s.mu.Unlock()

	uptime := int64(0)
	if !started.IsZero() {
		uptime = time.Since(started).Milliseconds()
	}

	s.logger.Info().Str("state", string(state)).Str("detail", detail).Msg("state change")
	s.bus.Emit(schemas.StatusTopic(s.name), schemas.StatusPayload{
		State:    state,
		UptimeMs: uptime,
		Detail:   detail,
	})
}

// EmitStatus re-emits the current status, used to answer
// SERVICE_STATUS_REQUEST.
func (s *BaseService) EmitStatus() {
	s.setState(s.State(), "")
}

// Subscribe registers handler for topic and records the subscription so it
// can be torn down with UnsubscribeAll. Handler panics are routed into
// this service's failure accounting via recordFailure.
func (s *BaseService) Subscribe(topic string, handler bus.Handler) bus.Subscription {
	sub := s.bus.Subscribe(topic, s.name, handler, func(err error) {
		s.recordFailure(fmt.Errorf("handler for %s: %w", topic, err))
	})
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub
}

// UnsubscribeAll tears down every subscription registered via Subscribe.
// Called when the service's RUNNING span ends, so subscriptions never
// outlive the service that owns them.
func (s *BaseService) UnsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
}
