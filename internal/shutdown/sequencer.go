// Package shutdown sequences the teardown of a transfer session.
//
// Connection resources must be released in a fixed order, the reverse of
// how they depend on each other:
//
//  1. Disconnect - Break the connection with the peer
//  2. Deregister - Deregister memory regions, then release their memory
//  3. DestroyQP - Destroy the queue pair
//  4. DestroyCQ - Destroy the completion queue
//  5. DeallocPD - Release the protection domain
//  6. DestroyID - Release connection identifiers
//  7. DestroyChannel - Release the event channel
//
// The sequencer runs each phase at most once. A failing hook does not stop
// later phases; every error is collected and returned joined.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a teardown phase.
type Phase string

// Teardown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDisconnect     Phase = "disconnect"
	PhaseDeregister     Phase = "deregister"
	PhaseDestroyQP      Phase = "destroy_qp"
	PhaseDestroyCQ      Phase = "destroy_cq"
	PhaseDeallocPD      Phase = "dealloc_pd"
	PhaseDestroyID      Phase = "destroy_id"
	PhaseDestroyChannel Phase = "destroy_channel"
	PhaseComplete       Phase = "complete"
)

// Order lists the phases that run hooks, in execution order.
var Order = []Phase{
	PhaseDisconnect,
	PhaseDeregister,
	PhaseDestroyQP,
	PhaseDestroyCQ,
	PhaseDeallocPD,
	PhaseDestroyID,
	PhaseDestroyChannel,
}

// Config holds sequencer configuration.
type Config struct {
	// PhaseTimeout bounds each hook. Zero disables the bound.
	// Default: 5 seconds
	PhaseTimeout time.Duration
}

// DefaultConfig returns the default sequencer configuration.
func DefaultConfig() Config {
	return Config{PhaseTimeout: 5 * time.Second}
}

// Hook is a function called during a teardown phase.
type Hook func(ctx context.Context) error

// Sequencer runs registered hooks phase by phase, exactly once.
type Sequencer struct {
	config  Config
	mu      sync.RWMutex
	phase   Phase
	started time.Time
	errors  []error
	hooks   map[Phase][]namedHook
	doneCh  chan struct{}
	ran     atomic.Bool
}

type namedHook struct {
	name string
	fn   Hook
}

// NewSequencer creates a new teardown sequencer.
func NewSequencer(cfg Config) *Sequencer {
	return &Sequencer{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]namedHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a named hook for a phase. Hooks of one phase run in
// registration order.
func (s *Sequencer) RegisterHook(phase Phase, name string, hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[phase] = append(s.hooks[phase], namedHook{name: name, fn: hook})
}

// Phase returns the current phase.
func (s *Sequencer) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.phase
}

// Started reports whether Run has been called.
func (s *Sequencer) Started() bool {
	return s.ran.Load()
}

// Done returns a channel that is closed when teardown is complete.
func (s *Sequencer) Done() <-chan struct{} {
	return s.doneCh
}

// Errors returns the errors collected during teardown.
func (s *Sequencer) Errors() []error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]error{}, s.errors...)
}

func (s *Sequencer) setPhase(phase Phase) {
	s.mu.Lock()
	oldPhase := s.phase
	s.phase = phase
	s.mu.Unlock()

	log.Debug().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(s.started)).
		Msg("Teardown phase transition")

	SetTeardownPhase(phase)
}

func (s *Sequencer) addError(err error) {
	s.mu.Lock()
	s.errors = append(s.errors, err)
	s.mu.Unlock()

	IncrementTeardownErrors()
}

// Run executes every phase in order. Only the first call does any work;
// later calls wait for it and return nil.
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		<-s.doneCh
		return nil
	}

	s.started = time.Now()

	for _, phase := range Order {
		s.setPhase(phase)
		s.runHooks(ctx, phase)
	}

	s.setPhase(PhaseComplete)
	close(s.doneCh)

	duration := time.Since(s.started)
	SetTeardownDuration(duration)

	errs := s.Errors()
	if len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Teardown completed with errors")

		return errors.Join(errs...)
	}

	log.Debug().Dur("duration", duration).Msg("Teardown completed")

	return nil
}

func (s *Sequencer) runHooks(ctx context.Context, phase Phase) {
	s.mu.RLock()
	hooks := s.hooks[phase]
	s.mu.RUnlock()

	for _, h := range hooks {
		if err := s.runHook(ctx, h); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Str("hook", h.name).Msg("Teardown hook failed")
			s.addError(fmt.Errorf("%s %s: %w", phase, h.name, err))
		}
	}
}

func (s *Sequencer) runHook(ctx context.Context, h namedHook) error {
	if s.config.PhaseTimeout <= 0 {
		return h.fn(ctx)
	}

	hookCtx, cancel := context.WithTimeout(ctx, s.config.PhaseTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- h.fn(hookCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx.Done():
		return hookCtx.Err()
	}
}
