package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bft-labs/thlship/pkg/log"
)

// ShutdownTimeout is the default bound on waiting for workers.
const ShutdownTimeout = 30 * time.Second

// Manager drives the state machine of one service and tracks its named
// worker goroutines (listener, replication, apply, retention) so shutdown
// can report which of them did not exit.
type Manager struct {
	mu      sync.RWMutex
	state   State
	cancel  context.CancelFunc
	emitter EventEmitter
	logger  log.Logger

	wg        sync.WaitGroup
	workersMu sync.Mutex
	workers   map[string]int
}

// NewManager creates a manager in StateStopped. emitter may be nil.
func NewManager(logger log.Logger, emitter EventEmitter) *Manager {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Manager{
		state:   StateStopped,
		logger:  logger,
		emitter: emitter,
		workers: make(map[string]int),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TransitionTo moves to next, or returns a *TransitionError leaving the
// state unchanged.
func (m *Manager) TransitionTo(next State, reason string) error {
	m.mu.Lock()
	prev := m.state
	if !prev.CanTransitionTo(next) {
		m.mu.Unlock()
		return &TransitionError{From: prev, To: next}
	}
	m.state = next
	m.mu.Unlock()

	if m.emitter != nil {
		m.emitter.OnStateChange(prev, next, reason)
	}
	m.logger.Info("state transition",
		log.String("from", prev.String()),
		log.String("to", next.String()),
		log.String("reason", reason),
	)
	return nil
}

// CanStart reports whether the service is idle.
func (m *Manager) CanStart() bool {
	s := m.State()
	return s == StateStopped || s == StateCrashed
}

// CanStop reports whether the service is starting or running.
func (m *Manager) CanStop() bool {
	s := m.State()
	return s == StateRunning || s == StateStarting
}

// SetCancel stores the function that cancels the workers' context.
func (m *Manager) SetCancel(cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel = cancel
}

// Cancel cancels the workers' context, if one was set.
func (m *Manager) Cancel() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Go runs fn as the worker called name.
func (m *Manager) Go(name string, fn func()) {
	m.wg.Add(1)
	m.workersMu.Lock()
	m.workers[name]++
	m.workersMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.workersMu.Lock()
			if m.workers[name]--; m.workers[name] == 0 {
				delete(m.workers, name)
			}
			m.workersMu.Unlock()
		}()
		fn()
	}()
}

// Running returns the names of the workers still running, sorted.
func (m *Manager) Running() []string {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WaitWithTimeout waits for every worker. It returns ErrShutdownTimeout
// after timeout, logging the workers still running.
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		m.logger.Warn("workers did not stop in time",
			log.Duration("timeout", timeout),
			log.String("workers", strings.Join(m.Running(), ",")),
		)
		return ErrShutdownTimeout
	}
}
