// Package app wires the replication components into the master and slave
// services run by the CLI.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/internal/retention"
	"github.com/bft-labs/thlship/internal/server"
	"github.com/bft-labs/thlship/pkg/lifecycle"
	"github.com/bft-labs/thlship/pkg/log"
)

// MasterConfig configures a Master.
type MasterConfig struct {
	Listener        server.Config
	Retention       retention.Config
	ShutdownTimeout time.Duration
}

// Master serves a log store to slaves.
type Master struct {
	mu        sync.Mutex
	cfg       MasterConfig
	store     ports.LogStore
	logger    log.Logger
	lifecycle *lifecycle.Manager
	listener  *server.Listener
}

// NewMaster creates a master over store.
func NewMaster(cfg MasterConfig, store ports.LogStore, logger log.Logger, emitter lifecycle.EventEmitter) *Master {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = lifecycle.ShutdownTimeout
	}
	return &Master{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		lifecycle: lifecycle.NewManager(logger, emitter),
	}
}

// Start binds the listener and begins accepting slaves.
func (m *Master) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lifecycle.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if err := m.lifecycle.TransitionTo(lifecycle.StateStarting, "Start() called"); err != nil {
		return err
	}

	l := server.NewListener(m.cfg.Listener, m.store, m.logger)
	if err := l.Listen(); err != nil {
		_ = m.lifecycle.TransitionTo(lifecycle.StateCrashed, "listen failed")
		return err
	}
	m.listener = l

	runCtx, cancel := context.WithCancel(ctx)
	m.lifecycle.SetCancel(cancel)

	if err := m.lifecycle.TransitionTo(lifecycle.StateRunning, "listening"); err != nil {
		cancel()
		return err
	}
	m.logger.Info("master listening",
		log.String("addr", l.Addr()),
		log.Int64("min_seqno", m.store.MinSeqno()),
		log.Int64("max_seqno", m.store.MaxSeqno()),
	)

	m.lifecycle.Go("listener", func() {
		err := l.Serve(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) && runCtx.Err() == nil {
			m.logger.Error("listener failed", log.Err(err))
			_ = m.lifecycle.TransitionTo(lifecycle.StateCrashed, err.Error())
		}
	})
	startRetention(runCtx, m.cfg.Retention, m.store, nil, m.lifecycle, m.logger)
	return nil
}

// Addr returns the bound listen address.
func (m *Master) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr()
}

// Sessions returns the number of connected slaves.
func (m *Master) Sessions() int {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.SessionCount()
}

// Stop closes the listener and every session.
func (m *Master) Stop() error {
	m.mu.Lock()
	if !m.lifecycle.CanStop() {
		m.mu.Unlock()
		return domain.ErrNotRunning
	}
	if err := m.lifecycle.TransitionTo(lifecycle.StateStopping, "Stop() called"); err != nil {
		m.mu.Unlock()
		return err
	}
	m.lifecycle.Cancel()
	l := m.listener
	m.mu.Unlock()

	if l != nil {
		if err := l.Close(); err != nil {
			m.logger.Warn("listener close failed", log.Err(err))
		}
	}
	err := m.lifecycle.WaitWithTimeout(m.cfg.ShutdownTimeout)
	_ = m.lifecycle.TransitionTo(lifecycle.StateStopped, "shutdown complete")
	return err
}

// Status returns the lifecycle state.
func (m *Master) Status() lifecycle.State {
	return m.lifecycle.State()
}
