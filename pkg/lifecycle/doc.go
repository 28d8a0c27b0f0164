// Package lifecycle provides the start/stop state machine shared by the
// master and slave services, and the exponential backoff used when
// reconnecting to a master.
//
// # Usage
//
//	manager := lifecycle.NewManager(logger, nil)
//	if err := manager.TransitionTo(lifecycle.StateStarting, "Start() called"); err != nil {
//	    return err
//	}
//	manager.Go("listener", func() { serve(ctx) })
//	_ = manager.TransitionTo(lifecycle.StateRunning, "listening")
//
//	// later
//	_ = manager.TransitionTo(lifecycle.StateStopping, "Stop() called")
//	manager.Cancel()
//	if err := manager.WaitWithTimeout(lifecycle.ShutdownTimeout); err != nil {
//	    // manager.Running() names the workers that did not exit
//	}
//
// # State Machine
//
// Valid state transitions:
//   - Stopped -> Starting
//   - Starting -> Running, Stopping, Crashed
//   - Running -> Stopping, Crashed
//   - Stopping -> Stopped, Crashed
//   - Crashed -> Starting
package lifecycle
