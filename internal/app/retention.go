package app

import (
	"context"

	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/internal/retention"
	"github.com/bft-labs/thlship/pkg/lifecycle"
	"github.com/bft-labs/thlship/pkg/log"
)

// startRetention runs a purger on store when retention is configured and
// the store supports purging.
func startRetention(ctx context.Context, cfg retention.Config, store ports.LogStore, protect retention.Protector,
	lc *lifecycle.Manager, logger log.Logger) {
	if !cfg.Enabled() {
		return
	}
	l, ok := store.(retention.Log)
	if !ok {
		logger.Warn("log store does not support purging, retention disabled")
		return
	}
	p := retention.New(cfg, l, protect, logger.With(log.String("component", "retention")))
	lc.Go("retention", func() {
		_ = p.Run(ctx)
	})
}
