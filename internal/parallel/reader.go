package parallel

import (
	"context"
	"fmt"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/metrics"
	"github.com/bft-labs/thlship/pkg/log"
)

// channelReader reads the local log for one channel. It sees every
// transaction: those assigned to its channel are posted to the queue, the
// others only advance the queue's read position.
type channelReader struct {
	d       *Distributor
	channel int
	queue   *MergeQueue
	own     domain.Header
	logger  log.Logger

	lastSeen   int64
	lastHeader domain.Header

	inTx      bool
	assigned  bool
	critical  bool
	partition int
	shard     string
}

func (r *channelReader) run(ctx context.Context) error {
	start, err := r.d.restart.Wait(ctx)
	if err != nil {
		return err
	}
	conn, err := r.d.store.Connect(true)
	if err != nil {
		return fmt.Errorf("channel %d: connect log: %w", r.channel, err)
	}
	defer conn.Release()

	r.lastSeen = start.LastSeqno()
	r.lastHeader = start
	r.queue.SetReadPosition(r.lastSeen)

	from := r.lastSeen + 1
	if low := r.d.store.MinSeqno(); low > from {
		from = low
	}
	if _, err := conn.Seek(from); err != nil {
		return fmt.Errorf("channel %d: seek %d: %w", r.channel, from, err)
	}
	r.logger.Debug("channel reader started",
		log.Seqno(from),
		log.Int64("own_commit", r.own.LastSeqno()),
	)

	for {
		if !r.inTx {
			if err := r.d.head.WaitFor(ctx, r.lastSeen+1); err != nil {
				return err
			}
		}
		ev, err := conn.Next(ctx, true)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("channel %d: read log: %w", r.channel, err)
		}
		if ev == nil {
			continue
		}
		if err := r.handle(ctx, ev); err != nil {
			return err
		}
	}
}

func (r *channelReader) handle(ctx context.Context, ev *domain.Event) error {
	// Already applied by this channel before the restart.
	if ev.Seqno <= r.own.LastSeqno() {
		return r.finish(ctx, ev, r.queue.MarkRead(ctx, ev))
	}

	if !r.inTx {
		r.inTx = true
		if err := r.begin(ctx, ev); err != nil {
			return err
		}
	}

	var err error
	if r.assigned {
		err = r.queue.Post(ctx, ev)
	} else {
		err = r.queue.MarkRead(ctx, ev)
	}
	return r.finish(ctx, ev, err)
}

// begin runs on the first fragment of a transaction: partition it, handle
// critical section transitions and apply the lag bound.
func (r *channelReader) begin(ctx context.Context, ev *domain.Event) error {
	// Heartbeats and filtered ranges carry no work; they only advance the
	// read position of every channel.
	if ev.IsEmpty() || ev.IsFilteredRange() {
		r.assigned = false
		return nil
	}
	resp := r.d.cfg.Partitioner.Partition(ev, r.channel)
	if resp.Partition < 0 || resp.Partition >= r.d.cfg.Channels {
		return fmt.Errorf("channel %d: partitioner returned %d for seqno %d", r.channel, resp.Partition, ev.Seqno)
	}

	switch {
	case resp.Critical && (!r.critical || r.partition != resp.Partition || r.shard != ev.ShardID):
		if err := r.blockToZero(ctx, ev); err != nil {
			return err
		}
		if resp.Partition == r.channel {
			r.d.critical.enter(resp.Partition)
			metrics.CriticalSections.Inc()
			r.logger.Debug("critical section entered", log.Seqno(ev.Seqno), log.String("shard", ev.ShardID))
		}
	case !resp.Critical && r.critical:
		if err := r.blockToZero(ctx, ev); err != nil {
			return err
		}
		if r.partition == r.channel {
			r.d.critical.leave()
			r.logger.Debug("critical section left", log.Seqno(ev.Seqno))
		}
	}
	r.critical = resp.Critical
	r.partition = resp.Partition
	r.shard = ev.ShardID
	r.assigned = resp.Partition == r.channel

	if r.assigned && !ev.ExtractedTstamp.IsZero() {
		return r.waitLag(ctx, ev)
	}
	return nil
}

// blockToZero waits until every channel has committed everything read
// before ev. Each reader asks its own applier to commit its read position
// with a SYNC so idle channels catch up.
func (r *channelReader) blockToZero(ctx context.Context, ev *domain.Event) error {
	if r.lastSeen < 0 || r.d.tracker.Min() >= r.lastSeen {
		return nil
	}
	if r.d.tracker.Committed(r.channel) < r.lastSeen {
		h := r.lastHeader
		ce := domain.ControlEvent{Type: domain.ControlSync, Seqno: r.lastSeen, Header: &h}
		if err := r.queue.PostOutOfBand(ctx, ce); err != nil {
			return err
		}
	}
	r.logger.Debug("waiting for channels to commit", log.Seqno(r.lastSeen), log.Int64("next", ev.Seqno))
	return r.d.tracker.WaitFor(ctx, r.lastSeen)
}

func (r *channelReader) waitLag(ctx context.Context, ev *domain.Event) error {
	maxOffline, maxDelay := r.d.lagBounds()
	if maxOffline <= 0 {
		return nil
	}
	if low, ok := r.d.guard.MinTime(); ok && ev.ExtractedTstamp.Sub(low) > maxOffline {
		metrics.LagWaits.Inc()
	}
	ok, err := r.d.guard.WaitMinTime(ctx, r.channel, ev.ExtractedTstamp, maxOffline, maxDelay)
	if err != nil {
		return err
	}
	if !ok {
		metrics.LagWaitTimeouts.Inc()
		r.logger.Warn("channel exceeded max offline interval, releasing transaction",
			log.Seqno(ev.Seqno),
			log.Duration("max_offline", maxOffline),
			log.Duration("max_delay", maxDelay),
			log.Duration("interval", r.d.guard.Interval()),
		)
	}
	return nil
}

func (r *channelReader) finish(ctx context.Context, ev *domain.Event, err error) error {
	if err != nil {
		return err
	}
	if !ev.LastFrag {
		return nil
	}
	r.inTx = false
	r.lastSeen = ev.EndSeqno()
	r.lastHeader = ev.Header()
	if !ev.ExtractedTstamp.IsZero() {
		r.d.guard.Report(r.channel, r.lastSeen, ev.ExtractedTstamp)
	}
	return nil
}
