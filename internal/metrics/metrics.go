// Package metrics holds the prometheus collectors of the replication
// pipeline and the /metrics HTTP endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bft-labs/thlship/pkg/log"
)

const namespace = "thlship"

// Server side.
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of client sessions currently served.",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Number of client sessions accepted.",
	})

	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_failures_total",
		Help:      "Handshakes that ended without serving, by reason.",
	}, []string{"reason"})
)

// Protocol.
var (
	EventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_sent_total",
		Help:      "Log records written to peers.",
	})

	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Log records read from peers.",
	})

	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeats_sent_total",
		Help:      "Heartbeat frames written on idle sessions.",
	})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_sent_total",
		Help:      "Frame bytes written, after compression.",
	})
)

// Client side.
var (
	ConnectRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_retries_total",
		Help:      "Failed connection attempts to candidate masters.",
	})

	ConnectTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_timeouts_total",
		Help:      "Connection attempts that failed with a timeout.",
	})

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected",
		Help:      "1 while an upstream connection is established.",
	})
)

// ServiceState is the lifecycle state of the master or slave service.
var ServiceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "service_state",
	Help:      "Lifecycle state: 0 stopped, 1 starting, 2 running, 3 stopping, 4 crashed.",
}, []string{"service"})

// Retention.
var (
	PurgedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purged_records_total",
		Help:      "Log records removed by retention.",
	})

	Purges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purges_total",
		Help:      "Retention passes that removed records.",
	})
)

// Distributor.
var (
	CriticalSections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "critical_sections_total",
		Help:      "Block-to-zero waits performed around critical sections.",
	})

	LagWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lag_waits_total",
		Help:      "Transactions held back by the interval guard.",
	})

	LagWaitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lag_wait_timeouts_total",
		Help:      "Transactions released after the maximum delay.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_queue_depth",
		Help:      "Items waiting in a channel queue.",
	}, []string{"channel"})

	AppliedSeqno = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_applied_seqno",
		Help:      "Last seqno committed by a channel.",
	}, []string{"channel"})

	CatalogErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "catalog_errors_total",
		Help:      "Commit catalog write failures.",
	})
)

// ChannelLabel formats a channel index as a label value.
func ChannelLabel(ch int) string {
	return strconv.Itoa(ch)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", log.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
