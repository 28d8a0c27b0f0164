package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/thlship/internal/adapters/boltlog"
	"github.com/bft-labs/thlship/internal/adapters/fs"
	"github.com/bft-labs/thlship/internal/adapters/memlog"
	"github.com/bft-labs/thlship/internal/app"
	"github.com/bft-labs/thlship/internal/catalog"
	"github.com/bft-labs/thlship/internal/config"
	"github.com/bft-labs/thlship/internal/connector"
	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/metrics"
	"github.com/bft-labs/thlship/internal/parallel"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/internal/retention"
	"github.com/bft-labs/thlship/internal/server"
	"github.com/bft-labs/thlship/pkg/lifecycle"
	"github.com/bft-labs/thlship/pkg/log"
)

const longHelp = `Replicate a transaction history log between a master and its slaves.

A master serves its log over thl:// (or thls:// with TLS). A slave follows
one or more masters, stores what it receives in its own log and applies it
on parallel channels, committing each channel's position to a catalog so a
restart resumes where every channel left off.`

var exampleUsage = strings.TrimSpace(`
  thlship serve --listen :2112 --data-dir /var/lib/thlship
  thlship follow --master thl://db1:2112/ --master thl://db2:2112/ --channels 4
  thlship follow --config $HOME/.thlship/config.toml --stop-at 150000
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// stateGauge exports lifecycle transitions of service.
func stateGauge(service string) lifecycle.EventEmitter {
	return lifecycle.EmitterFunc(func(_, current lifecycle.State, _ string) {
		metrics.ServiceState.WithLabelValues(service).Set(float64(current))
	})
}

type runtimeOptions struct {
	cfgPath     string
	fromEventID string
}

func main() {
	cfg := config.DefaultConfig()
	var opts runtimeOptions

	root := &cobra.Command{
		Use:           "thlship",
		Short:         "Transaction history log replication",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addCommonFlags(root.PersistentFlags(), &cfg, &opts)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local log to replication clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &cfg, opts, config.ModeServe)
		},
	}
	serve.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address (default :2112)")

	follow := &cobra.Command{
		Use:   "follow",
		Short: "Replicate from a master and apply the log on parallel channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &cfg, opts, config.ModeFollow)
		},
	}
	addFollowFlags(follow.Flags(), &cfg, &opts)

	root.AddCommand(serve, follow)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "thlship: %v\n", err)
		os.Exit(1)
	}
}

func addCommonFlags(f *pflag.FlagSet, cfg *config.Config, opts *runtimeOptions) {
	f.StringVar(&opts.cfgPath, "config", "", "path to config file (default: $HOME/.thlship/config.toml)")
	f.StringVar(&cfg.SourceID, "source-id", cfg.SourceID, "identifier of this node in handshakes")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the log, catalog and position file")
	f.StringVar(&cfg.Store, "store", cfg.Store, "log store backend (bolt or memory)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address for the Prometheus /metrics endpoint (optional)")

	f.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "heartbeat interval on idle sessions")
	f.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "events buffered before a session flush")
	f.DurationVar(&cfg.FlushPeriod, "flush-period", cfg.FlushPeriod, "maximum time events wait in the session buffer")
	f.DurationVar(&cfg.JoinTimeout, "join-timeout", cfg.JoinTimeout, "how long shutdown waits for sessions")
	f.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate (enables thls://)")
	f.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "TLS private key")
	f.StringVar(&cfg.TLSCAFile, "tls-ca", cfg.TLSCAFile, "CA bundle for verifying the peer")

	f.Int64Var(&cfg.PurgeHighWatermark, "purge-high-watermark", cfg.PurgeHighWatermark, "purge the log once it holds more transactions than this (0 keeps everything)")
	f.Int64Var(&cfg.PurgeLowWatermark, "purge-low-watermark", cfg.PurgeLowWatermark, "transactions kept after a purge (default 3/4 of the high watermark)")
	f.DurationVar(&cfg.PurgeInterval, "purge-interval", cfg.PurgeInterval, "how often the log size is checked")
}

func addFollowFlags(f *pflag.FlagSet, cfg *config.Config, opts *runtimeOptions) {
	f.StringSliceVar(&cfg.MasterURIs, "master", cfg.MasterURIs, "master URI, thl://host:port/ (repeatable)")
	f.StringVar(&cfg.PreferredRole, "preferred-role", cfg.PreferredRole, "role a master should advertise to be preferred")
	f.DurationVar(&cfg.PreferredRoleTimeout, "preferred-role-timeout", cfg.PreferredRoleTimeout, "how long to wait for the preferred role")
	f.DurationVar(&cfg.RetryInterval, "retry-interval", cfg.RetryInterval, "maximum wait between connection laps")
	f.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "dial and handshake timeout per master")
	f.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "maximum silence on an established session")
	f.BoolVar(&cfg.Compression, "compression", cfg.Compression, "ask the master to compress events")
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "serve the local log to downstream slaves (optional)")
	f.StringVar(&opts.fromEventID, "from-event-id", "", "start at this native event id when there is no local position")

	f.IntVar(&cfg.Channels, "channels", cfg.Channels, "number of parallel apply channels")
	f.StringVar(&cfg.Partitioner, "partitioner", cfg.Partitioner,
		fmt.Sprintf("partitioner (%s)", strings.Join(parallel.PartitionerNames(), ", ")))
	f.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "capacity of each channel queue")
	f.IntVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "insert a sync every N transactions per channel")
	f.DurationVar(&cfg.MaxOfflineInterval, "max-offline-interval", cfg.MaxOfflineInterval, "how far a channel may run ahead of the slowest (0 disables)")
	f.DurationVar(&cfg.MaxDelayInterval, "max-delay-interval", cfg.MaxDelayInterval, "how long a channel waits on the offline bound")
	f.BoolVar(&cfg.TolerateCatalogErrors, "tolerate-catalog-errors", cfg.TolerateCatalogErrors, "log catalog write failures instead of stopping")
	f.Int64Var(&cfg.StopAt, "stop-at", cfg.StopAt, "stop once every channel committed this seqno (-1 runs forever)")
}

// loadConfig layers the config file and environment under the flags.
func loadConfig(cmd *cobra.Command, cfg *config.Config, cfgPath string, mode config.Mode) (string, map[string]bool, error) {
	cfgFile := cfgPath
	if cfgFile == "" {
		cfgFile = config.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && config.FileExists(cfgFile) {
		fc, err := config.LoadFileConfig(cfgFile)
		if err != nil {
			return "", nil, fmt.Errorf("load config: %w", err)
		}
		if err := config.ApplyFileConfig(cfg, fc, changed); err != nil {
			return "", nil, err
		}
	} else {
		cfgFile = ""
	}

	if err := config.ApplyEnvConfig(cfg, changed); err != nil {
		return "", nil, err
	}
	if err := cfg.Validate(mode); err != nil {
		return "", nil, err
	}
	return cfgFile, changed, nil
}

// newLogger builds the process logger. The adapter accepts every level and
// the global zerolog level filters, so a config reload can lower it.
func newLogger(w io.Writer, level string) *log.ZerologAdapter {
	zerolog.SetGlobalLevel(log.ParseLevel(level))
	return log.NewZerologAdapterWithWriter(w, zerolog.TraceLevel)
}

func openStore(cfg *config.Config, logger log.Logger) (ports.LogStore, func() error, error) {
	if cfg.Store == config.StoreMemory {
		s := memlog.New()
		return s, s.Close, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := boltlog.Open(filepath.Join(cfg.DataDir, "thl.db"), logger)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func openCatalog(cfg *config.Config, logger log.Logger) (ports.CommitCatalog, error) {
	var inner ports.CommitCatalog
	if cfg.Store == config.StoreMemory {
		inner = catalog.NewMemory()
	} else {
		c, err := catalog.Open(filepath.Join(cfg.DataDir, "catalog.db"), logger)
		if err != nil {
			return nil, err
		}
		inner = c
	}
	return catalog.NewUpdater(inner, catalog.UpdaterConfig{TolerateErrors: cfg.TolerateCatalogErrors}, logger), nil
}

func serverConfig(cfg *config.Config, role string) (server.Config, error) {
	tlsCfg, err := cfg.ServerTLS()
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:        cfg.ListenAddr,
		TLSConfig:   tlsCfg,
		JoinTimeout: cfg.JoinTimeout,
		Handler: server.HandlerConfig{
			SourceID:          cfg.SourceID,
			Role:              role,
			HeartbeatInterval: cfg.HeartbeatInterval,
			BufferSize:        cfg.BufferSize,
			FlushPeriod:       cfg.FlushPeriod,
		},
	}, nil
}

func retentionConfig(cfg *config.Config) retention.Config {
	return retention.Config{
		CheckInterval:  cfg.PurgeInterval,
		HighWatermark:  cfg.PurgeHighWatermark,
		LowWatermark:   cfg.PurgeLowWatermark,
		RunImmediately: true,
	}
}

// service is what run drives between start and a shutdown signal.
type service interface {
	Start(ctx context.Context) error
	Stop() error
	Status() lifecycle.State
}

func run(cmd *cobra.Command, cfg *config.Config, opts runtimeOptions, mode config.Mode) error {
	cfgFile, changed, err := loadConfig(cmd, cfg, opts.cfgPath, mode)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)
	logger.Info("configuration",
		log.String("source_id", cfg.SourceID),
		log.String("store", cfg.Store),
		log.String("data_dir", cfg.DataDir),
		log.String("listen", cfg.ListenAddr),
		log.String("masters", strings.Join(cfg.MasterURIs, ",")),
		log.Int("channels", cfg.Channels),
		log.String("partitioner", cfg.Partitioner),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics endpoint failed", log.Err(err))
			}
		}()
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close log", log.Err(err))
		}
	}()

	var (
		svc  service
		done <-chan struct{}
	)
	switch mode {
	case config.ModeServe:
		scfg, err := serverConfig(cfg, domain.RoleMaster)
		if err != nil {
			return err
		}
		svc = app.NewMaster(app.MasterConfig{Listener: scfg, Retention: retentionConfig(cfg)}, store, logger, stateGauge("master"))
	case config.ModeFollow:
		slave, closeCatalog, err := newSlave(cfg, opts, store, logger, stateGauge("slave"))
		if err != nil {
			return err
		}
		defer func() {
			if err := closeCatalog(); err != nil {
				logger.Warn("close catalog", log.Err(err))
			}
		}()
		if cfgFile != "" {
			watchConfig(ctx, cfgFile, *cfg, changed, slave, logger)
		}
		svc = slave
		done = slave.Done()
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("received signal, stopping")
	case <-done:
		if svc.Status() == lifecycle.StateCrashed {
			logger.Error("replication crashed")
		}
	}

	if err := svc.Stop(); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		return fmt.Errorf("stop: %w", err)
	}
	if svc.Status() == lifecycle.StateCrashed {
		return errors.New("replication crashed, see log for details")
	}
	return nil
}

func newSlave(cfg *config.Config, opts runtimeOptions, store ports.LogStore, logger log.Logger, emitter lifecycle.EventEmitter) (*app.Slave, func() error, error) {
	partitioner, err := parallel.NewPartitioner(cfg.Partitioner, cfg.Channels)
	if err != nil {
		return nil, nil, err
	}
	clientTLS, err := cfg.ClientTLS()
	if err != nil {
		return nil, nil, err
	}
	cat, err := openCatalog(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open catalog: %w", err)
	}

	scfg := app.SlaveConfig{
		Connector: connector.Config{
			URIs:                 cfg.MasterURIs,
			PreferredRole:        cfg.PreferredRole,
			PreferredRoleTimeout: cfg.PreferredRoleTimeout,
			RetryInterval:        cfg.RetryInterval,
			ConnectTimeout:       cfg.ConnectTimeout,
			ReadTimeout:          cfg.ReadTimeout,
			SourceID:             cfg.SourceID,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			Compression:          cfg.Compression,
		},
		Distributor: parallel.Config{
			Channels:           cfg.Channels,
			Partitioner:        partitioner,
			QueueSize:          cfg.QueueSize,
			SyncInterval:       int64(cfg.SyncInterval),
			MaxOfflineInterval: cfg.MaxOfflineInterval,
			MaxDelayInterval:   cfg.MaxDelayInterval,
		},
		StopAt:      cfg.StopAt,
		FromEventID: opts.fromEventID,
		Retention:   retentionConfig(cfg),
	}
	if cfg.ListenAddr != "" {
		lcfg, err := serverConfig(cfg, domain.RoleSlave)
		if err != nil {
			_ = cat.Close()
			return nil, nil, err
		}
		scfg.Listener = &lcfg
	}

	deps := app.SlaveDeps{
		Store:   store,
		Catalog: cat,
		Applier: app.NewLogApplier(logger.With(log.String("component", "applier"))),
		Dialer:  &connector.NetDialer{TLSConfig: clientTLS},
	}
	if cfg.DataDir != "" {
		deps.Positions = fs.NewPositionFile(cfg.DataDir)
	}
	return app.NewSlave(scfg, deps, logger, emitter), cat.Close, nil
}

// watchConfig applies reloadable settings to the running slave.
func watchConfig(ctx context.Context, path string, cfg config.Config, changed map[string]bool, slave *app.Slave, logger log.Logger) {
	w := config.NewWatcher(path, cfg, changed, config.DefaultDebounceDelay, logger.With(log.String("component", "config")))
	w.OnReload(func(r config.Reloadable) {
		slave.SetLagBounds(r.MaxOfflineInterval, r.MaxDelayInterval)
		slave.SetRetryInterval(r.RetryInterval)
	})
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", log.Err(err))
		}
	}()
}
