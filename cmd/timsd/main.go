// Command timsd runs the TIMS finalization service and its one-shot
// maintenance commands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tims/internal/blob"
	"tims/internal/config"
	"tims/internal/infra/persistence/sqlstore"
	"tims/internal/logging"
	"tims/internal/metrics"
	"tims/internal/notify"
	"tims/internal/service"
)

var exitFunc = os.Exit

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitFunc(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configFile string
	cfg        config.Config
	log        *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "timsd",
		Short:         "TIMS finalization and vault consolidation service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogOptions())
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	pf.String("storage-driver", "", "storage backend: memory, sqlite or postgres")
	pf.String("sqlite-path", "", "sqlite database file")
	pf.String("postgres-dsn", "", "postgres connection string")
	pf.String("blob-driver", "", "artifact store: fs, memory or s3")
	pf.String("blob-fs-root", "", "artifact store root for the fs driver")
	pf.String("log-level", "", "log level")
	pf.String("log-format", "", "log format: console or json")

	root.AddCommand(
		a.serveCmd(),
		a.migrateCmd(),
		a.genesCmd(),
		a.subjectsCmd(),
		a.finalizeCmd(),
		a.unfinalizeCmd(),
		a.closeCmd(),
	)
	return root
}

// runtime is an opened service with the resources it owns.
type runtime struct {
	svc     *service.Service
	store   *sqlstore.Store
	metrics *metrics.Metrics
	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *app) open(ctx context.Context) (*runtime, error) {
	store, err := sqlstore.Open(ctx, a.cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt := &runtime{store: store, metrics: metrics.New()}
	rt.closers = append(rt.closers, func() { _ = store.Close() })

	blobs, err := blob.Open(ctx, a.cfg.BlobStoreConfig())
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	sinks := []notify.Notifier{notify.LogNotifier{Log: a.log.Named("notify")}}
	if len(a.cfg.Kafka.Brokers) > 0 {
		kafka, err := notify.NewKafkaNotifier(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic)
		if err != nil {
			rt.close()
			return nil, err
		}
		sinks = append(sinks, kafka)
		rt.closers = append(rt.closers, kafka.Close)
	}

	svc, err := service.New(store, blobs,
		service.WithLogger(a.log),
		service.WithMetrics(rt.metrics),
		service.WithPostman(notify.NewPostman(a.log, sinks...)),
		service.WithPool(a.cfg.Runner.Workers, a.cfg.Runner.QueueSize),
		service.WithGateTimeout(a.cfg.Runner.GateTimeout),
		service.WithGeneCacheSize(a.cfg.Runner.GeneCacheSize),
		service.WithRunHistory(a.cfg.Runner.RunHistory),
		service.WithIDsPerLine(a.cfg.Summary.IDsPerLine),
	)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.svc = svc
	a.log.Info("service opened",
		zap.String("storage", string(store.Driver())),
		zap.String("artifacts", string(blobs.Driver())),
		zap.Int("workers", a.cfg.Runner.Workers))
	return rt, nil
}
