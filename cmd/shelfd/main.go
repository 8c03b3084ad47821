// shelfd: storage element daemon for shelf.
// Recovers the WAL, serves metrics, joins leader election, and runs the
// leader-only reconciliation and WAL GC loops.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shelf-storage/shelf/internal/backend"
	"github.com/shelf-storage/shelf/internal/config"
	"github.com/shelf-storage/shelf/internal/db"
	"github.com/shelf-storage/shelf/internal/election"
	"github.com/shelf-storage/shelf/internal/element"
	"github.com/shelf-storage/shelf/internal/index"
	"github.com/shelf-storage/shelf/internal/lease"
	"github.com/shelf-storage/shelf/internal/metrics"
	"github.com/shelf-storage/shelf/internal/payload"
	"github.com/shelf-storage/shelf/internal/reconcile"
	"github.com/shelf-storage/shelf/internal/sidecar"
	"github.com/shelf-storage/shelf/internal/wal"
)

// leaseName is the election lease shared by every replica of one shelf.
const leaseName = "shelf-leader"

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "shelfd",
		Short: "shelf storage element daemon",
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	root.AddCommand(&cobra.Command{
		Use:          "serve",
		Short:        "Run the storage element until interrupted",
		Args:         cobra.NoArgs,
		RunE:         runServe,
		SilenceUsage: true,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := newLogger(cfg.LogLevel).With().Str("node", cfg.NodeID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	indexDB, err := db.OpenIndex(cfg.DBPath)
	if err != nil {
		return err
	}
	defer indexDB.Close()
	coordDB, err := db.OpenCoordination(cfg.Lease.DBPath)
	if err != nil {
		return err
	}
	defer coordDB.Close()

	store, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}

	met := metrics.InitMetrics(cfg.NodeID)
	w, err := wal.Open(wal.Config{
		Dir:             cfg.WAL.Dir,
		SegmentMaxBytes: cfg.WAL.SegmentMaxBytes,
		Log:             log,
		Metrics:         met,
	})
	if err != nil {
		return err
	}
	defer w.Close()

	codec, err := payload.NewCodec(cfg.Payload.Compression, cfg.Payload.CompressionLevel, cfg.EncryptionKeyBytes())
	if err != nil {
		return fmt.Errorf("payload codec: %w", err)
	}

	idx := index.New(indexDB)
	el := element.New(element.Config{
		Backend:  store,
		Sidecars: sidecar.NewManager(store),
		Index:    idx,
		WAL:      w,
		Codec:    codec,
		Log:      log,
		Metrics:  met,
	})

	// Startup recovery resolves every pending WAL entry before the node
	// accepts work or stands for election.
	stats, err := el.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	log.Info().
		Int("replayed", stats.Replayed).
		Int("rolled_back", stats.RolledBack).
		Msg("startup recovery done")

	pidPath := filepath.Join(cfg.DataDir, "shelfd.pid")
	if err := writePid(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	leases := lease.NewSQLStore(coordDB)
	// Exclusions outlive leadership terms: a key quarantined under one term
	// stays off-limits if this node is re-elected.
	exclusions := reconcile.NewExclusions()

	elector := election.New(election.Config{
		Name:          leaseName,
		NodeID:        cfg.NodeID,
		TTL:           time.Duration(cfg.Lease.TTLSeconds) * time.Second,
		RenewInterval: time.Duration(cfg.Lease.RenewIntervalSeconds) * time.Second,
		PollInterval:  time.Duration(cfg.Lease.PollIntervalSeconds) * time.Second,
		Store:         leases,
		Callbacks: election.Callbacks{
			OnElected: func(leaderCtx context.Context, term int64) {
				gc := element.NewGC(el, element.GCConfig{
					Leases:       leases,
					LeaseName:    leaseName,
					NodeID:       cfg.NodeID,
					Term:         term,
					Interval:     time.Duration(cfg.WAL.GCIntervalSeconds) * time.Second,
					RedriveAfter: time.Duration(cfg.WAL.RedriveAfterSeconds) * time.Second,
					Log:          log,
				})
				go gc.Run(leaderCtx)

				sw := reconcile.New(reconcile.Config{
					Backend:       store,
					Sidecars:      sidecar.NewManager(store),
					Index:         idx,
					Repairer:      el,
					Exclusions:    exclusions,
					Leases:        leases,
					LeaseName:     leaseName,
					NodeID:        cfg.NodeID,
					Term:          term,
					Interval:      time.Duration(cfg.Sweep.IntervalSeconds) * time.Second,
					FullEvery:     cfg.Sweep.FullEvery,
					KeysPerSecond: cfg.Sweep.KeysPerSecond,
					Log:           log,
					Metrics:       met,
				})
				sw.Run(leaderCtx)
			},
			OnDemoted: func(term int64) {
				log.Info().Int64("term", term).Msg("leader loops stopped")
			},
		},
		Log:     log,
		Metrics: met,
	})

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = metricsServer(cfg, elector)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener started")
	}

	err = elector.Run(ctx)

	log.Info().Msg("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	return err
}

func metricsServer(cfg *config.Config, elector *election.Elector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		term, leading := elector.Leading()
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{
			"status": "ok",
			"node":   cfg.NodeID,
			"state":  elector.State(),
			"leader": leading,
			"term":   term,
		})
	})
	return &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
}

// openBackend builds the object store named by the config. S3 gets the
// retry wrapper; local folder I/O fails fast instead.
func openBackend(ctx context.Context, cfg *config.Config) (backend.Store, error) {
	switch cfg.Backend.Kind {
	case config.BackendS3:
		s3, err := backend.NewS3Store(ctx, backend.S3Config{
			Bucket:       cfg.Backend.S3.Bucket,
			Prefix:       cfg.Backend.S3.Prefix,
			Region:       cfg.Backend.S3.Region,
			Endpoint:     cfg.Backend.S3.Endpoint,
			PathStyle:    cfg.Backend.S3.PathStyle,
			AccessKey:    cfg.Backend.S3.AccessKey,
			SecretKey:    cfg.Backend.S3.SecretKey,
			SessionToken: cfg.Backend.S3.SessionToken,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 backend: %w", err)
		}
		return backend.NewRetryingStore(s3, backend.DefaultRetryConfig()), nil
	default:
		return backend.NewFolderStore(cfg.Backend.Folder.Root), nil
	}
}

func newLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var out zerolog.LevelWriter
	if term.IsTerminal(int(os.Stderr.Fd())) {
		out = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		out = zerolog.MultiLevelWriter(os.Stderr)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func writePid(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}
