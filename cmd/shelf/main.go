// shelf: admin CLI for a shelf storage element.
// Commands: status, query, wal, sweep, creds, init.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/shelf-storage/shelf/internal/backend"
	"github.com/shelf-storage/shelf/internal/config"
	"github.com/shelf-storage/shelf/internal/db"
	"github.com/shelf-storage/shelf/internal/element"
	"github.com/shelf-storage/shelf/internal/index"
	"github.com/shelf-storage/shelf/internal/lease"
	"github.com/shelf-storage/shelf/internal/metrics"
	"github.com/shelf-storage/shelf/internal/payload"
	"github.com/shelf-storage/shelf/internal/reconcile"
	"github.com/shelf-storage/shelf/internal/sidecar"
	"github.com/shelf-storage/shelf/internal/wal"
)

const leaseName = "shelf-leader"

var (
	cfgFile string
	stdin   = bufio.NewReader(os.Stdin)

	queryOwner       string
	queryNamePrefix  string
	queryContentType string
	queryMode        string
	querySince       string
	queryUntil       string
	queryLimit       int

	credsAccessKey string
	credsBucket    string
	credsRegion    string
	credsEndpoint  string

	initForce bool
)

func main() {
	root := &cobra.Command{
		Use:           "shelf",
		Short:         "shelf - storage element admin tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show node, leadership, and WAL status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	})

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query the metadata index",
		Args:  cobra.NoArgs,
		RunE:  runQuery,
	}
	queryCmd.Flags().StringVar(&queryOwner, "owner", "", "filter by owner")
	queryCmd.Flags().StringVar(&queryNamePrefix, "name", "", "filter by name prefix")
	queryCmd.Flags().StringVar(&queryContentType, "content-type", "", "filter by content type")
	queryCmd.Flags().StringVar(&queryMode, "mode", "", "filter by storage mode (EDIT, RW, RO, AR)")
	queryCmd.Flags().StringVar(&querySince, "since", "", "created on or after (2006-01-02 or RFC3339)")
	queryCmd.Flags().StringVar(&queryUntil, "until", "", "created on or before (2006-01-02 or RFC3339)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "max rows (default 100)")
	root.AddCommand(queryCmd)

	root.AddCommand(&cobra.Command{
		Use:   "wal",
		Short: "List WAL entries that are not yet committed or rolled back",
		Args:  cobra.NoArgs,
		RunE:  runWal,
	})

	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep",
		Long: `Run one full reconciliation sweep against the local data directory.

Sweep repairs are fenced by the leader lease, so this command first acquires
it. While a shelfd daemon is leading, the acquire fails and the daemon's own
sweeps should be left to do the work; stop the daemon to sweep by hand.`,
		Args: cobra.NoArgs,
		RunE: runSweep,
	})

	credsCmd := &cobra.Command{
		Use:   "creds",
		Short: "Write S3 credentials into the config file",
		Args:  cobra.NoArgs,
		RunE:  runCreds,
	}
	credsCmd.Flags().StringVar(&credsAccessKey, "access-key", "", "S3 access key (prompted when omitted)")
	credsCmd.Flags().StringVar(&credsBucket, "bucket", "", "also set backend.s3.bucket")
	credsCmd.Flags().StringVar(&credsRegion, "region", "", "also set backend.s3.region")
	credsCmd.Flags().StringVar(&credsEndpoint, "endpoint", "", "also set backend.s3.endpoint")
	root.AddCommand(credsCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	root.AddCommand(initCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	be := cfg.Backend.Kind
	if be == config.BackendS3 {
		be = fmt.Sprintf("s3 (%s)", cfg.Backend.S3.Bucket)
	} else {
		be = fmt.Sprintf("folder (%s)", cfg.Backend.Folder.Root)
	}
	daemon := "not running"
	if daemonRunning(filepath.Join(cfg.DataDir, "shelfd.pid")) {
		daemon = "running"
	}

	fmt.Printf("shelf status\n")
	fmt.Printf("  node:     %s\n", cfg.NodeID)
	fmt.Printf("  data dir: %s\n", cfg.DataDir)
	fmt.Printf("  backend:  %s\n", be)
	fmt.Printf("  daemon:   %s\n", daemon)

	// Leadership, from the shared coordination db. Skip rather than create
	// the db when this node has never run.
	if _, err := os.Stat(cfg.Lease.DBPath); err == nil {
		coordDB, err := db.OpenCoordination(cfg.Lease.DBPath)
		if err != nil {
			return err
		}
		defer coordDB.Close()
		cur, err := lease.NewSQLStore(coordDB).Current(context.Background(), leaseName)
		if err != nil {
			return err
		}
		if cur == nil {
			fmt.Printf("  leader:   none\n")
		} else {
			fmt.Printf("  leader:   %s (term %d, expires in %s)\n",
				cur.Holder, cur.Term, time.Until(cur.Expires).Round(time.Second))
		}
	}

	if _, err := os.Stat(cfg.WAL.Dir); err == nil {
		w, err := openWal(cfg)
		if err != nil {
			return err
		}
		defer w.Close()
		pending := len(w.ReplayUncommitted())
		fmt.Printf("  wal:      %d segment(s), %d pending, next seq %d\n",
			w.SegmentCount(), pending, w.NextSeq())
	}

	if _, err := os.Stat(cfg.DBPath); err == nil {
		indexDB, err := db.OpenIndex(cfg.DBPath)
		if err != nil {
			return err
		}
		defer indexDB.Close()
		n, err := index.New(indexDB).Count(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("  objects:  %d\n", n)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return fmt.Errorf("no index database at %s", cfg.DBPath)
	}
	indexDB, err := db.OpenIndex(cfg.DBPath)
	if err != nil {
		return err
	}
	defer indexDB.Close()

	f := index.Filter{
		Owner:       queryOwner,
		NamePrefix:  queryNamePrefix,
		ContentType: queryContentType,
		Limit:       queryLimit,
	}
	if queryMode != "" {
		m := sidecar.Mode(strings.ToUpper(queryMode))
		if !m.Valid() {
			return fmt.Errorf("invalid mode %q", queryMode)
		}
		f.Mode = m
	}
	if f.Since, err = parseTimeFlag(querySince); err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	if f.Until, err = parseTimeFlag(queryUntil); err != nil {
		return fmt.Errorf("--until: %w", err)
	}

	rows, err := index.New(indexDB).Query(context.Background(), f)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("(no matches)")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"KEY", "NAME", "OWNER", "SIZE", "MODE", "MODIFIED"})
	for _, r := range rows {
		t.AppendRow(table.Row{
			r.Key, r.Attrs.Name, r.Attrs.Owner, r.Attrs.Size, r.Attrs.Mode,
			fmtUnix(r.Attrs.ModifiedAt),
		})
	}
	t.Render()
	return nil
}

func runWal(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.WAL.Dir); err != nil {
		fmt.Println("(wal empty)")
		return nil
	}
	w, err := openWal(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	entries := w.ReplayUncommitted()
	if len(entries) == 0 {
		fmt.Println("(no pending entries)")
		return nil
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"SEQ", "OP", "PHASE", "KEY", "AGE"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.Seq, e.Op, e.Phase, e.Key,
			time.Since(time.Unix(0, int64(e.At*1e9))).Round(time.Second),
		})
	}
	t.Render()
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx := context.Background()

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
	met := metrics.NewWith(prometheus.NewRegistry(), cfg.NodeID)
	w, err := openWal(cfg)
	if err != nil {
		return err
	}
	defer w.Close()
	codec, err := payload.NewCodec(cfg.Payload.Compression, cfg.Payload.CompressionLevel, cfg.EncryptionKeyBytes())
	if err != nil {
		return fmt.Errorf("payload codec: %w", err)
	}

	idx := index.New(indexDB)
	sidecars := sidecar.NewManager(store)
	el := element.New(element.Config{
		Backend:  store,
		Sidecars: sidecars,
		Index:    idx,
		WAL:      w,
		Codec:    codec,
		Log:      zerolog.Nop(),
		Metrics:  met,
	})

	// Sweep repairs are leader work: fence them behind the lease just like
	// the daemon does. Holder carries a suffix so the operator shows up by
	// name in the coordination db.
	holder := cfg.NodeID + "-cli"
	leases := lease.NewSQLStore(coordDB)
	ttl := time.Duration(cfg.Lease.TTLSeconds) * time.Second
	l, ok, err := leases.Acquire(ctx, leaseName, holder, ttl)
	if err != nil {
		return err
	}
	if !ok {
		cur, _ := leases.Current(ctx, leaseName)
		if cur != nil {
			return fmt.Errorf("leader lease held by %s (term %d); let its sweeps run, or stop the daemon first", cur.Holder, cur.Term)
		}
		return fmt.Errorf("leader lease unavailable")
	}
	defer leases.Release(context.Background(), leaseName, holder, l.Term)

	// Resolve pending WAL entries before comparing stores, so half-applied
	// operations do not read as anomalies.
	if _, err := el.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	sw := reconcile.New(reconcile.Config{
		Backend:       store,
		Sidecars:      sidecars,
		Index:         idx,
		Repairer:      el,
		Exclusions:    reconcile.NewExclusions(),
		Leases:        leases,
		LeaseName:     leaseName,
		NodeID:        holder,
		Term:          l.Term,
		Interval:      time.Duration(cfg.Sweep.IntervalSeconds) * time.Second,
		FullEvery:     cfg.Sweep.FullEvery,
		KeysPerSecond: cfg.Sweep.KeysPerSecond,
		Log:           zerolog.Nop(),
		Metrics:       met,
	})
	stats, err := sw.Sweep(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("sweep done\n")
	fmt.Printf("  examined:         %d\n", stats.Examined)
	fmt.Printf("  missing index:    %d\n", stats.MissingIndex)
	fmt.Printf("  orphaned index:   %d\n", stats.OrphanedIndex)
	fmt.Printf("  stale index:      %d\n", stats.StaleIndex)
	fmt.Printf("  orphaned objects: %d\n", stats.OrphanedObjects)
	fmt.Printf("  corrupted:        %d\n", stats.Corrupted)
	fmt.Printf("  repaired:         %d\n", stats.Repaired)
	if stats.Skipped > 0 {
		fmt.Printf("  skipped (busy):   %d\n", stats.Skipped)
	}
	return nil
}

func runCreds(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}

	doc := map[string]any{}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Fresh file; shelf init fills in the rest.
	default:
		return err
	}

	if credsAccessKey == "" {
		credsAccessKey, err = readLine("S3 access key: ")
		if err != nil {
			return err
		}
	}
	secret, err := readSecret("S3 secret key: ")
	if err != nil {
		return err
	}
	if credsAccessKey == "" || secret == "" {
		return fmt.Errorf("access key and secret key are required")
	}

	be := subMap(doc, "backend")
	if _, ok := be["kind"]; !ok {
		be["kind"] = config.BackendS3
	}
	s3 := subMap(be, "s3")
	s3["access_key"] = credsAccessKey
	s3["secret_key"] = secret
	if credsBucket != "" {
		s3["bucket"] = credsBucket
	}
	if credsRegion != "" {
		s3["region"] = credsRegion
	}
	if credsEndpoint != "" {
		s3["endpoint"] = credsEndpoint
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return err
	}
	fmt.Printf("Credentials written to %s\n", path)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s exists (use --force to overwrite)", path)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "shelf-node"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(configTemplate, host)), 0600); err != nil {
		return err
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}

const configTemplate = `# shelf storage element config
node_id: "%s"
# data_dir: $XDG_DATA_HOME/shelf
log_level: info
metrics_addr: "127.0.0.1:9620"

backend:
  kind: folder
  # kind: s3
  # s3:
  #   bucket: my-shelf
  #   region: us-east-1

payload:
  compression: true
  compression_level: 2
  # encryption_key: <64 hex chars>

wal:
  segment_max_bytes: 4194304
  gc_interval_seconds: 60
  redrive_after_seconds: 300

lease:
  # db_path: one coordination database shared by every replica
  ttl_seconds: 15
  renew_interval_seconds: 5
  poll_interval_seconds: 2

sweep:
  interval_seconds: 300
  full_every: 12
  keys_per_second: 200
`

func openWal(cfg *config.Config) (*wal.WAL, error) {
	return wal.Open(wal.Config{
		Dir:             cfg.WAL.Dir,
		SegmentMaxBytes: cfg.WAL.SegmentMaxBytes,
		Log:             zerolog.Nop(),
		Metrics:         metrics.NewWith(prometheus.NewRegistry(), cfg.NodeID),
	})
}

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

func daemonRunning(pidPath string) bool {
	b, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return false
	}
	// Signal 0 checks if the process exists (Unix)
	return syscall.Kill(pid, 0) == nil
}

func parseTimeFlag(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func fmtUnix(sec float64) string {
	return time.Unix(0, int64(sec*1e9)).Format("2006-01-02 15:04:05")
}

func subMap(doc map[string]any, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	doc[key] = m
	return m
}

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func readSecret(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(prompt)
}
