package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mailvault/mailvault/cmd/executor"
	"github.com/mailvault/mailvault/cmd/manifest"
	"github.com/mailvault/mailvault/cmd/stats"
	"github.com/mailvault/mailvault/cmd/store"
	"github.com/mailvault/mailvault/cmd/transfer"
)

// ErrLockHeld means another mailvault process owns the state directory.
var ErrLockHeld = errors.New("another mailvault instance holds the state lock")

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/mailvault/mailvault/cmd.Version=1.2.3"
	Version = "dev" // Default to "dev" if not set during build

	// signalContext is set by main() before Cobra initialization
	// This ensures signal handling is set up before any library can interfere
	signalContext context.Context
	stopFilePath  string

	// versionCheckResult stores the result of the background version check
	versionCheckResult *VersionCheckResult

	cfgFile   string
	debug     bool
	logFormat string
	dryRun    bool

	maildirPath      string
	stateDir         string
	workers          int
	retention        int
	verifySample     int
	noRepair         bool
	statusInterval   int
	uploadRetries    int
	compression      string
	compressionLevel int
	pathTemplate     string

	storeDriver     string
	storePath       string
	storeDSN        string
	storeMaxRetries int
	storeRetryDelay int

	remoteBackend string
	s3Endpoint    string
	s3Bucket      string
	s3AccessKey   string
	s3SecretKey   string
	s3Region      string
	rcloneRemote  string
	rcloneBinary  string
	rcloneTimeout int

	fullScan     bool
	rotatePeriod int

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context, stopFile string) {
	signalContext = ctx
	stopFilePath = stopFile
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, level, r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	// For simplicity, we ignore attributes in text-only mode
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	// For simplicity, we ignore groups in text-only mode
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(os.Stdout, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(os.Stdout, opts)
	}

	logger = slog.New(handler)
}

var rootCmd = &cobra.Command{
	Use:     "mailvault",
	Version: Version,
	Short:   "📦 Incremental mail backup with verified remote state",
	Long: titleStyle.Render("MailVault") + `

A CLI tool that keeps an extracted mail tree backed up to remote storage.
Tracks per-message lifecycle state in a local database, journals every upload
intent for crash recovery, verifies remote content by hash, repairs what it
can, and rotates old years into sealed compressed archives.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Replay the recovery journal, then upload every unsynced message",
	Long: `Replay unresolved uploads from the recovery journal, then back up every
processed message that has not yet been confirmed at the remote. Uploads are
journaled before they start and verified by hash after they land.`,
	Run: func(_ *cobra.Command, _ []string) {
		runBackup()
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Hash-check backed-up messages against remote storage",
	Long: `Recompute remote content hashes for synced and archived messages and compare
them with the recorded ones. Mismatches and missing objects are reported;
nothing is modified beyond stamping verified records.`,
	Run: func(_ *cobra.Command, _ []string) {
		runVerify()
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Verify everything and re-upload what is missing or corrupt",
	Long: `Run a full verification scan and push every missing or corrupt remote object
back up from the local copy. Records whose local copy is also gone are
reported as unrepairable.`,
	Run: func(_ *cobra.Command, _ []string) {
		runRepair()
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Seal completed years into compressed remote archives",
	Long: `Fold every period older than the retention window into one sealed compressed
archive at the remote. An existing sealed archive is authoritative: its
members are merged, never re-uploaded.`,
	Run: func(_ *cobra.Command, _ []string) {
		runRotate()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Full pipeline: backup, rotate, verify",
	Long:  `Run the complete maintenance pipeline: journal replay and incremental backup, archive rotation, then a verification pass with repair.`,
	Run: func(_ *cobra.Command, _ []string) {
		runPipeline()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running task and store summary",
	Run: func(_ *cobra.Command, _ []string) {
		runStatus()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// engineCommands all share the same engine flag set
var engineCommands = []*cobra.Command{backupCmd, verifyCmd, repairCmd, rotateCmd, runCmd}

func addEngineFlags(c *cobra.Command) {
	c.Flags().StringVar(&maildirPath, "maildir", "", "root of the extracted mail tree (required)")
	c.Flags().StringVar(&stateDir, "state-dir", "", "directory for database, journal and lock file (required)")
	c.Flags().IntVar(&workers, "workers", 4, "number of parallel workers")

	c.Flags().StringVar(&storeDriver, "db-driver", "sqlite", "state store driver (sqlite, postgres)")
	c.Flags().StringVar(&storePath, "db-path", "", "sqlite database file (default <state-dir>/mailvault.db)")
	c.Flags().StringVar(&storeDSN, "db-dsn", "", "postgres connection string")
	c.Flags().IntVar(&storeMaxRetries, "db-max-retries", 5, "retry attempts when the store reports busy")
	c.Flags().IntVar(&storeRetryDelay, "db-retry-delay", 100, "delay in milliseconds between busy retries")

	c.Flags().StringVar(&remoteBackend, "remote-backend", "s3", "remote storage backend (s3, rclone)")
	c.Flags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	c.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket name")
	c.Flags().StringVar(&s3AccessKey, "s3-access-key", "", "S3 access key")
	c.Flags().StringVar(&s3SecretKey, "s3-secret-key", "", "S3 secret key")
	c.Flags().StringVar(&s3Region, "s3-region", "auto", "S3 region")
	c.Flags().StringVar(&rcloneRemote, "rclone-remote", "", "rclone remote name (e.g. crypt:mail)")
	c.Flags().StringVar(&rcloneBinary, "rclone-binary", "rclone", "rclone binary path")
	c.Flags().IntVar(&rcloneTimeout, "rclone-timeout", 600, "timeout in seconds per rclone invocation")

	c.Flags().IntVar(&retention, "retention", 1, "years kept out of rotation, counted back from the current year")
	c.Flags().IntVar(&verifySample, "verify-sample", 0, "records per verification pass (0 = full scan)")
	c.Flags().BoolVar(&noRepair, "no-repair", false, "never re-upload during verification")
	c.Flags().IntVar(&statusInterval, "status-interval", 60, "seconds between status report lines (0 = off)")
	c.Flags().IntVar(&uploadRetries, "upload-retries", 2, "post-upload hash verification retries")

	c.Flags().StringVar(&compression, "compression", "zstd", "sealed archive compression: zstd, lz4, gzip, none")
	c.Flags().IntVar(&compressionLevel, "compression-level", 3, "compression level (zstd: 1-22, lz4/gzip: 1-9, none: 0)")
	c.Flags().StringVar(&pathTemplate, "path-template", "{period}/{shard}/{fingerprint}", "remote path template with placeholders: {period}, {shard}, {fingerprint}")
}

func bindEngineFlags(c *cobra.Command) {
	_ = viper.BindPFlag("maildir", c.Flags().Lookup("maildir"))
	_ = viper.BindPFlag("state_dir", c.Flags().Lookup("state-dir"))
	_ = viper.BindPFlag("workers", c.Flags().Lookup("workers"))

	_ = viper.BindPFlag("store.driver", c.Flags().Lookup("db-driver"))
	_ = viper.BindPFlag("store.path", c.Flags().Lookup("db-path"))
	_ = viper.BindPFlag("store.dsn", c.Flags().Lookup("db-dsn"))
	_ = viper.BindPFlag("store.max_retries", c.Flags().Lookup("db-max-retries"))
	_ = viper.BindPFlag("store.retry_delay", c.Flags().Lookup("db-retry-delay"))

	_ = viper.BindPFlag("remote.backend", c.Flags().Lookup("remote-backend"))
	_ = viper.BindPFlag("s3.endpoint", c.Flags().Lookup("s3-endpoint"))
	_ = viper.BindPFlag("s3.bucket", c.Flags().Lookup("s3-bucket"))
	_ = viper.BindPFlag("s3.access_key", c.Flags().Lookup("s3-access-key"))
	_ = viper.BindPFlag("s3.secret_key", c.Flags().Lookup("s3-secret-key"))
	_ = viper.BindPFlag("s3.region", c.Flags().Lookup("s3-region"))
	_ = viper.BindPFlag("rclone.remote", c.Flags().Lookup("rclone-remote"))
	_ = viper.BindPFlag("rclone.binary", c.Flags().Lookup("rclone-binary"))
	_ = viper.BindPFlag("rclone.timeout", c.Flags().Lookup("rclone-timeout"))

	_ = viper.BindPFlag("retention", c.Flags().Lookup("retention"))
	_ = viper.BindPFlag("verify_sample", c.Flags().Lookup("verify-sample"))
	_ = viper.BindPFlag("no_repair", c.Flags().Lookup("no-repair"))
	_ = viper.BindPFlag("status_interval", c.Flags().Lookup("status-interval"))
	_ = viper.BindPFlag("upload_retries", c.Flags().Lookup("upload-retries"))

	_ = viper.BindPFlag("compression", c.Flags().Lookup("compression"))
	_ = viper.BindPFlag("compression_level", c.Flags().Lookup("compression-level"))
	_ = viper.BindPFlag("path_template", c.Flags().Lookup("path-template"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mailvault.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "plan without uploading or changing state")

	for _, c := range engineCommands {
		addEngineFlags(c)
	}

	verifyCmd.Flags().BoolVar(&fullScan, "full", false, "verify every record regardless of verify-sample")
	rotateCmd.Flags().IntVar(&rotatePeriod, "period", 0, "rotate a single period (year) instead of all candidates")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.

	// Bind persistent flags
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))

	// Bind engine flags (last binding wins for shared variables)
	for _, c := range engineCommands {
		bindEngineFlags(c)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mailvault")
	}

	viper.SetEnvPrefix("MAILVAULT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		// Initialize logger early if reading config in debug mode
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig assembles the immutable configuration from all viper sources.
func loadConfig() *Config {
	config := &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		DryRun:    viper.GetBool("dry_run"),
		Workers:   viper.GetInt("workers"),

		MaildirPath: viper.GetString("maildir"),
		StateDir:    viper.GetString("state_dir"),

		Retention:      viper.GetInt("retention"),
		VerifySample:   viper.GetInt("verify_sample"),
		RepairEnabled:  !viper.GetBool("no_repair"),
		StatusInterval: viper.GetInt("status_interval"),
		UploadRetries:  viper.GetInt("upload_retries"),

		Compression:      viper.GetString("compression"),
		CompressionLevel: viper.GetInt("compression_level"),
		PathTemplate:     viper.GetString("path_template"),

		Store: StoreConfig{
			Driver:     viper.GetString("store.driver"),
			Path:       viper.GetString("store.path"),
			DSN:        viper.GetString("store.dsn"),
			MaxRetries: viper.GetInt("store.max_retries"),
			RetryDelay: viper.GetInt("store.retry_delay"),
		},
		Remote: RemoteConfig{
			Backend: viper.GetString("remote.backend"),
			S3: S3Config{
				Endpoint:  viper.GetString("s3.endpoint"),
				Bucket:    viper.GetString("s3.bucket"),
				AccessKey: viper.GetString("s3.access_key"),
				SecretKey: viper.GetString("s3.secret_key"),
				Region:    viper.GetString("s3.region"),
			},
			Rclone: RcloneConfig{
				Remote:  viper.GetString("rclone.remote"),
				Binary:  viper.GetString("rclone.binary"),
				Timeout: viper.GetInt("rclone.timeout"),
			},
		},
	}

	if config.Store.Path == "" && config.StateDir != "" {
		config.Store.Path = filepath.Join(config.StateDir, "mailvault.db")
	}
	if config.Compression == "none" {
		config.CompressionLevel = 0
	}

	return config
}

// engine bundles the shared long-lived components every command runs on.
type engine struct {
	config   *Config
	lock     *flock.Flock
	store    *store.Store
	journal  *manifest.Manifest
	remote   transfer.Remote
	counters *stats.Counters
	reporter *stats.Reporter
}

// openEngine acquires the single-writer lock and opens the store, the
// recovery journal and the remote backend. Close in reverse order.
func openEngine(ctx context.Context, config *Config) (*engine, error) {
	if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lock := flock.New(filepath.Join(config.StateDir, "mailvault.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire state lock: %w", err)
	}
	if !locked {
		return nil, ErrLockHeld
	}

	st, err := store.Open(ctx, store.Config{
		Driver:       config.Store.Driver,
		Path:         config.Store.Path,
		DSN:          config.Store.DSN,
		MaxOpenConns: config.Workers + 1,
		MaxRetries:   config.Store.MaxRetries,
		RetryDelay:   config.Store.RetryDelayDuration(),
	}, logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	journal, err := manifest.Open(filepath.Join(config.StateDir, "journal.wal"), logger)
	if err != nil {
		_ = st.Close()
		_ = lock.Unlock()
		return nil, err
	}

	remote, err := transfer.New(transfer.Config{
		Backend: config.Remote.Backend,
		S3: transfer.S3Config{
			Endpoint:  config.Remote.S3.Endpoint,
			Bucket:    config.Remote.S3.Bucket,
			AccessKey: config.Remote.S3.AccessKey,
			SecretKey: config.Remote.S3.SecretKey,
			Region:    config.Remote.S3.Region,
		},
		Rclone: transfer.RcloneConfig{
			Remote:  config.Remote.Rclone.Remote,
			Binary:  config.Remote.Rclone.Binary,
			Timeout: time.Duration(config.Remote.Rclone.Timeout) * time.Second,
		},
	}, logger)
	if err != nil {
		_ = journal.Close()
		_ = st.Close()
		_ = lock.Unlock()
		return nil, err
	}

	eng := &engine{
		config:   config,
		lock:     lock,
		store:    st,
		journal:  journal,
		remote:   remote,
		counters: stats.New(),
	}

	if config.StatusInterval > 0 && config.Debug {
		// Periodic status lines only make sense outside the TUI
		eng.reporter = stats.NewReporter(eng.counters, time.Duration(config.StatusInterval)*time.Second, logger)
		eng.reporter.Start(ctx)
	}

	return eng, nil
}

func (e *engine) close() {
	if e.reporter != nil {
		e.reporter.Stop()
	}
	if err := e.journal.Close(); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Failed to close recovery journal: %v", err))
	}
	if err := e.store.Close(); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Failed to close state store: %v", err))
	}
	_ = e.lock.Unlock()
}

// runSummary accumulates per-item outcomes across pipeline stages to decide
// the process exit code.
type runSummary struct {
	failed       []string
	unrepairable []string
}

func (s *runSummary) absorb(batch executor.Batch) {
	s.failed = append(s.failed, batch.Failed...)
}

func (s *runSummary) absorbReport(report *IntegrityReport) {
	if report == nil {
		return
	}
	s.failed = append(s.failed, report.Failed...)
	s.unrepairable = append(s.unrepairable, report.Unrepairable...)
}

// exitCodeFor maps a run's outcome to the documented exit codes:
// 0 clean, 1 transient failures, 2 any unrepairable item, 130 cancellation.
func exitCodeFor(ctx context.Context, sum *runSummary, err error) int {
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return 130
	case len(sum.unrepairable) > 0:
		return 2
	case err != nil || len(sum.failed) > 0:
		return 1
	default:
		return 0
	}
}

// printSummary reports counters plus the explicit failed and unrepairable
// identity lists at the end of every run.
func printSummary(eng *engine, sum *runSummary) {
	logger.Info("")
	logger.Info(fmt.Sprintf("📊 Run summary: %s", eng.counters.Format()))
	if len(sum.failed) > 0 {
		logger.Warn(fmt.Sprintf("⚠️  %d failed (will retry next run):", len(sum.failed)))
		for _, id := range sum.failed {
			logger.Warn(fmt.Sprintf("   ❌ %s", id))
		}
	}
	if len(sum.unrepairable) > 0 {
		logger.Error(fmt.Sprintf("🚨 %d unrepairable (local and remote copies both lost):", len(sum.unrepairable)))
		for _, id := range sum.unrepairable {
			logger.Error(fmt.Sprintf("   🚨 %s", id))
		}
	}
}

// prepareRun loads config, sets up logging and the signal context shared by
// every engine command.
func prepareRun(title string) (*Config, context.Context, context.CancelFunc) {
	config := loadConfig()
	initLogger(config.Debug, config.LogFormat)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 MailVault v%s - %s", Version, title))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	// Display stop instructions - only in debug mode
	// In TUI mode, printing to stderr corrupts the display
	if config.Debug && stopFilePath != "" {
		fmt.Fprintln(os.Stderr, "\n"+infoStyle.Render("💡 To stop mailvault: Press CTRL-C, or run:"))
		fmt.Fprintf(os.Stderr, "   "+infoStyle.Render("touch %s")+"\n\n", stopFilePath)
	}

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	// Use the signal context created in main() before Cobra initialization
	ctx := signalContext
	var stop context.CancelFunc = func() {}
	if ctx == nil {
		// Fallback if SetSignalContext wasn't called (shouldn't happen)
		logger.Warn("Signal context not set, creating fallback...")
		ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	}

	return config, ctx, stop
}

// checkUpdatesBriefly kicks off the background version check and waits at
// most two seconds for it.
func checkUpdatesBriefly(config *Config) {
	updateCheckDone := make(chan struct{})
	go func() {
		defer close(updateCheckDone)
		result := checkForUpdates(context.Background(), Version)
		versionCheckResult = &result

		if result.UpdateAvailable {
			logger.Info("")
			logger.Info(fmt.Sprintf("💡 %s", formatUpdateMessage(result)))
		} else if result.Error != nil && config.Debug {
			logger.Debug(fmt.Sprintf("Version check failed: %v", result.Error))
		}
	}()

	select {
	case <-updateCheckDone:
	case <-time.After(2 * time.Second):
		logger.Debug("Version check taking longer than expected, continuing...")
	}
}

// armForceExit force-exits the process if graceful shutdown after a signal
// takes too long. Close the returned channel once shutdown completed.
func armForceExit(ctx context.Context) chan struct{} {
	exited := make(chan struct{})
	go func() {
		<-ctx.Done()
		select {
		case <-exited:
			return
		default:
		}
		logger.Info("")
		logger.Info("⚠️  Interrupt signal received, shutting down...")

		select {
		case <-exited:
		case <-time.After(2 * time.Second):
			logger.Error("⚠️  Graceful shutdown timed out, forcing exit...")
			os.Exit(130)
		}
	}()
	return exited
}

type pipelineFunc func(ctx context.Context, eng *engine, rep *ProgressReporter, sum *runSummary) error

// execute runs one engine command end to end: engine setup, pid/task files,
// the pipeline (interactive or plain depending on --debug), summary and exit
// code.
func execute(title, command string, pipeline pipelineFunc) {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config, ctx, stop := prepareRun(title)
	defer stop()

	checkUpdatesBriefly(config)

	exited := armForceExit(ctx)

	eng, err := openEngine(ctx, config)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Startup failed: %s", err.Error()))
		os.Exit(1)
	}

	if err := WritePIDFile(); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Failed to write PID file: %v", err))
	}
	taskInfo := &TaskInfo{
		PID:       os.Getpid(),
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
		Command:   command,
	}
	_ = WriteTaskInfo(taskInfo)

	sum := &runSummary{}
	var runErr error
	if config.Debug {
		runErr = pipeline(ctx, eng, nil, sum)
	} else {
		reporter := NewProgressReporter()
		uiCtx, cancel := context.WithCancel(ctx)
		go func() {
			reporter.Done(pipeline(uiCtx, eng, reporter, sum))
		}()
		runErr = RunProgressUI(reporter, eng.counters, taskInfo, cancel)
		cancel()
	}

	eng.close()
	_ = RemoveTaskFile()
	_ = RemovePIDFile()
	close(exited)

	printSummary(eng, sum)

	code := exitCodeFor(ctx, sum, runErr)
	switch {
	case code == 130:
		logger.Info("")
		logger.Info(fmt.Sprintf("⚠️  %s cancelled by user", title))
		os.Exit(130)
	case runErr != nil:
		logger.Error(fmt.Sprintf("❌ %s failed: %s", title, runErr.Error()))
		os.Exit(code)
	case code != 0:
		os.Exit(code)
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("✅ %s completed successfully!", title))
}

// backupStage replays the journal and uploads everything unsynced.
func backupStage(ctx context.Context, eng *engine, rep *ProgressReporter, sum *runSummary) error {
	up := NewUploader(eng.config, eng.store, eng.journal, eng.remote, eng.counters, logger)

	rep.Phase(PhaseReplaying, "🔁 Replaying recovery journal")
	rep.Totals(eng.journal.Len())
	batch, err := up.Replay(ctx)
	if err != nil {
		return err
	}
	sum.absorb(batch)

	rep.Phase(PhaseBackingUp, "📤 Uploading unsynced messages")
	if rep != nil {
		if s, serr := eng.store.Summarize(ctx); serr == nil {
			rep.Totals(int(s.Unsynced))
		}
	}
	batch, err = up.IncrementalUpload(ctx)
	if err != nil {
		return err
	}
	sum.absorb(batch)

	return ctx.Err()
}

// verifyStage hash-checks records; with repair enabled it also re-uploads
// findings through the journaled path.
func verifyStage(ctx context.Context, eng *engine, rep *ProgressReporter, sum *runSummary, sample int, repair bool) error {
	up := NewUploader(eng.config, eng.store, eng.journal, eng.remote, eng.counters, logger)
	checker := NewChecker(eng.config, eng.store, up, eng.remote, eng.counters, logger)

	rep.Phase(PhaseVerifying, "🔍 Verifying remote content hashes")
	if rep != nil {
		if s, serr := eng.store.Summarize(ctx); serr == nil {
			total := int(s.Synced)
			if sample > 0 && sample < total {
				total = sample
			}
			rep.Totals(total)
		}
	}

	if repair {
		report, err := checker.VerifyAndRepair(ctx, sample)
		sum.absorbReport(report)
		return err
	}

	findings, report, err := checker.Verify(ctx, sample)
	sum.absorbReport(report)
	// Without repair, every finding is an unresolved failure for exit purposes
	for _, f := range findings {
		sum.failed = append(sum.failed, f.Item.Fingerprint)
	}
	return err
}

// rotateStage seals one period or every candidate.
func rotateStage(ctx context.Context, eng *engine, rep *ProgressReporter, sum *runSummary, period int) error {
	rotator, err := NewRotator(eng.config, eng.store, eng.journal, eng.remote, eng.counters, logger)
	if err != nil {
		return err
	}

	rep.Phase(PhaseRotating, "📦 Rotating completed periods into sealed archives")

	if period != 0 {
		if err := rotator.ArchivePeriod(ctx, period); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			sum.failed = append(sum.failed, strconv.Itoa(period))
			logger.Warn(fmt.Sprintf("⚠️  Rotation of %d failed: %v", period, err))
		}
		return ctx.Err()
	}

	batch, err := rotator.RotateAll(ctx)
	if err != nil {
		return err
	}
	sum.absorb(batch)
	return ctx.Err()
}

func runBackup() {
	execute("Backup", "backup", backupStage)
}

func runVerify() {
	execute("Verification", "verify", func(ctx context.Context, eng *engine, rep *ProgressReporter, sum *runSummary) error {
		sample := eng.config.VerifySample
		if fullScan {
			sample = 0
		}
		return verifyStage(ctx, eng, rep, sum, sample, false)
	})
}

func runRepair() {
	execute("Repair", "repair", func(ctx context.Context, eng *engine, rep *ProgressReporter, sum *runSummary) error {
		// Repair always scans everything; a sampled repair leaves known
		// damage in place.
		return verifyStage(ctx, eng, rep, sum, 0, eng.config.RepairEnabled)
	})
}

func runRotate() {
	execute("Rotation", "rotate", func(ctx context.Context, eng *engine, rep *ProgressReporter, sum *runSummary) error {
		return rotateStage(ctx, eng, rep, sum, rotatePeriod)
	})
}

func runPipeline() {
	execute("Pipeline", "run", func(ctx context.Context, eng *engine, rep *ProgressReporter, sum *runSummary) error {
		if err := backupStage(ctx, eng, rep, sum); err != nil {
			return err
		}
		if err := rotateStage(ctx, eng, rep, sum, 0); err != nil {
			return err
		}
		return verifyStage(ctx, eng, rep, sum, eng.config.VerifySample, eng.config.RepairEnabled)
	})
}

func runStatus() {
	config := loadConfig()
	initLogger(config.Debug, config.LogFormat)

	pid, err := ReadPIDFile()
	switch {
	case err != nil:
		logger.Info("No mailvault process registered")
	case IsProcessRunning(pid):
		logger.Info(fmt.Sprintf("🏃 mailvault running (pid %d)", pid))
		if info, err := ReadTaskInfo(); err == nil {
			logger.Info(fmt.Sprintf("   Command: %s (run %s, started %s)",
				info.Command, info.RunID, info.StartTime.Format("2006-01-02 15:04:05")))
			logger.Info(fmt.Sprintf("   Task: %s %s", info.CurrentTask, info.CurrentItem))
			if info.TotalItems > 0 {
				logger.Info(fmt.Sprintf("   Progress: %d/%d (%.0f%%)",
					info.CompletedItems, info.TotalItems, info.Progress*100))
			}
		}
	default:
		logger.Info(fmt.Sprintf("💀 Stale PID file: process %d is not running", pid))
	}

	// Store summary works without the full engine config
	if config.StateDir == "" {
		return
	}
	if config.Store.Path == "" {
		config.Store.Path = filepath.Join(config.StateDir, "mailvault.db")
	}

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{
		Driver: config.Store.Driver,
		Path:   config.Store.Path,
		DSN:    config.Store.DSN,
	}, logger)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️  State store unavailable: %v", err))
		return
	}
	defer st.Close()

	summary, err := st.Summarize(ctx)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Failed to summarize store: %v", err))
		return
	}
	logger.Info(fmt.Sprintf("📊 Store: %d messages, %d unsynced, %d synced, %d archived, %d verified",
		summary.Total, summary.Unsynced, summary.Synced, summary.Archived, summary.Verified))
}
