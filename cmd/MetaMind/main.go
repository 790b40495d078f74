package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/BTreeMap/MetaMind/internal/api"
	"github.com/BTreeMap/MetaMind/internal/genai"
	"github.com/BTreeMap/MetaMind/internal/lockfile"
	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/progress"
	"github.com/BTreeMap/MetaMind/internal/recovery"
	"github.com/BTreeMap/MetaMind/internal/scheduler"
	"github.com/BTreeMap/MetaMind/internal/session"
	"github.com/BTreeMap/MetaMind/internal/store"
	"github.com/BTreeMap/MetaMind/internal/twiliosms"
	"github.com/BTreeMap/MetaMind/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MetaMind state data
	DefaultStateDir = "/var/lib/metamind"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "metamind.db"
	// DefaultSpeechDirName holds synthesized announcements under the state directory
	DefaultSpeechDirName = "speech"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config.LogLevel)

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MetaMind session engine")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_url", *flags.apiURL)
	if err := run(ctx, flags, os.Stdin, os.Stdout); err != nil {
		slog.Error("MetaMind failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MetaMind exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel     string
	StateDir     string
	DatabaseURL  string
	APIURL       string
	APIToken     string
	APITimeout   time.Duration
	SessionID    string
	ModuleID     string
	ModuleFile   string
	OpenAIKey    string
	TTSEnabled   bool
	SMSTo        string
	SyncSchedule string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiURL       *string
	apiToken     *string
	apiTimeout   *time.Duration
	sessionID    *string
	moduleID     *string
	moduleFile   *string
	openaiKey    *string
	tts          *bool
	smsTo        *string
	syncSchedule *string
}

// initializeLogger sets up structured logging on stderr; stdout carries state snapshots
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: util.ParseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:     os.Getenv("METAMIND_LOG_LEVEL"),
		StateDir:     os.Getenv("METAMIND_STATE_DIR"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		APIURL:       os.Getenv("METAMIND_API_URL"),
		APIToken:     os.Getenv("METAMIND_API_TOKEN"),
		APITimeout:   util.ParseDurationEnv("METAMIND_API_TIMEOUT", api.DefaultTimeout),
		SessionID:    os.Getenv("METAMIND_SESSION_ID"),
		ModuleID:     os.Getenv("METAMIND_MODULE_ID"),
		ModuleFile:   os.Getenv("METAMIND_MODULE_FILE"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		TTSEnabled:   util.ParseBoolEnv("METAMIND_TTS_ENABLED", true),
		SMSTo:        os.Getenv("METAMIND_SMS_TO"),
		SyncSchedule: os.Getenv("METAMIND_SYNC_SCHEDULE"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No METAMIND_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("METAMIND_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Default to SQLite under the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL set, using SQLite in state directory", "db_path", config.DatabaseURL)
	}

	if config.SyncSchedule == "" {
		config.SyncSchedule = scheduler.DefaultSyncSchedule
	}

	slog.Debug("environment configuration loaded",
		"api_url_set", config.APIURL != "",
		"api_token_set", config.APIToken != "",
		"session_id", config.SessionID,
		"module_id", config.ModuleID,
		"openai_key_set", config.OpenAIKey != "",
		"tts_enabled", config.TTSEnabled,
		"sms_to_set", config.SMSTo != "",
		"METAMIND_SYNC_SCHEDULE", config.SyncSchedule)
	return config
}

// parseCommandLineFlags parses args over the environment configuration
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("MetaMind", flag.ContinueOnError)
	flags := Flags{
		stateDir:     fs.String("state-dir", config.StateDir, "state directory for MetaMind data (overrides $METAMIND_STATE_DIR)"),
		dbDSN:        fs.String("db-dsn", config.DatabaseURL, "database DSN, postgres or SQLite path (overrides $DATABASE_URL)"),
		apiURL:       fs.String("api-url", config.APIURL, "REST API base URL (overrides $METAMIND_API_URL)"),
		apiToken:     fs.String("api-token", config.APIToken, "REST API bearer token (overrides $METAMIND_API_TOKEN)"),
		apiTimeout:   fs.Duration("api-timeout", config.APITimeout, "REST API request timeout (overrides $METAMIND_API_TIMEOUT)"),
		sessionID:    fs.String("session-id", config.SessionID, "session to resume (overrides $METAMIND_SESSION_ID)"),
		moduleID:     fs.String("module-id", config.ModuleID, "module to study (overrides $METAMIND_MODULE_ID)"),
		moduleFile:   fs.String("module-file", config.ModuleFile, "module content JSON file used without an API (overrides $METAMIND_MODULE_FILE)"),
		openaiKey:    fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for spoken notifications (overrides $OPENAI_API_KEY)"),
		tts:          fs.Bool("tts", config.TTSEnabled, "speak intervention messages (overrides $METAMIND_TTS_ENABLED)"),
		smsTo:        fs.String("sms-to", config.SMSTo, "phone number for break reminders (overrides $METAMIND_SMS_TO)"),
		syncSchedule: fs.String("sync-schedule", config.SyncSchedule, "cron schedule for background sync (overrides $METAMIND_SYNC_SCHEDULE)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiURL", *flags.apiURL,
		"apiToken_set", *flags.apiToken != "",
		"apiTimeout", *flags.apiTimeout,
		"sessionID", *flags.sessionID,
		"moduleID", *flags.moduleID,
		"moduleFile", *flags.moduleFile,
		"openaiKeySet", *flags.openaiKey != "",
		"tts", *flags.tts,
		"smsTo_set", *flags.smsTo != "",
		"syncSchedule", *flags.syncSchedule)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	if *flags.sessionID == "" && *flags.moduleID == "" && *flags.moduleFile == "" {
		return Flags{}, errors.New("a session ID, module ID or module file is required")
	}
	return flags, nil
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the database directory
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) != store.DSNTypePostgres {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildAPIOptions constructs REST client options; ok is false without a base URL
func buildAPIOptions(flags Flags) (api.Options, bool) {
	url := strings.TrimSpace(*flags.apiURL)
	if url == "" {
		slog.Debug("No API URL provided, progress stays local")
		return api.Options{}, false
	}
	return api.Options{BaseURL: url, Token: *flags.apiToken, Timeout: *flags.apiTimeout, MaxRetries: api.DefaultMaxRetries}, true
}

// buildGenAIOptions constructs speech options writing audio under the state directory
func buildGenAIOptions(flags Flags) []genai.Option {
	genaiOpts := []genai.Option{
		genai.WithSink(&genai.DirSink{Dir: filepath.Join(*flags.stateDir, DefaultSpeechDirName)}),
	}
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// loadModuleFile reads module content from a JSON file
func loadModuleFile(path string) (*models.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module file: %w", err)
	}
	var m models.Module
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse module file %s: %w", path, err)
	}
	return &m, nil
}

// run wires the stack and drives one session from in until it ends.
func run(ctx context.Context, flags Flags, in io.Reader, out io.Writer) error {
	// Without session or module ID the module file names the progress key.
	var fileModule *models.Module
	if *flags.sessionID == "" && *flags.moduleID == "" {
		m, err := loadModuleFile(*flags.moduleFile)
		if err != nil {
			return err
		}
		if m.ID == "" {
			return fmt.Errorf("module file %s has no id", *flags.moduleFile)
		}
		fileModule = m
		*flags.moduleID = m.ID
	}

	owner := models.ProgressKey(*flags.sessionID, *flags.moduleID)
	lock, err := lockfile.AcquireLock(*flags.stateDir, owner)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("run: failed to release lock", "error", err)
		}
	}()

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	var remote progress.Remote
	var completer recovery.Completer
	if opts, ok := buildAPIOptions(flags); ok {
		client, err := api.New(opts)
		if err != nil {
			return err
		}
		remote, completer = client, client
	}

	var engine atomic.Pointer[session.Engine]
	bridge, err := progress.NewBridge(progress.Options{
		Store:     st,
		Remote:    remote,
		SessionID: *flags.sessionID,
		ModuleID:  *flags.moduleID,
		Online:    remote != nil,
		OnStatus: func(status string) {
			if e := engine.Load(); e != nil {
				e.SetSaveStatus(status)
			}
		},
		OnReconcile: func(s *models.Session) {
			slog.Info("run: remote session reloaded", "sessionID", s.ID, "active", s.IsActive)
			if e := engine.Load(); e != nil {
				e.ApplyRemoteSession(*s)
			}
		},
	})
	if err != nil {
		return err
	}
	defer bridge.Close()

	mgr := recovery.NewManager(st)
	mgr.RegisterRecoverable(recovery.InterruptedOutbox{Sender: bridge.Sender()})
	mgr.RegisterRecoverable(recovery.CompletedSessions{Remote: completer})
	if err := mgr.RecoverAll(ctx); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return err
		}
		slog.Warn("run: recovery incomplete", "error", err)
	}

	module := fileModule
	if module == nil {
		if module, err = resolveModule(ctx, bridge, flags); err != nil {
			return err
		}
	}

	saved, err := bridge.Load()
	if err != nil {
		slog.Warn("run: saved progress unreadable, starting fresh", "error", err)
		saved = nil
	}
	if remote != nil {
		if _, err := bridge.Start(ctx); err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				return err
			}
			slog.Warn("run: remote start failed, continuing offline", "error", err)
			bridge.SetOnline(false)
		}
	}

	w := newStateWriter(out)
	cfg := session.Config{
		Module:    module,
		Persister: bridge,
		Observer:  w,
		Restore:   saved,
	}
	if *flags.tts && *flags.openaiKey != "" {
		speech, err := genai.NewClient(buildGenAIOptions(flags)...)
		if err != nil {
			slog.Warn("run: speech disabled", "error", err)
		} else {
			cfg.Announcer = speech
		}
	}
	if *flags.smsTo != "" {
		sms, err := twiliosms.NewClient()
		if err != nil {
			slog.Warn("run: SMS reminders disabled", "error", err)
		} else {
			cfg.Notifier = twiliosms.NewNotifier(sms, *flags.smsTo)
		}
	}

	e, err := session.New(cfg)
	if err != nil {
		return err
	}
	engine.Store(e)
	defer e.Wait()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	completions := recovery.CompletedSessions{Remote: completer}
	err = sched.AddJob("sync", *flags.syncSchedule, func() {
		res := bridge.Flush(ctx)
		if res.Sent > 0 || res.Failed > 0 || res.Dropped > 0 {
			slog.Debug("run: outbox flushed", "sent", res.Sent, "failed", res.Failed, "dropped", res.Dropped)
		}
		if err := completions.RecoverState(ctx, recovery.NewRegistry(st)); err != nil {
			slog.Warn("run: completion retry failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	if err := e.Start(); err != nil {
		return err
	}
	h := &handler{engine: e, bridge: bridge, out: w}
	return h.loop(ctx, in)
}

// resolveModule loads module content from the API, falling back to the module file.
func resolveModule(ctx context.Context, bridge *progress.Bridge, flags Flags) (*models.Module, error) {
	m, _, err := bridge.LoadModule(ctx)
	if err == nil {
		return m, nil
	}
	if errors.Is(err, api.ErrUnauthorized) {
		return nil, err
	}
	if *flags.moduleFile == "" {
		return nil, fmt.Errorf("failed to load module: %w", err)
	}
	if !errors.Is(err, progress.ErrNoRemote) {
		slog.Warn("resolveModule: remote module unavailable, using file", "error", err, "path", *flags.moduleFile)
	}
	return loadModuleFile(*flags.moduleFile)
}
