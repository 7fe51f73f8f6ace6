package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/avazbek-dev/chatrelay/internal/conversation"
	"github.com/avazbek-dev/chatrelay/internal/followup"
	"github.com/avazbek-dev/chatrelay/internal/genai"
	"github.com/avazbek-dev/chatrelay/internal/history"
	"github.com/avazbek-dev/chatrelay/internal/messaging"
	"github.com/avazbek-dev/chatrelay/internal/orders"
	"github.com/avazbek-dev/chatrelay/internal/session"
	"github.com/avazbek-dev/chatrelay/internal/store"
	"github.com/avazbek-dev/chatrelay/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatRelay state data
	DefaultStateDir = "/var/lib/chatrelay"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatrelay.db"
	// DefaultSystemPromptFile is the default system prompt location
	DefaultSystemPromptFile = "system_prompt.txt"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping ChatRelay with configured modules")
	if err := run(flags); err != nil {
		slog.Error("ChatRelay failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatRelay exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	StateDir         string
	OpenAIKey        string
	SystemPromptFile string
	Operator         string
	IgnoredUsers     string
	FollowupDelay    string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	systemPrompt  *string
	operator      *string
	ignoredUsers  *string
	followupDelay *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("CHATRELAY_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
		Operator:         os.Getenv("OPERATOR_DESTINATION"),
		IgnoredUsers:     os.Getenv("IGNORED_USER_IDS"),
		FollowupDelay:    os.Getenv("FOLLOWUP_DELAY"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATRELAY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	if config.SystemPromptFile == "" {
		config.SystemPromptFile = filepath.Join(config.StateDir, DefaultSystemPromptFile)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CHATRELAY_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SYSTEM_PROMPT_FILE", config.SystemPromptFile,
		"OPERATOR_DESTINATION_SET", config.Operator != "",
		"IGNORED_USER_IDS_SET", config.IgnoredUsers != "",
		"FOLLOWUP_DELAY", config.FollowupDelay)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for ChatRelay data (overrides $CHATRELAY_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for WhatsApp and application store (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		systemPrompt:  flag.String("system-prompt", config.SystemPromptFile, "path to the system prompt file (overrides $SYSTEM_PROMPT_FILE)"),
		operator:      flag.String("operator", config.Operator, "operator destination for order notices (overrides $OPERATOR_DESTINATION)"),
		ignoredUsers:  flag.String("ignore", config.IgnoredUsers, "comma-separated user ids to ignore (overrides $IGNORED_USER_IDS)"),
		followupDelay: flag.String("followup-delay", config.FollowupDelay, "delay before the follow-up nudge, e.g. 10m (overrides $FOLLOWUP_DELAY)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"systemPrompt", *flags.systemPrompt,
		"operatorSet", *flags.operator != "",
		"followupDelay", *flags.followupDelay)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// parseIgnoredUsers splits the comma-separated ignore list.
func parseIgnoredUsers(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// parseFollowupDelay parses the follow-up delay, falling back to the default.
func parseFollowupDelay(raw string) time.Duration {
	if raw == "" {
		return followup.DefaultDelay
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("Invalid follow-up delay, using default", "value", raw, "default", followup.DefaultDelay)
		return followup.DefaultDelay
	}
	return d
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	// Application store for orders and session bindings.
	var storeOpts []store.Option
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	st, err := store.NewStore(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			slog.Error("Failed to close store", "error", cerr)
		}
	}()

	// Shared WhatsApp device container.
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.dbDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	container, err := whatsapp.NewContainer(waOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize WhatsApp container: %w", err)
	}

	ignoredUsers := parseIgnoredUsers(*flags.ignoredUsers)
	ignoredSet := make(map[string]struct{}, len(ignoredUsers))
	for _, id := range ignoredUsers {
		ignoredSet[id] = struct{}{}
	}

	hist := history.NewStore()

	gateway, err := genai.NewClient(hist,
		genai.WithAPIKey(*flags.openaiKey),
		genai.WithSystemPromptFile(*flags.systemPrompt),
		genai.WithIgnoreChecker(func(userID string) bool {
			_, ok := ignoredSet[userID]
			return ok
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize completion gateway: %w", err)
	}

	workflow := orders.NewWorkflow(st, *flags.operator)
	engine := conversation.NewEngine(hist, gateway, workflow, ignoredUsers)

	followups := followup.NewScheduler(hist, engine.Stopped,
		followup.WithDelay(parseFollowupDelay(*flags.followupDelay)))
	engine.BindFollowups(followups)

	factory := func(ctx context.Context, name, jid string) (messaging.Service, string, error) {
		client, err := container.OpenClient(ctx, jid)
		if err != nil {
			return nil, "", err
		}
		return messaging.NewWhatsAppService(name, client), client.JID(), nil
	}

	registry := session.NewRegistry(factory, st, engine)
	controller := session.NewController(registry)
	// Deferred in reverse run order: follow-up timers stop before the
	// sessions they would send through.
	defer registry.StopAll()
	defer followups.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := controller.ResumeAll(ctx); err != nil {
		slog.Error("Failed to resume persisted sessions", "error", err)
	}

	consoleDone := make(chan struct{})
	go func() {
		defer close(consoleDone)
		controller.RunConsole(ctx, os.Stdin)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case <-consoleDone:
		slog.Info("Console closed, shutting down")
	}
	return nil
}
