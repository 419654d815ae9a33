package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/conversa-dev/conversa/internal/api"
	"github.com/conversa-dev/conversa/internal/genai"
	"github.com/conversa-dev/conversa/internal/session"
	"github.com/conversa-dev/conversa/internal/store"
	"github.com/conversa-dev/conversa/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Conversa state data
	DefaultStateDir = "/var/lib/conversa"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "conversa.db"
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

	// Build module options
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	channelOpts := buildChannelOptions(flags)
	apiOpts := buildAPIOptions(flags, config)

	// Start the service
	slog.Info("Bootstrapping Conversa with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "provider", channelOpts.Provider, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(storeOpts, genaiOpts, channelOpts, apiOpts); err != nil {
		slog.Error("Conversa failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Conversa exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	StateDir       string
	OpenAIKey      string
	OpenAIModel    string
	APIAddr        string
	VerifyToken    string
	Provider       string
	SessionTimeout time.Duration
	ReapInterval   time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	openaiModel *string
	apiAddr     *string
	verifyToken *string
	provider    *string
}

// initializeLogger sets up structured logging; CONVERSA_DEBUG=true lowers the
// level to debug
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CONVERSA_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StateDir:       os.Getenv("CONVERSA_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		APIAddr:        os.Getenv("API_ADDR"),
		VerifyToken:    os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		Provider:       util.GetEnvOrDefault("CHANNEL_PROVIDER", "cloudapi"),
		SessionTimeout: util.ParseDurationEnv("SESSION_TIMEOUT", session.DefaultSessionTimeout),
		ReapInterval:   util.ParseDurationEnv("REAPER_INTERVAL", session.DefaultReapInterval),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CONVERSA_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("CONVERSA_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CONVERSA_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"WEBHOOK_VERIFY_TOKEN_SET", config.VerifyToken != "",
		"CHANNEL_PROVIDER", config.Provider,
		"SESSION_TIMEOUT", config.SessionTimeout,
		"REAPER_INTERVAL", config.ReapInterval)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for Conversa data (overrides $CONVERSA_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel: flag.String("openai-model", config.OpenAIModel, "OpenAI model name (overrides $OPENAI_MODEL)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		verifyToken: flag.String("verify-token", config.VerifyToken, "webhook verification token (overrides $WEBHOOK_VERIFY_TOKEN)"),
		provider:    flag.String("channel-provider", config.Provider, "outbound channel provider, cloudapi or twilio (overrides $CHANNEL_PROVIDER)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"verifyTokenSet", *flags.verifyToken != "",
		"provider", *flags.provider)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildChannelOptions constructs outbound channel configuration. Credentials
// are left to the senders' own environment fallbacks.
func buildChannelOptions(flags Flags) api.ChannelOpts {
	return api.ChannelOpts{Provider: *flags.provider}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.verifyToken != "" {
		apiOpts = append(apiOpts, api.WithVerifyToken(*flags.verifyToken))
	}
	apiOpts = append(apiOpts,
		api.WithSessionTimeout(config.SessionTimeout),
		api.WithReapInterval(config.ReapInterval))
	return apiOpts
}
