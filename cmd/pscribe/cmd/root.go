package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/pianoscribe/pkg/client"
	"github.com/psantana5/pianoscribe/pkg/history"
	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/tlsconfig"
	"github.com/psantana5/pianoscribe/pkg/tracing"
	"github.com/psantana5/pianoscribe/pkg/tracker"
)

// Version is set at build time
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pscribe",
	Short: "Client for the piano transcription service",
	Long: `pscribe uploads WAV recordings of piano music to the transcription service,
follows the transcription until it finishes and retrieves the resulting score
as PDF or MIDI.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pscribe/config.yaml)")
	pf.String("api-url", "", "transcription API URL (default from config or http://localhost:8000/api/v1)")
	pf.String("api-key", "", "API key sent as a bearer token")
	pf.StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	pf.Bool("log-json", false, "log as JSON lines")
	pf.Bool("log-file", false, "also write logs under /var/log/pscribe or ./logs")

	viper.BindPFlag("api_url", pf.Lookup("api-url"))
	viper.BindPFlag("api_key", pf.Lookup("api-key"))
	viper.BindPFlag("log_level", pf.Lookup("log-level"))
	viper.BindPFlag("log_json", pf.Lookup("log-json"))
	viper.BindPFlag("log_file", pf.Lookup("log-file"))
}

func setDefaults() {
	def := tracker.DefaultConfig()
	viper.SetDefault("api_url", "http://localhost:8000/api/v1")
	viper.SetDefault("transport", string(def.Mode))
	viper.SetDefault("poll_interval", def.PollInterval)
	viper.SetDefault("max_poll_failures", def.MaxPollFailures)
	viper.SetDefault("submit_timeout", def.SubmitTimeout)
	viper.SetDefault("connect_timeout", def.ConnectTimeout)
	viper.SetDefault("request_timeout", 30*time.Second)
	viper.SetDefault("max_file_size", def.MaxFileSize)
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4318")

	if home, err := os.UserHomeDir(); err == nil {
		viper.SetDefault("history_dsn", "sqlite://"+filepath.Join(home, ".pscribe", "history.db"))
	} else {
		viper.SetDefault("history_dsn", "memory")
	}
}

// initConfig reads in .env, the config file and ENV variables if set
func initConfig() {
	// A missing .env is the normal case
	_ = godotenv.Load()

	setDefaults()

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".pscribe/config" (without extension)
		viper.AddConfigPath(filepath.Join(home, ".pscribe"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PSCRIBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind specific environment variables
	viper.BindEnv("api_key", "PSCRIBE_API_KEY")
	viper.BindEnv("api_url", "PSCRIBE_API_URL")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// GetAPIURL returns the configured API URL with trailing slashes removed
func GetAPIURL() string {
	return strings.TrimRight(viper.GetString("api_url"), "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// IsYAMLOutput returns true if YAML output is requested
func IsYAMLOutput() bool {
	return outputFormat == "yaml"
}

// newLogger builds the logger for one command
func newLogger(component string) *logging.Logger {
	level := logging.ParseLevel(viper.GetString("log_level"))
	jsonFormat := viper.GetBool("log_json")

	if viper.GetBool("log_file") {
		logger, err := logging.NewFileLogger(component, level, jsonFormat)
		if err == nil {
			return logger
		}
		fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", err)
	}

	return logging.NewLogger(level, jsonFormat).WithComponent(component)
}

// newClient builds the API client from configuration
func newClient(logger *logging.Logger) (*client.Client, error) {
	opts := tlsconfig.ClientOptions{
		CAFile:             viper.GetString("tls.ca_file"),
		CertFile:           viper.GetString("tls.cert_file"),
		KeyFile:            viper.GetString("tls.key_file"),
		InsecureSkipVerify: viper.GetBool("tls.insecure_skip_verify"),
	}

	var c *client.Client
	if opts.IsZero() {
		c = client.NewClient(GetAPIURL())
	} else {
		tlsConfig, err := tlsconfig.LoadClientTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		c = client.NewClientWithTLS(GetAPIURL(), tlsConfig)
	}

	if key := viper.GetString("api_key"); key != "" {
		c.SetAPIKey(key)
	}
	c.SetLogger(logger)
	c.SetRequestTimeout(viper.GetDuration("request_timeout"))
	return c, nil
}

// initTracing installs the global tracer provider
func initTracing(logger *logging.Logger) (*tracing.Provider, error) {
	return tracing.InitTracer(tracing.Config{
		ServiceName:    "pscribe",
		ServiceVersion: Version,
		OTLPEndpoint:   viper.GetString("tracing.endpoint"),
		Enabled:        viper.GetBool("tracing.enabled"),
	}, logger)
}

// trackerConfig assembles the controller settings
func trackerConfig() (tracker.Config, error) {
	cfg := tracker.DefaultConfig()

	mode, err := tracker.ParseMode(viper.GetString("transport"))
	if err != nil {
		return cfg, err
	}
	cfg.Mode = mode
	cfg.PollInterval = viper.GetDuration("poll_interval")
	cfg.MaxPollFailures = viper.GetInt("max_poll_failures")
	cfg.SubmitTimeout = viper.GetDuration("submit_timeout")
	cfg.ConnectTimeout = viper.GetDuration("connect_timeout")
	cfg.MaxFileSize = viper.GetInt64("max_file_size")

	if cfg.PollInterval <= 0 {
		return cfg, fmt.Errorf("poll_interval must be positive, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

// openHistory opens the configured job history store
func openHistory() (history.Store, error) {
	store, err := history.Open(viper.GetString("history_dsn"))
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}
