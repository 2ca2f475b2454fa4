package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/pianoscribe/pkg/auth"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the configuration pscribe runs with.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Prints the configuration after merging defaults, the config file, .env,
PSCRIBE_* environment variables and flags. The API key is masked.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configHashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash an access token for serve.token_hash",
	Long: `Prints the bcrypt hash of a token so the config file does not need to hold
the token itself. Without an argument a new random token is generated and
printed together with its hash.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigHashToken,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashTokenCmd)
}

func runConfigHashToken(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		generated, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		token = generated
		fmt.Printf("token: %s\n", token)
	}

	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Printf("serve:\n  token_hash: %q\n", hash)
	return nil
}

// EffectiveConfig is what config show prints
type EffectiveConfig struct {
	ConfigFile      string `json:"config_file" yaml:"config_file"`
	APIURL          string `json:"api_url" yaml:"api_url"`
	APIKey          string `json:"api_key" yaml:"api_key"`
	Transport       string `json:"transport" yaml:"transport"`
	PollInterval    string `json:"poll_interval" yaml:"poll_interval"`
	MaxPollFailures int    `json:"max_poll_failures" yaml:"max_poll_failures"`
	SubmitTimeout   string `json:"submit_timeout" yaml:"submit_timeout"`
	ConnectTimeout  string `json:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout  string `json:"request_timeout" yaml:"request_timeout"`
	MaxFileSize     int64  `json:"max_file_size" yaml:"max_file_size"`
	HistoryDSN      string `json:"history_dsn" yaml:"history_dsn"`
	TLSCAFile       string `json:"tls_ca_file,omitempty" yaml:"tls_ca_file,omitempty"`
	TLSInsecure     bool   `json:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
	TracingEnabled  bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint string `json:"tracing_endpoint" yaml:"tracing_endpoint"`
	LogLevel        string `json:"log_level" yaml:"log_level"`
	LogJSON         bool   `json:"log_json" yaml:"log_json"`
	ServeAuth       bool   `json:"serve_auth" yaml:"serve_auth"`
}

func currentConfig() EffectiveConfig {
	return EffectiveConfig{
		ConfigFile:      viper.ConfigFileUsed(),
		APIURL:          GetAPIURL(),
		APIKey:          maskSecret(viper.GetString("api_key")),
		Transport:       viper.GetString("transport"),
		PollInterval:    viper.GetDuration("poll_interval").String(),
		MaxPollFailures: viper.GetInt("max_poll_failures"),
		SubmitTimeout:   viper.GetDuration("submit_timeout").String(),
		ConnectTimeout:  viper.GetDuration("connect_timeout").String(),
		RequestTimeout:  viper.GetDuration("request_timeout").String(),
		MaxFileSize:     viper.GetInt64("max_file_size"),
		HistoryDSN:      maskDSN(viper.GetString("history_dsn")),
		TLSCAFile:       viper.GetString("tls.ca_file"),
		TLSInsecure:     viper.GetBool("tls.insecure_skip_verify"),
		TracingEnabled:  viper.GetBool("tracing.enabled"),
		TracingEndpoint: viper.GetString("tracing.endpoint"),
		LogLevel:        viper.GetString("log_level"),
		LogJSON:         viper.GetBool("log_json"),
		ServeAuth:       viper.GetString("serve.token") != "" || viper.GetString("serve.token_hash") != "",
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := currentConfig()

	if done, err := printStructured(cfg); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Key", "Value")
	table.Append("config file", orDash(cfg.ConfigFile))
	table.Append("api_url", cfg.APIURL)
	table.Append("api_key", orDash(cfg.APIKey))
	table.Append("transport", cfg.Transport)
	table.Append("poll_interval", cfg.PollInterval)
	table.Append("max_poll_failures", fmt.Sprintf("%d", cfg.MaxPollFailures))
	table.Append("submit_timeout", cfg.SubmitTimeout)
	table.Append("connect_timeout", cfg.ConnectTimeout)
	table.Append("request_timeout", cfg.RequestTimeout)
	table.Append("max_file_size", fmt.Sprintf("%d", cfg.MaxFileSize))
	table.Append("history_dsn", cfg.HistoryDSN)
	table.Append("tls.ca_file", orDash(cfg.TLSCAFile))
	table.Append("tls.insecure_skip_verify", boolToYesNo(cfg.TLSInsecure))
	table.Append("tracing.enabled", boolToYesNo(cfg.TracingEnabled))
	table.Append("tracing.endpoint", cfg.TracingEndpoint)
	table.Append("log_level", cfg.LogLevel)
	table.Append("serve auth", boolToYesNo(cfg.ServeAuth))
	return table.Render()
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}

// maskDSN hides the password of a postgres URL
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":****" + dsn[at:]
	}
	return dsn
}
