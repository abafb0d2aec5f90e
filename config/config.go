package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/newsletter-digest/chunk"
	"github.com/dhcgn/newsletter-digest/credential"
	"github.com/dhcgn/newsletter-digest/filter"
	"github.com/dhcgn/newsletter-digest/llm"
)

// DefaultSenders are the newsletters summarized when no --sender is given.
var DefaultSenders = []string{"csnetwork@substack.com", "info@womensequality.org.uk"}

// Config captures everything a run needs. It is loaded once and passed by value.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	MboxPath           string
	Senders            []string
	WindowDays         int

	APIKey     string
	Model      string
	Endpoint   string
	LLMTimeout time.Duration

	ChunkSize  int
	Workers    int
	Newsletter bool
	Filter     filter.Options

	CSVPath     string
	MetricsFile string
	Progress    bool
	LogLevel    string
	LogDir      string
}

// Since returns the start of the retrieval window: WindowDays before now,
// truncated to the start of that day.
func (c Config) Since(now time.Time) time.Time {
	y, m, d := now.AddDate(0, 0, -c.WindowDays).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// envBindings maps flag names to the environment variables read for them.
var envBindings = map[string][]string{
	"imap-host": {"IMAP_SERVER", "IMAP_HOST"},
	"imap-user": {"IMAP_USERNAME", "IMAP_USER"},
	"imap-pass": {"IMAP_PASSWORD", "IMAP_PASS"},
	"api-key":   {"OPENAI_API_KEY"},
	"model":     {"OPENAI_MODEL"},
}

// lookupSecret reads a secret from the OS keyring; replaced in tests.
var lookupSecret = credential.Get

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", "", "Optional YAML config file whose keys mirror the flag names")
	flags.String("env-file", ".env", "Optional dotenv file with IMAP_SERVER, IMAP_USERNAME, IMAP_PASSWORD, OPENAI_API_KEY")
	flags.Bool("keyring", false, "Read missing IMAP password and API key from the OS keyring")

	flags.String("imap-host", "", "IMAP server hostname (env IMAP_SERVER)")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username (env IMAP_USERNAME)")
	flags.String("imap-pass", "", "IMAP password (env IMAP_PASSWORD)")
	flags.Bool("use-tls", true, "Use implicit TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "Mailbox to search")
	flags.String("mbox", "", "Read messages from this mbox archive instead of IMAP")
	flags.StringArray("sender", DefaultSenders, "Sender address to include (repeatable)")
	flags.Int("window-days", 30, "Only include messages received within this many days")

	flags.String("api-key", "", "Text generation API key (env OPENAI_API_KEY)")
	flags.String("model", llm.DefaultModel, "Completion model identifier")
	flags.String("endpoint", llm.DefaultEndpoint, "Completions endpoint URL")
	flags.Duration("llm-timeout", llm.DefaultTimeout, "Timeout for a single completion request")

	flags.Int("chunk-size", chunk.DefaultSize, "Maximum characters per chunk sent for summarization")
	flags.Int("workers", 1, "Number of messages summarized concurrently")
	flags.Bool("newsletter", false, "Compose a narrative newsletter from the digest")
	flags.StringArray("include-subject", nil, "Regex allow-list applied to subjects (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-subject", nil, "Regex block-list applied to subjects (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to bodies (mutually exclusive with include flags)")

	flags.String("csv", "", "Also write the digest to this CSV file")
	flags.String("metrics-file", "", "Write Prometheus metrics to this textfile at the end of the run")
	flags.Bool("progress", false, "Show a progress bar while summarizing")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files in addition to stdout")

	return nil
}

// LoadConfig resolves the parsed Cobra flags into a Config. Precedence is
// explicit flag, environment, YAML config file, dotenv file, flag default.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := loadEnvFile(v, v.GetString("env-file"), cmd.Flags().Changed("env-file")); err != nil {
		return Config{}, err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           strings.TrimSpace(v.GetString("imap-user")),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Mailbox:            v.GetString("mailbox"),
		MboxPath:           strings.TrimSpace(v.GetString("mbox")),
		Senders:            cleanList(v.GetStringSlice("sender")),
		WindowDays:         v.GetInt("window-days"),
		APIKey:             strings.TrimSpace(v.GetString("api-key")),
		Model:              v.GetString("model"),
		Endpoint:           v.GetString("endpoint"),
		LLMTimeout:         v.GetDuration("llm-timeout"),
		ChunkSize:          v.GetInt("chunk-size"),
		Workers:            v.GetInt("workers"),
		Newsletter:         v.GetBool("newsletter"),
		Filter: filter.Options{
			IncludeSubject: cleanList(v.GetStringSlice("include-subject")),
			IncludeBody:    cleanList(v.GetStringSlice("include-body")),
			ExcludeSubject: cleanList(v.GetStringSlice("exclude-subject")),
			ExcludeBody:    cleanList(v.GetStringSlice("exclude-body")),
		},
		CSVPath:     v.GetString("csv"),
		MetricsFile: v.GetString("metrics-file"),
		Progress:    v.GetBool("progress"),
		LogLevel:    logLevel,
		LogDir:      v.GetString("log-dir"),
	}

	if v.GetBool("keyring") {
		if cfg.IMAPPass == "" && cfg.MboxPath == "" {
			if secret, err := lookupSecret(credential.KeyIMAPPassword); err == nil {
				cfg.IMAPPass = secret
			}
		}
		if cfg.APIKey == "" {
			if secret, err := lookupSecret(credential.KeyAPIKey); err == nil {
				cfg.APIKey = secret
			}
		}
	}

	if cfg.LogDir != "" {
		cfg.LogDir = filepath.Clean(cfg.LogDir)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEnvFile feeds a dotenv file into v as defaults. A missing file is only
// an error when the path was given explicitly.
func loadEnvFile(v *viper.Viper, path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}

	dot := viper.New()
	dot.SetConfigFile(path)
	dot.SetConfigType("env")
	if err := dot.ReadInConfig(); err != nil {
		return fmt.Errorf("reading env file %s: %w", path, err)
	}

	for key, envs := range envBindings {
		for _, env := range envs {
			name := strings.ToLower(env)
			if dot.IsSet(name) {
				v.SetDefault(key, dot.GetString(name))
				break
			}
		}
	}
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required (or IMAP_SERVER env var)")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required (or IMAP_USERNAME env var)")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASSWORD env var or --keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("API key must be provided via --api-key, OPENAI_API_KEY env var or --keyring")
	}
	if len(cfg.Senders) == 0 {
		return fmt.Errorf("at least one --sender is required")
	}
	if cfg.WindowDays <= 0 {
		return fmt.Errorf("--window-days must be positive")
	}
	if cfg.ChunkSize <= 0 {
		return fmt.Errorf("--chunk-size must be positive")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	includeActive := len(cfg.Filter.IncludeSubject) > 0 || len(cfg.Filter.IncludeBody) > 0
	excludeActive := len(cfg.Filter.ExcludeSubject) > 0 || len(cfg.Filter.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
