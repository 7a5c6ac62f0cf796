package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the attendant server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort       int
	ExtensionsFile string // JSON extension table driving the voice menu
	VoicemailDir   string // root directory for saved recordings
	DataDir        string // directory for the message-log database; empty disables the log

	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      string // "none", "starttls", "tls"

	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultHTTPPort       = 8080
	defaultExtensionsFile = "./extensions.json"
	defaultVoicemailDir   = "./voicemails"
	defaultSMTPPort       = "587"
	defaultSMTPTLS        = "starttls"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all attendant environment variables.
const envPrefix = "ATTENDANT_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("attendant", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.ExtensionsFile, "extensions-file", defaultExtensionsFile, "path to the JSON extension table")
	fs.StringVar(&cfg.VoicemailDir, "voicemail-dir", defaultVoicemailDir, "root directory for saved voicemail recordings")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "directory for the voicemail message-log database (empty disables the log)")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server hostname for voicemail notifications")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port (25, 587, 465)")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "From address for voicemail notification emails")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP transport security (none, starttls, tls)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"http-port":       envPrefix + "HTTP_PORT",
		"extensions-file": envPrefix + "EXTENSIONS_FILE",
		"voicemail-dir":   envPrefix + "VOICEMAIL_DIR",
		"data-dir":        envPrefix + "DATA_DIR",
		"smtp-host":       envPrefix + "SMTP_HOST",
		"smtp-port":       envPrefix + "SMTP_PORT",
		"smtp-from":       envPrefix + "SMTP_FROM",
		"smtp-username":   envPrefix + "SMTP_USERNAME",
		"smtp-password":   envPrefix + "SMTP_PASSWORD",
		"smtp-tls":        envPrefix + "SMTP_TLS",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "extensions-file":
			cfg.ExtensionsFile = val
		case "voicemail-dir":
			cfg.VoicemailDir = val
		case "data-dir":
			cfg.DataDir = val
		case "smtp-host":
			cfg.SMTPHost = val
		case "smtp-port":
			cfg.SMTPPort = val
		case "smtp-from":
			cfg.SMTPFrom = val
		case "smtp-username":
			cfg.SMTPUsername = val
		case "smtp-password":
			cfg.SMTPPassword = val
		case "smtp-tls":
			cfg.SMTPTLS = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.ExtensionsFile == "" {
		return fmt.Errorf("extensions-file must not be empty")
	}
	if c.VoicemailDir == "" {
		return fmt.Errorf("voicemail-dir must not be empty")
	}

	if c.SMTPPort != "" {
		if v, err := strconv.Atoi(c.SMTPPort); err != nil || v < 1 || v > 65535 {
			return fmt.Errorf("smtp-port must be a port number, got %q", c.SMTPPort)
		}
	}

	validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
	if !validTLS[strings.ToLower(c.SMTPTLS)] {
		return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
	}
	c.SMTPTLS = strings.ToLower(c.SMTPTLS)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// MessageLogEnabled reports whether the SQLite voicemail message log is
// configured. The filesystem stays the canonical record either way.
func (c *Config) MessageLogEnabled() bool {
	return c.DataDir != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
