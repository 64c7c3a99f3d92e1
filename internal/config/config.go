// Package config resolves settings from flags, environment, an optional
// yaml file and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	CommandRun   = "run"
	CommandLogin = "login"

	SourceGmail = "gmail"
	SourceIMAP  = "imap"

	NotifierMatrix = "matrix"
	NotifierSMTP   = "smtp"

	StoreFile    = "file"
	StoreSQLite  = "sqlite"
	StoreKeyring = "keyring"

	envPrefix = "GMAIL_NOTIFIER"

	defaultSeenFile   = "./data/gmail-notifier-seen.txt"
	defaultSeenSQLite = "./data/gmail-notifier-seen.db"
)

var (
	// ErrNoConfig means a required setting is absent.
	ErrNoConfig = errors.New("required configuration missing")
	// ErrInvalid means a setting holds a value that cannot be used.
	ErrInvalid = errors.New("invalid configuration")
)

type IMAPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// TLS is one of tls, starttls, none.
	TLS     string `mapstructure:"tls"`
	Mailbox string `mapstructure:"mailbox"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// RedirectURL overrides the loopback login URL.
	RedirectURL string `mapstructure:"redirect_url"`
}

type TokenConfig struct {
	Store           string `mapstructure:"store"`
	File            string `mapstructure:"file"`
	KeyringService  string `mapstructure:"keyring_service"`
	KeyringDir      string `mapstructure:"keyring_dir"`
	KeyringPassword string `mapstructure:"keyring_password"`
}

type MatrixConfig struct {
	Homeserver  string `mapstructure:"homeserver"`
	UserID      string `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      string `mapstructure:"tls"`
	From     string `mapstructure:"from"`
	Subject  string `mapstructure:"subject"`
}

type SeenConfig struct {
	Store string `mapstructure:"store"`
	Path  string `mapstructure:"path"`
}

// Config is the resolved program configuration.
type Config struct {
	// Command is the subcommand: run or login.
	Command string `mapstructure:"-"`

	Source   string `mapstructure:"source"`
	Query    string `mapstructure:"query"`
	Room     string `mapstructure:"room"`
	Notifier string `mapstructure:"notifier"`

	IMAP   IMAPConfig   `mapstructure:"imap"`
	OAuth  OAuthConfig  `mapstructure:"oauth"`
	Token  TokenConfig  `mapstructure:"token"`
	Matrix MatrixConfig `mapstructure:"matrix"`
	SMTP   SMTPConfig   `mapstructure:"smtp"`
	Seen   SeenConfig   `mapstructure:"seen"`

	LogFile     string        `mapstructure:"log_file"`
	LogLevel    string        `mapstructure:"log_level"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	LockFile    string        `mapstructure:"lock_file"`
	// HTTPAddr is where login listens for the OAuth redirect.
	HTTPAddr string `mapstructure:"http_addr"`
}

var defaults = map[string]any{
	"source":                 SourceGmail,
	"query":                  "label:PW Reset Mails is:unread",
	"room":                   "",
	"notifier":               NotifierMatrix,
	"imap.host":              "",
	"imap.port":              993,
	"imap.username":          "",
	"imap.password":          "",
	"imap.tls":               "tls",
	"imap.mailbox":           "PW Reset Mails",
	"oauth.client_id":        "",
	"oauth.client_secret":    "",
	"oauth.redirect_url":     "",
	"token.store":            StoreFile,
	"token.file":             "./data/gmail-notifier-token.json",
	"token.keyring_service":  "gmail-notifier",
	"token.keyring_dir":      "./data/keyring",
	"token.keyring_password": "",
	"matrix.homeserver":      "",
	"matrix.user_id":         "",
	"matrix.access_token":    "",
	"smtp.host":              "",
	"smtp.port":              587,
	"smtp.username":          "",
	"smtp.password":          "",
	"smtp.tls":               "starttls",
	"smtp.from":              "",
	"smtp.subject":           "",
	"seen.store":             StoreFile,
	"seen.path":              "",
	"log_file":               "./data/gmail-notifier.log",
	"log_level":              "info",
	"call_timeout":           30 * time.Second,
	"lock_file":              "./data/gmail-notifier.lock",
	"http_addr":              "localhost:0",
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"source":       "source",
	"query":        "query",
	"room":         "room",
	"notifier":     "notifier",
	"imap-mailbox": "imap.mailbox",
	"token-store":  "token.store",
	"token-file":   "token.file",
	"oauth-url":    "oauth.redirect_url",
	"seen-store":   "seen.store",
	"seen-path":    "seen.path",
	"log-file":     "log_file",
	"log-level":    "log_level",
	"call-timeout": "call_timeout",
	"lock-file":    "lock_file",
	"http-addr":    "http_addr",
}

// Load parses args (without the program name) and resolves the
// configuration. It does not validate; call Validate before use.
// pflag.ErrHelp is returned as is when help was requested.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if envFile, _ := fs.GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("godotenv.Load failed: %w", err)
		}
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The unprefixed names are what the Google console setup documents.
	if err := v.BindEnv("oauth.client_id", envPrefix+"_OAUTH_CLIENT_ID", "OAUTH_GOOGLE_CLIENT_ID"); err != nil {
		return nil, fmt.Errorf("v.BindEnv failed: %w", err)
	}
	if err := v.BindEnv("oauth.client_secret", envPrefix+"_OAUTH_CLIENT_SECRET", "OAUTH_GOOGLE_CLIENT_SECRET"); err != nil {
		return nil, fmt.Errorf("v.BindEnv failed: %w", err)
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("v.BindPFlag(%q) failed: %w", name, err)
		}
	}

	if err := readConfigFile(v, fs); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: v.Unmarshal failed: %w", ErrInvalid, err)
	}

	cfg.Command = CommandRun
	if fs.NArg() > 0 {
		cfg.Command = fs.Arg(0)
	}

	if cfg.Seen.Path == "" {
		cfg.Seen.Path = defaultSeenFile
		if cfg.Seen.Store == StoreSQLite {
			cfg.Seen.Path = defaultSeenSQLite
		}
	}

	return cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("gmail-notifier", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: gmail-notifier [flags] [run|login]\n\nFlags:\n%s", fs.FlagUsages())
	}

	fs.String("config", "", "Path to yaml config file (default ./gmail-notifier.yaml if present)")
	fs.String("env-file", "", "Path to env file")

	fs.String("source", defaults["source"].(string), "Mail source: gmail or imap")
	fs.String("query", defaults["query"].(string), "Gmail search query selecting candidates")
	fs.String("room", defaults["room"].(string), "Delivery target: Matrix room id or e-mail address")
	fs.String("notifier", defaults["notifier"].(string), "Notifier: matrix or smtp")
	fs.String("imap-mailbox", defaults["imap.mailbox"].(string), "IMAP mailbox selecting candidates")
	fs.String("token-store", defaults["token.store"].(string), "OAuth token store: file or keyring")
	fs.String("token-file", defaults["token.file"].(string), "Path to cache google oauth token")
	fs.String("oauth-url", defaults["oauth.redirect_url"].(string), "OAuth redirect URL")
	fs.String("seen-store", defaults["seen.store"].(string), "Seen-set store: file or sqlite")
	fs.String("seen-path", defaults["seen.path"].(string), "Seen-set location (default depends on store)")
	fs.String("log-file", defaults["log_file"].(string), "Diagnostic log file, also holds the alert history")
	fs.String("log-level", defaults["log_level"].(string), "Log level")
	fs.Duration("call-timeout", defaults["call_timeout"].(time.Duration), "Timeout for each external call, 0 disables")
	fs.String("lock-file", defaults["lock_file"].(string), "Run lock file, empty disables locking")
	fs.String("http-addr", defaults["http_addr"].(string), "Login HTTP server listen addr")

	return fs
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gmail-notifier")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("%w: reading config %s: %w", ErrInvalid, path, err)
	}

	return nil
}

// Filter is the candidate selector handed to the mail source.
func (c *Config) Filter() string {
	if c.Source == SourceIMAP {
		return c.IMAP.Mailbox
	}
	return c.Query
}

// Validate reports every missing or unusable setting for c.Command. The
// error wraps ErrNoConfig or ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	missing := func(key, val string) {
		if val == "" {
			errs = append(errs, fmt.Errorf("%w: %s must be set", ErrNoConfig, key))
		}
	}
	oneOf := func(key, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%w: %s must be one of %s, got %q",
			ErrInvalid, key, strings.Join(allowed, "|"), val))
	}

	switch c.Command {
	case CommandRun, CommandLogin:
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalid, c.Command)
	}

	oneOf("source", c.Source, SourceGmail, SourceIMAP)
	oneOf("token.store", c.Token.Store, StoreFile, StoreKeyring)
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: log_level: %w", ErrInvalid, err))
	}

	if c.Source == SourceGmail {
		missing("oauth.client_id", c.OAuth.ClientID)
		missing("oauth.client_secret", c.OAuth.ClientSecret)
		switch c.Token.Store {
		case StoreFile:
			missing("token.file", c.Token.File)
		case StoreKeyring:
			missing("token.keyring_service", c.Token.KeyringService)
		}
	}

	if c.Command == CommandLogin {
		if c.Source != SourceGmail {
			errs = append(errs, fmt.Errorf("%w: login only applies to the gmail source", ErrInvalid))
		}
		return errors.Join(errs...)
	}

	missing("room", c.Room)
	oneOf("notifier", c.Notifier, NotifierMatrix, NotifierSMTP)
	oneOf("seen.store", c.Seen.Store, StoreFile, StoreSQLite)
	missing("seen.path", c.Seen.Path)
	// The log file doubles as the alert history.
	missing("log_file", c.LogFile)
	if c.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: call_timeout must not be negative", ErrInvalid))
	}

	switch c.Source {
	case SourceGmail:
		missing("query", c.Query)
	case SourceIMAP:
		missing("imap.host", c.IMAP.Host)
		missing("imap.username", c.IMAP.Username)
		missing("imap.password", c.IMAP.Password)
		missing("imap.mailbox", c.IMAP.Mailbox)
		oneOf("imap.tls", c.IMAP.TLS, "tls", "starttls", "none")
	}

	switch c.Notifier {
	case NotifierMatrix:
		missing("matrix.homeserver", c.Matrix.Homeserver)
		missing("matrix.user_id", c.Matrix.UserID)
		missing("matrix.access_token", c.Matrix.AccessToken)
	case NotifierSMTP:
		missing("smtp.host", c.SMTP.Host)
		missing("smtp.from", c.SMTP.From)
		oneOf("smtp.tls", c.SMTP.TLS, "tls", "starttls", "none")
	}

	return errors.Join(errs...)
}
