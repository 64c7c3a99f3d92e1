// Gmail notifier checks a mailbox for matching unread mail and posts one
// digest of new messages to a chat room. Each invocation is a single pass;
// schedule it externally.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/hal9000y/gmail-notifier/internal/auth"
	"github.com/hal9000y/gmail-notifier/internal/config"
	"github.com/hal9000y/gmail-notifier/internal/credhealth"
	"github.com/hal9000y/gmail-notifier/internal/gservice"
	"github.com/hal9000y/gmail-notifier/internal/imapsource"
	"github.com/hal9000y/gmail-notifier/internal/logging"
	"github.com/hal9000y/gmail-notifier/internal/model"
	"github.com/hal9000y/gmail-notifier/internal/notify"
	"github.com/hal9000y/gmail-notifier/internal/relay"
	"github.com/hal9000y/gmail-notifier/internal/seen"
)

// Process exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitConfig    = 2
	exitNeedHuman = 3
)

const keyringTokenKey = "oauth-token"

type mailSource interface {
	ListCandidates(ctx context.Context, filter string) ([]string, error)
	GetMetadata(ctx context.Context, id string) (model.MessageMeta, error)
	RefreshCredential(ctx context.Context) error
	Invalidate() error
}

type seenStore interface {
	Load(ctx context.Context) error
	Contains(id string) bool
	Commit(ctx context.Context, ids []string) error
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\nSet the missing keys with flags, GMAIL_NOTIFIER_* env variables or --config.\n", err)
		return exitConfig
	}

	log, closeLog, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("logging.Setup failed: %w", err))
		return exitConfig
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Command == config.CommandLogin {
		return runLogin(ctx, cfg, log)
	}
	return runPass(ctx, cfg, log)
}

func runPass(ctx context.Context, cfg *config.Config, log *logrus.Logger) int {
	if cfg.LockFile != "" {
		unlock, locked, err := tryLock(cfg.LockFile)
		if err != nil {
			log.WithError(err).WithField("state", relay.StateFailed.String()).Error("Run lock unavailable")
			return exitFailed
		}
		if !locked {
			log.WithField("state", relay.StateDoneBusy.String()).Info("Another pass is running, skipping")
			return exitOK
		}
		defer unlock()
	}

	src, closeSrc, err := newMailSource(cfg)
	if err != nil {
		log.WithError(err).Error("Mail source setup failed")
		return exitFailed
	}
	defer closeSrc()

	ntf, err := newNotifier(cfg)
	if err != nil {
		log.WithError(err).Error("Notifier setup failed")
		return exitFailed
	}

	store, closeStore, err := newSeenStore(cfg)
	if err != nil {
		log.WithError(err).Error("Seen-set store setup failed")
		return exitFailed
	}
	defer closeStore()

	monitor := credhealth.NewMonitor(src, ntf, credhealth.NewHistory(cfg.LogFile), cfg.Room, cfg.CallTimeout, log)
	if err := monitor.Check(ctx); err != nil {
		if errors.Is(err, model.ErrFatalAuth) {
			log.WithField("state", relay.StateFailed.String()).Error("Stopping until credentials are renewed")
			return exitNeedHuman
		}
		return exitFailed
	}

	pipeline := relay.New(src, store, ntf, relay.Config{
		Filter:      cfg.Filter(),
		Room:        cfg.Room,
		CallTimeout: cfg.CallTimeout,
	}, log)

	res, err := pipeline.Run(ctx)
	if err != nil {
		return exitFailed
	}
	log.WithFields(logrus.Fields{
		"run_id": res.RunID,
		"state":  res.State.String(),
	}).Info("Pass finished")

	return exitOK
}

func runLogin(ctx context.Context, cfg *config.Config, log *logrus.Logger) int {
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.WithError(err).Error("net.Listen failed")
		return exitFailed
	}

	oauthCfg := newOAuthCfg(cfg, ln.Addr().String())
	tok, err := newToken(cfg, oauthCfg)
	if err != nil {
		log.WithError(err).Error("Token setup failed")
		return exitFailed
	}

	mux := http.NewServeMux()
	mux.Handle("/oauth", auth.NewHTTPHandler(tok, log))

	stopHTTP, errHTTPCh := serveHTTP(&http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}, ln, log)
	defer stopHTTP()

	openBrowser(oauthCfg.RedirectURL, log)

	select {
	case <-tok.Authorized():
	case err := <-errHTTPCh:
		log.WithError(err).Error("HTTP server failed")
		return exitFailed
	case <-ctx.Done():
		log.Info("Shutdown signal received before login completed")
		return exitFailed
	}

	if err := tok.Persist(); err != nil {
		log.WithError(err).Error("tok.Persist failed")
		return exitFailed
	}
	log.Info("Login complete, token stored")

	return exitOK
}

func tryLock(path string) (func(), bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("os.MkdirAll failed: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("fl.TryLock failed: %w", err)
	}

	return func() { _ = fl.Unlock() }, locked, nil
}

func newMailSource(cfg *config.Config) (mailSource, func(), error) {
	if cfg.Source == config.SourceIMAP {
		src := imapsource.New(imapsource.Config{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			Security: cfg.IMAP.TLS,
		})
		return src, func() { _ = src.Close() }, nil
	}

	oauthCfg := newOAuthCfg(cfg, "")
	tok, err := newToken(cfg, oauthCfg)
	if err != nil {
		return nil, nil, err
	}

	return gservice.NewGmail(oauthCfg, tok), func() {}, nil
}

func newToken(cfg *config.Config, oauthCfg *oauth2.Config) (*auth.Token, error) {
	var store auth.TokenStore
	switch cfg.Token.Store {
	case config.StoreKeyring:
		ring, err := auth.OpenKeyring(cfg.Token.KeyringService, cfg.Token.KeyringDir, cfg.Token.KeyringPassword)
		if err != nil {
			return nil, fmt.Errorf("auth.OpenKeyring failed: %w", err)
		}
		store = auth.NewKeyringTokenStore(ring, keyringTokenKey)
	default:
		store = auth.NewFileTokenStore(cfg.Token.File)
	}

	tok, err := auth.NewToken(oauthCfg, store)
	if err != nil {
		return nil, fmt.Errorf("auth.NewToken failed: %w", err)
	}

	return tok, nil
}

// newOAuthCfg uses the configured redirect URL, falling back to the login
// listener at lnAddr.
func newOAuthCfg(cfg *config.Config, lnAddr string) *oauth2.Config {
	redirectURL := cfg.OAuth.RedirectURL
	if redirectURL == "" && lnAddr != "" {
		redirectURL = fmt.Sprintf("http://%s/oauth", lnAddr)
	}

	return &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

func newNotifier(cfg *config.Config) (notify.Notifier, error) {
	if cfg.Notifier == config.NotifierSMTP {
		return notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			Security: cfg.SMTP.TLS,
			From:     cfg.SMTP.From,
			Subject:  cfg.SMTP.Subject,
		}), nil
	}

	m, err := notify.NewMatrix(cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("notify.NewMatrix failed: %w", err)
	}
	return m, nil
}

func newSeenStore(cfg *config.Config) (seenStore, func(), error) {
	if cfg.Seen.Store == config.StoreSQLite {
		s, err := seen.NewSQLiteStore(cfg.Seen.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("seen.NewSQLiteStore failed: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}

	return seen.NewFileStore(cfg.Seen.Path), func() {}, nil
}

func serveHTTP(srv *http.Server, ln net.Listener, log logrus.FieldLogger) (func(), <-chan error) {
	errHTTPCh := make(chan error, 1)
	go func() {
		defer close(errHTTPCh)

		log.WithField("addr", ln.Addr().String()).Info("Starting http server")

		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errHTTPCh <- fmt.Errorf("srv.Serve failed: %w", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("srv.Shutdown failed")
		}

		<-errHTTPCh
		log.Info("HTTP server stopped")
	}, errHTTPCh
}

func openBrowser(url string, log logrus.FieldLogger) {
	url = fmt.Sprintf("%s?redirect=1", url)
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}

	if err != nil {
		log.WithError(err).Warnf("Could not open browser automatically, please open this link: %s", url)
	}
}
