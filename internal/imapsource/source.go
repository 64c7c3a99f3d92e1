// Package imapsource is a mail source backed by an IMAP mailbox. The label
// filter names the mailbox; candidates are messages without the \Seen flag.
package imapsource

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/hal9000y/gmail-notifier/internal/model"
)

// Connection security modes.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// Config holds IMAP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string
}

// Source lists and reads messages over a single IMAP connection that is
// opened on first use and reused until Close.
type Source struct {
	cfg      Config
	conn     net.Conn
	client   *imapclient.Client
	selected string
	validity uint32
}

// New creates an IMAP source. No connection is made until first use.
func New(cfg Config) *Source {
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	return &Source{cfg: cfg}
}

// RefreshCredential logs in. A rejected login needs the operator to fix
// the account password and wraps model.ErrFatalAuth.
func (s *Source) RefreshCredential(ctx context.Context) error {
	_, err := s.ensureConnected(ctx)
	return err
}

// Invalidate is a no-op: IMAP passwords are configuration, not a stored artifact.
func (s *Source) Invalidate() error {
	return nil
}

// ListCandidates returns refs for unseen messages in mailbox, in UID order.
func (s *Source) ListCandidates(ctx context.Context, mailbox string) ([]string, error) {
	clt, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.selectMailbox(clt, mailbox); err != nil {
		return nil, err
	}

	data, err := clt.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: client.UIDSearch failed: %w", model.ErrFetch, err)
	}

	uids := data.AllUIDs()
	refs := make([]string, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, formatRef(mailbox, s.validity, uid))
	}

	return refs, nil
}

// GetMetadata reads the envelope sender and subject for ref.
func (s *Source) GetMetadata(ctx context.Context, ref string) (model.MessageMeta, error) {
	mailbox, validity, uid, err := parseRef(ref)
	if err != nil {
		return model.MessageMeta{}, fmt.Errorf("%w: %w", model.ErrFetch, err)
	}

	clt, err := s.ensureConnected(ctx)
	if err != nil {
		return model.MessageMeta{}, err
	}

	if err := s.selectMailbox(clt, mailbox); err != nil {
		return model.MessageMeta{}, err
	}
	if validity != s.validity {
		return model.MessageMeta{}, fmt.Errorf("%w: uidvalidity of %s changed from %d to %d",
			model.ErrFetch, mailbox, validity, s.validity)
	}

	msgs, err := clt.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		Envelope: true,
		UID:      true,
	}).Collect()
	if err != nil {
		return model.MessageMeta{}, fmt.Errorf("%w: fetch UID %d failed: %w", model.ErrFetch, uid, err)
	}
	if len(msgs) == 0 {
		return model.MessageMeta{}, fmt.Errorf("%w: message UID %d not found in %s", model.ErrFetch, uid, mailbox)
	}

	meta := model.MessageMeta{ID: ref}
	if env := msgs[0].Envelope; env != nil {
		meta.Subject = env.Subject
		if len(env.From) > 0 {
			meta.Sender = formatAddress(env.From[0])
		}
	}

	return meta, nil
}

// Close logs out and closes the connection.
func (s *Source) Close() error {
	if s.client == nil {
		return nil
	}

	_ = s.client.Logout().Wait()
	err := s.client.Close()
	s.client, s.conn, s.selected = nil, nil, ""

	return err
}

func (s *Source) ensureConnected(ctx context.Context) (*imapclient.Client, error) {
	if s.client != nil {
		s.applyDeadline(ctx)
		return s.client, nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s failed: %w", model.ErrFetch, addr, err)
	}
	s.conn = conn
	s.applyDeadline(ctx)

	var clt *imapclient.Client
	switch s.cfg.Security {
	case SecurityNone:
		clt = imapclient.New(conn, nil)
	case SecurityStartTLS:
		clt, err = imapclient.NewStartTLS(conn, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: s.cfg.Host},
		})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: imapclient.NewStartTLS failed: %w", model.ErrFetch, err)
		}
	default:
		clt = imapclient.New(tls.Client(conn, &tls.Config{ServerName: s.cfg.Host}), nil)
	}

	if err := clt.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = clt.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, fmt.Errorf("%w: login as %s rejected: %w", model.ErrFatalAuth, s.cfg.Username, err)
		}
		return nil, fmt.Errorf("%w: login failed: %w", model.ErrFetch, err)
	}

	s.client = clt

	return clt, nil
}

func (s *Source) applyDeadline(ctx context.Context) {
	if s.conn == nil {
		return
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = s.conn.SetDeadline(deadline)
}

func (s *Source) selectMailbox(clt *imapclient.Client, mailbox string) error {
	if s.selected == mailbox {
		return nil
	}

	data, err := clt.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("%w: select %s failed: %w", model.ErrFetch, mailbox, err)
	}

	s.selected = mailbox
	s.validity = data.UIDValidity

	return nil
}

func formatAddress(addr imap.Address) string {
	if addr.Name == "" {
		return addr.Addr()
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
}

// Refs are "<mailbox>:<uidvalidity>:<uid>"; the mailbox may itself contain ':'.
func formatRef(mailbox string, validity uint32, uid imap.UID) string {
	return fmt.Sprintf("%s:%d:%d", mailbox, validity, uid)
}

func parseRef(ref string) (mailbox string, validity uint32, uid imap.UID, err error) {
	i := strings.LastIndex(ref, ":")
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("malformed ref %q", ref)
	}
	j := strings.LastIndex(ref[:i], ":")
	if j <= 0 {
		return "", 0, 0, fmt.Errorf("malformed ref %q", ref)
	}

	v, err := strconv.ParseUint(ref[j+1:i], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed uidvalidity in %q: %w", ref, err)
	}
	u, err := strconv.ParseUint(ref[i+1:], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed uid in %q: %w", ref, err)
	}

	return ref[:j], uint32(v), imap.UID(u), nil
}
