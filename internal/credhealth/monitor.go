// Package credhealth guards a pass against dead mail credentials: it refreshes
// them, and on unrecoverable failure alerts the operator once and stops.
package credhealth

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hal9000y/gmail-notifier/internal/model"
)

// AlertText is sent to the room when credentials need manual renewal.
const AlertText = "Mail credentials have expired or were revoked. " +
	"Run \"gmail-notifier login\" to re-authenticate; mail checks are paused until then."

type credentialSource interface {
	RefreshCredential(ctx context.Context) error
	Invalidate() error
}

type notifier interface {
	Deliver(ctx context.Context, room, text string) error
}

type alertHistory interface {
	AlertSent() (bool, error)
	Record(event, msg string) error
}

// Monitor wraps the mail source's credential refresh.
type Monitor struct {
	src         credentialSource
	notifier    notifier
	history     alertHistory
	room        string
	callTimeout time.Duration
	log         logrus.FieldLogger
}

// NewMonitor creates a Monitor alerting into room.
func NewMonitor(
	src credentialSource,
	n notifier,
	history alertHistory,
	room string,
	callTimeout time.Duration,
	log logrus.FieldLogger,
) *Monitor {
	return &Monitor{
		src:         src,
		notifier:    n,
		history:     history,
		room:        room,
		callTimeout: callTimeout,
		log:         log,
	}
}

// Check refreshes the credential. It returns nil when mail access may
// proceed. An error wrapping model.ErrFatalAuth means the operator was (or
// already had been) alerted and the run must stop; other errors are
// transient refresh failures.
func (m *Monitor) Check(ctx context.Context) error {
	err := m.withTimeout(ctx, m.src.RefreshCredential)
	if err == nil {
		m.markRestored()
		return nil
	}

	if !errors.Is(err, model.ErrFatalAuth) {
		m.log.WithError(err).Error("Credential refresh failed")
		return err
	}

	m.log.WithError(err).Error("Credential refresh failed permanently, manual re-authentication required")

	if ierr := m.src.Invalidate(); ierr != nil {
		m.log.WithError(ierr).Error("src.Invalidate failed")
	}

	sent, herr := m.history.AlertSent()
	if herr != nil {
		m.log.WithError(herr).Warn("Alert history unreadable, alerting again")
	}
	if sent {
		m.log.Info("Re-authentication alert already sent, not repeating it")
		return err
	}

	derr := m.withTimeout(ctx, func(ctx context.Context) error {
		return m.notifier.Deliver(ctx, m.room, AlertText)
	})
	if derr != nil {
		m.log.WithError(derr).Error("Re-authentication alert delivery failed")
		return errors.Join(err, derr)
	}

	if rerr := m.history.Record(EventAlertSent, "Re-authentication alert sent"); rerr != nil {
		m.log.WithError(rerr).Error("history.Record failed, the alert may be repeated")
	}

	return err
}

func (m *Monitor) markRestored() {
	sent, err := m.history.AlertSent()
	if err != nil {
		m.log.WithError(err).Warn("Alert history unreadable")
		return
	}
	if !sent {
		return
	}

	if err := m.history.Record(EventRestored, "Credentials restored"); err != nil {
		m.log.WithError(err).Error("history.Record failed")
		return
	}
	m.log.Info("Credentials restored, re-authentication alert re-armed")
}

func (m *Monitor) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if m.callTimeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	return fn(ctx)
}
