// Package relay runs one reconciliation pass: list candidates, drop the ones
// already reported, render the rest into one digest, deliver it and only then
// record the delivered ids as seen.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hal9000y/gmail-notifier/internal/digest"
	"github.com/hal9000y/gmail-notifier/internal/model"
)

type mailSource interface {
	ListCandidates(ctx context.Context, filter string) ([]string, error)
	GetMetadata(ctx context.Context, id string) (model.MessageMeta, error)
}

type seenStore interface {
	Load(ctx context.Context) error
	Contains(id string) bool
	Commit(ctx context.Context, ids []string) error
}

type notifier interface {
	Deliver(ctx context.Context, room, text string) error
}

// Config holds per-pass settings.
type Config struct {
	// Filter is handed to the mail source as is: a Gmail query or an IMAP mailbox.
	Filter string
	Room   string
	// CallTimeout bounds each external call; zero disables it.
	CallTimeout time.Duration
}

// Result describes how a pass ended.
type Result struct {
	RunID      string
	State      State
	Candidates int
	// New candidates that were not in the seen-set.
	New []string
	// Included ids made it into the delivered digest.
	Included []string
	// Dropped ids failed their metadata fetch and stay unseen.
	Dropped []string
	Digest  string
	// CommitErr is set when the digest was delivered but the seen-set write failed.
	CommitErr error
}

// Pipeline is a single-pass reconciler. It is not safe for concurrent Run calls.
type Pipeline struct {
	src      mailSource
	seen     seenStore
	notifier notifier
	cfg      Config
	log      logrus.FieldLogger
}

func New(src mailSource, seen seenStore, n notifier, cfg Config, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		src:      src,
		seen:     seen,
		notifier: n,
		cfg:      cfg,
		log:      log,
	}
}

// Run executes one pass. The returned error is non-nil exactly when the
// pass ends in StateFailed.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	log := p.log.WithField("run_id", res.RunID)

	enter := func(s State) {
		res.State = s
		log.WithField("state", s.String()).Debug("Pass state")
	}

	enter(StateFetchingCandidates)
	var candidates []string
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		candidates, err = p.src.ListCandidates(ctx, p.cfg.Filter)
		return err
	})
	if err != nil {
		enter(StateFailed)
		log.WithError(err).Error("Listing candidates failed")
		return res, fmt.Errorf("src.ListCandidates failed: %w", err)
	}
	res.Candidates = len(candidates)

	enter(StateFiltering)
	if err := p.call(ctx, p.seen.Load); err != nil {
		log.WithError(err).Warn("Seen-set unreadable, treating every candidate as new")
	}
	proposed := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		if _, dup := proposed[id]; dup || p.seen.Contains(id) {
			continue
		}
		proposed[id] = struct{}{}
		res.New = append(res.New, id)
	}
	if len(res.New) == 0 {
		enter(StateDoneEmpty)
		log.WithField("candidates", res.Candidates).Info("Nothing new")
		return res, nil
	}

	enter(StateFetchingMetadata)
	metas := make([]model.MessageMeta, 0, len(res.New))
	for _, id := range res.New {
		var meta model.MessageMeta
		err := p.call(ctx, func(ctx context.Context) error {
			var err error
			meta, err = p.src.GetMetadata(ctx, id)
			return err
		})
		if err != nil {
			log.WithError(err).WithField("message_id", id).Warn("Metadata fetch failed, retrying next pass")
			res.Dropped = append(res.Dropped, id)
			continue
		}
		// The digest and the commit must agree on the id even if the source
		// left it blank.
		meta.ID = id
		metas = append(metas, meta)
	}

	enter(StateRendering)
	if len(metas) == 0 {
		enter(StateDoneNoRenderable)
		log.WithField("dropped", len(res.Dropped)).Warn("No message could be rendered")
		return res, nil
	}
	res.Digest = digest.Render(metas)

	enter(StateDelivering)
	err = p.call(ctx, func(ctx context.Context) error {
		return p.notifier.Deliver(ctx, p.cfg.Room, res.Digest)
	})
	if err != nil {
		enter(StateFailed)
		log.WithError(err).WithField("messages", len(metas)).Error("Digest delivery failed")
		return res, fmt.Errorf("notifier.Deliver failed: %w", err)
	}

	enter(StateCommitting)
	included := make([]string, 0, len(metas))
	for _, m := range metas {
		included = append(included, m.ID)
	}
	res.Included = included

	if err := p.call(ctx, func(ctx context.Context) error {
		return p.seen.Commit(ctx, included)
	}); err != nil {
		res.CommitErr = err
		log.WithError(err).WithField("uncommitted_ids", included).
			Error("Digest delivered but seen-set write failed, these messages may be reported again")
	}

	enter(StateDone)
	log.WithFields(logrus.Fields{
		"delivered": len(included),
		"dropped":   len(res.Dropped),
	}).Info("Digest delivered")

	return res, nil
}

func (p *Pipeline) call(ctx context.Context, fn func(context.Context) error) error {
	if p.cfg.CallTimeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	return fn(ctx)
}
