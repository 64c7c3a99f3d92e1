// Package gservice is the Gmail API mail source.
package gservice

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/hal9000y/gmail-notifier/internal/auth"
	"github.com/hal9000y/gmail-notifier/internal/model"
)

const (
	gmailUserID = "me"
	pageSize    = 100
)

func NewGmail(cfg *oauth2.Config, tok *auth.Token, opts ...option.ClientOption) *GMail {
	return &GMail{
		cfg:  cfg,
		tok:  tok,
		opts: opts,
	}
}

type GMail struct {
	cfg  *oauth2.Config
	tok  *auth.Token
	opts []option.ClientOption
}

// ListCandidates returns the ids of all messages matching query, following
// pagination, in the order the API returns them.
func (m *GMail) ListCandidates(ctx context.Context, query string) ([]string, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: newSvc failed: %w", model.ErrFetch, err)
	}

	var ids []string
	pageToken := ""
	for {
		result, err := svc.Users.Messages.List(gmailUserID).
			Q(query).
			PageToken(pageToken).
			MaxResults(pageSize).
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("%w: messages.List failed: %w", model.ErrFetch, err)
		}

		for _, msg := range result.Messages {
			ids = append(ids, msg.Id)
		}

		if result.NextPageToken == "" {
			return ids, nil
		}
		pageToken = result.NextPageToken
	}
}

// GetMetadata fetches the From and Subject headers of msgID.
func (m *GMail) GetMetadata(ctx context.Context, msgID string) (model.MessageMeta, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return model.MessageMeta{}, fmt.Errorf("%w: newSvc failed: %w", model.ErrFetch, err)
	}

	msg, err := svc.Users.Messages.Get(gmailUserID, msgID).
		Format("metadata").
		MetadataHeaders(model.HeaderFrom, model.HeaderSubject).
		Context(ctx).
		Do()
	if err != nil {
		return model.MessageMeta{}, fmt.Errorf("%w: messages.Get(%s) failed: %w", model.ErrFetch, msgID, err)
	}

	return metaFromMessage(msgID, msg), nil
}

// RefreshCredential renews the OAuth token if it has expired.
func (m *GMail) RefreshCredential(ctx context.Context) error {
	return m.tok.Refresh(ctx)
}

// Invalidate removes the stored OAuth token.
func (m *GMail) Invalidate() error {
	return m.tok.Invalidate()
}

func metaFromMessage(msgID string, msg *gmail.Message) model.MessageMeta {
	if msg.Payload == nil {
		return model.MessageMeta{ID: msgID}
	}

	headers := make([]model.Header, 0, len(msg.Payload.Headers))
	for _, h := range msg.Payload.Headers {
		if h == nil {
			continue
		}
		headers = append(headers, model.Header{Name: h.Name, Value: h.Value})
	}

	return model.MetaFromHeaders(msgID, headers)
}

func (m *GMail) newSvc(ctx context.Context) (*gmail.Service, error) {
	t, err := m.tok.OAuthToken()
	if err != nil {
		return nil, fmt.Errorf("tok.OAuthToken failed: %w", err)
	}

	clt := m.cfg.Client(ctx, t)

	opts := append([]option.ClientOption{option.WithHTTPClient(clt)}, m.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail.NewService failed: %w", err)
	}

	return svc, nil
}
