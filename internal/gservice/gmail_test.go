package gservice_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/hal9000y/gmail-notifier/internal/auth"
	"github.com/hal9000y/gmail-notifier/internal/gservice"
	"github.com/hal9000y/gmail-notifier/internal/model"
)

type fakeGmailAPI struct {
	mu       sync.Mutex
	pages    map[string]*gmail.ListMessagesResponse
	messages map[string]*gmail.Message
	queries  []string
	fields   [][]string
}

func (f *fakeGmailAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/gmail/v1/users/me/messages"

	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == prefix:
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		page, ok := f.pages[r.URL.Query().Get("pageToken")]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"code":500,"message":"backend error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(page)
	case strings.HasPrefix(r.URL.Path, prefix+"/"):
		id := strings.TrimPrefix(r.URL.Path, prefix+"/")
		f.fields = append(f.fields, r.URL.Query()["metadataHeaders"])
		msg, ok := f.messages[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(msg)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestGmail(t *testing.T, api *fakeGmailAPI) *gservice.GMail {
	t.Helper()

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	store := auth.NewFileTokenStore(filepath.Join(t.TempDir(), "token.json"))
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}))

	cfg := &oauth2.Config{ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token"}}
	tok, err := auth.NewToken(cfg, store)
	require.NoError(t, err)

	return gservice.NewGmail(cfg, tok, option.WithEndpoint(srv.URL+"/"))
}

func TestListCandidates(t *testing.T) {
	api := &fakeGmailAPI{
		pages: map[string]*gmail.ListMessagesResponse{
			"": {
				Messages:      []*gmail.Message{{Id: "m-001"}, {Id: "m-002"}},
				NextPageToken: "page-2",
			},
			"page-2": {
				Messages: []*gmail.Message{{Id: "m-003"}},
			},
		},
	}
	g := newTestGmail(t, api)

	ids, err := g.ListCandidates(context.Background(), "label:PW Reset Mails is:unread")
	require.NoError(t, err)

	assert.Equal(t, []string{"m-001", "m-002", "m-003"}, ids)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"label:PW Reset Mails is:unread", "label:PW Reset Mails is:unread"}, api.queries)
}

func TestListCandidatesFailure(t *testing.T) {
	api := &fakeGmailAPI{
		pages: map[string]*gmail.ListMessagesResponse{
			"": {Messages: []*gmail.Message{{Id: "m-001"}}, NextPageToken: "missing"},
		},
	}
	g := newTestGmail(t, api)

	ids, err := g.ListCandidates(context.Background(), "q")

	assert.ErrorIs(t, err, model.ErrFetch)
	assert.Nil(t, ids)
}

func TestGetMetadata(t *testing.T) {
	api := &fakeGmailAPI{
		messages: map[string]*gmail.Message{
			"m-001": {
				Id: "m-001",
				Payload: &gmail.MessagePart{
					Headers: []*gmail.MessagePartHeader{
						{Name: "Subject", Value: "Reset your password"},
						{Name: "From", Value: "Test User <test@test.com>"},
					},
				},
			},
			"m-002": {Id: "m-002", Payload: &gmail.MessagePart{}},
		},
	}
	g := newTestGmail(t, api)

	cases := []struct {
		id          string
		expected    model.MessageMeta
		expectedErr error
	}{
		{
			id:       "m-001",
			expected: model.MessageMeta{ID: "m-001", Sender: "Test User <test@test.com>", Subject: "Reset your password"},
		},
		{
			id:       "m-002",
			expected: model.MessageMeta{ID: "m-002"},
		},
		{
			id:          "m-404",
			expectedErr: model.ErrFetch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			meta, err := g.GetMetadata(context.Background(), tc.id)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, meta)
		})
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	require.NotEmpty(t, api.fields)
	assert.Equal(t, []string{"From", "Subject"}, api.fields[0])
}

func TestNoTokenIsFetchError(t *testing.T) {
	store := auth.NewFileTokenStore(filepath.Join(t.TempDir(), "token.json"))
	cfg := &oauth2.Config{}
	tok, err := auth.NewToken(cfg, store)
	require.NoError(t, err)

	g := gservice.NewGmail(cfg, tok)

	_, err = g.ListCandidates(context.Background(), "q")
	assert.ErrorIs(t, err, model.ErrFetch)

	assert.ErrorIs(t, g.RefreshCredential(context.Background()), model.ErrFatalAuth)
}
