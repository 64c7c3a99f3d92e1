package auth_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/gmail-notifier/internal/auth"
)

func newTestHandler(t *testing.T, e *tokenEndpoint) (*auth.Token, *httptest.Server) {
	t.Helper()

	store, _ := newFileStoreWith(t, nil)
	tok, err := auth.NewToken(newTestConfig(t, e), store)
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	srv := httptest.NewServer(auth.NewHTTPHandler(tok, log))
	t.Cleanup(srv.Close)

	return tok, srv
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
}

func TestHTTPHandlerLoginFlow(t *testing.T) {
	e := &tokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"access-123456","refresh_token":"refresh-1","token_type":"Bearer","expires_in":3600}`,
	}
	tok, srv := newTestHandler(t, e)
	clt := noRedirectClient()

	resp, err := clt.Get(srv.URL + "/oauth")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = clt.Get(srv.URL + "/oauth?redirect=1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	authURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)
	assert.Equal(t, "offline", authURL.Query().Get("access_type"))

	resp, err = clt.Get(srv.URL + "/oauth?code=abc&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	select {
	case <-tok.Authorized():
	default:
		t.Fatal("token was not marked authorized")
	}

	resp, err = clt.Get(srv.URL + "/oauth")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "XXXXXXXXX3456")
}

func TestHTTPHandlerRejectsUnknownState(t *testing.T) {
	e := &tokenEndpoint{status: http.StatusOK, body: `{"access_token":"a","token_type":"Bearer"}`}
	_, srv := newTestHandler(t, e)

	resp, err := noRedirectClient().Get(srv.URL + "/oauth?code=abc&state=forged")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, e.calls.Load())
}
