package credhealth_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/gmail-notifier/internal/credhealth"
	"github.com/hal9000y/gmail-notifier/internal/model"
)

const testRoom = "!ops:test.local"

func newTestMonitor(t *testing.T, refreshErr *error) (*credhealth.Monitor, *credentialSourceMock, *notifierMock, *credhealth.History) {
	t.Helper()

	src := &credentialSourceMock{
		RefreshCredentialFunc: func(context.Context) error { return *refreshErr },
	}
	n := &notifierMock{}
	history := credhealth.NewHistory(filepath.Join(t.TempDir(), "gmail-notifier.log"))
	log, _ := test.NewNullLogger()

	return credhealth.NewMonitor(src, n, history, testRoom, time.Second, log), src, n, history
}

func TestCheckHealthy(t *testing.T) {
	var refreshErr error
	m, src, n, history := newTestMonitor(t, &refreshErr)

	require.NoError(t, m.Check(context.Background()))

	assert.Empty(t, n.DeliverCalls())
	assert.Zero(t, src.InvalidateCalls())
	sent, err := history.AlertSent()
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestCheckFatalAlertsOnce(t *testing.T) {
	refreshErr := fmt.Errorf("%w: refresh rejected", model.ErrFatalAuth)
	m, src, n, history := newTestMonitor(t, &refreshErr)
	ctx := context.Background()

	err := m.Check(ctx)
	assert.ErrorIs(t, err, model.ErrFatalAuth)

	calls := n.DeliverCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, testRoom, calls[0].Room)
	assert.Equal(t, credhealth.AlertText, calls[0].Text)
	assert.Equal(t, 1, src.InvalidateCalls())

	sent, err := history.AlertSent()
	require.NoError(t, err)
	require.True(t, sent, "alert must be recorded before the next run")

	err = m.Check(ctx)
	assert.ErrorIs(t, err, model.ErrFatalAuth)
	assert.Len(t, n.DeliverCalls(), 1, "second failure must not alert again")
	assert.Equal(t, 2, src.InvalidateCalls())
}

func TestCheckRestoredRearmsAlert(t *testing.T) {
	refreshErr := fmt.Errorf("%w: refresh rejected", model.ErrFatalAuth)
	m, _, n, history := newTestMonitor(t, &refreshErr)
	ctx := context.Background()

	require.Error(t, m.Check(ctx))
	require.Len(t, n.DeliverCalls(), 1)

	refreshErr = nil
	require.NoError(t, m.Check(ctx))
	sent, err := history.AlertSent()
	require.NoError(t, err)
	assert.False(t, sent)

	refreshErr = fmt.Errorf("%w: revoked again", model.ErrFatalAuth)
	require.Error(t, m.Check(ctx))
	assert.Len(t, n.DeliverCalls(), 2)
}

func TestCheckAlertDeliveryFailureRetriesNextRun(t *testing.T) {
	refreshErr := fmt.Errorf("%w: refresh rejected", model.ErrFatalAuth)
	m, _, n, history := newTestMonitor(t, &refreshErr)
	ctx := context.Background()

	deliveryErr := fmt.Errorf("%w: homeserver down", model.ErrDelivery)
	n.DeliverFunc = func(context.Context, string, string) error { return deliveryErr }

	err := m.Check(ctx)
	assert.ErrorIs(t, err, model.ErrFatalAuth)
	assert.ErrorIs(t, err, model.ErrDelivery)

	sent, herr := history.AlertSent()
	require.NoError(t, herr)
	assert.False(t, sent)

	n.DeliverFunc = nil
	require.Error(t, m.Check(ctx))
	assert.Len(t, n.DeliverCalls(), 2)
}

func TestCheckTransientFailure(t *testing.T) {
	refreshErr := fmt.Errorf("%w: token endpoint timeout", model.ErrFetch)
	m, src, n, _ := newTestMonitor(t, &refreshErr)

	err := m.Check(context.Background())

	assert.ErrorIs(t, err, model.ErrFetch)
	assert.False(t, errors.Is(err, model.ErrFatalAuth))
	assert.Empty(t, n.DeliverCalls())
	assert.Zero(t, src.InvalidateCalls())
}

func TestHistoryScansExistingLog(t *testing.T) {
	cases := []struct {
		name     string
		content  string
		expected bool
	}{
		{name: "empty", content: "", expected: false},
		{
			name: "json alert marker",
			content: `{"level":"info","msg":"Starting pass","time":"2026-01-01T00:00:00Z"}` + "\n" +
				`{"event":"fatal_auth_alert_sent","level":"warning","msg":"Re-authentication alert sent"}` + "\n",
			expected: true,
		},
		{
			name: "restored after alert",
			content: `{"event":"fatal_auth_alert_sent","level":"warning","msg":"x"}` + "\n" +
				`{"event":"credentials_restored","level":"warning","msg":"y"}` + "\n",
			expected: false,
		},
		{
			name:     "text formatter marker",
			content:  `time="2026-01-01T00:00:00Z" level=warning msg="Re-authentication alert sent" event=fatal_auth_alert_sent` + "\n",
			expected: true,
		},
		{
			name:     "marker text in message only",
			content:  `{"level":"info","msg":"grep for fatal_auth_alert_sent"}` + "\n",
			expected: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "log")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))

			sent, err := credhealth.NewHistory(path).AlertSent()
			require.NoError(t, err)
			assert.Equal(t, tc.expected, sent)
		})
	}
}
