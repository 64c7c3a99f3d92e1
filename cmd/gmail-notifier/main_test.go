package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunConfigErrors(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		expected int
	}{
		{name: "help", args: []string{"--help"}, expected: exitOK},
		{name: "unknown flag", args: []string{"--bogus"}, expected: exitConfig},
		{name: "unknown source", args: []string{"--source", "pop3"}, expected: exitConfig},
		{name: "unknown command", args: []string{"serve"}, expected: exitConfig},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, run(tc.args))
		})
	}
}

func TestTryLockBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "notifier.lock")

	unlock, locked, err := tryLock(path)
	require.NoError(t, err)
	require.True(t, locked)

	_, locked, err = tryLock(path)
	require.NoError(t, err)
	assert.False(t, locked, "second pass sees the lock held")

	unlock()

	unlock, locked, err = tryLock(path)
	require.NoError(t, err)
	assert.True(t, locked)
	unlock()
}
