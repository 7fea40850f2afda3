package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestProvidersCommand(t *testing.T) {
	t.Setenv("AUTH_CONFIG_FILE", "")
	t.Setenv("AUTH_ACTIVE_PROVIDER", "azure")
	t.Setenv("AZURE_CLIENT_ID", "client")
	t.Setenv("AZURE_TENANT_ID", "contoso")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("AUTH_SCHEME", "http")
	t.Setenv("CREDENTIAL_BACKEND", "keyring")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"providers", "--env-file", "", "--log-level", "error"})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "* azure    enabled   http://127.0.0.1:8765/auth")
	require.Contains(t, out.String(), "  google   disabled")
}

func TestMetricsFile(t *testing.T) {
	t.Setenv("AUTH_CONFIG_FILE", "")
	t.Setenv("AZURE_CLIENT_ID", "client")
	t.Setenv("AZURE_TENANT_ID", "contoso")
	t.Setenv("CREDENTIAL_BACKEND", "keyring")
	t.Setenv("METRICS_FILE", "")
	path := filepath.Join(t.TempDir(), "sentinel.prom")

	run := func(args ...string) {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(append(args, "--env-file", "", "--log-level", "error"))
		require.NoError(t, root.Execute())
	}

	t.Run("written on exit", func(t *testing.T) {
		run("providers", "--metrics-file", path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(data), `sentinel_auth_session_state{state="Unauthenticated"} 1`)
		require.Contains(t, string(data), `sentinel_auth_session_state{state="Authenticated"} 0`)
	})

	t.Run("from environment", func(t *testing.T) {
		envPath := filepath.Join(t.TempDir(), "env.prom")
		t.Setenv("METRICS_FILE", envPath)
		// A second invocation in the same process registers a fresh collector.
		run("providers")
		require.FileExists(t, envPath)
	})
}

func TestErrorHint(t *testing.T) {
	require.Contains(t, errorHint(errors.Wrapf(errors.ErrUnsupportedRedirect, "x")), "AUTH_SCHEME=http")
	require.Contains(t, errorHint(errors.Wrapf(errors.ErrNotAuthenticated, "x")), "sentinel login")
	require.Empty(t, errorHint(errors.New("other")))
}
