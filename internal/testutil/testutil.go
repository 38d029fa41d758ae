// Package testutil provides shared test helpers for the identity module.
//
// Helpers accept [testing.TB] and call t.Helper() so that failures point
// at the caller. Require* helpers halt the test; Assert* helpers record
// the failure and continue.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// RequireErrorCode halts the test unless err is an *sserr.Error carrying
// code.
//
//	_, err := svc.Enrich(ctx, ext)
//	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	ssErr, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, ssErr.Code, "error code mismatch (message: %s)", ssErr.Message)
}

// AssertErrorCode is the non-halting form of [RequireErrorCode] for
// table-driven tests.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	ssErr, ok := sserr.AsError(err)
	if !assert.True(t, ok, "expected *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, ssErr.Code, "error code mismatch (message: %s)", ssErr.Message)
}

// TempConfigFile writes content to config<ext> inside t.TempDir() and
// returns the path.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write %s", path)
	return path
}

// SetEnv sets key for the duration of the test and restores the previous
// state afterwards. Tests using it must not run in parallel with tests
// reading the same variable.
func SetEnv(t testing.TB, key, value string) {
	t.Helper()
	prev, existed := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value), "failed to set env var %s", key)
	t.Cleanup(func() {
		if existed {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

// AssertJSONNotContains marshals v and asserts the output does not contain
// unexpected. It is used to check that secrets are redacted.
func AssertJSONNotContains(t testing.TB, v any, unexpected string) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "json.Marshal failed")
	assert.NotContains(t, string(data), unexpected, "JSON output: %s", data)
}
