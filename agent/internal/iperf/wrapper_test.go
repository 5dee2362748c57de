package iperf

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

// fakeIperf writes a shell script standing in for the iperf3 binary, points
// binaryName at it for the duration of the test, and restores the original
// on cleanup. The script echoes stdout/stderr and exits with the given code,
// regardless of the arguments it's invoked with.
func fakeIperf(t *testing.T, stdout, stderr string, exitCode int) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-iperf3.sh")
	script := "#!/bin/sh\n"
	if stdout != "" {
		script += "printf '%s' " + shellQuote(stdout) + "\n"
	}
	if stderr != "" {
		script += "printf '%s' " + shellQuote(stderr) + " >&2\n"
	}
	script += "exit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	original := binaryName
	binaryName = path
	t.Cleanup(func() { binaryName = original })
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func TestCaptureServerResult_PrefersObjectWithEnd(t *testing.T) {
	path := writeTemp(t, `{"intervals":[1]}{"end":{"sum_received":{"bits_per_second":1}}}{}`)

	got := CaptureServerResult(path)
	require.NotNil(t, got)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(got, &decoded))
	_, hasEnd := decoded["end"]
	assert.True(t, hasEnd)
}

func TestCaptureServerResult_FallsBackToIntervals(t *testing.T) {
	path := writeTemp(t, `{"intervals":[1,2,3]}{}`)

	got := CaptureServerResult(path)
	require.NotNil(t, got)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(got, &decoded))
	_, hasIntervals := decoded["intervals"]
	assert.True(t, hasIntervals)
}

func TestCaptureServerResult_FallsBackToFirstObject(t *testing.T) {
	path := writeTemp(t, `{"start":{"test_start":{}}}{}`)

	got := CaptureServerResult(path)
	require.NotNil(t, got)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(got, &decoded))
	_, hasStart := decoded["start"]
	assert.True(t, hasStart)
}

func TestCaptureServerResult_EmptyFileReturnsNil(t *testing.T) {
	path := writeTemp(t, "")
	assert.Nil(t, CaptureServerResult(path))
}

func TestCaptureServerResult_GarbageReturnsNil(t *testing.T) {
	path := writeTemp(t, "not json at all")
	assert.Nil(t, CaptureServerResult(path))
}

func TestCaptureServerResult_RemovesFile(t *testing.T) {
	path := writeTemp(t, `{"end":{"ok":true}}`)
	CaptureServerResult(path)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCaptureServerResult_MissingFileReturnsNil(t *testing.T) {
	assert.Nil(t, CaptureServerResult(filepath.Join(t.TempDir(), "does-not-exist.json")))
}

func TestContainsConnectionFailure(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"connection refused", "iperf3: error - unable to connect to server: Connection refused", true},
		{"no route to host", "iperf3: error - unable to connect to server: No route to host", true},
		{"unable to connect mixed case", "Unable to Connect: timed out", true},
		{"unrelated error", "iperf3: error - parameter level error", false},
		{"empty", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, containsConnectionFailure(tc.input))
		})
	}
}

func TestRunClient_SuccessReturnsOutputAndNilError(t *testing.T) {
	fakeIperf(t, `{"end":{"sum_received":{"bits_per_second":1}}}`, "", 0)
	w := New()

	result, err := w.RunClient(context.Background(), "10.0.0.1", 5201, 1, 1, false, 0, 1, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.NotNil(t, result.Output)
	assert.Empty(t, result.Combined)
}

func TestRunClient_NonRetryableFailurePropagatesError(t *testing.T) {
	fakeIperf(t, "", "iperf3: error - parameter level error", 1)
	w := New()

	result, err := w.RunClient(context.Background(), "10.0.0.1", 5201, 1, 1, false, 0, 5, time.Millisecond)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Output)
	assert.Contains(t, result.Combined, "parameter level error")
}

func TestRunClient_ExhaustedRetriesPropagatesError(t *testing.T) {
	fakeIperf(t, "", "iperf3: error - unable to connect to server: Connection refused", 1)
	w := New()

	result, err := w.RunClient(context.Background(), "10.0.0.1", 5201, 1, 1, false, 0, 3, time.Millisecond)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Output)
	assert.Contains(t, result.Combined, "Connection refused")
}

func TestRunClient_InvalidJSONOutputPropagatesError(t *testing.T) {
	fakeIperf(t, "not json", "", 0)
	w := New()

	result, err := w.RunClient(context.Background(), "10.0.0.1", 5201, 1, 1, false, 0, 1, time.Millisecond)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Output)
}
