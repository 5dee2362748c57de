// Package iperf is the sole component responsible for invoking the iperf3
// binary and parsing its output. No other package may exec iperf3 directly
// — they go through the Wrapper type.
//
// Design notes:
//   - Each method maps to one logical operation: start a server, run a
//     client, capture a server's accumulated output, kill a running process.
//   - iperf3 is expected on PATH; no binary is embedded or extracted. This
//     mirrors the restic wrapper's shape without its binary-management half,
//     which iperf3 does not need.
//   - The Wrapper is safe for concurrent use — each method call creates an
//     independent exec.Cmd with its own stdout/stderr destinations.
package iperf

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/roko"
)

// binaryName is the executable iperf3 is expected under on PATH. A var, not
// a const, so tests can point it at a fake binary.
var binaryName = "iperf3"

// connectionFailureSubstrings are looked for in a failed client run's
// stderr/stdout to decide whether the failure is a transient connection
// problem worth retrying, as opposed to a usage error or a JSON parse
// failure, which are never retried.
var connectionFailureSubstrings = []string{
	"connection refused",
	"no route to host",
	"unable to connect",
}

// Wrapper invokes iperf3 on behalf of the executor. The zero value is ready
// to use.
type Wrapper struct{}

// New creates a Wrapper.
func New() *Wrapper {
	return &Wrapper{}
}

// ServerProcess describes a running `iperf3 -s` invocation. The caller is
// responsible for recording it in a running-processes table and eventually
// calling Kill and CaptureServerResult on it.
type ServerProcess struct {
	Cmd        *exec.Cmd
	PID        int
	OutputFile string
}

// StartServer launches `iperf3 -s -p port [-u] -J`, redirecting stdout to a
// fresh temp file so the accumulated JSON can be recovered later when the
// server is killed. It returns as soon as the process has spawned — it does
// not wait for iperf3 to report itself ready.
func (w *Wrapper) StartServer(port int, udp bool) (*ServerProcess, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("iperf-server-%d-*.json", port))
	if err != nil {
		return nil, fmt.Errorf("iperf: create server output file: %w", err)
	}

	args := []string{"-s", "-p", strconv.Itoa(port), "-J"}
	if udp {
		args = append(args, "-u")
	}

	cmd := exec.Command(binaryName, args...)
	cmd.Stdout = f
	cmd.Stderr = f

	if err := cmd.Start(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("iperf: start server: %w", err)
	}
	f.Close()

	return &ServerProcess{
		Cmd:        cmd,
		PID:        cmd.Process.Pid,
		OutputFile: f.Name(),
	}, nil
}

// ClientResult is the outcome of a successful or exhausted client run.
type ClientResult struct {
	// Output holds the parsed iperf3 JSON report, present only when the run
	// succeeded (exit 0, valid JSON).
	Output json.RawMessage
	// Combined holds the combined stderr/stdout of the last attempt, present
	// only when every attempt failed.
	Combined string
}

// RunClient runs `iperf3 -c ip -p port -P parallel -t seconds -J [-u -b 0]`,
// applying the task's configured initial delay and retry ladder. A run is
// retried only when its failure looks like a transient connection problem
// (refused, no route, unable to connect); any other nonzero exit, or a
// zero exit whose stdout fails to parse as JSON, is returned immediately as
// non-retryable.
func (w *Wrapper) RunClient(ctx context.Context, ip string, port, parallel, seconds int, udp bool, clientDelay time.Duration, maxRetries int, retryDelay time.Duration) (*ClientResult, error) {
	if clientDelay > 0 {
		select {
		case <-time.After(clientDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	attempts := maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var last *ClientResult
	retrier := roko.NewRetrier(
		roko.WithMaxAttempts(attempts),
		roko.WithStrategy(roko.Exponential(retryDelay, 0)),
	)

	err := retrier.DoWithContext(ctx, func(r *roko.Retrier) error {
		result, retryable, runErr := w.runClientOnce(ctx, ip, port, parallel, seconds, udp)
		if runErr == nil {
			last = result
			return nil
		}
		if !retryable {
			r.Break()
		}
		last = result
		return runErr
	})

	if err != nil {
		return last, err
	}
	return last, nil
}

// runClientOnce runs a single iperf3 client attempt. retryable reports
// whether a non-nil error is worth retrying.
func (w *Wrapper) runClientOnce(ctx context.Context, ip string, port, parallel, seconds int, udp bool) (*ClientResult, bool, error) {
	args := []string{"-c", ip, "-p", strconv.Itoa(port), "-P", strconv.Itoa(parallel), "-t", strconv.Itoa(seconds), "-J"}
	if udp {
		args = append(args, "-u", "-b", "0")
	}

	cmd := exec.CommandContext(ctx, binaryName, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	combined := stderr.String() + stdout.String()

	if runErr != nil {
		retryable := containsConnectionFailure(combined)
		return &ClientResult{Combined: combined}, retryable, fmt.Errorf("iperf: client run: %w", runErr)
	}

	if !json.Valid([]byte(stdout.String())) {
		return &ClientResult{Combined: combined}, false, fmt.Errorf("iperf: client run: invalid JSON output")
	}

	return &ClientResult{Output: json.RawMessage(stdout.String())}, false, nil
}

func containsConnectionFailure(s string) bool {
	lower := strings.ToLower(s)
	for _, substr := range connectionFailureSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// Kill terminates a running process, escalating to a force kill if it has
// not exited within grace.
func Kill(proc *os.Process, grace time.Duration) error {
	if proc == nil {
		return nil
	}

	_ = proc.Signal(os.Interrupt)

	done := make(chan error, 1)
	go func() {
		_, err := proc.Wait()
		done <- err
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = proc.Kill()
		<-done
		return nil
	}
}

// CaptureServerResult recovers the accumulated JSON report from a killed
// server's output file. iperf3's -s -J output is not one JSON document — it
// writes one object per connection plus a trailing empty object on SIGTERM —
// so this decodes the stream and prefers, in order: the first object with a
// non-empty "end" field (a completed test), else the first object with an
// "intervals" field (a test that was killed mid-run), else the first object
// the stream produced. Decoding stops at the first parse error and the choice
// is made among the objects decoded before it; a missing file, or one with
// zero valid objects, returns a nil result rather than an error — capture
// failure must never fail the kill path.
func CaptureServerResult(path string) json.RawMessage {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	defer os.Remove(path)

	dec := json.NewDecoder(bufio.NewReader(f))

	var first, withIntervals, withEnd json.RawMessage
	for {
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			if err == io.EOF {
				break
			}
			break
		}

		raw, marshalErr := json.Marshal(obj)
		if marshalErr != nil {
			continue
		}
		if first == nil {
			first = raw
		}
		if withIntervals == nil {
			if _, ok := obj["intervals"]; ok {
				withIntervals = raw
			}
		}
		if withEnd == nil {
			if end, ok := obj["end"]; ok && len(end) > 2 {
				withEnd = raw
			}
		}
	}

	switch {
	case withEnd != nil:
		return withEnd
	case withIntervals != nil:
		return withIntervals
	default:
		return first
	}
}
