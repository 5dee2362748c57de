package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifperf/ifperf/agent/internal/iperf"
	"github.com/ifperf/ifperf/shared/types"
)

type fakeReporter struct {
	mu      sync.Mutex
	started []string
	results []fakeResult
}

type fakeResult struct {
	taskID string
	status types.TaskStatus
	result json.RawMessage
	stderr string
}

func (f *fakeReporter) TaskStarted(_ context.Context, taskID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, taskID)
	return nil
}

func (f *fakeReporter) TaskResult(_ context.Context, taskID string, status types.TaskStatus, result json.RawMessage, stderr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, fakeResult{taskID, status, result, stderr})
	return nil
}

func (f *fakeReporter) resultFor(taskID string) (fakeResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.results {
		if r.taskID == taskID {
			return r, true
		}
	}
	return fakeResult{}, false
}

func waitForResult(t *testing.T, reporter *fakeReporter, taskID string) fakeResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := reporter.resultFor(taskID); ok {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no result reported for task %s", taskID)
	return fakeResult{}
}

func newTestExecutor() (*Executor, *fakeReporter) {
	reporter := &fakeReporter{}
	return New(iperf.New(), reporter, zap.NewNop()), reporter
}

func TestSubmit_UnknownTaskTypeFails(t *testing.T) {
	exec, reporter := newTestExecutor()

	task := types.ClaimedTask{ID: uuid.NewString(), Type: types.TaskType("bogus")}
	exec.Submit(context.Background(), task)
	exec.Wait()

	result := waitForResult(t, reporter, task.ID)
	assert.Equal(t, types.TaskStatusFailed, result.status)
}

func TestSubmit_MalformedTaskIDIsDropped(t *testing.T) {
	exec, reporter := newTestExecutor()

	task := types.ClaimedTask{ID: "not-a-uuid", Type: types.TaskTypeKillAll}
	exec.Submit(context.Background(), task)
	exec.Wait()

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	assert.Empty(t, reporter.started)
	assert.Empty(t, reporter.results)
}

func TestSubmit_ServerStartInvalidPayloadFails(t *testing.T) {
	exec, reporter := newTestExecutor()

	task := types.ClaimedTask{
		ID:      uuid.NewString(),
		Type:    types.TaskTypeIperfServerStart,
		Payload: json.RawMessage(`not valid json`),
	}
	exec.Submit(context.Background(), task)
	exec.Wait()

	result := waitForResult(t, reporter, task.ID)
	assert.Equal(t, types.TaskStatusFailed, result.status)
}

func TestSnapshot_EmptyByDefault(t *testing.T) {
	exec, _ := newTestExecutor()
	assert.Empty(t, exec.Snapshot())
}

func TestKillAll_NoRunningProcessesStillSucceeds(t *testing.T) {
	exec, reporter := newTestExecutor()

	task := types.ClaimedTask{ID: uuid.NewString(), Type: types.TaskTypeKillAll}
	exec.Submit(context.Background(), task)
	exec.Wait()

	result := waitForResult(t, reporter, task.ID)
	require.Equal(t, types.TaskStatusSucceeded, result.status)

	var killed map[string]int
	require.NoError(t, json.Unmarshal(result.result, &killed))
	assert.Equal(t, 0, killed["killed"])
}

func TestShutdown_NoRunningProcessesReturnsImmediately(t *testing.T) {
	exec, _ := newTestExecutor()

	done := make(chan struct{})
	go func() {
		exec.Shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return")
	}
}
