package repository

import (
	"encoding/json"
	"time"

	"github.com/ifperf/ifperf/manager/internal/db"
)

// mergePID returns payload with a "pid" field merged in, as Mark Started
// requires. Payload is opaque JSON text in the store; this is the one place
// the repository layer looks inside it.
func mergePID(payload string, pid int) string {
	var m map[string]any
	if payload == "" {
		m = map[string]any{}
	} else if err := json.Unmarshal([]byte(payload), &m); err != nil {
		m = map[string]any{}
	}
	m["pid"] = pid
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return string(out)
}

// clientDeadline computes started_at + payload.time + 10s for a running
// iperf_client_run task. ok is false if the task has no started_at yet or
// its payload is not valid JSON; a payload without a "time" field counts as
// time 0.
func clientDeadline(t db.Task, now time.Time) (deadline time.Time, ok bool) {
	if t.StartedAt == nil {
		return time.Time{}, false
	}
	var payload struct {
		Time int `json:"time"`
	}
	if err := json.Unmarshal([]byte(t.Payload), &payload); err != nil {
		return time.Time{}, false
	}
	return t.StartedAt.Add(time.Duration(payload.Time)*time.Second + 10*time.Second), true
}
