package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/gobridge/bridge"
	"github.com/prometheus/client_golang/prometheus"
)

func TestSessionCall(t *testing.T) {
	exec := newTestExecutor(t)

	session, err := exec.NewSession(context.Background(), NewProgram("answer", answerProgram(false)))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer session.Close()

	for i := 0; i < 3; i++ {
		got, err := session.Call(context.Background(), "answer")
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if got != 42.0 {
			t.Errorf("expected 42, got %v", got)
		}
	}

	if session.Exited() {
		t.Error("session should still be running")
	}
	if stats := session.Stats(); stats.PendingEvent {
		t.Error("no event should be pending between calls")
	}
}

func TestSessionExportsAfterSleep(t *testing.T) {
	exec := newTestExecutor(t)

	session, err := exec.NewSession(context.Background(), NewProgram("sleepy", sleepyAnswerProgram(20)),
		WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer session.Close()

	got, err := session.Call(context.Background(), "answer")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != 42.0 {
		t.Errorf("expected 42, got %v", got)
	}
	if stats := session.Stats(); stats.Timers != 0 {
		t.Errorf("expected no pending timers, got %d", stats.Timers)
	}
}

func TestSessionCallUnknownFunction(t *testing.T) {
	exec := newTestExecutor(t)

	session, err := exec.NewSession(context.Background(), NewProgram("answer", answerProgram(false)))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer session.Close()

	_, err = session.Call(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "not a function") {
		t.Fatalf("expected not a function error, got %v", err)
	}

	// The session survives a failed call.
	if _, err := session.Call(context.Background(), "answer"); err != nil {
		t.Errorf("call after failure: %v", err)
	}
}

func TestSessionClosed(t *testing.T) {
	exec := newTestExecutor(t)

	session, err := exec.NewSession(context.Background(), NewProgram("answer", answerProgram(false)))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if _, err := session.Call(context.Background(), "answer"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionCallTimeoutClosesSession(t *testing.T) {
	exec := newTestExecutor(t)

	session, err := exec.NewSession(context.Background(), NewProgram("answer-spin", answerProgram(true)),
		WithTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer session.Close()

	_, err = session.Call(context.Background(), "answer")
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected timeout to close the session, got %v", err)
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout in error, got %v", err)
	}

	if _, err := session.Call(context.Background(), "answer"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionProgramExitsDuringStart(t *testing.T) {
	exec := newTestExecutor(t)

	_, err := exec.NewSession(context.Background(), NewProgram("exit4", exitProgram(4)))
	if !errors.Is(err, bridge.ErrExited) {
		t.Fatalf("expected exit error, got %v", err)
	}
	if !strings.Contains(err.Error(), "code 4") {
		t.Errorf("expected exit code in error, got %v", err)
	}
}

func TestSessionStartTimeout(t *testing.T) {
	exec := newTestExecutor(t)

	_, err := exec.NewSession(context.Background(), NewProgram("spin", spinProgram()),
		WithTimeout(100*time.Millisecond))
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected start timeout, got %v", err)
	}
}

func TestSessionOutput(t *testing.T) {
	out := &output{}
	out.Write([]byte("one "))
	out.Write([]byte("two"))

	s := &Session{out: out}
	if got := s.Output(); got != "one two" {
		t.Errorf("expected 'one two', got %q", got)
	}
	if got := s.Output(); got != "" {
		t.Errorf("expected output to be cleared, got %q", got)
	}
}

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	exec := newTestExecutor(t, WithMetrics(m))

	session, err := exec.NewSession(context.Background(), NewProgram("answer", answerProgram(false)))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	session.Call(context.Background(), "answer")
	session.Call(context.Background(), "missing")

	counts := gatherCounts(t, reg, "gobridge_session_calls_total")
	if counts["ok"] != 1 || counts["error"] != 1 {
		t.Errorf("unexpected call counts: %v", counts)
	}
	if got := gaugeValue(t, reg, "gobridge_open_sessions"); got != 1 {
		t.Errorf("expected 1 open session, got %v", got)
	}

	session.Close()
	if got := gaugeValue(t, reg, "gobridge_open_sessions"); got != 0 {
		t.Errorf("expected 0 open sessions, got %v", got)
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
