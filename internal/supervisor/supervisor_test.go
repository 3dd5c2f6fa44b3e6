package supervisor

import (
	"os"
	"strings"
	"testing"
	"time"
)

func waitForTerminalStatus(t *testing.T, s *Supervisor, taskID string, timeout time.Duration) *ProcessStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := s.Status(taskID)
		if err != nil {
			t.Fatal(err)
		}
		if status != nil && (status.State == StateCompleted || status.State == StateFailed) {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal status within %s", taskID, timeout)
	return nil
}

func TestSpawnAndCompleteWritesTerminalStatus(t *testing.T) {
	sup, err := New(nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	handle, err := sup.Spawn("t1", "hello", []string{"/bin/echo", "hi"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if handle.PID <= 0 {
		t.Fatalf("expected positive pid, got %d", handle.PID)
	}

	status := waitForTerminalStatus(t, sup, "t1", 2*time.Second)
	if status.State != StateCompleted {
		t.Fatalf("expected completed, got %s", status.State)
	}
	if status.ExitCode == nil || *status.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", status.ExitCode)
	}

	stdout, err := os.ReadFile(handle.TaskDir + "/stdout.log")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(stdout)) != "hi" {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestSpawnRejectsShellInterpretation(t *testing.T) {
	sup, err := New(nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	argv := []string{"/bin/echo", "--version", "; echo INJECTED", "$(whoami)", "`id`"}
	handle, err := sup.Spawn("t2", "prompt", argv, "")
	if err != nil {
		t.Fatal(err)
	}

	waitForTerminalStatus(t, sup, "t2", 2*time.Second)

	stdout, err := os.ReadFile(handle.TaskDir + "/stdout.log")
	if err != nil {
		t.Fatal(err)
	}
	out := string(stdout)
	// A shell would have run `echo INJECTED` and substituted $(whoami)
	// and `id`; the only acceptable output is the arguments unchanged.
	want := "--version ; echo INJECTED $(whoami) `id`\n"
	if out != want {
		t.Fatalf("shell metacharacters were interpreted: %q", out)
	}
	// /bin/echo prints its arguments verbatim, literal metacharacters
	// included, proving none of them were passed to a shell.
	if !strings.Contains(out, "; echo INJECTED") {
		t.Fatalf("expected literal argument echoed back, got %q", out)
	}
}

func TestSpawnRequiresNonEmptyArgv(t *testing.T) {
	sup, err := New(nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Spawn("t3", "prompt", nil, ""); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestStopOnAlreadyTerminatedProcessSucceeds(t *testing.T) {
	sup, err := New(nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	result, err := sup.Stop("never-spawned")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Signal != "already terminated" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestIsAliveFalseForImpossiblePID(t *testing.T) {
	sup, err := New(nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if sup.IsAlive(0) {
		t.Fatal("expected IsAlive(0) to be false")
	}
}

func TestReconnectReturnsNilWhenDirectoryMissing(t *testing.T) {
	sup, err := New(nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	handle, err := sup.Reconnect("does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if handle != nil {
		t.Fatalf("expected nil handle, got %+v", handle)
	}
}

func TestStopGracefullyTerminatesLongRunningProcess(t *testing.T) {
	sup, err := New(nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	handle, err := sup.Spawn("t4", "prompt", []string{"/bin/sleep", "30"}, "")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if !sup.IsAlive(handle.PID) {
		t.Fatal("expected process to be alive before stop")
	}

	result, err := sup.Stop("t4")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected successful stop, got %+v", result)
	}

	if sup.IsAlive(handle.PID) {
		t.Fatal("expected process to be dead after stop")
	}
}
