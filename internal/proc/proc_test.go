package proc

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func contains(sub string) func(string) bool {
	return func(line string) bool { return strings.Contains(line, sub) }
}

// syncBuffer guards a bytes.Buffer for reads from the test goroutine while
// the scanner goroutine writes.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestWaitReadyOnMarker(t *testing.T) {
	var out syncBuffer
	p, err := Start(Spec{
		Argv:   []string{"sh", "-c", `echo starting; echo 'Done! For help, type help'; sleep 10`},
		Ready:  contains("Done"),
		Output: &out,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = p.Kill() }()
	if err := p.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if !strings.Contains(out.String(), "starting") {
		t.Fatalf("output not mirrored: %q", out.String())
	}
}

func TestWaitReadyEarlyExit(t *testing.T) {
	p, err := Start(Spec{
		Argv:  []string{"sh", "-c", "echo nope; exit 3"},
		Ready: contains("Done"),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	err = p.WaitReady(context.Background(), 5*time.Second)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("want ErrNotReady, got %v", err)
	}
	<-p.Done()
	if p.ExitErr() == nil {
		t.Fatalf("expected non-zero exit to surface")
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	p, err := Start(Spec{
		Argv:  []string{"sh", "-c", "sleep 10"},
		Ready: contains("Done"),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = p.Kill() }()
	if err := p.WaitReady(context.Background(), 100*time.Millisecond); !errors.Is(err, ErrNotReady) {
		t.Fatalf("want ErrNotReady on timeout, got %v", err)
	}
}

func TestSendAndGracefulStop(t *testing.T) {
	var out syncBuffer
	script := `echo up; while read l; do echo "recv:$l"; [ "$l" = stop ] && exit 0; done`
	p, err := Start(Spec{
		Argv:   []string{"sh", "-c", script},
		Ready:  contains("up"),
		Output: &out,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if err := p.Send("say hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.Stop("stop", 5*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !p.Exited() {
		t.Fatalf("child still running after Stop")
	}
	// The scanner goroutine may still be draining the child's final lines
	// after Stop returns, so wait for them.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := out.String()
		if strings.Contains(got, "recv:say hello") && strings.Contains(got, "recv:stop") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("console channel lost lines: %q", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.ExitErr() != nil {
		t.Fatalf("graceful stop should exit clean, got %v", p.ExitErr())
	}
}

func TestStopEscalatesWhenConsoleIgnored(t *testing.T) {
	// A child that never reads stdin and ignores the console stop command.
	p, err := Start(Spec{
		Argv:  []string{"sh", "-c", "echo up; sleep 60"},
		Ready: contains("up"),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	start := time.Now()
	if err := p.Stop("stop", 200*time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !p.Exited() {
		t.Fatalf("child survived escalation")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("escalation took too long: %s", elapsed)
	}
}

func TestSendAfterExit(t *testing.T) {
	p, err := Start(Spec{
		Argv:  []string{"sh", "-c", "exit 0"},
		Ready: contains("never"),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-p.Done()
	if err := p.Send("list"); err == nil {
		t.Fatalf("send to a dead child must fail")
	}
}
