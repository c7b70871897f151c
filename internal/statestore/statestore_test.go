package statestore

import (
	"errors"
	"os/exec"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func gitInit(t *testing.T, dir string, args ...string) {
	t.Helper()
	for _, cmdArgs := range [][]string{
		append([]string{"init"}, args...),
		{"config", "user.name", "test"},
		{"config", "user.email", "test@example.com"},
		{"commit", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", cmdArgs...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", cmdArgs, err, out)
		}
	}
}

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	gitInit(t, dir)
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestOpenRejectsNonClone(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatalf("expected error for plain directory")
	}
}

func TestSaveLoadDelete(t *testing.T) {
	s := newLocalStore(t)
	in := doc{Name: "alpha", Count: 3}
	if err := s.Save("servers/a.json", in, "add alpha"); err != nil {
		t.Fatalf("save: %v", err)
	}
	var out doc
	if err := s.Load("servers/a.json", &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch: %+v != %+v", out, in)
	}
	if err := s.Delete("servers/a.json", "remove alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Load("servers/a.json", &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestLoadMissingKey(t *testing.T) {
	s := newLocalStore(t)
	var out doc
	if err := s.Load("servers/nope.json", &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestKeyTraversalRejected(t *testing.T) {
	s := newLocalStore(t)
	if err := s.Save("../outside.json", doc{}, "x"); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
	if err := s.Save("/abs.json", doc{}, "x"); err == nil {
		t.Fatalf("expected absolute key to be rejected")
	}
}

func TestList(t *testing.T) {
	s := newLocalStore(t)
	for _, k := range []string{"servers/b.json", "servers/a.json", "tunnels/map.json"} {
		if err := s.Save(k, doc{Name: k}, "add "+k); err != nil {
			t.Fatalf("save %s: %v", k, err)
		}
	}
	keys, err := s.List("servers")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "servers/a.json" || keys[1] != "servers/b.json" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	// Listing an absent prefix is empty, not an error.
	keys, err = s.List("missing")
	if err != nil || len(keys) != 0 {
		t.Fatalf("want empty list, got %v err=%v", keys, err)
	}
}

func TestRewriteSameContentIsNotAnError(t *testing.T) {
	s := newLocalStore(t)
	in := doc{Name: "same"}
	if err := s.Save("servers/s.json", in, "first"); err != nil {
		t.Fatalf("first save: %v", err)
	}
	// Identical bytes produce an empty commit; the store treats it as a no-op.
	if err := s.Save("servers/s.json", in, "second"); err != nil {
		t.Fatalf("second save: %v", err)
	}
}

// fakeGit simulates a remote that rejects pushes a fixed number of times.
type fakeGit struct {
	rejects int
	pushes  int
	pulls   int
}

func (f *fakeGit) run(args ...string) error {
	switch args[0] {
	case "push":
		f.pushes++
		if f.pushes <= f.rejects {
			return errors.New("rejected: fetch first")
		}
		return nil
	case "pull":
		f.pulls++
		return nil
	default:
		return nil
	}
}

func (f *fakeGit) hasRemote() bool { return true }

func (f *fakeGit) nothingToCommit(error) bool { return true }

func TestPublishRetriesThenSucceeds(t *testing.T) {
	s := newLocalStore(t)
	fg := &fakeGit{rejects: 2}
	s.git = fg
	if err := s.Save("servers/r.json", doc{Name: "r"}, "retry"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if fg.pushes != 3 || fg.pulls != 2 {
		t.Fatalf("want 3 pushes / 2 rebases, got %d/%d", fg.pushes, fg.pulls)
	}
}

func TestPublishConflictAfterExhaustedRetries(t *testing.T) {
	s := newLocalStore(t)
	s.maxAttempts = 2
	s.git = &fakeGit{rejects: 10}
	err := s.Save("servers/c.json", doc{Name: "c"}, "conflict")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

// Two writers of the same document land on last-published-wins for the whole
// body. This is the documented trade-off of file-level merging, not a bug.
func TestSameDocumentLastWriterWins(t *testing.T) {
	m := NewMem()
	if err := m.Save("servers/x.json", doc{Name: "control-plane", Count: 1}, "a"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Save("servers/x.json", doc{Name: "worker", Count: 2}, "b"); err != nil {
		t.Fatalf("save: %v", err)
	}
	var out doc
	if err := m.Load("servers/x.json", &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Name != "worker" || out.Count != 2 {
		t.Fatalf("expected whole-document overwrite, got %+v", out)
	}
}

func TestMemListAndDelete(t *testing.T) {
	m := NewMem()
	_ = m.Save("servers/a.json", doc{}, "")
	_ = m.Save("servers/b.json", doc{}, "")
	keys, _ := m.List("servers/")
	if len(keys) != 2 {
		t.Fatalf("want 2 keys, got %v", keys)
	}
	if err := m.Delete("servers/a.json", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete("servers/a.json", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
