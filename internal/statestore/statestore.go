package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mcfleet/mcfleet/internal/metrics"
)

// The state store is a git working clone holding JSON documents. It is the
// only communication channel between the control plane and workers, so every
// read is preceded by a remote synchronization and every write is published
// with an optimistic retry loop. The merge is file-level: concurrent writers
// of different documents never conflict, concurrent writers of the same
// document are last-published-wins.

var (
	// ErrNotFound is returned when a document key does not exist.
	ErrNotFound = errors.New("statestore: document not found")
	// ErrConflict is returned when publishing kept being rejected after the
	// configured number of pull-rebase-push attempts.
	ErrConflict = errors.New("statestore: publish conflict")
)

// Docs is the document store contract shared by the git-backed Store and the
// in-memory Mem used in tests and single-node mode.
type Docs interface {
	// Load synchronizes with the remote and unmarshals the document at key.
	Load(key string, v any) error
	// Save marshals v, stages it at key and publishes a commit described by msg.
	Save(key string, v any, msg string) error
	// Delete removes the document at key and publishes the removal.
	Delete(key, msg string) error
	// List synchronizes and returns all keys under prefix, sorted.
	List(prefix string) ([]string, error)
}

// Mem is an in-memory Docs implementation. Safe for concurrent use.
type Mem struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMem() *Mem { return &Mem{docs: make(map[string][]byte)} }

func (m *Mem) Load(key string, v any) error {
	m.mu.Lock()
	b, ok := m.docs[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(b, v)
}

func (m *Mem) Save(key string, v any, _ string) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[key] = b
	m.mu.Unlock()
	return nil
}

func (m *Mem) Delete(key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(m.docs, key)
	return nil
}

func (m *Mem) List(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.docs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Store is the git-backed Docs implementation rooted at a working clone.
type Store struct {
	dir         string
	maxAttempts int
	// mu serializes git operations within this process; cross-process
	// contention is handled by the publish retry loop.
	mu sync.Mutex

	git gitRunner
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAttempts bounds the pull-rebase-push retry loop (default 3).
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Open returns a Store over an existing git working clone. A directory
// without a .git is rejected; a clone without a remote works in local-only
// mode (sync and publish become no-ops), which single-node deployments and
// tests rely on.
func Open(dir string, opts ...Option) (*Store, error) {
	if fi, err := os.Stat(filepath.Join(dir, ".git")); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("statestore: %s is not a git clone", dir)
	}
	s := &Store{dir: dir, maxAttempts: 3, git: execGit{dir: dir}}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Dir returns the root of the working clone.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("statestore: invalid key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

// sync brings the local view up to date, replaying local commits on top of
// the remote and autostashing uncommitted edits. No remote means no-op.
func (s *Store) sync() error {
	if !s.git.hasRemote() {
		return nil
	}
	return s.git.run("pull", "--rebase", "--autostash")
}

func (s *Store) Load(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sync(); err != nil {
		return fmt.Errorf("statestore: sync before read: %w", err)
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Store) Save(key string, v any, msg string) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(p, append(b, '\n'), 0o600); err != nil {
		return err
	}
	return s.commitAndPublish(key, msg)
}

func (s *Store) Delete(key, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := os.Remove(p); err != nil {
		return err
	}
	return s.commitAndPublish(key, msg)
}

func (s *Store) List(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sync(); err != nil {
		return nil, fmt.Errorf("statestore: sync before list: %w", err)
	}
	root, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(s.dir, path)
		if rerr != nil {
			return rerr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// commitAndPublish stages key, commits with msg and pushes. A rejected push
// (remote advanced) triggers pull-rebase and another push, bounded by
// maxAttempts; exhaustion surfaces ErrConflict. Callers must treat a
// successful publish as eventually-visible, not as a synchronous ack.
func (s *Store) commitAndPublish(key, msg string) error {
	if err := s.git.run("add", "--all", "--", filepath.Clean(key)); err != nil {
		return fmt.Errorf("statestore: stage %s: %w", key, err)
	}
	// Empty commits happen when a write produced no byte change; not an error.
	if err := s.git.run("commit", "-m", msg); err != nil && !s.git.nothingToCommit(err) {
		return fmt.Errorf("statestore: commit %s: %w", key, err)
	}
	if !s.git.hasRemote() {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := s.git.run("push"); err == nil {
			return nil
		} else {
			lastErr = err
			metrics.IncStoreConflict()
		}
		if err := s.git.run("pull", "--rebase", "--autostash"); err != nil {
			return fmt.Errorf("statestore: rebase during publish of %s: %w", key, err)
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConflict, key, s.maxAttempts, lastErr)
}
