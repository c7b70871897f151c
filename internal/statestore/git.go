package statestore

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// gitRunner abstracts the git invocations so conflict paths can be exercised
// in tests without a remote.
type gitRunner interface {
	run(args ...string) error
	hasRemote() bool
	nothingToCommit(err error) bool
}

// execGit shells out to the git binary in dir. The store deliberately uses
// the real git rebase/autostash machinery instead of reimplementing merge
// semantics.
type execGit struct {
	dir string
}

type gitError struct {
	args   []string
	output string
	err    error
}

func (e *gitError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.args, " "), e.err, strings.TrimSpace(e.output))
}

func (e *gitError) Unwrap() error { return e.err }

func (g execGit) run(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return &gitError{args: args, output: out.String(), err: err}
	}
	return nil
}

func (g execGit) hasRemote() bool {
	cmd := exec.Command("git", "remote")
	cmd.Dir = g.dir
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return len(bytes.TrimSpace(out)) > 0
}

func (g execGit) nothingToCommit(err error) bool {
	var ge *gitError
	if !errors.As(err, &ge) {
		return false
	}
	return strings.Contains(ge.output, "nothing to commit") ||
		strings.Contains(ge.output, "nothing added to commit")
}
