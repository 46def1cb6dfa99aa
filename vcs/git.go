// Package vcs probes git metadata for the user script so trials record the
// exact code version they ran against.
package vcs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/Epistimio/kleio/store"
)

// ErrNoRepository reports that the user script is not inside a git
// repository.
var ErrNoRepository = errors.New("script is not in a git repository")

// CommandError wraps a failed git invocation with its stderr.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// runner executes git in a directory. Swapped for a fake in tests.
type runner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

// Infer returns the version descriptor for the repository containing
// userScript: head sha, dirty flag, active branch (nil when detached) and a
// content hash of the uncommitted diff.
func Infer(ctx context.Context, userScript string) (store.Document, error) {
	return infer(ctx, userScript, execGit)
}

func infer(ctx context.Context, userScript string, run runner) (store.Document, error) {
	abs, err := filepath.Abs(userScript)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)

	head, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, abs)
	}

	status, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	version := store.Document{
		"type":      "git",
		"head_sha":  head,
		"is_dirty":  status != "",
		"active_branch": nil,
	}
	if branch, err := run(ctx, dir, "symbolic-ref", "--short", "-q", "HEAD"); err == nil && branch != "" {
		version["active_branch"] = branch
	}

	diff, err := run(ctx, dir, "diff", "HEAD")
	if err != nil {
		return nil, err
	}
	version["diff_sha"] = DiffSHA([]byte(diff))
	return version, nil
}

// DiffSHA hashes a diff into the stable content id recorded with the
// version.
func DiffSHA(diff []byte) string {
	sum := blake3.Sum256(diff)
	return hex.EncodeToString(sum[:])
}

var pythonScriptRE = regexp.MustCompile(`\bpython(\d(\.\d+)?)? .*?\w+\.py\b`)

// UserScript locates the user script in a commandline: the target of a
// python invocation, or the first token. Returns empty when the path does
// not exist on this host.
func UserScript(commandline []string) string {
	joined := strings.TrimSpace(strings.Join(commandline, " "))
	if joined == "" {
		return ""
	}
	script := ""
	if m := pythonScriptRE.FindString(joined); m != "" {
		parts := strings.Split(m, " ")
		script = parts[len(parts)-1]
	} else {
		script = commandline[0]
	}
	if _, err := os.Stat(script); err != nil {
		return ""
	}
	return script
}
