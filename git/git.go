/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package git provides exclusive, serialized access to the local git
// installation. Every operation shells out to the git binary; a single
// process-wide lock makes sure only one repository is being operated on
// at a time, so callers can write linear fetch/switch/merge/push code
// without worrying about the working directory changing underneath them.
package git

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// defaultUserEmail is configured globally if no git identity is set.
	defaultUserEmail = "donotreply@mergebot.orionkindel.com"
	// defaultUserName is configured globally if no git identity is set.
	defaultUserName = "mergebot"
	// mergeMessage is the commit message used for every deploy merge.
	mergeMessage = "chore: mergebot deploy"
)

// ErrNoBranchToUpdate is returned by UpdateBranch when no Switch preceded it.
var ErrNoBranchToUpdate = errors.New("no branch to update: call Switch first")

// CommandError records a git invocation that exited non-zero, along with
// its combined output.
type CommandError struct {
	// Cmd is the command line that failed, e.g. "git merge qa".
	Cmd string
	// Output is the combined stdout and stderr of the command.
	Output string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("error running %q: output: %s", e.Cmd, e.Output)
}

// Client clones repos under a home directory and hands out exclusive
// RepoContexts. Create with NewClient.
type Client struct {
	logger *logrus.Entry

	// git is the path to the git binary.
	git string
	// home is the directory that contains the cloned repos. Commands run
	// here when no RepoContext is live.
	home string

	// mu captures the exclusivity of using git on the hosted system. It is
	// acquired by Repo and held until the returned RepoContext is closed.
	mu sync.Mutex
	// workdir is the directory git commands run in. Only the holder of mu
	// may read or write it.
	workdir string
}

// NewClient returns a client rooted at home. It fails if git is not in
// the PATH or home cannot be created.
func NewClient(home string) (*Client, error) {
	g, err := exec.LookPath("git")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, err
	}
	return &Client{
		logger:  logrus.WithField("client", "git"),
		git:     g,
		home:    home,
		workdir: home,
	}, nil
}

// gitCommand constructs a git command running in the client's current
// working directory. Callers must hold mu.
func (c *Client) gitCommand(arg ...string) *exec.Cmd {
	cmd := exec.Command(c.git, arg...)
	cmd.Dir = c.workdir
	c.logger.WithField("args", cmd.Args).WithField("dir", cmd.Dir).Debug("Constructed git command")
	return cmd
}

// run executes a git command and returns its combined output. A non-zero
// exit becomes a *CommandError carrying the output.
func (c *Client) run(arg ...string) (string, error) {
	cmd := c.gitCommand(arg...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return "", &CommandError{Cmd: strings.Join(cmd.Args, " "), Output: string(b)}
		}
		return "", fmt.Errorf("could not spawn git: %v", err)
	}
	return string(b), nil
}

// configuredOr reads a git config entry, treating the non-zero exit of
// an unset key as an empty value.
func (c *Client) configuredOr(key string) (string, error) {
	out, err := c.run("config", "--get", key)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return cmdErr.Output, nil
		}
		return "", err
	}
	return out, nil
}

// ensureIdentity sets a global git identity if none is configured, so
// merge commits can be created on a fresh host.
func (c *Client) ensureIdentity() error {
	email, err := c.configuredOr("user.email")
	if err != nil {
		return err
	}
	if strings.TrimSpace(email) == "" {
		if _, err := c.run("config", "--global", "user.email", defaultUserEmail); err != nil {
			return err
		}
	} else {
		c.logger.WithField("email", strings.TrimSpace(email)).Debug("Git user email already set.")
	}

	name, err := c.configuredOr("user.name")
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		if _, err := c.run("config", "--global", "user.name", defaultUserName); err != nil {
			return err
		}
	} else {
		c.logger.WithField("name", strings.TrimSpace(name)).Debug("Git user name already set.")
	}
	return nil
}

// clone clones url into dirname under the client's home directory. A
// clone that already exists there is reused.
func (c *Client) clone(url, dirname string) (string, error) {
	dir := filepath.Join(c.home, dirname)
	if _, err := c.run("clone", url, dirname); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Output, "already exists and is not an empty directory") {
			c.logger.WithField("dir", dir).Info("Reusing existing clone.")
			return dir, nil
		}
		c.logger.WithError(err).Error("Clone failed.")
		return "", err
	}
	c.logger.WithField("dir", dir).Info("Cloned repo.")
	return dir, nil
}

// Repo acquires the git lock and returns a context scoped to a clone of
// url named dirname. It blocks until any existing RepoContext is closed.
// The caller must call Close on the returned context.
func (c *Client) Repo(url, dirname string) (*RepoContext, error) {
	c.mu.Lock()

	release := func() {
		c.workdir = c.home
		c.mu.Unlock()
	}

	if err := c.ensureIdentity(); err != nil {
		release()
		return nil, err
	}
	dir, err := c.clone(url, dirname)
	if err != nil {
		release()
		return nil, err
	}
	c.workdir = dir

	return &RepoContext{
		client: c,
		logger: c.logger.WithField("repo", dirname),
	}, nil
}

// RepoContext is a scoped, mutually exclusive handle on one repository.
// Its holder owns the process-wide git lock until Close.
type RepoContext struct {
	client *Client
	logger *logrus.Entry

	// currentBranch is the branch of the last successful Switch.
	currentBranch string
	closed        bool
}

// Directory exposes the location of the clone.
func (r *RepoContext) Directory() string {
	return r.client.workdir
}

// FetchAll fetches all remotes.
func (r *RepoContext) FetchAll() error {
	out, err := r.client.run("fetch", "--all")
	if err != nil {
		r.logger.WithError(err).Error("Fetch all failed.")
		return err
	}
	r.logger.WithField("out", strings.TrimSpace(out)).Debug("Fetched all remotes.")
	return nil
}

// Switch checks out branch and records it as current.
func (r *RepoContext) Switch(branch string) error {
	if _, err := r.client.run("switch", branch); err != nil {
		r.logger.WithField("branch", branch).WithError(err).Error("Switch failed.")
		return err
	}
	r.currentBranch = branch
	r.logger.WithField("branch", branch).Info("Switched branch.")
	return nil
}

// Upstream reads the configured remote for branch and returns
// "<remote>/<branch>".
func (r *RepoContext) Upstream(branch string) (string, error) {
	out, err := r.client.run("config", "--get", fmt.Sprintf("branch.%s.remote", branch))
	if err != nil {
		r.logger.WithField("branch", branch).WithError(err).Error("Reading upstream failed.")
		return "", err
	}
	return fmt.Sprintf("%s/%s", strings.TrimSpace(out), branch), nil
}

// UpdateBranch hard-resets the current branch to its upstream. It fails
// with ErrNoBranchToUpdate if no Switch preceded it.
func (r *RepoContext) UpdateBranch() error {
	if r.currentBranch == "" {
		return ErrNoBranchToUpdate
	}
	upstream, err := r.Upstream(r.currentBranch)
	if err != nil {
		return err
	}
	if _, err := r.client.run("reset", upstream, "--hard"); err != nil {
		r.logger.WithField("branch", r.currentBranch).WithError(err).Error("Update branch failed.")
		return err
	}
	r.logger.WithField("branch", r.currentBranch).WithField("upstream", upstream).Info("Updated branch.")
	return nil
}

// Merge merges target into the current branch with a fixed commit
// message. A failed merge is aborted so the clone stays usable for the
// next attempt.
func (r *RepoContext) Merge(target string) error {
	_, err := r.client.run("merge", target, "--message", mergeMessage)
	if err == nil {
		r.logger.WithField("target", target).WithField("branch", r.currentBranch).Info("Merged.")
		return nil
	}
	r.logger.WithField("target", target).WithError(err).Error("Merge failed.")
	if _, abortErr := r.client.run("merge", "--abort"); abortErr != nil {
		r.logger.WithError(abortErr).Warning("Aborting merge failed.")
	}
	return err
}

// Push force-pushes the current branch with verification hooks disabled.
func (r *RepoContext) Push() error {
	if _, err := r.client.run("push", "--no-verify", "--force"); err != nil {
		r.logger.WithField("branch", r.currentBranch).WithError(err).Error("Push failed.")
		return err
	}
	r.logger.WithField("branch", r.currentBranch).Info("Pushed.")
	return nil
}

// Close returns the client to its home directory and releases the git
// lock. It is safe to call once; further git operations through this
// context are invalid.
func (r *RepoContext) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.client.workdir = r.client.home
	r.client.mu.Unlock()
}
