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

// Package deploy models the deployable catalog: applications, their
// repos, the per-environment branch pairs, and the principals allowed
// to initiate and approve deployments.
package deploy

import (
	"fmt"
	"strings"
)

// Principal is either a single user or a user group. Exactly one of
// UserID and GroupID is set.
type Principal struct {
	// UserID is the chat platform id of a single user.
	UserID string `json:"user_id,omitempty"`
	// Approver marks a user whose personal approval counts toward quorum.
	// Non-approver users are notified but not required.
	Approver bool `json:"approver,omitempty"`

	// GroupID is the chat platform id of a user group. Groups are always
	// required for quorum and are expanded at approval time.
	GroupID string `json:"group_id,omitempty"`
	// MinApprovers is displayed in the approval prompt. Quorum is
	// satisfied by any single member regardless of its value.
	MinApprovers int `json:"min_approvers,omitempty"`
}

// IsGroup reports whether the principal is a user group.
func (p Principal) IsGroup() bool {
	return p.GroupID != ""
}

// IsApprover reports whether the principal's approval counts toward
// quorum. Groups always do.
func (p Principal) IsApprover() bool {
	if p.IsGroup() {
		return true
	}
	return p.Approver
}

// Key is a stable identity for deduplication and set subtraction.
func (p Principal) Key() string {
	if p.IsGroup() {
		return "group:" + p.GroupID
	}
	return "user:" + p.UserID
}

// Mention renders the chat syntax for directly addressing the principal.
func (p Principal) Mention() string {
	if !p.IsGroup() {
		return fmt.Sprintf("<@%s>", p.UserID)
	}
	n := p.MinApprovers
	if n < 1 {
		n = 1
	}
	if n == 1 {
		return fmt.Sprintf("1 member of <!subteam^%s>", p.GroupID)
	}
	return fmt.Sprintf("%d members of <!subteam^%s>", n, p.GroupID)
}

// Mergeable is a branch pair that, when merged, triggers a deploy, plus
// the roster of principals for that environment.
type Mergeable struct {
	// Name of the environment. Commands are matched against this.
	Name string `json:"name"`
	// Base branch to be merged into Target.
	Base string `json:"base"`
	// Target branch that, when merged into, triggers a deploy.
	Target string `json:"target"`
	// Users who can initiate or will be asked to approve.
	Users []Principal `json:"users"`
}

// NameMatches compares the environment name against name,
// case-insensitively and ignoring surrounding whitespace.
func (m Mergeable) NameMatches(name string) bool {
	return nameEq(m.Name, name)
}

// Repo is a git repository containing a branch pair per environment.
type Repo struct {
	// URL is the remote the executor clones and pushes to.
	URL string `json:"url"`
	// Name of the repo. Used as the clone directory, not matched against.
	Name string `json:"name"`
	// GitSSHKey is the key used for pushing to this repo.
	GitSSHKey string `json:"git_ssh_key,omitempty"`
	// Environments contained within the repo.
	Environments []Mergeable `json:"environments"`
}

// Environment returns the repo's environment matching name.
func (r Repo) Environment(name string) (Mergeable, bool) {
	for _, env := range r.Environments {
		if env.NameMatches(name) {
			return env, true
		}
	}
	return Mergeable{}, false
}

// App is a deployable application within one chat workspace.
type App struct {
	// Name of the app. Matched against the first command argument.
	Name string `json:"name"`
	// TeamID is the chat workspace the app belongs to.
	TeamID string `json:"team_id"`
	// NotificationChannelID is where lifecycle messages are posted.
	NotificationChannelID string `json:"notification_channel_id"`
	// Repos that carry the app's environment branches.
	Repos []Repo `json:"repos"`
}

// NameMatches compares the app name against name, case-insensitively
// and ignoring surrounding whitespace.
func (a App) NameMatches(name string) bool {
	return nameEq(a.Name, name)
}

// DeepCopy returns a copy sharing no slices with a.
func (a App) DeepCopy() App {
	out := a
	out.Repos = make([]Repo, len(a.Repos))
	for i, r := range a.Repos {
		cp := r
		cp.Environments = make([]Mergeable, len(r.Environments))
		for j, env := range r.Environments {
			envCp := env
			envCp.Users = append([]Principal(nil), env.Users...)
			cp.Environments[j] = envCp
		}
		out.Repos[i] = cp
	}
	return out
}

func nameEq(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
