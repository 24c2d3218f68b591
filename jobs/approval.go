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

package jobs

import (
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/cakekindel/mergebot/deploy"
)

// Groups answers group membership questions against the chat platform.
// Membership is always checked live, never cached, so catalog groups track
// the platform's current rosters.
type Groups interface {
	// ContainsUser reports whether the user is currently a member of the
	// group.
	ContainsUser(groupID, userID string) (bool, error)
	// Expand lists the group's current member user ids.
	Expand(groupID string) ([]string, error)
}

// Approvers enumerates the principals that may approve the job: every
// principal listed on an environment matching the job's command, across
// all the app's repos, de-duplicated in roster order. Groups are always
// approvers, single users only when flagged as such.
func (j Job) Approvers() []deploy.Principal {
	seen := sets.NewString()
	var out []deploy.Principal
	for _, repo := range j.App.Repos {
		env, ok := repo.Environment(j.Command.EnvName)
		if !ok {
			continue
		}
		for _, p := range env.Users {
			if !p.IsApprover() || seen.Has(p.Key()) {
				continue
			}
			seen.Insert(p.Key())
			out = append(out, p)
		}
	}
	return out
}

// OutstandingApprovers returns the approvers that have not yet approved
// the job. The job is fully approved exactly when this is empty.
func (j Job) OutstandingApprovers() []deploy.Principal {
	approved := sets.NewString()
	for _, p := range j.ApprovedBy() {
		approved.Insert(p.Key())
	}
	var out []deploy.Principal
	for _, p := range j.Approvers() {
		if approved.Has(p.Key()) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// MatchOutstanding resolves a reacting user to the outstanding principal
// their reaction satisfies, if any. A user principal matches on id; a
// group principal matches when the group currently contains the user,
// checked live against groups. Lookup errors count as non-membership.
func MatchOutstanding(logger *logrus.Entry, j Job, userID string, groups Groups) (deploy.Principal, bool) {
	for _, p := range j.OutstandingApprovers() {
		if !p.IsGroup() {
			if p.UserID == userID {
				return p, true
			}
			continue
		}
		member, err := groups.ContainsUser(p.GroupID, userID)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"group": p.GroupID,
				"user":  userID,
			}).Warn("Could not check group membership, treating user as non-member.")
			continue
		}
		if member {
			return p, true
		}
	}
	return deploy.Principal{}, false
}
