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

// Package jobs tracks deployment jobs from creation through approval and
// execution. The Store is the single source of truth for job state; every
// transition is applied under its lock and announced to listeners after the
// lock is released.
package jobs

import (
	"time"

	"github.com/cakekindel/mergebot/deploy"
)

// StateName identifies which phase of its lifecycle a job is in.
type StateName string

const (
	// StateNameInit covers jobs that are collecting approvals.
	StateNameInit StateName = "init"
	// StateNameApproved covers jobs waiting to be picked up by the executor.
	StateNameApproved StateName = "approved"
	// StateNameErrored covers jobs whose last attempt failed and that are
	// waiting out their backoff before the next attempt.
	StateNameErrored StateName = "errored"
	// StateNamePoisoned covers jobs that failed too many times and will not
	// be retried.
	StateNamePoisoned StateName = "poisoned"
	// StateNameDone covers jobs that merged and pushed successfully.
	StateNameDone StateName = "done"
)

// MsgID locates a Slack message so later reaction events can be correlated
// with the job the message announced.
type MsgID struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

// Matches reports whether a reaction on the given channel and timestamp
// landed on this message.
func (m MsgID) Matches(channel, timestamp string) bool {
	return m.Channel == channel && m.Timestamp == timestamp
}

// Init is the state of a job that is gathering approvals. MsgID is nil until
// the announcement message has been sent.
type Init struct {
	MsgID      *MsgID             `json:"msg_id,omitempty"`
	ApprovedBy []deploy.Principal `json:"approved_by,omitempty"`
}

// Approved is the state of a job whose approval requirements have all been
// met. It keeps the Init state it grew out of so the approval record
// survives the transition.
type Approved struct {
	Prev Init `json:"prev"`
}

// Errored is the state of a job whose latest execution attempt failed.
// Failed attempts chain through Prev, oldest last, so the full error
// history of a job is preserved.
type Errored struct {
	Approved    Approved  `json:"approved"`
	Prev        *Errored  `json:"prev,omitempty"`
	NextAttempt time.Time `json:"next_attempt"`
	Errs        []string  `json:"errs,omitempty"`
}

// AttemptCount reports how many attempts have failed, this one included.
func (e Errored) AttemptCount() int {
	n := 1
	for prev := e.Prev; prev != nil; prev = prev.Prev {
		n++
	}
	return n
}

// FlattenedErrors collects every error across the attempt chain, newest
// attempt first.
func (e Errored) FlattenedErrors() []string {
	var out []string
	for cur := &e; cur != nil; cur = cur.Prev {
		out = append(out, cur.Errs...)
	}
	return out
}

// Poisoned is the state of a job that exhausted its retries. The final
// Errored state is kept so operators can read the whole failure history.
type Poisoned struct {
	Errored Errored `json:"errored"`
}

// Done is the state of a job that merged and pushed successfully. Exactly
// one of Approved and Errored is set, recording whether the job succeeded
// on its first attempt or after retries.
type Done struct {
	Approved *Approved `json:"approved,omitempty"`
	Errored  *Errored  `json:"errored,omitempty"`
}

// AfterRetry reports whether the job failed at least once before
// succeeding.
func (d Done) AfterRetry() bool {
	return d.Errored != nil
}

// State is a tagged union over the five job states. Exactly the payload
// named by Name is non-nil.
type State struct {
	Name     StateName `json:"name"`
	Init     *Init     `json:"init,omitempty"`
	Approved *Approved `json:"approved,omitempty"`
	Errored  *Errored  `json:"errored,omitempty"`
	Poisoned *Poisoned `json:"poisoned,omitempty"`
	Done     *Done     `json:"done,omitempty"`
}

// Terminal reports whether the job can never leave this state.
func (s State) Terminal() bool {
	return s.Name == StateNamePoisoned || s.Name == StateNameDone
}

// Job is one requested deployment. App is the catalog entry frozen at
// creation time, so catalog edits never change a job in flight.
type Job struct {
	ID      string         `json:"id"`
	Command deploy.Command `json:"command"`
	App     deploy.App     `json:"app"`
	State   State          `json:"state"`
}

// ApprovedBy lists the principals recorded as having approved the job so
// far, in the order their approvals arrived. Nil for jobs past the approval
// phase whose record has moved into the state history.
func (j Job) ApprovedBy() []deploy.Principal {
	switch j.State.Name {
	case StateNameInit:
		return j.State.Init.ApprovedBy
	case StateNameApproved:
		return j.State.Approved.Prev.ApprovedBy
	}
	return nil
}

// AnnouncementMessage returns the message the job was announced with, or
// nil if none was ever recorded. Later notifications thread under it,
// whatever state the job has reached.
func (j Job) AnnouncementMessage() *MsgID {
	var init Init
	switch j.State.Name {
	case StateNameInit:
		init = *j.State.Init
	case StateNameApproved:
		init = j.State.Approved.Prev
	case StateNameErrored:
		init = j.State.Errored.Approved.Prev
	case StateNamePoisoned:
		init = j.State.Poisoned.Errored.Approved.Prev
	case StateNameDone:
		if j.State.Done.Errored != nil {
			init = j.State.Done.Errored.Approved.Prev
		} else {
			init = j.State.Done.Approved.Prev
		}
	}
	if init.MsgID == nil {
		return nil
	}
	id := *init.MsgID
	return &id
}

// DeepCopy returns a copy sharing no mutable memory with j. Getters hand
// these out so callers can never corrupt the store.
func (j Job) DeepCopy() Job {
	cp := j
	cp.App = j.App.DeepCopy()
	cp.State = j.State.DeepCopy()
	return cp
}

// DeepCopy returns a copy sharing no mutable memory with s.
func (s State) DeepCopy() State {
	cp := s
	if s.Init != nil {
		init := s.Init.DeepCopy()
		cp.Init = &init
	}
	if s.Approved != nil {
		approved := s.Approved.DeepCopy()
		cp.Approved = &approved
	}
	if s.Errored != nil {
		errored := s.Errored.DeepCopy()
		cp.Errored = &errored
	}
	if s.Poisoned != nil {
		poisoned := Poisoned{Errored: s.Poisoned.Errored.DeepCopy()}
		cp.Poisoned = &poisoned
	}
	if s.Done != nil {
		done := s.Done.DeepCopy()
		cp.Done = &done
	}
	return cp
}

// DeepCopy returns a copy sharing no mutable memory with i.
func (i Init) DeepCopy() Init {
	cp := i
	if i.MsgID != nil {
		id := *i.MsgID
		cp.MsgID = &id
	}
	if i.ApprovedBy != nil {
		cp.ApprovedBy = append([]deploy.Principal(nil), i.ApprovedBy...)
	}
	return cp
}

// DeepCopy returns a copy sharing no mutable memory with a.
func (a Approved) DeepCopy() Approved {
	return Approved{Prev: a.Prev.DeepCopy()}
}

// DeepCopy returns a copy sharing no mutable memory with e.
func (e Errored) DeepCopy() Errored {
	cp := e
	cp.Approved = e.Approved.DeepCopy()
	if e.Prev != nil {
		prev := e.Prev.DeepCopy()
		cp.Prev = &prev
	}
	if e.Errs != nil {
		cp.Errs = append([]string(nil), e.Errs...)
	}
	return cp
}

// DeepCopy returns a copy sharing no mutable memory with d.
func (d Done) DeepCopy() Done {
	cp := d
	if d.Approved != nil {
		approved := d.Approved.DeepCopy()
		cp.Approved = &approved
	}
	if d.Errored != nil {
		errored := d.Errored.DeepCopy()
		cp.Errored = &errored
	}
	return cp
}
