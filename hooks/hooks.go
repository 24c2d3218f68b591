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

// Package hooks glues the job store to the outside world. A fixed set of
// listeners, registered once at boot, sends chat notifications, promotes
// fully approved jobs and hands work to the executor.
package hooks

import (
	"github.com/sirupsen/logrus"

	"github.com/cakekindel/mergebot/jobs"
)

// Scheduler queues a job for execution.
type Scheduler interface {
	Schedule(job jobs.Job)
}

// Hooks holds the dependencies the listener set closes over.
type Hooks struct {
	logger    *logrus.Entry
	messenger jobs.Messenger
	scheduler Scheduler
}

// New returns the hook set for the given messenger and scheduler.
func New(messenger jobs.Messenger, scheduler Scheduler) *Hooks {
	return &Hooks{
		logger:    logrus.WithField("component", "hooks"),
		messenger: messenger,
		scheduler: scheduler,
	}
}

// RegisterAll attaches every hook to the store. Order matters: the quorum
// check must observe approvals before anything reacts to full approval,
// and notifications fire before scheduling hands the job off.
func (h *Hooks) RegisterAll(s *jobs.Store) {
	for _, l := range []jobs.Listener{
		h.onCreateNotify,
		h.onApprovedCheckQuorum,
		h.onFullApprovalNotify,
		h.onFullApprovalSchedule,
		h.onFailureLog,
		h.onFailurePoison,
		h.onPoisonNotify,
		h.onDoneNotify,
	} {
		s.RegisterListener(l)
	}
}

// onCreateNotify announces a new job and records the announcement message
// so reactions can find it. If the send fails the job stays without a
// message and can only be inspected through the jobs API.
func (h *Hooks) onCreateNotify(s *jobs.Store, ev jobs.Event) {
	if ev.Name != jobs.EventCreated {
		return
	}
	msg, err := h.messenger.SendJobCreated(ev.Job)
	if err != nil {
		h.logger.WithError(err).WithField("job", ev.Job.ID).Error("Could not send job created message.")
		return
	}
	s.Notified(ev.Job.ID, msg)
}

// onApprovedCheckQuorum promotes a job once its last approval arrives.
// The transition runs on a fresh goroutine: promoting inline would emit
// FullyApproved while this emit is still walking the listener list.
func (h *Hooks) onApprovedCheckQuorum(s *jobs.Store, ev jobs.Event) {
	if ev.Name != jobs.EventApproved {
		return
	}
	outstanding := ev.Job.OutstandingApprovers()
	if len(outstanding) > 0 {
		h.logger.WithFields(logrus.Fields{
			"job":         ev.Job.ID,
			"outstanding": len(outstanding),
		}).Info("Job still needs approvers.")
		return
	}
	id := ev.Job.ID
	go s.FullyApproved(id)
}

func (h *Hooks) onFullApprovalNotify(s *jobs.Store, ev jobs.Event) {
	if ev.Name != jobs.EventFullyApproved {
		return
	}
	if _, err := h.messenger.SendJobApproved(ev.Job); err != nil {
		h.logger.WithError(err).WithField("job", ev.Job.ID).Error("Could not send job approved message.")
	}
}

func (h *Hooks) onFullApprovalSchedule(s *jobs.Store, ev jobs.Event) {
	if ev.Name != jobs.EventFullyApproved {
		return
	}
	h.scheduler.Schedule(ev.Job)
}

// onFailureLog records failed attempts for observability; retries are the
// executor's business.
func (h *Hooks) onFailureLog(s *jobs.Store, ev jobs.Event) {
	if ev.Name != jobs.EventErrored {
		return
	}
	errored := ev.Job.State.Errored
	h.logger.WithFields(logrus.Fields{
		"job":         ev.Job.ID,
		"attempts":    errored.AttemptCount(),
		"nextAttempt": errored.NextAttempt,
		"errors":      errored.Errs,
	}).Warn("Job attempt failed.")
}

// onFailurePoison retires a job that somehow kept failing past the retry
// limit. The store already poisons on its own; this is a backstop in case
// an errored job over the limit is ever observed.
func (h *Hooks) onFailurePoison(s *jobs.Store, ev jobs.Event) {
	if ev.Name != jobs.EventErrored {
		return
	}
	if ev.Job.State.Errored.AttemptCount() <= jobs.PoisonThreshold {
		return
	}
	id := ev.Job.ID
	go s.StatePoisoned(id)
}

func (h *Hooks) onPoisonNotify(s *jobs.Store, ev jobs.Event) {
	if ev.Name != jobs.EventPoisoned {
		return
	}
	if _, err := h.messenger.SendJobFailed(ev.Job); err != nil {
		h.logger.WithError(err).WithField("job", ev.Job.ID).Error("Could not send job failed message.")
	}
}

func (h *Hooks) onDoneNotify(s *jobs.Store, ev jobs.Event) {
	if ev.Name != jobs.EventDone {
		return
	}
	if _, err := h.messenger.SendJobDone(ev.Job); err != nil {
		h.logger.WithError(err).WithField("job", ev.Job.ID).Error("Could not send job done message.")
	}
}
