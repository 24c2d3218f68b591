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
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/cakekindel/mergebot/deploy"
)

// EventName identifies a job lifecycle event.
type EventName string

const (
	// EventCreated fires when a job enters the store.
	EventCreated EventName = "created"
	// EventApproved fires each time a new principal's approval is recorded.
	EventApproved EventName = "approved"
	// EventFullyApproved fires when the last outstanding approval arrives.
	EventFullyApproved EventName = "fully_approved"
	// EventErrored fires when an execution attempt fails and the job will
	// be retried.
	EventErrored EventName = "errored"
	// EventPoisoned fires when a job exhausts its retries.
	EventPoisoned EventName = "poisoned"
	// EventDone fires when a job merges and pushes successfully.
	EventDone EventName = "done"
)

// Event describes a job transition. Job is a deep copy taken after the
// transition was applied. Principal is set only for EventApproved, naming
// the principal whose approval was just recorded.
type Event struct {
	Name      EventName
	Job       Job
	Principal *deploy.Principal
}

// Listener reacts to a job event. Listeners run synchronously on whichever
// goroutine applied the transition, with no store lock held, so they may
// call back into the store. Slow work belongs on a fresh goroutine.
type Listener func(*Store, Event)

// RegisterListener appends l to the dispatch list. Listeners run in
// registration order for every event.
func (s *Store) RegisterListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// emit dispatches ev to every registered listener, in order. A panicking
// listener is logged and skipped so the rest of the chain still runs.
// Callers must not hold the store lock.
func (s *Store) emit(ev Event) {
	s.listenersMu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.Unlock()

	for _, l := range listeners {
		s.dispatch(l, ev)
	}
}

func (s *Store) dispatch(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"event": ev.Name,
				"job":   ev.Job.ID,
			}).Errorf("Listener panicked: %v\n%s", r, debug.Stack())
		}
	}()
	l(s, ev)
}
