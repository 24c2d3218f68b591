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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/cakekindel/mergebot/deploy"
)

const (
	// RetryBackoff is how long a failed job waits before it may be
	// attempted again.
	RetryBackoff = 10 * time.Second
	// PoisonThreshold is the number of failed attempts after which a job
	// is poisoned instead of retried.
	PoisonThreshold = 4
)

// Store holds every job, bucketed by state. One mutex guards all five
// buckets, so a job is observable in exactly one bucket at any time.
// Transitions mutate under the lock and emit their event after releasing
// it, which lets listeners call back into the store.
type Store struct {
	logger *logrus.Entry
	clock  clock.Clock

	mu       sync.Mutex
	init     map[string]Job
	approved map[string]Job
	errored  map[string]Job
	poisoned map[string]Job
	done     map[string]Job

	listenersMu sync.Mutex
	listeners   []Listener
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		logger:   logrus.WithField("component", "jobs"),
		clock:    clock.RealClock{},
		init:     map[string]Job{},
		approved: map[string]Job{},
		errored:  map[string]Job{},
		poisoned: map[string]Job{},
		done:     map[string]Job{},
	}
}

// Create adds a job for the given command and catalog entry and announces
// it with EventCreated. The catalog entry is copied, so later catalog
// edits never affect the job.
func (s *Store) Create(cmd deploy.Command, app deploy.App) Job {
	job := Job{
		ID:      uuid.NewString(),
		Command: cmd,
		App:     app.DeepCopy(),
		State:   State{Name: StateNameInit, Init: &Init{}},
	}

	s.mu.Lock()
	s.init[job.ID] = job
	cp := job.DeepCopy()
	s.mu.Unlock()

	trackTransition("", StateNameInit)
	s.logger.WithFields(logrus.Fields{
		"job":  job.ID,
		"app":  cmd.AppName,
		"env":  cmd.EnvName,
		"user": cmd.UserID,
	}).Info("Created deployment job.")
	s.emit(Event{Name: EventCreated, Job: cp})
	return cp
}

// Notified records the announcement message a job is collecting reactions
// on. It emits no event.
func (s *Store) Notified(id string, msg MsgID) (Job, bool) {
	s.mu.Lock()
	job, ok := s.init[id]
	if !ok {
		s.mu.Unlock()
		s.logger.WithField("job", id).Warn("Ignoring notification for job not awaiting approval.")
		return Job{}, false
	}
	job.State.Init.MsgID = &MsgID{Channel: msg.Channel, Timestamp: msg.Timestamp}
	s.init[id] = job
	cp := job.DeepCopy()
	s.mu.Unlock()
	return cp, true
}

// ApprovedBy records an approval on a job still collecting approvals and
// emits EventApproved. A principal that already approved is ignored and
// nothing is emitted.
func (s *Store) ApprovedBy(id string, p deploy.Principal) (Job, bool) {
	s.mu.Lock()
	job, ok := s.init[id]
	if !ok {
		s.mu.Unlock()
		s.logger.WithField("job", id).Warn("Ignoring approval for job not awaiting approval.")
		return Job{}, false
	}
	for _, existing := range job.State.Init.ApprovedBy {
		if existing.Key() == p.Key() {
			cp := job.DeepCopy()
			s.mu.Unlock()
			return cp, true
		}
	}
	job.State.Init.ApprovedBy = append(job.State.Init.ApprovedBy, p)
	s.init[id] = job
	cp := job.DeepCopy()
	s.mu.Unlock()

	principal := p
	approvalCounter.Inc()
	s.logger.WithFields(logrus.Fields{"job": id, "principal": p.Key()}).Info("Recorded approval.")
	s.emit(Event{Name: EventApproved, Job: cp, Principal: &principal})
	return cp, true
}

// FullyApproved moves a job out of the approval phase and emits
// EventFullyApproved. The executor picks the job up from there.
func (s *Store) FullyApproved(id string) (Job, bool) {
	s.mu.Lock()
	job, ok := s.init[id]
	if !ok {
		s.mu.Unlock()
		s.logger.WithField("job", id).Warn("Ignoring full approval for job not awaiting approval.")
		return Job{}, false
	}
	delete(s.init, id)
	init := job.State.Init.DeepCopy()
	job.State = State{Name: StateNameApproved, Approved: &Approved{Prev: init}}
	s.approved[id] = job
	cp := job.DeepCopy()
	s.mu.Unlock()

	trackTransition(StateNameInit, StateNameApproved)
	s.logger.WithField("job", id).Info("Job fully approved.")
	s.emit(Event{Name: EventFullyApproved, Job: cp})
	return cp, true
}

// StateErrored records a failed attempt. The job's next attempt is
// scheduled RetryBackoff from now and EventErrored is emitted, unless the
// failure pushed the job past PoisonThreshold attempts, in which case the
// job is poisoned immediately and only EventPoisoned is emitted.
func (s *Store) StateErrored(id string, errs []string) (Job, bool) {
	s.mu.Lock()
	var prev *Errored
	from := StateNameApproved
	job, ok := s.approved[id]
	if ok {
		delete(s.approved, id)
	} else {
		job, ok = s.errored[id]
		if !ok {
			s.mu.Unlock()
			s.logger.WithField("job", id).Warn("Ignoring failure for job not being executed.")
			return Job{}, false
		}
		delete(s.errored, id)
		from = StateNameErrored
		chain := job.State.Errored.DeepCopy()
		prev = &chain
	}

	var approved Approved
	if prev != nil {
		approved = prev.Approved.DeepCopy()
	} else {
		approved = job.State.Approved.DeepCopy()
	}
	errored := Errored{
		Approved:    approved,
		Prev:        prev,
		NextAttempt: s.clock.Now().Add(RetryBackoff),
		Errs:        append([]string(nil), errs...),
	}

	if errored.AttemptCount() > PoisonThreshold {
		job.State = State{Name: StateNamePoisoned, Poisoned: &Poisoned{Errored: errored}}
		s.poisoned[id] = job
		cp := job.DeepCopy()
		s.mu.Unlock()

		trackTransition(from, StateNamePoisoned)
		s.logger.WithFields(logrus.Fields{
			"job":      id,
			"attempts": errored.AttemptCount(),
		}).Error("Job exceeded the retry limit, poisoning.")
		s.emit(Event{Name: EventPoisoned, Job: cp})
		return cp, true
	}

	job.State = State{Name: StateNameErrored, Errored: &errored}
	s.errored[id] = job
	cp := job.DeepCopy()
	s.mu.Unlock()

	trackTransition(from, StateNameErrored)
	s.logger.WithFields(logrus.Fields{
		"job":      id,
		"attempts": errored.AttemptCount(),
		"errors":   errs,
	}).Warn("Job attempt failed, scheduling retry.")
	s.emit(Event{Name: EventErrored, Job: cp})
	return cp, true
}

// StatePoisoned retires a previously errored job and emits EventPoisoned.
func (s *Store) StatePoisoned(id string) (Job, bool) {
	s.mu.Lock()
	job, ok := s.errored[id]
	if !ok {
		s.mu.Unlock()
		s.logger.WithField("job", id).Warn("Ignoring poisoning for job not in the retry queue.")
		return Job{}, false
	}
	delete(s.errored, id)
	errored := job.State.Errored.DeepCopy()
	job.State = State{Name: StateNamePoisoned, Poisoned: &Poisoned{Errored: errored}}
	s.poisoned[id] = job
	cp := job.DeepCopy()
	s.mu.Unlock()

	trackTransition(StateNameErrored, StateNamePoisoned)
	s.logger.WithField("job", id).Error("Job poisoned.")
	s.emit(Event{Name: EventPoisoned, Job: cp})
	return cp, true
}

// StateDone retires a successfully executed job and emits EventDone. The
// final state records whether the job needed retries.
func (s *Store) StateDone(id string) (Job, bool) {
	s.mu.Lock()
	var done Done
	from := StateNameApproved
	job, ok := s.approved[id]
	if ok {
		delete(s.approved, id)
		approved := job.State.Approved.DeepCopy()
		done = Done{Approved: &approved}
	} else {
		job, ok = s.errored[id]
		if !ok {
			s.mu.Unlock()
			s.logger.WithField("job", id).Warn("Ignoring completion for job not being executed.")
			return Job{}, false
		}
		delete(s.errored, id)
		from = StateNameErrored
		errored := job.State.Errored.DeepCopy()
		done = Done{Errored: &errored}
	}
	job.State = State{Name: StateNameDone, Done: &done}
	s.done[id] = job
	cp := job.DeepCopy()
	s.mu.Unlock()

	trackTransition(from, StateNameDone)
	s.logger.WithFields(logrus.Fields{
		"job":        id,
		"afterRetry": done.AfterRetry(),
	}).Info("Job done.")
	s.emit(Event{Name: EventDone, Job: cp})
	return cp, true
}

// Get returns the job with the given id from whichever bucket holds it.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bucket := range s.buckets() {
		if job, ok := bucket[id]; ok {
			return job.DeepCopy(), true
		}
	}
	return Job{}, false
}

// GetInit returns the job if it is collecting approvals.
func (s *Store) GetInit(id string) (Job, bool) { return s.get(&s.init, id) }

// GetApproved returns the job if it is awaiting execution.
func (s *Store) GetApproved(id string) (Job, bool) { return s.get(&s.approved, id) }

// GetErrored returns the job if it is awaiting a retry.
func (s *Store) GetErrored(id string) (Job, bool) { return s.get(&s.errored, id) }

// GetPoisoned returns the job if it exhausted its retries.
func (s *Store) GetPoisoned(id string) (Job, bool) { return s.get(&s.poisoned, id) }

// GetDone returns the job if it completed successfully.
func (s *Store) GetDone(id string) (Job, bool) { return s.get(&s.done, id) }

func (s *Store) get(bucket *map[string]Job, id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := (*bucket)[id]
	if !ok {
		return Job{}, false
	}
	return job.DeepCopy(), true
}

// AllInit returns every job collecting approvals.
func (s *Store) AllInit() []Job { return s.all(&s.init) }

// AllApproved returns every job awaiting execution.
func (s *Store) AllApproved() []Job { return s.all(&s.approved) }

// AllErrored returns every job awaiting a retry.
func (s *Store) AllErrored() []Job { return s.all(&s.errored) }

// AllPoisoned returns every job that exhausted its retries.
func (s *Store) AllPoisoned() []Job { return s.all(&s.poisoned) }

// AllDone returns every job that completed successfully.
func (s *Store) AllDone() []Job { return s.all(&s.done) }

// All returns every job in the store, whatever its state.
func (s *Store) All() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, bucket := range s.buckets() {
		for _, job := range bucket {
			out = append(out, job.DeepCopy())
		}
	}
	return out
}

func (s *Store) all(bucket *map[string]Job) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(*bucket))
	for _, job := range *bucket {
		out = append(out, job.DeepCopy())
	}
	return out
}

// buckets must be called with the lock held.
func (s *Store) buckets() []map[string]Job {
	return []map[string]Job{s.init, s.approved, s.errored, s.poisoned, s.done}
}

// Active returns a non-terminal job targeting the same app and environment
// as cmd, if one exists. Used to reject duplicate deploy commands.
func (s *Store) Active(cmd deploy.Command) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bucket := range []map[string]Job{s.init, s.approved, s.errored} {
		for _, job := range bucket {
			if job.Command.SameTarget(cmd) {
				return job.DeepCopy(), true
			}
		}
	}
	return Job{}, false
}

// FindByMessage returns the job whose announcement message lives at the
// given channel and timestamp. Only jobs still collecting approvals are
// considered, so reactions on stale announcements are ignored.
func (s *Store) FindByMessage(channel, timestamp string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.init {
		if msg := job.State.Init.MsgID; msg != nil && msg.Matches(channel, timestamp) {
			return job.DeepCopy(), true
		}
	}
	return Job{}, false
}
