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

package hooks

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cakekindel/mergebot/deploy"
	"github.com/cakekindel/mergebot/jobs"
	"github.com/cakekindel/mergebot/slack/fakeslack"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
}

func (f *fakeScheduler) Schedule(job jobs.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, job.ID)
}

func (f *fakeScheduler) jobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scheduled...)
}

func testApp(users ...deploy.Principal) deploy.App {
	return deploy.App{
		Name:                  "foo",
		TeamID:                "T1",
		NotificationChannelID: "C1",
		Repos: []deploy.Repo{
			{
				URL:  "git@example.com:foo/backend.git",
				Name: "backend",
				Environments: []deploy.Mergeable{
					{Name: "staging", Base: "qa", Target: "staging", Users: users},
				},
			},
		},
	}
}

func wired(t *testing.T) (*jobs.Store, *fakeslack.FakeMessenger, *fakeScheduler) {
	t.Helper()
	s := jobs.NewStore()
	messenger := fakeslack.NewFakeMessenger()
	scheduler := &fakeScheduler{}
	New(messenger, scheduler).RegisterAll(s)
	return s, messenger, scheduler
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s.", what)
}

func TestCreatedJobIsAnnouncedAndTracked(t *testing.T) {
	s, messenger, _ := wired(t)
	alice := deploy.Principal{UserID: "U1", Approver: true}

	job := s.Create(deploy.Command{AppName: "foo", EnvName: "staging", UserID: "U2", TeamID: "T1"}, testApp(alice))

	if sent := messenger.Sent("created"); len(sent) != 1 || sent[0] != job.ID {
		t.Fatalf("Want a created message for %q, got %v.", job.ID, sent)
	}
	got, ok := s.GetInit(job.ID)
	if !ok {
		t.Fatal("Job missing from the init bucket.")
	}
	if got.AnnouncementMessage() == nil {
		t.Error("Announcement message not recorded on the job.")
	}
}

func TestCreateMessageFailureLeavesJobWithoutMessage(t *testing.T) {
	s, messenger, _ := wired(t)
	messenger.CreatedErr = errors.New("slack down")

	job := s.Create(deploy.Command{AppName: "foo", EnvName: "staging", UserID: "U2", TeamID: "T1"},
		testApp(deploy.Principal{UserID: "U1", Approver: true}))

	got, ok := s.GetInit(job.ID)
	if !ok {
		t.Fatal("Job missing from the init bucket.")
	}
	if got.AnnouncementMessage() != nil {
		t.Error("Want no message recorded when the send failed.")
	}
}

func TestLastApprovalPromotesAndSchedules(t *testing.T) {
	s, messenger, scheduler := wired(t)
	alice := deploy.Principal{UserID: "U1", Approver: true}
	bob := deploy.Principal{UserID: "U3", Approver: true}

	job := s.Create(deploy.Command{AppName: "foo", EnvName: "staging", UserID: "U2", TeamID: "T1"}, testApp(alice, bob))

	if _, ok := s.ApprovedBy(job.ID, alice); !ok {
		t.Fatal("ApprovedBy failed.")
	}
	// One of two approvals is not quorum.
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.GetApproved(job.ID); ok {
		t.Fatal("Job promoted before all approvals arrived.")
	}
	if got := scheduler.jobs(); len(got) != 0 {
		t.Fatalf("Job scheduled before all approvals arrived: %v.", got)
	}

	if _, ok := s.ApprovedBy(job.ID, bob); !ok {
		t.Fatal("ApprovedBy failed.")
	}
	waitFor(t, "promotion to approved", func() bool {
		_, ok := s.GetApproved(job.ID)
		return ok
	})
	waitFor(t, "scheduling", func() bool {
		return len(scheduler.jobs()) == 1
	})
	if sent := messenger.Sent("approved"); len(sent) != 1 || sent[0] != job.ID {
		t.Errorf("Want an approved message for %q, got %v.", job.ID, sent)
	}
}

func TestFailureBackstopPoisons(t *testing.T) {
	s, _, _ := wired(t)
	alice := deploy.Principal{UserID: "U1", Approver: true}
	job := s.Create(deploy.Command{AppName: "foo", EnvName: "staging", UserID: "U2", TeamID: "T1"}, testApp(alice))
	if _, ok := s.ApprovedBy(job.ID, alice); !ok {
		t.Fatal("ApprovedBy failed.")
	}
	waitFor(t, "promotion to approved", func() bool {
		_, ok := s.GetApproved(job.ID)
		return ok
	})

	// Failures below the limit leave the job retryable.
	for i := 0; i < jobs.PoisonThreshold; i++ {
		if _, ok := s.StateErrored(job.ID, []string{"boom"}); !ok {
			t.Fatalf("StateErrored %d failed.", i+1)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.GetErrored(job.ID); !ok {
		t.Fatal("Job should still be retryable at the threshold.")
	}

	// The backstop fires on an errored event already past the limit.
	errored, _ := s.GetErrored(job.ID)
	over := errored.State.Errored.DeepCopy()
	over.Prev = &jobs.Errored{Approved: over.Approved, Errs: []string{"earlier"}, Prev: over.Prev}
	event := jobs.Event{Name: jobs.EventErrored, Job: errored}
	event.Job.State.Errored = &over

	New(fakeslack.NewFakeMessenger(), &fakeScheduler{}).onFailurePoison(s, event)
	waitFor(t, "poisoning", func() bool {
		_, ok := s.GetPoisoned(job.ID)
		return ok
	})
}

func TestPoisonAndDoneNotify(t *testing.T) {
	s, messenger, _ := wired(t)
	alice := deploy.Principal{UserID: "U1", Approver: true}

	run := func(t *testing.T) jobs.Job {
		job := s.Create(deploy.Command{AppName: "foo", EnvName: "staging", UserID: "U2", TeamID: "T1"}, testApp(alice))
		if _, ok := s.ApprovedBy(job.ID, alice); !ok {
			t.Fatal("ApprovedBy failed.")
		}
		waitFor(t, "promotion to approved", func() bool {
			_, ok := s.GetApproved(job.ID)
			return ok
		})
		return job
	}

	done := run(t)
	if _, ok := s.StateDone(done.ID); !ok {
		t.Fatal("StateDone failed.")
	}
	if sent := messenger.Sent("done"); len(sent) != 1 || sent[0] != done.ID {
		t.Errorf("Want a done message for %q, got %v.", done.ID, sent)
	}

	poisoned := run(t)
	for i := 0; i <= jobs.PoisonThreshold; i++ {
		if _, ok := s.StateErrored(poisoned.ID, []string{"boom"}); !ok {
			t.Fatalf("StateErrored %d failed.", i+1)
		}
	}
	if _, ok := s.GetPoisoned(poisoned.ID); !ok {
		t.Fatal("Job should be poisoned past the limit.")
	}
	if sent := messenger.Sent("failed"); len(sent) != 1 || sent[0] != poisoned.ID {
		t.Errorf("Want a failed message for %q, got %v.", poisoned.ID, sent)
	}
}
