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

// Package fakeslack provides chat fakes for testing the deployment flow
// without a workspace.
package fakeslack

import (
	"fmt"
	"sync"

	"github.com/cakekindel/mergebot/jobs"
)

// FakeMessenger records every notification instead of posting it. Keys
// of SentMessages are the notification kind (created, approved, failed,
// done); values are the job ids notified about, in order.
type FakeMessenger struct {
	sync.Mutex
	SentMessages map[string][]string

	// CreatedErr fails SendJobCreated when set.
	CreatedErr error

	ts int
}

// NewFakeMessenger returns an empty recording messenger.
func NewFakeMessenger() *FakeMessenger {
	return &FakeMessenger{SentMessages: map[string][]string{}}
}

func (f *FakeMessenger) record(kind string, job jobs.Job) jobs.MsgID {
	f.Lock()
	defer f.Unlock()
	f.SentMessages[kind] = append(f.SentMessages[kind], job.ID)
	f.ts++
	return jobs.MsgID{
		Channel:   job.App.NotificationChannelID,
		Timestamp: fmt.Sprintf("%d.0000", f.ts),
	}
}

// Sent returns the job ids a kind of notification went out for.
func (f *FakeMessenger) Sent(kind string) []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.SentMessages[kind]...)
}

func (f *FakeMessenger) SendJobCreated(job jobs.Job) (jobs.MsgID, error) {
	if f.CreatedErr != nil {
		return jobs.MsgID{}, f.CreatedErr
	}
	return f.record("created", job), nil
}

func (f *FakeMessenger) SendJobApproved(job jobs.Job) (jobs.MsgID, error) {
	return f.record("approved", job), nil
}

func (f *FakeMessenger) SendJobFailed(job jobs.Job) (jobs.MsgID, error) {
	return f.record("failed", job), nil
}

func (f *FakeMessenger) SendJobDone(job jobs.Job) (jobs.MsgID, error) {
	return f.record("done", job), nil
}

// FakeGroups answers membership from a fixed map.
type FakeGroups struct {
	Members map[string][]string
	// Err fails every lookup when set.
	Err error
}

func (f *FakeGroups) ContainsUser(groupID, userID string) (bool, error) {
	if f.Err != nil {
		return false, f.Err
	}
	for _, m := range f.Members[groupID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *FakeGroups) Expand(groupID string) ([]string, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Members[groupID], nil
}
