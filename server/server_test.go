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

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cakekindel/mergebot/deploy"
	"github.com/cakekindel/mergebot/hooks"
	"github.com/cakekindel/mergebot/jobs"
	"github.com/cakekindel/mergebot/slack"
	"github.com/cakekindel/mergebot/slack/fakeslack"
)

const testSecret = "test-signing-secret"

type fakeScheduler struct {
	sync.Mutex
	scheduled []string
}

func (f *fakeScheduler) Schedule(job jobs.Job) {
	f.Lock()
	defer f.Unlock()
	f.scheduled = append(f.scheduled, job.ID)
}

func (f *fakeScheduler) jobs() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.scheduled...)
}

// catalog returns one app in team T1 with approvers U1 and group G1.
// U2 may initiate but does not count toward quorum.
func catalog() []deploy.App {
	return []deploy.App{{
		Name:                  "foo",
		TeamID:                "T1",
		NotificationChannelID: "C-deploys",
		Repos: []deploy.Repo{{
			URL:  "git@example.com:acme/foo.git",
			Name: "foo",
			Environments: []deploy.Mergeable{{
				Name:   "staging",
				Base:   "qa",
				Target: "staging",
				Users: []deploy.Principal{
					{UserID: "U1", Approver: true},
					{UserID: "U2"},
					{GroupID: "G1", MinApprovers: 2},
				},
			}},
		}},
	}}
}

func newTestServer(t *testing.T) (*Server, *fakeslack.FakeMessenger, *fakeScheduler) {
	t.Helper()
	store := jobs.NewStore()
	messenger := fakeslack.NewFakeMessenger()
	scheduler := &fakeScheduler{}
	hooks.New(messenger, scheduler).RegisterAll(store)
	return &Server{
		Store:         store,
		Reader:        deploy.StaticReader(catalog()),
		Groups:        &fakeslack.FakeGroups{Members: map[string][]string{"G1": {"U7", "U8"}}},
		SigningSecret: testSecret,
		APIKey:        "sesame",
	}, messenger, scheduler
}

func sign(req *http.Request, secret string, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", slack.PayloadSignature(secret, ts, body))
}

func commandRequest(secret, command, text, userID, teamID string) *http.Request {
	form := url.Values{}
	form.Set("command", command)
	form.Set("text", text)
	form.Set("user_id", userID)
	form.Set("team_id", teamID)
	form.Set("channel_id", "C-from")
	form.Set("team_domain", "acme")
	form.Set("response_url", "https://hooks.slack.com/commands/T1/42")
	body := []byte(form.Encode())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sign(req, secret, body)
	return req
}

func reactionRequest(t *testing.T, secret, teamID, user, reaction, channel, ts string) *http.Request {
	t.Helper()
	payload := map[string]interface{}{
		"type":    "event_callback",
		"team_id": teamID,
		"event": map[string]interface{}{
			"type":     "reaction_added",
			"user":     user,
			"reaction": reaction,
			"item":     map[string]string{"type": "message", "channel": channel, "ts": ts},
			"event_ts": "123.456",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling event: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/event", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	sign(req, secret, body)
	return req
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// createJob drives a valid slash command through the server and returns the
// stored job along with its announcement message.
func createJob(t *testing.T, s *Server) (jobs.Job, jobs.MsgID) {
	t.Helper()
	if w := do(s.Handler(), commandRequest(testSecret, "/deploy", "foo staging", "U2", "T1")); w.Code != http.StatusOK {
		t.Fatalf("command returned %d: %s", w.Code, w.Body.String())
	}
	all := s.Store.AllInit()
	if len(all) != 1 {
		t.Fatalf("expected 1 init job, got %d", len(all))
	}
	msg := all[0].AnnouncementMessage()
	if msg == nil {
		t.Fatal("job has no announcement message")
	}
	return all[0], *msg
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
	t.Fatalf("timed out waiting for %s", what)
}

func TestHello(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(s.Handler(), httptest.NewRequest(http.MethodGet, "/api/v1/hello/mergebot", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := w.Body.String(); got != "hello, mergebot!" {
		t.Errorf("Want: %q, got: %q", "hello, mergebot!", got)
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	if w := do(s.Handler(), httptest.NewRequest(http.MethodGet, "/", nil)); w.Code != http.StatusOK {
		t.Errorf("status %d", w.Code)
	}
}

func TestCommandCreatesJob(t *testing.T) {
	s, messenger, _ := newTestServer(t)
	w := do(s.Handler(), commandRequest(testSecret, "/deploy", "foo staging", "U2", "T1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	all := s.Store.AllInit()
	if len(all) != 1 {
		t.Fatalf("expected 1 init job, got %d", len(all))
	}
	job := all[0]
	if job.AnnouncementMessage() == nil {
		t.Error("announcement message was not recorded on the job")
	}
	if got := messenger.Sent("created"); len(got) != 1 || got[0] != job.ID {
		t.Errorf("created notifications: %v", got)
	}
	body := w.Body.String()
	if !strings.Contains(body, "```") || !strings.Contains(body, job.ID) {
		t.Errorf("reply should dump the job in a code block, got: %s", body)
	}
}

func TestCommandRejectsBadSignature(t *testing.T) {
	s, messenger, _ := newTestServer(t)
	w := do(s.Handler(), commandRequest("wrong-secret", "/deploy", "foo staging", "U2", "T1"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Want: %d, got: %d", http.StatusUnauthorized, w.Code)
	}
	if len(s.Store.All()) != 0 {
		t.Error("job was created from an unauthenticated request")
	}
	if len(messenger.Sent("created")) != 0 {
		t.Error("notification was sent for an unauthenticated request")
	}
}

func TestCommandRejectsStaleTimestamp(t *testing.T) {
	s, _, _ := newTestServer(t)
	form := url.Values{}
	form.Set("command", "/deploy")
	form.Set("text", "foo staging")
	form.Set("user_id", "U2")
	form.Set("team_id", "T1")
	body := []byte(form.Encode())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", slack.PayloadSignature(testSecret, ts, body))
	if w := do(s.Handler(), req); w.Code != http.StatusUnauthorized {
		t.Errorf("Want: %d, got: %d", http.StatusUnauthorized, w.Code)
	}
}

func TestCommandRejections(t *testing.T) {
	cases := []struct {
		name    string
		command string
		text    string
		user    string
		team    string
		want    string
	}{
		{
			name:    "not-deploy",
			command: "/bark",
			text:    "foo staging",
			user:    "U1",
			team:    "T1",
			want:    "I only know how to `/deploy`",
		},
		{
			name:    "malformed",
			command: "/deploy",
			text:    "foo",
			user:    "U1",
			team:    "T1",
			want:    "Usage: `/deploy <app> <environment>`",
		},
		{
			name:    "app-not-found",
			command: "/deploy",
			text:    "nope staging",
			user:    "U1",
			team:    "T1",
			want:    "couldn't find an app named nope",
		},
		{
			name:    "other-team-app-hidden",
			command: "/deploy",
			text:    "foo staging",
			user:    "U1",
			team:    "T2",
			want:    "couldn't find an app named foo",
		},
		{
			name:    "env-not-found",
			command: "/deploy",
			text:    "foo prod",
			user:    "U1",
			team:    "T1",
			want:    "doesn't have an environment named prod",
		},
		{
			name:    "initiator-not-listed",
			command: "/deploy",
			text:    "foo staging",
			user:    "U9",
			team:    "T1",
			want:    "doesn't have an environment named staging",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _ := newTestServer(t)
			w := do(s.Handler(), commandRequest(testSecret, tc.command, tc.text, tc.user, tc.team))
			if w.Code != http.StatusOK {
				t.Fatalf("rejections reply 200, got %d", w.Code)
			}
			if body := w.Body.String(); !strings.Contains(body, tc.want) {
				t.Errorf("reply %q should contain %q", body, tc.want)
			}
			if got := len(s.Store.All()); got != 0 {
				t.Errorf("store should stay empty, has %d jobs", got)
			}
		})
	}
}

func TestCommandDuplicateRejected(t *testing.T) {
	s, _, _ := newTestServer(t)
	job, _ := createJob(t, s)
	w := do(s.Handler(), commandRequest(testSecret, "/deploy", "Foo STAGING", "U1", "T1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"already in progress", "foo", "staging", job.ID} {
		if !strings.Contains(body, want) {
			t.Errorf("reply %q should contain %q", body, want)
		}
	}
	if got := len(s.Store.All()); got != 1 {
		t.Errorf("expected the original job only, store has %d", got)
	}
}

func TestEventChallenge(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := []byte(`{"type":"url_verification","token":"tok","challenge":"c0ffee42"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/event", bytes.NewReader(body))
	sign(req, testSecret, body)
	w := do(s.Handler(), req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := w.Body.String(); got != "c0ffee42" {
		t.Errorf("Want: %q, got: %q", "c0ffee42", got)
	}
}

func TestEventBadJSON(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := []byte("{")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/event", bytes.NewReader(body))
	sign(req, testSecret, body)
	if w := do(s.Handler(), req); w.Code != http.StatusBadRequest {
		t.Errorf("Want: %d, got: %d", http.StatusBadRequest, w.Code)
	}
}

func TestEventRejectsBadSignature(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := []byte(`{"type":"url_verification","challenge":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/event", bytes.NewReader(body))
	sign(req, "wrong-secret", body)
	if w := do(s.Handler(), req); w.Code != http.StatusUnauthorized {
		t.Errorf("Want: %d, got: %d", http.StatusUnauthorized, w.Code)
	}
}

func TestReactionsThatDoNotApprove(t *testing.T) {
	cases := []struct {
		name     string
		user     string
		reaction string
		team     string
		ts       string
	}{
		{name: "stranger", user: "U9", reaction: "+1", team: "T1"},
		{name: "listed-non-approver", user: "U2", reaction: "+1", team: "T1"},
		{name: "wrong-reaction", user: "U1", reaction: "tada", team: "T1"},
		{name: "wrong-team", user: "U1", reaction: "+1", team: "T2"},
		{name: "wrong-message", user: "U1", reaction: "+1", team: "T1", ts: "999.999"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _ := newTestServer(t)
			job, msg := createJob(t, s)
			ts := msg.Timestamp
			if tc.ts != "" {
				ts = tc.ts
			}
			w := do(s.Handler(), reactionRequest(t, testSecret, tc.team, tc.user, tc.reaction, msg.Channel, ts))
			if w.Code != http.StatusOK {
				t.Fatalf("status %d", w.Code)
			}
			got, ok := s.Store.GetInit(job.ID)
			if !ok {
				t.Fatal("job left the init bucket")
			}
			if len(got.ApprovedBy()) != 0 {
				t.Errorf("job gained approvals: %+v", got.ApprovedBy())
			}
		})
	}
}

func TestReactionApprovalReachesQuorum(t *testing.T) {
	s, messenger, scheduler := newTestServer(t)
	job, msg := createJob(t, s)

	// U1 approves for themselves. G1 is still outstanding.
	if w := do(s.Handler(), reactionRequest(t, testSecret, "T1", "U1", "+1", msg.Channel, msg.Timestamp)); w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	got, ok := s.Store.GetInit(job.ID)
	if !ok {
		t.Fatal("job should still be init with the group outstanding")
	}
	if len(got.ApprovedBy()) != 1 {
		t.Fatalf("approvals after U1: %+v", got.ApprovedBy())
	}

	// U7 satisfies G1 through live membership, completing the quorum.
	if w := do(s.Handler(), reactionRequest(t, testSecret, "T1", "U7", "+1", msg.Channel, msg.Timestamp)); w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	waitFor(t, "promotion to approved", func() bool {
		_, ok := s.Store.GetApproved(job.ID)
		return ok
	})
	waitFor(t, "approved notification", func() bool {
		return len(messenger.Sent("approved")) == 1
	})
	waitFor(t, "executor handoff", func() bool {
		return len(scheduler.jobs()) == 1
	})
	if got := scheduler.jobs(); got[0] != job.ID {
		t.Errorf("scheduled %v, want [%s]", got, job.ID)
	}
}

func TestJobsAPI(t *testing.T) {
	s, _, _ := newTestServer(t)
	job, _ := createJob(t, s)

	for _, key := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		if key != "" {
			req.Header.Set("X-Api-Key", key)
		}
		if w := do(s.Handler(), req); w.Code != http.StatusUnauthorized {
			t.Errorf("key %q: Want: %d, got: %d", key, http.StatusUnauthorized, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("X-Api-Key", "sesame")
	w := do(s.Handler(), req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var got []jobs.Job
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decoding jobs: %v", err)
	}
	if len(got) != 1 || got[0].ID != job.ID {
		t.Errorf("jobs API returned %+v", got)
	}
}

func TestRedirect(t *testing.T) {
	s, _, _ := newTestServer(t)

	if w := do(s.Handler(), httptest.NewRequest(http.MethodGet, "/redirect?code=xyz", nil)); w.Code != http.StatusNotImplemented {
		t.Errorf("without an exchange: Want: %d, got: %d", http.StatusNotImplemented, w.Code)
	}

	var gotCode string
	s.Exchange = func(code string) (slack.Token, error) {
		gotCode = code
		return slack.Token{AccessToken: "xoxb-1", Team: slack.Team{ID: "T9"}}, nil
	}
	w := do(s.Handler(), httptest.NewRequest(http.MethodGet, "/redirect?code=xyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if gotCode != "xyz" {
		t.Errorf("Want: %q, got: %q", "xyz", gotCode)
	}
	if !strings.Contains(w.Body.String(), "installed") {
		t.Errorf("reply should confirm the install, got: %s", w.Body.String())
	}

	if w := do(s.Handler(), httptest.NewRequest(http.MethodGet, "/redirect", nil)); w.Code != http.StatusBadRequest {
		t.Errorf("missing code: Want: %d, got: %d", http.StatusBadRequest, w.Code)
	}

	s.Exchange = func(string) (slack.Token, error) { return slack.Token{}, errors.New("boom") }
	if w := do(s.Handler(), httptest.NewRequest(http.MethodGet, "/redirect?code=xyz", nil)); w.Code != http.StatusInternalServerError {
		t.Errorf("exchange failure: Want: %d, got: %d", http.StatusInternalServerError, w.Code)
	}
}
