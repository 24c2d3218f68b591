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

// Package server implements the HTTP interface mergebot presents to Slack:
// the /deploy slash command, the events subscription that carries approval
// reactions, the jobs API, and the OAuth install redirect.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/cakekindel/mergebot/deploy"
	"github.com/cakekindel/mergebot/jobs"
	"github.com/cakekindel/mergebot/slack"
)

const fallbackReply = "Uh oh :confused: I wasn't able to do that. <https://github.com/cakekindel/mergebot/issues|Please file an issue>!"

// ExchangeFunc trades an OAuth grant code for a workspace token.
type ExchangeFunc func(code string) (slack.Token, error)

// Server routes Slack traffic into the job store. Requests on the command
// and event endpoints are authenticated against SigningSecret over the raw
// body before anything is parsed.
type Server struct {
	Logger *logrus.Entry
	Store  *jobs.Store
	Reader deploy.Reader
	Groups jobs.Groups
	// SigningSecret is the Slack app's request signing secret.
	SigningSecret string
	// APIKey gates GET /api/v1/jobs.
	APIKey string
	// Exchange completes OAuth installs on GET /redirect. Optional.
	Exchange ExchangeFunc
}

func (s *Server) log() *logrus.Entry {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Handler returns the full mergebot route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", func(http.ResponseWriter, *http.Request) {}).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/hello/{name}", s.handleHello).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/command", s.handleCommand).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/event", s.handleEvent).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/redirect", s.handleRedirect).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func respond(w http.ResponseWriter, status int, body string) {
	responseCounter.WithLabelValues(fmt.Sprint(status)).Inc()
	w.WriteHeader(status)
	if body != "" {
		fmt.Fprint(w, body)
	}
}

// authentic reports whether Slack signed body with our signing secret.
func (s *Server) authentic(header http.Header, body []byte) bool {
	sv, err := slackapi.NewSecretsVerifier(header, s.SigningSecret)
	if err != nil {
		s.log().WithError(err).Warn("Rejecting request without a usable signature.")
		return false
	}
	if _, err := sv.Write(body); err != nil {
		s.log().WithError(err).Error("Hashing request body failed.")
		return false
	}
	if err := sv.Ensure(); err != nil {
		s.log().WithError(err).Warn("Rejecting request with a bad signature.")
		return false
	}
	return true
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, fmt.Sprintf("hello, %s!", mux.Vars(r)["name"]))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	webhookCounter.WithLabelValues("command").Inc()
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		s.log().WithError(err).Error("Reading command body failed.")
		respond(w, http.StatusInternalServerError, "")
		return
	}
	if !s.authentic(r.Header, body) {
		respond(w, http.StatusUnauthorized, "")
		return
	}
	r.Body = ioutil.NopCloser(bytes.NewReader(body))
	slash, err := slackapi.SlashCommandParse(r)
	if err != nil {
		s.log().WithError(err).Error("Parsing slash command failed.")
		respond(w, http.StatusBadRequest, "")
		return
	}
	respond(w, http.StatusOK, s.runCommand(slash))
}

// runCommand validates and queues a deployment. The returned string is shown
// to the user who typed the slash command, whatever happens.
func (s *Server) runCommand(slash slackapi.SlashCommand) string {
	logger := s.log().WithFields(logrus.Fields{"team": slash.TeamID, "user": slash.UserID})
	cmd, err := deploy.ParseCommand(slash.Command, slash.Text, slash.UserID, slash.TeamID)
	if err != nil {
		logger.WithError(err).Info("Rejecting command.")
		return rejection(err)
	}
	app, err := cmd.FindApp(s.Reader)
	if err != nil {
		logger.WithError(err).Info("Rejecting command.")
		return rejection(err)
	}
	if existing, ok := s.Store.Active(cmd); ok {
		logger.WithField("job", existing.ID).Info("Rejecting command, job already in progress.")
		return fmt.Sprintf("There's already a deployment of %s to %s in progress (job %s).", existing.App.Name, existing.Command.EnvName, existing.ID)
	}
	job := s.Store.Create(cmd, app)
	// Create dispatched its listeners on this goroutine, so the announcement
	// message has already been recorded. Show the caller the fresh job.
	if fresh, ok := s.Store.Get(job.ID); ok {
		job = fresh
	}
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		logger.WithError(err).Error("Marshaling job reply failed.")
		return fallbackReply
	}
	return fmt.Sprintf("```%s```", raw)
}

// rejection renders a validation error for the user who issued the command.
func rejection(err error) string {
	var appErr *deploy.AppNotFoundError
	var envErr *deploy.EnvNotFoundError
	switch {
	case errors.Is(err, deploy.ErrNotDeploy):
		return "I only know how to `/deploy` :confused:"
	case errors.Is(err, deploy.ErrMalformed):
		return "Hmm, that doesn't look right. Usage: `/deploy <app> <environment>`"
	case errors.As(err, &appErr):
		return fmt.Sprintf("I couldn't find an app named %s in the deployables catalog.", appErr.App)
	case errors.As(err, &envErr):
		return fmt.Sprintf("%s doesn't have an environment named %s that you can deploy.", envErr.App, envErr.Env)
	default:
		return fallbackReply
	}
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	webhookCounter.WithLabelValues("event").Inc()
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		s.log().WithError(err).Error("Reading event body failed.")
		respond(w, http.StatusInternalServerError, "")
		return
	}
	if !s.authentic(r.Header, body) {
		respond(w, http.StatusUnauthorized, "")
		return
	}
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		s.log().WithError(err).Error("Parsing event failed.")
		respond(w, http.StatusBadRequest, "")
		return
	}
	switch event.Type {
	case slackevents.URLVerification:
		var cr slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			s.log().WithError(err).Error("Parsing challenge failed.")
			respond(w, http.StatusBadRequest, "")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		respond(w, http.StatusOK, cr.Challenge)
	case slackevents.CallbackEvent:
		if reaction, ok := event.InnerEvent.Data.(*slackevents.ReactionAddedEvent); ok {
			s.handleReaction(event.TeamID, reaction)
		} else {
			s.log().WithField("type", event.InnerEvent.Type).Info("Not responding to event.")
		}
		respond(w, http.StatusOK, "")
	default:
		s.log().WithField("type", event.Type).Info("Not responding to event.")
		respond(w, http.StatusOK, "")
	}
}

// handleReaction runs the approval engine for a +1 on a job's announcement
// message. Reactions from non-approvers are logged and dropped.
func (s *Server) handleReaction(teamID string, ev *slackevents.ReactionAddedEvent) {
	if ev.Item.Type != "message" {
		return
	}
	job, ok := s.Store.FindByMessage(ev.Item.Channel, ev.Item.Timestamp)
	if !ok || job.App.TeamID != teamID {
		return
	}
	logger := s.log().WithField("job", job.ID)
	logger.Infof("User %s reacted %s.", ev.User, ev.Reaction)
	if ev.Reaction != "+1" {
		return
	}
	principal, ok := jobs.MatchOutstanding(logger, job, ev.User, s.Groups)
	if !ok {
		return
	}
	s.Store.ApprovedBy(job.ID, principal)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Api-Key") != s.APIKey {
		respond(w, http.StatusUnauthorized, "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	responseCounter.WithLabelValues("200").Inc()
	if err := json.NewEncoder(w).Encode(s.Store.All()); err != nil {
		s.log().WithError(err).Error("Encoding jobs failed.")
	}
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if s.Exchange == nil {
		respond(w, http.StatusNotImplemented, "mergebot is not set up for OAuth installs.")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		respond(w, http.StatusBadRequest, "missing code")
		return
	}
	tok, err := s.Exchange(code)
	if err != nil {
		s.log().WithError(err).Error("OAuth code exchange failed.")
		respond(w, http.StatusInternalServerError, "Something went wrong installing mergebot. Try again?")
		return
	}
	s.log().WithField("team", tok.Team.ID).Info("Workspace installed mergebot.")
	respond(w, http.StatusOK, "mergebot is installed! You can close this tab.")
}
