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

// Package slack adapts the chat platform mergebot runs on: posting job
// notifications, expanding user groups, verifying inbound requests and
// exchanging OAuth install codes.
package slack

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	slackapi "github.com/slack-go/slack"

	"github.com/cakekindel/mergebot/deploy"
	"github.com/cakekindel/mergebot/jobs"
)

// Client implements job notifications and group expansion against the
// Slack web API.
type Client struct {
	logger *logrus.Entry
	api    *slackapi.Client
}

// NewClient wraps an authenticated API client.
func NewClient(api *slackapi.Client) *Client {
	return &Client{
		logger: logrus.WithField("client", "slack"),
		api:    api,
	}
}

// FormatApprovers renders a mention list the way a person would write it:
// "a", "a & b", "a, b & c".
func FormatApprovers(principals []deploy.Principal) string {
	mentions := make([]string, 0, len(principals))
	for _, p := range principals {
		mentions = append(mentions, p.Mention())
	}
	switch len(mentions) {
	case 0:
		return ""
	case 1:
		return mentions[0]
	}
	return strings.Join(mentions[:len(mentions)-1], ", ") + " & " + mentions[len(mentions)-1]
}

func section(text string) slackapi.Block {
	return slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil)
}

// post sends blocks to a channel, optionally threading under a previous
// message, and returns the posted message's id.
func (c *Client) post(channel, threadTS string, blocks ...slackapi.Block) (jobs.MsgID, error) {
	opts := []slackapi.MsgOption{slackapi.MsgOptionBlocks(blocks...)}
	if threadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(threadTS))
	}
	respChannel, ts, err := c.api.PostMessage(channel, opts...)
	if err != nil {
		return jobs.MsgID{}, fmt.Errorf("posting message to %s: %w", channel, err)
	}
	return jobs.MsgID{Channel: respChannel, Timestamp: ts}, nil
}

// thread locates the channel and thread to notify about a job: under its
// announcement message when one was recorded, otherwise a fresh message
// in the app's channel.
func thread(job jobs.Job) (channel, threadTS string) {
	if msg := job.AnnouncementMessage(); msg != nil {
		return msg.Channel, msg.Timestamp
	}
	return job.App.NotificationChannelID, ""
}

// SendJobCreated announces the deployment and asks every approver to
// react with :+1:.
func (c *Client) SendJobCreated(job jobs.Job) (jobs.MsgID, error) {
	c.logger.WithField("job", job.ID).Debug("Sending job created message.")
	return c.post(job.App.NotificationChannelID, "",
		section(fmt.Sprintf("<!here> <@%s> has requested a deployment for %s to %s.",
			job.Command.UserID, job.App.Name, job.Command.EnvName)),
		section(fmt.Sprintf("I need %s to react to this message with :+1: in order to continue.",
			FormatApprovers(job.OutstandingApprovers()))),
	)
}

// SendJobApproved replies in the announcement thread that the merge is
// starting.
func (c *Client) SendJobApproved(job jobs.Job) (jobs.MsgID, error) {
	c.logger.WithField("job", job.ID).Debug("Sending job approved message.")
	channel, ts := thread(job)
	return c.post(channel, ts,
		section(fmt.Sprintf("Everyone approved! Merging %s to %s now. :rocket:",
			job.App.Name, job.Command.EnvName)),
	)
}

// SendJobFailed replies in the announcement thread that the job gave up,
// with the errors it collected along the way.
func (c *Client) SendJobFailed(job jobs.Job) (jobs.MsgID, error) {
	c.logger.WithField("job", job.ID).Debug("Sending job failed message.")
	channel, ts := thread(job)
	text := fmt.Sprintf(":rotating_light: I wasn't able to deploy %s to %s.",
		job.App.Name, job.Command.EnvName)
	if p := job.State.Poisoned; p != nil {
		errs := p.Errored.FlattenedErrors()
		text = fmt.Sprintf("%s I tried %d times, here's what went wrong:\n```%s```",
			text, p.Errored.AttemptCount(), strings.Join(errs, "\n"))
	}
	return c.post(channel, ts, section(text))
}

// SendJobDone replies in the announcement thread that the deployment
// landed.
func (c *Client) SendJobDone(job jobs.Job) (jobs.MsgID, error) {
	c.logger.WithField("job", job.ID).Debug("Sending job done message.")
	channel, ts := thread(job)
	return c.post(channel, ts,
		section(fmt.Sprintf(":tada: %s has been deployed to %s.",
			job.App.Name, job.Command.EnvName)),
	)
}

// Expand lists the current members of a user group.
func (c *Client) Expand(groupID string) ([]string, error) {
	members, err := c.api.GetUserGroupMembers(groupID)
	if err != nil {
		return nil, fmt.Errorf("listing members of group %s: %w", groupID, err)
	}
	return members, nil
}

// ContainsUser reports whether the group currently contains the user.
func (c *Client) ContainsUser(groupID, userID string) (bool, error) {
	members, err := c.Expand(groupID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}
