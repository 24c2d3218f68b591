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

package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/cakekindel/mergebot/phony"
)

var (
	address = flag.String("address", "http://localhost:3030", "Address of the mergebot to poke.")
	secret  = flag.String("signing-secret", "abcde12345", "Signing secret to sign payloads with.")
	kind    = flag.String("kind", "command", "Kind of payload to send, either command or event.")
	payload = flag.String("payload", "", "File to send as the event payload. If unspecified, sends a sample reaction.")

	app     = flag.String("app", "foo", "App name for the sample command.")
	env     = flag.String("env", "staging", "Environment name for the sample command.")
	user    = flag.String("user", "U123", "User id the sample payload comes from.")
	team    = flag.String("team", "T123", "Workspace id for the sample payload.")
	channel = flag.String("channel", "C123", "Channel of the message the sample reaction is on.")
	ts      = flag.String("ts", "123.456", "Timestamp of the message the sample reaction is on.")
)

func main() {
	flag.Parse()

	var err error
	switch *kind {
	case "command":
		form := url.Values{}
		form.Set("command", "/deploy")
		form.Set("text", fmt.Sprintf("%s %s", *app, *env))
		form.Set("user_id", *user)
		form.Set("team_id", *team)
		form.Set("channel_id", *channel)
		err = phony.SendCommand(*address+"/api/v1/command", *secret, form)
	case "event":
		var body []byte
		if *payload == "" {
			body = []byte(fmt.Sprintf(
				`{"type":"event_callback","team_id":%q,"event":{"type":"reaction_added","user":%q,"reaction":"+1","item":{"type":"message","channel":%q,"ts":%q},"event_ts":"1.0"}}`,
				*team, *user, *channel, *ts))
		} else {
			body, err = ioutil.ReadFile(*payload)
			if err != nil {
				logrus.WithError(err).Fatal("Could not read payload file.")
			}
		}
		err = phony.SendEvent(*address+"/api/v1/event", *secret, body)
	default:
		logrus.Fatalf("Unrecognized kind %q, want command or event.", *kind)
	}

	if err != nil {
		logrus.WithError(err).Error("Error sending payload.")
	} else {
		logrus.Info("Payload sent.")
	}
}
