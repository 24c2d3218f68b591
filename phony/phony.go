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

// Package phony sends fake, correctly signed Slack payloads to a running
// mergebot for local end-to-end poking.
package phony

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cakekindel/mergebot/slack"
)

// SendCommand POSTs a slash-command form to the provided address, signed
// the way Slack signs it.
func SendCommand(address, signingSecret string, form url.Values) error {
	return send(address, signingSecret, []byte(form.Encode()), "application/x-www-form-urlencoded")
}

// SendEvent POSTs an event callback payload to the provided address,
// signed the way Slack signs it.
func SendEvent(address, signingSecret string, payload []byte) error {
	return send(address, signingSecret, payload, "application/json")
}

func send(address, signingSecret string, payload []byte, contentType string) error {
	req, err := http.NewRequest(http.MethodPost, address, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", slack.PayloadSignature(signingSecret, ts, payload))
	req.Header.Set("content-type", contentType)

	c := &http.Client{}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	rb, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("response from mergebot has status %d and body %s", resp.StatusCode, string(bytes.TrimSpace(rb)))
	}
	return nil
}
