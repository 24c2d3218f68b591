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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Define all metrics for webhooks here.
	webhookCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mergebot_webhook_counter",
		Help: "A counter of the webhooks made to mergebot.",
	}, []string{"kind"})
	responseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mergebot_http_response_codes",
		Help: "A counter of the response codes mergebot has served.",
	}, []string{"response_code"})
)

func init() {
	prometheus.MustRegister(webhookCounter)
	prometheus.MustRegister(responseCounter)
}
