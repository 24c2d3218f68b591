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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mergebot_job_transitions_total",
		Help: "A counter of job state transitions, by the state entered.",
	}, []string{"state"})
	jobsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mergebot_jobs",
		Help: "The number of jobs currently in each state.",
	}, []string{"state"})
	approvalCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mergebot_approvals_total",
		Help: "A counter of recorded approvals.",
	})
)

func init() {
	prometheus.MustRegister(transitionCounter)
	prometheus.MustRegister(jobsGauge)
	prometheus.MustRegister(approvalCounter)
}

// trackTransition keeps the per-state counters current. from is empty for
// job creation.
func trackTransition(from, to StateName) {
	transitionCounter.WithLabelValues(string(to)).Inc()
	if from != "" {
		jobsGauge.WithLabelValues(string(from)).Dec()
	}
	jobsGauge.WithLabelValues(string(to)).Inc()
}
